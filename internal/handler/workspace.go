package handler

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/middleware"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
	"github.com/sbomhub/sbomhub/internal/service/workspace"
)

type WorkspaceHandler struct {
	workspaces *workspace.Service
	users      *repository.UserRepository
}

func NewWorkspaceHandler(workspaces *workspace.Service, users *repository.UserRepository) *WorkspaceHandler {
	return &WorkspaceHandler{workspaces: workspaces, users: users}
}

func (h *WorkspaceHandler) Create(c echo.Context) error {
	var req model.CreateWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return badRequest(c, "name is required")
	}

	user := middleware.GetUser(c)
	ws, err := h.workspaces.CreateWorkspace(c.Request().Context(), user, req.Name, slugify(req.Name))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, ws)
}

func (h *WorkspaceHandler) Rename(c echo.Context) error {
	var req model.CreateWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ws := middleware.GetWorkspace(c)
	if err := h.workspaces.Rename(c.Request().Context(), ws, req.Name); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, ws)
}

func (h *WorkspaceHandler) SetDefault(c echo.Context) error {
	workspaceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workspace id")
	}

	if err := h.workspaces.SetDefault(c.Request().Context(), middleware.GetUserID(c), workspaceID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *WorkspaceHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	member, err := h.users.GetMember(ctx, middleware.GetWorkspaceID(c), middleware.GetUserID(c))
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load membership", err))
	}
	if err := h.workspaces.Delete(ctx, member, middleware.GetUserID(c)); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *WorkspaceHandler) Invite(c echo.Context) error {
	var req model.CreateInvitationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	actor, err := h.users.GetMember(ctx, middleware.GetWorkspaceID(c), middleware.GetUserID(c))
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load membership", err))
	}

	inv, err := h.workspaces.Invite(ctx, actor, req.Email, req.Role)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *WorkspaceHandler) AcceptInvitation(c echo.Context) error {
	token := c.Param("token")
	member, err := h.workspaces.AcceptInvitation(c.Request().Context(), middleware.GetUser(c), token)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, member)
}

func (h *WorkspaceHandler) DeclineInvitation(c echo.Context) error {
	token := c.Param("token")
	if err := h.workspaces.DeclineInvitation(c.Request().Context(), token); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type changeRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=owner admin member guest"`
}

func (h *WorkspaceHandler) ChangeRole(c echo.Context) error {
	targetUserID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		return badRequest(c, "invalid user id")
	}
	var req changeRoleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	workspaceID := middleware.GetWorkspaceID(c)
	actor, err := h.users.GetMember(ctx, workspaceID, middleware.GetUserID(c))
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load membership", err))
	}
	target, err := h.users.GetMember(ctx, workspaceID, targetUserID)
	if err != nil {
		return respondErr(c, apperror.New(apperror.KindNotFound, "member not found"))
	}

	if err := h.workspaces.ChangeRole(ctx, actor, target, req.Role); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *WorkspaceHandler) RemoveMember(c echo.Context) error {
	targetUserID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		return badRequest(c, "invalid user id")
	}

	ctx := c.Request().Context()
	workspaceID := middleware.GetWorkspaceID(c)
	actor, err := h.users.GetMember(ctx, workspaceID, middleware.GetUserID(c))
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "load membership", err))
	}
	target, err := h.users.GetMember(ctx, workspaceID, targetUserID)
	if err != nil {
		return respondErr(c, apperror.New(apperror.KindNotFound, "member not found"))
	}

	if err := h.workspaces.RemoveMember(ctx, actor, target); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *WorkspaceHandler) ListMembers(c echo.Context) error {
	members, err := h.users.ListMembers(c.Request().Context(), middleware.GetWorkspaceID(c))
	if err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "list members", err))
	}
	return c.JSON(http.StatusOK, members)
}

func (h *WorkspaceHandler) ListMemberships(c echo.Context) error {
	memberships, err := h.workspaces.ListMemberships(c.Request().Context(), middleware.GetUserID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, memberships)
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "workspace"
	}
	return s + "-" + uuid.New().String()[:8]
}
