package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/middleware"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
	"github.com/sbomhub/sbomhub/internal/service/accessrequest"
)

// AccessRequestHandler implements C6's HTTP surface: filing a request for a
// gated component, signing the workspace NDA, and the admin decide actions.
type AccessRequestHandler struct {
	requests *accessrequest.Service
	repo     *repository.AccessRequestRepository
	catalog  *repository.CatalogRepository
	users    *repository.UserRepository
}

func NewAccessRequestHandler(requests *accessrequest.Service, repo *repository.AccessRequestRepository, catalog *repository.CatalogRepository, users *repository.UserRepository) *AccessRequestHandler {
	return &AccessRequestHandler{requests: requests, repo: repo, catalog: catalog, users: users}
}

type createAccessRequestRequest struct {
	ComponentID uuid.UUID `json:"component_id" validate:"required"`
	Message     string    `json:"message" validate:"max=2000"`
}

func (h *AccessRequestHandler) Create(c echo.Context) error {
	var req createAccessRequestRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	component, err := h.catalog.GetComponent(ctx, req.ComponentID)
	if err != nil {
		return respondErr(c, apperror.New(apperror.KindNotFound, "component not found"))
	}

	user := middleware.GetUser(c)
	if user == nil {
		return respondErr(c, apperror.New(apperror.KindNotAuthenticated, "signing in is required to request access"))
	}

	ar, err := h.requests.Create(ctx, component.WorkspaceID, component.ID, user.ID, req.Message)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, ar)
}

type signNDARequest struct {
	AcknowledgedHash string `json:"acknowledged_hash"`
}

func (h *AccessRequestHandler) SignNDA(c echo.Context) error {
	var req signNDARequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.requests.SignNDA(c.Request().Context(), middleware.GetWorkspaceID(c), middleware.GetUserID(c), req.AcknowledgedHash); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetNDADocument surfaces the workspace's current NDA text and hash so a
// requester can review it (and quote its hash back via AcknowledgedHash)
// before signing.
func (h *AccessRequestHandler) GetNDADocument(c echo.Context) error {
	doc, err := h.repo.GetNDADocument(c.Request().Context(), middleware.GetWorkspaceID(c))
	if err != nil {
		return respondErr(c, apperror.New(apperror.KindNotFound, "this workspace has no NDA document configured"))
	}
	return c.JSON(http.StatusOK, doc)
}

type upsertNDARequest struct {
	Body string `json:"body" validate:"required"`
}

// UpsertNDADocument replaces the workspace's NDA text, which per §8 scenario
// 1 invalidates every signature made against the previous content hash.
func (h *AccessRequestHandler) UpsertNDADocument(c echo.Context) error {
	var req upsertNDARequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		return badRequest(c, "body is required")
	}
	doc := &model.NDADocument{
		WorkspaceID: middleware.GetWorkspaceID(c), Body: req.Body,
		ContentHash: accessrequest.HashNDABody(req.Body), UpdatedAt: time.Now(),
	}
	if err := h.repo.UpsertNDADocument(c.Request().Context(), doc); err != nil {
		return respondErr(c, apperror.Wrap(apperror.KindInternal, "upsert nda document", err))
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *AccessRequestHandler) ListPending(c echo.Context) error {
	reqs, err := h.requests.ListPending(c.Request().Context(), middleware.GetWorkspaceID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, reqs)
}

func (h *AccessRequestHandler) PendingCount(c echo.Context) error {
	count, err := h.requests.PendingCount(c.Request().Context(), middleware.GetWorkspaceID(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"count": count})
}

func (h *AccessRequestHandler) loadActor(c echo.Context) (*model.Member, error) {
	member, err := h.users.GetMember(c.Request().Context(), middleware.GetWorkspaceID(c), middleware.GetUserID(c))
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "load membership", err)
	}
	return member, nil
}

func (h *AccessRequestHandler) Approve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid access request id")
	}
	actor, err := h.loadActor(c)
	if err != nil {
		return respondErr(c, err)
	}
	ar, err := h.requests.Approve(c.Request().Context(), actor, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, ar)
}

func (h *AccessRequestHandler) Reject(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid access request id")
	}
	actor, err := h.loadActor(c)
	if err != nil {
		return respondErr(c, err)
	}
	ar, err := h.requests.Reject(c.Request().Context(), actor, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, ar)
}

func (h *AccessRequestHandler) Revoke(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid access request id")
	}
	actor, err := h.loadActor(c)
	if err != nil {
		return respondErr(c, err)
	}
	ar, err := h.requests.Revoke(c.Request().Context(), actor, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, ar)
}
