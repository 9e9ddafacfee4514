package middleware

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/config"
	"github.com/sbomhub/sbomhub/internal/identity"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

const (
	ContextKeyUserID      = "user_id"
	ContextKeyUser        = "user"
	ContextKeyWorkspaceID = "workspace_id"
	ContextKeyWorkspace   = "workspace"
	ContextKeyRole        = "role"
	ContextKeyExternalID  = "external_id"
)

// AuthContext holds authentication context for a request.
type AuthContext struct {
	UserID       uuid.UUID
	WorkspaceID  uuid.UUID
	ExternalID   string
	Role         string
	IsSelfHosted bool
}

func GetAuthContext(c echo.Context) *AuthContext {
	userID, _ := c.Get(ContextKeyUserID).(uuid.UUID)
	workspaceID, _ := c.Get(ContextKeyWorkspaceID).(uuid.UUID)
	role, _ := c.Get(ContextKeyRole).(string)
	externalID, _ := c.Get(ContextKeyExternalID).(string)

	return &AuthContext{
		UserID:       userID,
		WorkspaceID:  workspaceID,
		ExternalID:   externalID,
		Role:         role,
		IsSelfHosted: externalID == "self-hosted",
	}
}

// Auth returns C1's identity middleware: self-hosted installs resolve to a
// default workspace/user, SaaS installs verify the bearer envelope.
func Auth(cfg *config.Config, verifier *identity.Verifier, workspaceRepo *repository.WorkspaceRepository, userRepo *repository.UserRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			if cfg.IsSelfHosted() {
				return handleSelfHostedAuth(c, ctx, workspaceRepo, userRepo, next)
			}

			return handleBearerAuth(c, ctx, verifier, workspaceRepo, userRepo, next)
		}
	}
}

func handleSelfHostedAuth(c echo.Context, ctx context.Context, workspaceRepo *repository.WorkspaceRepository, userRepo *repository.UserRepository, next echo.HandlerFunc) error {
	const defaultSlug = "default"

	workspace, err := workspaceRepo.GetBySlug(ctx, defaultSlug)
	if err == sql.ErrNoRows {
		now := time.Now()
		workspace = &model.Workspace{
			ID: uuid.New(), Name: "Default Workspace", Slug: defaultSlug,
			Plan: model.PlanEnterprise, CreatedAt: now, UpdatedAt: now,
		}
		if err := workspaceRepo.Create(ctx, workspace); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to initialize default workspace"})
		}
	} else if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load default workspace"})
	}

	user, err := userRepo.GetOrCreateByExternalID(ctx, "self-hosted", "owner@self-hosted.local", "Owner")
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to initialize default user"})
	}

	if _, err := userRepo.GetMember(ctx, workspace.ID, user.ID); err == sql.ErrNoRows {
		_ = userRepo.AddMember(ctx, &model.Member{
			WorkspaceID: workspace.ID, UserID: user.ID, Role: model.RoleOwner, IsDefault: true, CreatedAt: time.Now(),
		})
	}

	setAuthContext(c, workspace, user, model.RoleOwner, "self-hosted")
	return next(c)
}

func handleBearerAuth(c echo.Context, ctx context.Context, verifier *identity.Verifier, workspaceRepo *repository.WorkspaceRepository, userRepo *repository.UserRepository, next echo.HandlerFunc) error {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing authorization header"})
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid authorization header format"})
	}

	envelope, err := verifier.Verify(ctx, token)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	}

	user, err := userRepo.GetOrCreateByExternalID(ctx, envelope.Subject, envelope.Email, envelope.Name)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to resolve user"})
	}

	workspaceSlug := envelope.OrgID
	if workspaceSlug == "" {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "workspace membership required"})
	}

	workspace, err := workspaceRepo.GetBySlug(ctx, workspaceSlug)
	if err == sql.ErrNoRows {
		now := time.Now()
		workspace = &model.Workspace{ID: uuid.New(), Name: workspaceSlug, Slug: workspaceSlug, Plan: "", CreatedAt: now, UpdatedAt: now}
		if err := workspaceRepo.Create(ctx, workspace); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to provision workspace"})
		}
	} else if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load workspace"})
	}

	member, err := userRepo.GetMember(ctx, workspace.ID, user.ID)
	if err == sql.ErrNoRows {
		role := model.RoleMember
		if envelope.OrgRole == "org:admin" {
			role = model.RoleOwner
		}
		member = &model.Member{WorkspaceID: workspace.ID, UserID: user.ID, Role: role, CreatedAt: time.Now()}
		if err := userRepo.AddMember(ctx, member); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to add member"})
		}
	} else if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load membership"})
	}

	setAuthContext(c, workspace, user, member.Role, envelope.Subject)
	return next(c)
}

func setAuthContext(c echo.Context, workspace *model.Workspace, user *model.User, role, externalID string) {
	c.Set(ContextKeyWorkspaceID, workspace.ID)
	c.Set(ContextKeyWorkspace, workspace)
	c.Set(ContextKeyUserID, user.ID)
	c.Set(ContextKeyUser, user)
	c.Set(ContextKeyRole, role)
	c.Set(ContextKeyExternalID, externalID)
}

// RequireRole returns a middleware that checks the caller's workspace role.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := c.Get(ContextKeyRole).(string)
			if !ok || !roleSet[role] {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "insufficient permissions"})
			}
			return next(c)
		}
	}
}

func RequireAdmin() echo.MiddlewareFunc { return RequireRole(model.RoleOwner, model.RoleAdmin) }
func RequireOwner() echo.MiddlewareFunc { return RequireRole(model.RoleOwner) }

// OptionalAuth resolves the caller's identity when a bearer token is
// present but, unlike Auth, never rejects the request for lacking one.
// The artifact download and release composition routes run under this:
// access.Resolver.Evaluate (C7) is what decides whether an anonymous
// caller may proceed, not this middleware.
func OptionalAuth(cfg *config.Config, verifier *identity.Verifier, workspaceRepo *repository.WorkspaceRepository, userRepo *repository.UserRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.IsSelfHosted() {
				return handleSelfHostedAuth(c, c.Request().Context(), workspaceRepo, userRepo, next)
			}

			authHeader := c.Request().Header.Get("Authorization")
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || token == authHeader {
				return next(c)
			}

			envelope, err := verifier.Verify(c.Request().Context(), token)
			if err != nil {
				return next(c)
			}

			ctx := c.Request().Context()
			user, err := userRepo.GetOrCreateByExternalID(ctx, envelope.Subject, envelope.Email, envelope.Name)
			if err != nil || envelope.OrgID == "" {
				return next(c)
			}
			workspace, err := workspaceRepo.GetBySlug(ctx, envelope.OrgID)
			if err != nil {
				return next(c)
			}
			member, err := userRepo.GetMember(ctx, workspace.ID, user.ID)
			if err != nil {
				return next(c)
			}
			setAuthContext(c, workspace, user, member.Role, envelope.Subject)
			return next(c)
		}
	}
}
