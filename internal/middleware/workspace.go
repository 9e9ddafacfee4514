package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

// WorkspaceContext provides helper accessors over the values Auth placed on
// the request context.
type WorkspaceContext struct {
	c echo.Context
}

func NewWorkspaceContext(c echo.Context) *WorkspaceContext {
	return &WorkspaceContext{c: c}
}

func (wc *WorkspaceContext) WorkspaceID() uuid.UUID {
	if id, ok := wc.c.Get(ContextKeyWorkspaceID).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

func (wc *WorkspaceContext) Workspace() *model.Workspace {
	if w, ok := wc.c.Get(ContextKeyWorkspace).(*model.Workspace); ok {
		return w
	}
	return nil
}

func (wc *WorkspaceContext) UserID() uuid.UUID {
	if id, ok := wc.c.Get(ContextKeyUserID).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

func (wc *WorkspaceContext) User() *model.User {
	if u, ok := wc.c.Get(ContextKeyUser).(*model.User); ok {
		return u
	}
	return nil
}

func (wc *WorkspaceContext) Role() string {
	if r, ok := wc.c.Get(ContextKeyRole).(string); ok {
		return r
	}
	return ""
}

func (wc *WorkspaceContext) IsSelfHosted() bool {
	if externalID, ok := wc.c.Get(ContextKeyExternalID).(string); ok {
		return externalID == "self-hosted"
	}
	return false
}

func (wc *WorkspaceContext) CanWrite() bool {
	role := wc.Role()
	return role == model.RoleOwner || role == model.RoleAdmin || role == model.RoleMember
}

func (wc *WorkspaceContext) CanAdmin() bool {
	role := wc.Role()
	return role == model.RoleOwner || role == model.RoleAdmin
}

func (wc *WorkspaceContext) IsOwner() bool {
	return wc.Role() == model.RoleOwner
}

func GetWorkspaceID(c echo.Context) uuid.UUID { return NewWorkspaceContext(c).WorkspaceID() }
func GetUserID(c echo.Context) uuid.UUID      { return NewWorkspaceContext(c).UserID() }
func GetWorkspace(c echo.Context) *model.Workspace { return NewWorkspaceContext(c).Workspace() }
func GetUser(c echo.Context) *model.User      { return NewWorkspaceContext(c).User() }

// CheckWorkspaceAccess verifies that a resource belongs to the caller's workspace.
func CheckWorkspaceAccess(c echo.Context, resourceWorkspaceID uuid.UUID) bool {
	id := GetWorkspaceID(c)
	return id != uuid.Nil && id == resourceWorkspaceID
}

func EnsureWorkspaceAccess(c echo.Context, resourceWorkspaceID uuid.UUID) error {
	if !CheckWorkspaceAccess(c, resourceWorkspaceID) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "access denied"})
	}
	return nil
}

// CheckProductLimit enforces §3.1's per-plan product ceiling on create
// requests (C4). Self-hosted installs and unlimited plans pass through.
func CheckProductLimit(billingRepo *repository.BillingRepository, catalogRepo *repository.CatalogRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method != http.MethodPost {
				return next(c)
			}

			wc := NewWorkspaceContext(c)
			workspace := wc.Workspace()
			if workspace == nil || wc.IsSelfHosted() {
				return next(c)
			}

			limits := billingRepo.GetPlanLimits(c.Request().Context(), workspace.Plan)
			if model.IsUnlimited(limits.MaxProducts) {
				return next(c)
			}

			count, err := catalogRepo.CountProducts(c.Request().Context(), wc.WorkspaceID())
			if err != nil {
				return next(c)
			}

			if !model.CheckLimit(count, limits.MaxProducts) {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":   "product_limit_exceeded",
					"message": "this workspace has reached its product limit for the current plan",
					"limit":   limits.MaxProducts,
					"current": count,
				})
			}

			return next(c)
		}
	}
}

// CheckMemberLimit enforces the per-plan member ceiling on invitation
// creation.
func CheckMemberLimit(billingRepo *repository.BillingRepository, userRepo *repository.UserRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method != http.MethodPost {
				return next(c)
			}

			wc := NewWorkspaceContext(c)
			workspace := wc.Workspace()
			if workspace == nil || wc.IsSelfHosted() {
				return next(c)
			}

			limits := billingRepo.GetPlanLimits(c.Request().Context(), workspace.Plan)
			if model.IsUnlimited(limits.MaxMembers) {
				return next(c)
			}

			count, err := userRepo.CountMembers(c.Request().Context(), wc.WorkspaceID())
			if err != nil {
				return next(c)
			}

			if !model.CheckLimit(count, limits.MaxMembers) {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":   "member_limit_exceeded",
					"message": "this workspace has reached its member limit for the current plan",
					"limit":   limits.MaxMembers,
					"current": count,
				})
			}

			return next(c)
		}
	}
}

// CheckFeature enforces §3.1's feature gating (e.g. custom_domain, nda_gating).
func CheckFeature(feature string, billingRepo *repository.BillingRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			wc := NewWorkspaceContext(c)
			workspace := wc.Workspace()
			if workspace == nil || wc.IsSelfHosted() {
				return next(c)
			}

			limits := billingRepo.GetPlanLimits(c.Request().Context(), workspace.Plan)
			if !limits.HasFeature(feature) {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":   "feature_not_available",
					"message": "this feature is not available on the current plan",
					"feature": feature,
					"plan":    workspace.Plan,
				})
			}

			return next(c)
		}
	}
}
