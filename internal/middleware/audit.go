package middleware

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

// Audit logs every authenticated request to the append-only trail. It
// determines the action and resource type from the HTTP method and path.
func Audit(auditRepo *repository.AuditRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			workspaceID, hasWorkspace := c.Get(ContextKeyWorkspaceID).(uuid.UUID)
			userID, hasUser := c.Get(ContextKeyUserID).(uuid.UUID)

			if !hasWorkspace {
				return err
			}

			action, resourceType := determineActionAndResource(c.Request().Method, c.Path())
			if action == "" {
				return err
			}

			details := map[string]interface{}{
				"path":       c.Path(),
				"method":     c.Request().Method,
				"status":     c.Response().Status,
				"latency_ms": time.Since(start).Milliseconds(),
			}

			var userIDPtr *uuid.UUID
			if hasUser {
				userIDPtr = &userID
			}

			_ = auditRepo.Log(c.Request().Context(), &model.CreateAuditLogInput{
				WorkspaceID:  &workspaceID,
				UserID:       userIDPtr,
				Action:       action,
				ResourceType: resourceType,
				ResourceID:   extractResourceID(c),
				Details:      details,
				IPAddress:    c.RealIP(),
				UserAgent:    c.Request().UserAgent(),
			})

			return err
		}
	}
}

func determineActionAndResource(method, path string) (action, resourceType string) {
	path = strings.TrimPrefix(path, "/api/v1")

	if strings.HasPrefix(path, "/health") || strings.HasPrefix(path, "/metrics") || strings.HasPrefix(path, "/audit-logs") {
		return "", ""
	}

	switch {
	case strings.Contains(path, "/members"):
		resourceType = model.ResourceUser
		switch method {
		case "POST":
			return model.ActionUserInvited, resourceType
		case "PATCH", "PUT":
			return model.ActionMemberRoleChanged, resourceType
		case "DELETE":
			return model.ActionMemberRemoved, resourceType
		case "GET":
			return "member.viewed", resourceType
		}
	case strings.Contains(path, "/workspaces"):
		resourceType = model.ResourceWorkspace
		switch method {
		case "POST":
			return model.ActionWorkspaceCreated, resourceType
		case "PUT", "PATCH":
			return model.ActionWorkspaceUpdated, resourceType
		case "DELETE":
			return model.ActionWorkspaceDeleted, resourceType
		case "GET":
			return "workspace.viewed", resourceType
		}
	case strings.Contains(path, "/products"):
		resourceType = model.ResourceProduct
		switch method {
		case "POST":
			return model.ActionProductCreated, resourceType
		case "PATCH", "PUT":
			if strings.Contains(path, "/visibility") {
				return model.ActionVisibilityChanged, resourceType
			}
			return "product.updated", resourceType
		case "DELETE":
			return "product.deleted", resourceType
		case "GET":
			return "product.viewed", resourceType
		}
	case strings.Contains(path, "/components") && strings.Contains(path, "/sboms"):
		resourceType = model.ResourceSBOM
		switch method {
		case "POST":
			return model.ActionSBOMUploaded, resourceType
		case "GET":
			return "sbom.viewed", resourceType
		}
	case strings.Contains(path, "/components") && strings.Contains(path, "/documents"):
		resourceType = model.ResourceDocument
		switch method {
		case "POST":
			return model.ActionDocumentUploaded, resourceType
		case "GET":
			return "document.viewed", resourceType
		}
	case strings.Contains(path, "/releases"):
		resourceType = model.ResourceRelease
		switch method {
		case "POST":
			return model.ActionReleaseComposed, resourceType
		case "GET":
			return "release.viewed", resourceType
		}
	case strings.Contains(path, "/access-requests"):
		resourceType = model.ResourceAccessRequest
		switch method {
		case "POST":
			if strings.Contains(path, "/approve") {
				return model.ActionAccessApproved, resourceType
			}
			if strings.Contains(path, "/reject") {
				return model.ActionAccessRejected, resourceType
			}
			if strings.Contains(path, "/revoke") {
				return model.ActionAccessRevoked, resourceType
			}
			if strings.Contains(path, "/sign-nda") {
				return model.ActionNDASigned, resourceType
			}
			return model.ActionAccessRequested, resourceType
		case "GET":
			return "access_request.viewed", resourceType
		}
	case strings.Contains(path, "/billing") || strings.Contains(path, "/subscription"):
		resourceType = model.ResourceSubscription
		switch method {
		case "POST":
			return model.ActionSubscriptionSynced, resourceType
		case "GET":
			return "subscription.viewed", resourceType
		}
	}

	switch method {
	case "GET":
		return "resource.viewed", "unknown"
	case "POST":
		return "resource.created", "unknown"
	case "PUT", "PATCH":
		return "resource.updated", "unknown"
	case "DELETE":
		return "resource.deleted", "unknown"
	}

	return "", ""
}

func extractResourceID(c echo.Context) *uuid.UUID {
	for _, param := range []string{"id", "product_id", "project_id", "component_id", "release_id"} {
		if idStr := c.Param(param); idStr != "" {
			if id, err := uuid.Parse(idStr); err == nil {
				return &id
			}
		}
	}
	return nil
}
