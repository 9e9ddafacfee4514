package model

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// AuditLog is an append-only trail entry, written by the audit middleware.
// C11 broadcast events are sent by the services straight to the broadcast
// backend and are not recorded here.
type AuditLog struct {
	ID           uuid.UUID              `json:"id" db:"id"`
	WorkspaceID  *uuid.UUID             `json:"workspace_id,omitempty" db:"workspace_id"`
	UserID       *uuid.UUID             `json:"user_id,omitempty" db:"user_id"`
	Action       string                 `json:"action" db:"action"`
	ResourceType string                 `json:"resource_type" db:"resource_type"`
	ResourceID   *uuid.UUID             `json:"resource_id,omitempty" db:"resource_id"`
	Details      map[string]interface{} `json:"details,omitempty" db:"details"`
	IPAddress    net.IP                 `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string                 `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
}

const (
	ActionUserInvited        = "user.invited"
	ActionMemberRoleChanged  = "member.role_changed"
	ActionMemberRemoved      = "member.removed"
	ActionWorkspaceCreated   = "workspace.created"
	ActionWorkspaceUpdated   = "workspace.updated"
	ActionWorkspaceDeleted   = "workspace.deleted"
	ActionProductCreated     = "product.created"
	ActionVisibilityChanged  = "visibility.changed"
	ActionSBOMUploaded       = "sbom.uploaded"
	ActionDocumentUploaded   = "document.uploaded"
	ActionReleaseComposed    = "release.composed"
	ActionAccessRequested    = "access_request.created"
	ActionAccessApproved     = "access_request.approved"
	ActionAccessRejected     = "access_request.rejected"
	ActionAccessRevoked      = "access_request.revoked"
	ActionNDASigned          = "nda.signed"
	ActionSubscriptionSynced = "subscription.synced"
)

const (
	ResourceUser          = "user"
	ResourceWorkspace     = "workspace"
	ResourceProduct       = "product"
	ResourceProject       = "project"
	ResourceComponent     = "component"
	ResourceSBOM          = "sbom"
	ResourceDocument      = "document"
	ResourceRelease       = "release"
	ResourceAccessRequest = "access_request"
	ResourceSubscription  = "subscription"
)

// CreateAuditLogInput is the input for recording (and broadcasting) an event.
type CreateAuditLogInput struct {
	WorkspaceID  *uuid.UUID
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Details      map[string]interface{}
	IPAddress    string
	UserAgent    string
}
