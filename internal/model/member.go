package model

import (
	"time"

	"github.com/google/uuid"
)

// Role constants per §3.1: owner, admin, member, guest. Guest is reserved
// for accepted AccessRequest grants and carries no workspace-management
// permission.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleGuest  = "guest"
)

// User is the identity record resolved by C1 from the bearer envelope.
// It carries no workspace-scoped fields; workspace membership lives in Member.
type User struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ExternalID  string    `json:"external_id" db:"external_id"`
	Email       string    `json:"email" db:"email"`
	Name        string    `json:"name,omitempty" db:"name"`
	AvatarURL   string    `json:"avatar_url,omitempty" db:"avatar_url"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Member links a User to a Workspace with a Role and default-workspace flag.
// A user may belong to many workspaces; exactly one is their default.
type Member struct {
	WorkspaceID uuid.UUID `json:"workspace_id" db:"workspace_id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Role        string    `json:"role" db:"role"`
	IsDefault   bool      `json:"is_default" db:"is_default"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// MemberWithUser joins a Member row with its User for listing endpoints.
type MemberWithUser struct {
	Member
	User User `json:"user"`
}

func (m *Member) CanWrite() bool {
	return m.Role == RoleOwner || m.Role == RoleAdmin || m.Role == RoleMember
}

func (m *Member) CanAdmin() bool {
	return m.Role == RoleOwner || m.Role == RoleAdmin
}

func (m *Member) IsOwner() bool {
	return m.Role == RoleOwner
}

// Invitation represents a pending invite to join a Workspace at a given Role.
// It is consumed (accepted/declined) exactly once.
type Invitation struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	WorkspaceID uuid.UUID  `json:"workspace_id" db:"workspace_id"`
	Email       string     `json:"email" db:"email"`
	Role        string     `json:"role" db:"role"`
	InvitedBy   uuid.UUID  `json:"invited_by" db:"invited_by"`
	Token       string     `json:"-" db:"token"`
	Status      string     `json:"status" db:"status"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty" db:"responded_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationDeclined = "declined"
	InvitationExpired  = "expired"
)

func (i *Invitation) IsExpired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

type CreateInvitationRequest struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required,oneof=admin member guest"`
}
