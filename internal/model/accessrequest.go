package model

import (
	"time"

	"github.com/google/uuid"
)

// AccessRequest is a prospective guest's ask to view a gated Component (and
// by extension everything it contains). Exactly one open request may exist
// per (workspace, requester) at a time — §3.1 scopes the grant to the whole
// workspace, not the originating component, so approving it also covers any
// other gated component the requester later reaches in the same workspace —
// see §5 row-locking. ComponentID records the component that originated the
// request, for audit/display only; it plays no part in the uniqueness key.
type AccessRequest struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	WorkspaceID uuid.UUID  `json:"workspace_id" db:"workspace_id"`
	ComponentID uuid.UUID  `json:"component_id" db:"component_id"`
	RequesterID uuid.UUID  `json:"requester_id" db:"requester_id"`
	Status      string     `json:"status" db:"status"`
	Message     string     `json:"message,omitempty" db:"message"`
	DecidedBy   *uuid.UUID `json:"decided_by,omitempty" db:"decided_by"`
	DecidedAt   *time.Time `json:"decided_at,omitempty" db:"decided_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

const (
	AccessRequestPending  = "pending"
	AccessRequestApproved = "approved"
	AccessRequestRejected = "rejected"
	AccessRequestRevoked  = "revoked"
)

// NDADocument is the workspace's current NDA text. ContentHash pins the
// version every NDASignature was made against; replacing the document text
// changes the hash and invalidates every prior signature uniformly.
type NDADocument struct {
	WorkspaceID uuid.UUID `json:"workspace_id" db:"workspace_id"`
	Body        string    `json:"body" db:"body"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// NDASignature records that a requester signed the NDA at a specific
// content hash. A signature is only valid evidence of consent while its
// Hash still matches the workspace's current NDADocument.ContentHash.
type NDASignature struct {
	ID          uuid.UUID `json:"id" db:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id" db:"workspace_id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	SignedAt    time.Time `json:"signed_at" db:"signed_at"`
}

func (s *NDASignature) ValidFor(doc NDADocument) bool {
	return s.ContentHash == doc.ContentHash
}
