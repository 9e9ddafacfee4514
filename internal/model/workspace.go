package model

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is the top-level tenant boundary: every Product, Member,
// Invitation and billing record belongs to exactly one Workspace.
type Workspace struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Slug      string    `json:"slug" db:"slug"`
	Plan      string    `json:"plan" db:"plan"`
	Branding  Branding  `json:"branding" db:"branding"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Branding is an opaque JSON sub-document rather than its own table: it
// has no independent lifecycle and is always read/written with its parent.
type Branding struct {
	BrandColor string `json:"brand_color,omitempty"`
	LogoKey    string `json:"logo_key,omitempty"`
	IconKey    string `json:"icon_key,omitempty"`
}

// ContactProfile is carried by Products and Components; workspaces have
// none. The artifact service merges a component's own profile into that
// component's SBOM metadata (ArtifactMeta.MergeComponentMetadata). There is
// no fallback to the product's profile, and the release composer does not
// read contact profiles.
type ContactProfile struct {
	SupplierName string `json:"supplier_name,omitempty"`
	Email        string `json:"email,omitempty"`
	URL          string `json:"url,omitempty"`
}

func (c ContactProfile) IsEmpty() bool {
	return c.SupplierName == "" && c.Email == "" && c.URL == ""
}

type CreateWorkspaceRequest struct {
	Name string `json:"name" validate:"required,min=1,max=255"`
}

type WorkspaceWithStats struct {
	Workspace
	MemberCount  int `json:"member_count"`
	ProductCount int `json:"product_count"`
}

// CustomDomain maps a hostname to a workspace for the Host Admission Filter
// (C2). Separate from Workspace because it has its own validation state and
// cache TTL rather than being read on every request.
type CustomDomain struct {
	ID                    uuid.UUID  `json:"id" db:"id"`
	WorkspaceID           uuid.UUID  `json:"workspace_id" db:"workspace_id"`
	Hostname              string     `json:"hostname" db:"hostname"`
	Verified              bool       `json:"verified" db:"verified"`
	LastCheckedAt         *time.Time `json:"last_checked_at,omitempty" db:"last_checked_at"`
	VerificationFailures  int        `json:"verification_failures" db:"verification_failures"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// MaxVerificationFailures is the consecutive-failure ceiling past which the
// revalidation sweep (C2) marks a domain unverified again rather than
// leaving a stale positive result cached indefinitely.
const MaxVerificationFailures = 3
