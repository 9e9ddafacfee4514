package model

import (
	"time"

	"github.com/google/uuid"
)

// Visibility controls how C7 resolves access for a leaf Component (and,
// through containment, its SBOMs/Documents). Product and Project carry a
// visibility too since the effective visibility of a Component is the most
// restrictive value found walking up its containment chain.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityGated   Visibility = "gated"   // requires an approved AccessRequest + signed NDA
	VisibilityPrivate Visibility = "private" // workspace members only
)

// rank orders visibility from least to most restrictive so containment
// resolution can take the max.
func (v Visibility) rank() int {
	switch v {
	case VisibilityPublic:
		return 0
	case VisibilityGated:
		return 1
	default:
		return 2
	}
}

// MostRestrictive returns whichever of a, b is more restrictive.
func MostRestrictive(a, b Visibility) Visibility {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// Product is the top containment level within a Workspace. Slug is unique
// per workspace and is what a custom-domain request addresses a Product by
// (C2 rewrites /product/<slug>/ on an admitted tenant host, in place of
// /public/product/<id>/ on the main domain).
type Product struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	WorkspaceID uuid.UUID      `json:"workspace_id" db:"workspace_id"`
	Name        string         `json:"name" db:"name"`
	Slug        string         `json:"slug" db:"slug"`
	Description string         `json:"description" db:"description"`
	Visibility  Visibility     `json:"visibility" db:"visibility"`
	Contact     ContactProfile `json:"contact" db:"contact"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

type CreateProductRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=255"`
	Description string `json:"description" validate:"max=1000"`
}

// Project belongs to a Product. It groups Components that ship together.
type Project struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	ProductID   uuid.UUID  `json:"product_id" db:"product_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Visibility  Visibility `json:"visibility" db:"visibility"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

type CreateProjectRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=255"`
	Description string `json:"description" validate:"max=1000"`
}

// ComponentType distinguishes a bill-of-materials leaf from a supporting
// document leaf. The is_global containment bypass (§4.2 rule 2) only ever
// applies to a document: a global SBOM still walks its full containment
// chain like any other SBOM.
type ComponentType string

const (
	ComponentTypeSBOM     ComponentType = "sbom"
	ComponentTypeDocument ComponentType = "document"
)

// Component is the leaf containment node that SBOMs and Documents attach to.
// IsGlobal marks a workspace-wide component (e.g. a shared library) that is
// not scoped to a single Project; per §4.2 rule 2, a global component whose
// ComponentType is "document" bypasses Project/Product containment and is
// always treated as public, regardless of its own or its container's
// visibility. A global SBOM component gets no such bypass.
type Component struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	ProjectID     *uuid.UUID     `json:"project_id,omitempty" db:"project_id"`
	WorkspaceID   uuid.UUID      `json:"workspace_id" db:"workspace_id"`
	Name          string         `json:"name" db:"name"`
	IsGlobal      bool           `json:"is_global" db:"is_global"`
	ComponentType ComponentType  `json:"component_type" db:"component_type"`
	Visibility    Visibility     `json:"visibility" db:"visibility"`
	Contact       ContactProfile `json:"contact" db:"contact"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

type CreateComponentRequest struct {
	Name          string        `json:"name" validate:"required,min=1,max=255"`
	IsGlobal      bool          `json:"is_global"`
	ComponentType ComponentType `json:"component_type" validate:"required,oneof=sbom document"`
}

// OffendingChild names the specific descendant that blocks a visibility
// toggle, so the caller gets a useful error instead of a bare boolean.
type OffendingChild struct {
	Kind string    `json:"kind"` // "project" | "component"
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}
