package model

import (
	"time"

	"github.com/google/uuid"
)

// Release is a named, point-in-time aggregation of SBOMs and Documents
// across a Product's containment tree. Composition (C9) is deterministic:
// the same set of ReleaseArtifact rows always produces byte-identical
// aggregate output. IsLatest marks the one release per product that stands
// in for "the current state of this product" (§3.1): it is lazily
// materialized the first time a caller asks for it, not recomputed on every
// new upload.
type Release struct {
	ID           uuid.UUID `json:"id" db:"id"`
	ProductID    uuid.UUID `json:"product_id" db:"product_id"`
	Name         string    `json:"name" db:"name"`
	Version      string    `json:"version" db:"version"`
	ComposedHash string    `json:"composed_hash,omitempty" db:"composed_hash"`
	IsLatest     bool      `json:"is_latest" db:"is_latest"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ReleaseArtifact pins a specific SBOM or Document into a Release. Exactly
// one of SBOMID/DocumentID is set (§3.1 sbom_id? XOR document_id?); pinning
// by ID rather than "latest for component" is what makes composition
// deterministic.
type ReleaseArtifact struct {
	ReleaseID  uuid.UUID  `json:"release_id" db:"release_id"`
	SBOMID     *uuid.UUID `json:"sbom_id,omitempty" db:"sbom_id"`
	DocumentID *uuid.UUID `json:"document_id,omitempty" db:"document_id"`
}

type CreateReleaseRequest struct {
	Name        string      `json:"name" validate:"required,min=1,max=255"`
	Version     string      `json:"version" validate:"required,min=1,max=64"`
	SBOMIDs     []uuid.UUID `json:"sbom_ids"`
	DocumentIDs []uuid.UUID `json:"document_ids"`
}
