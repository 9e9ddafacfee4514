package model

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactFormat identifies the SBOM encoding. Detection walks the raw bytes
// the way the teacher's sbom.go test suite already proves out for CycloneDX.
type ArtifactFormat string

const (
	FormatCycloneDX ArtifactFormat = "cyclonedx"
	FormatSPDX      ArtifactFormat = "spdx"
)

// SBOM is a single uploaded bill of materials attached to a Component.
// (ComponentID, Version, Format) is the uploader's uniqueness triple (§3.1,
// §8): re-uploading identical content under the same triple is a no-op, but
// a different ContentHash under the same triple is a conflict, not a second
// row.
type SBOM struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	ComponentID uuid.UUID      `json:"component_id" db:"component_id"`
	Format      ArtifactFormat `json:"format" db:"format"`
	Version     string         `json:"version" db:"version"`
	ContentHash string         `json:"content_hash" db:"content_hash"`
	Metadata    ArtifactMeta   `json:"metadata" db:"metadata"`
	RawData     []byte         `json:"-" db:"raw_data"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// Document is a non-SBOM artifact (e.g. an attestation or a license file)
// attached to a Component, gated by the same visibility rules as SBOMs.
type Document struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	ComponentID uuid.UUID    `json:"component_id" db:"component_id"`
	Name        string       `json:"name" db:"name"`
	ContentType string       `json:"content_type" db:"content_type"`
	ContentHash string       `json:"content_hash" db:"content_hash"`
	RawData     []byte       `json:"-" db:"raw_data"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// ArtifactMeta is the merged metadata surfaced on an SBOM: supplier/author
// information filled in elementwise from the SBOM's own embedded metadata,
// falling back to the owning Component's fields where the SBOM left a field
// empty. Manufacturer follows the same gap-fill rule (from the component's
// SupplierName); License and Licenses come only from the SBOM and are never
// filled from the component.
type ArtifactMeta struct {
	Supplier     string   `json:"supplier,omitempty"`
	Authors      []string `json:"authors,omitempty"`
	License      string   `json:"license,omitempty"`
	Licenses     []string `json:"licenses,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
}

// MergeComponentMetadata reconciles m with the component's resolved contact
// profile. By default (componentWins=false) the SBOM's own non-empty fields
// win and the component only fills gaps the SBOM left empty (§4.5 default).
// When componentWins is true, the component's fields are the explicit
// override: they replace m's fields whenever the component has a value to
// give, per the §4.5 "component wins" flag.
func (m ArtifactMeta) MergeComponentMetadata(c ContactProfile, componentWins bool) ArtifactMeta {
	out := m
	if componentWins {
		if c.SupplierName != "" {
			out.Supplier = c.SupplierName
			out.Manufacturer = c.SupplierName
		}
		if c.Email != "" {
			out.Authors = []string{c.Email}
		}
		return out
	}
	if out.Supplier == "" && c.SupplierName != "" {
		out.Supplier = c.SupplierName
	}
	if out.Manufacturer == "" && c.SupplierName != "" {
		out.Manufacturer = c.SupplierName
	}
	if len(out.Authors) == 0 && c.Email != "" {
		out.Authors = []string{c.Email}
	}
	return out
}
