// Package release implements C9: aggregating a Product's pinned SBOMs and
// Documents into one deterministic release artifact, access-filtered per
// caller. It is the only package that builds a cross-SBOM aggregate
// CycloneDX document, and the only one that materializes a Product's
// implicit "latest" release.
package release

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
	"github.com/sbomhub/sbomhub/internal/service/access"
	"github.com/sbomhub/sbomhub/internal/signedurl"
)

const downloadTTL = 15 * time.Minute

type Service struct {
	releases  *repository.ReleaseRepository
	artifacts *repository.ArtifactRepository
	catalog   *repository.CatalogRepository
	resolver  *access.Resolver
	signer    *signedurl.Signer
}

func New(releases *repository.ReleaseRepository, artifacts *repository.ArtifactRepository, catalog *repository.CatalogRepository, resolver *access.Resolver, signer *signedurl.Signer) *Service {
	return &Service{releases: releases, artifacts: artifacts, catalog: catalog, resolver: resolver, signer: signer}
}

// Create pins a fixed set of SBOMs and Documents into a new Release and
// stamps its composed hash so identical pins always reproduce the same
// identity (§4.6: every child SBOM and Document a release names is
// embedded, not just its SBOMs).
func (s *Service) Create(ctx context.Context, product *model.Product, name, version string, sbomIDs, documentIDs []uuid.UUID) (*model.Release, error) {
	if len(sbomIDs) == 0 && len(documentIDs) == 0 {
		return nil, apperror.New(apperror.KindInvalidInput, "a release must pin at least one SBOM or Document")
	}
	sortedSBOMs := sortIDs(sbomIDs)
	sortedDocs := sortIDs(documentIDs)

	rel := &model.Release{
		ID: uuid.New(), ProductID: product.ID, Name: name, Version: version,
		ComposedHash: hashIDs(sortedSBOMs, sortedDocs), CreatedAt: time.Now(),
	}
	if err := s.releases.Create(ctx, rel, sortedSBOMs, sortedDocs, false); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "create release", err)
	}
	return rel, nil
}

// GetOrCreateLatest returns the product's implicit "latest" release,
// materializing it on first read by pinning, for every component in the
// product's containment tree, the most recently uploaded SBOM and Document
// (§3.1). Once materialized the flagged row is returned as-is on every
// subsequent call — it is not recomputed behind the caller's back.
func (s *Service) GetOrCreateLatest(ctx context.Context, product *model.Product) (*model.Release, error) {
	existing, err := s.releases.GetLatestForProduct(ctx, product.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.Wrap(apperror.KindInternal, "load latest release", err)
	}

	projects, err := s.catalog.ListProjects(ctx, product.ID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "list projects", err)
	}

	var sbomIDs, documentIDs []uuid.UUID
	for _, project := range projects {
		components, err := s.catalog.ListComponentsByProject(ctx, project.ID)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindInternal, "list components", err)
		}
		for _, component := range components {
			sboms, err := s.artifacts.ListSBOMsByComponent(ctx, component.ID)
			if err != nil {
				return nil, apperror.Wrap(apperror.KindInternal, "list sboms", err)
			}
			if len(sboms) > 0 {
				sbomIDs = append(sbomIDs, sboms[0].ID)
			}
			docs, err := s.artifacts.ListDocumentsByComponent(ctx, component.ID)
			if err != nil {
				return nil, apperror.Wrap(apperror.KindInternal, "list documents", err)
			}
			if len(docs) > 0 {
				documentIDs = append(documentIDs, docs[0].ID)
			}
		}
	}

	sortedSBOMs := sortIDs(sbomIDs)
	sortedDocs := sortIDs(documentIDs)
	rel := &model.Release{
		ID: uuid.New(), ProductID: product.ID, Name: "latest", Version: "latest",
		ComposedHash: hashIDs(sortedSBOMs, sortedDocs), CreatedAt: time.Now(),
	}
	if err := s.releases.Create(ctx, rel, sortedSBOMs, sortedDocs, true); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "materialize latest release", err)
	}
	return rel, nil
}

func sortIDs(ids []uuid.UUID) []uuid.UUID {
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	return sorted
}

// Artifact is one leaf of a composed release as seen by a specific caller:
// either a download handle (signed for gated content, plain for public) or
// a note that access must be requested first. Exactly one of SBOMID/
// DocumentID is set, mirroring ReleaseArtifact's own XOR.
type Artifact struct {
	SBOMID         *uuid.UUID `json:"sbom_id,omitempty"`
	DocumentID     *uuid.UUID `json:"document_id,omitempty"`
	ComponentName  string     `json:"component_name"`
	Allowed        bool       `json:"allowed"`
	DownloadURL    string     `json:"download_url,omitempty"`
	RequiresAccess bool       `json:"requires_access,omitempty"`
	RequiresNDA    bool       `json:"requires_nda,omitempty"`
}

// Composed is the result of Compose: a deterministic aggregate BOM built
// only from the artifacts the caller is allowed to see, plus the full
// per-artifact manifest (including denied ones, so the UI can show what is
// gated rather than silently omitting it).
type Composed struct {
	BOM       *cyclonedx.BOM
	Artifacts []Artifact
}

// Compose builds the release's aggregate BOM for a given caller. Two
// callers composing the same release can get different aggregate documents
// — that is intentional per §4.7: the composed output always reflects the
// caller's own read access, never a superset cached for someone else.
func (s *Service) Compose(
	ctx context.Context,
	release *model.Release,
	workspace *model.Workspace,
	sub *model.Subscription,
	caller access.Caller,
	downloadBaseURL string,
) (*Composed, error) {
	sbomIDs, err := s.releases.ListArtifactSBOMIDs(ctx, release.ID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "list release artifacts", err)
	}
	documentIDs, err := s.releases.ListArtifactDocumentIDs(ctx, release.ID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "list release artifacts", err)
	}

	agg := &cyclonedx.BOM{
		BOMFormat:   "CycloneDX",
		SpecVersion: cyclonedx.SpecVersion1_5,
		Version:     1,
		Metadata: &cyclonedx.Metadata{
			Component: &cyclonedx.Component{
				Type:    cyclonedx.ComponentTypeApplication,
				Name:    release.Name,
				Version: release.Version,
			},
		},
	}
	var aggComponents []cyclonedx.Component
	var manifest []Artifact

	for _, sbomID := range sbomIDs {
		sbomID := sbomID
		sbom, err := s.artifacts.GetSBOM(ctx, sbomID)
		if err != nil {
			continue
		}
		component, err := s.catalog.GetComponent(ctx, sbom.ComponentID)
		if err != nil {
			continue
		}

		entry, decision, err := s.evaluateManifestEntry(ctx, caller, workspace, sub, component, sbomID.String(), "sboms", downloadBaseURL)
		if err != nil {
			return nil, err
		}
		entry.SBOMID = &sbomID
		manifest = append(manifest, entry)
		if !decision.Allow {
			continue
		}

		if leaf := decodeLeafComponents(sbom.RawData); leaf != nil {
			aggComponents = append(aggComponents, leaf...)
		}
	}

	// Documents never fold into the aggregate CycloneDX component list — only
	// SBOMs describe components — but §4.6 still requires every pinned
	// Document to appear in the manifest a caller can resolve access for.
	for _, docID := range documentIDs {
		docID := docID
		doc, err := s.artifacts.GetDocument(ctx, docID)
		if err != nil {
			continue
		}
		component, err := s.catalog.GetComponent(ctx, doc.ComponentID)
		if err != nil {
			continue
		}

		entry, _, err := s.evaluateManifestEntry(ctx, caller, workspace, sub, component, docID.String(), "documents", downloadBaseURL)
		if err != nil {
			return nil, err
		}
		entry.DocumentID = &docID
		manifest = append(manifest, entry)
	}

	aggComponents = dedupeComponents(aggComponents)
	agg.Components = &aggComponents

	return &Composed{BOM: agg, Artifacts: manifest}, nil
}

// evaluateManifestEntry resolves containment and access for one artifact
// leaf (SBOM or Document) and, if allowed, mints its download URL. The
// caller fills in whichever of SBOMID/DocumentID identifies the leaf.
func (s *Service) evaluateManifestEntry(
	ctx context.Context,
	caller access.Caller,
	workspace *model.Workspace,
	sub *model.Subscription,
	component *model.Component,
	artifactID, urlSegment, downloadBaseURL string,
) (Artifact, access.Decision, error) {
	project, product, err := s.containment(ctx, component)
	if err != nil {
		return Artifact{}, access.Decision{}, err
	}

	decision, err := s.resolver.Evaluate(ctx, caller, workspace, sub, component, project, product)
	if err != nil {
		return Artifact{}, access.Decision{}, apperror.Wrap(apperror.KindInternal, "evaluate access", err)
	}

	entry := Artifact{ComponentName: component.Name, Allowed: decision.Allow}
	if !decision.Allow {
		entry.RequiresAccess = decision.DenyReason == apperror.KindAccessRequired || decision.DenyReason == apperror.KindAccessPending
		entry.RequiresNDA = decision.DenyReason == apperror.KindNDARequired
		return entry, decision, nil
	}

	if component.Visibility == model.VisibilityPublic {
		entry.DownloadURL = downloadBaseURL + "/" + urlSegment + "/" + artifactID + "/download"
	} else {
		uid, err := uuid.Parse(artifactID)
		if err != nil {
			return Artifact{}, access.Decision{}, apperror.Wrap(apperror.KindInternal, "parse artifact id", err)
		}
		token, _, _, err := s.signer.Mint(uid, caller.UserID, downloadTTL)
		if err != nil {
			return Artifact{}, access.Decision{}, apperror.Wrap(apperror.KindInternal, "mint signed download url", err)
		}
		entry.DownloadURL = downloadBaseURL + "/" + urlSegment + "/" + artifactID + "/download?token=" + token
	}
	return entry, decision, nil
}

func (s *Service) containment(ctx context.Context, component *model.Component) (*model.Project, *model.Product, error) {
	if component.IsGlobal || component.ProjectID == nil {
		return nil, nil, nil
	}
	project, err := s.catalog.GetProject(ctx, *component.ProjectID)
	if err != nil {
		return nil, nil, apperror.Wrap(apperror.KindInternal, "load project", err)
	}
	product, err := s.catalog.GetProduct(ctx, project.ProductID)
	if err != nil {
		return nil, nil, apperror.Wrap(apperror.KindInternal, "load product", err)
	}
	return project, product, nil
}

// decodeLeafComponents parses an SBOM's own component list for inclusion in
// the aggregate. Decode failures are swallowed here — they were already
// caught at upload time by the artifact service's validation pass, so a
// failure here would indicate stored data has been tampered with rather
// than a recoverable runtime condition; the leaf is simply omitted from the
// aggregate's component list, not from the manifest.
func decodeLeafComponents(raw []byte) []cyclonedx.Component {
	if len(raw) == 0 {
		return nil
	}
	bom := new(cyclonedx.BOM)
	decoder := cyclonedx.NewBOMDecoder(bytes.NewReader(raw), cyclonedx.BOMFileFormatJSON)
	if err := decoder.Decode(bom); err != nil || bom.Components == nil {
		return nil
	}
	return *bom.Components
}

// dedupeComponents collapses identical (name, version) pairs and sorts the
// result so the aggregate's component ordering never depends on map or
// SBOM-scan iteration order — required for Compose to be deterministic.
func dedupeComponents(in []cyclonedx.Component) []cyclonedx.Component {
	seen := make(map[string]bool, len(in))
	var out []cyclonedx.Component
	for _, c := range in {
		key := c.Name + "@" + c.Version
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// hashIDs stamps a release's composed identity from its sorted SBOM and
// Document pins; a fixed separator between the two lists keeps a release
// pinning {sbomA} + {} distinguishable from one pinning {} + {sbomA}.
func hashIDs(sortedSBOMs, sortedDocs []uuid.UUID) string {
	h := sha256.New()
	for _, id := range sortedSBOMs {
		h.Write([]byte(id.String()))
	}
	h.Write([]byte("|"))
	for _, id := range sortedDocs {
		h.Write([]byte(id.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}
