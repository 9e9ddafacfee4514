// Package artifact implements C8: SBOM and Document upload, including
// format detection, content validation, the (component, version, format)
// uniqueness/conflict check and the plan limit gate that caps artifact
// count per workspace.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/broadcast"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

type Service struct {
	artifacts   *repository.ArtifactRepository
	catalog     *repository.CatalogRepository
	billing     *repository.BillingRepository
	broadcaster broadcast.Broadcaster
}

func New(artifacts *repository.ArtifactRepository, catalog *repository.CatalogRepository, billing *repository.BillingRepository, b broadcast.Broadcaster) *Service {
	return &Service{artifacts: artifacts, catalog: catalog, billing: billing, broadcaster: b}
}

// UploadSBOM validates, hashes and stores an SBOM against component. The
// uniqueness triple is (component, version, format) per §3.1/§8: a
// re-upload under the same triple with identical content is a no-op, but a
// differing ContentHash under the same triple is a conflict, not a second
// row. componentWins selects the §4.5 "component wins" metadata-merge
// override; false keeps the SBOM's own embedded metadata authoritative.
func (s *Service) UploadSBOM(ctx context.Context, workspace *model.Workspace, component *model.Component, raw []byte, componentWins bool) (*model.SBOM, error) {
	format, version, meta, err := detectAndValidate(raw)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInvalidInput, "unrecognized or invalid SBOM", err)
	}

	hash := contentHash(raw)
	if existing, err := s.artifacts.GetSBOMByVersionFormat(ctx, component.ID, version, string(format)); err == nil {
		if existing.ContentHash == hash {
			return existing, nil
		}
		return nil, apperror.WithDetails(apperror.KindConflict,
			"an SBOM with this version and format already exists for this component with different content",
			map[string]any{"sbom_id": existing.ID, "version": version, "format": format})
	}

	if err := s.checkArtifactLimit(ctx, workspace); err != nil {
		return nil, err
	}

	merged := meta.MergeComponentMetadata(component.Contact, componentWins)
	sbom := &model.SBOM{
		ID: uuid.New(), ComponentID: component.ID, Format: format, Version: version,
		ContentHash: hash, Metadata: merged, RawData: raw, CreatedAt: time.Now(),
	}
	if err := s.artifacts.CreateSBOM(ctx, sbom); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "store sbom", err)
	}

	s.broadcaster.Send(ctx, component.WorkspaceID.String(), "sbom_uploaded", map[string]any{"component_id": component.ID, "sbom_id": sbom.ID})
	return sbom, nil
}

// UploadDocument stores a non-SBOM artifact (attestation, license file)
// under the same plan-limit rule as an SBOM. Unlike UploadSBOM it does not
// look for an existing row first: re-uploading identical content for the
// same component hits the (component_id, content_hash) unique constraint and
// is returned as an internal error, not as the existing Document.
func (s *Service) UploadDocument(ctx context.Context, workspace *model.Workspace, component *model.Component, name, contentType string, raw []byte) (*model.Document, error) {
	hash := contentHash(raw)

	if err := s.checkArtifactLimit(ctx, workspace); err != nil {
		return nil, err
	}

	doc := &model.Document{
		ID: uuid.New(), ComponentID: component.ID, Name: name, ContentType: contentType,
		ContentHash: hash, RawData: raw, CreatedAt: time.Now(),
	}
	if err := s.artifacts.CreateDocument(ctx, doc); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "store document", err)
	}

	s.broadcaster.Send(ctx, component.WorkspaceID.String(), "document_uploaded", map[string]any{"component_id": component.ID, "document_id": doc.ID})
	return doc, nil
}

func (s *Service) checkArtifactLimit(ctx context.Context, workspace *model.Workspace) error {
	limits := s.billing.GetPlanLimits(ctx, workspace.Plan)
	count, err := s.artifacts.CountByWorkspace(ctx, workspace.ID)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "count artifacts", err)
	}
	if !model.CheckLimit(count, limits.MaxArtifacts) {
		return apperror.WithDetails(apperror.KindPlanLimit, "this workspace has reached its artifact limit for the current plan",
			map[string]any{"limit": limits.MaxArtifacts, "current": count})
	}
	return nil
}

// detectAndValidate sniffs the SBOM format from its raw bytes and parses it
// far enough to catch structural corruption before it is ever stored; SPDX
// is recognized by its spdxVersion marker but only CycloneDX is parsed all
// the way through cyclonedx-go, matching the teacher's CycloneDX-first
// validation depth.
func detectAndValidate(raw []byte) (model.ArtifactFormat, string, model.ArtifactMeta, error) {
	var probe struct {
		BOMFormat    string `json:"bomFormat"`
		SpecVersion  string `json:"specVersion"`
		SPDXVersion  string `json:"spdxVersion"`
		Metadata     *struct {
			Component *struct {
				Supplier *struct {
					Name string `json:"name"`
				} `json:"supplier"`
			} `json:"component"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", "", model.ArtifactMeta{}, fmt.Errorf("not valid JSON: %w", err)
	}

	switch {
	case probe.BOMFormat == "CycloneDX" || probe.SpecVersion != "":
		bom := new(cyclonedx.BOM)
		decoder := cyclonedx.NewBOMDecoder(bytes.NewReader(raw), cyclonedx.BOMFileFormatJSON)
		if err := decoder.Decode(bom); err != nil {
			return "", "", model.ArtifactMeta{}, fmt.Errorf("invalid CycloneDX document: %w", err)
		}
		meta := model.ArtifactMeta{}
		if bom.Metadata != nil {
			if bom.Metadata.Supplier != nil {
				meta.Supplier = bom.Metadata.Supplier.Name
			}
			if bom.Metadata.Manufacture != nil {
				meta.Manufacturer = bom.Metadata.Manufacture.Name
			}
			if bom.Metadata.Licenses != nil {
				for _, lc := range *bom.Metadata.Licenses {
					switch {
					case lc.License != nil && lc.License.Name != "":
						meta.Licenses = append(meta.Licenses, lc.License.Name)
					case lc.License != nil && lc.License.ID != "":
						meta.Licenses = append(meta.Licenses, lc.License.ID)
					case lc.Expression != "":
						meta.Licenses = append(meta.Licenses, lc.Expression)
					}
				}
			}
		}
		return model.FormatCycloneDX, probe.SpecVersion, meta, nil

	case probe.SPDXVersion != "":
		return model.FormatSPDX, probe.SPDXVersion, model.ArtifactMeta{}, nil

	default:
		return "", "", model.ArtifactMeta{}, errors.New("document does not look like CycloneDX or SPDX")
	}
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
