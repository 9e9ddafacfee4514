package release

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/CycloneDX/cyclonedx-go"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
	"github.com/sbomhub/sbomhub/internal/service/access"
	"github.com/sbomhub/sbomhub/internal/signedurl"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	releases := repository.NewReleaseRepository(db)
	artifacts := repository.NewArtifactRepository(db)
	catalog := repository.NewCatalogRepository(db)
	resolver := access.NewResolver(repository.NewAccessRequestRepository(db))
	signer, err := signedurl.NewSigner("test-install-secret")
	if err != nil {
		t.Fatalf("failed to build signer: %v", err)
	}
	svc := New(releases, artifacts, catalog, resolver, signer)
	return svc, mock, func() { db.Close() }
}

func cycloneBOM(t *testing.T, components ...cyclonedx.Component) []byte {
	t.Helper()
	bom := &cyclonedx.BOM{
		BOMFormat:   "CycloneDX",
		SpecVersion: cyclonedx.SpecVersion1_5,
		Components:  &components,
	}
	var buf strings.Builder
	enc := cyclonedx.NewBOMEncoder(&buf, cyclonedx.BOMFileFormatJSON)
	if err := enc.Encode(bom); err != nil {
		t.Fatalf("failed to encode fixture BOM: %v", err)
	}
	return []byte(buf.String())
}

func sbomRow(id, componentID uuid.UUID, raw []byte) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "component_id", "format", "version", "content_hash", "metadata", "raw_data", "created_at"}).
		AddRow(id, componentID, model.FormatCycloneDX, "1.0", "hash", []byte("{}"), raw, time.Now())
}

func documentRow(id, componentID uuid.UUID, raw []byte) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "component_id", "name", "content_type", "content_hash", "raw_data", "created_at"}).
		AddRow(id, componentID, "report.pdf", "application/pdf", "hash", raw, time.Now())
}

func globalComponentRow(id, wsID uuid.UUID, name string, visibility model.Visibility) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "project_id", "workspace_id", "name", "is_global", "component_type", "visibility", "contact", "created_at", "updated_at"}).
		AddRow(id, nil, wsID, name, true, model.ComponentTypeSBOM, visibility, []byte("{}"), time.Now(), time.Now())
}

func TestCreate_RejectsEmptyPinSet(t *testing.T) {
	svc, _, closeFn := newTestService(t)
	defer closeFn()

	product := &model.Product{ID: uuid.New()}
	_, err := svc.Create(context.Background(), product, "v1", "1.0.0", nil, nil)
	if !apperror.Is(err, apperror.KindInvalidInput) {
		t.Fatalf("expected invalid-input for an empty pin set, got %v", err)
	}
}

func TestCreate_ComposedHashIsOrderIndependent(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	// hashIDs is fed the pre-sorted slices by Create; verify directly that
	// hashing the same sets in two different input orders, once each sorted
	// the way Create sorts them, yields the same digest.
	sorted1 := sortIDs([]uuid.UUID{a, b, c})
	sorted2 := sortIDs([]uuid.UUID{c, a, b})
	if hashIDs(sorted1, nil) != hashIDs(sorted2, nil) {
		t.Fatal("expected identical sorted id sequences to hash identically")
	}

	other := []uuid.UUID{sorted1[2], sorted1[1], sorted1[0]}
	if hashIDs(sorted1, nil) == hashIDs(other, nil) {
		t.Fatal("expected a different id sequence to hash differently")
	}
}

func TestHashIDs_SBOMsAndDocumentsDoNotCollide(t *testing.T) {
	a := uuid.New()
	// {a} pinned as an SBOM must hash differently than {a} pinned as a Document.
	if hashIDs([]uuid.UUID{a}, nil) == hashIDs(nil, []uuid.UUID{a}) {
		t.Fatal("expected an SBOM-only pin set and a Document-only pin set sharing an id to hash differently")
	}
}

func TestDedupeComponents_CollapsesAndSortsDeterministically(t *testing.T) {
	in := []cyclonedx.Component{
		{Name: "zeta", Version: "1.0"},
		{Name: "alpha", Version: "2.0"},
		{Name: "alpha", Version: "1.0"},
		{Name: "alpha", Version: "1.0"}, // exact duplicate
	}
	out := dedupeComponents(in)
	if len(out) != 3 {
		t.Fatalf("expected 3 deduped components, got %d", len(out))
	}
	if out[0].Name != "alpha" || out[0].Version != "1.0" {
		t.Fatalf("expected alpha@1.0 to sort first, got %+v", out[0])
	}
	if out[1].Name != "alpha" || out[1].Version != "2.0" {
		t.Fatalf("expected alpha@2.0 second, got %+v", out[1])
	}
	if out[2].Name != "zeta" {
		t.Fatalf("expected zeta last, got %+v", out[2])
	}
}

// TestCompose_PublicGlobalLeaf_GetsPlainDownloadURL exercises the public
// branch of Compose: a workspace-global public component never touches the
// access-request tables and its leaf gets an unsigned download link.
func TestCompose_PublicGlobalLeaf_GetsPlainDownloadURL(t *testing.T) {
	svc, mock, closeFn := newTestService(t)
	defer closeFn()

	wsID := uuid.New()
	release := &model.Release{ID: uuid.New(), Name: "release-1", Version: "1.0.0"}
	componentID, sbomID := uuid.New(), uuid.New()
	workspace := &model.Workspace{ID: wsID}

	mock.ExpectQuery("FROM release_artifacts WHERE release_id = \\$1 AND sbom_id").
		WithArgs(release.ID).
		WillReturnRows(sqlmock.NewRows([]string{"sbom_id"}).AddRow(sbomID))
	mock.ExpectQuery("FROM release_artifacts WHERE release_id = \\$1 AND document_id").
		WithArgs(release.ID).
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}))
	mock.ExpectQuery("FROM sboms").
		WithArgs(sbomID).
		WillReturnRows(sbomRow(sbomID, componentID, cycloneBOM(t, cyclonedx.Component{Name: "libfoo", Version: "1.2.3"})))
	mock.ExpectQuery("FROM components").
		WithArgs(componentID).
		WillReturnRows(globalComponentRow(componentID, wsID, "libfoo", model.VisibilityPublic))

	caller := access.Caller{}
	composed, err := svc.Compose(context.Background(), release, workspace, nil, caller, "https://trust.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(composed.Artifacts) != 1 || !composed.Artifacts[0].Allowed {
		t.Fatalf("expected one allowed artifact, got %+v", composed.Artifacts)
	}
	got := composed.Artifacts[0].DownloadURL
	if strings.Contains(got, "token=") {
		t.Fatalf("expected a plain download url for a public leaf, got %s", got)
	}
	if !strings.Contains(got, "/sboms/"+sbomID.String()) {
		t.Fatalf("expected the download url to reference the sbom id under /sboms/, got %s", got)
	}
	if composed.BOM.Components == nil || len(*composed.BOM.Components) != 1 {
		t.Fatalf("expected the leaf's own component to be folded into the aggregate, got %+v", composed.BOM.Components)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestCompose_GatedLeafAdminCaller_GetsSignedURL exercises the admin
// short-circuit: an admin caller never touches the access-request tables
// even for a gated leaf, and gets a signed (not plain) download link.
func TestCompose_GatedLeafAdminCaller_GetsSignedURL(t *testing.T) {
	svc, mock, closeFn := newTestService(t)
	defer closeFn()

	wsID := uuid.New()
	release := &model.Release{ID: uuid.New(), Name: "release-1", Version: "1.0.0"}
	componentID, sbomID := uuid.New(), uuid.New()
	workspace := &model.Workspace{ID: wsID}

	mock.ExpectQuery("FROM release_artifacts WHERE release_id = \\$1 AND sbom_id").
		WithArgs(release.ID).
		WillReturnRows(sqlmock.NewRows([]string{"sbom_id"}).AddRow(sbomID))
	mock.ExpectQuery("FROM release_artifacts WHERE release_id = \\$1 AND document_id").
		WithArgs(release.ID).
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}))
	mock.ExpectQuery("FROM sboms").
		WithArgs(sbomID).
		WillReturnRows(sbomRow(sbomID, componentID, nil))
	mock.ExpectQuery("FROM components").
		WithArgs(componentID).
		WillReturnRows(globalComponentRow(componentID, wsID, "libbar", model.VisibilityGated))

	caller := access.Caller{UserID: uuid.New(), Role: model.RoleAdmin}
	composed, err := svc.Compose(context.Background(), release, workspace, nil, caller, "https://trust.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(composed.Artifacts) != 1 || !composed.Artifacts[0].Allowed {
		t.Fatalf("expected the admin caller to see the gated artifact, got %+v", composed.Artifacts)
	}
	if !strings.Contains(composed.Artifacts[0].DownloadURL, "token=") {
		t.Fatalf("expected a signed download url for a non-public leaf, got %s", composed.Artifacts[0].DownloadURL)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestCompose_GatedLeafDeniedCaller_FlaggedNotDownloadable exercises §8
// scenario 5: a caller without an approved access request sees the gated
// leaf listed (so the UI can render a request-access prompt) but gets no
// download URL and no contribution to the aggregate's component list.
func TestCompose_GatedLeafDeniedCaller_FlaggedNotDownloadable(t *testing.T) {
	svc, mock, closeFn := newTestService(t)
	defer closeFn()

	wsID := uuid.New()
	release := &model.Release{ID: uuid.New(), Name: "release-1", Version: "1.0.0"}
	componentID, sbomID := uuid.New(), uuid.New()
	workspace := &model.Workspace{ID: wsID}

	mock.ExpectQuery("FROM release_artifacts WHERE release_id = \\$1 AND sbom_id").
		WithArgs(release.ID).
		WillReturnRows(sqlmock.NewRows([]string{"sbom_id"}).AddRow(sbomID))
	mock.ExpectQuery("FROM release_artifacts WHERE release_id = \\$1 AND document_id").
		WithArgs(release.ID).
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}))
	mock.ExpectQuery("FROM sboms").
		WithArgs(sbomID).
		WillReturnRows(sbomRow(sbomID, componentID, cycloneBOM(t, cyclonedx.Component{Name: "secretlib", Version: "9.9"})))
	mock.ExpectQuery("FROM components").
		WithArgs(componentID).
		WillReturnRows(globalComponentRow(componentID, wsID, "secretlib", model.VisibilityGated))
	mock.ExpectQuery("FROM access_requests").
		WithArgs(wsID, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	caller := access.Caller{UserID: uuid.New(), Role: model.RoleMember}
	composed, err := svc.Compose(context.Background(), release, workspace, nil, caller, "https://trust.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(composed.Artifacts) != 1 {
		t.Fatalf("expected the denied leaf to still appear in the manifest, got %+v", composed.Artifacts)
	}
	artifact := composed.Artifacts[0]
	if artifact.Allowed {
		t.Fatal("expected the leaf to be denied")
	}
	if artifact.DownloadURL != "" {
		t.Fatalf("expected no download url for a denied leaf, got %s", artifact.DownloadURL)
	}
	if !artifact.RequiresAccess {
		t.Fatal("expected RequiresAccess to be set for an access-required denial")
	}
	if composed.BOM.Components == nil || len(*composed.BOM.Components) != 0 {
		t.Fatalf("expected no components folded into the aggregate from a denied leaf, got %+v", composed.BOM.Components)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestCompose_PublicDocumentLeaf_AppearsInManifestNotAggregate exercises a
// Document pin: it is access-filtered and surfaced in the manifest exactly
// like an SBOM leaf, but — since a Document describes nothing — it never
// contributes to the aggregate BOM's component list.
func TestCompose_PublicDocumentLeaf_AppearsInManifestNotAggregate(t *testing.T) {
	svc, mock, closeFn := newTestService(t)
	defer closeFn()

	wsID := uuid.New()
	release := &model.Release{ID: uuid.New(), Name: "release-1", Version: "1.0.0"}
	componentID, docID := uuid.New(), uuid.New()
	workspace := &model.Workspace{ID: wsID}

	mock.ExpectQuery("FROM release_artifacts WHERE release_id = \\$1 AND sbom_id").
		WithArgs(release.ID).
		WillReturnRows(sqlmock.NewRows([]string{"sbom_id"}))
	mock.ExpectQuery("FROM release_artifacts WHERE release_id = \\$1 AND document_id").
		WithArgs(release.ID).
		WillReturnRows(sqlmock.NewRows([]string{"document_id"}).AddRow(docID))
	mock.ExpectQuery("FROM documents").
		WithArgs(docID).
		WillReturnRows(documentRow(docID, componentID, []byte("%PDF-1.4")))
	mock.ExpectQuery("FROM components").
		WithArgs(componentID).
		WillReturnRows(globalComponentRow(componentID, wsID, "audit-report", model.VisibilityPublic))

	caller := access.Caller{}
	composed, err := svc.Compose(context.Background(), release, workspace, nil, caller, "https://trust.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(composed.Artifacts) != 1 || !composed.Artifacts[0].Allowed {
		t.Fatalf("expected one allowed document artifact, got %+v", composed.Artifacts)
	}
	if composed.Artifacts[0].DocumentID == nil || *composed.Artifacts[0].DocumentID != docID {
		t.Fatalf("expected the manifest entry to carry the document id, got %+v", composed.Artifacts[0])
	}
	if !strings.Contains(composed.Artifacts[0].DownloadURL, "/documents/"+docID.String()) {
		t.Fatalf("expected the download url to reference the document id under /documents/, got %s", composed.Artifacts[0].DownloadURL)
	}
	if composed.BOM.Components == nil || len(*composed.BOM.Components) != 0 {
		t.Fatalf("expected a document leaf to contribute nothing to the aggregate component list, got %+v", composed.BOM.Components)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
