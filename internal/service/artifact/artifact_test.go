package artifact

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/broadcast"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	artifacts := repository.NewArtifactRepository(db)
	catalog := repository.NewCatalogRepository(db)
	billing := repository.NewBillingRepository(db)
	svc := New(artifacts, catalog, billing, broadcast.NoopBroadcaster{})
	return svc, mock, func() { db.Close() }
}

const cdxDoc = `{"bomFormat":"CycloneDX","specVersion":"1.0","metadata":{"supplier":{"name":"SBOM Supplier"}}}`

func sbomRowFor(id, componentID uuid.UUID, version, format, hash string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "component_id", "format", "version", "content_hash", "metadata", "raw_data", "created_at"}).
		AddRow(id, componentID, format, version, hash, []byte("{}"), []byte(cdxDoc), time.Now())
}

// TestUploadSBOM_SameTripleSameContent_IsIdempotent exercises §3.1/§8: a
// re-upload under the same (component, version, format) triple with
// identical content returns the existing row rather than erroring or
// inserting a duplicate.
func TestUploadSBOM_SameTripleSameContent_IsIdempotent(t *testing.T) {
	svc, mock, closeFn := newTestService(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), WorkspaceID: uuid.New()}
	workspace := &model.Workspace{ID: component.WorkspaceID, Plan: model.PlanFree}
	hash := contentHash([]byte(cdxDoc))
	existingID := uuid.New()

	mock.ExpectQuery("FROM sboms").
		WithArgs(component.ID, "1.0", string(model.FormatCycloneDX)).
		WillReturnRows(sbomRowFor(existingID, component.ID, "1.0", string(model.FormatCycloneDX), hash))

	got, err := svc.UploadSBOM(context.Background(), workspace, component, []byte(cdxDoc), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != existingID {
		t.Fatalf("expected the existing row to be returned for an idempotent re-upload, got a different id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestUploadSBOM_SameTripleDifferentContent_ReturnsConflict exercises the
// §8 conflict case: the same (component, version, format) triple but a
// different payload must not silently overwrite or insert a second row.
func TestUploadSBOM_SameTripleDifferentContent_ReturnsConflict(t *testing.T) {
	svc, mock, closeFn := newTestService(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), WorkspaceID: uuid.New()}
	workspace := &model.Workspace{ID: component.WorkspaceID, Plan: model.PlanFree}
	existingID := uuid.New()

	mock.ExpectQuery("FROM sboms").
		WithArgs(component.ID, "1.0", string(model.FormatCycloneDX)).
		WillReturnRows(sbomRowFor(existingID, component.ID, "1.0", string(model.FormatCycloneDX), "a-different-hash"))

	_, err := svc.UploadSBOM(context.Background(), workspace, component, []byte(cdxDoc), false)
	if !apperror.Is(err, apperror.KindConflict) {
		t.Fatalf("expected a conflict for a differing-content re-upload under the same triple, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestUploadSBOM_NewTriple_StoresWithMergedMetadata exercises a brand new
// upload: no prior row under the triple, so the plan limit is checked and
// the SBOM's own embedded supplier metadata is stored as-is (gap-fill mode,
// the component's contact profile left with nothing to fill since the SBOM
// already set Supplier).
func TestUploadSBOM_NewTriple_StoresWithMergedMetadata(t *testing.T) {
	svc, mock, closeFn := newTestService(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), WorkspaceID: uuid.New(), Contact: model.ContactProfile{SupplierName: "Component Supplier"}}
	workspace := &model.Workspace{ID: component.WorkspaceID, Plan: model.PlanFree}

	mock.ExpectQuery("FROM sboms").
		WithArgs(component.ID, "1.0", string(model.FormatCycloneDX)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM sboms s JOIN components").
		WithArgs(component.WorkspaceID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO sboms").
		WillReturnResult(sqlmock.NewResult(1, 1))

	got, err := svc.UploadSBOM(context.Background(), workspace, component, []byte(cdxDoc), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Metadata.Supplier != "SBOM Supplier" {
		t.Fatalf("expected the SBOM's own embedded supplier to win in gap-fill mode, got %q", got.Metadata.Supplier)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDetectAndValidate_RejectsMalformedJSON(t *testing.T) {
	_, _, _, err := detectAndValidate([]byte("not json"))
	if err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestDetectAndValidate_RecognizesSPDX(t *testing.T) {
	format, version, _, err := detectAndValidate([]byte(`{"spdxVersion":"SPDX-2.3"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != model.FormatSPDX || version != "SPDX-2.3" {
		t.Fatalf("expected SPDX-2.3 recognized as SPDX, got format=%s version=%s", format, version)
	}
}
