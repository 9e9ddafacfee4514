package accessrequest

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

func newService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	svc := New(repository.NewAccessRequestRepository(db), repository.NewUserRepository(db), nil, broadcast.NoopBroadcaster{})
	return svc, mock, func() { db.Close() }
}

func arRow(id, wsID, componentID, requesterID uuid.UUID, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "workspace_id", "component_id", "requester_id", "status", "message", "decided_by", "decided_at", "created_at", "updated_at"}).
		AddRow(id, wsID, componentID, requesterID, status, "", nil, nil, time.Now(), time.Now())
}

func TestCreate_NewRequest_Inserts(t *testing.T) {
	svc, mock, closeFn := newService(t)
	defer closeFn()

	wsID, componentID, requesterID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM access_requests").
		WithArgs(wsID, requesterID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO access_requests").
		WithArgs(sqlmock.AnyArg(), wsID, componentID, requesterID, model.AccessRequestPending, "please", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ar, err := svc.Create(context.Background(), wsID, componentID, requesterID, "please")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ar.Status != model.AccessRequestPending {
		t.Fatalf("expected a fresh request to start pending, got %s", ar.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreate_ReopensTerminalRequest(t *testing.T) {
	svc, mock, closeFn := newService(t)
	defer closeFn()

	wsID, componentID, requesterID := uuid.New(), uuid.New(), uuid.New()
	existingID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM access_requests").
		WithArgs(wsID, requesterID).
		WillReturnRows(arRow(existingID, wsID, componentID, requesterID, model.AccessRequestRevoked))
	mock.ExpectExec("UPDATE access_requests").
		WithArgs("please again", sqlmock.AnyArg(), existingID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ar, err := svc.Create(context.Background(), wsID, componentID, requesterID, "please again")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ar.ID != existingID {
		t.Fatalf("expected the revoked row to be reopened in place, got a different id")
	}
	if ar.Status != model.AccessRequestPending {
		t.Fatalf("expected reopened request to be pending, got %s", ar.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreate_AlreadyPending_ReturnsAccessPending(t *testing.T) {
	svc, mock, closeFn := newService(t)
	defer closeFn()

	wsID, componentID, requesterID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM access_requests").
		WithArgs(wsID, requesterID).
		WillReturnRows(arRow(uuid.New(), wsID, componentID, requesterID, model.AccessRequestPending))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), wsID, componentID, requesterID, "again")
	if !apperror.Is(err, apperror.KindAccessPending) {
		t.Fatalf("expected access-pending, got %v", err)
	}
}

func TestCreate_AlreadyApproved_ReturnsConflict(t *testing.T) {
	svc, mock, closeFn := newService(t)
	defer closeFn()

	wsID, componentID, requesterID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM access_requests").
		WithArgs(wsID, requesterID).
		WillReturnRows(arRow(uuid.New(), wsID, componentID, requesterID, model.AccessRequestApproved))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), wsID, componentID, requesterID, "again")
	if !apperror.Is(err, apperror.KindConflict) {
		t.Fatalf("expected conflict for an already-approved request, got %v", err)
	}
}

func TestSignNDA_HashMismatch_FailsDocumentModified(t *testing.T) {
	svc, mock, closeFn := newService(t)
	defer closeFn()

	wsID, userID := uuid.New(), uuid.New()

	mock.ExpectQuery("FROM nda_documents").
		WithArgs(wsID).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id", "body", "content_hash", "updated_at"}).
			AddRow(wsID, "current text", "hash-current", time.Now()))

	err := svc.SignNDA(context.Background(), wsID, userID, "hash-stale")
	if !apperror.Is(err, apperror.KindConflict) {
		t.Fatalf("expected conflict (document-modified) on a stale acknowledged hash, got %v", err)
	}
}

func TestSignNDA_MatchingHash_RecordsSignature(t *testing.T) {
	svc, mock, closeFn := newService(t)
	defer closeFn()

	wsID, userID := uuid.New(), uuid.New()

	mock.ExpectQuery("FROM nda_documents").
		WithArgs(wsID).
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id", "body", "content_hash", "updated_at"}).
			AddRow(wsID, "current text", "hash-current", time.Now()))
	mock.ExpectExec("INSERT INTO nda_signatures").
		WithArgs(sqlmock.AnyArg(), wsID, userID, "hash-current", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := svc.SignNDA(context.Background(), wsID, userID, "hash-current"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApprove_RequiresAdminActor(t *testing.T) {
	svc, _, closeFn := newService(t)
	defer closeFn()

	actor := &model.Member{Role: model.RoleMember}
	_, err := svc.Approve(context.Background(), actor, uuid.New())
	if !apperror.Is(err, apperror.KindNotAuthorized) {
		t.Fatalf("expected not-authorized for a non-admin actor, got %v", err)
	}
}

func TestApprove_GrantsGuestMembership(t *testing.T) {
	svc, mock, closeFn := newService(t)
	defer closeFn()

	wsID, componentID, requesterID, adminID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	requestID := uuid.New()
	actor := &model.Member{WorkspaceID: wsID, UserID: adminID, Role: model.RoleAdmin}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM access_requests").
		WithArgs(requestID).
		WillReturnRows(arRow(requestID, wsID, componentID, requesterID, model.AccessRequestPending))
	mock.ExpectExec("UPDATE access_requests").
		WithArgs(model.AccessRequestApproved, adminID, sqlmock.AnyArg(), sqlmock.AnyArg(), requestID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("FROM members").
		WithArgs(wsID, requesterID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO members").
		WithArgs(wsID, requesterID, model.RoleGuest, false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ar, err := svc.Approve(context.Background(), actor, requestID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ar.Status != model.AccessRequestApproved {
		t.Fatalf("expected approved status, got %s", ar.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDecide_AlreadyDecided_ReturnsConflict(t *testing.T) {
	svc, mock, closeFn := newService(t)
	defer closeFn()

	wsID, componentID, requesterID, adminID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	requestID := uuid.New()
	actor := &model.Member{WorkspaceID: wsID, UserID: adminID, Role: model.RoleAdmin}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM access_requests").
		WithArgs(requestID).
		WillReturnRows(arRow(requestID, wsID, componentID, requesterID, model.AccessRequestRejected))
	mock.ExpectRollback()

	_, err := svc.Reject(context.Background(), actor, requestID)
	if !apperror.Is(err, apperror.KindConflict) {
		t.Fatalf("expected conflict deciding an already-terminal request, got %v", err)
	}
}

func TestRevoke_OnlyApprovedCanBeRevoked(t *testing.T) {
	svc, mock, closeFn := newService(t)
	defer closeFn()

	wsID, componentID, requesterID, adminID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	requestID := uuid.New()
	actor := &model.Member{WorkspaceID: wsID, UserID: adminID, Role: model.RoleAdmin}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM access_requests").
		WithArgs(requestID).
		WillReturnRows(arRow(requestID, wsID, componentID, requesterID, model.AccessRequestPending))
	mock.ExpectRollback()

	_, err := svc.Revoke(context.Background(), actor, requestID)
	if !apperror.Is(err, apperror.KindConflict) {
		t.Fatalf("expected conflict revoking a non-approved request, got %v", err)
	}
}

func TestHashNDABody_IsDeterministic(t *testing.T) {
	if HashNDABody("same text") != HashNDABody("same text") {
		t.Fatal("expected hashing the same body twice to produce the same digest")
	}
	if HashNDABody("text a") == HashNDABody("text b") {
		t.Fatal("expected different bodies to hash differently")
	}
}
