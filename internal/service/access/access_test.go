package access

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

func newResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	repo := repository.NewAccessRequestRepository(db)
	return NewResolver(repo), mock, func() { db.Close() }
}

func activeSub() *model.Subscription {
	return &model.Subscription{Status: model.SubStatusActive}
}

func TestEvaluate_PublicComponentAllowsAnonymous(t *testing.T) {
	r, _, closeFn := newResolver(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityPublic}
	project := &model.Project{Visibility: model.VisibilityPublic}
	product := &model.Product{Visibility: model.VisibilityPublic}

	got, err := r.Evaluate(context.Background(), Caller{}, &model.Workspace{}, activeSub(), component, project, product)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Allow {
		t.Fatalf("expected allow, got %+v", got)
	}
}

func TestEvaluate_PublicComponentInsidePrivateProjectIsNotEffectivelyPublic(t *testing.T) {
	r, _, closeFn := newResolver(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityPublic}
	project := &model.Project{Visibility: model.VisibilityPrivate}

	got, err := r.Evaluate(context.Background(), Caller{}, &model.Workspace{}, activeSub(), component, project, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Allow {
		t.Fatal("a public leaf inside a private container must not be effectively public")
	}
	if got.DenyReason != apperror.KindNotAuthorized {
		t.Fatalf("expected not-authorized, got %s", got.DenyReason)
	}
}

func TestEvaluate_GlobalComponentBypassesContainment(t *testing.T) {
	r, _, closeFn := newResolver(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityPublic, IsGlobal: true, ComponentType: model.ComponentTypeDocument}
	project := &model.Project{Visibility: model.VisibilityPrivate}

	got, err := r.Evaluate(context.Background(), Caller{}, &model.Workspace{}, activeSub(), component, project, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Allow {
		t.Fatal("a global document component is treated as public, ignoring containment")
	}
}

func TestEvaluate_PrivateDeniesGuest(t *testing.T) {
	r, _, closeFn := newResolver(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityPrivate}
	caller := Caller{UserID: uuid.New(), Role: model.RoleGuest}

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{}, activeSub(), component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Allow {
		t.Fatal("guests must never see private items")
	}
	if got.DenyReason != apperror.KindNotAuthorized {
		t.Fatalf("expected not-authorized, got %s", got.DenyReason)
	}
}

func TestEvaluate_OwnerShortCircuitsEvenOnGatedItem(t *testing.T) {
	r, _, closeFn := newResolver(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityGated}
	caller := Caller{UserID: uuid.New(), Role: model.RoleOwner}

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{ID: uuid.New()}, activeSub(), component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Allow {
		t.Fatal("an owner must read gated content in their own workspace without any access-request plumbing")
	}
}

func TestEvaluate_PaymentSuspendedBlocksNonAdmin(t *testing.T) {
	r, _, closeFn := newResolver(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityPublic}
	caller := Caller{UserID: uuid.New(), Role: model.RoleMember}
	sub := &model.Subscription{Status: model.SubStatusUnpaid}

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{}, sub, component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Allow {
		t.Fatal("a member of a payment-suspended workspace must be denied even for a public component")
	}
	if got.DenyReason != apperror.KindPaymentSuspended {
		t.Fatalf("expected payment-suspended, got %s", got.DenyReason)
	}
}

func TestEvaluate_PaymentSuspendedStillReadableByAdmin(t *testing.T) {
	r, _, closeFn := newResolver(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityPrivate}
	caller := Caller{UserID: uuid.New(), Role: model.RoleAdmin}
	sub := &model.Subscription{Status: model.SubStatusUnpaid}

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{}, sub, component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Allow {
		t.Fatal("owners/admins must still be able to read to fix billing while payment-suspended")
	}
}

func TestEvaluate_Gated_AnonymousDeniedAccessRequired(t *testing.T) {
	r, _, closeFn := newResolver(t)
	defer closeFn()

	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityGated}

	got, err := r.Evaluate(context.Background(), Caller{}, &model.Workspace{ID: uuid.New()}, activeSub(), component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Allow || got.DenyReason != apperror.KindAccessRequired {
		t.Fatalf("expected access-required for an anonymous caller, got %+v", got)
	}
}

func TestEvaluate_Gated_NoRequestDeniedAccessRequired(t *testing.T) {
	r, mock, closeFn := newResolver(t)
	defer closeFn()

	wsID := uuid.New()
	userID := uuid.New()
	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityGated}
	caller := Caller{UserID: userID, Role: model.RoleMember}

	mock.ExpectQuery("FROM access_requests").
		WithArgs(wsID, userID).
		WillReturnError(sqlNoRows())

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{ID: wsID}, activeSub(), component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Allow || got.DenyReason != apperror.KindAccessRequired {
		t.Fatalf("expected access-required with no open request, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEvaluate_Gated_ApprovedNoNDARequired_Allows(t *testing.T) {
	r, mock, closeFn := newResolver(t)
	defer closeFn()

	wsID := uuid.New()
	userID := uuid.New()
	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityGated}
	caller := Caller{UserID: userID, Role: model.RoleGuest}

	rows := sqlmock.NewRows([]string{"id", "workspace_id", "component_id", "requester_id", "status", "message", "decided_by", "decided_at", "created_at", "updated_at"}).
		AddRow(uuid.New(), wsID, component.ID, userID, model.AccessRequestApproved, "", nil, nil, time.Now(), time.Now())
	mock.ExpectQuery("FROM access_requests").WithArgs(wsID, userID).WillReturnRows(rows)

	mock.ExpectQuery("FROM nda_documents").WithArgs(wsID).WillReturnError(sqlNoRows())

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{ID: wsID}, activeSub(), component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Allow {
		t.Fatalf("expected allow for an approved request with no company NDA configured, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEvaluate_Gated_ApprovedStaleSignature_RequiresNDA(t *testing.T) {
	r, mock, closeFn := newResolver(t)
	defer closeFn()

	wsID := uuid.New()
	userID := uuid.New()
	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityGated}
	caller := Caller{UserID: userID, Role: model.RoleGuest}

	arRows := sqlmock.NewRows([]string{"id", "workspace_id", "component_id", "requester_id", "status", "message", "decided_by", "decided_at", "created_at", "updated_at"}).
		AddRow(uuid.New(), wsID, component.ID, userID, model.AccessRequestApproved, "", nil, nil, time.Now(), time.Now())
	mock.ExpectQuery("FROM access_requests").WithArgs(wsID, userID).WillReturnRows(arRows)

	ndaRows := sqlmock.NewRows([]string{"workspace_id", "body", "content_hash", "updated_at"}).
		AddRow(wsID, "new nda text", "hash-v2", time.Now())
	mock.ExpectQuery("FROM nda_documents").WithArgs(wsID).WillReturnRows(ndaRows)

	sigRows := sqlmock.NewRows([]string{"id", "workspace_id", "user_id", "content_hash", "signed_at"}).
		AddRow(uuid.New(), wsID, userID, "hash-v1", time.Now())
	mock.ExpectQuery("FROM nda_signatures").WithArgs(wsID, userID).WillReturnRows(sigRows)

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{ID: wsID}, activeSub(), component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Allow {
		t.Fatal("a signature pinned to a stale NDA hash must not grant access")
	}
	if got.DenyReason != apperror.KindNDARequired {
		t.Fatalf("expected nda-required, got %s", got.DenyReason)
	}
	if got.RequireNDAWorkspaceID == nil || *got.RequireNDAWorkspaceID != wsID {
		t.Fatalf("expected RequireNDAWorkspaceID=%s, got %+v", wsID, got.RequireNDAWorkspaceID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEvaluate_Gated_ApprovedCurrentSignature_Allows(t *testing.T) {
	r, mock, closeFn := newResolver(t)
	defer closeFn()

	wsID := uuid.New()
	userID := uuid.New()
	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityGated}
	caller := Caller{UserID: userID, Role: model.RoleGuest}

	arRows := sqlmock.NewRows([]string{"id", "workspace_id", "component_id", "requester_id", "status", "message", "decided_by", "decided_at", "created_at", "updated_at"}).
		AddRow(uuid.New(), wsID, component.ID, userID, model.AccessRequestApproved, "", nil, nil, time.Now(), time.Now())
	mock.ExpectQuery("FROM access_requests").WithArgs(wsID, userID).WillReturnRows(arRows)

	ndaRows := sqlmock.NewRows([]string{"workspace_id", "body", "content_hash", "updated_at"}).
		AddRow(wsID, "nda text", "hash-v2", time.Now())
	mock.ExpectQuery("FROM nda_documents").WithArgs(wsID).WillReturnRows(ndaRows)

	sigRows := sqlmock.NewRows([]string{"id", "workspace_id", "user_id", "content_hash", "signed_at"}).
		AddRow(uuid.New(), wsID, userID, "hash-v2", time.Now())
	mock.ExpectQuery("FROM nda_signatures").WithArgs(wsID, userID).WillReturnRows(sigRows)

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{ID: wsID}, activeSub(), component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Allow {
		t.Fatalf("a signature pinned to the current NDA hash must allow, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEvaluate_Gated_RevokedRequestDeniedAccessRequired(t *testing.T) {
	r, mock, closeFn := newResolver(t)
	defer closeFn()

	wsID := uuid.New()
	userID := uuid.New()
	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityGated}
	caller := Caller{UserID: userID, Role: model.RoleGuest}

	rows := sqlmock.NewRows([]string{"id", "workspace_id", "component_id", "requester_id", "status", "message", "decided_by", "decided_at", "created_at", "updated_at"}).
		AddRow(uuid.New(), wsID, component.ID, userID, model.AccessRequestRevoked, "", nil, nil, time.Now(), time.Now())
	mock.ExpectQuery("FROM access_requests").WithArgs(wsID, userID).WillReturnRows(rows)

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{ID: wsID}, activeSub(), component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Allow || got.DenyReason != apperror.KindAccessRequired {
		t.Fatalf("expected access-required for a revoked request, got %+v", got)
	}
}

func TestEvaluate_Gated_PendingWithUnsignedNDA_RequiresNDAInstead(t *testing.T) {
	r, mock, closeFn := newResolver(t)
	defer closeFn()

	wsID := uuid.New()
	userID := uuid.New()
	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityGated}
	caller := Caller{UserID: userID, Role: model.RoleGuest}

	rows := sqlmock.NewRows([]string{"id", "workspace_id", "component_id", "requester_id", "status", "message", "decided_by", "decided_at", "created_at", "updated_at"}).
		AddRow(uuid.New(), wsID, component.ID, userID, model.AccessRequestPending, "", nil, nil, time.Now(), time.Now())
	mock.ExpectQuery("FROM access_requests").WithArgs(wsID, userID).WillReturnRows(rows)

	ndaRows := sqlmock.NewRows([]string{"workspace_id", "body", "content_hash", "updated_at"}).
		AddRow(wsID, "nda text", "hash-v1", time.Now())
	mock.ExpectQuery("FROM nda_documents").WithArgs(wsID).WillReturnRows(ndaRows)

	mock.ExpectQuery("FROM nda_signatures").WithArgs(wsID, userID).WillReturnError(sqlNoRows())

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{ID: wsID}, activeSub(), component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Allow || got.DenyReason != apperror.KindNDARequired {
		t.Fatalf("expected nda-required for a pending request so the UI flow progresses, got %+v", got)
	}
}

func TestEvaluate_Gated_PendingNoNDAConfigured_DeniedAccessPending(t *testing.T) {
	r, mock, closeFn := newResolver(t)
	defer closeFn()

	wsID := uuid.New()
	userID := uuid.New()
	component := &model.Component{ID: uuid.New(), Visibility: model.VisibilityGated}
	caller := Caller{UserID: userID, Role: model.RoleGuest}

	rows := sqlmock.NewRows([]string{"id", "workspace_id", "component_id", "requester_id", "status", "message", "decided_by", "decided_at", "created_at", "updated_at"}).
		AddRow(uuid.New(), wsID, component.ID, userID, model.AccessRequestPending, "", nil, nil, time.Now(), time.Now())
	mock.ExpectQuery("FROM access_requests").WithArgs(wsID, userID).WillReturnRows(rows)
	mock.ExpectQuery("FROM nda_documents").WithArgs(wsID).WillReturnError(sqlNoRows())

	got, err := r.Evaluate(context.Background(), caller, &model.Workspace{ID: wsID}, activeSub(), component, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Allow || got.DenyReason != apperror.KindAccessPending {
		t.Fatalf("expected access-pending, got %+v", got)
	}
}

func sqlNoRows() error { return sql.ErrNoRows }
