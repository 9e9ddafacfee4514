package domain

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/repository"
)

func newResolverNoCache(t *testing.T) (*Resolver, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	workspaces := repository.NewWorkspaceRepository(db)
	r := New(workspaces, nil, "https://app.sbomify.test", "us-east-1", "localhost", "127.0.0.1")
	return r, mock, func() { db.Close() }
}

func TestAdmit_MainDomainHost(t *testing.T) {
	r, _, closeFn := newResolverNoCache(t)
	defer closeFn()

	got, err := r.Admit(context.Background(), "app.sbomify.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Main {
		t.Fatal("expected the configured app host to admit as main-domain")
	}
}

func TestAdmit_MainDomainHostWithPort(t *testing.T) {
	r, _, closeFn := newResolverNoCache(t)
	defer closeFn()

	got, err := r.Admit(context.Background(), "app.sbomify.test:8443")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Main {
		t.Fatal("expected the app host to admit as main-domain regardless of an explicit port")
	}
}

func TestAdmit_LocalhostAllowed(t *testing.T) {
	r, _, closeFn := newResolverNoCache(t)
	defer closeFn()

	got, err := r.Admit(context.Background(), "localhost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Main {
		t.Fatal("expected localhost to be admitted as main-domain via the extra allow-list")
	}
}

func TestAdmit_UnknownHost_Returns404NotFound(t *testing.T) {
	r, mock, closeFn := newResolverNoCache(t)
	defer closeFn()

	mock.ExpectQuery("FROM workspaces").
		WithArgs("unknown.example.com").
		WillReturnError(sqlNoRows())

	_, err := r.Admit(context.Background(), "unknown.example.com")
	if !apperror.Is(err, apperror.KindNotFound) {
		t.Fatalf("expected not-found for an unrecognized custom domain, got %v", err)
	}
}

func TestAdmit_KnownCustomDomain_AttachesWorkspace(t *testing.T) {
	r, mock, closeFn := newResolverNoCache(t)
	defer closeFn()

	wsID := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "name", "slug", "plan", "branding", "created_at", "updated_at"}).
		AddRow(wsID, "Acme", "acme", "business", []byte(`{}`), time.Now(), time.Now())
	mock.ExpectQuery("FROM workspaces").
		WithArgs("trust.acme.com").
		WillReturnRows(rows)

	got, err := r.Admit(context.Background(), "trust.acme.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Main {
		t.Fatal("expected a verified custom domain to admit as non-main")
	}
	if got.Workspace == nil || got.Workspace.ID != wsID {
		t.Fatalf("expected the owning workspace attached to the admission, got %+v", got.Workspace)
	}
}

func TestAdmit_RejectsNonLoopbackIPLiteral(t *testing.T) {
	r, _, closeFn := newResolverNoCache(t)
	defer closeFn()

	_, err := r.Admit(context.Background(), "203.0.113.10")
	if !apperror.Is(err, apperror.KindInvalidInput) {
		t.Fatalf("expected invalid-host for a non-loopback IP literal, got %v", err)
	}
}

func TestAdmit_RejectsMalformedHost(t *testing.T) {
	r, _, closeFn := newResolverNoCache(t)
	defer closeFn()

	for _, bad := range []string{"", "evil.com/../x", "foo@bar.com", "a..b.com"} {
		if _, err := r.Admit(context.Background(), bad); !apperror.Is(err, apperror.KindInvalidInput) {
			t.Errorf("expected invalid-host for %q, got %v", bad, err)
		}
	}
}

func TestProbeHost_MarksCustomDomainValidated(t *testing.T) {
	r, mock, closeFn := newResolverNoCache(t)
	defer closeFn()

	domainRows := sqlmock.NewRows([]string{"id", "workspace_id", "hostname", "verified", "last_checked_at", "verification_failures", "created_at", "updated_at"}).
		AddRow(uuid.New(), uuid.New(), "trust.acme.com", false, nil, 0, time.Now(), time.Now())
	mock.ExpectQuery("FROM custom_domains").
		WithArgs("trust.acme.com").
		WillReturnRows(domainRows)
	mock.ExpectExec("UPDATE custom_domains SET verified").
		WithArgs(sqlmock.AnyArg(), "trust.acme.com").
		WillReturnResult(sqlmock.NewResult(0, 1))

	probe, err := r.ProbeHost(context.Background(), "trust.acme.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !probe.OK || probe.Domain != "trust.acme.com" {
		t.Fatalf("unexpected probe body: %+v", probe)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProbeHost_UnknownHost_NotFound(t *testing.T) {
	r, mock, closeFn := newResolverNoCache(t)
	defer closeFn()

	mock.ExpectQuery("FROM custom_domains").
		WithArgs("nope.example.com").
		WillReturnError(sqlNoRows())

	_, err := r.ProbeHost(context.Background(), "nope.example.com")
	if !apperror.Is(err, apperror.KindNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRewritePublicPath(t *testing.T) {
	if got := RewritePublicPath("foo"); got != "/product/foo/" {
		t.Fatalf("expected /product/foo/, got %s", got)
	}
}

func sqlNoRows() error {
	return sql.ErrNoRows
}
