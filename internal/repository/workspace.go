package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/model"
)

type WorkspaceRepository struct {
	db *sql.DB
}

func NewWorkspaceRepository(db *sql.DB) *WorkspaceRepository {
	return &WorkspaceRepository{db: db}
}

func (r *WorkspaceRepository) Create(ctx context.Context, w *model.Workspace) error {
	branding, _ := json.Marshal(w.Branding)
	query := `
		INSERT INTO workspaces (id, name, slug, plan, branding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query, w.ID, w.Name, w.Slug, w.Plan, branding, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r *WorkspaceRepository) scan(row interface{ Scan(...interface{}) error }) (*model.Workspace, error) {
	var w model.Workspace
	var branding []byte
	if err := row.Scan(&w.ID, &w.Name, &w.Slug, &w.Plan, &branding, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if len(branding) > 0 {
		_ = json.Unmarshal(branding, &w.Branding)
	}
	return &w, nil
}

func (r *WorkspaceRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Workspace, error) {
	query := `SELECT id, name, slug, plan, branding, created_at, updated_at FROM workspaces WHERE id = $1`
	return r.scan(r.db.QueryRowContext(ctx, query, id))
}

// GetByIDForUpdate locks the workspace row for the duration of tx, used by
// the billing reconciliation and plan-limit gate to serialize concurrent
// writers per §5.
func (r *WorkspaceRepository) GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Workspace, error) {
	query := `SELECT id, name, slug, plan, branding, created_at, updated_at FROM workspaces WHERE id = $1 FOR UPDATE`
	return r.scan(tx.QueryRowContext(ctx, query, id))
}

func (r *WorkspaceRepository) GetBySlug(ctx context.Context, slug string) (*model.Workspace, error) {
	query := `SELECT id, name, slug, plan, branding, created_at, updated_at FROM workspaces WHERE slug = $1`
	return r.scan(r.db.QueryRowContext(ctx, query, slug))
}

func (r *WorkspaceRepository) Update(ctx context.Context, w *model.Workspace) error {
	branding, _ := json.Marshal(w.Branding)
	query := `UPDATE workspaces SET name = $1, slug = $2, branding = $3, updated_at = $4 WHERE id = $5`
	w.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, query, w.Name, w.Slug, branding, w.UpdatedAt, w.ID)
	return err
}

func (r *WorkspaceRepository) UpdatePlan(ctx context.Context, id uuid.UUID, plan string) error {
	query := `UPDATE workspaces SET plan = $1, updated_at = $2 WHERE id = $3`
	_, err := r.db.ExecContext(ctx, query, plan, time.Now(), id)
	return err
}

func (r *WorkspaceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	return err
}

func (r *WorkspaceRepository) GetWithStats(ctx context.Context, id uuid.UUID) (*model.WorkspaceWithStats, error) {
	query := `
		SELECT
			w.id, w.name, w.slug, w.plan, w.branding, w.created_at, w.updated_at,
			(SELECT COUNT(*) FROM members WHERE workspace_id = w.id) AS member_count,
			(SELECT COUNT(*) FROM products WHERE workspace_id = w.id) AS product_count
		FROM workspaces w WHERE w.id = $1
	`
	var ws model.WorkspaceWithStats
	var branding []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&ws.ID, &ws.Name, &ws.Slug, &ws.Plan, &branding, &ws.CreatedAt, &ws.UpdatedAt,
		&ws.MemberCount, &ws.ProductCount)
	if err != nil {
		return nil, err
	}
	if len(branding) > 0 {
		_ = json.Unmarshal(branding, &ws.Branding)
	}
	return &ws, nil
}

// BeginTx exposes a transaction for callers that need to chain multiple
// row-locked reads/writes (e.g. access request approval, billing sync).
func (r *WorkspaceRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// --- Custom domains (C2) ---

func (r *WorkspaceRepository) GetByCustomDomain(ctx context.Context, hostname string) (*model.Workspace, error) {
	query := `
		SELECT w.id, w.name, w.slug, w.plan, w.branding, w.created_at, w.updated_at
		FROM workspaces w
		JOIN custom_domains d ON d.workspace_id = w.id
		WHERE d.hostname = $1 AND d.verified
	`
	return r.scan(r.db.QueryRowContext(ctx, query, hostname))
}

func (r *WorkspaceRepository) CreateCustomDomain(ctx context.Context, d *model.CustomDomain) error {
	query := `
		INSERT INTO custom_domains (id, workspace_id, hostname, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query, d.ID, d.WorkspaceID, d.Hostname, d.Verified, d.CreatedAt, d.UpdatedAt)
	return err
}

const customDomainSelect = `
	SELECT id, workspace_id, hostname, verified, last_checked_at, verification_failures, created_at, updated_at
	FROM custom_domains
`

func scanCustomDomain(row interface{ Scan(...interface{}) error }) (*model.CustomDomain, error) {
	var d model.CustomDomain
	if err := row.Scan(&d.ID, &d.WorkspaceID, &d.Hostname, &d.Verified, &d.LastCheckedAt,
		&d.VerificationFailures, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *WorkspaceRepository) GetCustomDomainByHostname(ctx context.Context, hostname string) (*model.CustomDomain, error) {
	return scanCustomDomain(r.db.QueryRowContext(ctx, customDomainSelect+` WHERE hostname = $1`, hostname))
}

func (r *WorkspaceRepository) VerifyCustomDomain(ctx context.Context, hostname string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE custom_domains SET verified = TRUE, last_checked_at = $1, verification_failures = 0, updated_at = $1 WHERE hostname = $2`,
		time.Now(), hostname)
	return err
}

// RecordVerificationFailure bumps a domain's consecutive-failure count, and
// flips it back to unverified once the count reaches
// model.MaxVerificationFailures, so a domain whose DNS has silently changed
// doesn't stay admitted forever on a stale cache result.
func (r *WorkspaceRepository) RecordVerificationFailure(ctx context.Context, hostname string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE custom_domains SET
			last_checked_at = $1,
			verification_failures = verification_failures + 1,
			verified = CASE WHEN verification_failures + 1 >= $2 THEN FALSE ELSE verified END,
			updated_at = $1
		WHERE hostname = $3
	`, time.Now(), model.MaxVerificationFailures, hostname)
	return err
}

func (r *WorkspaceRepository) ListCustomDomains(ctx context.Context) ([]model.CustomDomain, error) {
	rows, err := r.db.QueryContext(ctx, customDomainSelect)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CustomDomain
	for rows.Next() {
		d, err := scanCustomDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// ListCustomDomainsByWorkspace is the workspace-admin view of its own
// domains, as opposed to ListCustomDomains' every-tenant sweep the
// revalidation job runs.
func (r *WorkspaceRepository) ListCustomDomainsByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]model.CustomDomain, error) {
	rows, err := r.db.QueryContext(ctx, customDomainSelect+` WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CustomDomain
	for rows.Next() {
		d, err := scanCustomDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}
