package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/model"
)

type AccessRequestRepository struct {
	db *sql.DB
}

func NewAccessRequestRepository(db *sql.DB) *AccessRequestRepository {
	return &AccessRequestRepository{db: db}
}

func (r *AccessRequestRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

func (r *AccessRequestRepository) Create(ctx context.Context, ar *model.AccessRequest) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_requests (id, workspace_id, component_id, requester_id, status, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ar.ID, ar.WorkspaceID, ar.ComponentID, ar.RequesterID, ar.Status, ar.Message, ar.CreatedAt, ar.UpdatedAt)
	return err
}

const accessRequestSelect = `
	SELECT id, workspace_id, component_id, requester_id, status, message, decided_by, decided_at, created_at, updated_at
	FROM access_requests
`

func scanAccessRequest(row interface{ Scan(...interface{}) error }) (*model.AccessRequest, error) {
	var ar model.AccessRequest
	if err := row.Scan(&ar.ID, &ar.WorkspaceID, &ar.ComponentID, &ar.RequesterID, &ar.Status, &ar.Message,
		&ar.DecidedBy, &ar.DecidedAt, &ar.CreatedAt, &ar.UpdatedAt); err != nil {
		return nil, err
	}
	return &ar, nil
}

func (r *AccessRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.AccessRequest, error) {
	return scanAccessRequest(r.db.QueryRowContext(ctx, accessRequestSelect+` WHERE id = $1`, id))
}

// GetByIDForUpdate locks the request row. The approve/reject/revoke path
// always locks first, then re-checks Status before mutating, closing the
// race where two admins decide the same request concurrently (§5).
func (r *AccessRequestRepository) GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.AccessRequest, error) {
	return scanAccessRequest(tx.QueryRowContext(ctx, accessRequestSelect+` WHERE id = $1 FOR UPDATE`, id))
}

// GetOpenForRequester looks up an open request keyed by (workspace,
// requester): §3.1 makes an access grant workspace-wide, signed/approved
// once for every component a requester later touches in that workspace, not
// per-component.
func (r *AccessRequestRepository) GetOpenForRequester(ctx context.Context, workspaceID, requesterID uuid.UUID) (*model.AccessRequest, error) {
	return scanAccessRequest(r.db.QueryRowContext(ctx, accessRequestSelect+`
		WHERE workspace_id = $1 AND requester_id = $2 AND status IN ('pending','approved')
	`, workspaceID, requesterID))
}

// GetByWorkspaceRequesterForUpdate locks any existing request row for this
// (workspace, requester) pair regardless of status, so create() can re-open
// a revoked/rejected row in place instead of inserting a duplicate.
func (r *AccessRequestRepository) GetByWorkspaceRequesterForUpdate(ctx context.Context, tx *sql.Tx, workspaceID, requesterID uuid.UUID) (*model.AccessRequest, error) {
	return scanAccessRequest(tx.QueryRowContext(ctx, accessRequestSelect+`
		WHERE workspace_id = $1 AND requester_id = $2 FOR UPDATE
	`, workspaceID, requesterID))
}

// ReopenTx resets a revoked/rejected request back to pending with a fresh
// message, used instead of inserting a second row for the same requester.
func (r *AccessRequestRepository) ReopenTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, message string, when time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE access_requests
		SET status = 'pending', message = $1, decided_by = NULL, decided_at = NULL, updated_at = $2
		WHERE id = $3
	`, message, when, id)
	return err
}

func (r *AccessRequestRepository) CreateTx(ctx context.Context, tx *sql.Tx, ar *model.AccessRequest) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO access_requests (id, workspace_id, component_id, requester_id, status, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ar.ID, ar.WorkspaceID, ar.ComponentID, ar.RequesterID, ar.Status, ar.Message, ar.CreatedAt, ar.UpdatedAt)
	return err
}

func (r *AccessRequestRepository) ListPendingForWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]model.AccessRequest, error) {
	rows, err := r.db.QueryContext(ctx, accessRequestSelect+`
		WHERE workspace_id = $1 AND status = 'pending' ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AccessRequest
	for rows.Next() {
		ar, err := scanAccessRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ar)
	}
	return out, nil
}

func (r *AccessRequestRepository) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, status string, decidedBy uuid.UUID, when time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE access_requests SET status = $1, decided_by = $2, decided_at = $3, updated_at = $4 WHERE id = $5
	`, status, decidedBy, when, when, id)
	return err
}

// --- NDA ---

func (r *AccessRequestRepository) GetNDADocument(ctx context.Context, workspaceID uuid.UUID) (*model.NDADocument, error) {
	var d model.NDADocument
	err := r.db.QueryRowContext(ctx,
		`SELECT workspace_id, body, content_hash, updated_at FROM nda_documents WHERE workspace_id = $1`,
		workspaceID,
	).Scan(&d.WorkspaceID, &d.Body, &d.ContentHash, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *AccessRequestRepository) UpsertNDADocument(ctx context.Context, d *model.NDADocument) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nda_documents (workspace_id, body, content_hash, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id) DO UPDATE SET body = $2, content_hash = $3, updated_at = $4
	`, d.WorkspaceID, d.Body, d.ContentHash, d.UpdatedAt)
	return err
}

func (r *AccessRequestRepository) CreateNDASignature(ctx context.Context, s *model.NDASignature) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nda_signatures (id, workspace_id, user_id, content_hash, signed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id, user_id, content_hash) DO NOTHING
	`, s.ID, s.WorkspaceID, s.UserID, s.ContentHash, s.SignedAt)
	return err
}

// GetLatestNDASignature returns the requester's most recent signature for
// the workspace regardless of which content hash it was signed against;
// callers compare it to the current NDADocument hash to decide validity.
func (r *AccessRequestRepository) GetLatestNDASignature(ctx context.Context, workspaceID, userID uuid.UUID) (*model.NDASignature, error) {
	var s model.NDASignature
	err := r.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, user_id, content_hash, signed_at FROM nda_signatures
		WHERE workspace_id = $1 AND user_id = $2 ORDER BY signed_at DESC LIMIT 1
	`, workspaceID, userID).Scan(&s.ID, &s.WorkspaceID, &s.UserID, &s.ContentHash, &s.SignedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
