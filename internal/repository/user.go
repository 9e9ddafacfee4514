package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/model"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	query := `
		INSERT INTO users (id, external_id, email, name, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query, u.ID, u.ExternalID, u.Email, u.Name, u.AvatarURL, u.CreatedAt, u.UpdatedAt)
	return err
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, external_id, email, name, avatar_url, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) GetByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, external_id, email, name, avatar_url, created_at, updated_at FROM users WHERE external_id = $1`, externalID,
	).Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, external_id, email, name, avatar_url, created_at, updated_at FROM users WHERE email = $1`, email,
	).Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetOrCreateByExternalID auto-provisions a User on first sight of a bearer
// envelope subject, mirroring the teacher's Clerk auto-provisioning.
func (r *UserRepository) GetOrCreateByExternalID(ctx context.Context, externalID, email, name string) (*model.User, error) {
	u, err := r.GetByExternalID(ctx, externalID)
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now()
	u = &model.User{
		ID:         uuid.New(),
		ExternalID: externalID,
		Email:      email,
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// --- Members ---

func (r *UserRepository) AddMember(ctx context.Context, m *model.Member) error {
	query := `
		INSERT INTO members (workspace_id, user_id, role, is_default, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query, m.WorkspaceID, m.UserID, m.Role, m.IsDefault, m.CreatedAt)
	return err
}

func (r *UserRepository) GetMember(ctx context.Context, workspaceID, userID uuid.UUID) (*model.Member, error) {
	var m model.Member
	err := r.db.QueryRowContext(ctx,
		`SELECT workspace_id, user_id, role, is_default, created_at FROM members WHERE workspace_id = $1 AND user_id = $2`,
		workspaceID, userID,
	).Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.IsDefault, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *UserRepository) ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]model.MemberWithUser, error) {
	query := `
		SELECT m.workspace_id, m.user_id, m.role, m.is_default, m.created_at,
			u.id, u.external_id, u.email, u.name, u.avatar_url, u.created_at, u.updated_at
		FROM members m JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id = $1
		ORDER BY m.created_at
	`
	rows, err := r.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MemberWithUser
	for rows.Next() {
		var mw model.MemberWithUser
		if err := rows.Scan(
			&mw.WorkspaceID, &mw.UserID, &mw.Role, &mw.IsDefault, &mw.Member.CreatedAt,
			&mw.User.ID, &mw.User.ExternalID, &mw.User.Email, &mw.User.Name, &mw.User.AvatarURL,
			&mw.User.CreatedAt, &mw.User.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, mw)
	}
	return out, nil
}

func (r *UserRepository) ListWorkspacesForUser(ctx context.Context, userID uuid.UUID) ([]model.Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT workspace_id, user_id, role, is_default, created_at FROM members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Member
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.IsDefault, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *UserRepository) CountMembers(ctx context.Context, workspaceID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM members WHERE workspace_id = $1`, workspaceID).Scan(&count)
	return count, err
}

func (r *UserRepository) UpdateRole(ctx context.Context, workspaceID, userID uuid.UUID, role string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE members SET role = $1 WHERE workspace_id = $2 AND user_id = $3`, role, workspaceID, userID)
	return err
}

func (r *UserRepository) RemoveMember(ctx context.Context, workspaceID, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM members WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID)
	return err
}

// ClearDefault unsets any existing default-workspace membership for a user,
// used before setting a new default so the partial unique index holds.
func (r *UserRepository) ClearDefault(ctx context.Context, tx *sql.Tx, userID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `UPDATE members SET is_default = FALSE WHERE user_id = $1 AND is_default`, userID)
	return err
}

func (r *UserRepository) SetDefault(ctx context.Context, tx *sql.Tx, workspaceID, userID uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE members SET is_default = TRUE WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID)
	return err
}

func (r *UserRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// --- Invitations ---

func (r *UserRepository) CreateInvitation(ctx context.Context, inv *model.Invitation) error {
	query := `
		INSERT INTO invitations (id, workspace_id, email, role, invited_by, token, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		inv.ID, inv.WorkspaceID, inv.Email, inv.Role, inv.InvitedBy, inv.Token, inv.Status, inv.ExpiresAt, inv.CreatedAt)
	return err
}

func (r *UserRepository) GetInvitationByToken(ctx context.Context, token string) (*model.Invitation, error) {
	var inv model.Invitation
	err := r.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, email, role, invited_by, token, status, expires_at, responded_at, created_at
		FROM invitations WHERE token = $1
	`, token).Scan(&inv.ID, &inv.WorkspaceID, &inv.Email, &inv.Role, &inv.InvitedBy, &inv.Token,
		&inv.Status, &inv.ExpiresAt, &inv.RespondedAt, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *UserRepository) RespondInvitation(ctx context.Context, id uuid.UUID, status string, when time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invitations SET status = $1, responded_at = $2 WHERE id = $3`, status, when, id)
	return err
}

func (r *UserRepository) ListInvitations(ctx context.Context, workspaceID uuid.UUID) ([]model.Invitation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workspace_id, email, role, invited_by, token, status, expires_at, responded_at, created_at
		FROM invitations WHERE workspace_id = $1 ORDER BY created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Invitation
	for rows.Next() {
		var inv model.Invitation
		if err := rows.Scan(&inv.ID, &inv.WorkspaceID, &inv.Email, &inv.Role, &inv.InvitedBy, &inv.Token,
			&inv.Status, &inv.ExpiresAt, &inv.RespondedAt, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}
