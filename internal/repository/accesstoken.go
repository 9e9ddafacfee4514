package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/model"
)

// AccessTokenRepository stores the hash of every minted signed-URL token
// so a revoked or expired token can be recognized even before its JWT
// expiry, and so usage can be audited.
type AccessTokenRepository struct {
	db *sql.DB
}

func NewAccessTokenRepository(db *sql.DB) *AccessTokenRepository {
	return &AccessTokenRepository{db: db}
}

func (r *AccessTokenRepository) Create(ctx context.Context, t *model.AccessToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_tokens (id, artifact_id, user_id, token_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.ArtifactID, t.UserID, t.TokenHash, t.IssuedAt, t.ExpiresAt)
	return err
}

func (r *AccessTokenRepository) GetByHash(ctx context.Context, hash string) (*model.AccessToken, error) {
	var t model.AccessToken
	err := r.db.QueryRowContext(ctx, `
		SELECT id, artifact_id, user_id, token_hash, issued_at, expires_at FROM access_tokens WHERE token_hash = $1
	`, hash).Scan(&t.ID, &t.ArtifactID, &t.UserID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *AccessTokenRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE id = $1`, id)
	return err
}
