package model

import (
	"time"

	"github.com/google/uuid"
)

// AccessToken is a signed-download-URL grant (C10): a short-lived, tamper
// proof capability scoped to one artifact and one user. The bearer value
// itself is never stored — only the hash, mirroring the teacher's
// apikey.go convention of storing a hash plus a display prefix.
type AccessToken struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ArtifactID  uuid.UUID `json:"artifact_id" db:"artifact_id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	TokenHash   string    `json:"-" db:"token_hash"`
	IssuedAt    time.Time `json:"issued_at" db:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// DefaultTokenTTL is the signed-URL lifetime per §4.6 unless overridden.
const DefaultTokenTTL = 7 * 24 * time.Hour
