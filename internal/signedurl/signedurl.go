// Package signedurl mints and verifies the short-lived download capability
// (C10): a compact JWT scoped to one artifact and one user. The signing key
// is never the raw installation secret — it is HKDF-derived from it, the
// way the teacher derives per-purpose secrets rather than reusing one key
// across concerns.
package signedurl

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var ErrInvalid = errors.New("signed url: invalid or expired token")

type Claims struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	UserID     uuid.UUID `json:"user_id"`
	jwt.RegisteredClaims
}

type Signer struct {
	key []byte
}

// NewSigner derives a 32-byte HMAC key from installSecret via HKDF-SHA256,
// so rotating SIGNED_URL_SECRET rotates the derived key without reuse risk
// across unrelated purposes that might share the same installation secret.
func NewSigner(installSecret string) (*Signer, error) {
	h := hkdf.New(sha256.New, []byte(installSecret), nil, []byte("sbomify-signed-url-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Mint produces a compact JWT and the SHA-256 hex digest of it, the digest
// being what gets persisted for revocation lookups (the bearer value itself
// is never stored, mirroring the teacher's API-key hashing convention).
func (s *Signer) Mint(artifactID, userID uuid.UUID, ttl time.Duration) (token string, hash string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(ttl)
	claims := Claims{
		ArtifactID: artifactID,
		UserID:     userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.key)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, HashToken(signed), expiresAt, nil
}

// Verify parses and validates token, returning the claims only when the
// signature, expiry and structure all check out. Every failure mode
// collapses to ErrInvalid so callers can return a single generic 403 with
// no oracle distinguishing "expired" from "tampered" from "revoked".
func (s *Signer) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalid
		}
		return s.key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalid
	}
	return claims, nil
}

// HashToken is the SHA-256 hex digest persisted for revocation lookups; the
// bearer token itself is never stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashMatches does a constant-time comparison of a token against a stored
// hash, used when an access token's revocation status must be checked
// without introducing a timing oracle.
func HashMatches(token, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(storedHash)) == 1
}
