// Package identity implements C1: verification of the bearer envelope an
// external identity provider attaches to inbound requests. The provider is
// named generically ("identity provider") rather than hardcoded to one
// vendor, so self-hosted installs can point it at any HS256-issuing IdP.
package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Envelope is the subset of the bearer token's claims the rest of the
// system needs: who the caller is and, where the provider supports
// organizations, which one they are acting as.
type Envelope struct {
	Subject      string
	Email        string
	Name         string
	OrgID        string
	OrgRole      string
}

type envelopeClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	OrgID   string `json:"org_id"`
	OrgRole string `json:"org_role"`
	jwt.RegisteredClaims
}

// Verifier validates a bearer token against the configured issuer secret.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

func (v *Verifier) Verify(ctx context.Context, token string) (*Envelope, error) {
	parsed, err := jwt.ParseWithClaims(token, &envelopeClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		return []byte(v.secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid bearer token: %w", err)
	}
	claims, ok := parsed.Claims.(*envelopeClaims)
	if !ok || claims.Subject == "" {
		return nil, fmt.Errorf("invalid bearer token: missing subject")
	}
	return &Envelope{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		OrgID:   claims.OrgID,
		OrgRole: claims.OrgRole,
	}, nil
}
