package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the subset of access token claims worth logging. They are
// decoded without signature verification and must not drive trust decisions.
type TokenClaims struct {
	Subject         string
	Audience        []string
	AuthorizedParty string
	ExpiresAt       time.Time
}

type peekedClaims struct {
	jwt.RegisteredClaims
	AuthorizedParty string `json:"azp,omitempty"`
}

// PeekClaims decodes the payload of a JWT access token.
func PeekClaims(token string) (*TokenClaims, error) {
	var claims peekedClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}

	out := &TokenClaims{
		Subject:         claims.Subject,
		Audience:        claims.Audience,
		AuthorizedParty: claims.AuthorizedParty,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
