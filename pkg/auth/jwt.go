package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider validates HMAC-signed JWTs. The subject claim becomes the user
// ID; a "perm" claim of "read" or "write" becomes the permission (missing
// defaults to read).
type JWTProvider struct {
	secret []byte
}

// jwtClaims is the claim set recognized by the provider.
type jwtClaims struct {
	jwt.RegisteredClaims
	Permission string `json:"perm,omitempty"`
}

// NewJWTProvider creates a provider validating tokens signed with the given
// HMAC secret.
func NewJWTProvider(secret []byte) (*JWTProvider, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt provider requires a non-empty secret")
	}
	return &JWTProvider{secret: secret}, nil
}

// Authenticate parses and validates the token.
func (p *JWTProvider) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, &Error{Reason: "invalid token"}
	}

	if claims.Subject == "" {
		return nil, &Error{Reason: "token has no subject"}
	}

	perm := Permission(claims.Permission)
	if claims.Permission == "" {
		perm = PermissionRead
	}
	if !perm.Valid() {
		return nil, &Error{Reason: fmt.Sprintf("unknown permission %q", claims.Permission)}
	}

	return &Identity{UserID: claims.Subject, Permission: perm}, nil
}
