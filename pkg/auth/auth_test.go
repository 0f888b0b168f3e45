package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(map[string]Identity{
		"writer-token": {UserID: "alice", Permission: PermissionWrite},
		"reader-token": {UserID: "bob", Permission: PermissionRead},
		"broken-token": {UserID: "eve", Permission: "admin"},
	})
	ctx := context.Background()

	id, err := p.Authenticate(ctx, "writer-token")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.True(t, id.Permission.CanWrite())

	id, err = p.Authenticate(ctx, "reader-token")
	require.NoError(t, err)
	assert.False(t, id.Permission.CanWrite())

	_, err = p.Authenticate(ctx, "unknown")
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "invalid token", aerr.Reason)

	_, err = p.Authenticate(ctx, "broken-token")
	require.ErrorAs(t, err, &aerr)
}

func signToken(t *testing.T, secret []byte, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func TestJWTProvider(t *testing.T) {
	secret := []byte("test-secret")
	p, err := NewJWTProvider(secret)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("valid write token", func(t *testing.T) {
		token := signToken(t, secret, jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
			Permission:       "write",
		})
		id, err := p.Authenticate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "alice", id.UserID)
		assert.Equal(t, PermissionWrite, id.Permission)
	})

	t.Run("missing perm defaults to read", func(t *testing.T) {
		token := signToken(t, secret, jwt.RegisteredClaims{Subject: "bob"})
		id, err := p.Authenticate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, PermissionRead, id.Permission)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		token := signToken(t, []byte("other-secret"), jwt.RegisteredClaims{Subject: "alice"})
		_, err := p.Authenticate(ctx, token)
		var aerr *Error
		require.ErrorAs(t, err, &aerr)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		token := signToken(t, secret, jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})
		_, err := p.Authenticate(ctx, token)
		var aerr *Error
		require.ErrorAs(t, err, &aerr)
	})

	t.Run("missing subject rejected", func(t *testing.T) {
		token := signToken(t, secret, jwtClaims{Permission: "write"})
		_, err := p.Authenticate(ctx, token)
		var aerr *Error
		require.ErrorAs(t, err, &aerr)
	})
}

func TestNewJWTProvider_EmptySecret(t *testing.T) {
	_, err := NewJWTProvider(nil)
	require.Error(t, err)
}
