// Package auth defines the pluggable authentication contract.
//
// The engine treats tokens as opaque: a Provider maps a token to an identity
// with a permission, or rejects it with a reason. The only semantics the
// engine relies on is determinism for the same token within a session;
// re-authentication on a live connection is allowed.
package auth

import "context"

// Permission is the access level granted to an authenticated connection.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Valid reports whether the permission is one of the known levels.
func (p Permission) Valid() bool {
	return p == PermissionRead || p == PermissionWrite
}

// CanWrite reports whether the permission allows submitting transactions
// and setting presence.
func (p Permission) CanWrite() bool {
	return p == PermissionWrite
}

// Identity is the outcome of a successful authentication.
type Identity struct {
	UserID     string
	Permission Permission
}

// Provider maps an opaque token to a verdict.
type Provider interface {
	// Authenticate returns the identity for the token, or an *Error
	// describing the rejection.
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// Error is an authentication rejection. The reason is sent to the client in
// the auth_result message.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}
