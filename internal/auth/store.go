package auth

import (
	"context"
	"time"
)

// IdentityStore is the user directory.
type IdentityStore interface {
	Create(ctx context.Context, identity Identity) (Identity, error)
	FindByID(ctx context.Context, id string) (Identity, error)
	FindByHandle(ctx context.Context, handle string) (Identity, error)
	List(ctx context.Context, filter IdentityFilter) ([]Identity, error)
	Update(ctx context.Context, id string, upd IdentityUpdate) (Identity, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetActive(ctx context.Context, id string, active bool) error
	// Delete removes the identity together with its credential records,
	// reset records and role assignments in one transaction.
	Delete(ctx context.Context, id string) error
}

// CredentialStore persists refresh-token records. At most one record per
// identity is valid at any time.
type CredentialStore interface {
	// Save invalidates every valid record of rec.IdentityID and inserts rec
	// as the only valid one, atomically.
	Save(ctx context.Context, rec CredentialRecord) error
	// Invalidate is idempotent: an unknown or already invalid hash is not an error.
	Invalidate(ctx context.Context, tokenHash string) error
	InvalidateAll(ctx context.Context, identityID string) error
	// FindValid returns ErrNotFound unless a record matches the hash and
	// identity, is valid and expires after now.
	FindValid(ctx context.Context, tokenHash, identityID string, now time.Time) (CredentialRecord, error)
	// InvalidateExpired marks valid records that expired by now as invalid
	// and reports how many. Records are only removed with their identity.
	InvalidateExpired(ctx context.Context, now time.Time) (int64, error)
}

// ResetStore persists password reset records.
type ResetStore interface {
	Create(ctx context.Context, rec PasswordReset) error
	// FindIssued returns the newest record in state Issued for the code hash.
	// An empty identityID searches across identities.
	FindIssued(ctx context.Context, codeHash, identityID string, now time.Time) (PasswordReset, error)
	// MarkVerified moves an Issued record to Verified, storing the reset token
	// hash and the new expiry. ErrNotFound when the record is no longer Issued.
	MarkVerified(ctx context.Context, id, tokenHash string, expiresAt, now time.Time) error
	FindVerified(ctx context.Context, tokenHash string, now time.Time) (PasswordReset, error)
	// MarkUsed consumes a Verified record. ErrNotFound when already consumed.
	MarkUsed(ctx context.Context, id string) error
	// RecordMiss counts a wrong code against every Issued record of
	// identityID and expires those that reach maxAttempts.
	RecordMiss(ctx context.Context, identityID string, maxAttempts int, now time.Time) error
}

// SessionStore holds server-side sessions keyed by the cookie value.
type SessionStore interface {
	// Create assigns sess.ID and stores the session for ttl.
	Create(ctx context.Context, sess *Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (Session, error)
	// UpdateTokens replaces the role snapshot and the token pair, keeping the
	// remaining TTL. ErrNotFound when the session vanished.
	UpdateTokens(ctx context.Context, id string, roles RoleSet, accessToken, refreshToken string) error
	Destroy(ctx context.Context, id string) error
	DestroyAll(ctx context.Context, identityID string) error
}

// Notifier delivers out-of-band messages without blocking the caller.
type Notifier interface {
	DispatchOTP(ctx context.Context, address, code string)
	DispatchPasswordChanged(ctx context.Context, address string)
}

// IdentityFilter narrows List.
type IdentityFilter struct {
	Role       Role
	ActiveOnly bool
}

// IdentityUpdate carries optional changes; nil fields are left unchanged.
type IdentityUpdate struct {
	Handle *string
	Name   *string
	Email  *string
	Roles  *RoleSet
}
