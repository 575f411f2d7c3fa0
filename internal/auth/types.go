package auth

import "time"

// Identity is a member of the user directory.
type Identity struct {
	ID           string    `json:"id"`
	Handle       string    `json:"username"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Active       bool      `json:"active"`
	Roles        RoleSet   `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Principal is the per-request view of an authenticated identity.
func (i Identity) Principal() Principal {
	return Principal{IdentityID: i.ID, Handle: i.Handle, Roles: i.Roles}
}

// CredentialRecord is the server-side anchor of a refresh token. Only the
// token's SHA-256 digest is kept.
type CredentialRecord struct {
	ID         string
	IdentityID string
	TokenHash  string
	ExpiresAt  time.Time
	Valid      bool
	CreatedAt  time.Time
}

// Session is the server-side record behind the session cookie.
type Session struct {
	ID           string    `json:"id"`
	IdentityID   string    `json:"identity_id"`
	Roles        RoleSet   `json:"roles"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	CreatedAt    time.Time `json:"created_at"`
}

// ResetState is the derived lifecycle state of a PasswordReset.
type ResetState string

const (
	ResetIssued   ResetState = "issued"
	ResetVerified ResetState = "verified"
	ResetConsumed ResetState = "consumed"
	ResetExpired  ResetState = "expired"
)

// PasswordReset tracks one OTP-driven reset attempt.
type PasswordReset struct {
	ID         string
	IdentityID string
	CodeHash   string
	TokenHash  string
	ExpiresAt  time.Time
	Attempts   int
	Verified   bool
	Used       bool
	CreatedAt  time.Time
}

func (r PasswordReset) State(now time.Time) ResetState {
	switch {
	case r.Used:
		return ResetConsumed
	case !now.Before(r.ExpiresAt):
		return ResetExpired
	case r.Verified:
		return ResetVerified
	default:
		return ResetIssued
	}
}

// TokenPair is the result of a login.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
