package auth

import "errors"

var (
	// ErrUnauthenticated: no session, or no bearer token on a guarded request.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrSessionExpired: the session existed but could not be renewed and has been destroyed.
	ErrSessionExpired = errors.New("auth: session expired")
	ErrForbidden      = errors.New("auth: forbidden")
	// ErrInvalidToken never crosses the transport boundary.
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: conflict")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidOTP         = errors.New("auth: invalid or expired otp")
)
