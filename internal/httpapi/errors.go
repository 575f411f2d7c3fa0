package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/obs"
)

const (
	msgLoginAgain         = "please log in again"
	msgForbidden          = "access denied"
	msgInvalidCredentials = "invalid username or password"
)

// handleAuthError maps service errors to status codes. Anything unknown is
// logged in full and answered with a generic 500.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrSessionExpired):
		a.clearSessionCookie(w)
		writeError(w, r, http.StatusUnauthorized, msgLoginAgain)
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, msgLoginAgain)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, msgInvalidCredentials)
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, msgForbidden)
	case errors.Is(err, auth.ErrInvalidOTP):
		writeError(w, r, http.StatusBadRequest, "invalid or expired otp")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, detail(err, auth.ErrInvalidInput, "invalid input"))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, detail(err, auth.ErrNotFound, "not found"))
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, detail(err, auth.ErrConflict, "username or email already in use"))
	default:
		obs.FromContext(r.Context()).Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
		writeError(w, r, http.StatusInternalServerError, msgInternal)
	}
}

// detail returns the text following "<sentinel>: " in err, which is how the
// service annotates validation failures, or fallback.
func detail(err, sentinel error, fallback string) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		if d := strings.TrimSpace(msg[i+len(prefix):]); d != "" {
			return d
		}
	}
	return fallback
}
