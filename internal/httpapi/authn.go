package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"granada.sch.id/backoffice/internal/audit"
	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// SessionCookie carries the opaque session id.
	SessionCookie = "sid"
	// HeaderNewAccessToken returns a rotated access token to the client.
	HeaderNewAccessToken = "X-New-Access-Token"
)

// RequireSession authenticates the request from the session cookie and the
// bearer token, rotating the access token when it has expired.
func (a *API) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := extractBearerToken(r.Header.Get(authHeader))
		res, err := a.auth.Authenticate(r.Context(), sessionID(r), token)
		if err != nil {
			if errors.Is(err, auth.ErrSessionExpired) {
				_ = audit.LogEvent(r.Context(), audit.SessionExpired, map[string]any{"ip": clientIP(r)})
			}
			a.handleAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), res.Principal)
		ctx = auth.ContextWithSession(ctx, res.Session)
		ctx = obs.IntoContext(ctx, obs.FromContext(ctx).With(slog.String("identity_id", res.Principal.IdentityID)))
		if res.RotatedAccessToken != "" {
			w.Header().Set(HeaderNewAccessToken, res.RotatedAccessToken)
			_ = audit.LogEvent(ctx, audit.TokenRotated, nil)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalAuth attaches the principal when the session and access token are
// both valid. It never rejects, refreshes or destroys anything.
func (a *API) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := extractBearerToken(r.Header.Get(authHeader))
		if principal, ok := a.auth.Peek(r.Context(), sessionID(r), token); ok {
			r = r.WithContext(auth.ContextWithPrincipal(r.Context(), principal))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRoles admits principals holding at least one of roles. It must run
// after RequireSession.
func RequireRoles(roles ...auth.Role) func(http.Handler) http.Handler {
	return guard(func(p auth.Principal) error {
		return auth.RequireAnyRole(p, roles...)
	}, "roles", auth.NewRoleSet(roles...).String())
}

// Authorize admits principals the policy allows to perform action.
func Authorize(policy auth.Policy, action auth.Action) func(http.Handler) http.Handler {
	return guard(func(p auth.Principal) error {
		return policy.Authorize(p, action)
	}, "policy", policy.Resource+":"+string(action))
}

func guard(check func(auth.Principal) error, kind, rule string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, msgLoginAgain)
				return
			}
			if err := check(principal); err != nil {
				_ = audit.LogEvent(r.Context(), audit.AccessDenied, map[string]any{
					kind:     rule,
					"method": r.Method,
					"path":   r.URL.Path,
				})
				writeError(w, r, http.StatusForbidden, msgForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func sessionID(r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func (a *API) setSessionCookie(w http.ResponseWriter, id string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
