package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/obs"
)

// Check is one named dependency ping.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// ReadyProbe reports whether every backing service answers.
type ReadyProbe []Check

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, c := range rp {
		if c.Ping == nil {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return nil
}

// Options tune the transport.
type Options struct {
	Version        string
	Logger         *slog.Logger
	CookieSecure   bool
	AllowedOrigins []string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	RateBurst      int
	RatePerSecond  float64
	// TrustedProxies may set X-Forwarded-For; see ParseTrustedProxies.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	auth       *auth.Service
	identities *auth.IdentityService
	ready      ReadyProbe
	limiter    *RateLimiter
	opts       Options
}

func New(svc *auth.Service, identities *auth.IdentityService, ready ReadyProbe, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	a := &API{
		auth:       svc,
		identities: identities,
		ready:      ready,
		limiter:    NewRateLimiter(opts.RateBurst, opts.RatePerSecond),
		opts:       opts,
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(WithLogger(a.opts.Logger))
	r.Use(RequestID)
	r.Use(ClientIP(a.opts.TrustedProxies))
	r.Use(Logging)
	r.Use(Recover)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.AllowedOrigins))
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(a.opts.RequestTimeout))

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(a.limiter.Middleware)
				r.Post("/login", a.handleLogin)
				r.Post("/forgot-password", a.handleForgotPassword)
				r.Post("/verify-otp", a.handleVerifyOTP)
				r.Post("/reset-password", a.handleResetPassword)
			})
			r.With(a.OptionalAuth).Get("/session", a.handleSessionStatus)
			r.Group(func(r chi.Router) {
				r.Use(a.RequireSession)
				r.Post("/logout", a.handleLogout)
				r.Post("/change-password", a.handleChangePassword)
				r.Get("/me", a.handleMe)
			})
		})

		r.Route("/users", func(r chi.Router) {
			r.Use(a.RequireSession)
			r.With(Authorize(auth.IdentityPolicy, auth.ActionRead)).Get("/", a.handleListUsers)
			r.With(Authorize(auth.IdentityPolicy, auth.ActionCreate)).Post("/", a.handleCreateUser)
			r.Route("/{id}", func(r chi.Router) {
				r.With(Authorize(auth.IdentityPolicy, auth.ActionRead)).Get("/", a.handleGetUser)
				r.With(Authorize(auth.IdentityPolicy, auth.ActionUpdate)).Put("/", a.handleUpdateUser)
				r.With(Authorize(auth.IdentityPolicy, auth.ActionDelete)).Delete("/", a.handleDeleteUser)
				r.With(Authorize(auth.IdentityPolicy, auth.ActionDeactivate)).Post("/deactivate", a.handleDeactivateUser)
				r.With(Authorize(auth.IdentityPolicy, auth.ActionDeactivate)).Post("/activate", a.handleActivateUser)
			})
		})
	})
	return r
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

// Close releases background resources.
func (a *API) Close() {
	a.limiter.Close()
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": obs.ServiceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.FromContext(r.Context()).Warn("readiness check failed", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

const msgInternal = "internal server error"

// envelope is the body of every /api response.
type envelope struct {
	Status    bool   `json:"status"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, code int, msg string, data any) {
	writeJSON(w, code, envelope{Status: true, Message: msg, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="backoffice"`)
	}
	writeJSON(w, code, envelope{Status: false, Message: msg, RequestID: RequestIDFromContext(r.Context())})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &tooLarge):
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
