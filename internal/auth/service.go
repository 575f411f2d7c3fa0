package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"granada.sch.id/backoffice/internal/ids"
	"granada.sch.id/backoffice/internal/obs"
)

const (
	defaultSessionTTL = 24 * time.Hour
	defaultOTPTTL     = 5 * time.Minute
	otpDigits         = 6
	resetTokenBytes   = 32

	// DefaultMaxOTPAttempts is how many wrong codes an issued reset survives.
	DefaultMaxOTPAttempts = 5
)

// Deps are the collaborators a Service needs. All are required except Notifier.
type Deps struct {
	Identities  IdentityStore
	Credentials CredentialStore
	Resets      ResetStore
	Sessions    SessionStore
	Issuer      *Issuer
	Notifier    Notifier
}

// ResetPolicy tunes the password reset flow.
type ResetPolicy struct {
	// AllowUnscopedOTP accepts VerifyOTP without a handle, matching the code
	// across all identities.
	AllowUnscopedOTP bool
	// ConcealUnknownHandle makes RequestReset succeed silently for unknown handles.
	ConcealUnknownHandle bool
	// MaxOTPAttempts expires an identity's issued codes after that many
	// wrong guesses. Zero selects DefaultMaxOTPAttempts.
	MaxOTPAttempts int
}

// Service runs the credential and session lifecycle.
type Service struct {
	identities  IdentityStore
	credentials CredentialStore
	resets      ResetStore
	sessions    SessionStore
	issuer      *Issuer
	notifier    Notifier

	now         func() time.Time
	sessionTTL  time.Duration
	otpTTL      time.Duration
	bcryptCost  int
	resetPolicy ResetPolicy
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSessionTTL sets the lifetime of server-side sessions and the cookie.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithOTPTTL sets how long an OTP, and then its reset token, stays usable.
func WithOTPTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.otpTTL = ttl
		}
		return nil
	}
}

// WithBcryptCost sets the cost used for new password hashes.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost < 0 || cost > 31 {
			return fmt.Errorf("auth: invalid bcrypt cost %d", cost)
		}
		s.bcryptCost = cost
		return nil
	}
}

func WithResetPolicy(p ResetPolicy) ServiceOption {
	return func(s *Service) error {
		if p.MaxOTPAttempts < 0 {
			return fmt.Errorf("auth: max otp attempts must not be negative")
		}
		if p.MaxOTPAttempts == 0 {
			p.MaxOTPAttempts = DefaultMaxOTPAttempts
		}
		s.resetPolicy = p
		return nil
	}
}

// NewService wires the collaborators and applies options.
func NewService(deps Deps, opts ...ServiceOption) (*Service, error) {
	switch {
	case deps.Identities == nil:
		return nil, errors.New("auth: identity store is required")
	case deps.Credentials == nil:
		return nil, errors.New("auth: credential store is required")
	case deps.Resets == nil:
		return nil, errors.New("auth: reset store is required")
	case deps.Sessions == nil:
		return nil, errors.New("auth: session store is required")
	case deps.Issuer == nil:
		return nil, errors.New("auth: token issuer is required")
	}
	svc := &Service{
		identities:  deps.Identities,
		credentials: deps.Credentials,
		resets:      deps.Resets,
		sessions:    deps.Sessions,
		issuer:      deps.Issuer,
		notifier:    deps.Notifier,
		now:         time.Now,
		sessionTTL:  defaultSessionTTL,
		otpTTL:      defaultOTPTTL,
		resetPolicy: ResetPolicy{MaxOTPAttempts: DefaultMaxOTPAttempts},
	}
	if svc.notifier == nil {
		svc.notifier = discardNotifier{}
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (s *Service) SessionTTL() time.Duration { return s.sessionTTL }

// LoginRequest carries credentials and, optionally, the caller's current session.
type LoginRequest struct {
	Handle    string
	Password  string
	SessionID string
}

// LoginResult is returned on successful login.
type LoginResult struct {
	Tokens   TokenPair
	Session  Session
	Identity Identity
}

// Login verifies credentials, issues a token pair, records the refresh token as
// the identity's only valid credential and opens a session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	handle := strings.TrimSpace(req.Handle)
	if handle == "" || req.Password == "" {
		return LoginResult{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	log := obs.FromContext(ctx).With(slog.String("op", "auth.Login"))

	identity, err := s.identities.FindByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthLogins.WithLabelValues("unknown_handle").Inc()
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("find identity: %w", err)
	}
	if !identity.Active {
		obs.AuthLogins.WithLabelValues("inactive").Inc()
		return LoginResult{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(identity.PasswordHash, req.Password); err != nil {
		obs.AuthLogins.WithLabelValues("bad_password").Inc()
		return LoginResult{}, ErrInvalidCredentials
	}

	pair, err := s.issuer.Issue(identity)
	if err != nil {
		return LoginResult{}, err
	}
	now := s.now().UTC()
	rec := CredentialRecord{
		ID:         ids.New(),
		IdentityID: identity.ID,
		TokenHash:  HashToken(pair.RefreshToken),
		ExpiresAt:  pair.RefreshExpiresAt,
		Valid:      true,
		CreatedAt:  now,
	}
	if err := s.credentials.Save(ctx, rec); err != nil {
		return LoginResult{}, fmt.Errorf("save credential: %w", err)
	}

	if req.SessionID != "" {
		if err := s.sessions.Destroy(ctx, req.SessionID); err != nil {
			log.Warn("drop previous session failed", slog.Any("err", err))
		}
	}
	sess := &Session{
		IdentityID:   identity.ID,
		Roles:        identity.Roles,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		CreatedAt:    now,
	}
	if err := s.sessions.Create(ctx, sess, s.sessionTTL); err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}

	obs.AuthLogins.WithLabelValues("success").Inc()
	log.Info("login", slog.String("identity_id", identity.ID))
	return LoginResult{Tokens: pair, Session: *sess, Identity: identity}, nil
}

// Logout invalidates the session's refresh credential and destroys the session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrUnauthenticated
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load session: %w", err)
	}
	if sess.RefreshToken != "" {
		if err := s.credentials.Invalidate(ctx, HashToken(sess.RefreshToken)); err != nil {
			return fmt.Errorf("invalidate credential: %w", err)
		}
	}
	if err := s.sessions.Destroy(ctx, sessionID); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

// Me returns the current directory entry for the principal.
func (s *Service) Me(ctx context.Context, principal Principal) (Identity, error) {
	if principal.IdentityID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return s.identities.FindByID(ctx, principal.IdentityID)
}

// InvalidateExpiredCredentials marks credential records past their expiry invalid.
func (s *Service) InvalidateExpiredCredentials(ctx context.Context) (int64, error) {
	return s.credentials.InvalidateExpired(ctx, s.now().UTC())
}

// RunJanitor invalidates expired credentials every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	log := obs.FromContext(ctx).With(slog.String("op", "auth.RunJanitor"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.InvalidateExpiredCredentials(ctx)
			if err != nil {
				log.Error("invalidate expired credentials", slog.Any("err", err))
				continue
			}
			if n > 0 {
				log.Info("invalidated expired credentials", slog.Int64("count", n))
			}
		}
	}
}

// endAllSessions is the cascade applied after any password change.
func (s *Service) endAllSessions(ctx context.Context, identityID string) error {
	if err := s.credentials.InvalidateAll(ctx, identityID); err != nil {
		return fmt.Errorf("invalidate credentials: %w", err)
	}
	if err := s.sessions.DestroyAll(ctx, identityID); err != nil {
		return fmt.Errorf("destroy sessions: %w", err)
	}
	return nil
}

type discardNotifier struct{}

func (discardNotifier) DispatchOTP(context.Context, string, string)      {}
func (discardNotifier) DispatchPasswordChanged(context.Context, string) {}
