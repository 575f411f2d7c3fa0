package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "granada-backoffice"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	minSecretLength   = 32

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims carries the role snapshot taken at issuance.
type AccessClaims struct {
	Handle    string   `json:"name,omitempty"`
	Roles     []string `json:"roles"`
	TokenType string   `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims identifies the identity only.
type RefreshClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies the access/refresh pair. Each kind has its own
// HMAC secret so one can never be accepted as the other.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer) error

// WithIssuer overrides the iss claim.
func WithIssuer(iss string) IssuerOption {
	return func(i *Issuer) error {
		if iss = strings.TrimSpace(iss); iss != "" {
			i.issuer = iss
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) error {
		if ttl > 0 {
			i.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) error {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
		return nil
	}
}

// WithIssuerClock overrides time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) error {
		if fn != nil {
			i.now = fn
		}
		return nil
	}
}

// NewIssuer validates the secrets and applies options.
func NewIssuer(accessSecret, refreshSecret string, opts ...IssuerOption) (*Issuer, error) {
	if len(accessSecret) < minSecretLength || len(refreshSecret) < minSecretLength {
		return nil, fmt.Errorf("auth: token secrets must be at least %d bytes", minSecretLength)
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	i := &Issuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		issuer:        defaultIssuer,
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	return i, nil
}

func (i *Issuer) AccessTTL() time.Duration  { return i.accessTTL }
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// Issue mints a fresh access/refresh pair for identity.
func (i *Issuer) Issue(identity Identity) (TokenPair, error) {
	access, accessExp, err := i.IssueAccess(identity)
	if err != nil {
		return TokenPair{}, err
	}
	now := i.now().UTC()
	refreshExp := now.Add(i.refreshTTL)
	claims := RefreshClaims{
		TokenType:        tokenTypeRefresh,
		RegisteredClaims: i.registered(identity.ID, now, refreshExp),
	}
	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.refreshSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// IssueAccess mints an access token carrying the identity's current roles.
func (i *Issuer) IssueAccess(identity Identity) (string, time.Time, error) {
	if strings.TrimSpace(identity.ID) == "" {
		return "", time.Time{}, errors.New("identity id is required")
	}
	now := i.now().UTC()
	exp := now.Add(i.accessTTL)
	claims := AccessClaims{
		Handle:           identity.Handle,
		Roles:            identity.Roles.Strings(),
		TokenType:        tokenTypeAccess,
		RegisteredClaims: i.registered(identity.ID, now, exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

func (i *Issuer) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
}

// VerifyAccess checks signature, algorithm, issuer, type and expiry of an
// access token. It performs no store lookup.
func (i *Issuer) VerifyAccess(token string) (AccessClaims, error) {
	var claims AccessClaims
	if err := i.parse(token, &claims, i.accessSecret); err != nil {
		return AccessClaims{}, err
	}
	if claims.TokenType != tokenTypeAccess {
		return AccessClaims{}, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, claims.TokenType)
	}
	if _, err := ParseRoleSet(claims.Roles); err != nil {
		return AccessClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// VerifyRefresh is VerifyAccess for refresh tokens.
func (i *Issuer) VerifyRefresh(token string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := i.parse(token, &claims, i.refreshSecret); err != nil {
		return RefreshClaims{}, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return RefreshClaims{}, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, claims.TokenType)
	}
	return claims, nil
}

func (i *Issuer) parse(token string, claims jwt.Claims, secret []byte) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return nil
}

// Principal rebuilds the request principal from verified access claims.
func (c AccessClaims) Principal() Principal {
	roles, _ := ParseRoleSet(c.Roles)
	return Principal{IdentityID: c.Subject, Handle: c.Handle, Roles: roles}
}
