package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testAccessSecret  = "access-secret-access-secret-access-secret"
	testRefreshSecret = "refresh-secret-refresh-secret-refresh-secret"
)

func newTestIssuer(t *testing.T, now *time.Time) *Issuer {
	t.Helper()
	iss, err := NewIssuer(testAccessSecret, testRefreshSecret,
		WithIssuer("test-issuer"),
		WithIssuerClock(func() time.Time { return *now }),
	)
	require.NoError(t, err)
	return iss
}

func testIdentity() Identity {
	return Identity{ID: "id-1", Handle: "teacher1", Roles: NewRoleSet(RoleGuru, RoleAdmin)}
}

func TestIssueAndVerifyPair(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, &now)

	pair, err := iss.Issue(testIdentity())
	require.NoError(t, err)
	require.Equal(t, now.UTC().Add(15*time.Minute).Truncate(time.Second), pair.AccessExpiresAt.Truncate(time.Second))
	require.Equal(t, now.UTC().Add(7*24*time.Hour).Truncate(time.Second), pair.RefreshExpiresAt.Truncate(time.Second))

	access, err := iss.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "id-1", access.Subject)
	require.Equal(t, []string{"admin", "guru"}, access.Roles)
	require.Equal(t, "teacher1", access.Principal().Handle)
	require.True(t, access.Principal().HasRole(RoleGuru))

	refresh, err := iss.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "id-1", refresh.Subject)
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, &now)
	pair, err := iss.Issue(testIdentity())
	require.NoError(t, err)

	_, err = iss.VerifyAccess(pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = iss.VerifyRefresh(pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensMintedInSameSecondDiffer(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, &now)
	a, err := iss.Issue(testIdentity())
	require.NoError(t, err)
	b, err := iss.Issue(testIdentity())
	require.NoError(t, err)
	require.NotEqual(t, a.AccessToken, b.AccessToken)
	require.NotEqual(t, a.RefreshToken, b.RefreshToken)
}

func TestVerifyRejectsExpiredTokens(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, &now)
	pair, err := iss.Issue(testIdentity())
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	_, err = iss.VerifyAccess(pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = iss.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)

	now = now.Add(7 * 24 * time.Hour)
	_, err = iss.VerifyRefresh(pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, &now)

	claims := AccessClaims{
		Roles:     []string{"superadmin"},
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test-issuer",
			Subject:   "id-1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}

	cases := map[string]func() string{
		"wrong secret": func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("some-other-secret-some-other-secret"))
			return s
		},
		"wrong algorithm": func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString([]byte(testAccessSecret))
			return s
		},
		"none algorithm": func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
			return s
		},
		"wrong issuer": func() string {
			c := claims
			c.Issuer = "elsewhere"
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(testAccessSecret))
			return s
		},
		"unknown role": func() string {
			c := claims
			c.Roles = []string{"janitor"}
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(testAccessSecret))
			return s
		},
		"no expiry": func() string {
			c := claims
			c.ExpiresAt = nil
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(testAccessSecret))
			return s
		},
		"empty": func() string { return "" },
		"garbage": func() string { return "not.a.jwt" },
	}
	for name, mk := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := iss.VerifyAccess(mk())
			require.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestNewIssuerValidatesSecrets(t *testing.T) {
	_, err := NewIssuer("short", testRefreshSecret)
	require.Error(t, err)
	_, err = NewIssuer(testAccessSecret, testAccessSecret)
	require.Error(t, err)

	iss, err := NewIssuer(testAccessSecret, testRefreshSecret, WithAccessTTL(time.Minute), WithRefreshTTL(time.Hour))
	require.NoError(t, err)
	require.Equal(t, time.Minute, iss.AccessTTL())
	require.Equal(t, time.Hour, iss.RefreshTTL())
}

func TestIssueAccessRequiresIdentityID(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, &now)
	_, _, err := iss.IssueAccess(Identity{})
	require.Error(t, err)
	require.False(t, strings.Contains(err.Error(), testAccessSecret))
}
