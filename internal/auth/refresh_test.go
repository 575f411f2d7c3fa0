package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"granada.sch.id/backoffice/internal/auth"
)

func TestAuthenticateRequiresSessionAndBearer(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")
	ctx := context.Background()

	_, err := h.svc.Authenticate(ctx, "", res.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, err = h.svc.Authenticate(ctx, res.Session.ID, "")
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, err = h.svc.Authenticate(ctx, "no-such-session", res.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestAuthenticateFastPathSkipsCredentialStore(t *testing.T) {
	h := newHarness(t)
	teacher := h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")

	for i := 0; i < 10; i++ {
		got, err := h.svc.Authenticate(context.Background(), res.Session.ID, res.Tokens.AccessToken)
		require.NoError(t, err)
		require.Empty(t, got.RotatedAccessToken)
		require.Equal(t, teacher.ID, got.Principal.IdentityID)
		require.True(t, got.Principal.HasRole(auth.RoleGuru))
	}
	require.Zero(t, h.stores.Credentials.FindValidCalls())
}

func TestAuthenticateRotatesExpiredAccessToken(t *testing.T) {
	h := newHarness(t)
	teacher := h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")
	ctx := context.Background()

	h.clock.Advance(16 * time.Minute)
	got, err := h.svc.Authenticate(ctx, res.Session.ID, res.Tokens.AccessToken)
	require.NoError(t, err)
	require.NotEmpty(t, got.RotatedAccessToken)
	require.NotEqual(t, res.Tokens.AccessToken, got.RotatedAccessToken)
	require.Equal(t, teacher.ID, got.Principal.IdentityID)
	require.EqualValues(t, 1, h.stores.Credentials.FindValidCalls())

	sess, err := h.stores.Sessions.Get(ctx, res.Session.ID)
	require.NoError(t, err)
	require.Equal(t, got.RotatedAccessToken, sess.AccessToken)
	require.Equal(t, res.Tokens.RefreshToken, sess.RefreshToken)
	require.Equal(t, 1, h.stores.Credentials.ValidCount(teacher.ID))

	again, err := h.svc.Authenticate(ctx, res.Session.ID, got.RotatedAccessToken)
	require.NoError(t, err)
	require.Empty(t, again.RotatedAccessToken)
	require.EqualValues(t, 1, h.stores.Credentials.FindValidCalls())
}

func TestRotationPicksUpRoleChanges(t *testing.T) {
	h := newHarness(t)
	teacher := h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")
	ctx := context.Background()

	roles := auth.NewRoleSet(auth.RoleGuru, auth.RoleAdmin)
	_, err := h.stores.Identities.Update(ctx, teacher.ID, auth.IdentityUpdate{Roles: &roles})
	require.NoError(t, err)

	h.clock.Advance(16 * time.Minute)
	got, err := h.svc.Authenticate(ctx, res.Session.ID, res.Tokens.AccessToken)
	require.NoError(t, err)
	require.True(t, got.Principal.HasRole(auth.RoleAdmin))
	require.Equal(t, roles, got.Session.Roles)

	stored, err := h.stores.Sessions.Get(ctx, res.Session.ID)
	require.NoError(t, err)
	require.Equal(t, roles, stored.Roles)
}

func TestSupersededRefreshTokenExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "teacher1", "correct-pass", "guru")
	first := h.login(t, "teacher1", "correct-pass")
	second := h.login(t, "teacher1", "correct-pass")
	ctx := context.Background()

	h.clock.Advance(16 * time.Minute)
	_, err := h.svc.Authenticate(ctx, first.Session.ID, first.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrSessionExpired)
	_, err = h.stores.Sessions.Get(ctx, first.Session.ID)
	require.ErrorIs(t, err, auth.ErrNotFound)

	got, err := h.svc.Authenticate(ctx, second.Session.ID, second.Tokens.AccessToken)
	require.NoError(t, err)
	require.NotEmpty(t, got.RotatedAccessToken)
}

func TestAuthenticateForeignAccessTokenFallsBackToSession(t *testing.T) {
	h := newHarness(t)
	teacher := h.seed(t, "teacher1", "correct-pass", "guru")
	h.seed(t, "admin1", "correct-pass", "admin")
	mine := h.login(t, "teacher1", "correct-pass")
	theirs := h.login(t, "admin1", "correct-pass")

	got, err := h.svc.Authenticate(context.Background(), mine.Session.ID, theirs.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, teacher.ID, got.Principal.IdentityID)
	require.False(t, got.Principal.HasRole(auth.RoleAdmin))
	require.NotEmpty(t, got.RotatedAccessToken)
}

func TestRefreshFailsForDeactivatedIdentity(t *testing.T) {
	h := newHarness(t)
	teacher := h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")
	ctx := context.Background()

	require.NoError(t, h.stores.Identities.SetActive(ctx, teacher.ID, false))
	h.clock.Advance(16 * time.Minute)
	_, err := h.svc.Authenticate(ctx, res.Session.ID, res.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrSessionExpired)
}

func TestRefreshFailsAfterRefreshTokenExpiry(t *testing.T) {
	h := newHarness(t, auth.WithSessionTTL(30*24*time.Hour))
	h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")

	h.clock.Advance(7*24*time.Hour + time.Minute)
	_, err := h.svc.Authenticate(context.Background(), res.Session.ID, res.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrSessionExpired)
}

func TestSessionOutlivedByCookieTTL(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")

	h.clock.Advance(25 * time.Hour)
	_, err := h.svc.Authenticate(context.Background(), res.Session.ID, res.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestConcurrentRotationIsIdempotent(t *testing.T) {
	h := newHarness(t)
	teacher := h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")
	h.clock.Advance(16 * time.Minute)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			got, err := h.svc.Authenticate(context.Background(), res.Session.ID, res.Tokens.AccessToken)
			if err == nil && got.RotatedAccessToken == "" {
				err = auth.ErrInvalidToken
			}
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, failures)
	require.Equal(t, 1, h.stores.Credentials.ValidCount(teacher.ID))
	_, err := h.stores.Sessions.Get(context.Background(), res.Session.ID)
	require.NoError(t, err)
}

func TestPeekNeverRefreshes(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")
	ctx := context.Background()

	p, ok := h.svc.Peek(ctx, res.Session.ID, res.Tokens.AccessToken)
	require.True(t, ok)
	require.Equal(t, "teacher1", p.Handle)

	_, ok = h.svc.Peek(ctx, "", res.Tokens.AccessToken)
	require.False(t, ok)

	h.clock.Advance(16 * time.Minute)
	_, ok = h.svc.Peek(ctx, res.Session.ID, res.Tokens.AccessToken)
	require.False(t, ok)
	_, err := h.stores.Sessions.Get(ctx, res.Session.ID)
	require.NoError(t, err)
	require.Zero(t, h.stores.Credentials.FindValidCalls())
}
