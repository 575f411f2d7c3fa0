package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"granada.sch.id/backoffice/internal/auth"
)

func TestIdentitiesUniqueness(t *testing.T) {
	s := NewIdentities()
	ctx := context.Background()
	a, err := s.Create(ctx, auth.Identity{Handle: "guru1", Email: "guru1@school.id", Roles: auth.NewRoleSet(auth.RoleGuru)})
	require.NoError(t, err)
	b, err := s.Create(ctx, auth.Identity{Handle: "guru2", Email: "guru2@school.id", Roles: auth.NewRoleSet(auth.RoleGuru)})
	require.NoError(t, err)

	_, err = s.Create(ctx, auth.Identity{Handle: "guru1", Email: "x@school.id"})
	require.ErrorIs(t, err, auth.ErrConflict)

	taken := "guru1"
	_, err = s.Update(ctx, b.ID, auth.IdentityUpdate{Handle: &taken})
	require.ErrorIs(t, err, auth.ErrConflict)

	same := "guru1"
	got, err := s.Update(ctx, a.ID, auth.IdentityUpdate{Handle: &same})
	require.NoError(t, err)
	require.Equal(t, "guru1", got.Handle)

	found, err := s.FindByHandle(ctx, "guru2")
	require.NoError(t, err)
	require.Equal(t, b.ID, found.ID)
	_, err = s.FindByHandle(ctx, "nobody")
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.ErrorIs(t, s.SetActive(ctx, "missing", false), auth.ErrNotFound)
}

func TestCredentialsSingleValidRecord(t *testing.T) {
	s := NewCredentials()
	ctx := context.Background()
	now := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

	for i, hash := range []string{"h1", "h2", "h3"} {
		require.NoError(t, s.Save(ctx, auth.CredentialRecord{
			ID: hash, IdentityID: "u1", TokenHash: hash, ExpiresAt: now.Add(time.Duration(i+1) * time.Hour),
		}))
	}
	require.Equal(t, 1, s.ValidCount("u1"))
	_, err := s.FindValid(ctx, "h1", "u1", now)
	require.ErrorIs(t, err, auth.ErrNotFound)
	_, err = s.FindValid(ctx, "h3", "u2", now)
	require.ErrorIs(t, err, auth.ErrNotFound)
	rec, err := s.FindValid(ctx, "h3", "u1", now)
	require.NoError(t, err)
	require.True(t, rec.Valid)
	require.EqualValues(t, 3, s.FindValidCalls())

	_, err = s.FindValid(ctx, "h3", "u1", now.Add(3*time.Hour))
	require.ErrorIs(t, err, auth.ErrNotFound)

	n, err := s.InvalidateExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = s.InvalidateExpired(ctx, now.Add(3*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Zero(t, s.ValidCount("u1"))
	require.Equal(t, 3, s.Len())
}

func TestResetLifecycle(t *testing.T) {
	s := NewResets()
	ctx := context.Background()
	now := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, auth.PasswordReset{
		ID: "r1", IdentityID: "u1", CodeHash: "c1", CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}))

	_, err := s.FindIssued(ctx, "c1", "u2", now)
	require.ErrorIs(t, err, auth.ErrNotFound)
	rec, err := s.FindIssued(ctx, "c1", "", now)
	require.NoError(t, err)
	require.Equal(t, "r1", rec.ID)

	require.NoError(t, s.MarkVerified(ctx, "r1", "t1", now.Add(6*time.Minute), now.Add(time.Minute)))
	require.ErrorIs(t, s.MarkVerified(ctx, "r1", "t2", now.Add(6*time.Minute), now.Add(time.Minute)), auth.ErrNotFound)

	_, err = s.FindVerified(ctx, "t1", now.Add(7*time.Minute))
	require.ErrorIs(t, err, auth.ErrNotFound)
	_, err = s.FindVerified(ctx, "t1", now.Add(2*time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.MarkUsed(ctx, "r1"))
	require.ErrorIs(t, s.MarkUsed(ctx, "r1"), auth.ErrNotFound)
}

func TestResetRecordMissExpiresAtLimit(t *testing.T) {
	s := NewResets()
	ctx := context.Background()
	now := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, auth.PasswordReset{
		ID: "r1", IdentityID: "u1", CodeHash: "c1", CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}))
	require.NoError(t, s.Create(ctx, auth.PasswordReset{
		ID: "r2", IdentityID: "u2", CodeHash: "c2", CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}))

	require.NoError(t, s.RecordMiss(ctx, "u1", 2, now))
	rec, err := s.FindIssued(ctx, "c1", "u1", now)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)

	require.NoError(t, s.RecordMiss(ctx, "u1", 2, now))
	_, err = s.FindIssued(ctx, "c1", "u1", now)
	require.ErrorIs(t, err, auth.ErrNotFound)

	// other identities keep their budget
	rec, err = s.FindIssued(ctx, "c2", "u2", now)
	require.NoError(t, err)
	require.Zero(t, rec.Attempts)
}

func TestSessionsExpireAndCascade(t *testing.T) {
	now := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	stores := New(clock)
	ctx := context.Background()

	identity, err := stores.Identities.Create(ctx, auth.Identity{Handle: "guru1", Email: "guru1@school.id"})
	require.NoError(t, err)

	sess := &auth.Session{IdentityID: identity.ID, AccessToken: "a", RefreshToken: "r"}
	require.NoError(t, stores.Sessions.Create(ctx, sess, time.Hour))
	require.NotEmpty(t, sess.ID)
	require.NoError(t, stores.Sessions.UpdateTokens(ctx, sess.ID, auth.NewRoleSet(auth.RoleOrtu), "a2", "r"))
	got, err := stores.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "a2", got.AccessToken)
	require.True(t, got.Roles.Has(auth.RoleOrtu))
	require.Equal(t, 1, stores.Sessions.Count(identity.ID))

	require.NoError(t, stores.Credentials.Save(ctx, auth.CredentialRecord{ID: "c", IdentityID: identity.ID, TokenHash: "h", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, stores.Identities.Delete(ctx, identity.ID))
	require.Equal(t, 0, stores.Credentials.ValidCount(identity.ID))

	now = now.Add(time.Hour)
	_, err = stores.Sessions.Get(ctx, sess.ID)
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.ErrorIs(t, stores.Sessions.UpdateTokens(ctx, sess.ID, 0, "a3", "r"), auth.ErrNotFound)
}
