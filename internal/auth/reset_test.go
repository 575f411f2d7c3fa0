package auth_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"granada.sch.id/backoffice/internal/auth"
)

func TestPasswordResetFlow(t *testing.T) {
	h := newHarness(t)
	teacher := h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")
	ctx := context.Background()

	require.NoError(t, h.svc.RequestReset(ctx, "teacher1"))
	otp := h.notifier.last(t, "otp")
	require.Equal(t, "teacher1@school.id", otp.address)
	require.Len(t, otp.code, 6)

	token, err := h.svc.VerifyOTP(ctx, "teacher1", otp.code)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// the code is single use
	_, err = h.svc.VerifyOTP(ctx, "teacher1", otp.code)
	require.ErrorIs(t, err, auth.ErrInvalidOTP)

	require.NoError(t, h.svc.ResetPassword(ctx, token, "brand-new-pass", "brand-new-pass"))
	require.Equal(t, "password_changed", h.notifier.last(t, "password_changed").kind)

	// cascade: every credential and session is gone
	require.Equal(t, 0, h.stores.Credentials.ValidCount(teacher.ID))
	require.Equal(t, 0, h.stores.Sessions.Count(teacher.ID))
	_, err = h.svc.Authenticate(ctx, res.Session.ID, res.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)

	// replaying the reset token fails
	require.ErrorIs(t, h.svc.ResetPassword(ctx, token, "another-pass", "another-pass"), auth.ErrNotFound)

	_, err = h.svc.Login(ctx, auth.LoginRequest{Handle: "teacher1", Password: "correct-pass"})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	h.login(t, "teacher1", "brand-new-pass")
}

func TestVerifyOTPRejectsWrongOrExpiredCodes(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "teacher1", "correct-pass", "guru")
	ctx := context.Background()

	require.NoError(t, h.svc.RequestReset(ctx, "teacher1"))
	code := h.notifier.last(t, "otp").code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	_, err := h.svc.VerifyOTP(ctx, "teacher1", wrong)
	require.ErrorIs(t, err, auth.ErrInvalidOTP)
	_, err = h.svc.VerifyOTP(ctx, "teacher1", "12ab56")
	require.ErrorIs(t, err, auth.ErrInvalidOTP)
	_, err = h.svc.VerifyOTP(ctx, "nobody", code)
	require.ErrorIs(t, err, auth.ErrInvalidOTP)

	h.clock.Advance(5*time.Minute + time.Second)
	_, err = h.svc.VerifyOTP(ctx, "teacher1", code)
	require.ErrorIs(t, err, auth.ErrInvalidOTP)
}

func TestVerifyOTPIsScopedToHandle(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "teacher1", "correct-pass", "guru")
	h.seed(t, "teacher2", "correct-pass", "guru")
	ctx := context.Background()

	require.NoError(t, h.svc.RequestReset(ctx, "teacher1"))
	code := h.notifier.last(t, "otp").code

	_, err := h.svc.VerifyOTP(ctx, "teacher2", code)
	require.ErrorIs(t, err, auth.ErrInvalidOTP)
	_, err = h.svc.VerifyOTP(ctx, "", code)
	require.ErrorIs(t, err, auth.ErrInvalidInput)

	_, err = h.svc.VerifyOTP(ctx, "teacher1", code)
	require.NoError(t, err)
}

func TestVerifyOTPUnscopedWhenAllowed(t *testing.T) {
	h := newHarness(t, auth.WithResetPolicy(auth.ResetPolicy{AllowUnscopedOTP: true}))
	h.seed(t, "teacher1", "correct-pass", "guru")
	ctx := context.Background()

	require.NoError(t, h.svc.RequestReset(ctx, "teacher1"))
	token, err := h.svc.VerifyOTP(ctx, "", h.notifier.last(t, "otp").code)
	require.NoError(t, err)
	require.NoError(t, h.svc.ResetPassword(ctx, token, "brand-new-pass", "brand-new-pass"))
}

func TestRequestResetUnknownHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.ErrorIs(t, h.svc.RequestReset(ctx, "ghost"), auth.ErrNotFound)
	require.ErrorIs(t, h.svc.RequestReset(ctx, " "), auth.ErrInvalidInput)

	concealed := newHarness(t, auth.WithResetPolicy(auth.ResetPolicy{ConcealUnknownHandle: true}))
	require.NoError(t, concealed.svc.RequestReset(ctx, "ghost"))
	require.Zero(t, concealed.notifier.count())
}

func TestResetPasswordValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.ErrorIs(t, h.svc.ResetPassword(ctx, "tok", "long-enough", "different-x"), auth.ErrInvalidInput)
	require.ErrorIs(t, h.svc.ResetPassword(ctx, "tok", "short", "short"), auth.ErrInvalidInput)
	require.ErrorIs(t, h.svc.ResetPassword(ctx, "", "long-enough", "long-enough"), auth.ErrInvalidInput)
	require.ErrorIs(t, h.svc.ResetPassword(ctx, "unknown", "long-enough", "long-enough"), auth.ErrNotFound)
}

func TestOverlongPasswordKeepsResetToken(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "teacher1", "correct-pass", "guru")
	ctx := context.Background()

	require.NoError(t, h.svc.RequestReset(ctx, "teacher1"))
	token, err := h.svc.VerifyOTP(ctx, "teacher1", h.notifier.last(t, "otp").code)
	require.NoError(t, err)

	long := strings.Repeat("a", 80)
	require.ErrorIs(t, h.svc.ResetPassword(ctx, token, long, long), auth.ErrInvalidInput)
	require.NoError(t, h.svc.ResetPassword(ctx, token, "brand-new-pass", "brand-new-pass"))
	h.login(t, "teacher1", "brand-new-pass")
}

func TestVerifyOTPLocksAfterRepeatedMisses(t *testing.T) {
	h := newHarness(t, auth.WithResetPolicy(auth.ResetPolicy{MaxOTPAttempts: 3}))
	h.seed(t, "teacher1", "correct-pass", "guru")
	ctx := context.Background()

	require.NoError(t, h.svc.RequestReset(ctx, "teacher1"))
	code := h.notifier.last(t, "otp").code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 3; i++ {
		_, err := h.svc.VerifyOTP(ctx, "teacher1", wrong)
		require.ErrorIs(t, err, auth.ErrInvalidOTP)
	}
	_, err := h.svc.VerifyOTP(ctx, "teacher1", code)
	require.ErrorIs(t, err, auth.ErrInvalidOTP)

	// a fresh request starts a new budget
	require.NoError(t, h.svc.RequestReset(ctx, "teacher1"))
	fresh := h.notifier.last(t, "otp").code
	_, err = h.svc.VerifyOTP(ctx, "teacher1", fresh+"0")
	require.ErrorIs(t, err, auth.ErrInvalidOTP)
	_, err = h.svc.VerifyOTP(ctx, "teacher1", fresh)
	require.NoError(t, err)
}

func TestResetTokenExpires(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "teacher1", "correct-pass", "guru")
	ctx := context.Background()

	require.NoError(t, h.svc.RequestReset(ctx, "teacher1"))
	token, err := h.svc.VerifyOTP(ctx, "teacher1", h.notifier.last(t, "otp").code)
	require.NoError(t, err)

	h.clock.Advance(6 * time.Minute)
	require.ErrorIs(t, h.svc.ResetPassword(ctx, token, "brand-new-pass", "brand-new-pass"), auth.ErrNotFound)
}

func TestConcurrentResetHasOneWinner(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "teacher1", "correct-pass", "guru")
	ctx := context.Background()

	require.NoError(t, h.svc.RequestReset(ctx, "teacher1"))
	token, err := h.svc.VerifyOTP(ctx, "teacher1", h.notifier.last(t, "otp").code)
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if h.svc.ResetPassword(ctx, token, "brand-new-pass", "brand-new-pass") == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, successes.Load())
}

func TestUpdatePassword(t *testing.T) {
	h := newHarness(t)
	teacher := h.seed(t, "teacher1", "correct-pass", "guru")
	res := h.login(t, "teacher1", "correct-pass")
	other := h.login(t, "teacher1", "correct-pass")
	ctx := context.Background()
	p := teacher.Principal()

	require.ErrorIs(t, h.svc.UpdatePassword(ctx, p, "wrong-pass", "brand-new-pass", "brand-new-pass"), auth.ErrInvalidCredentials)
	require.ErrorIs(t, h.svc.UpdatePassword(ctx, p, "correct-pass", "brand-new-pass", "brand-new-pasX"), auth.ErrInvalidInput)
	require.ErrorIs(t, h.svc.UpdatePassword(ctx, p, "", "brand-new-pass", "brand-new-pass"), auth.ErrInvalidInput)
	long := strings.Repeat("b", 80)
	require.ErrorIs(t, h.svc.UpdatePassword(ctx, p, "correct-pass", long, long), auth.ErrInvalidInput)
	require.ErrorIs(t, h.svc.UpdatePassword(ctx, auth.Principal{}, "correct-pass", "brand-new-pass", "brand-new-pass"), auth.ErrUnauthenticated)

	require.NoError(t, h.svc.UpdatePassword(ctx, p, "correct-pass", "brand-new-pass", "brand-new-pass"))
	for _, s := range []auth.LoginResult{res, other} {
		_, err := h.svc.Authenticate(ctx, s.Session.ID, s.Tokens.AccessToken)
		require.ErrorIs(t, err, auth.ErrUnauthenticated)
	}
	require.Equal(t, 0, h.stores.Credentials.ValidCount(teacher.ID))
	require.Equal(t, "teacher1@school.id", h.notifier.last(t, "password_changed").address)
	h.login(t, "teacher1", "brand-new-pass")
}
