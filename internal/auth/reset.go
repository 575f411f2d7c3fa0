package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"granada.sch.id/backoffice/internal/ids"
	"granada.sch.id/backoffice/internal/obs"
)

// RequestReset issues a one-time code for handle and dispatches it to the
// identity's email address.
func (s *Service) RequestReset(ctx context.Context, handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	log := obs.FromContext(ctx).With(slog.String("op", "auth.RequestReset"))

	identity, err := s.identities.FindByHandle(ctx, handle)
	if err == nil && !identity.Active {
		err = ErrNotFound
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("find identity: %w", err)
		}
		obs.AuthPasswordResets.WithLabelValues("request", "unknown_handle").Inc()
		if s.resetPolicy.ConcealUnknownHandle {
			return nil
		}
		return ErrNotFound
	}

	code, err := ids.Digits(otpDigits)
	if err != nil {
		return fmt.Errorf("generate otp: %w", err)
	}
	now := s.now().UTC()
	rec := PasswordReset{
		ID:         ids.New(),
		IdentityID: identity.ID,
		CodeHash:   HashToken(code),
		ExpiresAt:  now.Add(s.otpTTL),
		CreatedAt:  now,
	}
	if err := s.resets.Create(ctx, rec); err != nil {
		return fmt.Errorf("store reset: %w", err)
	}
	s.notifier.DispatchOTP(ctx, identity.Email, code)

	obs.AuthPasswordResets.WithLabelValues("request", "ok").Inc()
	log.Info("reset requested", slog.String("identity_id", identity.ID), slog.String("email", obs.RedactEmail(identity.Email)))
	return nil
}

// VerifyOTP exchanges a valid code for a single-use reset token.
func (s *Service) VerifyOTP(ctx context.Context, handle, code string) (string, error) {
	code = strings.TrimSpace(code)
	if !isDigits(code, otpDigits) {
		obs.AuthPasswordResets.WithLabelValues("verify", "invalid").Inc()
		return "", ErrInvalidOTP
	}

	var identityID string
	handle = strings.TrimSpace(handle)
	switch {
	case handle != "":
		identity, err := s.identities.FindByHandle(ctx, handle)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				obs.AuthPasswordResets.WithLabelValues("verify", "invalid").Inc()
				return "", ErrInvalidOTP
			}
			return "", fmt.Errorf("find identity: %w", err)
		}
		identityID = identity.ID
	case !s.resetPolicy.AllowUnscopedOTP:
		return "", fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	rec, err := s.resets.FindIssued(ctx, HashToken(code), identityID, now)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("find reset: %w", err)
		}
		obs.AuthPasswordResets.WithLabelValues("verify", "invalid").Inc()
		if identityID != "" {
			if err := s.resets.RecordMiss(ctx, identityID, s.resetPolicy.MaxOTPAttempts, now); err != nil {
				return "", fmt.Errorf("record otp miss: %w", err)
			}
		}
		return "", ErrInvalidOTP
	}

	token, err := ids.Token(resetTokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	if err := s.resets.MarkVerified(ctx, rec.ID, HashToken(token), now.Add(s.otpTTL), now); err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthPasswordResets.WithLabelValues("verify", "invalid").Inc()
			return "", ErrInvalidOTP
		}
		return "", fmt.Errorf("mark verified: %w", err)
	}
	obs.AuthPasswordResets.WithLabelValues("verify", "ok").Inc()
	return token, nil
}

// ResetPassword consumes a reset token, sets the new password and ends every
// credential and session of the identity.
func (s *Service) ResetPassword(ctx context.Context, resetToken, password, confirm string) error {
	if err := ValidateNewPassword(password, confirm); err != nil {
		return err
	}
	resetToken = strings.TrimSpace(resetToken)
	if resetToken == "" {
		return fmt.Errorf("%w: reset token is required", ErrInvalidInput)
	}

	rec, err := s.resets.FindVerified(ctx, HashToken(resetToken), s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthPasswordResets.WithLabelValues("reset", "invalid").Inc()
		}
		return err
	}
	identity, err := s.identities.FindByID(ctx, rec.IdentityID)
	if err != nil {
		return fmt.Errorf("find identity: %w", err)
	}
	// The token is only consumed once the new password is ready to store.
	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.resets.MarkUsed(ctx, rec.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthPasswordResets.WithLabelValues("reset", "invalid").Inc()
		}
		return err
	}
	if err := s.applyPassword(ctx, identity, hash); err != nil {
		return err
	}
	obs.AuthPasswordResets.WithLabelValues("reset", "ok").Inc()
	obs.FromContext(ctx).Info("password reset", slog.String("op", "auth.ResetPassword"), slog.String("identity_id", identity.ID))
	return nil
}

// UpdatePassword changes the caller's password after checking the old one.
// Every credential and session of the identity ends, the caller's included.
func (s *Service) UpdatePassword(ctx context.Context, principal Principal, oldPassword, newPassword, confirm string) error {
	if principal.IdentityID == "" {
		return ErrUnauthenticated
	}
	if oldPassword == "" {
		return fmt.Errorf("%w: old password is required", ErrInvalidInput)
	}
	if err := ValidateNewPassword(newPassword, confirm); err != nil {
		return err
	}
	identity, err := s.identities.FindByID(ctx, principal.IdentityID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(identity.PasswordHash, oldPassword); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.applyPassword(ctx, identity, hash); err != nil {
		return err
	}
	obs.FromContext(ctx).Info("password changed", slog.String("op", "auth.UpdatePassword"), slog.String("identity_id", identity.ID))
	return nil
}

func (s *Service) applyPassword(ctx context.Context, identity Identity, hash string) error {
	if err := s.identities.UpdatePassword(ctx, identity.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.endAllSessions(ctx, identity.ID); err != nil {
		return err
	}
	s.notifier.DispatchPasswordChanged(ctx, identity.Email)
	return nil
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
