package auth

import (
	"context"
	"errors"
	"log/slog"

	"granada.sch.id/backoffice/internal/obs"
)

// Resolution is the outcome of a successful Authenticate.
type Resolution struct {
	Principal Principal
	Session   Session
	// RotatedAccessToken is set when the access token was renewed; the
	// transport hands it back to the client.
	RotatedAccessToken string
}

// Authenticate resolves a guarded request. A valid access token whose subject
// matches the session identity is accepted without touching the credential
// store. Otherwise the session's refresh token is checked against its
// credential record and a new access token is minted. Every failure after
// the session was found destroys it and yields ErrSessionExpired.
func (s *Service) Authenticate(ctx context.Context, sessionID, bearer string) (Resolution, error) {
	if sessionID == "" || bearer == "" {
		obs.AuthRefresh.WithLabelValues("unauthenticated").Inc()
		return Resolution{}, ErrUnauthenticated
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.FromContext(ctx).Error("load session", slog.String("op", "auth.Authenticate"), slog.Any("err", err))
		}
		obs.AuthRefresh.WithLabelValues("unauthenticated").Inc()
		return Resolution{}, ErrUnauthenticated
	}

	if claims, err := s.issuer.VerifyAccess(bearer); err == nil && claims.Subject == sess.IdentityID {
		obs.AuthRefresh.WithLabelValues("fast").Inc()
		return Resolution{Principal: claims.Principal(), Session: sess}, nil
	}
	return s.rotate(ctx, sess)
}

func (s *Service) rotate(ctx context.Context, sess Session) (Resolution, error) {
	log := obs.FromContext(ctx).With(slog.String("op", "auth.rotate"), slog.String("identity_id", sess.IdentityID))

	fail := func(reason string, cause error) (Resolution, error) {
		attrs := []any{slog.String("reason", reason)}
		if cause != nil {
			attrs = append(attrs, slog.Any("err", cause))
		}
		if cause != nil && !errors.Is(cause, ErrNotFound) && !errors.Is(cause, ErrInvalidToken) {
			log.Error("refresh failed", attrs...)
		} else {
			log.Info("refresh rejected", attrs...)
		}
		if err := s.sessions.Destroy(ctx, sess.ID); err != nil {
			log.Warn("destroy session after failed refresh", slog.Any("err", err))
		}
		obs.AuthRefresh.WithLabelValues("expired").Inc()
		return Resolution{}, ErrSessionExpired
	}

	if sess.RefreshToken == "" {
		return fail("no refresh token in session", nil)
	}
	claims, err := s.issuer.VerifyRefresh(sess.RefreshToken)
	if err != nil {
		return fail("refresh token rejected", err)
	}
	if claims.Subject != sess.IdentityID {
		return fail("refresh token subject mismatch", nil)
	}

	obs.AuthCredentialLookups.Inc()
	if _, err := s.credentials.FindValid(ctx, HashToken(sess.RefreshToken), sess.IdentityID, s.now().UTC()); err != nil {
		return fail("no valid credential record", err)
	}

	identity, err := s.identities.FindByID(ctx, sess.IdentityID)
	if err != nil {
		return fail("identity lookup", err)
	}
	if !identity.Active {
		return fail("identity inactive", nil)
	}

	access, _, err := s.issuer.IssueAccess(identity)
	if err != nil {
		return fail("mint access token", err)
	}
	if err := s.sessions.UpdateTokens(ctx, sess.ID, identity.Roles, access, sess.RefreshToken); err != nil {
		return fail("update session", err)
	}
	sess.Roles = identity.Roles
	sess.AccessToken = access

	obs.AuthRefresh.WithLabelValues("rotated").Inc()
	return Resolution{Principal: identity.Principal(), Session: sess, RotatedAccessToken: access}, nil
}

// Peek resolves the caller when a live session and a valid matching access
// token are both present. It never refreshes and never destroys anything.
func (s *Service) Peek(ctx context.Context, sessionID, bearer string) (Principal, bool) {
	if sessionID == "" || bearer == "" {
		return Principal{}, false
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Principal{}, false
	}
	claims, err := s.issuer.VerifyAccess(bearer)
	if err != nil || claims.Subject != sess.IdentityID {
		return Principal{}, false
	}
	return claims.Principal(), true
}
