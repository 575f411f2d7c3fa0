// Package audit emits structured audit records for security-relevant events.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/obs"
)

// Event names.
const (
	LoginSucceeded      = "auth.login.succeeded"
	LoginFailed         = "auth.login.failed"
	Logout              = "auth.logout"
	TokenRotated        = "auth.token.rotated"
	SessionExpired      = "auth.session.expired"
	ResetRequested      = "auth.reset.requested"
	ResetVerified       = "auth.reset.verified"
	ResetCompleted      = "auth.reset.completed"
	PasswordChanged     = "auth.password.changed"
	AccessDenied        = "auth.access.denied"
	IdentityCreated     = "identity.created"
	IdentityUpdated     = "identity.updated"
	IdentityDeactivated = "identity.deactivated"
	IdentityActivated   = "identity.activated"
	IdentityDeleted     = "identity.deleted"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit record through the request logger, enriched with
// the request id and the acting principal when present.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		attrs = append(attrs,
			slog.String("identity_id", p.IdentityID),
			slog.String("username", p.Handle),
		)
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	attrs = append(attrs, slog.Any("fields", copied))

	obs.FromContext(ctx).LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}
