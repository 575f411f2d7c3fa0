// Package notify delivers out-of-band account messages (reset codes and
// password-change notices) through a pluggable Sender.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"granada.sch.id/backoffice/internal/auth"
	"granada.sch.id/backoffice/internal/obs"
)

// Kind identifies the message template.
type Kind string

const (
	KindOTP             Kind = "otp"
	KindPasswordChanged Kind = "password_changed"
)

// Message is one notification. Code is empty for KindPasswordChanged.
type Message struct {
	Kind    Kind      `json:"kind"`
	Address string    `json:"address"`
	Code    string    `json:"code,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Sender performs the actual delivery.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

const defaultSendTimeout = 15 * time.Second

var _ auth.Notifier = (*Dispatcher)(nil)

// Dispatcher hands messages to a Sender on background goroutines so request
// handlers never wait on delivery. Failures are logged and counted.
type Dispatcher struct {
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) DispatcherOption {
	return func(dp *Dispatcher) {
		if l != nil {
			dp.logger = l
		}
	}
}

func NewDispatcher(sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{sender: sender, logger: slog.Default(), timeout: defaultSendTimeout, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) DispatchOTP(ctx context.Context, address, code string) {
	d.dispatch(ctx, Message{Kind: KindOTP, Address: address, Code: code})
}

func (d *Dispatcher) DispatchPasswordChanged(ctx context.Context, address string) {
	d.dispatch(ctx, Message{Kind: KindPasswordChanged, Address: address})
}

// Wait blocks until every dispatched message has been handled.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) {
	msg.SentAt = d.now().UTC()
	base := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(base, d.timeout)
		defer cancel()

		err := d.sender.Send(sendCtx, msg)
		result := "ok"
		if err != nil {
			result = "error"
			d.logger.Error("notification failed",
				"kind", msg.Kind, "to", obs.RedactEmail(msg.Address), "error", err)
		} else {
			d.logger.Debug("notification sent", "kind", msg.Kind, "to", obs.RedactEmail(msg.Address))
		}
		obs.AuthNotifications.WithLabelValues(string(msg.Kind), result).Inc()
	}()
}

// LogSender writes messages to the log instead of delivering them. Codes are
// only logged at debug level.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	l := s.Logger
	if l == nil {
		l = obs.FromContext(ctx)
	}
	l.Info("notification", "kind", msg.Kind, "to", obs.RedactEmail(msg.Address))
	if msg.Code != "" {
		l.Debug("notification code", "kind", msg.Kind, "to", obs.RedactEmail(msg.Address), "code", msg.Code)
	}
	return nil
}
