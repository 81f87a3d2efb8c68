// Package notify delivers signer-facing messages. Transport is an external
// collaborator behind the Mailer interface.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhouse/esign/pkg/logger"
)

// ErrDeliveryFailed wraps the last transport error once retries are spent.
var ErrDeliveryFailed = errors.New("message delivery failed")

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
	// Kind tags the message for logs and tests, e.g. "otp" or "magic_link".
	Kind string
}

// Mailer sends a single message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// RetryPolicy bounds delivery attempts.
type RetryPolicy struct {
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// DefaultRetryPolicy tries three times with a short linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 200 * time.Millisecond}
}

// Deliver sends msg, retrying transport failures up to policy.Attempts times.
func Deliver(ctx context.Context, m Mailer, msg Message, policy RetryPolicy) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if lastErr = m.Send(ctx, msg); lastErr == nil {
			return nil
		}
		if attempt == policy.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
		case <-time.After(policy.Backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrDeliveryFailed, policy.Attempts, lastErr)
}

// LogMailer writes messages to the log instead of sending them. It is the
// default transport in development.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(log *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger.OrNop(log).Named("mail")}
}

// Send logs the envelope and body of msg.
func (l *LogMailer) Send(_ context.Context, msg Message) error {
	l.logger.Info("mail",
		zap.String("to", msg.To),
		zap.String("kind", msg.Kind),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body))
	return nil
}

// Outbox keeps sent messages in memory. Used by tests and local tooling.
type Outbox struct {
	mu       sync.Mutex
	messages []Message
	// FailNext makes the next n sends fail.
	FailNext int
}

// Send records msg, or fails while FailNext is positive.
func (o *Outbox) Send(_ context.Context, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailNext > 0 {
		o.FailNext--
		return errors.New("outbox: simulated transport failure")
	}
	o.messages = append(o.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// Last returns the most recent message to addr.
func (o *Outbox) Last(addr, kind string) (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.messages) - 1; i >= 0; i-- {
		m := o.messages[i]
		if m.To == addr && (kind == "" || m.Kind == kind) {
			return m, true
		}
	}
	return Message{}, false
}
