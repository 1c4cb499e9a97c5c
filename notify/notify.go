// Package notify defines the outbound security notification contract. Sends
// are advisory: the engine treats every notifier call as best effort and
// never fails an operation because an email did not go out.
package notify

import (
	"context"
	"time"
)

// Event kinds emitted by the engine.
const (
	KindPasswordReset     = "password_reset"
	KindPasswordChanged   = "password_changed"
	KindEmailVerification = "email_verification"
	KindAnomalousLogin    = "anomalous_login"
	KindAccountBlocked    = "account_blocked"
)

// Event is one security notification for a principal.
type Event struct {
	Kind    string
	Email   string
	Address string
	Token   string
	At      time.Time
}

// Notifier delivers security events to a principal out of band.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NoOp discards every event. It is the default when no notifier is wired.
type NoOp struct{}

// Notify implements [Notifier].
func (NoOp) Notify(ctx context.Context, ev Event) error { return nil }
