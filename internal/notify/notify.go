// Package notify delivers operator-facing notifications. Delivery is
// best-effort: a failed send is logged and never fails a strategy tick.
package notify

import "context"

// Severity levels map to message icons on the wire.
type Severity string

const (
	Info     Severity = "info"
	Success  Severity = "success"
	Warning  Severity = "warning"
	Critical Severity = "critical"
)

// Message is one operator notification.
type Message struct {
	Severity Severity
	Title    string
	Body     string
	Fields   map[string]string
}

// Notifier sends operator notifications.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// Noop discards all notifications. Used when no channel is configured and
// as the default in tests.
type Noop struct{}

func (Noop) Notify(ctx context.Context, msg Message) {}
