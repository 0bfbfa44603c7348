// Package notification delivers operator alerts (log, webhook) for system
// faults such as an unreachable ledger or price oracle.
package notification

import (
	"context"
	"log/slog"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert field keys describing the order occurrence an alert is about.
const (
	FieldSide           = "side"
	FieldJobID          = "job_id"
	FieldUsername       = "username"
	FieldSymbol         = "symbol"
	FieldError          = "error"
	FieldExecutionToken = "execution_token"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	attrs := []any{"level", string(alert.Level), "title", alert.Title}
	for k, v := range alert.Fields {
		attrs = append(attrs, k, v)
	}
	n.logger.Warn(alert.Message, attrs...)
	return nil
}

// Async delivers alerts in the background so callers on the dispatch path
// never wait on a slow backend. Delivery errors are logged.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *slog.Logger
}

// NewAsync wraps next; each delivery gets its own timeout.
func NewAsync(next Notifier, timeout time.Duration, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{next: next, timeout: timeout, logger: logger.With("component", "notify")}
}

// Send starts delivery and returns immediately.
func (a *Async) Send(_ context.Context, alert Alert) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Send(ctx, alert); err != nil {
			a.logger.Error("alert delivery failed", "title", alert.Title, "error", err)
		}
	}()
	return nil
}
