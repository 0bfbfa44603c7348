package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// webhookPayload is the body posted for an alert. Order is set when the
// alert concerns an order occurrence; Text is a one-line summary for chat
// webhooks that only render a "text" field.
type webhookPayload struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Text    string            `json:"text"`
	Order   *orderRef         `json:"order,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	TS      string            `json:"ts"`
}

type orderRef struct {
	Side           string `json:"side"`
	JobID          string `json:"job_id"`
	Username       string `json:"username"`
	Symbol         string `json:"symbol"`
	ErrorKind      string `json:"error_kind,omitempty"`
	ExecutionToken string `json:"execution_token,omitempty"`
}

// NewWebhookNotifier creates a webhook notifier posting to url.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "webhook"),
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(newWebhookPayload(alert, time.Now()))
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}

	w.logger.Debug("sent alert", "title", alert.Title, "job_id", alert.Fields[FieldJobID])
	return nil
}

// newWebhookPayload lifts the order fields of alert into Order and keeps the
// rest under Fields.
func newWebhookPayload(alert Alert, now time.Time) webhookPayload {
	p := webhookPayload{
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		TS:      now.UTC().Format(time.RFC3339Nano),
	}

	rest := make(map[string]string, len(alert.Fields))
	for k, v := range alert.Fields {
		rest[k] = v
	}
	if jobID, ok := rest[FieldJobID]; ok {
		p.Order = &orderRef{
			Side:           rest[FieldSide],
			JobID:          jobID,
			Username:       rest[FieldUsername],
			Symbol:         rest[FieldSymbol],
			ErrorKind:      rest[FieldError],
			ExecutionToken: rest[FieldExecutionToken],
		}
		for _, k := range []string{FieldSide, FieldJobID, FieldUsername, FieldSymbol, FieldError, FieldExecutionToken} {
			delete(rest, k)
		}
	}
	if len(rest) > 0 {
		p.Fields = rest
	}
	p.Text = summary(alert.Level, alert.Title, alert.Message, p.Order)
	return p
}

// summary renders e.g. "[CRITICAL] order execution fault: buy job 7 abc/APPL (StoreError): ledger down".
func summary(level AlertLevel, title, message string, o *orderRef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, title)
	if o != nil {
		fmt.Fprintf(&b, ": %s job %s %s/%s", o.Side, o.JobID, o.Username, o.Symbol)
		if o.ErrorKind != "" {
			fmt.Fprintf(&b, " (%s)", o.ErrorKind)
		}
	}
	if message != "" {
		b.WriteString(": ")
		b.WriteString(message)
	}
	return b.String()
}
