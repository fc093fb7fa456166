package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, hex encoded
// and prefixed with "sha256=".
const SignatureHeader = "X-Audit-Ledger-Signature"

// webhookPayload is the JSON body posted for each alert.
type webhookPayload struct {
	Severity Severity          `json:"severity"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Fields   map[string]string `json:"fields,omitempty"`
	RaisedAt time.Time         `json:"raised_at"`
}

// WebhookNotifier posts alerts as signed JSON to an incident endpoint.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	logger     *zap.Logger
}

// NewWebhookNotifier creates a WebhookNotifier. An empty secret sends
// unsigned requests.
func NewWebhookNotifier(url, secret string, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// Notify delivers a, retrying on transport errors and non-2xx responses.
func (w *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(webhookPayload{
		Severity: a.Severity,
		Subject:  a.Subject,
		Body:     a.Body,
		Fields:   a.Fields,
		RaisedAt: a.RaisedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("webhook notifier: marshal alert: %w", err)
	}

	var lastErr error
	for attempt, delay := range w.delays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = w.post(ctx, body); lastErr == nil {
			return nil
		}
		w.logger.Warn("webhook notifier: delivery failed",
			zap.String("url", w.url),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("webhook notifier: %d attempts failed: %w", len(w.delays), lastErr)
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "coldchain-audit-ledger/1.0")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(body, w.secret))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
