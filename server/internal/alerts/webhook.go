package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// deliveryTimeout bounds all attempts for one alert on one target.
const deliveryTimeout = 30 * time.Second

// deliver sends webhook notifications for a to all configured targets.
// Errors are logged but do not affect the caller.
func (e *Engine) deliver(a *Alert) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var body []byte
		switch wh.Type {
		case "slack":
			body = slackBody(a)
		case "teams":
			body = teamsBody(a)
		case "http":
			body, _ = json.Marshal(map[string]interface{}{"alert": a})
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		err := e.post(ctx, url, body)
		cancel()
		if err != nil {
			slog.Error("alerts: webhook delivery failed", "type", wh.Type, "key", a.Key, "err", err)
			continue
		}
		slog.Debug("alerts: webhook delivered", "type", wh.Type, "key", a.Key, "state", a.State)
	}
}

func slackBody(a *Alert) []byte {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s (%s)", severityLabel(a.Severity), a.Message, a.State),
	})
	return body
}

func teamsBody(a *Alert) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(a.Severity, a.State),
		"summary":    a.Key,
		"title":      fmt.Sprintf("SensorWatch %s: %s", a.State, a.Key),
		"text":       a.Message,
	})
	return body
}

// post delivers body, retrying 5xx and transport errors with backoff. Other
// 4xx answers are permanent.
func (e *Engine) post(ctx context.Context, url string, body []byte) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return fmt.Errorf("http post: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body) //nolint:errcheck

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("webhook returned HTTP %d", resp.StatusCode))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(e.newBackoff(), e.retries), ctx))
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(sev, state string) string {
	if state == StateResolved {
		return "2EB67D"
	}
	switch sev {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
