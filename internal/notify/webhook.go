// Package notify delivers completion events to the configured sink.
// Delivery is fire-and-forget; the pipeline never blocks or fails on a
// notification outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cardlens/cardlens/internal/model"
)

// Notifier accepts completion events. Implementations must be safe for
// concurrent use.
type Notifier interface {
	NotifyCompletion(ctx context.Context, event model.CompletionEvent)
}

// Webhook posts completion events as JSON to a single URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier. An empty URL produces a no-op
// notifier.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// NotifyCompletion posts the event. Failures are logged and dropped.
func (w *Webhook) NotifyCompletion(ctx context.Context, event model.CompletionEvent) {
	if w.url == "" {
		return
	}

	if err := w.send(ctx, event); err != nil {
		zap.L().Warn("notify: completion webhook failed",
			zap.String("card_id", event.CardID),
			zap.String("run_id", event.RunID),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("notify: completion event sent",
		zap.String("card_id", event.CardID),
		zap.String("run_id", event.RunID),
	)
}

func (w *Webhook) send(ctx context.Context, event model.CompletionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
