package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"topicstream/config"
)

// WebhookEvent is the payload posted to every configured notification URL
type WebhookEvent struct {
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// WebhookNotifier posts operational events to the configured endpoints.
// Delivery is best effort with a small retry budget; failures never block
// the job that emitted the event.
type WebhookNotifier struct {
	cfg     *config.Config
	metrics *PrometheusMetrics
	client  *http.Client
}

// NewWebhookNotifier creates the notifier; with no configured URLs every
// Notify call is a no-op
func NewWebhookNotifier(cfg *config.Config, metrics *PrometheusMetrics) *WebhookNotifier {
	return &WebhookNotifier{
		cfg:     cfg,
		metrics: metrics,
		client:  &http.Client{Timeout: cfg.Webhook.Timeout},
	}
}

// NotifyRebuild announces a completed daily topic rebuild
func (n *WebhookNotifier) NotifyRebuild(topicCount, articleCount int) {
	n.notify(WebhookEvent{
		Event:     "daily_topics_rebuilt",
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"topics":   topicCount,
			"articles": articleCount,
		},
	})
}

// NotifyDiagnosis announces a scan whose failure pattern matched a known
// signature
func (n *WebhookNotifier) NotifyDiagnosis(sourceURL, diagnosis string, failed, total int) {
	n.notify(WebhookEvent{
		Event:     "scan_diagnosis",
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"source_url": sourceURL,
			"diagnosis":  diagnosis,
			"failed":     failed,
			"total":      total,
		},
	})
}

func (n *WebhookNotifier) notify(event WebhookEvent) {
	if len(n.cfg.Webhook.URLs) == 0 {
		return
	}
	for _, url := range n.cfg.Webhook.URLs {
		go func(target string) {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Webhook.Timeout*time.Duration(n.cfg.Webhook.MaxRetries+2))
			defer cancel()
			if err := n.send(ctx, target, event); err != nil {
				log.Printf("Webhook delivery of %s to %s failed: %v", event.Event, target, err)
			}
		}(url)
	}
}

// send posts one event with exponential backoff between attempts
func (n *WebhookNotifier) send(ctx context.Context, url string, event WebhookEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.cfg.Webhook.MaxRetries+1; attempt++ {
		attemptStart := time.Now()
		err := n.post(ctx, url, body)
		duration := time.Since(attemptStart)

		if err == nil {
			n.metrics.RecordWebhook("success", duration)
			return nil
		}
		lastErr = err
		n.metrics.RecordWebhook("error", duration)
		n.metrics.RecordWebhookError("delivery_failed")

		if attempt > n.cfg.Webhook.MaxRetries {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
		select {
		case <-ctx.Done():
			n.metrics.RecordWebhookError("context_cancelled")
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	n.metrics.RecordWebhookError("max_retries_exceeded")
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", n.cfg.Webhook.MaxRetries+1, lastErr)
}

func (n *WebhookNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.cfg.App.UserAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
