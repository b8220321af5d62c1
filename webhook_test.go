package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"topicstream/config"
)

func webhookTestConfig(urls []string) *config.Config {
	cfg := config.Load()
	cfg.Webhook.URLs = urls
	cfg.Webhook.MaxRetries = 1
	cfg.Webhook.Timeout = 2 * time.Second
	return cfg
}

func TestWebhookSendRetriesOnFailure(t *testing.T) {
	var calls int32
	var received WebhookEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(webhookTestConfig([]string{server.URL}), testMetrics())
	event := WebhookEvent{
		Event:     "daily_topics_rebuilt",
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"topics": 3},
	}

	if err := n.send(context.Background(), server.URL, event); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("delivery attempts = %d, want 2", got)
	}
	if received.Event != "daily_topics_rebuilt" {
		t.Errorf("delivered event = %q", received.Event)
	}
}

func TestWebhookSendGivesUpAfterRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewWebhookNotifier(webhookTestConfig([]string{server.URL}), testMetrics())
	err := n.send(context.Background(), server.URL, WebhookEvent{Event: "scan_diagnosis"})
	if err == nil {
		t.Fatal("expected delivery failure")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("delivery attempts = %d, want 2 (initial + one retry)", got)
	}
}

func TestWebhookNoURLsIsNoop(t *testing.T) {
	n := NewWebhookNotifier(webhookTestConfig(nil), testMetrics())
	// must not panic or block
	n.NotifyRebuild(1, 10)
	n.NotifyDiagnosis("https://feed.example", DiagnosisBotDetection, 6, 10)
}
