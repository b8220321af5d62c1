package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"topicstream/config"
)

func TestCanonicalMessages(t *testing.T) {
	tests := []struct {
		name string
		in   []ChatMessage
		want []ChatMessage
	}{
		{
			name: "system turns fold into one leading message",
			in: []ChatMessage{
				{Role: "system", Content: "first rule"},
				{Role: "user", Content: "question"},
				{Role: "system", Content: "second rule"},
			},
			want: []ChatMessage{
				{Role: "system", Content: "first rule\n\nsecond rule"},
				{Role: "user", Content: "question"},
			},
		},
		{
			name: "empty turns dropped",
			in: []ChatMessage{
				{Role: "user", Content: "   "},
				{Role: "user", Content: "real"},
			},
			want: []ChatMessage{{Role: "user", Content: "real"}},
		},
		{
			name: "no system turns",
			in:   []ChatMessage{{Role: "user", Content: "hello"}},
			want: []ChatMessage{{Role: "user", Content: "hello"}},
		},
		{
			name: "all empty",
			in:   []ChatMessage{{Role: "user", Content: ""}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := canonicalMessages(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("message %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	mkResp := func(header string) *http.Response {
		resp := &http.Response{Header: http.Header{}}
		if header != "" {
			resp.Header.Set("Retry-After", header)
		}
		return resp
	}

	if got := parseRetryAfter(mkResp("30")); got != 30*time.Second {
		t.Errorf("seconds header = %v, want 30s", got)
	}
	if got := parseRetryAfter(mkResp("")); got != time.Minute {
		t.Errorf("missing header = %v, want 1m", got)
	}
	if got := parseRetryAfter(mkResp("garbage")); got != time.Minute {
		t.Errorf("malformed header = %v, want 1m", got)
	}

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(mkResp(future))
	if got < 80*time.Second || got > 90*time.Second {
		t.Errorf("http-date header = %v, want ~90s", got)
	}
}

func providerTestConfig(primaryURL, fallbackURL string) *config.Config {
	cfg := config.Load()
	cfg.Provider.PrimaryURL = primaryURL
	cfg.Provider.PrimaryModel = "primary-model"
	cfg.Provider.FallbackURL = fallbackURL
	cfg.Provider.FallbackModel = "fallback-model"
	cfg.Provider.FallbackEnabled = fallbackURL != ""
	cfg.Provider.MinInterval = 0
	cfg.Provider.GenerationTimeout = 5 * time.Second
	return cfg
}

func chatOK(model, content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   model,
			"message": map[string]string{"content": content},
		})
	}
}

func TestGenerateFallsBackWhenPrimaryRateLimited(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(chatOK("fallback-model", "generated text"))
	defer fallback.Close()

	gw := NewProviderGateway(providerTestConfig(primary.URL, fallback.URL), testMetrics())

	resp, err := gw.Generate(context.Background(), GenerationRequest{
		Messages: []ChatMessage{{Role: "user", Content: "summarize"}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Provider != "fallback" {
		t.Errorf("provider = %s, want fallback", resp.Provider)
	}
	if resp.Text != "generated text" {
		t.Errorf("text = %q, want %q", resp.Text, "generated text")
	}

	// the primary must now be cooling for the advertised 60s
	remaining := gw.endpoints[0].coolRemaining(time.Now())
	if remaining <= 0 || remaining > time.Minute {
		t.Errorf("primary cooldown remaining = %v, want (0, 1m]", remaining)
	}
}

func TestGenerateAllEndpointsCooling(t *testing.T) {
	rateLimited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "45")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer rateLimited.Close()

	gw := NewProviderGateway(providerTestConfig(rateLimited.URL, rateLimited.URL), testMetrics())
	req := GenerationRequest{Messages: []ChatMessage{{Role: "user", Content: "go"}}}

	// first pass trips both endpoints into cooling
	_, err := gw.Generate(context.Background(), req)
	if err == nil {
		t.Fatal("expected rate-limited error")
	}
	if te := AsTaskError(err); te.Kind != FailureRateLimited {
		t.Fatalf("first error kind = %s, want %s", te.Kind, FailureRateLimited)
	}

	// second pass must short-circuit without any HTTP call
	_, err = gw.Generate(context.Background(), req)
	te := AsTaskError(err)
	if te.Kind != FailureRateLimited {
		t.Fatalf("second error kind = %s, want %s", te.Kind, FailureRateLimited)
	}
	if te.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", te.RetryAfter)
	}
}

func TestGenerateCoolsAtQuotaSoftLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "10")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   "primary-model",
			"message": map[string]string{"content": "generated"},
		})
	}))
	defer server.Close()

	cfg := providerTestConfig(server.URL, "")
	cfg.Provider.QuotaSoftPct = 90
	gw := NewProviderGateway(cfg, testMetrics())
	req := GenerationRequest{Messages: []ChatMessage{{Role: "user", Content: "go"}}}

	// nine requests stay under 90% of the advertised quota of ten
	for i := 0; i < 9; i++ {
		if _, err := gw.Generate(context.Background(), req); err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
	}

	// the tenth trips the soft limit before the provider ever returns 429
	_, err := gw.Generate(context.Background(), req)
	if err == nil {
		t.Fatal("expected rate-limited error at quota soft limit")
	}
	if te := AsTaskError(err); te.Kind != FailureRateLimited {
		t.Fatalf("error kind = %s, want %s", te.Kind, FailureRateLimited)
	}
	if remaining := gw.endpoints[0].coolRemaining(time.Now()); remaining <= 0 {
		t.Errorf("cooldown remaining = %v, want > 0", remaining)
	}
}

func TestGenerateEmptyRequest(t *testing.T) {
	gw := NewProviderGateway(providerTestConfig("http://unused.invalid", ""), testMetrics())
	_, err := gw.Generate(context.Background(), GenerationRequest{})
	if te := AsTaskError(err); te.Kind != FailureValidation {
		t.Errorf("error kind = %s, want %s", te.Kind, FailureValidation)
	}
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "model not loaded"})
	}))
	defer server.Close()

	cfg := providerTestConfig(server.URL, "")
	gw := NewProviderGateway(cfg, testMetrics())
	// keep the sequence retries from stretching the test
	_, err := gw.tryEndpoints(context.Background(), []ChatMessage{{Role: "user", Content: "go"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if te := AsTaskError(err); te.Kind != FailureUpstream {
		t.Errorf("error kind = %s, want %s", te.Kind, FailureUpstream)
	}
}
