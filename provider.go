package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"topicstream/config"
)

// ChatMessage is one turn of a generation conversation
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is the provider-independent request form
type GenerationRequest struct {
	Messages []ChatMessage
}

// GenerationResponse is the normalized provider response
type GenerationResponse struct {
	Text     string
	Model    string
	Provider string
	Duration time.Duration
}

type providerState string

const (
	providerAvailable providerState = "available"
	providerCooling   providerState = "cooling"
)

// sequence-level retry delays applied when both endpoints fail outright
var sequenceRetryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// providerEndpoint is one upstream generation service with its own
// availability state, pacing clock and quota accounting
type providerEndpoint struct {
	name    string
	baseURL string
	model   string

	mu          sync.Mutex
	state       providerState
	coolUntil   time.Time
	lastRequest time.Time
	usage       int
	quotaLimit  int
	quotaReset  time.Time
}

// usable reports whether the endpoint can accept a request now, flipping
// cooling back to available once the cooldown has elapsed. An endpoint
// whose usage has reached softPct percent of its known quota enters
// cooling early instead of running into the hard 429.
func (p *providerEndpoint) usable(now time.Time, softPct int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == providerCooling {
		if now.Before(p.coolUntil) {
			return false
		}
		p.state = providerAvailable
		p.usage = 0
	}
	if p.quotaLimit > 0 && softPct > 0 && p.usage*100 >= p.quotaLimit*softPct {
		p.state = providerCooling
		p.coolUntil = p.quotaReset
		if p.coolUntil.IsZero() || !p.coolUntil.After(now) {
			p.coolUntil = now.Add(time.Minute)
		}
		p.quotaReset = time.Time{}
		log.Printf("Provider %s used %d of quota %d, cooling until %v",
			p.name, p.usage, p.quotaLimit, p.coolUntil)
		return false
	}
	return true
}

// recordUsage counts one request against the quota window and picks up the
// quota limit and reset time advertised by the response, when present
func (p *providerEndpoint) recordUsage(resp *http.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage++
	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit")); err == nil && v > 0 {
		p.quotaLimit = v
	}
	if v, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil && v > 0 {
		p.quotaReset = time.Unix(v, 0)
	}
}

// cool puts the endpoint into the cooling state until now+d
func (p *providerEndpoint) cool(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = providerCooling
	p.coolUntil = time.Now().Add(d)
}

// coolRemaining returns how long until the endpoint leaves cooling
func (p *providerEndpoint) coolRemaining(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != providerCooling {
		return 0
	}
	return p.coolUntil.Sub(now)
}

// pace blocks until the minimum inter-request interval has passed
func (p *providerEndpoint) pace(ctx context.Context, minInterval time.Duration) error {
	p.mu.Lock()
	wait := minInterval - time.Since(p.lastRequest)
	p.lastRequest = time.Now().Add(wait)
	p.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// ProviderGateway serializes all text generation through the configured
// endpoints: the primary first, the fallback when the primary is cooling
// or failing. When every endpoint is cooling the caller gets a rate-limited
// error carrying the shortest remaining cooldown.
type ProviderGateway struct {
	cfg       *config.Config
	metrics   *PrometheusMetrics
	client    *http.Client
	endpoints []*providerEndpoint
}

// NewProviderGateway creates the gateway from config; the fallback endpoint
// is only attached when enabled and configured
func NewProviderGateway(cfg *config.Config, metrics *PrometheusMetrics) *ProviderGateway {
	endpoints := []*providerEndpoint{
		{
			name:    "primary",
			baseURL: cfg.Provider.PrimaryURL,
			model:   cfg.Provider.PrimaryModel,
			state:   providerAvailable,
		},
	}
	if cfg.Provider.FallbackEnabled && cfg.Provider.FallbackURL != "" {
		endpoints = append(endpoints, &providerEndpoint{
			name:    "fallback",
			baseURL: cfg.Provider.FallbackURL,
			model:   cfg.Provider.FallbackModel,
			state:   providerAvailable,
		})
	}
	return &ProviderGateway{
		cfg:       cfg,
		metrics:   metrics,
		client:    &http.Client{Timeout: cfg.Provider.GenerationTimeout},
		endpoints: endpoints,
	}
}

// Generate runs one generation request through the endpoint chain. The
// whole chain is retried up to three times with increasing delays before
// the failure is surfaced; rate limiting short-circuits the retries so the
// task runtime reschedules with the provider-supplied delay instead.
func (g *ProviderGateway) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	messages := canonicalMessages(req.Messages)
	if len(messages) == 0 {
		return nil, ValidationError("generation request has no messages")
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := g.tryEndpoints(ctx, messages)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		te := AsTaskError(err)
		if te.Kind == FailureRateLimited || te.Terminal() {
			return nil, err
		}
		if attempt >= len(sequenceRetryDelays) {
			break
		}

		delay := sequenceRetryDelays[attempt]
		log.Printf("Generation attempt %d failed, retrying in %v: %v", attempt+1, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, UpstreamError(lastErr, "all generation attempts exhausted")
}

// tryEndpoints walks the chain once, preferring the primary
func (g *ProviderGateway) tryEndpoints(ctx context.Context, messages []ChatMessage) (*GenerationResponse, error) {
	now := time.Now()
	var lastErr error
	attempted := false

	for _, ep := range g.endpoints {
		if !ep.usable(now, g.cfg.Provider.QuotaSoftPct) {
			continue
		}
		attempted = true

		resp, err := g.call(ctx, ep, messages)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		te := AsTaskError(err)
		switch te.Kind {
		case FailureRateLimited:
			// endpoint-level cooldown; the next endpoint may still be open
			cooldown := te.RetryAfter
			if cooldown <= 0 {
				cooldown = time.Minute
			}
			ep.cool(cooldown)
			g.metrics.RecordProviderCooldown(ep.name)
			log.Printf("Provider %s rate limited, cooling for %v", ep.name, cooldown)
		case FailureValidation, FailureNotFound:
			return nil, err
		}
	}

	if !attempted {
		// every endpoint cooling; surface the shortest remaining cooldown
		retryAfter := time.Duration(0)
		for _, ep := range g.endpoints {
			if remaining := ep.coolRemaining(now); retryAfter == 0 || (remaining > 0 && remaining < retryAfter) {
				retryAfter = remaining
			}
		}
		if retryAfter <= 0 {
			retryAfter = time.Minute
		}
		return nil, RateLimitedError(retryAfter, "all generation providers cooling")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no generation provider produced a response")
	}
	return nil, lastErr
}

type chatAPIRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatAPIResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

func (g *ProviderGateway) call(ctx context.Context, ep *providerEndpoint, messages []ChatMessage) (*GenerationResponse, error) {
	if err := ep.pace(ctx, g.cfg.Provider.MinInterval); err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatAPIRequest{
		Model:    ep.model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return nil, InternalError(fmt.Errorf("failed to marshal chat request: %w", err))
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(ep.baseURL, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, InternalError(fmt.Errorf("failed to create chat request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", g.cfg.App.UserAgent)

	resp, err := g.client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		g.metrics.RecordProviderRequest(ep.name, ep.model, "error", duration)
		g.metrics.RecordProviderError(ep.name, "request_failed")
		return nil, UpstreamError(err, "provider %s request failed", ep.name)
	}
	defer resp.Body.Close()
	ep.recordUsage(resp)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		g.metrics.RecordProviderRequest(ep.name, ep.model, "rate_limited", duration)
		g.metrics.RecordProviderError(ep.name, "rate_limited")
		return nil, RateLimitedError(parseRetryAfter(resp), "provider %s rate limited", ep.name)
	case resp.StatusCode >= 400:
		g.metrics.RecordProviderRequest(ep.name, ep.model, "error", duration)
		g.metrics.RecordProviderError(ep.name, fmt.Sprintf("http_%d", resp.StatusCode))
		return nil, UpstreamError(nil, "provider %s returned status %d", ep.name, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		g.metrics.RecordProviderRequest(ep.name, ep.model, "error", duration)
		g.metrics.RecordProviderError(ep.name, "read_failed")
		return nil, UpstreamError(err, "failed to read provider %s response", ep.name)
	}

	var apiResp chatAPIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		g.metrics.RecordProviderRequest(ep.name, ep.model, "error", duration)
		g.metrics.RecordProviderError(ep.name, "parse_failed")
		return nil, UpstreamError(err, "failed to parse provider %s response", ep.name)
	}
	if apiResp.Error != "" {
		g.metrics.RecordProviderRequest(ep.name, ep.model, "error", duration)
		g.metrics.RecordProviderError(ep.name, "api_error")
		return nil, UpstreamError(nil, "provider %s error: %s", ep.name, apiResp.Error)
	}

	text := strings.TrimSpace(apiResp.Message.Content)
	if text == "" {
		g.metrics.RecordProviderRequest(ep.name, ep.model, "empty", duration)
		g.metrics.RecordProviderError(ep.name, "empty_response")
		return nil, UpstreamError(nil, "provider %s returned empty response", ep.name)
	}

	model := apiResp.Model
	if model == "" {
		model = ep.model
	}
	g.metrics.RecordProviderRequest(ep.name, ep.model, "success", duration)
	return &GenerationResponse{
		Text:     text,
		Model:    model,
		Provider: ep.name,
		Duration: duration,
	}, nil
}

// parseRetryAfter reads the Retry-After header in seconds; missing or
// malformed values fall back to one minute
func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return time.Minute
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Minute
}

// canonicalMessages folds all system turns into a single leading system
// message and drops empty turns, so every provider sees the same shape
func canonicalMessages(messages []ChatMessage) []ChatMessage {
	var systemParts []string
	var rest []ChatMessage
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if msg.Role == "system" {
			systemParts = append(systemParts, content)
			continue
		}
		rest = append(rest, ChatMessage{Role: msg.Role, Content: content})
	}

	if len(systemParts) == 0 {
		return rest
	}
	out := make([]ChatMessage, 0, len(rest)+1)
	out = append(out, ChatMessage{Role: "system", Content: strings.Join(systemParts, "\n\n")})
	return append(out, rest...)
}
