package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"topicstream/config"
)

// MLClient talks to the embedding and topic-grouping service. Embedding and
// similarity calls use the short timeout; daily topic generation gets its
// own long timeout since it clusters hundreds of articles in one call.
type MLClient struct {
	cfg     *config.Config
	metrics *PrometheusMetrics
	client  *http.Client
	daily   *http.Client
}

// NewMLClient creates the client from config
func NewMLClient(cfg *config.Config, metrics *PrometheusMetrics) *MLClient {
	return &MLClient{
		cfg:     cfg,
		metrics: metrics,
		client:  &http.Client{Timeout: cfg.ML.Timeout},
		daily:   &http.Client{Timeout: cfg.ML.DailyTopicsTimeout},
	}
}

// SimilarityMatch is one hit from a similarity search
type SimilarityMatch struct {
	URL        string  `json:"article"`
	Similarity float64 `json:"similarity_score"`
}

// TopicCluster is one group returned by the daily topic endpoint
type TopicCluster struct {
	ArticleURLs []string
	Headline    string
}

// GenerateEmbedding computes the embedding for one article's text
func (c *MLClient) GenerateEmbedding(ctx context.Context, articleURL, text string) ([]float64, string, error) {
	var result struct {
		Embedding []float64 `json:"embedding"`
		ModelName string    `json:"model_name"`
		Success   bool      `json:"success"`
	}
	err := c.post(ctx, c.client, "/embeddings/generate", map[string]interface{}{
		"text":       text,
		"article_id": articleURL,
	}, &result)
	if err != nil {
		return nil, "", err
	}
	if !result.Success || len(result.Embedding) == 0 {
		return nil, "", UpstreamError(nil, "ml service returned no embedding for %s", articleURL)
	}
	return result.Embedding, result.ModelName, nil
}

// SimilaritySearch finds stored articles similar to the given one. The
// service excludes the article itself from the hits.
func (c *MLClient) SimilaritySearch(ctx context.Context, articleURL string, limit int, threshold float64) ([]SimilarityMatch, error) {
	var result struct {
		SimilarArticles []SimilarityMatch `json:"similar_articles"`
		Success         bool              `json:"success"`
	}
	err := c.post(ctx, c.client, "/similarity/search", map[string]interface{}{
		"article":              articleURL,
		"limit":                limit,
		"similarity_threshold": threshold,
		"exclude_self":         true,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.SimilarArticles, nil
}

// GenerateDailyTopics asks the service to cluster the recent summarized
// articles into topic groups over the given trailing window
func (c *MLClient) GenerateDailyTopics(ctx context.Context, daysBack int, threshold float64, minGroupSize, maxArticles int) ([]TopicCluster, error) {
	var result struct {
		Success     bool `json:"success"`
		TopicGroups []struct {
			Articles []struct {
				URL string `json:"url"`
			} `json:"articles"`
			Headline string `json:"headline"`
		} `json:"topic_groups"`
		ArticlesProcessed int `json:"articles_processed"`
		ArticlesGrouped   int `json:"articles_grouped"`
	}
	err := c.post(ctx, c.daily, "/topics/generate-daily-topics", map[string]interface{}{
		"days_back":            daysBack,
		"similarity_threshold": threshold,
		"min_group_size":       minGroupSize,
		"max_articles":         maxArticles,
	}, &result)
	if err != nil {
		return nil, err
	}

	clusters := make([]TopicCluster, 0, len(result.TopicGroups))
	for _, group := range result.TopicGroups {
		cluster := TopicCluster{Headline: group.Headline}
		for _, a := range group.Articles {
			cluster.ArticleURLs = append(cluster.ArticleURLs, a.URL)
		}
		clusters = append(clusters, cluster)
	}
	return clusters, nil
}

func (c *MLClient) post(ctx context.Context, client *http.Client, endpoint string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return InternalError(fmt.Errorf("failed to marshal ml request: %w", err))
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.ML.BaseURL, "/")+endpoint, bytes.NewReader(body))
	if err != nil {
		return InternalError(fmt.Errorf("failed to create ml request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.App.UserAgent)

	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.metrics.RecordMLRequest(endpoint, "error", duration)
		return UpstreamError(err, "ml service request to %s failed", endpoint)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.metrics.RecordMLRequest(endpoint, "rate_limited", duration)
		return RateLimitedError(parseRetryAfter(resp), "ml service rate limited on %s", endpoint)
	case resp.StatusCode >= 400:
		c.metrics.RecordMLRequest(endpoint, "error", duration)
		return UpstreamError(nil, "ml service returned status %d on %s", resp.StatusCode, endpoint)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordMLRequest(endpoint, "error", duration)
		return UpstreamError(err, "failed to read ml response from %s", endpoint)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.metrics.RecordMLRequest(endpoint, "error", duration)
		return UpstreamError(err, "failed to parse ml response from %s", endpoint)
	}

	c.metrics.RecordMLRequest(endpoint, "success", duration)
	return nil
}
