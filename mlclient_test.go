package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"topicstream/config"
)

func mlTestConfig(baseURL string) *config.Config {
	cfg := config.Load()
	cfg.ML.BaseURL = baseURL
	cfg.ML.Timeout = 5 * time.Second
	cfg.ML.DailyTopicsTimeout = 5 * time.Second
	return cfg
}

func TestGenerateEmbedding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings/generate" {
			t.Errorf("path = %s, want /embeddings/generate", r.URL.Path)
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["text"] == "" {
			t.Error("request missing text")
		}
		if req["article_id"] != "https://n.example/a" {
			t.Errorf("article_id = %q, want article URL", req["article_id"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding":  []float64{0.1, 0.2, 0.3},
			"model_name": "embed-v1",
			"success":    true,
		})
	}))
	defer server.Close()

	c := NewMLClient(mlTestConfig(server.URL), testMetrics())
	vec, model, err := c.GenerateEmbedding(context.Background(), "https://n.example/a", "some article text")
	if err != nil {
		t.Fatalf("GenerateEmbedding failed: %v", err)
	}
	if len(vec) != 3 || model != "embed-v1" {
		t.Errorf("got %d dims / model %s, want 3 / embed-v1", len(vec), model)
	}
}

func TestGenerateEmbeddingEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float64{}, "success": true})
	}))
	defer server.Close()

	c := NewMLClient(mlTestConfig(server.URL), testMetrics())
	if _, _, err := c.GenerateEmbedding(context.Background(), "https://n.example/a", "text"); err == nil {
		t.Fatal("empty embedding should be an error")
	}
}

func TestGenerateEmbeddingUnsuccessful(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding":  []float64{0.1},
			"model_name": "embed-v1",
			"success":    false,
		})
	}))
	defer server.Close()

	c := NewMLClient(mlTestConfig(server.URL), testMetrics())
	_, _, err := c.GenerateEmbedding(context.Background(), "https://n.example/a", "text")
	if err == nil {
		t.Fatal("unsuccessful response should be an error")
	}
	if te := AsTaskError(err); te.Kind != FailureUpstream {
		t.Errorf("error kind = %s, want %s", te.Kind, FailureUpstream)
	}
}

func TestMLRateLimitedBecomesRateLimitedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewMLClient(mlTestConfig(server.URL), testMetrics())
	_, _, err := c.GenerateEmbedding(context.Background(), "https://n.example/a", "text")
	te := AsTaskError(err)
	if te.Kind != FailureRateLimited {
		t.Fatalf("error kind = %s, want %s", te.Kind, FailureRateLimited)
	}
	if te.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", te.RetryAfter)
	}
}

func TestSimilaritySearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/similarity/search" {
			t.Errorf("path = %s, want /similarity/search", r.URL.Path)
		}
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		if req["article"] != "https://n.example/self" {
			t.Errorf("article = %v, want the article URL", req["article"])
		}
		if req["similarity_threshold"] != 0.8 {
			t.Errorf("similarity_threshold = %v, want 0.8", req["similarity_threshold"])
		}
		if req["exclude_self"] != true {
			t.Error("request should set exclude_self")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"similar_articles": []map[string]interface{}{
				{"article": "https://n.example/x", "similarity_score": 0.91},
			},
			"success": true,
		})
	}))
	defer server.Close()

	c := NewMLClient(mlTestConfig(server.URL), testMetrics())
	matches, err := c.SimilaritySearch(context.Background(), "https://n.example/self", 20, 0.8)
	if err != nil {
		t.Fatalf("SimilaritySearch failed: %v", err)
	}
	if len(matches) != 1 || matches[0].URL != "https://n.example/x" || matches[0].Similarity != 0.91 {
		t.Errorf("matches = %+v", matches)
	}
}

func TestGenerateDailyTopics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/topics/generate-daily-topics" {
			t.Errorf("path = %s, want /topics/generate-daily-topics", r.URL.Path)
		}
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		if req["days_back"] != float64(7) {
			t.Errorf("days_back = %v, want 7", req["days_back"])
		}
		if req["min_group_size"] != float64(5) {
			t.Errorf("min_group_size = %v, want 5", req["min_group_size"])
		}
		if req["max_articles"] != float64(500) {
			t.Errorf("max_articles = %v, want 500", req["max_articles"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"topic_groups": []map[string]interface{}{
				{"articles": []map[string]string{
					{"url": "https://n.example/a"},
					{"url": "https://n.example/b"},
				}},
			},
			"articles_processed": 2,
			"articles_grouped":   2,
		})
	}))
	defer server.Close()

	c := NewMLClient(mlTestConfig(server.URL), testMetrics())
	clusters, err := c.GenerateDailyTopics(context.Background(), 7, 0.8, 5, 500)
	if err != nil {
		t.Fatalf("GenerateDailyTopics failed: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("clusters = %d, want 1", len(clusters))
	}
	want := []string{"https://n.example/a", "https://n.example/b"}
	if !reflect.DeepEqual(clusters[0].ArticleURLs, want) {
		t.Errorf("cluster members = %v, want %v", clusters[0].ArticleURLs, want)
	}
}
