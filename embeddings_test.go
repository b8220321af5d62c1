package main

import (
	"context"
	"math"
	"reflect"
	"testing"

	"topicstream/config"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 0, 0}, []float64{1, 0, 0}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"scaled parallel", []float64{1, 2}, []float64{2, 4}, 1},
		{"length mismatch", []float64{1, 2}, []float64{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosineSimilarity = %f, want %f", got, tt.want)
			}
		})
	}
}

func embeddedArticle(url string, vec []float64) *Article {
	return &Article{URL: url, ContentEmbedding: vec}
}

func TestGroupBySimilarity(t *testing.T) {
	// two tight clusters and one outlier; input already URL-sorted the way
	// the store delivers it
	articles := []*Article{
		embeddedArticle("https://a.example/1", []float64{1, 0, 0}),
		embeddedArticle("https://a.example/2", []float64{0.99, 0.05, 0}),
		embeddedArticle("https://b.example/1", []float64{0, 1, 0}),
		embeddedArticle("https://b.example/2", []float64{0.05, 0.99, 0}),
		embeddedArticle("https://c.example/1", []float64{0, 0, 1}),
	}

	groups := groupBySimilarity(articles, 0.9, 2)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if !reflect.DeepEqual(groups[0].ArticleURLs, []string{"https://a.example/1", "https://a.example/2"}) {
		t.Errorf("group 0 = %v", groups[0].ArticleURLs)
	}
	if !reflect.DeepEqual(groups[1].ArticleURLs, []string{"https://b.example/1", "https://b.example/2"}) {
		t.Errorf("group 1 = %v", groups[1].ArticleURLs)
	}

	// the anchor always scores 1.0 against itself
	if groups[0].Similarities[0] != 1.0 {
		t.Errorf("anchor similarity = %f, want 1.0", groups[0].Similarities[0])
	}
	if groups[0].Similarities[1] < 0.9 {
		t.Errorf("member similarity = %f, want >= threshold", groups[0].Similarities[1])
	}
}

func TestGroupBySimilarityDeterministic(t *testing.T) {
	articles := []*Article{
		embeddedArticle("u1", []float64{1, 0}),
		embeddedArticle("u2", []float64{0.95, 0.1}),
		embeddedArticle("u3", []float64{0.9, 0.2}),
	}
	first := groupBySimilarity(articles, 0.9, 2)
	for i := 0; i < 10; i++ {
		again := groupBySimilarity(articles, 0.9, 2)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %v vs %v", i, first, again)
		}
	}
}

func TestGroupBySimilarityMinSize(t *testing.T) {
	articles := []*Article{
		embeddedArticle("u1", []float64{1, 0}),
		embeddedArticle("u2", []float64{0, 1}),
	}
	if groups := groupBySimilarity(articles, 0.9, 2); len(groups) != 0 {
		t.Errorf("dissimilar singletons should produce no groups, got %d", len(groups))
	}
	if groups := groupBySimilarity(articles, 0.9, 1); len(groups) != 2 {
		t.Errorf("min size 1 keeps singletons, got %d groups", len(groups))
	}
}

func TestGroupBySimilarityEmpty(t *testing.T) {
	if groups := groupBySimilarity(nil, 0.9, 2); len(groups) != 0 {
		t.Errorf("nil input should produce no groups, got %d", len(groups))
	}
}

func TestEmbeddingBackfillEnqueuesIndividualJobs(t *testing.T) {
	store := newFakeArticleStore(
		&Article{URL: "https://n.example/1", CleanText: "text one"},
		&Article{URL: "https://n.example/2", CleanText: "text two"},
		&Article{
			URL:              "https://n.example/3",
			CleanText:        "text three",
			ContentEmbedding: []float64{1, 0},
			Summary:          "a summary",
			SummaryStatus:    SummaryCompleted,
		},
	)

	registry := NewTaskRegistry()
	noop := func(ctx context.Context, task *Task) (TaskResult, error) { return TaskResult{}, nil }
	for name, prio := range map[string]int{TaskContentEmbedding: 3, TaskSummaryEmbedding: 4} {
		if err := registry.Register(&TaskDefinition{
			Name: name, Queue: QueueNormal, Priority: prio, Handler: noop,
		}); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}
	rt := NewTaskRuntime(registry, testConfig(), testMetrics(), nil)

	cfg := config.Load()
	cfg.Topics.EmbeddingBatchSize = 50
	engine := NewEmbeddingEngine(store, rt, nil, cfg, testMetrics())

	task := &Task{Payload: &EmbeddingBackfillArgs{}}
	result, err := engine.HandleEmbeddingBackfill(context.Background(), task)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if result["content_enqueued"] != 2 || result["summary_enqueued"] != 1 {
		t.Errorf("result = %v, want 2 content / 1 summary", result)
	}

	// one individual job per missing embedding, all at backfill priority
	if got := rt.Backlog(QueueNormal); got != 3 {
		t.Errorf("normal backlog = %d, want 3", got)
	}
	rt.mu.Lock()
	for _, queued := range rt.tasks {
		if queued.Priority != backfillPriority {
			t.Errorf("task %s priority = %d, want %d", queued.Name, queued.Priority, backfillPriority)
		}
	}
	rt.mu.Unlock()
}
