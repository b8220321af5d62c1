package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"topicstream/config"
)

const rollingArticleLimit = 1000

// EmbeddingEngine runs the embedding jobs: per-article content and summary
// embeddings plus the batch backfill sweep. Embeddings are only computed
// when absent; re-running a job against an embedded article is a no-op.
type EmbeddingEngine struct {
	articles ArticleStore
	runtime  *TaskRuntime
	ml       *MLClient
	cfg      *config.Config
	metrics  *PrometheusMetrics
}

// NewEmbeddingEngine creates the embedding engine
func NewEmbeddingEngine(articles ArticleStore, runtime *TaskRuntime, ml *MLClient, cfg *config.Config, metrics *PrometheusMetrics) *EmbeddingEngine {
	return &EmbeddingEngine{
		articles: articles,
		runtime:  runtime,
		ml:       ml,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// HandleContentEmbedding computes and stores the content embedding for one
// article
func (e *EmbeddingEngine) HandleContentEmbedding(ctx context.Context, task *Task) (TaskResult, error) {
	args, ok := task.Payload.(*ContentEmbeddingArgs)
	if !ok {
		return nil, ValidationError("content-embedding payload has wrong type")
	}

	article, err := e.articles.GetArticle(ctx, args.ArticleURL)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, NotFoundError("article %s not found", args.ArticleURL)
		}
		return nil, UpstreamError(err, "failed to load article %s", args.ArticleURL)
	}
	if len(article.ContentEmbedding) > 0 {
		return TaskResult{"url": article.URL, "status": "already_embedded"}, nil
	}

	text := article.CleanText
	if text == "" {
		text = article.Content
	}
	if strings.TrimSpace(text) == "" {
		return nil, ValidationError("article %s has no content to embed", article.URL)
	}

	vec, model, err := e.ml.GenerateEmbedding(ctx, article.URL, text)
	if err != nil {
		return nil, err
	}
	if err := e.articles.SaveContentEmbedding(ctx, article.URL, vec, model, time.Now()); err != nil {
		return nil, UpstreamError(err, "failed to save content embedding for %s", article.URL)
	}
	return TaskResult{"url": article.URL, "model": model, "dimensions": len(vec)}, nil
}

// HandleSummaryEmbedding computes and stores the summary embedding for one
// article. The article must have a completed summary.
func (e *EmbeddingEngine) HandleSummaryEmbedding(ctx context.Context, task *Task) (TaskResult, error) {
	args, ok := task.Payload.(*SummaryEmbeddingArgs)
	if !ok {
		return nil, ValidationError("summary-embedding payload has wrong type")
	}

	article, err := e.articles.GetArticle(ctx, args.ArticleURL)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, NotFoundError("article %s not found", args.ArticleURL)
		}
		return nil, UpstreamError(err, "failed to load article %s", args.ArticleURL)
	}
	if len(article.SummaryEmbedding) > 0 {
		return TaskResult{"url": article.URL, "status": "already_embedded"}, nil
	}
	if article.SummaryStatus != SummaryCompleted || strings.TrimSpace(article.Summary) == "" {
		return nil, ValidationError("article %s has no completed summary to embed", article.URL)
	}

	vec, model, err := e.ml.GenerateEmbedding(ctx, article.URL, article.Summary)
	if err != nil {
		return nil, err
	}
	if err := e.articles.SaveSummaryEmbedding(ctx, article.URL, vec, model, time.Now()); err != nil {
		return nil, UpstreamError(err, "failed to save summary embedding for %s", article.URL)
	}
	return TaskResult{"url": article.URL, "model": model, "dimensions": len(vec)}, nil
}

// backfillPriority is the priority backfill jobs carry on the normal queue,
// slightly above the scan chain's embedding jobs so old gaps close first
const backfillPriority = 4

// HandleEmbeddingBackfill sweeps both embedding backlogs, re-enqueueing
// each missing embedding as an individual job. The per-article handlers
// carry the skip-if-present check, so a sweep racing fresh scans is safe.
func (e *EmbeddingEngine) HandleEmbeddingBackfill(ctx context.Context, task *Task) (TaskResult, error) {
	args, ok := task.Payload.(*EmbeddingBackfillArgs)
	if !ok {
		return nil, ValidationError("embedding-backfill payload has wrong type")
	}
	batchSize := args.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.Topics.EmbeddingBatchSize
	}

	contentURLs, err := e.articles.ArticlesMissingContentEmbedding(ctx, batchSize)
	if err != nil {
		return nil, UpstreamError(err, "failed to list content embedding backlog")
	}
	summaryURLs, err := e.articles.ArticlesMissingSummaryEmbedding(ctx, batchSize)
	if err != nil {
		return nil, UpstreamError(err, "failed to list summary embedding backlog")
	}

	content := 0
	for _, url := range contentURLs {
		if _, err := e.runtime.Submit(
			ContentEmbeddingArgs{ArticleURL: url}, WithPriority(backfillPriority),
		); err != nil {
			log.Printf("Failed to enqueue content embedding for %s: %v", url, err)
			continue
		}
		content++
	}
	summaries := 0
	for _, url := range summaryURLs {
		if _, err := e.runtime.Submit(
			SummaryEmbeddingArgs{ArticleURL: url}, WithPriority(backfillPriority),
		); err != nil {
			log.Printf("Failed to enqueue summary embedding for %s: %v", url, err)
			continue
		}
		summaries++
	}

	log.Printf("Embedding backfill enqueued %d content and %d summary jobs", content, summaries)
	return TaskResult{"content_enqueued": content, "summary_enqueued": summaries}, nil
}

// TopicEngine runs the similarity and topic-grouping jobs over stored
// embeddings: the per-article similarity probe, the rolling topic rebuild,
// and shared-summary generation for rolling groups.
type TopicEngine struct {
	articles ArticleStore
	topics   TopicStore
	runtime  *TaskRuntime
	ml       *MLClient
	provider *ProviderGateway
	cfg      *config.Config
	metrics  *PrometheusMetrics
}

// NewTopicEngine creates the topic engine
func NewTopicEngine(articles ArticleStore, topics TopicStore, runtime *TaskRuntime, ml *MLClient, provider *ProviderGateway, cfg *config.Config, metrics *PrometheusMetrics) *TopicEngine {
	return &TopicEngine{
		articles: articles,
		topics:   topics,
		runtime:  runtime,
		ml:       ml,
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// HandleTopicAnalysis probes which stored articles are similar to the given
// one. The result is informational: it lands in the task result store and
// the log, nothing else changes.
func (t *TopicEngine) HandleTopicAnalysis(ctx context.Context, task *Task) (TaskResult, error) {
	args, ok := task.Payload.(*TopicAnalysisArgs)
	if !ok {
		return nil, ValidationError("topic-analysis payload has wrong type")
	}

	article, err := t.articles.GetArticle(ctx, args.ArticleURL)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, NotFoundError("article %s not found", args.ArticleURL)
		}
		return nil, UpstreamError(err, "failed to load article %s", args.ArticleURL)
	}

	if len(article.ContentEmbedding) == 0 {
		// the content-embedding job may still be queued behind us
		text := article.CleanText
		if strings.TrimSpace(text) == "" {
			return nil, ValidationError("article %s has no embeddable content", article.URL)
		}
		vec, model, err := t.ml.GenerateEmbedding(ctx, article.URL, text)
		if err != nil {
			return nil, err
		}
		if err := t.articles.SaveContentEmbedding(ctx, article.URL, vec, model, time.Now()); err != nil {
			log.Printf("Failed to save embedding during analysis of %s: %v", article.URL, err)
		}
	}

	matches, err := t.ml.SimilaritySearch(ctx, article.URL,
		t.cfg.Topics.AnalysisLimit, t.cfg.Topics.AnalysisSimilarityThreshold)
	if err != nil {
		return nil, err
	}

	related := make([]map[string]interface{}, 0, len(matches))
	for _, m := range matches {
		related = append(related, map[string]interface{}{
			"url":        m.URL,
			"similarity": m.Similarity,
		})
	}
	log.Printf("Topic analysis for %s found %d related articles", article.URL, len(related))
	return TaskResult{"url": article.URL, "related": related}, nil
}

// HandleRollingTopics rebuilds the rolling topic collection from all stored
// content embeddings. Grouping is greedy over URL-sorted anchors, so the
// same inputs always produce the same groups. The collection is replaced
// whole; groups below the minimum size are dropped.
func (t *TopicEngine) HandleRollingTopics(ctx context.Context, task *Task) (TaskResult, error) {
	articles, err := t.articles.ArticlesWithContentEmbedding(ctx, rollingArticleLimit)
	if err != nil {
		return nil, UpstreamError(err, "failed to list embedded articles")
	}

	groups := groupBySimilarity(articles,
		t.cfg.Topics.RollingSimilarityThreshold, t.cfg.Topics.RollingMinGroupSize)

	now := time.Now().UTC()
	stored := make([]*TopicGroup, 0, len(groups))
	for i, g := range groups {
		g.TopicID = fmt.Sprintf("rolling_%03d", i+1)
		g.SharedSummaryStatus = SummaryAbsent
		g.CreatedAt = now
		stored = append(stored, g)
	}

	if err := t.topics.ReplaceRollingTopics(ctx, stored); err != nil {
		return nil, UpstreamError(err, "failed to replace rolling topics")
	}
	log.Printf("Rolling topic rebuild produced %d groups from %d articles", len(stored), len(articles))

	if len(stored) > 0 {
		if _, err := t.runtime.Submit(SharedSummariesArgs{}, WithQueue(QueueLow), WithPriority(2)); err != nil {
			log.Printf("Failed to chain shared summaries: %v", err)
		}
	}
	return TaskResult{"articles": len(articles), "groups": len(stored)}, nil
}

// HandleSharedSummaries generates a shared summary for every rolling group
// that lacks one. Group failures don't abort the run.
func (t *TopicEngine) HandleSharedSummaries(ctx context.Context, task *Task) (TaskResult, error) {
	groups, err := t.topics.RollingTopicsWithoutSummary(ctx)
	if err != nil {
		return nil, UpstreamError(err, "failed to list groups without summaries")
	}

	completed, failed := 0, 0
	for _, g := range groups {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		summary, err := t.generateGroupSummary(ctx, g.ArticleURLs)
		if err != nil {
			te := AsTaskError(err)
			if te.Kind == FailureRateLimited {
				// let the runtime reschedule; remaining groups keep their
				// absent status and the rescheduled run picks them up
				return nil, err
			}
			log.Printf("Shared summary for %s failed: %v", g.TopicID, err)
			if err := t.topics.SetSharedSummary(ctx, g.TopicID, "", SummaryFailed); err != nil {
				log.Printf("Failed to mark shared summary failed for %s: %v", g.TopicID, err)
			}
			failed++
			continue
		}
		if err := t.topics.SetSharedSummary(ctx, g.TopicID, summary, SummaryCompleted); err != nil {
			log.Printf("Failed to store shared summary for %s: %v", g.TopicID, err)
			failed++
			continue
		}
		completed++
	}

	log.Printf("Shared summaries: %d completed, %d failed of %d groups", completed, failed, len(groups))
	return TaskResult{"groups": len(groups), "completed": completed, "failed": failed}, nil
}

// HandleWeeklyTopicPipeline chains the embedding backfill, the rolling
// rebuild and shared-summary generation as one supervised sequence
func (t *TopicEngine) HandleWeeklyTopicPipeline(ctx context.Context, task *Task) (TaskResult, error) {
	stages := []TaskPayload{
		EmbeddingBackfillArgs{},
		RollingTopicsArgs{},
	}
	for _, stage := range stages {
		id, err := t.runtime.Submit(stage, WithQueue(QueueLow), WithPriority(2))
		if err != nil {
			if errors.Is(err, ErrAlreadyQueued) {
				log.Printf("Weekly pipeline stage %s already in flight, waiting is skipped", stage.TaskName())
				continue
			}
			return nil, UpstreamError(err, "failed to submit pipeline stage %s", stage.TaskName())
		}
		if _, err := t.runtime.WaitForResult(ctx, id, 10*time.Minute); err != nil {
			return nil, UpstreamError(err, "pipeline stage %s did not complete", stage.TaskName())
		}
	}
	// HandleRollingTopics chains shared-summaries itself
	return TaskResult{"stages": len(stages)}, nil
}

// generateGroupSummary builds one combined summary from the member
// articles' summaries, respecting the per-article and total character caps
func (t *TopicEngine) generateGroupSummary(ctx context.Context, urls []string) (string, error) {
	var parts []string
	total := 0
	for _, url := range urls {
		article, err := t.articles.GetArticle(ctx, url)
		if err != nil || strings.TrimSpace(article.Summary) == "" {
			continue
		}
		excerpt := article.Summary
		if limit := t.cfg.Topics.SharedSummaryArticleCap; limit > 0 && len(excerpt) > limit {
			excerpt = excerpt[:limit]
		}
		if limit := t.cfg.Topics.SharedSummaryTotalCap; limit > 0 && total+len(excerpt) > limit {
			break
		}
		total += len(excerpt)
		parts = append(parts, fmt.Sprintf("- %s: %s", article.Title, excerpt))
	}
	if len(parts) == 0 {
		return "", ValidationError("no member summaries available for group")
	}

	resp, err := t.provider.Generate(ctx, GenerationRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: defaultSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(
				"The following article summaries cover one news topic. Write a single combined summary of the topic in %d words or less.\n\n%s",
				t.cfg.Provider.MaxSummaryWords, strings.Join(parts, "\n"))},
		},
	})
	if err != nil {
		return "", err
	}
	summary := cleanGeneratedText(resp.Text)
	if summary == "" {
		return "", UpstreamError(nil, "provider returned empty group summary")
	}
	return capWords(summary, t.cfg.Provider.MaxSummaryWords), nil
}

// groupBySimilarity clusters articles greedily: each unassigned article in
// input order anchors a group and absorbs every later unassigned article
// whose cosine similarity to the anchor clears the threshold
func groupBySimilarity(articles []*Article, threshold float64, minSize int) []*TopicGroup {
	assigned := make([]bool, len(articles))
	var groups []*TopicGroup

	for i, anchor := range articles {
		if assigned[i] {
			continue
		}
		group := &TopicGroup{
			ArticleURLs:  []string{anchor.URL},
			Similarities: []float64{1.0},
		}
		assigned[i] = true

		for j := i + 1; j < len(articles); j++ {
			if assigned[j] {
				continue
			}
			sim := cosineSimilarity(anchor.ContentEmbedding, articles[j].ContentEmbedding)
			if sim >= threshold {
				group.ArticleURLs = append(group.ArticleURLs, articles[j].URL)
				group.Similarities = append(group.Similarities, sim)
				assigned[j] = true
			}
		}

		if len(group.ArticleURLs) >= minSize {
			groups = append(groups, group)
		}
	}
	return groups
}

// cosineSimilarity returns the cosine of the angle between two vectors;
// mismatched or zero vectors score 0
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
