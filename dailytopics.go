package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"topicstream/config"
)

// DailyTopicBuilder rebuilds the daily topic collection: it windows the
// recent summarized articles, hands them to the ML service for clustering,
// generates a combined summary per cluster and swaps the stored collection
// atomically.
type DailyTopicBuilder struct {
	articles ArticleStore
	topics   TopicStore
	ml       *MLClient
	provider *ProviderGateway
	cfg      *config.Config
	metrics  *PrometheusMetrics
	notifier *WebhookNotifier
}

// NewDailyTopicBuilder creates the builder; notifier may be nil
func NewDailyTopicBuilder(articles ArticleStore, topics TopicStore, ml *MLClient, provider *ProviderGateway, cfg *config.Config, metrics *PrometheusMetrics, notifier *WebhookNotifier) *DailyTopicBuilder {
	return &DailyTopicBuilder{
		articles: articles,
		topics:   topics,
		ml:       ml,
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
		notifier: notifier,
	}
}

// HandleDailyTopicsRebuild runs one full rebuild. Topic ids restart from 1
// each run and carry the rebuild date, so a given snapshot's ids are stable
// but never survive into the next rebuild.
func (b *DailyTopicBuilder) HandleDailyTopicsRebuild(ctx context.Context, task *Task) (TaskResult, error) {
	now := time.Now().UTC()
	windowStart := now.AddDate(0, 0, -b.cfg.Topics.DailyWindowDays)

	articles, err := b.articles.RecentSummarized(ctx, windowStart, b.cfg.Topics.DailyMaxArticles)
	if err != nil {
		return nil, UpstreamError(err, "failed to list window articles")
	}
	if len(articles) < b.cfg.Topics.DailyMinGroupSize {
		log.Printf("Daily rebuild skipped: only %d summarized articles in window", len(articles))
		if err := b.topics.ReplaceDailyTopics(ctx, nil); err != nil {
			return nil, UpstreamError(err, "failed to clear daily topics")
		}
		return TaskResult{"articles": len(articles), "topics": 0}, nil
	}

	// the service clusters from the shared store; the window listing here
	// feeds the combined summaries and the minimum-size check
	byURL := make(map[string]*Article, len(articles))
	for _, a := range articles {
		byURL[a.URL] = a
	}

	clusters, err := b.ml.GenerateDailyTopics(ctx, b.cfg.Topics.DailyWindowDays,
		b.cfg.Topics.DailySimilarityThreshold, b.cfg.Topics.DailyMinGroupSize,
		b.cfg.Topics.DailyMaxArticles)
	if err != nil {
		return nil, err
	}

	// largest topics first; ties break on first member URL so the ordering
	// is stable across identical inputs
	sort.SliceStable(clusters, func(i, j int) bool {
		if len(clusters[i].ArticleURLs) != len(clusters[j].ArticleURLs) {
			return len(clusters[i].ArticleURLs) > len(clusters[j].ArticleURLs)
		}
		return firstURL(clusters[i]) < firstURL(clusters[j])
	})

	datePrefix := now.Format("20060102")
	topics := make([]*DailyTopic, 0, len(clusters))
	for i, cluster := range clusters {
		if len(cluster.ArticleURLs) < b.cfg.Topics.DailyMinGroupSize {
			continue
		}
		topic := &DailyTopic{
			TopicID:      fmt.Sprintf("%s_%d", datePrefix, i+1),
			ArticleCount: len(cluster.ArticleURLs),
			ArticleURLs:  cluster.ArticleURLs,
			CreatedAt:    now,
			WindowStart:  windowStart,
			WindowEnd:    now,
		}

		summary, err := b.combinedSummary(ctx, cluster.ArticleURLs, byURL)
		if err != nil {
			te := AsTaskError(err)
			if te.Kind == FailureRateLimited {
				return nil, err
			}
			log.Printf("Combined summary for %s failed: %v", topic.TopicID, err)
			topic.CombinedSummaryStatus = SummaryFailed
		} else {
			topic.CombinedSummary = summary
			topic.CombinedSummaryStatus = SummaryCompleted
		}
		topics = append(topics, topic)
	}

	if err := b.topics.ReplaceDailyTopics(ctx, topics); err != nil {
		return nil, UpstreamError(err, "failed to replace daily topics")
	}
	log.Printf("Daily rebuild stored %d topics from %d articles", len(topics), len(articles))

	if b.notifier != nil {
		b.notifier.NotifyRebuild(len(topics), len(articles))
	}
	return TaskResult{"articles": len(articles), "topics": len(topics)}, nil
}

// combinedSummary generates one summary covering all member articles,
// feeding the provider each member's stored summary under the caps
func (b *DailyTopicBuilder) combinedSummary(ctx context.Context, urls []string, byURL map[string]*Article) (string, error) {
	var parts []string
	total := 0
	for _, url := range urls {
		article, ok := byURL[url]
		if !ok || strings.TrimSpace(article.Summary) == "" {
			continue
		}
		excerpt := article.Summary
		if limit := b.cfg.Topics.SharedSummaryArticleCap; limit > 0 && len(excerpt) > limit {
			excerpt = excerpt[:limit]
		}
		if limit := b.cfg.Topics.SharedSummaryTotalCap; limit > 0 && total+len(excerpt) > limit {
			break
		}
		total += len(excerpt)
		parts = append(parts, fmt.Sprintf("- %s: %s", article.Title, excerpt))
	}
	if len(parts) == 0 {
		return "", ValidationError("no member summaries available for topic")
	}

	resp, err := b.provider.Generate(ctx, GenerationRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: defaultSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(
				"These article summaries cover one news story from the past week. Write a single combined summary in %d words or less.\n\n%s",
				b.cfg.Provider.MaxSummaryWords, strings.Join(parts, "\n"))},
		},
	})
	if err != nil {
		return "", err
	}
	summary := cleanGeneratedText(resp.Text)
	if summary == "" {
		return "", UpstreamError(nil, "provider returned empty combined summary")
	}
	return capWords(summary, b.cfg.Provider.MaxSummaryWords), nil
}

func firstURL(cluster TopicCluster) string {
	if len(cluster.ArticleURLs) == 0 {
		return ""
	}
	return cluster.ArticleURLs[0]
}
