package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"topicstream/config"
)

const defaultSystemPrompt = `You are a news analyst. Summarize articles in clear, simple language
that non-technical readers can understand. Stay objective and factual, focus on the main points
and key takeaways, and write complete sentences with proper grammar.`

const summaryBacklogSweepLimit = 100

// SummaryEngine runs the article summary job: it drives the summary status
// state machine on the article row and generates the text through the
// provider gateway.
type SummaryEngine struct {
	articles ArticleStore
	runtime  *TaskRuntime
	provider *ProviderGateway
	cfg      *config.Config
	metrics  *PrometheusMetrics

	systemPrompt  string
	promptVersion string
}

// NewSummaryEngine creates the engine. The prompt version is a short digest
// of the active prompt text, computed once at startup, so stored summaries
// record which prompt produced them.
func NewSummaryEngine(articles ArticleStore, runtime *TaskRuntime, provider *ProviderGateway, cfg *config.Config, metrics *PrometheusMetrics) *SummaryEngine {
	systemPrompt := defaultSystemPrompt
	if cfg.Provider.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.Provider.SystemPromptFile)
		if err != nil {
			log.Printf("Failed to read system prompt file %s, using default: %v",
				cfg.Provider.SystemPromptFile, err)
		} else if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
			systemPrompt = trimmed
		}
	}

	digest := sha256.Sum256([]byte(systemPrompt))
	return &SummaryEngine{
		articles:      articles,
		runtime:       runtime,
		provider:      provider,
		cfg:           cfg,
		metrics:       metrics,
		systemPrompt:  systemPrompt,
		promptVersion: fmt.Sprintf("%x", digest[:6]),
	}
}

// PromptVersion returns the short digest of the active prompt
func (e *SummaryEngine) PromptVersion() string {
	return e.promptVersion
}

// HandleSummarizeArticle generates and stores the summary for one article.
// A completed summary short-circuits so re-submitted jobs are idempotent.
func (e *SummaryEngine) HandleSummarizeArticle(ctx context.Context, task *Task) (TaskResult, error) {
	args, ok := task.Payload.(*SummarizeArticleArgs)
	if !ok {
		return nil, ValidationError("summarize-article payload has wrong type")
	}

	article, err := e.articles.GetArticle(ctx, args.ArticleURL)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, NotFoundError("article %s not found", args.ArticleURL)
		}
		return nil, UpstreamError(err, "failed to load article %s", args.ArticleURL)
	}

	if article.SummaryStatus == SummaryCompleted {
		log.Printf("Article %s already summarized, skipping", article.URL)
		return TaskResult{"url": article.URL, "status": "already_completed"}, nil
	}

	if err := e.articles.MarkSummaryProcessing(ctx, article.URL); err != nil {
		return nil, UpstreamError(err, "failed to mark summary processing for %s", article.URL)
	}

	text := article.CleanText
	if text == "" {
		text = article.Content
	}
	if strings.TrimSpace(text) == "" {
		e.failSummary(article.URL, "article has no content")
		return nil, ValidationError("article %s has no content to summarize", article.URL)
	}

	resp, err := e.provider.Generate(ctx, GenerationRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: e.systemPrompt},
			{Role: "user", Content: e.summaryPrompt(article.Title, text)},
		},
	})
	if err != nil {
		te := AsTaskError(err)
		// rate limiting reschedules the task; the row stays in processing
		// until a later attempt resolves it
		if te.Kind != FailureRateLimited {
			e.failSummary(article.URL, te.Error())
		}
		return nil, err
	}

	summary := capWords(cleanGeneratedText(resp.Text), e.cfg.Provider.MaxSummaryWords)
	if summary == "" {
		e.failSummary(article.URL, "provider returned empty summary")
		return nil, UpstreamError(nil, "empty summary generated for %s", article.URL)
	}

	if err := e.articles.SaveSummary(ctx, article.URL, summary, resp.Model, e.promptVersion, time.Now()); err != nil {
		return nil, UpstreamError(err, "failed to save summary for %s", article.URL)
	}
	log.Printf("Summarized article %s with %s/%s in %v",
		article.URL, resp.Provider, resp.Model, resp.Duration)

	// the summary embedding builds on the fresh summary text
	if _, err := e.runtime.Submit(
		SummaryEmbeddingArgs{ArticleURL: article.URL},
		WithQueue(QueueNormal), WithPriority(4),
	); err != nil {
		log.Printf("Failed to chain summary embedding for %s: %v", article.URL, err)
	}

	return TaskResult{
		"url":            article.URL,
		"model":          resp.Model,
		"provider":       resp.Provider,
		"prompt_version": e.promptVersion,
		"words":          len(strings.Fields(summary)),
	}, nil
}

// HandleSummaryBacklogSweep re-enqueues summary jobs for articles whose
// summary is absent or failed. The sweep itself never retries; the next
// scheduled tick picks up anything it missed.
func (e *SummaryEngine) HandleSummaryBacklogSweep(ctx context.Context, task *Task) (TaskResult, error) {
	urls, err := e.articles.SummaryBacklog(ctx, summaryBacklogSweepLimit)
	if err != nil {
		return nil, UpstreamError(err, "failed to list summary backlog")
	}

	submitted := 0
	for _, url := range urls {
		_, err := e.runtime.Submit(
			SummarizeArticleArgs{ArticleURL: url},
			WithQueue(QueueNormal), WithPriority(3),
		)
		if err != nil {
			log.Printf("Failed to enqueue backlog summary for %s: %v", url, err)
			continue
		}
		submitted++
	}

	log.Printf("Summary backlog sweep enqueued %d of %d articles", submitted, len(urls))
	return TaskResult{"backlog": len(urls), "submitted": submitted}, nil
}

func (e *SummaryEngine) failSummary(url, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.articles.MarkSummaryFailed(ctx, url, msg); err != nil {
		log.Printf("Failed to mark summary failed for %s: %v", url, err)
	}
}

func (e *SummaryEngine) summaryPrompt(title, text string) string {
	maxChars := e.cfg.Scan.MaxContentLength
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return fmt.Sprintf(`Summarize the following article in %d words or less.

Title: %s

Article text:
%s

Summary:`, e.cfg.Provider.MaxSummaryWords, title, text)
}

var (
	reasoningTagPattern  = regexp.MustCompile(`(?is)<(think|thinking|reason|analysis)\s*>.*?</(think|thinking|reason|analysis)\s*>`)
	danglingTagPattern   = regexp.MustCompile(`(?i)</?(think|thinking|reason|analysis)\s*>`)
	whitespaceRunPattern = regexp.MustCompile(`\s+`)
)

// cleanGeneratedText strips model reasoning tags and collapses whitespace
func cleanGeneratedText(text string) string {
	text = reasoningTagPattern.ReplaceAllString(text, "")
	text = danglingTagPattern.ReplaceAllString(text, "")
	text = whitespaceRunPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// capWords truncates text to at most max words, tolerating slight overruns
func capWords(text string, max int) string {
	if max <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= max+20 {
		return text
	}
	return strings.Join(words[:max], " ") + "..."
}

func isNotFoundErr(err error) bool {
	return errors.Is(err, ErrNotFound)
}
