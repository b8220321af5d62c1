package main

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"topicstream/config"
)

// Diagnosis labels emitted when a scan's failure pattern matches a known
// signature
const (
	DiagnosisBotDetection   = "bot_detection"
	DiagnosisRateLimiting   = "rate_limiting"
	DiagnosisExtractorError = "extractor_strain"
	DiagnosisPaywall        = "redirect_or_paywall"
)

// ScanResult summarizes one per-source scan for the task result store
type ScanResult struct {
	SourceURL string         `json:"source_url"`
	Total     int            `json:"total"`
	Scanned   int            `json:"scanned"`
	Created   int            `json:"created"`
	Failed    int            `json:"failed"`
	Failures  map[string]int `json:"failures,omitempty"`
	Diagnosis string         `json:"diagnosis,omitempty"`
}

// ScanEngine runs the feed scan pipeline: the fan-out over all sources and
// the per-source scan that fetches, extracts and stores articles, then
// chains the per-article analysis jobs.
type ScanEngine struct {
	articles ArticleStore
	sources  SourceStore
	runtime  *TaskRuntime
	cfg      *config.Config
	metrics  *PrometheusMetrics
	breakers *CircuitBreakerManager
	notifier *WebhookNotifier
	parser   *gofeed.Parser
	client   *http.Client
}

// NewScanEngine creates the scan engine; notifier may be nil
func NewScanEngine(articles ArticleStore, sources SourceStore, runtime *TaskRuntime, cfg *config.Config, metrics *PrometheusMetrics, breakers *CircuitBreakerManager, notifier *WebhookNotifier) *ScanEngine {
	return &ScanEngine{
		articles: articles,
		sources:  sources,
		runtime:  runtime,
		cfg:      cfg,
		metrics:  metrics,
		breakers: breakers,
		notifier: notifier,
		parser:   gofeed.NewParser(),
		client:   &http.Client{Timeout: cfg.Scan.RequestTimeout},
	}
}

// HandleScanAllSources fans one scan-source task out per configured source.
// Submissions are staggered so sources don't land on the workers at once,
// and the stagger widens while the normal queue sits above its soft cap.
func (e *ScanEngine) HandleScanAllSources(ctx context.Context, task *Task) (TaskResult, error) {
	sources, err := e.sources.ListSources(ctx)
	if err != nil {
		return nil, UpstreamError(err, "failed to list sources")
	}

	stagger := e.cfg.Scan.StaggerInterval
	if e.runtime.Backlog(QueueNormal) > e.cfg.Queue.BacklogSoftCap {
		stagger *= 2
		log.Printf("Normal queue backlog above soft cap, widening scan stagger to %v", stagger)
	}

	submitted := 0
	now := time.Now()
	for i, src := range sources {
		_, err := e.runtime.Submit(
			ScanSourceArgs{SourceID: src.ID, FeedURL: src.URL},
			WithNotBefore(now.Add(time.Duration(i)*stagger)),
		)
		if err != nil {
			log.Printf("Failed to submit scan for source %s: %v", src.URL, err)
			continue
		}
		submitted++
	}

	log.Printf("Scan fan-out submitted %d of %d sources", submitted, len(sources))
	return TaskResult{"sources": len(sources), "submitted": submitted}, nil
}

// HandleScanSource runs one scheduled per-source scan
func (e *ScanEngine) HandleScanSource(ctx context.Context, task *Task) (TaskResult, error) {
	args, ok := task.Payload.(*ScanSourceArgs)
	if !ok {
		return nil, ValidationError("scan-source payload has wrong type")
	}
	return e.scanSource(ctx, args.SourceID, args.FeedURL)
}

// HandleRefreshSource runs a user-initiated scan. Same pipeline as the
// scheduled scan; only the queue routing and retry policy differ.
func (e *ScanEngine) HandleRefreshSource(ctx context.Context, task *Task) (TaskResult, error) {
	args, ok := task.Payload.(*RefreshSourceArgs)
	if !ok {
		return nil, ValidationError("refresh-source payload has wrong type")
	}
	return e.scanSource(ctx, args.SourceID, args.FeedURL)
}

func (e *ScanEngine) scanSource(ctx context.Context, sourceID int64, feedURL string) (TaskResult, error) {
	src, err := e.sources.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NotFoundError("source %d not found", sourceID)
		}
		return nil, UpstreamError(err, "failed to load source %d", sourceID)
	}
	if feedURL == "" {
		feedURL = src.URL
	}

	start := time.Now()
	cb := e.breakers.GetOrCreateBreaker("feed_"+feedURL, &CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute * 2,
		ResetTimeout:     time.Minute * 5,
	})

	var result *ScanResult
	cbErr := cb.Execute(func() error {
		var scanErr error
		result, scanErr = e.doScan(ctx, src, feedURL)
		return scanErr
	}, e.metrics)

	duration := time.Since(start)
	if cbErr != nil {
		if cbErr == ErrCircuitBreakerOpen {
			e.metrics.RecordFeedFetch(feedURL, "circuit_breaker_open", duration)
			e.metrics.RecordFeedFetchError(feedURL, "circuit_breaker_open")
			e.logScan(feedURL, "error", "circuit breaker is open", duration, nil)
			return nil, UpstreamError(cbErr, "circuit breaker open for %s", feedURL)
		}
		return nil, cbErr
	}

	// last_refreshed only advances on success
	if err := e.sources.MarkRefreshed(ctx, src.ID, time.Now()); err != nil {
		log.Printf("Failed to mark source %d refreshed: %v", src.ID, err)
	}

	e.logScan(feedURL, "success", result.Diagnosis, duration, result)
	return TaskResult{
		"source_url": result.SourceURL,
		"total":      result.Total,
		"scanned":    result.Scanned,
		"created":    result.Created,
		"failed":     result.Failed,
		"diagnosis":  result.Diagnosis,
	}, nil
}

// doScan fetches and parses the feed, then walks its items
func (e *ScanEngine) doScan(ctx context.Context, src *Source, feedURL string) (*ScanResult, error) {
	start := time.Now()
	feed, err := e.fetchFeed(ctx, feedURL)
	if err != nil {
		e.metrics.RecordFeedFetch(feedURL, "error", time.Since(start))
		return nil, err
	}
	e.metrics.RecordFeedFetch(feedURL, "success", time.Since(start))

	result := &ScanResult{
		SourceURL: feedURL,
		Total:     len(feed.Items),
		Failures:  make(map[string]int),
	}

	// item fetches run concurrently under a per-scan cap; each goroutine
	// delays its start proportionally to its index so a long feed doesn't
	// hit the host in one burst
	sem := make(chan struct{}, e.cfg.Scan.MaxConcurrentScans)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i, item := range feed.Items {
		wg.Add(1)
		go func(idx int, item *gofeed.Item) {
			defer wg.Done()
			if idx > 0 && e.cfg.Scan.RequestDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(idx) * e.cfg.Scan.RequestDelay):
				}
			}
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			created, failClass := e.processItem(ctx, item, feedURL)
			mu.Lock()
			defer mu.Unlock()
			if failClass != "" {
				result.Failed++
				result.Failures[failClass]++
				return
			}
			result.Scanned++
			if created {
				result.Created++
			}
		}(i, item)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Diagnosis = diagnoseFailures(result.Failures)
	if result.Diagnosis != "" {
		e.metrics.RecordScanDiagnosis(feedURL, result.Diagnosis)
		log.Printf("Scan of %s diagnosed as %s (%d/%d failed)",
			feedURL, result.Diagnosis, result.Failed, result.Total)
		if e.notifier != nil {
			e.notifier.NotifyDiagnosis(feedURL, result.Diagnosis, result.Failed, result.Total)
		}
	}
	e.metrics.RecordNewArticles(feedURL, result.Created)
	return result, nil
}

// fetchFeed retrieves and parses the feed, retrying transient upstream
// failures with exponential backoff
func (e *ScanEngine) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.Scan.MaxRetries+1; attempt++ {
		feed, retryable, err := e.fetchFeedOnce(ctx, feedURL)
		if err == nil {
			return feed, nil
		}
		lastErr = err
		if !retryable || attempt > e.cfg.Scan.MaxRetries {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
		log.Printf("Feed fetch attempt %d for %s failed, retrying in %v: %v",
			attempt, feedURL, backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (e *ScanEngine) fetchFeedOnce(ctx context.Context, feedURL string) (*gofeed.Feed, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		e.metrics.RecordFeedFetchError(feedURL, "request_creation_failed")
		return nil, false, ValidationError("failed to create feed request: %v", err)
	}
	req.Header.Set("User-Agent", e.cfg.App.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		e.metrics.RecordFeedFetchError(feedURL, "http_request_failed")
		return nil, true, UpstreamError(err, "failed to fetch feed %s", feedURL)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.metrics.RecordFeedFetchError(feedURL, "rate_limited")
		return nil, false, RateLimitedError(parseRetryAfter(resp), "feed %s rate limited", feedURL)
	case resp.StatusCode >= 500:
		e.metrics.RecordFeedFetchError(feedURL, "http_error")
		return nil, true, UpstreamError(nil, "feed %s returned status %d", feedURL, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		e.metrics.RecordFeedFetchError(feedURL, "http_error")
		return nil, false, UpstreamError(nil, "feed %s returned status %d", feedURL, resp.StatusCode)
	}

	feed, err := e.parser.Parse(resp.Body)
	if err != nil {
		e.metrics.RecordFeedFetchError(feedURL, "parse_failed")
		return nil, false, UpstreamError(err, "failed to parse feed %s", feedURL)
	}
	return feed, false, nil
}

// processItem fetches one article, stores it, and chains the analysis jobs
// for newly created articles. Returns created and the failure class ("" on
// success).
func (e *ScanEngine) processItem(ctx context.Context, item *gofeed.Item, feedURL string) (bool, string) {
	if item.Link == "" {
		e.metrics.RecordArticleProcessed(feedURL, "skipped_no_link")
		return false, FailureOther
	}

	content, failClass := e.fetchArticleContent(ctx, item.Link)
	if failClass != "" {
		e.metrics.RecordArticleProcessed(feedURL, "fetch_failed")
		return false, failClass
	}

	cleanText := cleanContent(content)
	article := &Article{
		URL:         item.Link,
		Title:       strings.TrimSpace(item.Title),
		Content:     content,
		CleanText:   cleanText,
		Host:        hostOf(item.Link),
		SourceURL:   feedURL,
		AnalyzedAt:  time.Now().UTC(),
		Readability: AnalyzeReadability(cleanText),
	}
	article.PublishedAt = itemPublishedAt(item)

	created, err := e.articles.UpsertArticle(ctx, article)
	if err != nil {
		log.Printf("Failed to store article %s: %v", article.URL, err)
		e.metrics.RecordArticleProcessed(feedURL, "save_failed")
		return false, FailureOther
	}

	if created {
		e.metrics.RecordArticleProcessed(feedURL, "created")
		e.chainAnalysisJobs(article.URL)
	} else {
		e.metrics.RecordArticleProcessed(feedURL, "updated")
	}
	return created, ""
}

// chainAnalysisJobs submits the per-article follow-up jobs for a new article
func (e *ScanEngine) chainAnalysisJobs(articleURL string) {
	jobs := []struct {
		payload  TaskPayload
		priority int
	}{
		{SummarizeArticleArgs{ArticleURL: articleURL}, 4},
		{ContentEmbeddingArgs{ArticleURL: articleURL}, 3},
		{TopicAnalysisArgs{ArticleURL: articleURL}, 2},
	}
	for _, job := range jobs {
		if _, err := e.runtime.Submit(job.payload, WithQueue(QueueNormal), WithPriority(job.priority)); err != nil {
			log.Printf("Failed to chain %s for %s: %v", job.payload.TaskName(), articleURL, err)
		}
	}
}

// fetchArticleContent fetches one article page and extracts its main text,
// retrying server errors and timeouts with exponential backoff. 403 and 429
// are surfaced immediately since retrying against bot protection only digs
// the hole deeper. The returned failure class is "" on success.
func (e *ScanEngine) fetchArticleContent(ctx context.Context, articleURL string) (string, string) {
	var content, failClass string
	for attempt := 1; ; attempt++ {
		content, failClass = e.fetchArticleOnce(ctx, articleURL)
		if failClass == "" || !retryableFetchFailure(failClass) || attempt > e.cfg.Scan.MaxRetries {
			return content, failClass
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		log.Printf("Article fetch attempt %d for %s failed (%s), retrying in %v",
			attempt, articleURL, failClass, backoff)
		select {
		case <-ctx.Done():
			return "", failClass
		case <-time.After(backoff):
		}
	}
}

func retryableFetchFailure(class string) bool {
	return class == FailureHTTP500 || class == FailureTimeout
}

func (e *ScanEngine) fetchArticleOnce(ctx context.Context, articleURL string) (string, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", FailureOther
	}
	req.Header.Set("User-Agent", e.cfg.App.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", FailureTimeout
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return "", FailureTimeout
		}
		return "", FailureOther
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyFetchStatus(resp.StatusCode)
	}

	content, err := extractContent(resp.Body, e.cfg.Scan.MaxContentLength)
	if err != nil {
		return "", FailureOther
	}
	if content == "" {
		return "", FailureNoContent
	}
	return content, ""
}

// extractContent pulls the main article text out of an HTML page, trying
// the common content containers before falling back to the whole body
func extractContent(body io.Reader, maxLength int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", err
	}

	selectors := []string{
		"article",
		".post-content",
		".entry-content",
		".article-body",
		".story-body",
		".content",
		"main",
	}

	var content string
	for _, selector := range selectors {
		if text := doc.Find(selector).First().Text(); strings.TrimSpace(text) != "" {
			content = text
			break
		}
	}
	if content == "" {
		doc.Find("script, style, nav, header, footer").Remove()
		content = doc.Find("body").Text()
	}

	content = strings.TrimSpace(content)
	if maxLength > 0 && len(content) > maxLength {
		content = content[:maxLength]
	}
	return content, nil
}

// cleanContent collapses whitespace runs left over from HTML extraction
func cleanContent(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// itemPublishedAt resolves a feed item's publication timestamp: the
// published date first, then the updated date, then ingest time
func itemPublishedAt(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return time.Now().UTC()
}

// diagnoseFailures maps a scan's failure distribution onto the known
// failure signatures. Thresholds are fractions of the failed count, not of
// the whole feed, so a handful of uniform failures still flags the cause.
func diagnoseFailures(failures map[string]int) string {
	failed := 0
	for _, n := range failures {
		failed += n
	}
	if failed == 0 {
		return ""
	}
	frac := func(class string) float64 {
		return float64(failures[class]) / float64(failed)
	}
	switch {
	case frac(FailureHTTP403) > 0.5:
		return DiagnosisBotDetection
	case frac(FailureHTTP429) > 0.3:
		return DiagnosisRateLimiting
	case frac(FailureHTTP500)+frac(FailureTimeout) > 0.7:
		return DiagnosisExtractorError
	case frac(FailureNoContent) > 0.8:
		return DiagnosisPaywall
	}
	return ""
}

func (e *ScanEngine) logScan(feedURL, status, message string, duration time.Duration, result *ScanResult) {
	entry := &ScanLog{
		SourceURL:  feedURL,
		Status:     status,
		Message:    message,
		DurationMs: duration.Milliseconds(),
	}
	if result != nil {
		entry.Total = result.Total
		entry.Scanned = result.Scanned
		entry.Failed = result.Failed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sources.LogScan(ctx, entry); err != nil {
		log.Printf("Failed to record scan log for %s: %v", feedURL, err)
	}
}
