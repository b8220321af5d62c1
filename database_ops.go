package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Summary status values. The state machine is
// absent -> processing -> (completed | failed); a failed summary may be
// re-enqueued and re-enter processing.
const (
	SummaryAbsent     = "absent"
	SummaryPending    = "pending"
	SummaryProcessing = "processing"
	SummaryCompleted  = "completed"
	SummaryFailed     = "failed"
)

// ErrNotFound marks a missing row across all stores
var ErrNotFound = errors.New("not found")

// Article is the unit of analysis, keyed by canonical URL
type Article struct {
	URL         string             `json:"url"`
	Title       string             `json:"title"`
	Content     string             `json:"content"`
	CleanText   string             `json:"clean_text"`
	Host        string             `json:"host"`
	SourceURL   string             `json:"source_url"`
	PublishedAt time.Time          `json:"published_at"`
	AnalyzedAt  time.Time          `json:"analyzed_at"`
	Readability ReadabilityMetrics `json:"readability"`

	SummaryStatus      string     `json:"summary_status"`
	Summary            string     `json:"summary,omitempty"`
	SummaryModel       string     `json:"summary_model,omitempty"`
	PromptVersion      string     `json:"prompt_version,omitempty"`
	SummaryError       string     `json:"summary_error,omitempty"`
	SummaryGeneratedAt *time.Time `json:"summary_generated_at,omitempty"`

	ContentEmbedding      []float64  `json:"content_embedding,omitempty"`
	ContentEmbeddingModel string     `json:"content_embedding_model,omitempty"`
	ContentEmbeddingAt    *time.Time `json:"content_embedding_at,omitempty"`

	SummaryEmbedding      []float64  `json:"summary_embedding,omitempty"`
	SummaryEmbeddingModel string     `json:"summary_embedding_model,omitempty"`
	SummaryEmbeddingAt    *time.Time `json:"summary_embedding_at,omitempty"`

	TopicProcessed bool      `json:"topic_processed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Source is a configured feed
type Source struct {
	ID            int64      `json:"id"`
	URL           string     `json:"url"`
	Name          string     `json:"name"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastRefreshed *time.Time `json:"last_refreshed,omitempty"`
}

// ScanLog records one scan attempt against a source
type ScanLog struct {
	SourceURL  string
	Status     string
	Message    string
	DurationMs int64
	Total      int
	Scanned    int
	Failed     int
}

// TopicGroup is a cluster of related articles in the rolling topic
// collection. The collection is ephemeral: each rebuild replaces it whole.
type TopicGroup struct {
	TopicID             string    `json:"topic_id"`
	ArticleURLs         []string  `json:"article_urls"`
	Similarities        []float64 `json:"similarities"`
	Headline            string    `json:"headline,omitempty"`
	SharedSummary       string    `json:"shared_summary,omitempty"`
	SharedSummaryStatus string    `json:"shared_summary_status"`
	CreatedAt           time.Time `json:"created_at"`
}

// DailyTopic is a topic group produced by the daily-topic builder
type DailyTopic struct {
	TopicID               string    `json:"topic_id"`
	ArticleCount          int       `json:"article_count"`
	ArticleURLs           []string  `json:"article_urls"`
	CombinedSummary       string    `json:"combined_summary,omitempty"`
	CombinedSummaryStatus string    `json:"combined_summary_status"`
	CreatedAt             time.Time `json:"created_at"`
	WindowStart           time.Time `json:"window_start"`
	WindowEnd             time.Time `json:"window_end"`
}

// TaskRecord mirrors one task runtime entry into the tasks table
type TaskRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	Priority    int             `json:"priority"`
	State       string          `json:"state"`
	Args        json.RawMessage `json:"args,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Attempt     int             `json:"attempt"`
	NotBefore   time.Time       `json:"not_before,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// ArticleStore is the article persistence surface used by the pipeline jobs
type ArticleStore interface {
	UpsertArticle(ctx context.Context, article *Article) (created bool, err error)
	GetArticle(ctx context.Context, url string) (*Article, error)
	MarkSummaryProcessing(ctx context.Context, url string) error
	SaveSummary(ctx context.Context, url, summary, model, promptVersion string, generatedAt time.Time) error
	MarkSummaryFailed(ctx context.Context, url, errMsg string) error
	SaveContentEmbedding(ctx context.Context, url string, vec []float64, model string, at time.Time) error
	SaveSummaryEmbedding(ctx context.Context, url string, vec []float64, model string, at time.Time) error
	ArticlesMissingContentEmbedding(ctx context.Context, limit int) ([]string, error)
	ArticlesMissingSummaryEmbedding(ctx context.Context, limit int) ([]string, error)
	SummaryBacklog(ctx context.Context, limit int) ([]string, error)
	ArticlesWithContentEmbedding(ctx context.Context, limit int) ([]*Article, error)
	RecentSummarized(ctx context.Context, since time.Time, limit int) ([]*Article, error)
	CountArticles(ctx context.Context) (int64, error)
}

// SourceStore is the source persistence surface
type SourceStore interface {
	ListSources(ctx context.Context) ([]*Source, error)
	GetSource(ctx context.Context, id int64) (*Source, error)
	CreateSource(ctx context.Context, url, name string) (*Source, error)
	MarkRefreshed(ctx context.Context, id int64, at time.Time) error
	LogScan(ctx context.Context, entry *ScanLog) error
}

// TopicStore is the topic persistence surface. Both Replace methods swap
// the whole collection atomically.
type TopicStore interface {
	ReplaceRollingTopics(ctx context.Context, groups []*TopicGroup) error
	RollingTopicsWithoutSummary(ctx context.Context) ([]*TopicGroup, error)
	SetSharedSummary(ctx context.Context, topicID, summary, status string) error
	ReplaceDailyTopics(ctx context.Context, topics []*DailyTopic) error
	ListDailyTopics(ctx context.Context) ([]*DailyTopic, error)
}

// TaskStore mirrors task runtime records for the admin surface
type TaskStore interface {
	SaveTaskRecord(ctx context.Context, rec *TaskRecord) error
}

// PostgresStore implements every store interface on one *sql.DB
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store; InitSchema must have run first
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for connection metrics
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// InitSchema creates all tables and indexes if they don't exist
func InitSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sources (
			id BIGSERIAL PRIMARY KEY,
			url TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			last_refreshed TIMESTAMP WITH TIME ZONE
		)`,
		`CREATE TABLE IF NOT EXISTS articles (
			url TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT,
			clean_text TEXT,
			host TEXT,
			source_url TEXT,
			published_at TIMESTAMP WITH TIME ZONE,
			analyzed_at TIMESTAMP WITH TIME ZONE,
			word_count INTEGER DEFAULT 0,
			sentence_count INTEGER DEFAULT 0,
			syllable_count INTEGER DEFAULT 0,
			avg_words_per_sentence DOUBLE PRECISION DEFAULT 0,
			flesch_reading_ease DOUBLE PRECISION DEFAULT 0,
			flesch_kincaid_grade DOUBLE PRECISION DEFAULT 0,
			summary_status TEXT NOT NULL DEFAULT 'absent',
			summary TEXT,
			summary_model TEXT,
			prompt_version TEXT,
			summary_error TEXT,
			summary_generated_at TIMESTAMP WITH TIME ZONE,
			content_embedding DOUBLE PRECISION[],
			content_embedding_model TEXT,
			content_embedding_at TIMESTAMP WITH TIME ZONE,
			summary_embedding DOUBLE PRECISION[],
			summary_embedding_model TEXT,
			summary_embedding_at TIMESTAMP WITH TIME ZONE,
			topic_processed BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_source_url ON articles(source_url)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_summary_status ON articles(summary_status)`,
		`CREATE TABLE IF NOT EXISTS topics (
			topic_id TEXT PRIMARY KEY,
			article_urls TEXT[] NOT NULL,
			similarities DOUBLE PRECISION[],
			headline TEXT,
			shared_summary TEXT,
			shared_summary_status TEXT NOT NULL DEFAULT 'absent',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS daily_topics (
			topic_id TEXT PRIMARY KEY,
			article_count INTEGER NOT NULL,
			article_urls TEXT[] NOT NULL,
			combined_summary TEXT,
			combined_summary_status TEXT NOT NULL DEFAULT 'absent',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			window_start TIMESTAMP WITH TIME ZONE NOT NULL,
			window_end TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL,
			state TEXT NOT NULL,
			args JSONB,
			last_error TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			not_before TIMESTAMP WITH TIME ZONE,
			submitted_at TIMESTAMP WITH TIME ZONE NOT NULL,
			completed_at TIMESTAMP WITH TIME ZONE,
			result JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_name_state ON tasks(name, state)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_submitted_at ON tasks(submitted_at DESC)`,
		`CREATE TABLE IF NOT EXISTS scan_logs (
			id SERIAL PRIMARY KEY,
			source_url TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			duration_ms BIGINT,
			total_articles INTEGER DEFAULT 0,
			scanned_articles INTEGER DEFAULT 0,
			failed_articles INTEGER DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_logs_source_url ON scan_logs(source_url)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_logs_created_at ON scan_logs(created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// UpsertArticle inserts or refreshes an article keyed on URL. Only
// scan-owned fields are written on conflict; summary and embedding columns
// belong to their jobs and are left alone. On re-scan the earlier of the
// two publication dates wins.
func (s *PostgresStore) UpsertArticle(ctx context.Context, article *Article) (bool, error) {
	query := `
		INSERT INTO articles (
			url, title, content, clean_text, host, source_url,
			published_at, analyzed_at,
			word_count, sentence_count, syllable_count,
			avg_words_per_sentence, flesch_reading_ease, flesch_kincaid_grade
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			clean_text = EXCLUDED.clean_text,
			host = EXCLUDED.host,
			source_url = EXCLUDED.source_url,
			published_at = LEAST(articles.published_at, EXCLUDED.published_at),
			analyzed_at = EXCLUDED.analyzed_at,
			word_count = EXCLUDED.word_count,
			sentence_count = EXCLUDED.sentence_count,
			syllable_count = EXCLUDED.syllable_count,
			avg_words_per_sentence = EXCLUDED.avg_words_per_sentence,
			flesch_reading_ease = EXCLUDED.flesch_reading_ease,
			flesch_kincaid_grade = EXCLUDED.flesch_kincaid_grade,
			updated_at = NOW()
		RETURNING (xmax = 0)`

	var created bool
	err := s.db.QueryRowContext(ctx, query,
		article.URL,
		article.Title,
		article.Content,
		article.CleanText,
		article.Host,
		article.SourceURL,
		article.PublishedAt.UTC(),
		article.AnalyzedAt.UTC(),
		article.Readability.WordCount,
		article.Readability.SentenceCount,
		article.Readability.SyllableCount,
		article.Readability.AvgWordsPerSentence,
		article.Readability.FleschReadingEase,
		article.Readability.FleschKincaidGrade,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert article: %w", err)
	}
	return created, nil
}

const articleColumns = `
	url, title, content, clean_text, host, source_url,
	published_at, analyzed_at,
	word_count, sentence_count, syllable_count,
	avg_words_per_sentence, flesch_reading_ease, flesch_kincaid_grade,
	summary_status, summary, summary_model, prompt_version, summary_error, summary_generated_at,
	content_embedding, content_embedding_model, content_embedding_at,
	summary_embedding, summary_embedding_model, summary_embedding_at,
	topic_processed, created_at, updated_at`

func scanArticleRow(row interface{ Scan(...interface{}) error }) (*Article, error) {
	var a Article
	var content, cleanText, host, sourceURL sql.NullString
	var publishedAt, analyzedAt sql.NullTime
	var summary, summaryModel, promptVersion, summaryError sql.NullString
	var summaryGeneratedAt sql.NullTime
	var contentEmbedding, summaryEmbedding pq.Float64Array
	var contentModel, summaryEmbModel sql.NullString
	var contentAt, summaryEmbAt sql.NullTime

	err := row.Scan(
		&a.URL, &a.Title, &content, &cleanText, &host, &sourceURL,
		&publishedAt, &analyzedAt,
		&a.Readability.WordCount, &a.Readability.SentenceCount, &a.Readability.SyllableCount,
		&a.Readability.AvgWordsPerSentence, &a.Readability.FleschReadingEase, &a.Readability.FleschKincaidGrade,
		&a.SummaryStatus, &summary, &summaryModel, &promptVersion, &summaryError, &summaryGeneratedAt,
		&contentEmbedding, &contentModel, &contentAt,
		&summaryEmbedding, &summaryEmbModel, &summaryEmbAt,
		&a.TopicProcessed, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Content = content.String
	a.CleanText = cleanText.String
	a.Host = host.String
	a.SourceURL = sourceURL.String
	if publishedAt.Valid {
		a.PublishedAt = publishedAt.Time.UTC()
	}
	if analyzedAt.Valid {
		a.AnalyzedAt = analyzedAt.Time.UTC()
	}
	a.Summary = summary.String
	a.SummaryModel = summaryModel.String
	a.PromptVersion = promptVersion.String
	a.SummaryError = summaryError.String
	if summaryGeneratedAt.Valid {
		t := summaryGeneratedAt.Time.UTC()
		a.SummaryGeneratedAt = &t
	}
	a.ContentEmbedding = []float64(contentEmbedding)
	a.ContentEmbeddingModel = contentModel.String
	if contentAt.Valid {
		t := contentAt.Time.UTC()
		a.ContentEmbeddingAt = &t
	}
	a.SummaryEmbedding = []float64(summaryEmbedding)
	a.SummaryEmbeddingModel = summaryEmbModel.String
	if summaryEmbAt.Valid {
		t := summaryEmbAt.Time.UTC()
		a.SummaryEmbeddingAt = &t
	}
	return &a, nil
}

// GetArticle fetches an article by canonical URL
func (s *PostgresStore) GetArticle(ctx context.Context, url string) (*Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE url = $1`
	article, err := scanArticleRow(s.db.QueryRowContext(ctx, query, url))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("article %s: %w", url, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return article, nil
}

// MarkSummaryProcessing advances the summary state machine to processing
func (s *PostgresStore) MarkSummaryProcessing(ctx context.Context, url string) error {
	return s.execOnArticle(ctx, url, `
		UPDATE articles SET summary_status = $2, updated_at = NOW() WHERE url = $1`,
		SummaryProcessing)
}

// SaveSummary persists a completed summary and clears any prior error
func (s *PostgresStore) SaveSummary(ctx context.Context, url, summary, model, promptVersion string, generatedAt time.Time) error {
	return s.execOnArticle(ctx, url, `
		UPDATE articles SET
			summary = $2, summary_model = $3, prompt_version = $4,
			summary_generated_at = $5, summary_status = $6,
			summary_error = NULL, updated_at = NOW()
		WHERE url = $1`,
		summary, model, promptVersion, generatedAt.UTC(), SummaryCompleted)
}

// MarkSummaryFailed records a failed summary attempt
func (s *PostgresStore) MarkSummaryFailed(ctx context.Context, url, errMsg string) error {
	return s.execOnArticle(ctx, url, `
		UPDATE articles SET summary_status = $2, summary_error = $3, updated_at = NOW()
		WHERE url = $1`,
		SummaryFailed, errMsg)
}

// SaveContentEmbedding persists the content embedding vector
func (s *PostgresStore) SaveContentEmbedding(ctx context.Context, url string, vec []float64, model string, at time.Time) error {
	return s.execOnArticle(ctx, url, `
		UPDATE articles SET
			content_embedding = $2, content_embedding_model = $3,
			content_embedding_at = $4, updated_at = NOW()
		WHERE url = $1`,
		pq.Float64Array(vec), model, at.UTC())
}

// SaveSummaryEmbedding persists the summary embedding vector
func (s *PostgresStore) SaveSummaryEmbedding(ctx context.Context, url string, vec []float64, model string, at time.Time) error {
	return s.execOnArticle(ctx, url, `
		UPDATE articles SET
			summary_embedding = $2, summary_embedding_model = $3,
			summary_embedding_at = $4, updated_at = NOW()
		WHERE url = $1`,
		pq.Float64Array(vec), model, at.UTC())
}

func (s *PostgresStore) execOnArticle(ctx context.Context, url, query string, args ...interface{}) error {
	all := append([]interface{}{url}, args...)
	result, err := s.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("failed to update article %s: %w", url, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("article %s: %w", url, ErrNotFound)
	}
	return nil
}

// ArticlesMissingContentEmbedding lists URLs in the content-embedding backlog
func (s *PostgresStore) ArticlesMissingContentEmbedding(ctx context.Context, limit int) ([]string, error) {
	return s.queryURLs(ctx, `
		SELECT url FROM articles
		WHERE content_embedding IS NULL
		ORDER BY created_at DESC LIMIT $1`, limit)
}

// ArticlesMissingSummaryEmbedding lists URLs with a completed summary but
// no summary embedding
func (s *PostgresStore) ArticlesMissingSummaryEmbedding(ctx context.Context, limit int) ([]string, error) {
	return s.queryURLs(ctx, `
		SELECT url FROM articles
		WHERE summary_status = 'completed' AND summary_embedding IS NULL
		ORDER BY created_at DESC LIMIT $1`, limit)
}

// SummaryBacklog lists URLs whose summary is absent or failed
func (s *PostgresStore) SummaryBacklog(ctx context.Context, limit int) ([]string, error) {
	return s.queryURLs(ctx, `
		SELECT url FROM articles
		WHERE summary_status IN ('absent', 'failed')
		ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *PostgresStore) queryURLs(ctx context.Context, query string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query article urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("failed to scan url: %w", err)
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

// ArticlesWithContentEmbedding lists embedded articles in URL order so
// rolling grouping is deterministic for fixed inputs
func (s *PostgresStore) ArticlesWithContentEmbedding(ctx context.Context, limit int) ([]*Article, error) {
	query := `SELECT ` + articleColumns + `
		FROM articles WHERE content_embedding IS NOT NULL
		ORDER BY url LIMIT $1`
	return s.queryArticles(ctx, query, limit)
}

// RecentSummarized lists articles in the daily window with a completed
// summary and a summary embedding, newest first
func (s *PostgresStore) RecentSummarized(ctx context.Context, since time.Time, limit int) ([]*Article, error) {
	query := `SELECT ` + articleColumns + `
		FROM articles
		WHERE published_at >= $1
		  AND summary_status = 'completed'
		  AND summary_embedding IS NOT NULL
		ORDER BY published_at DESC LIMIT $2`
	return s.queryArticles(ctx, query, since.UTC(), limit)
}

func (s *PostgresStore) queryArticles(ctx context.Context, query string, args ...interface{}) ([]*Article, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query articles: %w", err)
	}
	defer rows.Close()

	var articles []*Article
	for rows.Next() {
		article, err := scanArticleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, article)
	}
	return articles, rows.Err()
}

// CountArticles returns the total article count
func (s *PostgresStore) CountArticles(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return count, nil
}

// ListSources returns all configured sources
func (s *PostgresStore) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, name, created_at, updated_at, last_refreshed
		FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		source, err := scanSourceRow(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}

func scanSourceRow(row interface{ Scan(...interface{}) error }) (*Source, error) {
	var src Source
	var lastRefreshed sql.NullTime
	if err := row.Scan(&src.ID, &src.URL, &src.Name, &src.CreatedAt, &src.UpdatedAt, &lastRefreshed); err != nil {
		return nil, err
	}
	if lastRefreshed.Valid {
		t := lastRefreshed.Time.UTC()
		src.LastRefreshed = &t
	}
	return &src, nil
}

// GetSource fetches one source by id
func (s *PostgresStore) GetSource(ctx context.Context, id int64) (*Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, name, created_at, updated_at, last_refreshed
		FROM sources WHERE id = $1`, id)
	source, err := scanSourceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("source %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return source, nil
}

// CreateSource registers a feed; re-registering an existing URL updates its name
func (s *PostgresStore) CreateSource(ctx context.Context, url, name string) (*Source, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sources (url, name) VALUES ($1, $2)
		ON CONFLICT (url) DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()
		RETURNING id, url, name, created_at, updated_at, last_refreshed`, url, name)
	source, err := scanSourceRow(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}
	return source, nil
}

// MarkRefreshed advances last_refreshed; called only after a successful scan
func (s *PostgresStore) MarkRefreshed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources SET last_refreshed = $2, updated_at = NOW() WHERE id = $1`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark source %d refreshed: %w", id, err)
	}
	return nil
}

// LogScan records a scan attempt for diagnostics
func (s *PostgresStore) LogScan(ctx context.Context, entry *ScanLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_logs (source_url, status, message, duration_ms, total_articles, scanned_articles, failed_articles)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.SourceURL, entry.Status, entry.Message, entry.DurationMs, entry.Total, entry.Scanned, entry.Failed)
	if err != nil {
		return fmt.Errorf("failed to log scan: %w", err)
	}
	return nil
}

// ReplaceRollingTopics swaps the rolling topic collection in one transaction
func (s *PostgresStore) ReplaceRollingTopics(ctx context.Context, groups []*TopicGroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM topics`); err != nil {
		return fmt.Errorf("failed to truncate topics: %w", err)
	}
	for _, g := range groups {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO topics (topic_id, article_urls, similarities, headline, shared_summary, shared_summary_status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			g.TopicID, pq.StringArray(g.ArticleURLs), pq.Float64Array(g.Similarities),
			g.Headline, g.SharedSummary, g.SharedSummaryStatus, g.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert topic %s: %w", g.TopicID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit topic swap: %w", err)
	}
	return nil
}

// RollingTopicsWithoutSummary lists rolling groups lacking a completed
// shared summary
func (s *PostgresStore) RollingTopicsWithoutSummary(ctx context.Context) ([]*TopicGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic_id, article_urls, similarities, headline, shared_summary, shared_summary_status, created_at
		FROM topics
		WHERE shared_summary_status != 'completed'
		ORDER BY topic_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer rows.Close()

	var groups []*TopicGroup
	for rows.Next() {
		var g TopicGroup
		var urls pq.StringArray
		var sims pq.Float64Array
		var headline, sharedSummary sql.NullString
		if err := rows.Scan(&g.TopicID, &urls, &sims, &headline, &sharedSummary, &g.SharedSummaryStatus, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		g.ArticleURLs = []string(urls)
		g.Similarities = []float64(sims)
		g.Headline = headline.String
		g.SharedSummary = sharedSummary.String
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// SetSharedSummary stores the generated shared summary on a rolling group
func (s *PostgresStore) SetSharedSummary(ctx context.Context, topicID, summary, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE topics SET shared_summary = $2, shared_summary_status = $3 WHERE topic_id = $1`,
		topicID, summary, status)
	if err != nil {
		return fmt.Errorf("failed to set shared summary for %s: %w", topicID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("topic %s: %w", topicID, ErrNotFound)
	}
	return nil
}

// ReplaceDailyTopics atomically swaps the daily topic collection; readers
// observe either the previous snapshot or the new one, never a mix
func (s *PostgresStore) ReplaceDailyTopics(ctx context.Context, topics []*DailyTopic) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_topics`); err != nil {
		return fmt.Errorf("failed to truncate daily topics: %w", err)
	}
	for _, t := range topics {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO daily_topics (topic_id, article_count, article_urls, combined_summary, combined_summary_status, created_at, window_start, window_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.TopicID, t.ArticleCount, pq.StringArray(t.ArticleURLs),
			t.CombinedSummary, t.CombinedSummaryStatus, t.CreatedAt.UTC(),
			t.WindowStart.UTC(), t.WindowEnd.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert daily topic %s: %w", t.TopicID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit daily topic swap: %w", err)
	}
	return nil
}

// ListDailyTopics returns the current daily snapshot, largest groups first
func (s *PostgresStore) ListDailyTopics(ctx context.Context) ([]*DailyTopic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic_id, article_count, article_urls, combined_summary, combined_summary_status, created_at, window_start, window_end
		FROM daily_topics ORDER BY article_count DESC, topic_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily topics: %w", err)
	}
	defer rows.Close()

	var topics []*DailyTopic
	for rows.Next() {
		var t DailyTopic
		var urls pq.StringArray
		var combined sql.NullString
		if err := rows.Scan(&t.TopicID, &t.ArticleCount, &urls, &combined, &t.CombinedSummaryStatus, &t.CreatedAt, &t.WindowStart, &t.WindowEnd); err != nil {
			return nil, fmt.Errorf("failed to scan daily topic: %w", err)
		}
		t.ArticleURLs = []string(urls)
		t.CombinedSummary = combined.String
		topics = append(topics, &t)
	}
	return topics, rows.Err()
}

// SaveTaskRecord upserts one task record keyed by task id. Records already
// in a terminal state are never transitioned again.
func (s *PostgresStore) SaveTaskRecord(ctx context.Context, rec *TaskRecord) error {
	var notBefore interface{}
	if !rec.NotBefore.IsZero() {
		notBefore = rec.NotBefore.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, queue, priority, state, args, last_error, attempt, not_before, submitted_at, completed_at, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			last_error = EXCLUDED.last_error,
			attempt = EXCLUDED.attempt,
			not_before = EXCLUDED.not_before,
			completed_at = EXCLUDED.completed_at,
			result = EXCLUDED.result
		WHERE tasks.state NOT IN ('succeeded', 'failed', 'cancelled')`,
		rec.ID, rec.Name, rec.Queue, rec.Priority, rec.State,
		nullableJSON(rec.Args), rec.LastError, rec.Attempt, notBefore,
		rec.SubmittedAt.UTC(), rec.CompletedAt, nullableJSON(rec.Result))
	if err != nil {
		return fmt.Errorf("failed to save task record %s: %w", rec.ID, err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
