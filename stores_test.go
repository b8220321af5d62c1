package main

import (
	"context"
	"sync"
	"time"
)

// fakeArticleStore is an in-memory ArticleStore for engine tests. It keeps
// the order of summary status transitions so state-machine tests can assert
// the sequence, not just the final state.
type fakeArticleStore struct {
	mu            sync.Mutex
	articles      map[string]*Article
	recent        []*Article
	summaryEvents []string
}

func newFakeArticleStore(articles ...*Article) *fakeArticleStore {
	s := &fakeArticleStore{articles: make(map[string]*Article)}
	for _, a := range articles {
		s.articles[a.URL] = a
	}
	return s
}

func (s *fakeArticleStore) UpsertArticle(ctx context.Context, article *Article) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.articles[article.URL]
	s.articles[article.URL] = article
	return !exists, nil
}

func (s *fakeArticleStore) GetArticle(ctx context.Context, url string) (*Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[url]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *fakeArticleStore) MarkSummaryProcessing(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.articles[url]; ok {
		a.SummaryStatus = SummaryProcessing
	}
	s.summaryEvents = append(s.summaryEvents, SummaryProcessing)
	return nil
}

func (s *fakeArticleStore) SaveSummary(ctx context.Context, url, summary, model, promptVersion string, generatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.articles[url]; ok {
		a.Summary = summary
		a.SummaryModel = model
		a.PromptVersion = promptVersion
		a.SummaryStatus = SummaryCompleted
		a.SummaryGeneratedAt = &generatedAt
	}
	s.summaryEvents = append(s.summaryEvents, SummaryCompleted)
	return nil
}

func (s *fakeArticleStore) MarkSummaryFailed(ctx context.Context, url, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.articles[url]; ok {
		a.SummaryStatus = SummaryFailed
		a.SummaryError = errMsg
	}
	s.summaryEvents = append(s.summaryEvents, SummaryFailed)
	return nil
}

func (s *fakeArticleStore) SaveContentEmbedding(ctx context.Context, url string, vec []float64, model string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.articles[url]; ok {
		a.ContentEmbedding = vec
		a.ContentEmbeddingModel = model
		a.ContentEmbeddingAt = &at
	}
	return nil
}

func (s *fakeArticleStore) SaveSummaryEmbedding(ctx context.Context, url string, vec []float64, model string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.articles[url]; ok {
		a.SummaryEmbedding = vec
		a.SummaryEmbeddingModel = model
		a.SummaryEmbeddingAt = &at
	}
	return nil
}

func (s *fakeArticleStore) ArticlesMissingContentEmbedding(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var urls []string
	for url, a := range s.articles {
		if len(a.ContentEmbedding) == 0 {
			urls = append(urls, url)
		}
	}
	return urls, nil
}

func (s *fakeArticleStore) ArticlesMissingSummaryEmbedding(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var urls []string
	for url, a := range s.articles {
		if a.SummaryStatus == SummaryCompleted && len(a.SummaryEmbedding) == 0 {
			urls = append(urls, url)
		}
	}
	return urls, nil
}

func (s *fakeArticleStore) SummaryBacklog(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var urls []string
	for url, a := range s.articles {
		if a.SummaryStatus == "" || a.SummaryStatus == SummaryAbsent || a.SummaryStatus == SummaryFailed {
			urls = append(urls, url)
		}
	}
	return urls, nil
}

func (s *fakeArticleStore) ArticlesWithContentEmbedding(ctx context.Context, limit int) ([]*Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Article
	for _, a := range s.articles {
		if len(a.ContentEmbedding) > 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeArticleStore) RecentSummarized(ctx context.Context, since time.Time, limit int) ([]*Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent, nil
}

func (s *fakeArticleStore) CountArticles(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.articles)), nil
}

// fakeSourceStore is an in-memory SourceStore for scan tests
type fakeSourceStore struct {
	mu        sync.Mutex
	sources   []*Source
	refreshed map[int64]time.Time
	scanLogs  []*ScanLog
}

func newFakeSourceStore(sources ...*Source) *fakeSourceStore {
	return &fakeSourceStore{sources: sources, refreshed: make(map[int64]time.Time)}
}

func (s *fakeSourceStore) ListSources(ctx context.Context) ([]*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources, nil
}

func (s *fakeSourceStore) GetSource(ctx context.Context, id int64) (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.ID == id {
			return src, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeSourceStore) CreateSource(ctx context.Context, url, name string) (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := &Source{ID: int64(len(s.sources) + 1), URL: url, Name: name, CreatedAt: time.Now()}
	s.sources = append(s.sources, src)
	return src, nil
}

func (s *fakeSourceStore) MarkRefreshed(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed[id] = at
	return nil
}

func (s *fakeSourceStore) LogScan(ctx context.Context, entry *ScanLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanLogs = append(s.scanLogs, entry)
	return nil
}

// fakeTopicStore captures topic collection swaps
type fakeTopicStore struct {
	mu      sync.Mutex
	rolling []*TopicGroup
	daily   []*DailyTopic
}

func (s *fakeTopicStore) ReplaceRollingTopics(ctx context.Context, groups []*TopicGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolling = groups
	return nil
}

func (s *fakeTopicStore) RollingTopicsWithoutSummary(ctx context.Context) ([]*TopicGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TopicGroup
	for _, g := range s.rolling {
		if g.SharedSummaryStatus != SummaryCompleted {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *fakeTopicStore) SetSharedSummary(ctx context.Context, topicID, summary, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.rolling {
		if g.TopicID == topicID {
			g.SharedSummary = summary
			g.SharedSummaryStatus = status
		}
	}
	return nil
}

func (s *fakeTopicStore) ReplaceDailyTopics(ctx context.Context, topics []*DailyTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily = topics
	return nil
}

func (s *fakeTopicStore) ListDailyTopics(ctx context.Context) ([]*DailyTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily, nil
}
