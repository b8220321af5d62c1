package main

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Task names. The registry is keyed by these; anything else lands in the
// dead-letter queue.
const (
	TaskScanAllSources      = "scan-all-sources"
	TaskScanSource          = "scan-source"
	TaskRefreshSource       = "refresh-source"
	TaskSummarizeArticle    = "summarize-article"
	TaskContentEmbedding    = "content-embedding"
	TaskSummaryEmbedding    = "summary-embedding"
	TaskEmbeddingBackfill   = "embedding-backfill"
	TaskTopicAnalysis       = "topic-analysis"
	TaskSummaryBacklogSweep = "summary-backlog-sweep"
	TaskRollingTopics       = "rolling-topics"
	TaskSharedSummaries     = "shared-summaries"
	TaskWeeklyTopicPipeline = "weekly-topic-pipeline"
	TaskDailyTopicsRebuild  = "daily-topics-rebuild"
)

// TaskPayload is the tagged variant over job arguments. Every task name has
// exactly one payload type so dispatch is a total function over known
// variants.
type TaskPayload interface {
	TaskName() string
}

// ScanAllSourcesArgs triggers the low-priority fan-out over all sources
type ScanAllSourcesArgs struct{}

func (ScanAllSourcesArgs) TaskName() string { return TaskScanAllSources }

// ScanSourceArgs runs one scheduled per-source scan
type ScanSourceArgs struct {
	SourceID int64  `json:"source_id"`
	FeedURL  string `json:"feed_url"`
}

func (ScanSourceArgs) TaskName() string { return TaskScanSource }

// RefreshSourceArgs runs a user-initiated scan of one source. Same body as
// a scheduled scan but routed to the high queue with its own retry policy.
type RefreshSourceArgs struct {
	SourceID int64  `json:"source_id"`
	FeedURL  string `json:"feed_url"`
}

func (RefreshSourceArgs) TaskName() string { return TaskRefreshSource }

// SummarizeArticleArgs generates a summary for one article
type SummarizeArticleArgs struct {
	ArticleURL string `json:"article_url"`
}

func (SummarizeArticleArgs) TaskName() string { return TaskSummarizeArticle }

// ContentEmbeddingArgs computes the content embedding for one article
type ContentEmbeddingArgs struct {
	ArticleURL string `json:"article_url"`
}

func (ContentEmbeddingArgs) TaskName() string { return TaskContentEmbedding }

// SummaryEmbeddingArgs computes the summary embedding for one article
type SummaryEmbeddingArgs struct {
	ArticleURL string `json:"article_url"`
}

func (SummaryEmbeddingArgs) TaskName() string { return TaskSummaryEmbedding }

// EmbeddingBackfillArgs sweeps the embedding backlog and submits individual
// embedding jobs
type EmbeddingBackfillArgs struct {
	BatchSize int `json:"batch_size"`
}

func (EmbeddingBackfillArgs) TaskName() string { return TaskEmbeddingBackfill }

// TopicAnalysisArgs runs the per-new-article similarity probe
type TopicAnalysisArgs struct {
	ArticleURL string `json:"article_url"`
}

func (TopicAnalysisArgs) TaskName() string { return TaskTopicAnalysis }

// SummaryBacklogSweepArgs re-enqueues summary jobs for articles with absent
// or failed summaries
type SummaryBacklogSweepArgs struct{}

func (SummaryBacklogSweepArgs) TaskName() string { return TaskSummaryBacklogSweep }

// RollingTopicsArgs rebuilds the rolling topic collection
type RollingTopicsArgs struct{}

func (RollingTopicsArgs) TaskName() string { return TaskRollingTopics }

// SharedSummariesArgs generates shared summaries for rolling groups lacking one
type SharedSummariesArgs struct{}

func (SharedSummariesArgs) TaskName() string { return TaskSharedSummaries }

// WeeklyTopicPipelineArgs chains embedding backfill, rolling grouping and
// shared-summary generation
type WeeklyTopicPipelineArgs struct{}

func (WeeklyTopicPipelineArgs) TaskName() string { return TaskWeeklyTopicPipeline }

// DailyTopicsArgs rebuilds the daily topic collection
type DailyTopicsArgs struct{}

func (DailyTopicsArgs) TaskName() string { return TaskDailyTopicsRebuild }

// ErrUnknownTask marks a payload whose name has no registered variant
var ErrUnknownTask = errors.New("unknown task name")

// decodeTaskPayload maps an external (name, args) pair onto its typed
// variant. Unknown names surface ErrUnknownTask so the runtime can route
// the submission to the dead-letter queue.
func decodeTaskPayload(name string, args json.RawMessage) (TaskPayload, error) {
	var payload TaskPayload
	switch name {
	case TaskScanAllSources:
		payload = &ScanAllSourcesArgs{}
	case TaskScanSource:
		payload = &ScanSourceArgs{}
	case TaskRefreshSource:
		payload = &RefreshSourceArgs{}
	case TaskSummarizeArticle:
		payload = &SummarizeArticleArgs{}
	case TaskContentEmbedding:
		payload = &ContentEmbeddingArgs{}
	case TaskSummaryEmbedding:
		payload = &SummaryEmbeddingArgs{}
	case TaskEmbeddingBackfill:
		payload = &EmbeddingBackfillArgs{}
	case TaskTopicAnalysis:
		payload = &TopicAnalysisArgs{}
	case TaskSummaryBacklogSweep:
		payload = &SummaryBacklogSweepArgs{}
	case TaskRollingTopics:
		payload = &RollingTopicsArgs{}
	case TaskSharedSummaries:
		payload = &SharedSummariesArgs{}
	case TaskWeeklyTopicPipeline:
		payload = &WeeklyTopicPipelineArgs{}
	case TaskDailyTopicsRebuild:
		payload = &DailyTopicsArgs{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	if len(args) > 0 {
		if err := json.Unmarshal(args, payload); err != nil {
			return nil, fmt.Errorf("failed to decode args for task %s: %w", name, err)
		}
	}
	return payload, nil
}
