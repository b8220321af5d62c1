package main

import (
	"testing"

	"topicstream/config"
)

func TestRegisteredTaskRoutingDefaults(t *testing.T) {
	registry := NewTaskRegistry()
	if err := registerTasks(registry, config.Load(), &ScanEngine{}, &SummaryEngine{},
		&EmbeddingEngine{}, &TopicEngine{}, &DailyTopicBuilder{}); err != nil {
		t.Fatalf("registerTasks failed: %v", err)
	}

	tests := []struct {
		name     string
		queue    QueueClass
		priority int
	}{
		{TaskScanAllSources, QueueLow, 3},
		{TaskScanSource, QueueNormal, 5},
		{TaskRefreshSource, QueueHigh, 10},
		{TaskSummarizeArticle, QueueNormal, 4},
		{TaskContentEmbedding, QueueNormal, 3},
		{TaskSummaryEmbedding, QueueNormal, 4},
		{TaskTopicAnalysis, QueueNormal, 2},
		{TaskEmbeddingBackfill, QueueLow, 2},
		{TaskDailyTopicsRebuild, QueueLow, 2},
		{TaskWeeklyTopicPipeline, QueueLow, 1},
	}
	for _, tt := range tests {
		def := registry.Lookup(tt.name)
		if def == nil {
			t.Errorf("%s not registered", tt.name)
			continue
		}
		if def.Queue != tt.queue || def.Priority != tt.priority {
			t.Errorf("%s routed %s/%d, want %s/%d", tt.name, def.Queue, def.Priority, tt.queue, tt.priority)
		}
	}
}

func TestRegisteredRetryBudgets(t *testing.T) {
	registry := NewTaskRegistry()
	if err := registerTasks(registry, config.Load(), &ScanEngine{}, &SummaryEngine{},
		&EmbeddingEngine{}, &TopicEngine{}, &DailyTopicBuilder{}); err != nil {
		t.Fatalf("registerTasks failed: %v", err)
	}

	scan := registry.Lookup(TaskScanSource)
	if scan.Retry.MaxRetries != 3 {
		t.Errorf("scan-source max retries = %d, want 3", scan.Retry.MaxRetries)
	}
	// 120s initial with multiplier 2: 120, 240, 480
	for i, want := range []int{120, 240, 480} {
		if got := int(scan.Retry.Delay(i + 1).Seconds()); got != want {
			t.Errorf("scan-source retry %d delay = %ds, want %ds", i+1, got, want)
		}
	}

	refresh := registry.Lookup(TaskRefreshSource)
	if refresh.Retry.MaxRetries != 2 || refresh.Retry.Delay(2) != refresh.Retry.Delay(1) {
		t.Errorf("refresh-source retry = %+v, want 2 flat 30s retries", refresh.Retry)
	}
}
