package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"topicstream/config"

	_ "github.com/lib/pq"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting Topicstream analysis service")

	// Initialize Prometheus metrics
	metrics := NewPrometheusMetrics()
	log.Println("Prometheus metrics initialized")

	// Initialize database
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db)

	// Create circuit breaker manager
	circuitBreakers := NewCircuitBreakerManager()
	circuitBreakers.SetMetrics(metrics)

	// Outbound clients
	notifier := NewWebhookNotifier(cfg, metrics)
	provider := NewProviderGateway(cfg, metrics)
	ml := NewMLClient(cfg, metrics)

	// Task runtime and registry
	registry := NewTaskRegistry()
	taskRuntime := NewTaskRuntime(registry, cfg, metrics, store)

	// Pipeline engines
	scanEngine := NewScanEngine(store, store, taskRuntime, cfg, metrics, circuitBreakers, notifier)
	summaryEngine := NewSummaryEngine(store, taskRuntime, provider, cfg, metrics)
	embeddingEngine := NewEmbeddingEngine(store, taskRuntime, ml, cfg, metrics)
	topicEngine := NewTopicEngine(store, store, taskRuntime, ml, provider, cfg, metrics)
	dailyBuilder := NewDailyTopicBuilder(store, store, ml, provider, cfg, metrics, notifier)

	if err := registerTasks(registry, cfg, scanEngine, summaryEngine, embeddingEngine, topicEngine, dailyBuilder); err != nil {
		log.Fatalf("Failed to register tasks: %v", err)
	}

	// Create API server
	apiServer := NewAPIServer(db, store, taskRuntime, metrics, cfg, circuitBreakers)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := taskRuntime.Start(ctx); err != nil {
		log.Fatalf("Failed to start task runtime: %v", err)
	}

	scheduler := NewPeriodicScheduler(taskRuntime, metrics)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("Failed to start periodic scheduler: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)

	// Start API server
	go func() {
		defer wg.Done()
		apiServer.Start()
	}()

	// Start database metrics updater
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				metrics.UpdateDBConnections(stats.OpenConnections, stats.InUse, stats.Idle)
			}
		}
	}()

	// Start article count metrics updater
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		update := func() {
			if count, err := store.CountArticles(ctx); err != nil {
				log.Printf("Error updating article count metric: %v", err)
			} else {
				metrics.UpdateArticlesInDatabase(count)
			}
		}
		update()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				update()
			}
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Println("Shutdown signal received, stopping services...")

	cancel()
	if err := taskRuntime.Stop(); err != nil {
		log.Printf("Error stopping task runtime: %v", err)
	}
	wg.Wait()
	log.Println("All services stopped successfully")
}

// registerTasks wires every task name to its engine handler with the
// routing defaults and retry budgets for its class of work
func registerTasks(registry *TaskRegistry, cfg *config.Config, scan *ScanEngine, summary *SummaryEngine, embed *EmbeddingEngine, topic *TopicEngine, daily *DailyTopicBuilder) error {
	defs := []*TaskDefinition{
		{
			Name:         TaskScanAllSources,
			Queue:        QueueLow,
			Priority:     3,
			MaxInstances: 1,
			Handler:      scan.HandleScanAllSources,
		},
		{
			Name:     TaskScanSource,
			Queue:    QueueNormal,
			Priority: 5,
			Retry:    RetryPolicy{MaxRetries: 3, InitialDelay: 120 * time.Second, Multiplier: 2},
			Handler:  scan.HandleScanSource,
		},
		{
			Name:     TaskRefreshSource,
			Queue:    QueueHigh,
			Priority: 10,
			Retry:    RetryPolicy{MaxRetries: 2, InitialDelay: 30 * time.Second, Multiplier: 1},
			Handler:  scan.HandleRefreshSource,
		},
		{
			Name:     TaskSummarizeArticle,
			Queue:    QueueNormal,
			Priority: 4,
			Retry:    RetryPolicy{MaxRetries: 2, InitialDelay: 60 * time.Second, Multiplier: 1},
			Handler:  summary.HandleSummarizeArticle,
		},
		{
			Name:     TaskContentEmbedding,
			Queue:    QueueNormal,
			Priority: 3,
			Retry:    RetryPolicy{MaxRetries: 2, InitialDelay: 60 * time.Second, Multiplier: 1},
			Handler:  embed.HandleContentEmbedding,
		},
		{
			Name:     TaskSummaryEmbedding,
			Queue:    QueueNormal,
			Priority: 4,
			Retry:    RetryPolicy{MaxRetries: 2, InitialDelay: 60 * time.Second, Multiplier: 1},
			Handler:  embed.HandleSummaryEmbedding,
		},
		{
			Name:         TaskEmbeddingBackfill,
			Queue:        QueueLow,
			Priority:     2,
			MaxInstances: 1,
			Handler:      embed.HandleEmbeddingBackfill,
		},
		{
			Name:     TaskTopicAnalysis,
			Queue:    QueueNormal,
			Priority: 2,
			Retry:    RetryPolicy{MaxRetries: 1, InitialDelay: 60 * time.Second, Multiplier: 1},
			Handler:  topic.HandleTopicAnalysis,
		},
		{
			Name:         TaskSummaryBacklogSweep,
			Queue:        QueueLow,
			Priority:     2,
			MaxInstances: 1,
			Handler:      summary.HandleSummaryBacklogSweep,
		},
		{
			Name:         TaskRollingTopics,
			Queue:        QueueLow,
			Priority:     2,
			MaxInstances: 1,
			Handler:      topic.HandleRollingTopics,
		},
		{
			Name:         TaskSharedSummaries,
			Queue:        QueueLow,
			Priority:     2,
			MaxInstances: 1,
			Handler:      topic.HandleSharedSummaries,
		},
		{
			Name:         TaskWeeklyTopicPipeline,
			Queue:        QueueLow,
			Priority:     1,
			MaxInstances: 1,
			Handler:      topic.HandleWeeklyTopicPipeline,
		},
		{
			Name:         TaskDailyTopicsRebuild,
			Queue:        QueueLow,
			Priority:     2,
			MaxInstances: 1,
			Handler:      daily.HandleDailyTopicsRebuild,
		},
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func initDatabase(cfg *config.Config) (*sql.DB, error) {
	connStr := cfg.GetConnectionString()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	// Create tables if they don't exist
	if err := InitSchema(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %v", err)
	}

	log.Println("Database connection established")
	return db, nil
}
