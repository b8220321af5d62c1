package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database    DatabaseConfig
	App         AppConfig
	Queue       QueueConfig
	Scan        ScanConfig
	Provider    ProviderConfig
	ML          MLConfig
	Topics      TopicsConfig
	Webhook     WebhookConfig
	Prometheus  PrometheusConfig
	Security    SecurityConfig
	Performance PerformanceConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// AppConfig holds general application configuration
type AppConfig struct {
	Port      int
	LogLevel  string
	UserAgent string
}

// QueueConfig holds task runtime configuration
type QueueConfig struct {
	Workers           int
	MaxTasksPerChild  int
	ResultTTL         time.Duration
	VisibilityTimeout time.Duration
	BacklogSoftCap    int
	ShutdownGrace     time.Duration
}

// ScanConfig holds scan pipeline configuration
type ScanConfig struct {
	MaxConcurrentScans int
	RequestDelay       time.Duration
	RequestTimeout     time.Duration
	MaxRetries         int
	StaggerInterval    time.Duration
	MaxContentLength   int
}

// ProviderConfig holds text-generation provider configuration
type ProviderConfig struct {
	PrimaryURL        string
	PrimaryModel      string
	FallbackURL       string
	FallbackModel     string
	FallbackEnabled   bool
	MinInterval       time.Duration
	QuotaSoftPct      int
	GenerationTimeout time.Duration
	SystemPromptFile  string
	MaxSummaryWords   int
}

// MLConfig holds the embedding/topic service configuration
type MLConfig struct {
	BaseURL            string
	Timeout            time.Duration
	DailyTopicsTimeout time.Duration
}

// TopicsConfig holds topic grouping configuration
type TopicsConfig struct {
	RollingSimilarityThreshold  float64
	RollingMinGroupSize         int
	DailySimilarityThreshold    float64
	DailyMinGroupSize           int
	DailyMaxArticles            int
	DailyWindowDays             int
	AnalysisSimilarityThreshold float64
	AnalysisLimit               int
	SharedSummaryArticleCap     int
	SharedSummaryTotalCap       int
	EmbeddingBatchSize          int
}

// WebhookConfig holds outbound notification configuration
type WebhookConfig struct {
	URLs       []string
	MaxRetries int
	Timeout    time.Duration
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	MetricsPath string
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORSAllowedOrigins string
	CORSAllowedMethods string
	CORSAllowedHeaders string
}

// PerformanceConfig holds performance-related configuration
type PerformanceConfig struct {
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "topicstream"),
		},
		App: AppConfig{
			Port:      getEnvInt("APP_PORT", 8080),
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			UserAgent: getEnv("API_USER_AGENT", "Topicstream/1.0"),
		},
		Queue: QueueConfig{
			Workers:           getEnvInt("QUEUE_WORKERS", 4),
			MaxTasksPerChild:  getEnvInt("WORKER_MAX_TASKS_PER_CHILD", 50),
			ResultTTL:         getEnvDuration("RESULT_TTL", 3600*time.Second),
			VisibilityTimeout: getEnvDuration("BROKER_VISIBILITY_TIMEOUT", 3600*time.Second),
			BacklogSoftCap:    getEnvInt("QUEUE_BACKLOG_SOFT_CAP", 100),
			ShutdownGrace:     getEnvDuration("QUEUE_SHUTDOWN_GRACE", 30*time.Second),
		},
		Scan: ScanConfig{
			MaxConcurrentScans: getEnvInt("MAX_CONCURRENT_SCANS", 5),
			RequestDelay:       getEnvDuration("REQUEST_DELAY", 100*time.Millisecond),
			RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			MaxRetries:         getEnvInt("SCAN_MAX_RETRIES", 2),
			StaggerInterval:    getEnvDuration("SCAN_STAGGER_INTERVAL", 30*time.Second),
			MaxContentLength:   getEnvInt("MAX_ARTICLE_CONTENT_LENGTH", 10000),
		},
		Provider: ProviderConfig{
			PrimaryURL:        getEnv("PROVIDER_PRIMARY_URL", "http://localhost:11434"),
			PrimaryModel:      getEnv("PROVIDER_PRIMARY_MODEL", "llama3"),
			FallbackURL:       getEnv("PROVIDER_FALLBACK_URL", ""),
			FallbackModel:     getEnv("PROVIDER_FALLBACK_MODEL", ""),
			FallbackEnabled:   getEnvBool("PROVIDER_FALLBACK_ENABLED", true),
			MinInterval:       getEnvDuration("PROVIDER_MIN_INTERVAL", 1*time.Second),
			QuotaSoftPct:      getEnvInt("PROVIDER_QUOTA_SOFT_PCT", 90),
			GenerationTimeout: getEnvDuration("PROVIDER_GENERATION_TIMEOUT", 90*time.Second),
			SystemPromptFile:  getEnv("PROVIDER_SYSTEM_PROMPT_FILE", ""),
			MaxSummaryWords:   getEnvInt("MAX_SUMMARY_WORDS", 200),
		},
		ML: MLConfig{
			BaseURL:            getEnv("ML_SERVICE_URL", "http://localhost:8001"),
			Timeout:            getEnvDuration("ML_TIMEOUT", 30*time.Second),
			DailyTopicsTimeout: getEnvDuration("ML_DAILY_TOPICS_TIMEOUT", 5*time.Minute),
		},
		Topics: TopicsConfig{
			RollingSimilarityThreshold:  getEnvFloat("ROLLING_SIMILARITY_THRESHOLD", 0.75),
			RollingMinGroupSize:         getEnvInt("ROLLING_MIN_GROUP_SIZE", 2),
			DailySimilarityThreshold:    getEnvFloat("DAILY_SIMILARITY_THRESHOLD", 0.80),
			DailyMinGroupSize:           getEnvInt("DAILY_MIN_GROUP_SIZE", 5),
			DailyMaxArticles:            getEnvInt("DAILY_MAX_ARTICLES", 500),
			DailyWindowDays:             getEnvInt("DAILY_WINDOW_DAYS", 7),
			AnalysisSimilarityThreshold: getEnvFloat("ANALYSIS_SIMILARITY_THRESHOLD", 0.7),
			AnalysisLimit:               getEnvInt("ANALYSIS_LIMIT", 10),
			SharedSummaryArticleCap:     getEnvInt("SHARED_SUMMARY_ARTICLE_CAP", 500),
			SharedSummaryTotalCap:       getEnvInt("SHARED_SUMMARY_TOTAL_CAP", 4000),
			EmbeddingBatchSize:          getEnvInt("EMBEDDING_BATCH_SIZE", 50),
		},
		Webhook: WebhookConfig{
			URLs:       getEnvStringSlice("NOTIFY_WEBHOOK_URLS", []string{}),
			MaxRetries: getEnvInt("NOTIFY_WEBHOOK_MAX_RETRIES", 2),
			Timeout:    getEnvDuration("NOTIFY_WEBHOOK_TIMEOUT", 30*time.Second),
		},
		Prometheus: PrometheusConfig{
			MetricsPath: getEnv("PROMETHEUS_METRICS_PATH", "/metrics"),
		},
		Security: SecurityConfig{
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			CORSAllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			CORSAllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Performance: PerformanceConfig{
			HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		// Split by comma and trim whitespace
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// GetConnectionString returns the database connection string
func (c *Config) GetConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.Name)
}
