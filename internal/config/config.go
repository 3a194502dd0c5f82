package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	BackendPostgres = "postgres"
	BackendWeaviate = "weaviate"
	BackendMemory   = "memory"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"quartermaster"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"quartermaster"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Embedding provider
	EmbeddingProvider       string        `envconfig:"EMBEDDING_PROVIDER" default:"openai"`
	OpenAIAPIKey            string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL           string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	GeminiAPIKey            string        `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel          string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions     int           `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	EmbeddingMaxBatch       int           `envconfig:"EMBEDDING_MAX_BATCH" default:"2048"`
	EmbeddingBatchDelayMS   int           `envconfig:"EMBEDDING_BATCH_DELAY_MS" default:"100"`
	EmbeddingCostPer1K      float64       `envconfig:"EMBEDDING_COST_PER_1K_TOKENS" default:"0.00002"`
	EmbeddingRetryBaseDelay time.Duration `envconfig:"EMBEDDING_RETRY_BASE_DELAY" default:"1s"`

	// Chunking
	ChunkSize              int  `envconfig:"CHUNK_SIZE" default:"512"`
	ChunkOverlap           int  `envconfig:"CHUNK_OVERLAP" default:"50"`
	ChunkPreserveSentences bool `envconfig:"CHUNK_PRESERVE_SENTENCES" default:"true"`

	// Worker pool
	EnableAPI            bool          `envconfig:"ENABLE_API" default:"true"`
	EnableEmbedderWorker bool          `envconfig:"ENABLE_EMBEDDER_WORKER" default:"false"`
	WorkerConcurrency    int           `envconfig:"WORKER_CONCURRENCY" default:"5"`
	WorkerRateLimit      int           `envconfig:"WORKER_RATE_LIMIT" default:"50"`
	WorkerRateWindow     time.Duration `envconfig:"WORKER_RATE_WINDOW" default:"1m"`
	WorkerPollInterval   time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"1s"`

	// Queue
	QueueBackend          string        `envconfig:"QUEUE_BACKEND" default:"postgres"`
	QueueMaxAttempts      int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`
	QueueBackoffBase      time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"2s"`
	QueueKeepCompleted    int           `envconfig:"QUEUE_KEEP_COMPLETED" default:"100"`
	QueueCompletedMaxAge  time.Duration `envconfig:"QUEUE_COMPLETED_MAX_AGE" default:"24h"`
	QueueKeepFailed       int           `envconfig:"QUEUE_KEEP_FAILED" default:"1000"`
	QueueFailedMaxAge     time.Duration `envconfig:"QUEUE_FAILED_MAX_AGE" default:"168h"`
	QueuePruneInterval    time.Duration `envconfig:"QUEUE_PRUNE_INTERVAL" default:"5m"`
	QueueStallTimeout     time.Duration `envconfig:"QUEUE_STALL_TIMEOUT" default:"30m"`
	RetainSourceContent   bool          `envconfig:"RETAIN_SOURCE_CONTENT" default:"false"`

	// Vector store
	VectorBackend  string `envconfig:"VECTOR_BACKEND" default:"postgres"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	// Events
	EnableNSQEvents bool   `envconfig:"ENABLE_NSQ_EVENTS" default:"true"`
	NSQDHost        string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP        string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	EventsTopic     string `envconfig:"EVENTS_TOPIC" default:"embedding.events"`

	// Server
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	QueryTopKCap int    `envconfig:"QUERY_TOP_K_CAP" default:"50"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars set in the shell win over both files.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}

	switch c.EmbeddingProvider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("%w: EMBEDDING_PROVIDER %q", ErrInvalid, c.EmbeddingProvider)
	}
	switch c.VectorBackend {
	case BackendPostgres, BackendWeaviate, BackendMemory:
	default:
		return fmt.Errorf("%w: VECTOR_BACKEND %q", ErrInvalid, c.VectorBackend)
	}
	switch c.QueueBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("%w: QUEUE_BACKEND %q", ErrInvalid, c.QueueBackend)
	}
	// Memory backends are invisible to other processes.
	singleProcess := c.EnableAPI && c.EnableEmbedderWorker
	if c.QueueBackend == BackendMemory && !singleProcess {
		return fmt.Errorf("%w: QUEUE_BACKEND=memory needs ENABLE_API and ENABLE_EMBEDDER_WORKER in one process", ErrInvalid)
	}
	if c.VectorBackend == BackendMemory && !singleProcess {
		return fmt.Errorf("%w: VECTOR_BACKEND=memory needs ENABLE_API and ENABLE_EMBEDDER_WORKER in one process", ErrInvalid)
	}

	for name, v := range map[string]int{
		"EMBEDDING_DIMENSIONS": c.EmbeddingDimensions,
		"CHUNK_SIZE":           c.ChunkSize,
		"WORKER_CONCURRENCY":   c.WorkerConcurrency,
		"WORKER_RATE_LIMIT":    c.WorkerRateLimit,
		"QUEUE_MAX_ATTEMPTS":   c.QueueMaxAttempts,
		"QUERY_TOP_K_CAP":      c.QueryTopKCap,
	} {
		if v < 1 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalid)
	}
	return nil
}

// DSN is the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

// MigrateURL is the golang-migrate database URL.
func (c *Config) MigrateURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName)
}
