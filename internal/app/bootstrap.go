package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/bzconsulting24/quartermaster-sub001/internal/adapter/gemini"
	"github.com/bzconsulting24/quartermaster-sub001/internal/adapter/openai"
	pgstore "github.com/bzconsulting24/quartermaster-sub001/internal/adapter/postgres"
	wstore "github.com/bzconsulting24/quartermaster-sub001/internal/adapter/weaviate"
	"github.com/bzconsulting24/quartermaster-sub001/internal/config"
	"github.com/bzconsulting24/quartermaster-sub001/internal/embedding"
	"github.com/bzconsulting24/quartermaster-sub001/internal/events"
	"github.com/bzconsulting24/quartermaster-sub001/internal/lease"
	"github.com/bzconsulting24/quartermaster-sub001/internal/queue"
	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

// SchemaEnsurer is a vector backend that manages its own schema.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

type Dependencies struct {
	DB          *sql.DB
	Chunks      vector.ChunkStore
	Queue       queue.Queue
	Locker      lease.Locker
	Embedder    *embedding.Client
	Bus         *events.Bus
	Events      events.Publisher
	NSQProducer *nsq.Producer

	closers []func() error
}

// Close releases everything Bootstrap opened, in reverse order.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			slog.Warn("failed to close dependency", "error", err)
		}
	}
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	// Provider credentials are checked before anything touches the network.
	embedder, closeEmbedder, err := NewEmbeddingClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := &Dependencies{Embedder: embedder}
	if closeEmbedder != nil {
		deps.closers = append(deps.closers, closeEmbedder)
	}

	fail := func(err error) (*Dependencies, error) {
		deps.Close()
		return nil, err
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	deps.DB = db
	deps.closers = append(deps.closers, db.Close)

	chunks, err := NewChunkStore(ctx, cfg, db)
	if err != nil {
		return fail(err)
	}
	deps.Chunks = chunks

	deps.Queue = NewQueue(cfg, db)
	if cfg.QueueBackend == config.BackendMemory {
		deps.Locker = lease.NewKeyedMutex()
	} else {
		deps.Locker = lease.NewPostgresLocker(db)
	}

	deps.Bus = events.NewBus()
	deps.Events = deps.Bus
	if cfg.EnableNSQEvents {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			return fail(fmt.Errorf("nsq producer error: %w", err))
		}
		deps.NSQProducer = producer
		deps.closers = append(deps.closers, func() error { producer.Stop(); return nil })
		deps.Events = events.Multi{deps.Bus, events.NewNSQPublisher(producer, cfg.EventsTopic)}

		createTopics(cfg.NSQDHTTP, cfg.EventsTopic)
	}

	return deps, nil
}

// OpenDB connects with retries and applies pending migrations.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.PingContext(ctx); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1, "max_attempts", cfg.BootstrapRetryAttempts)
		time.Sleep(retryDelay)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}

	return db, nil
}

// NewChunkStore selects the vector backend named by VECTOR_BACKEND.
func NewChunkStore(ctx context.Context, cfg *config.Config, db *sql.DB) (vector.ChunkStore, error) {
	switch cfg.VectorBackend {
	case config.BackendWeaviate:
		client, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		store := wstore.NewStore(client)
		retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
		if err := EnsureSchemaWithRetry(ctx, store, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
			return nil, fmt.Errorf("weaviate schema error: %w", err)
		}
		return store, nil
	case config.BackendMemory:
		slog.Warn("using in-memory vector store, chunks are lost on restart")
		return vector.NewMemoryStore(), nil
	default:
		return pgstore.NewChunkStore(db), nil
	}
}

func NewQueue(cfg *config.Config, db *sql.DB) queue.Queue {
	policy := queue.Policy{MaxAttempts: cfg.QueueMaxAttempts, BackoffBase: cfg.QueueBackoffBase}
	if cfg.QueueBackend == config.BackendMemory {
		slog.Warn("using in-memory job queue, jobs are lost on restart")
		return queue.NewMemoryQueue(policy)
	}
	return queue.NewPostgresQueue(db, policy)
}

// NewEmbeddingClient builds the configured provider. A missing key fails
// with embedding.ErrConfiguration.
func NewEmbeddingClient(ctx context.Context, cfg *config.Config) (*embedding.Client, func() error, error) {
	var (
		provider embedding.Provider
		closer   func() error
	)

	switch cfg.EmbeddingProvider {
	case config.ProviderGemini:
		model := cfg.EmbeddingModel
		if model == openai.DefaultModel {
			model = gemini.DefaultModel
		}
		g, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, model, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, nil, err
		}
		provider, closer = g, g.Close
	default:
		o, err := openai.NewProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, nil, err
		}
		o.SetBaseURL(cfg.OpenAIBaseURL)
		provider = o
	}

	client, err := embedding.NewClient(provider,
		embedding.WithMaxBatchSize(cfg.EmbeddingMaxBatch),
		embedding.WithBatchDelay(time.Duration(cfg.EmbeddingBatchDelayMS)*time.Millisecond),
		embedding.WithRetryBaseDelay(cfg.EmbeddingRetryBaseDelay),
		embedding.WithCostPer1KTokens(cfg.EmbeddingCostPer1K),
		embedding.WithDimensions(cfg.EmbeddingDimensions),
	)
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, nil, err
	}
	return client, closer, nil
}

func createTopics(nsqdHTTP string, topics ...string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		for _, t := range topics {
			create(t)
		}
	}()
}

// EnsureSchemaWithRetry retries EnsureSchema while the backend starts up.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.EnsureSchema(ctx); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return err
}
