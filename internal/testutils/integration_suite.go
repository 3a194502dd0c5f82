package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/bzconsulting24/quartermaster-sub001/internal/config"
)

// IntegrationSuite starts Postgres with pgvector and, on request, Weaviate
// and nsqd in containers.
type IntegrationSuite struct {
	T        *testing.T
	DB       *sql.DB
	Weaviate *weaviate.Client
	NSQ      *nsq.Producer

	WithWeaviate bool
	WithNSQ      bool

	pgHost        string
	pgPort        int
	weaviateHost  string
	nsqTCP        string
	nsqHTTP       string
	migrationPath string

	// Containers
	pgContainer       *postgres.PostgresContainer
	weaviateContainer testcontainers.Container
	nsqContainer      testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	// 1. Postgres
	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("quartermaster_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	s.pgHost = host
	s.pgPort, err = strconv.Atoi(port.Port())
	require.NoError(s.T, err)

	// Run Migrations
	_, b, _, _ := runtime.Caller(0)
	basepath := filepath.Dir(b)
	s.migrationPath = fmt.Sprintf("file://%s/../../migrations", basepath)

	m, err := migrate.New(s.migrationPath, connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())

	// 2. Weaviate
	if s.WithWeaviate {
		req := testcontainers.ContainerRequest{
			Image:        "semitechnologies/weaviate:latest",
			ExposedPorts: []string{"8080/tcp", "50051/tcp"},
			Env: map[string]string{
				"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
				"DEFAULT_VECTORIZER_MODULE":               "none",
				"PERSISTENCE_DATA_PATH":                   "/var/lib/weaviate",
			},
			WaitingFor: wait.ForHTTP("/v1/meta").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
		}
		weaviateC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		require.NoError(s.T, err)
		s.weaviateContainer = weaviateC

		host, err := weaviateC.Host(ctx)
		require.NoError(s.T, err)
		port, err := weaviateC.MappedPort(ctx, "8080")
		require.NoError(s.T, err)

		s.weaviateHost = fmt.Sprintf("%s:%s", host, port.Port())
		s.Weaviate, err = weaviate.NewClient(weaviate.Config{Host: s.weaviateHost, Scheme: "http"})
		require.NoError(s.T, err)
	}

	// 3. NSQ
	if s.WithNSQ {
		nsqReq := testcontainers.ContainerRequest{
			Image:        "nsqio/nsq:v1.3.0",
			ExposedPorts: []string{"4150/tcp", "4151/tcp"},
			Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
			WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
		}
		nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: nsqReq,
			Started:          true,
		})
		require.NoError(s.T, err)
		s.nsqContainer = nsqC

		nsqHost, err := nsqC.Host(ctx)
		require.NoError(s.T, err)
		tcpPort, err := nsqC.MappedPort(ctx, "4150")
		require.NoError(s.T, err)
		httpPort, err := nsqC.MappedPort(ctx, "4151")
		require.NoError(s.T, err)

		s.nsqTCP = fmt.Sprintf("%s:%s", nsqHost, tcpPort.Port())
		s.nsqHTTP = fmt.Sprintf("%s:%s", nsqHost, httpPort.Port())
		s.NSQ, err = nsq.NewProducer(s.nsqTCP, nsq.NewConfig())
		require.NoError(s.T, err)
	}
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.weaviateContainer != nil {
		s.weaviateContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
}

// GetAppConfig points a config at the suite's containers. NSQ events stay
// off unless the suite started nsqd.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	return &config.Config{
		DBHost:        s.pgHost,
		DBPort:        s.pgPort,
		DBUser:        "test",
		DBPass:        "test",
		DBName:        "quartermaster_test",
		MigrationPath: s.migrationPath,

		EmbeddingProvider:   config.ProviderOpenAI,
		OpenAIAPIKey:        "sk-test",
		EmbeddingModel:      "text-embedding-3-small",
		EmbeddingDimensions: 1536,
		EmbeddingMaxBatch:   2048,

		ChunkSize:              512,
		ChunkOverlap:           50,
		ChunkPreserveSentences: true,

		EnableAPI:          true,
		WorkerConcurrency:  2,
		WorkerRateLimit:    50,
		WorkerRateWindow:   time.Minute,
		WorkerPollInterval: 50 * time.Millisecond,

		QueueBackend:     config.BackendPostgres,
		QueueMaxAttempts: 3,
		QueueBackoffBase: 10 * time.Millisecond,

		VectorBackend:  config.BackendPostgres,
		WeaviateHost:   s.weaviateHost,
		WeaviateScheme: "http",

		EnableNSQEvents: s.WithNSQ,
		NSQDHost:        s.nsqTCP,
		NSQDHTTP:        s.nsqHTTP,
		EventsTopic:     "embedding.events",

		ServerPort:   8081,
		QueryLogPath: filepath.Join(s.T.TempDir(), "query.log"),
		QueryTopKCap: 50,

		BootstrapRetryAttempts:     5,
		BootstrapRetryDelaySeconds: 1,
	}
}

func (s *IntegrationSuite) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

type captureHandler struct {
	ch chan *nsq.Message
}

func (h *captureHandler) HandleMessage(m *nsq.Message) error {
	select {
	case h.ch <- m:
	default:
	}
	return nil
}

// ConsumeOne waits up to 10s for a single message on topic.
func (s *IntegrationSuite) ConsumeOne(topic string) *nsq.Message {
	consumer, err := nsq.NewConsumer(topic, "test-capture", nsq.NewConfig())
	require.NoError(s.T, err)
	defer consumer.Stop()

	h := &captureHandler{ch: make(chan *nsq.Message, 1)}
	consumer.AddHandler(h)
	require.NoError(s.T, consumer.ConnectToNSQD(s.nsqTCP))

	select {
	case m := <-h.ch:
		return m
	case <-time.After(10 * time.Second):
		return nil
	}
}
