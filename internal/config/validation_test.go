package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bzconsulting24/quartermaster-sub001/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		DBHost:              "localhost",
		DBUser:              "user",
		DBName:              "db",
		EmbeddingProvider:   config.ProviderOpenAI,
		EmbeddingDimensions: 1536,
		ChunkSize:           512,
		ChunkOverlap:        50,
		EnableAPI:           true,
		WorkerConcurrency:   5,
		WorkerRateLimit:     50,
		QueueBackend:        config.BackendPostgres,
		QueueMaxAttempts:    3,
		VectorBackend:       config.BackendPostgres,
		QueryTopKCap:        50,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		errIs  error
	}{
		{
			name:   "Valid Config",
			mutate: func(c *config.Config) {},
		},
		{
			name:   "Missing DBHost",
			mutate: func(c *config.Config) { c.DBHost = "" },
			errIs:  config.ErrMissingRequired,
		},
		{
			name:   "Missing DBUser",
			mutate: func(c *config.Config) { c.DBUser = "" },
			errIs:  config.ErrMissingRequired,
		},
		{
			name:   "Missing DBName",
			mutate: func(c *config.Config) { c.DBName = "" },
			errIs:  config.ErrMissingRequired,
		},
		{
			name:   "Unknown Provider",
			mutate: func(c *config.Config) { c.EmbeddingProvider = "cohere" },
			errIs:  config.ErrInvalid,
		},
		{
			name:   "Gemini Provider",
			mutate: func(c *config.Config) { c.EmbeddingProvider = config.ProviderGemini },
		},
		{
			name:   "Weaviate Backend",
			mutate: func(c *config.Config) { c.VectorBackend = config.BackendWeaviate },
		},
		{
			name:   "Unknown Vector Backend",
			mutate: func(c *config.Config) { c.VectorBackend = "chroma" },
			errIs:  config.ErrInvalid,
		},
		{
			name:   "Weaviate Queue Backend",
			mutate: func(c *config.Config) { c.QueueBackend = config.BackendWeaviate },
			errIs:  config.ErrInvalid,
		},
		{
			name:   "Memory Queue Without Worker",
			mutate: func(c *config.Config) { c.QueueBackend = config.BackendMemory },
			errIs:  config.ErrInvalid,
		},
		{
			name: "Memory Queue With Both Roles",
			mutate: func(c *config.Config) {
				c.QueueBackend = config.BackendMemory
				c.EnableEmbedderWorker = true
			},
		},
		{
			name:   "Memory Vector Store Without Worker",
			mutate: func(c *config.Config) { c.VectorBackend = config.BackendMemory },
			errIs:  config.ErrInvalid,
		},
		{
			name: "Memory Vector Store Without API",
			mutate: func(c *config.Config) {
				c.VectorBackend = config.BackendMemory
				c.EnableAPI = false
				c.EnableEmbedderWorker = true
			},
			errIs: config.ErrInvalid,
		},
		{
			name: "Memory Vector Store With Both Roles",
			mutate: func(c *config.Config) {
				c.VectorBackend = config.BackendMemory
				c.EnableEmbedderWorker = true
			},
		},
		{
			name:   "Zero Concurrency",
			mutate: func(c *config.Config) { c.WorkerConcurrency = 0 },
			errIs:  config.ErrInvalid,
		},
		{
			name:   "Zero Max Attempts",
			mutate: func(c *config.Config) { c.QueueMaxAttempts = 0 },
			errIs:  config.ErrInvalid,
		},
		{
			name:   "Overlap Equals Chunk Size",
			mutate: func(c *config.Config) { c.ChunkOverlap = 512 },
			errIs:  config.ErrInvalid,
		},
		{
			name:   "Negative Overlap",
			mutate: func(c *config.Config) { c.ChunkOverlap = -1 },
			errIs:  config.ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errIs == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}
