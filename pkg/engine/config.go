package engine

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/engramlabs/engram-go/pkg/memory"
	"github.com/engramlabs/engram-go/pkg/retriever"
)

// DefaultSQLitePath is the sqlite database file used when none is configured.
const DefaultSQLitePath = "./engram.db"

// Config assembles every setting the engine needs. Zero values fall back to
// sensible defaults wherever a default exists.
type Config struct {
	// OpenAIAPIKey authenticates both the embedder and the LLM. Required.
	OpenAIAPIKey string

	// OpenAIBaseURL overrides the API endpoint for both clients.
	OpenAIBaseURL string

	// EmbeddingModel and EmbeddingDimensions configure the embedder.
	EmbeddingModel      string
	EmbeddingDimensions int

	// ChatModel configures the completion client.
	ChatModel string

	// StorageBackend selects "sqlite" (default) or "postgres".
	StorageBackend string

	// SQLitePath is the database file for the sqlite backend. Defaults to
	// DefaultSQLitePath.
	SQLitePath string

	// Postgres connection settings, used when StorageBackend is postgres.
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// RedisAddr enables the Redis shared cache when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// TokenBudget is the default retrieval/prompt budget.
	TokenBudget int

	// Weights overrides the default retrieval signal weights.
	Weights retriever.Weights

	// UseTiktoken switches token estimation from the length heuristic to
	// cl100k_base counting.
	UseTiktoken bool

	// ConsolidationSchedule is a five-field cron expression for the
	// background runner.
	ConsolidationSchedule string
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: openai api key is required", memory.ErrInvalidConfig)
	}
	switch c.StorageBackend {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown storage backend %q", memory.ErrInvalidConfig, c.StorageBackend)
	}
	if c.StorageBackend == "postgres" && c.PostgresHost == "" {
		return fmt.Errorf("%w: postgres backend requires a host", memory.ErrInvalidConfig)
	}
	return nil
}

// ConfigFromEnv loads configuration from the environment, reading a .env file
// first if one exists.
func ConfigFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         os.Getenv("OPENAI_BASE_URL"),
		EmbeddingModel:        os.Getenv("ENGRAM_EMBEDDING_MODEL"),
		ChatModel:             os.Getenv("ENGRAM_CHAT_MODEL"),
		StorageBackend:        os.Getenv("ENGRAM_STORAGE_BACKEND"),
		SQLitePath:            os.Getenv("ENGRAM_SQLITE_PATH"),
		PostgresHost:          os.Getenv("ENGRAM_POSTGRES_HOST"),
		PostgresUser:          os.Getenv("ENGRAM_POSTGRES_USER"),
		PostgresPassword:      os.Getenv("ENGRAM_POSTGRES_PASSWORD"),
		PostgresDB:            os.Getenv("ENGRAM_POSTGRES_DB"),
		PostgresSSLMode:       os.Getenv("ENGRAM_POSTGRES_SSLMODE"),
		RedisAddr:             os.Getenv("ENGRAM_REDIS_ADDR"),
		RedisPassword:         os.Getenv("ENGRAM_REDIS_PASSWORD"),
		ConsolidationSchedule: os.Getenv("ENGRAM_CONSOLIDATION_SCHEDULE"),
	}

	cfg.EmbeddingDimensions = envInt("ENGRAM_EMBEDDING_DIMENSIONS", 0)
	cfg.PostgresPort = envInt("ENGRAM_POSTGRES_PORT", 5432)
	cfg.RedisDB = envInt("ENGRAM_REDIS_DB", 0)
	cfg.TokenBudget = envInt("ENGRAM_TOKEN_BUDGET", 0)
	cfg.UseTiktoken = os.Getenv("ENGRAM_USE_TIKTOKEN") == "true"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
