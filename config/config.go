package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/tokenspy/internal/billing"
)

// Durable log backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	// Durable log
	Store        string // default: sqlite
	DBPath       string // default: ~/.tokenspy/usage.db
	PostgresDSN  string
	RedisAddr    string
	RedisStream  string // default: tokenspy:llm_calls
	WriteTimeout time.Duration

	// Accounting
	PricesFile string // TOML price overrides
	TrackGit   bool

	// Server
	Port            string // default: 8080
	RateLimitTPM    int64  // tokens per minute per session, 0 disables
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Observability
	OTELExporterType     string // "none", "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             slog.Level
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Store:                strings.ToLower(getEnv("TOKENSPY_STORE", StoreSQLite)),
		DBPath:               getEnv("TOKENSPY_DB", DefaultDBPath()),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisStream:          getEnv("TOKENSPY_REDIS_STREAM", billing.DefaultStream),
		PricesFile:           os.Getenv("TOKENSPY_PRICES"),
		Port:                 getEnv("PORT", "8080"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}
	cfg.DBPath = ExpandHome(cfg.DBPath)

	var err error
	if cfg.TrackGit, err = strconv.ParseBool(getEnv("TOKENSPY_TRACK_GIT", "false")); err != nil {
		return nil, fmt.Errorf("invalid TOKENSPY_TRACK_GIT: %w", err)
	}
	if cfg.WriteTimeout, err = time.ParseDuration(getEnv("TOKENSPY_WRITE_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("invalid TOKENSPY_WRITE_TIMEOUT: %w", err)
	}
	if cfg.RateLimitTPM, err = strconv.ParseInt(getEnv("TOKENSPY_RATE_LIMIT_TPM", "0"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid TOKENSPY_RATE_LIMIT_TPM: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	// Validation
	switch cfg.Store {
	case StoreSQLite:
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required when TOKENSPY_STORE=postgres")
		}
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when TOKENSPY_STORE=redis")
		}
	default:
		return nil, fmt.Errorf("invalid TOKENSPY_STORE %q: must be sqlite, postgres or redis", cfg.Store)
	}
	if cfg.WriteTimeout <= 0 {
		return nil, fmt.Errorf("TOKENSPY_WRITE_TIMEOUT must be positive")
	}
	if cfg.RateLimitTPM > 0 && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required when TOKENSPY_RATE_LIMIT_TPM is set")
	}

	return cfg, nil
}

// OpenStore builds the configured durable log. sqlitePath overrides DBPath when non-empty.
func (c *Config) OpenStore(sqlitePath string, opts ...billing.Option) (billing.Store, error) {
	switch c.Store {
	case "", StoreSQLite:
		if sqlitePath == "" {
			sqlitePath = c.DBPath
		}
		return billing.NewSQLiteStore(ExpandHome(sqlitePath), opts...), nil
	case StorePostgres:
		return billing.NewPostgresStore(c.PostgresDSN, opts...), nil
	case StoreRedis:
		return billing.NewRedisStore(c.RedisAddr, c.RedisStream, opts...), nil
	default:
		return nil, fmt.Errorf("unknown store %q", c.Store)
	}
}

// DefaultDBPath is ~/.tokenspy/usage.db, or a relative .tokenspy/usage.db when the home
// directory is unknown.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".tokenspy", "usage.db")
	}
	return filepath.Join(home, ".tokenspy", "usage.db")
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
