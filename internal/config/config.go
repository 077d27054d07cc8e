package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mithem/compolvo/pkg/debug"
)

// Queue backend selectors.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config holds the server's runtime configuration, sourced from environment
// variables with an optional .env file.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string

	// DatabaseDSN is the Postgres connection string.
	DatabaseDSN string

	// QueueBackend selects the durable queue implementation. The in-memory
	// queue loses undelivered events on restart; redis survives them.
	QueueBackend string

	// RedisAddr is the Redis host:port, only used with the redis backend.
	RedisAddr string

	// PlaybookDir is the directory served under /ansible/playbooks/.
	PlaybookDir string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
		debug.Debug("No .env file found, using environment only")
	}

	cfg := &Config{
		ListenAddr:   getEnv("COMPOLVO_LISTEN_ADDR", ":8080"),
		DatabaseDSN:  os.Getenv("COMPOLVO_DATABASE_DSN"),
		QueueBackend: getEnv("COMPOLVO_QUEUE_BACKEND", QueueMemory),
		RedisAddr:    getEnv("COMPOLVO_REDIS_ADDR", "localhost:6379"),
		PlaybookDir:  getEnv("COMPOLVO_PLAYBOOK_DIR", "playbooks"),
	}

	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("COMPOLVO_DATABASE_DSN is required")
	}
	switch cfg.QueueBackend {
	case QueueMemory, QueueRedis:
	default:
		return nil, fmt.Errorf("unknown queue backend %q (expected %s or %s)",
			cfg.QueueBackend, QueueMemory, QueueRedis)
	}

	return cfg, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
