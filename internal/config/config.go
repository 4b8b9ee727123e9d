package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds everything the server needs to start.
// Secrets come from the environment (Docker / .env), never from flags.
type Config struct {
	Addr        string // HTTP listen address
	DatabaseDSN string // Postgres connection string
	RedisAddr   string // empty = single-instance mode, no cross-instance bridge
	JWTSecret   string
}

// Load reads a .env file if one exists, then the environment.
// Missing required values fail fast: a half-configured server is worse
// than no server.
func Load() (*Config, error) {
	// Ignore the error: in containers there is no .env file, only real env.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:        getEnv("ADDR", ":8080"),
		DatabaseDSN: os.Getenv("DB_DSN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
	}

	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("config: DB_DSN is not set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is not set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
