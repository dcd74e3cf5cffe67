// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/hypertune/internal/storage"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
		// MaxBodyBytes bounds request bodies, inline datasets included.
		MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES" envDefault:"33554432"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	// Search holds the defaults applied to jobs that leave a field unset.
	Search struct {
		NumThreads    int    `env:"SEARCH_NUM_THREADS" envDefault:"4"`
		FoldThreads   int    `env:"SEARCH_FOLD_THREADS" envDefault:"1"`
		Folds         int    `env:"SEARCH_FOLDS" envDefault:"3"`
		MaxIter       int    `env:"SEARCH_MAX_ITER" envDefault:"50"`
		TempModelPath string `env:"SEARCH_TEMP_MODEL_PATH"`
		OutputRoot    string `env:"SEARCH_OUTPUT_ROOT" envDefault:"data/searches"`
		// MaxConcurrent bounds searches running at once on the server.
		MaxConcurrent int `env:"SEARCH_MAX_CONCURRENT" envDefault:"2"`
	}
	Storage struct {
		ModelStore storage.Kind `env:"MODEL_STORE" envDefault:"file"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no search could run with.
func (c *Config) Validate() error {
	switch {
	case c.HTTP.Port <= 0 || c.HTTP.Port > 65535:
		return fmt.Errorf("HTTP_PORT %d out of range", c.HTTP.Port)
	case c.Search.NumThreads < 1:
		return fmt.Errorf("SEARCH_NUM_THREADS must be at least 1, got %d", c.Search.NumThreads)
	case c.Search.FoldThreads < 1:
		return fmt.Errorf("SEARCH_FOLD_THREADS must be at least 1, got %d", c.Search.FoldThreads)
	case c.Search.Folds < 2:
		return fmt.Errorf("SEARCH_FOLDS must be at least 2, got %d", c.Search.Folds)
	case c.Search.MaxIter < 1:
		return fmt.Errorf("SEARCH_MAX_ITER must be at least 1, got %d", c.Search.MaxIter)
	case c.Search.MaxConcurrent < 1:
		return fmt.Errorf("SEARCH_MAX_CONCURRENT must be at least 1, got %d", c.Search.MaxConcurrent)
	}
	switch c.Storage.ModelStore {
	case storage.KindFile, storage.KindBadger:
	default:
		return fmt.Errorf("MODEL_STORE must be %q or %q, got %q", storage.KindFile, storage.KindBadger, c.Storage.ModelStore)
	}
	return nil
}
