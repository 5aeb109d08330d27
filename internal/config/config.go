// Package config loads fable's runtime configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	Addr string `env:"FABLE_ADDR" envDefault:":3001"`

	// StoreDSN selects the backend: "memory", "sqlite:<dsn>", or a
	// postgres:// URL.
	StoreDSN string `env:"FABLE_STORE_DSN" envDefault:"memory"`

	// LLMProvider is a registered provider name ("openai", "gemini").
	// Empty disables the generative backend; players get the scripted
	// fallback narration.
	LLMProvider string `env:"FABLE_LLM_PROVIDER"`
	LLMModel    string `env:"FABLE_LLM_MODEL"`

	// EmbeddingProvider mirrors LLMProvider for the lore index. Empty
	// disables lore creation and similarity search.
	EmbeddingProvider string `env:"FABLE_EMBEDDING_PROVIDER"`
	EmbeddingModel    string `env:"FABLE_EMBEDDING_MODEL"`

	MaxPromptTokens int `env:"FABLE_MAX_PROMPT_TOKENS" envDefault:"8000"`

	SeedLore bool `env:"FABLE_SEED_LORE" envDefault:"true"`

	LogLevel    string `env:"FABLE_LOG_LEVEL" envDefault:"info"`
	TraceStdout bool   `env:"FABLE_TRACE_STDOUT" envDefault:"false"`
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	// Missing .env is the normal case outside local dev.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
