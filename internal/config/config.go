// Package config holds the chapterforge configuration surface. Configuration
// is loaded from a YAML file, then selected fields are overridden from the
// environment. Every sub-config has defaults that produce a working local
// setup; Validate catches the mistakes that must fail at startup.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Debug bool `yaml:"debug"`

	// DatabasePath locates the SQLite corpus + chapter database.
	DatabasePath string `yaml:"database_path"`

	// RedisAddr locates the shared store backing cache, breaker state,
	// checkpoints, DLQ, queues, and the rate limiter.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// VectorDim must equal the embedding model's output dimension.
	// Changing it requires re-embedding the corpus.
	VectorDim int `yaml:"vector_dim"`

	Providers  ProvidersConfig  `yaml:"providers"`
	Generation GenerationConfig `yaml:"generation"`
	Research   ResearchConfig   `yaml:"research"`
	Breaker    BreakerConfig    `yaml:"circuit_breaker"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	DLQ        DLQConfig        `yaml:"dlq"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Worker     WorkerConfig     `yaml:"worker"`
	Stream     StreamConfig     `yaml:"stream"`
}

// Default returns a configuration that works for local development.
func Default() Config {
	return Config{
		DatabasePath: "chapterforge.db",
		RedisAddr:    "localhost:6379",
		VectorDim:    1536,
		Providers:    DefaultProviders(),
		Generation:   DefaultGeneration(),
		Research:     DefaultResearch(),
		Breaker:      DefaultBreaker(),
		Checkpoint:   DefaultCheckpoint(),
		DLQ:          DefaultDLQ(),
		RateLimit:    DefaultRateLimit(),
		Worker:       DefaultWorker(),
		Stream:       DefaultStream(),
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and connection endpoints from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("CHAPTERFORGE_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("CHAPTERFORGE_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("CHAPTERFORGE_VECTOR_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.VectorDim = n
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("CHAPTERFORGE_JWT_SECRET"); v != "" {
		c.Stream.JWTSecret = v
	}
	if v := os.Getenv("EXTERNAL_SEARCH_BASE_URL"); v != "" {
		c.Research.ExternalBaseURL = v
	}
}

// Validate rejects configurations that must not reach runtime.
func (c *Config) Validate() error {
	if c.VectorDim != 1536 && c.VectorDim != 3072 {
		return fmt.Errorf("vector_dim %d: supported embedding dimensions are 1536 and 3072", c.VectorDim)
	}
	if err := c.Providers.Validate(); err != nil {
		return err
	}
	if c.Generation.SectionBatchSize < 1 {
		return fmt.Errorf("section_generation_batch_size must be >= 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	return nil
}
