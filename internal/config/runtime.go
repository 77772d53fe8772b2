package config

import "time"

// GenerationConfig tunes the chapter generation pipeline.
type GenerationConfig struct {
	// ParallelSections enables batched concurrent section generation.
	// When false, sections run sequentially with identical outputs.
	ParallelSections bool `yaml:"parallel_section_generation"`
	// SectionBatchSize caps concurrent section bodies per batch.
	SectionBatchSize int `yaml:"section_generation_batch_size"`
	// StageAttempts bounds local retries per stage.
	StageAttempts int `yaml:"stage_attempts"`
	// StageTimeout is the deadline applied to each stage body.
	StageTimeout time.Duration `yaml:"stage_timeout"`
	// BlockOnFactCheckFailure turns the fail-soft fact-check verdict into
	// a hard generation failure.
	BlockOnFactCheckFailure bool `yaml:"block_on_fact_check_failure"`
	// RevisionThreshold is the completeness score below which the gap
	// analyzer recommends revision.
	RevisionThreshold float64 `yaml:"revision_threshold"`
	// TargetSectionWords is the per-section word target used by the
	// quality scoring stage.
	TargetSectionWords int `yaml:"target_section_words"`
}

// DefaultGeneration returns the standard generation tuning.
func DefaultGeneration() GenerationConfig {
	return GenerationConfig{
		ParallelSections:   true,
		SectionBatchSize:   5,
		StageAttempts:      3,
		StageTimeout:       10 * time.Minute,
		RevisionThreshold:  0.75,
		TargetSectionWords: 500,
	}
}

// ResearchConfig tunes internal and external retrieval.
type ResearchConfig struct {
	TopKPerQuery        int           `yaml:"top_k_per_query"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	RelevanceThreshold  float64       `yaml:"relevance_threshold"`
	FuzzyDedupThreshold float64       `yaml:"dedup_fuzzy_threshold"`
	ExternalBaseURL     string        `yaml:"external_base_url"`
	ExternalCacheTTL    time.Duration `yaml:"external_query_ttl"`
	ExternalConcurrency int           `yaml:"external_concurrency"`
	ExternalTimeout     time.Duration `yaml:"external_timeout"`
}

// DefaultResearch returns the standard retrieval tuning.
func DefaultResearch() ResearchConfig {
	return ResearchConfig{
		TopKPerQuery:        20,
		SimilarityThreshold: 0.75,
		RelevanceThreshold:  0.75,
		FuzzyDedupThreshold: 0.85,
		ExternalBaseURL:     "https://eutils.ncbi.nlm.nih.gov/entrez/eutils",
		ExternalCacheTTL:    7 * 24 * time.Hour,
		ExternalConcurrency: 4,
		ExternalTimeout:     30 * time.Second,
	}
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	FailureWindow     time.Duration `yaml:"window"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
	HalfOpenSuccesses int           `yaml:"half_open_success_threshold"`
}

// DefaultBreaker returns the standard breaker thresholds.
func DefaultBreaker() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		RecoveryTimeout:   60 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// CheckpointConfig tunes the per-task step checkpoint records.
type CheckpointConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// DefaultCheckpoint returns the standard checkpoint TTL.
func DefaultCheckpoint() CheckpointConfig {
	return CheckpointConfig{TTL: 7 * 24 * time.Hour}
}

// DLQConfig tunes the dead-letter queue.
type DLQConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// DefaultDLQ returns the standard retention.
func DefaultDLQ() DLQConfig {
	return DLQConfig{RetentionDays: 30}
}

// RateLimitConfig tunes the inbound sliding-window rate limiter.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
	ExemptPaths       []string      `yaml:"exempt_paths"`
}

// DefaultRateLimit exempts health and docs endpoints only; auth endpoints
// stay limited.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 120,
		Window:            time.Minute,
		ExemptPaths:       []string{"/healthz", "/readyz", "/docs"},
	}
}

// WorkerConfig tunes the background task runtime.
type WorkerConfig struct {
	// Concurrency is the number of consumers per queue class.
	Concurrency int `yaml:"concurrency"`
	// MaxAttempts caps task retries before a DLQ entry is written.
	MaxAttempts int `yaml:"max_attempts"`
	// HighWatermark is the queue depth above which new generation
	// submissions are rejected with a retryable status.
	HighWatermark int64 `yaml:"high_watermark"`
}

// DefaultWorker returns the standard worker tuning.
func DefaultWorker() WorkerConfig {
	return WorkerConfig{Concurrency: 4, MaxAttempts: 3, HighWatermark: 1000}
}

// StreamConfig tunes the progress channel.
type StreamConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	JWTSecret         string        `yaml:"jwt_secret"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultStream returns the standard stream tuning.
func DefaultStream() StreamConfig {
	return StreamConfig{
		ListenAddr:        ":8091",
		HeartbeatInterval: 30 * time.Second,
	}
}
