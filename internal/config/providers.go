package config

import (
	"fmt"
	"time"
)

// ProviderConfig configures one LLM provider endpoint.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// EmbeddingModel is used for embedding calls when the provider
	// advertises the embedding capability.
	EmbeddingModel string        `yaml:"embedding_model"`
	Timeout        time.Duration `yaml:"timeout"`

	// Per-1K-token rates in USD. All cost accounting derives from these;
	// nothing in the core hardcodes a rate.
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

// ProvidersConfig holds every provider plus the task routing table.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Gemini    ProviderConfig `yaml:"gemini"`

	// Chains maps a task name to its ordered provider fallback chain.
	// Unset tasks use DefaultChains.
	Chains map[string][]string `yaml:"chains"`
}

// DefaultProviders returns the standard three-provider setup: Anthropic as
// the high-quality primary, OpenAI as the schema-capable secondary, Gemini
// as the low-cost tertiary and embedding provider.
func DefaultProviders() ProvidersConfig {
	return ProvidersConfig{
		Anthropic: ProviderConfig{
			Enabled:         true,
			BaseURL:         "https://api.anthropic.com/v1",
			Model:           "claude-sonnet-4-20250514",
			Timeout:         120 * time.Second,
			InputCostPer1K:  0.003,
			OutputCostPer1K: 0.015,
		},
		OpenAI: ProviderConfig{
			Enabled:         true,
			BaseURL:         "https://api.openai.com/v1",
			Model:           "gpt-4o-2024-08-06",
			EmbeddingModel:  "text-embedding-3-small",
			Timeout:         120 * time.Second,
			InputCostPer1K:  0.0025,
			OutputCostPer1K: 0.01,
		},
		Gemini: ProviderConfig{
			Enabled:         true,
			Model:           "gemini-2.5-flash",
			EmbeddingModel:  "gemini-embedding-001",
			Timeout:         120 * time.Second,
			InputCostPer1K:  0.0003,
			OutputCostPer1K: 0.0025,
		},
		Chains: nil,
	}
}

// DefaultChains is the task routing table applied when Chains has no entry
// for a task. Provider names match the registered provider Name().
var DefaultChains = map[string][]string{
	"metadata_extraction": {"gemini", "openai", "anthropic"},
	"research_planning":   {"anthropic", "openai", "gemini"},
	"content_generation":  {"anthropic", "openai", "gemini"},
	"quality_assessment":  {"openai", "anthropic", "gemini"},
	"fact_checking":       {"openai", "anthropic", "gemini"},
	"review":              {"anthropic", "openai", "gemini"},
	"summarization":       {"gemini", "openai", "anthropic"},
	"embedding":           {"gemini", "openai"},
	"vision":              {"gemini", "openai"},
}

// ChainFor resolves the fallback chain for a task.
func (p ProvidersConfig) ChainFor(task string) []string {
	if chain, ok := p.Chains[task]; ok && len(chain) > 0 {
		return chain
	}
	return DefaultChains[task]
}

// Validate ensures at least one provider is enabled and every configured
// chain names only known providers.
func (p ProvidersConfig) Validate() error {
	if !p.Anthropic.Enabled && !p.OpenAI.Enabled && !p.Gemini.Enabled {
		return fmt.Errorf("at least one provider must be enabled")
	}
	known := map[string]bool{"anthropic": true, "openai": true, "gemini": true}
	for task, chain := range p.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("provider chain for task %q is empty", task)
		}
		for _, name := range chain {
			if !known[name] {
				return fmt.Errorf("provider chain for task %q names unknown provider %q", task, name)
			}
		}
	}
	return nil
}
