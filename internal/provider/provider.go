// Package provider presents a single API for LLM calls to the rest of the
// system. Concrete providers (Anthropic, OpenAI-compatible, Gemini) sit
// behind the Provider interface; the Router adds task-based chain routing,
// circuit-breaker gating, fallback, schema enforcement, and cost accounting.
package provider

import (
	"context"
	"net/http"
	"time"

	"chapterforge/internal/llmerr"
)

// Capability advertises what a provider can do. The router never sends a
// request a provider does not advertise.
type Capability string

const (
	CapText       Capability = "text"
	CapTextSchema Capability = "text-with-schema"
	CapEmbedding  Capability = "embedding"
	CapVision     Capability = "vision"
)

// Usage is token accounting for one call.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// TextRequest is a plain or schema-constrained completion request.
type TextRequest struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// TextResult is a completion plus its token usage.
type TextResult struct {
	Text  string
	Usage Usage
}

// EmbedResult is one embedding vector plus token usage.
type EmbedResult struct {
	Vector []float32
	Tokens int
}

// SchemaSpec is the provider-facing view of a structured-output contract.
type SchemaSpec struct {
	Name string
	// Raw is the JSON Schema document as a generic object.
	Raw map[string]any
}

// Provider is one LLM/embedding service.
type Provider interface {
	Name() string
	Has(cap Capability) bool

	Complete(ctx context.Context, req TextRequest) (TextResult, error)
	// CompleteWithSchema returns raw text the provider claims conforms to
	// spec. The router validates before trusting it.
	CompleteWithSchema(ctx context.Context, req TextRequest, spec SchemaSpec) (TextResult, error)
	Embed(ctx context.Context, text, model string) (EmbedResult, error)
	AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (TextResult, error)
}

// RateLimited carries the provider's requested wait alongside the
// taxonomy error so the router can honor Retry-After.
type RateLimited struct {
	Delay time.Duration
	Err   error
}

func (e *RateLimited) Error() string { return e.Err.Error() }
func (e *RateLimited) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP response to the error taxonomy.
func classifyStatus(status int, header http.Header, provider, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return llmerr.New(llmerr.KindProviderAuth, "%s rejected credentials (status %d)", provider, status)
	case status == http.StatusTooManyRequests:
		return &RateLimited{
			Delay: retryAfter(header),
			Err:   llmerr.New(llmerr.KindProviderRateLimit, "%s rate limited", provider),
		}
	case status >= 500:
		return llmerr.New(llmerr.KindProviderTransient, "%s server error (status %d)", provider, status)
	default:
		return llmerr.New(llmerr.KindProviderTransient, "%s request failed (status %d): %.200s", provider, status, body)
	}
}

// retryAfter parses a Retry-After header in seconds, defaulting to zero.
func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if v := h.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}
