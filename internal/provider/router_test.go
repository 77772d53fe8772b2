package provider

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterforge/internal/breaker"
	"chapterforge/internal/config"
	"chapterforge/internal/llmerr"
	"chapterforge/internal/schema"
)

// fakeProvider is a scriptable provider for router tests.
type fakeProvider struct {
	name  string
	caps  map[Capability]bool
	calls int

	completeFn func(call int) (TextResult, error)
	schemaFn   func(call int) (TextResult, error)
	embedFn    func(call int) (EmbedResult, error)
}

func (f *fakeProvider) Name() string          { return f.name }
func (f *fakeProvider) Has(c Capability) bool { return f.caps[c] }

func (f *fakeProvider) Complete(ctx context.Context, req TextRequest) (TextResult, error) {
	f.calls++
	return f.completeFn(f.calls)
}

func (f *fakeProvider) CompleteWithSchema(ctx context.Context, req TextRequest, s SchemaSpec) (TextResult, error) {
	f.calls++
	return f.schemaFn(f.calls)
}

func (f *fakeProvider) Embed(ctx context.Context, text, model string) (EmbedResult, error) {
	f.calls++
	return f.embedFn(f.calls)
}

func (f *fakeProvider) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (TextResult, error) {
	f.calls++
	return f.completeFn(f.calls)
}

func allCaps() map[Capability]bool {
	return map[Capability]bool{CapText: true, CapTextSchema: true, CapEmbedding: true, CapVision: true}
}

func okText(text string, in, out int) func(int) (TextResult, error) {
	return func(int) (TextResult, error) {
		return TextResult{Text: text, Usage: Usage{TokensIn: in, TokensOut: out}}, nil
	}
}

func failWith(kind llmerr.Kind) func(int) (TextResult, error) {
	return func(int) (TextResult, error) {
		return TextResult{}, llmerr.New(kind, "boom")
	}
}

func testRouter(t *testing.T, providers ...Provider) (*Router, *breaker.Breaker, *UsageTracker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.DefaultProviders()
	cfg.Chains = map[string][]string{
		"content_generation":  {"anthropic", "openai", "gemini"},
		"metadata_extraction": {"gemini", "openai", "anthropic"},
		"embedding":           {"openai", "gemini"},
	}
	brk := breaker.New(rdb, config.BreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		RecoveryTimeout:   60 * time.Second,
		HalfOpenSuccesses: 2,
	})
	tracker := NewUsageTracker()
	r := NewRouter(cfg, providers, brk, tracker)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r, brk, tracker
}

func TestRouterPrefersFirstInChain(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", caps: allCaps(), completeFn: okText("from anthropic", 1000, 500)}
	openai := &fakeProvider{name: "openai", caps: allCaps(), completeFn: okText("from openai", 10, 10)}
	r, _, _ := testRouter(t, anthropic, openai)

	out, err := r.GenerateText(context.Background(), TaskContentGeneration, TextRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", out.Provider)
	assert.Equal(t, "from anthropic", out.Text)
	assert.Zero(t, openai.calls)
}

func TestRouterCostAccounting(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", caps: allCaps(), completeFn: okText("x", 1000, 2000)}
	r, _, tracker := testRouter(t, anthropic)

	out, err := r.GenerateText(context.Background(), TaskContentGeneration, TextRequest{Prompt: "hi"})
	require.NoError(t, err)

	cfg := config.DefaultProviders().Anthropic
	want := 1.0*cfg.InputCostPer1K + 2.0*cfg.OutputCostPer1K
	assert.InDelta(t, want, out.CostUSD, 1e-9)
	assert.InDelta(t, want, tracker.Total().CostUSD, 1e-9)
}

func TestRouterFallsBackOnTransient(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", caps: allCaps(), completeFn: failWith(llmerr.KindProviderTransient)}
	openai := &fakeProvider{name: "openai", caps: allCaps(), completeFn: okText("fallback", 5, 5)}
	r, _, _ := testRouter(t, anthropic, openai)

	out, err := r.GenerateText(context.Background(), TaskContentGeneration, TextRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai", out.Provider)
	assert.Equal(t, 1, anthropic.calls)
}

func TestRouterAuthStopsChain(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", caps: allCaps(), completeFn: failWith(llmerr.KindProviderAuth)}
	openai := &fakeProvider{name: "openai", caps: allCaps(), completeFn: okText("should not run", 1, 1)}
	r, _, _ := testRouter(t, anthropic, openai)

	_, err := r.GenerateText(context.Background(), TaskContentGeneration, TextRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, llmerr.Is(err, llmerr.KindProviderAuth))
	assert.Zero(t, openai.calls)
}

func TestRouterRateLimitRetriesSameProvider(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", caps: allCaps()}
	anthropic.completeFn = func(call int) (TextResult, error) {
		if call < 3 {
			return TextResult{}, &RateLimited{Delay: time.Millisecond, Err: llmerr.New(llmerr.KindProviderRateLimit, "429")}
		}
		return TextResult{Text: "finally", Usage: Usage{TokensIn: 1, TokensOut: 1}}, nil
	}
	r, _, _ := testRouter(t, anthropic)

	out, err := r.GenerateText(context.Background(), TaskContentGeneration, TextRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "finally", out.Text)
	assert.Equal(t, 3, anthropic.calls)
}

func TestRouterRateLimitExhaustionFallsBack(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", caps: allCaps(), completeFn: failWith(llmerr.KindProviderRateLimit)}
	openai := &fakeProvider{name: "openai", caps: allCaps(), completeFn: okText("fallback", 1, 1)}
	r, _, _ := testRouter(t, anthropic, openai)

	out, err := r.GenerateText(context.Background(), TaskContentGeneration, TextRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai", out.Provider)
	assert.Equal(t, 3, anthropic.calls)
}

func TestRouterSkipsProvidersWithoutCapability(t *testing.T) {
	// Anthropic cannot do structured output, so a schema call for the
	// content_generation chain must land on openai.
	anthropic := &fakeProvider{name: "anthropic", caps: map[Capability]bool{CapText: true}}
	openai := &fakeProvider{name: "openai", caps: allCaps(),
		schemaFn: okText(`{"relevance_score":0.9,"reason":"on topic"}`, 10, 10)}
	r, _, _ := testRouter(t, anthropic, openai)

	out, err := GenerateObject[schema.SourceRelevance](context.Background(), r,
		TaskContentGeneration, TextRequest{Prompt: "rate it"}, schema.SourceRelevanceSchema)
	require.NoError(t, err)
	assert.Equal(t, "openai", out.Provider)
	assert.InDelta(t, 0.9, out.Data.RelevanceScore, 1e-9)
	assert.Zero(t, anthropic.calls)
}

func TestGenerateObjectSchemaViolationFallsBack(t *testing.T) {
	bad := &fakeProvider{name: "openai", caps: allCaps(), schemaFn: okText(`{"not":"the schema"}`, 1, 1)}
	good := &fakeProvider{name: "gemini", caps: allCaps(),
		schemaFn: okText(`{"relevance_score":0.4,"reason":"tangential"}`, 1, 1)}
	r, _, _ := testRouter(t, bad, good)

	out, err := GenerateObject[schema.SourceRelevance](context.Background(), r,
		TaskMetadataExtraction, TextRequest{Prompt: "rate it"}, schema.SourceRelevanceSchema)
	require.NoError(t, err)
	assert.Equal(t, "gemini", out.Provider)
	assert.Equal(t, "tangential", out.Data.Reason)
}

func TestRouterOpenBreakerSkipsProvider(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", caps: allCaps(), completeFn: okText("never", 1, 1)}
	openai := &fakeProvider{name: "openai", caps: allCaps(), completeFn: okText("healthy", 1, 1)}
	r, brk, _ := testRouter(t, anthropic, openai)

	require.NoError(t, brk.ForceOpen(context.Background(), "anthropic"))

	out, err := r.GenerateText(context.Background(), TaskContentGeneration, TextRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai", out.Provider)
	assert.Zero(t, anthropic.calls)
}

func TestRouterAllBreakersOpenIsUnavailable(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", caps: allCaps(), completeFn: okText("x", 1, 1)}
	r, brk, _ := testRouter(t, anthropic)

	require.NoError(t, brk.ForceOpen(context.Background(), "anthropic"))

	_, err := r.GenerateText(context.Background(), TaskContentGeneration, TextRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, llmerr.Is(err, llmerr.KindProviderUnavailable))
}

func TestRouterChainExhaustionKeepsCauseKind(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", caps: allCaps(), completeFn: failWith(llmerr.KindProviderTransient)}
	openai := &fakeProvider{name: "openai", caps: allCaps(), completeFn: failWith(llmerr.KindProviderTransient)}
	gemini := &fakeProvider{name: "gemini", caps: allCaps(), completeFn: failWith(llmerr.KindProviderTransient)}
	r, _, _ := testRouter(t, anthropic, openai, gemini)

	// Every provider failed transiently; the exhausted chain reports the
	// same class so the caller's retry policy still applies.
	_, err := r.GenerateText(context.Background(), TaskContentGeneration, TextRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, llmerr.Is(err, llmerr.KindProviderTransient))
	assert.True(t, llmerr.Retryable(err))
	assert.True(t, llmerr.DeadLetter(err))
	assert.Contains(t, err.Error(), "all providers exhausted")
}

func TestRouterEmbeddingChain(t *testing.T) {
	openai := &fakeProvider{name: "openai", caps: allCaps(), embedFn: func(int) (EmbedResult, error) {
		return EmbedResult{Vector: []float32{0.1, 0.2}, Tokens: 7}, nil
	}}
	r, _, _ := testRouter(t, openai)

	out, err := r.GenerateEmbedding(context.Background(), "surgical anatomy of the thyroid", "")
	require.NoError(t, err)
	assert.Equal(t, "openai", out.Provider)
	assert.Len(t, out.Vector, 2)
	assert.Equal(t, 7, out.Tokens)
}

func TestRouterCancelledNotFallenBack(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", caps: allCaps(), completeFn: failWith(llmerr.KindCancelled)}
	openai := &fakeProvider{name: "openai", caps: allCaps(), completeFn: okText("no", 1, 1)}
	r, _, _ := testRouter(t, anthropic, openai)

	_, err := r.GenerateText(context.Background(), TaskContentGeneration, TextRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, llmerr.Is(err, llmerr.KindCancelled))
	assert.Zero(t, openai.calls)
}
