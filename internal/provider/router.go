package provider

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chapterforge/internal/breaker"
	"chapterforge/internal/config"
	"chapterforge/internal/llmerr"
	"chapterforge/internal/logging"
	"chapterforge/internal/schema"
)

// Task names route LLM calls to provider chains.
const (
	TaskMetadataExtraction = "metadata_extraction"
	TaskResearchPlanning   = "research_planning"
	TaskContentGeneration  = "content_generation"
	TaskQualityAssessment  = "quality_assessment"
	TaskFactChecking       = "fact_checking"
	TaskReview             = "review"
	TaskSummarization      = "summarization"
	TaskEmbedding          = "embedding"
	TaskVision             = "vision"
)

// rateLimitRetries is how many times a rate-limited provider is retried
// before the router falls back.
const rateLimitRetries = 2

// TextOutput is a routed completion with attribution and cost.
type TextOutput struct {
	Text      string  `json:"text"`
	Provider  string  `json:"provider"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// EmbeddingOutput is a routed embedding with cost.
type EmbeddingOutput struct {
	Vector   []float32 `json:"vector"`
	Tokens   int       `json:"tokens"`
	Provider string    `json:"provider"`
	CostUSD  float64   `json:"cost_usd"`
}

// StructuredOutput pairs decoded data with the raw text and attribution.
type StructuredOutput[T any] struct {
	Data       T       `json:"data"`
	RawText    string  `json:"raw_text"`
	Provider   string  `json:"provider"`
	CostUSD    float64 `json:"cost_usd"`
	SchemaName string  `json:"schema_name"`
}

// rates holds per-1K-token pricing for one provider.
type rates struct {
	inPer1K  float64
	outPer1K float64
}

// Router maps tasks to provider chains with circuit-breaker gating,
// fallback, and cost accounting.
type Router struct {
	providers map[string]Provider
	chains    config.ProvidersConfig
	rates     map[string]rates
	breaker   *breaker.Breaker
	sink      MetricsSink
	log       *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRouter wires providers, chains, and the breaker together. Pass a
// sink or nil for no metrics.
func NewRouter(cfg config.ProvidersConfig, providers []Provider, brk *breaker.Breaker, sink MetricsSink) *Router {
	if sink == nil {
		sink = NopSink{}
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Router{
		providers: byName,
		chains:    cfg,
		rates: map[string]rates{
			"anthropic": {cfg.Anthropic.InputCostPer1K, cfg.Anthropic.OutputCostPer1K},
			"openai":    {cfg.OpenAI.InputCostPer1K, cfg.OpenAI.OutputCostPer1K},
			"gemini":    {cfg.Gemini.InputCostPer1K, cfg.Gemini.OutputCostPer1K},
		},
		breaker: brk,
		sink:    sink,
		log:     logging.Get(logging.CategoryProvider),
		sleep:   sleepCtx,
	}
}

// WithSink returns a shallow copy routing metrics to sink. Used per
// chapter run to capture per-chapter cost.
func (r *Router) WithSink(sink MetricsSink) *Router {
	clone := *r
	clone.sink = sink
	return &clone
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return llmerr.Wrap(llmerr.KindCancelled, ctx.Err(), "wait interrupted")
	case <-timer.C:
		return nil
	}
}

func (r *Router) cost(provider string, u Usage) float64 {
	rt := r.rates[provider]
	return float64(u.TokensIn)/1000*rt.inPer1K + float64(u.TokensOut)/1000*rt.outPer1K
}

// attempt is one provider call body; it returns usage for cost accounting.
type attempt func(ctx context.Context, p Provider) (Usage, error)

// route walks the task's chain applying breaker gating and the per-error
// fallback policy. On success it records the call metric and returns the
// provider used.
func (r *Router) route(ctx context.Context, task string, need Capability, call attempt) (string, float64, error) {
	chain := r.chains.ChainFor(task)
	if len(chain) == 0 {
		return "", 0, llmerr.New(llmerr.KindProviderUnavailable, "no provider chain for task %s", task)
	}

	var lastErr error
	attempted := false

	for _, name := range chain {
		p, ok := r.providers[name]
		if !ok || !p.Has(need) {
			continue
		}
		if !r.breaker.IsCallAllowed(ctx, name) {
			r.log.Debug("breaker open, skipping provider",
				zap.String("provider", name), zap.String("task", task))
			continue
		}
		attempted = true

		usage, err := r.attemptWithRateLimitRetry(ctx, name, p, call)
		if err == nil {
			cost := r.cost(name, usage)
			return name, cost, nil
		}
		lastErr = err

		if llmerr.Is(err, llmerr.KindProviderAuth) {
			// Configuration error; do not fall back.
			return "", 0, err
		}
		if llmerr.Is(err, llmerr.KindCancelled) {
			return "", 0, err
		}
		// Transient, rate-limit exhaustion, and schema violations fall
		// through to the next provider.
		r.log.Warn("provider failed, falling back",
			zap.String("provider", name), zap.String("task", task), zap.Error(err))
	}

	if !attempted {
		return "", 0, llmerr.New(llmerr.KindProviderUnavailable,
			"all providers for task %s are unavailable (open breakers or missing capability)", task)
	}
	// Exhaustion keeps the last cause's kind so callers retry and
	// dead-letter by the real failure class, not the routing outcome.
	kind, ok := llmerr.KindOf(lastErr)
	if !ok {
		kind = llmerr.KindProviderUnavailable
	}
	return "", 0, llmerr.Wrap(kind, lastErr, "all providers exhausted for task %s", task)
}

// attemptWithRateLimitRetry calls one provider, retrying the same
// provider on 429 with the advertised Retry-After (or exponential
// backoff) before giving up on it.
func (r *Router) attemptWithRateLimitRetry(ctx context.Context, name string, p Provider, call attempt) (Usage, error) {
	backoff := time.Second
	var lastErr error

	for i := 0; i <= rateLimitRetries; i++ {
		usage, err := call(ctx, p)
		if err == nil {
			r.breaker.RecordSuccess(ctx, name)
			return usage, nil
		}
		if llmerr.Is(err, llmerr.KindCancelled) {
			return Usage{}, err
		}
		r.breaker.RecordFailure(ctx, name)
		lastErr = err

		if !llmerr.Is(err, llmerr.KindProviderRateLimit) {
			return Usage{}, err
		}
		if i == rateLimitRetries {
			break
		}

		wait := backoff
		var rl *RateLimited
		if errors.As(err, &rl) && rl.Delay > 0 {
			wait = rl.Delay
		}
		if err := r.sleep(ctx, wait); err != nil {
			return Usage{}, err
		}
		backoff *= 2
	}
	return Usage{}, lastErr
}

// GenerateText routes a plain completion.
func (r *Router) GenerateText(ctx context.Context, task string, req TextRequest) (TextOutput, error) {
	var out TextOutput
	start := time.Now()
	name, cost, err := r.route(ctx, task, CapText, func(ctx context.Context, p Provider) (Usage, error) {
		res, err := p.Complete(ctx, req)
		if err != nil {
			return Usage{}, err
		}
		out.Text = res.Text
		out.TokensIn = res.Usage.TokensIn
		out.TokensOut = res.Usage.TokensOut
		return res.Usage, nil
	})
	if err != nil {
		return TextOutput{}, err
	}
	out.Provider = name
	out.CostUSD = cost
	r.sink.Record(CallMetric{
		Provider: name, Task: task,
		TokensIn: out.TokensIn, TokensOut: out.TokensOut,
		CostUSD: cost, Duration: time.Since(start),
	})
	return out, nil
}

// GenerateEmbedding routes an embedding request. The returned vector has
// the configured dimension.
func (r *Router) GenerateEmbedding(ctx context.Context, text, model string) (EmbeddingOutput, error) {
	var out EmbeddingOutput
	start := time.Now()
	name, cost, err := r.route(ctx, TaskEmbedding, CapEmbedding, func(ctx context.Context, p Provider) (Usage, error) {
		res, err := p.Embed(ctx, text, model)
		if err != nil {
			return Usage{}, err
		}
		out.Vector = res.Vector
		out.Tokens = res.Tokens
		return Usage{TokensIn: res.Tokens}, nil
	})
	if err != nil {
		return EmbeddingOutput{}, err
	}
	out.Provider = name
	out.CostUSD = cost
	r.sink.Record(CallMetric{
		Provider: name, Task: TaskEmbedding,
		TokensIn: out.Tokens, CostUSD: cost, Duration: time.Since(start),
	})
	return out, nil
}

// AnalyzeImage routes a vision request.
func (r *Router) AnalyzeImage(ctx context.Context, task string, image []byte, mimeType, prompt string) (TextOutput, error) {
	var out TextOutput
	start := time.Now()
	name, cost, err := r.route(ctx, task, CapVision, func(ctx context.Context, p Provider) (Usage, error) {
		res, err := p.AnalyzeImage(ctx, image, mimeType, prompt)
		if err != nil {
			return Usage{}, err
		}
		out.Text = res.Text
		out.TokensIn = res.Usage.TokensIn
		out.TokensOut = res.Usage.TokensOut
		return res.Usage, nil
	})
	if err != nil {
		return TextOutput{}, err
	}
	out.Provider = name
	out.CostUSD = cost
	r.sink.Record(CallMetric{
		Provider: name, Task: task,
		TokensIn: out.TokensIn, TokensOut: out.TokensOut,
		CostUSD: cost, Duration: time.Since(start),
	})
	return out, nil
}

// GenerateObject routes a schema-constrained call and guarantees the
// returned Data validates against s. A provider whose output fails to
// parse or validate is reported to the breaker and skipped, exactly like
// a transport failure; callers never see malformed structured output.
func GenerateObject[T any](ctx context.Context, r *Router, task string, req TextRequest, s schema.Schema) (StructuredOutput[T], error) {
	rawSchema, err := s.RawObject()
	if err != nil {
		return StructuredOutput[T]{}, llmerr.Wrap(llmerr.KindIntegrity, err, "invalid schema %s", s.Name)
	}
	spec := SchemaSpec{Name: s.Name, Raw: rawSchema}

	var out StructuredOutput[T]
	start := time.Now()
	var tokensIn, tokensOut int

	name, cost, err := r.route(ctx, task, CapTextSchema, func(ctx context.Context, p Provider) (Usage, error) {
		res, err := p.CompleteWithSchema(ctx, req, spec)
		if err != nil {
			return Usage{}, err
		}
		data, err := schema.Decode[T](res.Text)
		if err != nil {
			return Usage{}, llmerr.Wrap(llmerr.KindProviderSchema, err,
				"%s violated schema %s", p.Name(), s.Name)
		}
		out.Data = data
		out.RawText = res.Text
		tokensIn, tokensOut = res.Usage.TokensIn, res.Usage.TokensOut
		return res.Usage, nil
	})
	if err != nil {
		return StructuredOutput[T]{}, err
	}

	out.Provider = name
	out.CostUSD = cost
	out.SchemaName = s.Name
	r.sink.Record(CallMetric{
		Provider: name, Task: task,
		TokensIn: tokensIn, TokensOut: tokensOut,
		CostUSD: cost, Duration: time.Since(start),
	})
	return out, nil
}
