package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chapterforge/internal/config"
	"chapterforge/internal/llmerr"
)

// AnthropicClient is the high-quality text provider. It does not advertise
// schema, embedding, or vision support; the router never sends it those.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewAnthropicClient creates the client from its config section.
func NewAnthropicClient(cfg config.ProviderConfig) *AnthropicClient {
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

func (c *AnthropicClient) Has(cap Capability) bool { return cap == CapText }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a messages request and returns the completion.
func (c *AnthropicClient) Complete(ctx context.Context, req TextRequest) (TextResult, error) {
	if c.apiKey == "" {
		return TextResult{}, llmerr.New(llmerr.KindProviderAuth, "anthropic API key not configured")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := anthropicRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      req.SystemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return TextResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return TextResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return TextResult{}, llmerr.Wrap(llmerr.KindCancelled, err, "anthropic call cancelled")
		}
		return TextResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "anthropic request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return TextResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "anthropic read response")
	}
	if resp.StatusCode != http.StatusOK {
		return TextResult{}, classifyStatus(resp.StatusCode, resp.Header, "anthropic", string(raw))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return TextResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "anthropic parse response")
	}
	if parsed.Error != nil {
		return TextResult{}, llmerr.New(llmerr.KindProviderTransient, "anthropic API error: %s", parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return TextResult{}, llmerr.New(llmerr.KindProviderTransient, "anthropic returned no content")
	}

	var sb strings.Builder
	for _, part := range parsed.Content {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	return TextResult{
		Text:  strings.TrimSpace(sb.String()),
		Usage: Usage{TokensIn: parsed.Usage.InputTokens, TokensOut: parsed.Usage.OutputTokens},
	}, nil
}

// CompleteWithSchema is unsupported; the router must not route schema
// calls here.
func (c *AnthropicClient) CompleteWithSchema(ctx context.Context, req TextRequest, spec SchemaSpec) (TextResult, error) {
	return TextResult{}, llmerr.New(llmerr.KindProviderSchema, "anthropic does not support schema-constrained output")
}

// Embed is unsupported.
func (c *AnthropicClient) Embed(ctx context.Context, text, model string) (EmbedResult, error) {
	return EmbedResult{}, llmerr.New(llmerr.KindProviderTransient, "anthropic does not support embeddings")
}

// AnalyzeImage is unsupported.
func (c *AnthropicClient) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (TextResult, error) {
	return TextResult{}, llmerr.New(llmerr.KindProviderTransient, "anthropic vision is not enabled")
}
