package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chapterforge/internal/config"
	"chapterforge/internal/llmerr"
)

// OpenAIClient speaks the OpenAI-compatible chat completions API. It is
// the schema-capable secondary: json_schema response format with strict
// mode, embeddings, and image input.
type OpenAIClient struct {
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	httpClient     *http.Client
}

// NewOpenAIClient creates the client from its config section.
func NewOpenAIClient(cfg config.ProviderConfig) *OpenAIClient {
	return &OpenAIClient{
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) Has(cap Capability) bool {
	switch cap {
	case CapText, CapTextSchema, CapEmbedding, CapVision:
		return true
	}
	return false
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) chat(ctx context.Context, req TextRequest, format *openAIResponseFormat, userContent any) (TextResult, error) {
	if c.apiKey == "" {
		return TextResult{}, llmerr.New(llmerr.KindProviderAuth, "openai API key not configured")
	}

	messages := make([]openAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: userContent})

	body := openAIRequest{
		Model:          c.model,
		Messages:       messages,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		ResponseFormat: format,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return TextResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return TextResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return TextResult{}, llmerr.Wrap(llmerr.KindCancelled, err, "openai call cancelled")
		}
		return TextResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "openai request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return TextResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "openai read response")
	}
	if resp.StatusCode != http.StatusOK {
		return TextResult{}, classifyStatus(resp.StatusCode, resp.Header, "openai", string(raw))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return TextResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "openai parse response")
	}
	if parsed.Error != nil {
		return TextResult{}, llmerr.New(llmerr.KindProviderTransient, "openai API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return TextResult{}, llmerr.New(llmerr.KindProviderTransient, "openai returned no choices")
	}

	return TextResult{
		Text:  strings.TrimSpace(parsed.Choices[0].Message.Content),
		Usage: Usage{TokensIn: parsed.Usage.PromptTokens, TokensOut: parsed.Usage.CompletionTokens},
	}, nil
}

// Complete sends a plain completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req TextRequest) (TextResult, error) {
	return c.chat(ctx, req, nil, req.Prompt)
}

// CompleteWithSchema requests strict json_schema output.
func (c *OpenAIClient) CompleteWithSchema(ctx context.Context, req TextRequest, spec SchemaSpec) (TextResult, error) {
	format := &openAIResponseFormat{
		Type: "json_schema",
		JSONSchema: &openAIJSONSchema{
			Name:   spec.Name,
			Strict: true,
			Schema: spec.Raw,
		},
	}
	return c.chat(ctx, req, format, req.Prompt)
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// Embed generates one embedding vector.
func (c *OpenAIClient) Embed(ctx context.Context, text, model string) (EmbedResult, error) {
	if c.apiKey == "" {
		return EmbedResult{}, llmerr.New(llmerr.KindProviderAuth, "openai API key not configured")
	}
	if model == "" {
		model = c.embeddingModel
	}

	data, err := json.Marshal(map[string]any{"model": model, "input": text})
	if err != nil {
		return EmbedResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return EmbedResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return EmbedResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "openai embed request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return EmbedResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "openai embed read response")
	}
	if resp.StatusCode != http.StatusOK {
		return EmbedResult{}, classifyStatus(resp.StatusCode, resp.Header, "openai", string(raw))
	}

	var parsed openAIEmbeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return EmbedResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "openai embed parse response")
	}
	if len(parsed.Data) == 0 {
		return EmbedResult{}, llmerr.New(llmerr.KindProviderTransient, "openai returned no embedding")
	}
	return EmbedResult{Vector: parsed.Data[0].Embedding, Tokens: parsed.Usage.PromptTokens}, nil
}

// AnalyzeImage sends an image as a data URL content part.
func (c *OpenAIClient) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (TextResult, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))
	content := []map[string]any{
		{"type": "text", "text": prompt},
		{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
	}
	return c.chat(ctx, TextRequest{Temperature: 0.1}, nil, content)
}
