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

	"google.golang.org/genai"

	"chapterforge/internal/config"
	"chapterforge/internal/llmerr"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient is the low-cost tertiary. Text goes through the REST
// generateContent endpoint (structured output via responseJsonSchema);
// embeddings go through the genai SDK, which has native batch support.
type GeminiClient struct {
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	httpClient     *http.Client
	genaiClient    *genai.Client
}

// NewGeminiClient creates the client from its config section.
func NewGeminiClient(ctx context.Context, cfg config.ProviderConfig) (*GeminiClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}

	c := &GeminiClient{
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
	}

	if cfg.APIKey != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("create genai client: %w", err)
		}
		c.genaiClient = client
	}
	return c, nil
}

func (c *GeminiClient) Name() string { return "gemini" }

func (c *GeminiClient) Has(cap Capability) bool {
	switch cap {
	case CapText, CapTextSchema, CapVision:
		return true
	case CapEmbedding:
		return c.genaiClient != nil
	}
	return false
}

type geminiPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature        float64        `json:"temperature"`
	MaxOutputTokens    int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType   string         `json:"responseMimeType,omitempty"`
	ResponseJSONSchema map[string]any `json:"responseJsonSchema,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *GeminiClient) generate(ctx context.Context, req geminiRequest) (TextResult, error) {
	if c.apiKey == "" {
		return TextResult{}, llmerr.New(llmerr.KindProviderAuth, "gemini API key not configured")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return TextResult{}, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return TextResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return TextResult{}, llmerr.Wrap(llmerr.KindCancelled, err, "gemini call cancelled")
		}
		return TextResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "gemini request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return TextResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "gemini read response")
	}
	if resp.StatusCode != http.StatusOK {
		return TextResult{}, classifyStatus(resp.StatusCode, resp.Header, "gemini", string(raw))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return TextResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "gemini parse response")
	}
	if parsed.Error != nil {
		return TextResult{}, llmerr.New(llmerr.KindProviderTransient, "gemini API error: %s", parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return TextResult{}, llmerr.New(llmerr.KindProviderTransient, "gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return TextResult{
		Text: strings.TrimSpace(sb.String()),
		Usage: Usage{
			TokensIn:  parsed.UsageMetadata.PromptTokenCount,
			TokensOut: parsed.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

func (c *GeminiClient) buildRequest(req TextRequest) geminiRequest {
	out := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	return out
}

// Complete sends a plain completion request.
func (c *GeminiClient) Complete(ctx context.Context, req TextRequest) (TextResult, error) {
	return c.generate(ctx, c.buildRequest(req))
}

// CompleteWithSchema constrains output via responseJsonSchema.
func (c *GeminiClient) CompleteWithSchema(ctx context.Context, req TextRequest, spec SchemaSpec) (TextResult, error) {
	out := c.buildRequest(req)
	out.GenerationConfig.ResponseMimeType = "application/json"
	out.GenerationConfig.ResponseJSONSchema = spec.Raw
	return c.generate(ctx, out)
}

// Embed generates one embedding vector through the genai SDK.
func (c *GeminiClient) Embed(ctx context.Context, text, model string) (EmbedResult, error) {
	if c.genaiClient == nil {
		return EmbedResult{}, llmerr.New(llmerr.KindProviderAuth, "gemini API key not configured")
	}
	if model == "" {
		model = c.embeddingModel
	}

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := c.genaiClient.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	})
	if err != nil {
		return EmbedResult{}, llmerr.Wrap(llmerr.KindProviderTransient, err, "gemini embed failed")
	}
	if len(result.Embeddings) == 0 {
		return EmbedResult{}, llmerr.New(llmerr.KindProviderTransient, "gemini returned no embeddings")
	}
	// The embeddings API does not report token usage; approximate from
	// input length for cost accounting.
	return EmbedResult{Vector: result.Embeddings[0].Values, Tokens: len(text) / 4}, nil
}

// AnalyzeImage sends the image inline with the prompt.
func (c *GeminiClient) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (TextResult, error) {
	inline := &struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	}{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}

	req := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: prompt}, {InlineData: inline}},
		}},
		GenerationConfig: geminiGenerationConfig{Temperature: 0.1},
	}
	return c.generate(ctx, req)
}
