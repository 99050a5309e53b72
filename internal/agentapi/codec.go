// Package agentapi issues completion calls to agent provider endpoints. One
// codec per provider handles the request shape and response parsing; the
// client picks the codec from the agent's configured provider or its model
// name.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/conductor-dev/conductor/internal/keystore"
	"github.com/conductor-dev/conductor/internal/models"
)

const anthropicVersion = "2023-06-01"

// Request is the provider-independent completion request.
type Request struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response is the provider-independent completion result.
type Response struct {
	Content      string
	FinishReason string
	Usage        models.TokenUsage
}

// Codec builds and parses one provider's wire format.
type Codec interface {
	Name() string
	BuildRequest(ctx context.Context, cfg *keystore.EndpointConfig, req *Request) (*http.Request, error)
	ParseResponse(body []byte) (*Response, error)
}

// DetectProvider maps a model name to its provider. Unrecognized models go to
// the custom codec.
func DetectProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "davinci"), strings.HasPrefix(m, "text-embedding"):
		return "openai"
	case strings.HasPrefix(m, "gemini"), strings.HasPrefix(m, "palm"), strings.HasPrefix(m, "bison"):
		return "google"
	default:
		return "custom"
	}
}

// CodecFor returns the codec for a provider name.
func CodecFor(provider string) Codec {
	switch strings.ToLower(provider) {
	case "openai":
		return openaiCodec{}
	case "anthropic":
		return anthropicCodec{}
	case "google":
		return googleCodec{}
	default:
		return customCodec{}
	}
}

func jsonRequest(ctx context.Context, method, url string, payload interface{}) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

type openaiCodec struct{}

func (openaiCodec) Name() string { return "openai" }

func (openaiCodec) BuildRequest(ctx context.Context, cfg *keystore.EndpointConfig, r *Request) (*http.Request, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	payload := map[string]interface{}{
		"model": r.Model,
		"messages": []map[string]string{
			{"role": "user", "content": r.Prompt},
		},
	}
	if r.MaxTokens > 0 {
		payload["max_tokens"] = r.MaxTokens
	}
	if r.Temperature > 0 {
		payload["temperature"] = r.Temperature
	}
	req, err := jsonRequest(ctx, http.MethodPost, base+"/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	return req, nil
}

func (openaiCodec) ParseResponse(body []byte) (*Response, error) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}
	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage: models.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

type anthropicCodec struct{}

func (anthropicCodec) Name() string { return "anthropic" }

func (anthropicCodec) BuildRequest(ctx context.Context, cfg *keystore.EndpointConfig, r *Request) (*http.Request, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.anthropic.com/v1"
	}
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload := map[string]interface{}{
		"model":      r.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": r.Prompt},
		},
	}
	if r.Temperature > 0 {
		payload["temperature"] = r.Temperature
	}
	req, err := jsonRequest(ctx, http.MethodPost, base+"/messages", payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (anthropicCodec) ParseResponse(body []byte) (*Response, error) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &Response{
		Content:      sb.String(),
		FinishReason: parsed.StopReason,
		Usage: models.TokenUsage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

type googleCodec struct{}

func (googleCodec) Name() string { return "google" }

func (googleCodec) BuildRequest(ctx context.Context, cfg *keystore.EndpointConfig, r *Request) (*http.Request, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	payload := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"parts": []map[string]string{{"text": r.Prompt}}},
		},
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", base, r.Model, cfg.APIKey)
	return jsonRequest(ctx, http.MethodPost, url, payload)
}

func (googleCodec) ParseResponse(body []byte) (*Response, error) {
	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse google response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("google response has no candidates")
	}
	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return &Response{
		Content:      sb.String(),
		FinishReason: parsed.Candidates[0].FinishReason,
		Usage: models.TokenUsage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// customCodec talks to self-hosted agents: POST {prompt, model} to the base
// URL, answer read from the first of content, message, text or output.
type customCodec struct{}

func (customCodec) Name() string { return "custom" }

func (customCodec) BuildRequest(ctx context.Context, cfg *keystore.EndpointConfig, r *Request) (*http.Request, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("custom provider requires a base url")
	}
	payload := map[string]interface{}{
		"prompt": r.Prompt,
		"model":  r.Model,
	}
	req, err := jsonRequest(ctx, http.MethodPost, cfg.BaseURL, payload)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return req, nil
}

func (customCodec) ParseResponse(body []byte) (*Response, error) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse custom response: %w", err)
	}
	for _, field := range []string{"content", "message", "text", "output"} {
		raw, ok := parsed[field]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			continue
		}
		resp := &Response{Content: text}
		if usageRaw, ok := parsed["usage"]; ok {
			_ = json.Unmarshal(usageRaw, &resp.Usage)
		}
		return resp, nil
	}
	return nil, fmt.Errorf("custom response has no recognized content field")
}

// drainBody reads at most maxBody bytes of a response body.
const maxBody = 10 << 20

func drainBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBody))
}
