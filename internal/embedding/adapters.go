// Package embedding provides batched embedding generation with partial-failure
// tracking and provider adapters.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Stable error types recorded on failed items.
const (
	ErrorTypeQuotaExhausted = "quota_exhausted"
	ErrorTypeRateLimit      = "rate_limit"
	ErrorTypeAPIError       = "api_error"
	ErrorTypeInvalidInput   = "invalid_input"
)

// ErrQuotaExhausted indicates the provider account is out of quota. The
// current batch stops and remaining texts are recorded as failures.
var ErrQuotaExhausted = errors.New("embedding quota exhausted")

// ErrRateLimited indicates a transient provider rate limit.
var ErrRateLimited = errors.New("embedding provider rate limited")

// Adapter creates embeddings through one provider protocol. Implementations
// return vectors positionally aligned with texts.
type Adapter interface {
	CreateEmbeddings(ctx context.Context, model string, texts []string, dimensions int) ([][]float32, error)
}

// OpenAIAdapter speaks the OpenAI-compatible embeddings protocol. It also
// covers Ollama's /v1 surface and OpenRouter.
type OpenAIAdapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewOpenAIAdapter creates an OpenAI-compatible embeddings adapter.
func NewOpenAIAdapter(baseURL, apiKey string) *OpenAIAdapter {
	return &OpenAIAdapter{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
	}
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// CreateEmbeddings posts {model, input[], dimensions?} and maps the response
// back by index.
func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, model string, texts []string, dimensions int) ([][]float32, error) {
	body := map[string]interface{}{
		"model": model,
		"input": texts,
	}
	// Only the text-embedding-3 family accepts a dimensions override.
	if dimensions > 0 && strings.HasPrefix(model, "text-embedding-3") {
		body["dimensions"] = dimensions
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed openAIEmbeddingResponse
	if resp.StatusCode != http.StatusOK {
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
			return nil, classifyOpenAIError(resp.StatusCode, parsed.Error.Code, parsed.Error.Type, parsed.Error.Message)
		}
		return nil, classifyOpenAIError(resp.StatusCode, "", "", string(raw))
	}

	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	embeddings := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	return embeddings, nil
}

// classifyOpenAIError maps provider errors onto the engine's error taxonomy.
func classifyOpenAIError(status int, code, errType, message string) error {
	lower := strings.ToLower(code + " " + errType + " " + message)
	if strings.Contains(lower, "insufficient_quota") || strings.Contains(lower, "exceeded your current quota") {
		return fmt.Errorf("%w: %s", ErrQuotaExhausted, message)
	}
	if status == http.StatusTooManyRequests || strings.Contains(lower, "rate_limit") {
		return fmt.Errorf("%w: %s", ErrRateLimited, message)
	}
	return fmt.Errorf("embedding API error: status %d: %s", status, message)
}

// GoogleAdapter speaks the Google native embedContent protocol, one text per
// request.
type GoogleAdapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewGoogleAdapter creates a Google native embeddings adapter.
func NewGoogleAdapter(baseURL, apiKey string) *GoogleAdapter {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GoogleAdapter{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
	}
}

type googleEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// dimensionalModels support an outputDimensionality override.
var dimensionalModels = map[string]bool{
	"text-embedding-004":  true,
	"gemini-embedding-001": true,
}

// CreateEmbeddings posts one embedContent call per text. Vectors shorter than
// the model's native 3072 are L2-normalized, matching Google's guidance for
// truncated output dimensions.
func (a *GoogleAdapter) CreateEmbeddings(ctx context.Context, model string, texts []string, dimensions int) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))

	for i, text := range texts {
		body := map[string]interface{}{
			"content": map[string]interface{}{
				"parts": []map[string]string{{"text": text}},
			},
		}
		if dimensions > 0 && dimensionalModels[model] {
			body["outputDimensionality"] = dimensions
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", a.baseURL, model, a.apiKey)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		var parsed googleEmbedResponse
		if resp.StatusCode != http.StatusOK {
			if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
				if resp.StatusCode == http.StatusTooManyRequests {
					return nil, fmt.Errorf("%w: %s", ErrRateLimited, parsed.Error.Message)
				}
				return nil, fmt.Errorf("embedding API error: %s", parsed.Error.Message)
			}
			return nil, fmt.Errorf("embedding API error: status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}

		vec := parsed.Embedding.Values
		if len(vec) > 0 && len(vec) < 3072 {
			vec = l2Normalize(vec)
		}
		embeddings[i] = vec
	}

	return embeddings, nil
}

// l2Normalize scales a vector to unit length.
func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
