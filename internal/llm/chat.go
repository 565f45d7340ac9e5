package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes a chat completion call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// JSONMode requests a JSON object response where the provider supports it.
	JSONMode bool
}

// ChatClient completes chat requests.
type ChatClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// HTTPChatClient is an OpenAI-shaped chat completion client. It serves every
// OpenAI-compatible provider, including Ollama's /v1 surface.
type HTTPChatClient struct {
	httpClient *http.Client
	cfg        ClientConfig
}

// NewChatClient creates a chat client for the resolved provider config.
func NewChatClient(cfg ClientConfig) *HTTPChatClient {
	return &HTTPChatClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Complete issues the chat completion and returns the first choice content.
func (c *HTTPChatClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.ChatModel
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": req.Messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.JSONMode {
		// Grok reasoning models reject response_format; strip it for them.
		if !isGrokModel(c.cfg.Provider, model) {
			body["response_format"] = map[string]string{"type": "json_object"}
		}
		if c.cfg.Provider == ProviderOllama {
			body["format"] = "json"
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed chatResponse
	if resp.StatusCode != http.StatusOK {
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
			return "", fmt.Errorf("chat API error: %s (type: %s)", parsed.Error.Message, parsed.Error.Type)
		}
		return "", fmt.Errorf("chat API error: status %d, body: %s", resp.StatusCode, truncate(string(raw), 500))
	}

	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat API returned no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

// isGrokModel reports whether the call targets a Grok/xAI reasoning model.
func isGrokModel(provider Provider, model string) bool {
	return provider == ProviderGrok || strings.HasPrefix(strings.ToLower(model), "grok")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
