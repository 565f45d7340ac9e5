// Package llm provides provider selection, rate limiting, and chat completion
// clients for the knowledge engine.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/archonlabs/knowledge-engine/internal/config"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

// Provider identifies an LLM provider.
type Provider string

// Supported providers.
const (
	ProviderOpenAI     Provider = "openai"
	ProviderOllama     Provider = "ollama"
	ProviderGoogle     Provider = "google"
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenRouter Provider = "openrouter"
	ProviderGrok       Provider = "grok"
)

// ClientConfig describes a resolved provider client: which endpoint to call,
// with which credentials and models.
type ClientConfig struct {
	Provider           Provider
	APIKey             string
	BaseURL            string
	ChatModel          string
	EmbeddingModel     string
	EmbeddingDimension int
}

// RoutingDecision records how an embedding route was chosen.
type RoutingDecision struct {
	Provider        Provider
	Model           string
	BaseURL         string
	Confidence      float64
	FallbackApplied bool
	DecidedAt       time.Time
}

// Factory selects the provider configuration at call time from the settings
// cache, falling back to static config. Ollama base URLs are consulted
// per call so chat and embedding can point at distinct instances.
type Factory struct {
	logger     *observability.Logger
	settings   *settings.Service
	static     config.ProvidersConfig
	httpClient *http.Client

	mu     sync.Mutex
	routes map[string]RoutingDecision
}

// NewFactory creates a provider factory.
func NewFactory(logger *observability.Logger, svc *settings.Service, static config.ProvidersConfig) *Factory {
	return &Factory{
		logger:     logger.WithComponent("llm_factory"),
		settings:   svc,
		static:     static,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		routes:     make(map[string]RoutingDecision),
	}
}

// defaultEmbeddingModels maps providers to their default embedding model.
var defaultEmbeddingModels = map[Provider]string{
	ProviderOpenAI:     "text-embedding-3-small",
	ProviderOllama:     "nomic-embed-text",
	ProviderGoogle:     "text-embedding-004",
	ProviderOpenRouter: "text-embedding-3-small",
}

// defaultBaseURLs maps OpenAI-compatible providers to their endpoints.
var defaultBaseURLs = map[Provider]string{
	ProviderOpenAI:     "https://api.openai.com/v1",
	ProviderAnthropic:  "https://api.anthropic.com/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
	ProviderGrok:       "https://api.x.ai/v1",
}

// ChatConfig resolves the chat provider configuration.
func (f *Factory) ChatConfig(ctx context.Context) (ClientConfig, error) {
	provider := Provider(f.settings.String(ctx, "LLM_PROVIDER", f.static.LLMProvider))
	cfg := ClientConfig{
		Provider:  provider,
		ChatModel: f.settings.String(ctx, "MODEL_CHOICE", "gpt-4o-mini"),
	}

	switch provider {
	case ProviderOllama:
		base := f.settings.String(ctx, "OLLAMA_CHAT_URL", f.static.OllamaChatURL)
		// OpenAI-shaped calls go through Ollama's /v1 compatibility surface.
		cfg.BaseURL = strings.TrimSuffix(base, "/") + "/v1"
	case ProviderGoogle:
		cfg.APIKey = f.settings.String(ctx, "GOOGLE_API_KEY", f.static.GoogleAPIKey)
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	default:
		cfg.APIKey = f.settings.String(ctx, "OPENAI_API_KEY", f.static.OpenAIAPIKey)
		cfg.BaseURL = f.resolveBaseURL(provider)
	}

	if cfg.APIKey == "" && provider == ProviderOpenAI {
		// No key configured: fall back to a healthy Ollama instance when one
		// is reachable so local development keeps working.
		if ollamaURL, ok := f.healthyOllama(ctx); ok {
			f.logger.Warn().Str("ollama_url", ollamaURL).Msg("No OpenAI key, falling back to Ollama")
			cfg.Provider = ProviderOllama
			cfg.APIKey = ""
			cfg.BaseURL = strings.TrimSuffix(ollamaURL, "/") + "/v1"
			return cfg, nil
		}
		return cfg, fmt.Errorf("no API key configured for provider %s", provider)
	}

	return cfg, nil
}

// EmbeddingConfig resolves the embedding provider configuration and records
// the routing decision. Decisions are cached per (model, instance) for five
// minutes.
func (f *Factory) EmbeddingConfig(ctx context.Context) (ClientConfig, RoutingDecision, error) {
	providerName := f.settings.String(ctx, "EMBEDDING_PROVIDER", f.static.EmbeddingProvider)
	if providerName == "" {
		providerName = f.settings.String(ctx, "LLM_PROVIDER", f.static.LLMProvider)
	}
	provider := Provider(providerName)

	model := f.settings.String(ctx, "EMBEDDING_MODEL", defaultEmbeddingModels[provider])
	if model == "" {
		model = defaultEmbeddingModels[ProviderOpenAI]
	}

	cfg := ClientConfig{
		Provider:           provider,
		EmbeddingModel:     model,
		EmbeddingDimension: f.settings.Int(ctx, "EMBEDDING_DIMENSIONS", 1536),
	}

	fallback := false
	switch provider {
	case ProviderOllama:
		base := f.settings.String(ctx, "OLLAMA_EMBED_URL", f.static.OllamaEmbedURL)
		cfg.BaseURL = strings.TrimSuffix(base, "/") + "/v1"
	case ProviderGoogle:
		cfg.APIKey = f.settings.String(ctx, "GOOGLE_API_KEY", f.static.GoogleAPIKey)
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	default:
		cfg.APIKey = f.settings.String(ctx, "OPENAI_API_KEY", f.static.OpenAIAPIKey)
		cfg.BaseURL = f.resolveBaseURL(provider)
		if cfg.APIKey == "" && provider == ProviderOpenAI {
			if ollamaURL, ok := f.healthyOllama(ctx); ok {
				cfg.Provider = ProviderOllama
				cfg.BaseURL = strings.TrimSuffix(ollamaURL, "/") + "/v1"
				cfg.EmbeddingModel = defaultEmbeddingModels[ProviderOllama]
				fallback = true
			} else {
				return cfg, RoutingDecision{}, fmt.Errorf("no API key configured for embedding provider %s", provider)
			}
		}
	}

	decision := f.cachedRoute(cfg, fallback)
	return cfg, decision, nil
}

// cachedRoute returns the routing decision for a config, reusing a cached one
// when it is fresher than five minutes.
func (f *Factory) cachedRoute(cfg ClientConfig, fallback bool) RoutingDecision {
	key := cfg.EmbeddingModel + "|" + cfg.BaseURL

	f.mu.Lock()
	defer f.mu.Unlock()

	if d, ok := f.routes[key]; ok && time.Since(d.DecidedAt) < 5*time.Minute {
		return d
	}

	confidence := 1.0
	if fallback {
		confidence = 0.5
	}
	d := RoutingDecision{
		Provider:        cfg.Provider,
		Model:           cfg.EmbeddingModel,
		BaseURL:         cfg.BaseURL,
		Confidence:      confidence,
		FallbackApplied: fallback,
		DecidedAt:       time.Now(),
	}
	f.routes[key] = d
	return d
}

func (f *Factory) resolveBaseURL(provider Provider) string {
	if f.static.OpenAIBaseURL != "" && provider == ProviderOpenAI {
		return f.static.OpenAIBaseURL
	}
	if url, ok := defaultBaseURLs[provider]; ok {
		return url
	}
	return defaultBaseURLs[ProviderOpenAI]
}

// healthyOllama probes the configured Ollama instances and returns the first
// reachable base URL.
func (f *Factory) healthyOllama(ctx context.Context) (string, bool) {
	for _, base := range []string{f.static.OllamaChatURL, f.static.OllamaEmbedURL} {
		if base == "" {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			strings.TrimSuffix(base, "/")+"/api/tags", nil)
		if err != nil {
			continue
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return base, true
		}
	}
	return "", false
}
