package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/archonlabs/knowledge-engine/internal/llm"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/progress"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

// FailedItem records one text that could not be embedded.
type FailedItem struct {
	Index     int    `json:"index"`
	Text      string `json:"text"`
	ErrorType string `json:"error_type"`
	Error     string `json:"error"`
}

// BatchResult is the partial-failure result of an embedding run. Embeddings
// and TextsProcessed are positionally aligned; SuccessCount plus FailureCount
// always equals the number of input texts.
type BatchResult struct {
	Embeddings     [][]float32
	TextsProcessed []string
	FailedItems    []FailedItem
	SuccessCount   int
	FailureCount   int
	Model          string
	Dimension      int
}

// Service creates embeddings in rate-limited batches. Failures are recorded
// per item, never silently dropped: callers decide policy.
type Service struct {
	logger   *observability.Logger
	settings *settings.Service
	factory  *llm.Factory
	limiter  *llm.RateLimiter

	// newAdapter is swappable for tests.
	newAdapter func(cfg llm.ClientConfig) Adapter
}

// NewService creates the embedding service.
func NewService(logger *observability.Logger, svc *settings.Service, factory *llm.Factory, limiter *llm.RateLimiter) *Service {
	return &Service{
		logger:     logger.WithComponent("embedding"),
		settings:   svc,
		factory:    factory,
		limiter:    limiter,
		newAdapter: defaultAdapter,
	}
}

func defaultAdapter(cfg llm.ClientConfig) Adapter {
	if cfg.Provider == llm.ProviderGoogle {
		return NewGoogleAdapter(cfg.BaseURL, cfg.APIKey)
	}
	return NewOpenAIAdapter(cfg.BaseURL, cfg.APIKey)
}

// CreateEmbeddings embeds texts in batches sized by EMBEDDING_BATCH_SIZE
// (default 100). Quota exhaustion stops the run and fails the remaining
// texts; transient rate limits are retried with 1/2/4 second backoff up to
// three times before the batch is failed.
func (s *Service) CreateEmbeddings(ctx context.Context, texts []string, cancel progress.CancelCheck, onProgress progress.Callback) (*BatchResult, error) {
	result := &BatchResult{}
	if len(texts) == 0 {
		return result, nil
	}

	cfg, decision, err := s.factory.EmbeddingConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve embedding provider: %w", err)
	}
	result.Model = cfg.EmbeddingModel
	result.Dimension = cfg.EmbeddingDimension

	if decision.FallbackApplied {
		s.logger.Warn().
			Str("provider", string(decision.Provider)).
			Str("model", decision.Model).
			Msg("Embedding provider fallback applied")
	}

	adapter := s.newAdapter(cfg)
	batchSize := s.settings.Int(ctx, "EMBEDDING_BATCH_SIZE", 100)
	if batchSize < 1 {
		batchSize = 1
	}

	// Blank texts are recorded as failures up front so indexes stay aligned
	// and nothing is silently dropped.
	valid := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			result.FailedItems = append(result.FailedItems, FailedItem{
				Index:     i,
				Text:      t,
				ErrorType: ErrorTypeInvalidInput,
				Error:     "empty text",
			})
			continue
		}
		valid = append(valid, i)
	}

	quotaHit := false
	for start := 0; start < len(valid); start += batchSize {
		if cancel != nil {
			if err := cancel(); err != nil {
				return nil, err
			}
		}

		end := start + batchSize
		if end > len(valid) {
			end = len(valid)
		}
		indexes := valid[start:end]
		batch := make([]string, len(indexes))
		for i, idx := range indexes {
			batch[i] = texts[idx]
		}

		if quotaHit {
			s.failBatch(result, indexes, texts, ErrorTypeQuotaExhausted, "provider quota exhausted")
			continue
		}

		onWait := func(remaining float64) {
			if onProgress != nil {
				onProgress("document_storage", 0,
					fmt.Sprintf("Rate limited, waiting %.0fs before embedding", remaining),
					map[string]interface{}{"rate_limited": true})
			}
		}

		release, err := s.limiter.Acquire(ctx, llm.EstimateTokens(batch), onWait)
		if err != nil {
			if errors.Is(err, llm.ErrRateLimited) {
				s.failBatch(result, indexes, texts, ErrorTypeRateLimit, err.Error())
				continue
			}
			return nil, err
		}

		vectors, err := s.embedWithRetry(ctx, adapter, cfg, batch)
		release()

		if err != nil {
			if errors.Is(err, ErrQuotaExhausted) {
				// Stop calling the provider; fail this batch and all
				// remaining texts so the caller keeps what succeeded.
				s.logger.Error().Err(err).Msg("Embedding quota exhausted, failing remaining texts")
				quotaHit = true
				s.failBatch(result, indexes, texts, ErrorTypeQuotaExhausted, err.Error())
				continue
			}
			errType := ErrorTypeAPIError
			if errors.Is(err, ErrRateLimited) {
				errType = ErrorTypeRateLimit
			}
			s.logger.Warn().Err(err).Int("batch_size", len(batch)).Msg("Embedding batch failed")
			s.failBatch(result, indexes, texts, errType, err.Error())
			continue
		}

		for i, idx := range indexes {
			if i >= len(vectors) || len(vectors[i]) == 0 {
				result.FailedItems = append(result.FailedItems, FailedItem{
					Index:     idx,
					Text:      texts[idx],
					ErrorType: ErrorTypeAPIError,
					Error:     "provider returned no vector",
				})
				continue
			}
			result.Embeddings = append(result.Embeddings, vectors[i])
			result.TextsProcessed = append(result.TextsProcessed, texts[idx])
		}
	}

	result.SuccessCount = len(result.Embeddings)
	result.FailureCount = len(result.FailedItems)
	return result, nil
}

// EmbedSingle embeds one text, for query embedding and the credential probe.
func (s *Service) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	res, err := s.CreateEmbeddings(ctx, []string{text}, nil, nil)
	if err != nil {
		return nil, err
	}
	if res.SuccessCount == 0 {
		if len(res.FailedItems) > 0 {
			return nil, fmt.Errorf("embed text: %s", res.FailedItems[0].Error)
		}
		return nil, fmt.Errorf("embed text: no vector returned")
	}
	return res.Embeddings[0], nil
}

// embedWithRetry retries transient rate limits with exponential backoff
// (1, 2, 4 seconds). Quota errors are returned immediately.
func (s *Service) embedWithRetry(ctx context.Context, adapter Adapter, cfg llm.ClientConfig, batch []string) ([][]float32, error) {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt < 3; attempt++ {
		vectors, err := adapter.CreateEmbeddings(ctx, cfg.EmbeddingModel, batch, cfg.EmbeddingDimension)
		if err == nil {
			return vectors, nil
		}
		if errors.Is(err, ErrQuotaExhausted) {
			return nil, err
		}
		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}

		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (s *Service) failBatch(result *BatchResult, indexes []int, texts []string, errType, msg string) {
	for _, idx := range indexes {
		result.FailedItems = append(result.FailedItems, FailedItem{
			Index:     idx,
			Text:      texts[idx],
			ErrorType: errType,
			Error:     msg,
		})
	}
}
