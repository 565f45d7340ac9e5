package codeextract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/archonlabs/knowledge-engine/internal/llm"
	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/progress"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

// Summary is the generated name and description for one code block.
type Summary struct {
	ExampleName string `json:"example_name"`
	Summary     string `json:"summary"`
}

// Summarizer generates example names and summaries for code blocks. It never
// returns an error for an individual block: every block gets at least a
// heuristic summary so the storage stage always has a row to write.
type Summarizer struct {
	logger   *observability.Logger
	settings *settings.Service
	factory  *llm.Factory

	// newChatClient is swappable for tests.
	newChatClient func(cfg llm.ClientConfig) llm.ChatClient
}

// NewSummarizer creates a code summarizer.
func NewSummarizer(logger *observability.Logger, svc *settings.Service, factory *llm.Factory) *Summarizer {
	return &Summarizer{
		logger:   logger.WithComponent("code_summary"),
		settings: svc,
		factory:  factory,
		newChatClient: func(cfg llm.ClientConfig) llm.ChatClient {
			return llm.NewChatClient(cfg)
		},
	}
}

const (
	contextBeforeLimit = 500
	codePromptLimit    = 1500
	contextAfterLimit  = 500
	preCallDelay       = 500 * time.Millisecond
)

// SummarizeBatch summarizes blocks concurrently with CODE_SUMMARY_MAX_WORKERS
// workers (default 3) and a short pre-call delay per slot. One chat client is
// shared across the whole batch. Results are positionally aligned with blocks.
func (s *Summarizer) SummarizeBatch(ctx context.Context, blocks []Block, cancel progress.CancelCheck, onProgress progress.Callback) []Summary {
	results := make([]Summary, len(blocks))
	if len(blocks) == 0 {
		return results
	}

	cfg, err := s.factory.ChatConfig(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Chat provider unavailable, using heuristic summaries")
		for i, b := range blocks {
			results[i] = heuristicSummary(b)
		}
		return results
	}
	client := s.newChatClient(cfg)

	workers := int64(s.settings.Int(ctx, "CODE_SUMMARY_MAX_WORKERS", 3))
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(workers)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)

	for i, block := range blocks {
		if err := cancel(); err != nil {
			// Remaining blocks fall back so the caller still gets rows.
			for j := i; j < len(blocks); j++ {
				results[j] = heuristicSummary(blocks[j])
			}
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(blocks); j++ {
				results[j] = heuristicSummary(blocks[j])
			}
			break
		}

		wg.Add(1)
		go func(i int, block Block) {
			defer sem.Release(1)
			defer wg.Done()

			time.Sleep(preCallDelay)
			results[i] = s.summarizeOne(ctx, client, cfg, block)

			mu.Lock()
			completed++
			done := completed
			mu.Unlock()
			if onProgress != nil {
				onProgress("code_extraction", done*100/len(blocks),
					fmt.Sprintf("Summarized %d/%d code examples", done, len(blocks)),
					map[string]interface{}{
						"completed_summaries": done,
						"total_summaries":     len(blocks),
					})
			}
		}(i, block)
	}
	wg.Wait()

	return results
}

// summarizeOne runs the JSON prompt, then the strict retry, then the
// gpt-4o-mini fallback for Grok, and finally the heuristic.
func (s *Summarizer) summarizeOne(ctx context.Context, client llm.ChatClient, cfg llm.ClientConfig, block Block) Summary {
	prompt := buildPrompt(block, false)
	if sum, ok := s.tryComplete(ctx, client, cfg.ChatModel, prompt); ok {
		return sum
	}

	strict := buildPrompt(block, true)
	if sum, ok := s.tryComplete(ctx, client, cfg.ChatModel, strict); ok {
		return sum
	}

	// Grok reasoning models regularly break JSON mode; retry on a model
	// that honors it.
	if strings.HasPrefix(strings.ToLower(cfg.ChatModel), "grok") {
		if sum, ok := s.tryComplete(ctx, client, "gpt-4o-mini", strict); ok {
			return sum
		}
	}

	s.logger.Debug().Str("language", block.Language).Msg("Summary generation failed, using heuristic")
	return heuristicSummary(block)
}

func (s *Summarizer) tryComplete(ctx context.Context, client llm.ChatClient, model, prompt string) (Summary, bool) {
	content, err := client.Complete(ctx, llm.CompletionRequest{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: "You name and summarize code examples for a search index. Respond with a JSON object only."},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   300,
		Temperature: 0.3,
		JSONMode:    true,
	})
	if err != nil || content == "" {
		return Summary{}, false
	}
	if isReasoningText(content) {
		return Summary{}, false
	}

	sum, err := parseSummary(content)
	if err != nil || sum.Summary == "" {
		return Summary{}, false
	}
	return sum, true
}

func buildPrompt(block Block, strict bool) string {
	var sb strings.Builder
	if strict {
		sb.WriteString("Respond with ONLY a raw JSON object. No prose, no explanation, no markdown fences.\n\n")
	}
	sb.WriteString("Generate a JSON object {\"example_name\": ..., \"summary\": ...} for this code example. The name is a short title; the summary is 1-2 sentences describing what the code demonstrates.\n\n")

	if ctx := tail(block.ContextBefore, contextBeforeLimit); ctx != "" {
		sb.WriteString("Context before:\n")
		sb.WriteString(ctx)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Code (%s):\n%s\n\n", displayLanguage(block.Language), head(block.Code, codePromptLimit))
	if ctx := head(block.ContextAfter, contextAfterLimit); ctx != "" {
		sb.WriteString("Context after:\n")
		sb.WriteString(ctx)
		sb.WriteString("\n")
	}
	return sb.String()
}

// parseSummary tolerates markdown fences and leading prose around the JSON.
func parseSummary(content string) (Summary, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return Summary{}, fmt.Errorf("no JSON object in response")
	}

	var sum Summary
	if err := json.Unmarshal([]byte(content[start:end+1]), &sum); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// isReasoningText detects chain-of-thought leakage from reasoning models.
func isReasoningText(content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "Okay,") ||
		strings.HasPrefix(trimmed, "<think>") ||
		strings.HasPrefix(trimmed, "Alright,")
}

// heuristicSummary builds a minimal summary straight from the code.
func heuristicSummary(block Block) Summary {
	lang := displayLanguage(block.Language)
	name := "Code Example (" + lang + ")"

	firstLine := ""
	for _, l := range strings.Split(block.Code, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			firstLine = t
			break
		}
	}
	summary := fmt.Sprintf("A %s code example", lang)
	if firstLine != "" {
		summary += " beginning with `" + head(firstLine, 80) + "`"
	}
	summary += "."

	return Summary{ExampleName: name, Summary: summary}
}

func displayLanguage(lang string) string {
	if lang == "" {
		return "unknown"
	}
	return lang
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
