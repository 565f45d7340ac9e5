// Package codeextract extracts code blocks from crawled markdown, filters
// prose and diagrams, deduplicates near-identical variants, and generates
// LLM summaries for the survivors.
package codeextract

import (
	"context"
	"strings"

	"github.com/archonlabs/knowledge-engine/internal/observability"
	"github.com/archonlabs/knowledge-engine/internal/settings"
)

// Block is one extracted code block with its surrounding context.
type Block struct {
	Code          string
	Language      string
	ContextBefore string
	ContextAfter  string

	// Set by deduplication when near-identical variants were merged.
	ConsolidatedVariants int
	VariantLanguages     []string
}

// Extractor scans markdown for fenced code blocks worth indexing.
type Extractor struct {
	logger   *observability.Logger
	settings *settings.Service
}

// NewExtractor creates a code block extractor.
func NewExtractor(logger *observability.Logger, svc *settings.Service) *Extractor {
	return &Extractor{
		logger:   logger.WithComponent("code_extraction"),
		settings: svc,
	}
}

type extractConfig struct {
	minLength       int
	maxLength       int
	proseFiltering  bool
	maxProseRatio   float64
	minIndicators   int
	diagramFilter   bool
	contextWindow   int
}

func (e *Extractor) config(ctx context.Context) extractConfig {
	return extractConfig{
		minLength:      e.settings.Int(ctx, "MIN_CODE_BLOCK_LENGTH", 250),
		maxLength:      e.settings.Int(ctx, "MAX_CODE_BLOCK_LENGTH", 5000),
		proseFiltering: e.settings.Bool(ctx, "ENABLE_PROSE_FILTERING", true),
		maxProseRatio:  e.settings.Float(ctx, "MAX_PROSE_RATIO", 0.15),
		minIndicators:  e.settings.Int(ctx, "MIN_CODE_INDICATORS", 3),
		diagramFilter:  e.settings.Bool(ctx, "ENABLE_DIAGRAM_FILTERING", true),
		contextWindow:  e.settings.Int(ctx, "CONTEXT_WINDOW_SIZE", 1000),
	}
}

// Extract finds fenced code blocks in markdown and returns those that pass
// the length, prose, code-indicator and diagram filters.
func (e *Extractor) Extract(ctx context.Context, markdown string) []Block {
	cfg := e.config(ctx)

	var blocks []Block
	positions := fencePositions(markdown)

	// Pair consecutive fences: open, close, open, close...
	for i := 0; i+1 < len(positions); i += 2 {
		open, close := positions[i], positions[i+1]
		section := markdown[open+3 : close]

		code, language := splitLanguageTag(section)
		code = strings.Trim(code, "\n")

		if len(code) < cfg.minLength || len(code) > cfg.maxLength {
			continue
		}
		if cfg.proseFiltering && isProseLanguage(language) && proseRatio(code) > cfg.maxProseRatio {
			continue
		}
		indicators := codeIndicatorCount(code)
		if indicators < cfg.minIndicators && nonEmptyLineCount(code) > 5 {
			continue
		}
		if cfg.diagramFilter && looksLikeDiagram(code) && indicators < 5 {
			continue
		}

		before := max(0, open-cfg.contextWindow)
		afterEnd := min(len(markdown), close+3+cfg.contextWindow)

		blocks = append(blocks, Block{
			Code:          code,
			Language:      language,
			ContextBefore: markdown[before:open],
			ContextAfter:  markdown[min(len(markdown), close+3):afterEnd],
		})
	}

	e.logger.Debug().Int("blocks", len(blocks)).Msg("Code blocks extracted")
	return blocks
}

// fencePositions returns the byte offsets of every triple-backtick fence.
func fencePositions(s string) []int {
	var positions []int
	for i := 0; i+3 <= len(s); {
		idx := strings.Index(s[i:], "```")
		if idx < 0 {
			break
		}
		positions = append(positions, i+idx)
		i += idx + 3
	}
	return positions
}

// splitLanguageTag treats the first line as a language tag only when it has
// no spaces and is shorter than 20 characters. Otherwise the whole section
// is code with no language.
func splitLanguageTag(section string) (code, language string) {
	nl := strings.IndexByte(section, '\n')
	if nl < 0 {
		return section, ""
	}
	first := strings.TrimSpace(section[:nl])
	if first != "" && len(first) < 20 && !strings.ContainsAny(first, " \t") {
		return section[nl+1:], strings.ToLower(first)
	}
	return section, ""
}

func isProseLanguage(lang string) bool {
	return lang == "" || lang == "text" || lang == "plaintext"
}

// proseWords are indicators that a block is English prose rather than code.
var proseWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"have": true, "has": true, "had": true, "will": true, "would": true,
	"should": true, "could": true, "of": true, "to": true, "in": true,
	"on": true, "at": true, "by": true, "for": true, "with": true,
	"from": true, "about": true, "into": true, "through": true,
	"note": true, "warning": true, "example": true, "chapter": true,
	"section": true, "see": true, "also": true,
}

// proseRatio measures prose indicators (common words plus sentence-ending
// punctuation) against total word count.
func proseRatio(code string) float64 {
	words := strings.Fields(strings.ToLower(code))
	if len(words) == 0 {
		return 0
	}
	indicators := 0
	for _, w := range words {
		trimmed := strings.Trim(w, ".,!?;:")
		if proseWords[trimmed] {
			indicators++
		}
		if strings.HasSuffix(w, ".") || strings.HasSuffix(w, "!") || strings.HasSuffix(w, "?") {
			indicators++
		}
	}
	return float64(indicators) / float64(len(words))
}

var codeIndicators = []string{
	"=", "(", ")", "{", "}", ";",
	"function", "def ", "class ", "import ", "export ",
	"->", "=>", "==", "!=", "<=", ">=",
}

func codeIndicatorCount(code string) int {
	count := 0
	for _, ind := range codeIndicators {
		count += strings.Count(code, ind)
	}
	return count
}

func nonEmptyLineCount(code string) int {
	count := 0
	for _, l := range strings.Split(code, "\n") {
		if strings.TrimSpace(l) != "" {
			count++
		}
	}
	return count
}

var boxDrawing = []string{
	"─", "│", "┌", "┐", "└", "┘", "├", "┤", "┬", "┴", "┼",
	"═", "║", "╔", "╗", "╚", "╝",
	"-->", "<--", "--->", "<---", "==>", "<==", "+--", "--+", "|--",
}

// looksLikeDiagram detects ASCII-art diagrams: dense non-alphanumeric lines
// near the top or repeated box-drawing/arrow glyphs.
func looksLikeDiagram(code string) bool {
	lines := strings.Split(code, "\n")
	denseLines := 0
	for i, l := range lines {
		if i >= 10 {
			break
		}
		if len(l) == 0 {
			continue
		}
		nonAlnum := 0
		for _, r := range l {
			if !isAlnum(r) && r != ' ' && r != '\t' {
				nonAlnum++
			}
		}
		if float64(nonAlnum)/float64(len([]rune(l))) > 0.7 {
			denseLines++
		}
	}
	if denseLines >= 3 {
		return true
	}

	boxCount := 0
	for _, b := range boxDrawing {
		boxCount += strings.Count(code, b)
	}
	return boxCount >= 5
}

func isAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
