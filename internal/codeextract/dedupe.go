package codeextract

import (
	"regexp"
	"sort"
	"strings"
)

// similarityThreshold groups blocks whose normalized code is at least this
// similar.
const similarityThreshold = 0.85

// Dedupe groups near-identical blocks and keeps the best variant of each
// group. The kept block records how many variants were merged and which
// languages were observed.
func Dedupe(blocks []Block) []Block {
	if len(blocks) <= 1 {
		return blocks
	}

	normalized := make([]string, len(blocks))
	for i, b := range blocks {
		normalized[i] = normalizeCode(b.Code)
	}

	assigned := make([]bool, len(blocks))
	var out []Block

	for i := range blocks {
		if assigned[i] {
			continue
		}
		group := []int{i}
		assigned[i] = true
		for j := i + 1; j < len(blocks); j++ {
			if assigned[j] {
				continue
			}
			if similarity(normalized[i], normalized[j]) >= similarityThreshold {
				group = append(group, j)
				assigned[j] = true
			}
		}

		best := blocks[pickBest(blocks, group)]
		if len(group) > 1 {
			best.ConsolidatedVariants = len(group)
			langs := make(map[string]bool)
			for _, idx := range group {
				if l := blocks[idx].Language; l != "" {
					langs[l] = true
				}
			}
			for l := range langs {
				best.VariantLanguages = append(best.VariantLanguages, l)
			}
			sort.Strings(best.VariantLanguages)
		}
		out = append(out, best)
	}
	return out
}

// pickBest scores each variant: explicit language +10, code length +0.01/char,
// context length +0.005/char, +5 when the context mentions python 3.10, else
// +3 when the code uses Annotated.
func pickBest(blocks []Block, group []int) int {
	bestIdx := group[0]
	bestScore := -1.0
	for _, idx := range group {
		b := blocks[idx]
		score := 0.0
		if b.Language != "" && b.Language != "text" && b.Language != "plaintext" {
			score += 10
		}
		score += 0.01 * float64(len(b.Code))
		score += 0.005 * float64(len(b.ContextBefore)+len(b.ContextAfter))

		context := strings.ToLower(b.ContextBefore + b.ContextAfter)
		if strings.Contains(context, "python 3.10") {
			score += 5
		} else if strings.Contains(strings.ToLower(b.Code), "annotated") {
			score += 3
		}

		if score > bestScore {
			bestScore = score
			bestIdx = idx
		}
	}
	return bestIdx
}

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	annotatedRe    = regexp.MustCompile(`Annotated\[([^,\]]+),[^\]]*\]`)
	trailingCommaRe = regexp.MustCompile(`,(\s*[)\]}])`)
)

// normalizeCode collapses cosmetic differences before similarity comparison:
// whitespace runs, the typing_extensions/typing import split, Annotated
// wrappers, and trailing commas.
func normalizeCode(code string) string {
	s := strings.ReplaceAll(code, "typing_extensions", "typing")
	s = annotatedRe.ReplaceAllString(s, "$1")
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// similarity is the Ratcliff-Obershelp ratio: twice the total length of
// recursively matched common substrings over the combined length.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	matched := matchingChars(a, b)
	return 2.0 * float64(matched) / float64(len(a)+len(b))
}

func matchingChars(a, b string) int {
	start1, start2, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	return size +
		matchingChars(a[:start1], b[:start2]) +
		matchingChars(a[start1+size:], b[start2+size:])
}

// longestCommonSubstring uses the rolling single-row DP form to keep memory
// linear in len(b).
func longestCommonSubstring(a, b string) (start1, start2, size int) {
	row := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		prev := 0
		for j := 1; j <= len(b); j++ {
			cur := row[j]
			if a[i-1] == b[j-1] {
				row[j] = prev + 1
				if row[j] > size {
					size = row[j]
					start1 = i - size
					start2 = j - size
				}
			} else {
				row[j] = 0
			}
			prev = cur
		}
	}
	return start1, start2, size
}
