package storage

import "strings"

// defaultChunkSize targets roughly 5000 characters per chunk.
const defaultChunkSize = 5000

// SmartChunk splits markdown into chunks of at most chunkSize characters,
// preferring to break at code fence boundaries, then paragraph breaks, then
// sentence ends, so a chunk rarely starts mid-code-block or mid-sentence.
func SmartChunk(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for len(text) > chunkSize {
		window := text[:chunkSize]
		cut := chunkSize

		// Never split inside a code fence: if the window contains an odd
		// number of fences, back up to before the last one.
		if strings.Count(window, "```")%2 == 1 {
			if idx := strings.LastIndex(window, "```"); idx > chunkSize/4 {
				cut = idx
			}
		} else if idx := strings.LastIndex(window, "\n\n"); idx > chunkSize/2 {
			cut = idx
		} else if idx := lastSentenceEnd(window); idx > chunkSize/2 {
			cut = idx
		} else if idx := strings.LastIndexByte(window, '\n'); idx > chunkSize/2 {
			cut = idx
		}

		chunk := strings.TrimSpace(text[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func lastSentenceEnd(s string) int {
	best := -1
	for _, sep := range []string{". ", ".\n", "! ", "? "} {
		if idx := strings.LastIndex(s, sep); idx > best {
			best = idx + 1
		}
	}
	return best
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
