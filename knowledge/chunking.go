package knowledge

import (
	"fmt"
	"strings"
)

// Segment is one retrieval-sized unit produced by a Chunker.
type Segment struct {
	Seq        int    `json:"seq"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
}

// Chunker splits normalized document content into ordered segments.
type Chunker interface {
	Chunk(content string, strategy string, size int, overlap int) ([]Segment, error)
}

// KnownStrategies lists the chunking strategy names accepted at commit time.
func KnownStrategies() []string {
	return []string{"sentence", "paragraph", "fixed"}
}

// IsKnownStrategy reports whether name is an accepted chunking strategy.
func IsKnownStrategy(name string) bool {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, known := range KnownStrategies() {
		if normalized == known {
			return true
		}
	}
	return false
}

type textChunker struct{}

// NewChunker returns the built-in text chunker.
func NewChunker() Chunker {
	return &textChunker{}
}

func (c *textChunker) Chunk(content string, strategy string, size int, overlap int) ([]Segment, error) {
	cleaned := strings.TrimSpace(normalizeNewlines(content))
	if cleaned == "" {
		return nil, nil
	}
	if size <= 0 {
		return nil, fmt.Errorf("knowledge: chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("knowledge: chunk overlap %d must be in [0, %d)", overlap, size)
	}

	normalized := strings.ToLower(strings.TrimSpace(strategy))
	var texts []string
	switch normalized {
	case "paragraph":
		texts = splitByBlocks(cleaned, size, overlap)
	case "sentence", "":
		texts = splitByBoundary(cleaned, size, overlap, sentenceBoundaries)
	case "fixed":
		texts = splitByBoundary(cleaned, size, overlap, nil)
	default:
		return nil, fmt.Errorf("knowledge: unknown chunking strategy %q", strategy)
	}

	segments := make([]Segment, 0, len(texts))
	for _, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			continue
		}
		segments = append(segments, Segment{
			Seq:        len(segments) + 1,
			Text:       trimmed,
			TokenCount: estimateTokenCount(trimmed),
		})
	}
	return segments, nil
}

var sentenceBoundaries = []rune{'\n', '。', '！', '？', '.', '!', '?'}

// splitByBoundary cuts runs of up to size runes, preferring to end a chunk at
// one of the boundary runes past the halfway point. A nil boundary set yields
// fixed-width chunks. Successive chunks share the trailing overlap runes.
func splitByBoundary(text string, size int, overlap int, boundaries []rune) []string {
	runes := []rune(text)
	total := len(runes)
	if total == 0 {
		return nil
	}

	boundarySet := make(map[rune]struct{}, len(boundaries))
	for _, ch := range boundaries {
		boundarySet[ch] = struct{}{}
	}
	minChars := size / 2

	var chunks []string
	start := 0
	for start < total {
		end := start + size
		if end >= total {
			end = total
		} else if len(boundarySet) > 0 {
			preferred := findBoundary(runes, boundarySet, start+minChars, end)
			if preferred > start+minChars {
				end = preferred
			}
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == total {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// splitByBlocks groups blank-line separated blocks into chunks near the size
// limit, splitting oversized blocks at sentence boundaries.
func splitByBlocks(text string, size int, overlap int) []string {
	blocks := strings.Split(text, "\n\n")
	var chunks []string
	var current strings.Builder
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len([]rune(trimmed)) > size {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, splitByBoundary(trimmed, size, overlap, sentenceBoundaries)...)
			continue
		}
		if current.Len() > 0 && len([]rune(current.String()))+len([]rune(trimmed))+2 > size {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(trimmed)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	replaced = strings.ReplaceAll(replaced, "\r", "\n")
	return replaced
}

func findBoundary(runes []rune, boundarySet map[rune]struct{}, min int, max int) int {
	if min < 0 {
		min = 0
	}
	if max > len(runes) {
		max = len(runes)
	}
	if max <= min {
		return min
	}
	for i := max - 1; i >= min; i-- {
		if _, ok := boundarySet[runes[i]]; ok {
			return i + 1
		}
	}
	return max
}

func estimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := strings.Fields(trimmed)
	wordCount := len(words)
	runeCount := len([]rune(trimmed))
	estimate := wordCount + runeCount/3
	if estimate < wordCount {
		estimate = wordCount
	}
	if estimate <= 0 {
		estimate = runeCount/2 + 1
	}
	return estimate
}
