package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkEmptyContent(t *testing.T) {
	chunker := NewChunker()

	segments, err := chunker.Chunk("   \n\t  ", "sentence", 100, 10)
	require.NoError(t, err)
	assert.Empty(t, segments)
}

func TestChunkRejectsBadParameters(t *testing.T) {
	chunker := NewChunker()

	_, err := chunker.Chunk("some text", "sentence", 0, 0)
	assert.Error(t, err)

	_, err = chunker.Chunk("some text", "sentence", 100, 100)
	assert.Error(t, err)

	_, err = chunker.Chunk("some text", "sentence", 100, -1)
	assert.Error(t, err)

	_, err = chunker.Chunk("some text", "semantic", 100, 10)
	assert.Error(t, err)
}

func TestChunkShortContentSingleSegment(t *testing.T) {
	chunker := NewChunker()

	segments, err := chunker.Chunk("A short note.", "sentence", 200, 20)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 1, segments[0].Seq)
	assert.Equal(t, "A short note.", segments[0].Text)
	assert.Positive(t, segments[0].TokenCount)
}

func TestChunkSentenceStrategyPrefersBoundaries(t *testing.T) {
	chunker := NewChunker()

	text := strings.Repeat("This sentence has a fixed shape. ", 40)
	segments, err := chunker.Chunk(text, "sentence", 120, 20)
	require.NoError(t, err)
	require.Greater(t, len(segments), 1)

	for i, segment := range segments {
		assert.Equal(t, i+1, segment.Seq)
		assert.NotEmpty(t, segment.Text)
		assert.LessOrEqual(t, len([]rune(segment.Text)), 120)
	}
	// Every chunk except possibly the last ends on a sentence boundary.
	for _, segment := range segments[:len(segments)-1] {
		assert.True(t, strings.HasSuffix(segment.Text, "."), "chunk %q should end at a boundary", segment.Text)
	}
}

func TestChunkFixedStrategyIgnoresBoundaries(t *testing.T) {
	chunker := NewChunker()

	text := strings.Repeat("abcdefghij", 30)
	segments, err := chunker.Chunk(text, "fixed", 100, 0)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	for _, segment := range segments {
		assert.Equal(t, 100, len([]rune(segment.Text)))
	}
}

func TestChunkParagraphStrategyGroupsBlocks(t *testing.T) {
	chunker := NewChunker()

	text := "First paragraph.\n\nSecond paragraph.\n\n" + strings.Repeat("An oversized paragraph sentence. ", 30)
	segments, err := chunker.Chunk(text, "paragraph", 150, 10)
	require.NoError(t, err)
	require.Greater(t, len(segments), 1)

	// Small adjacent paragraphs share one chunk.
	assert.Contains(t, segments[0].Text, "First paragraph.")
	assert.Contains(t, segments[0].Text, "Second paragraph.")
}

func TestChunkSequencesAreContiguous(t *testing.T) {
	chunker := NewChunker()

	segments, err := chunker.Chunk(strings.Repeat("word ", 500), "fixed", 80, 8)
	require.NoError(t, err)
	for i, segment := range segments {
		assert.Equal(t, i+1, segment.Seq)
	}
}

func TestIsKnownStrategy(t *testing.T) {
	assert.True(t, IsKnownStrategy("sentence"))
	assert.True(t, IsKnownStrategy(" Paragraph "))
	assert.True(t, IsKnownStrategy("FIXED"))
	assert.False(t, IsKnownStrategy("semantic"))
	assert.False(t, IsKnownStrategy(""))
}
