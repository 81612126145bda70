package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkDocument_Empty(t *testing.T) {
	c := NewChunker(DefaultOptions())
	for _, text := range []string{"", "   \n\n\t  ", "---\ntitle: x\n---\n"} {
		chunks, err := c.ChunkDocument(text, "t")
		require.NoError(t, err)
		assert.Empty(t, chunks, "text %q", text)
	}
}

func TestChunkDocument_ShortPlainText(t *testing.T) {
	c := NewChunker(DefaultOptions())
	chunks, err := c.ChunkDocument("Just one short note.", "Notes")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "Just one short note.", chunks[0].Content)
	assert.Equal(t, "Notes", chunks[0].HeadingPath)
}

func TestChunkDocument_Sections(t *testing.T) {
	opts := Options{MinSize: 10, MaxSize: 200, TargetSize: 150}
	c := NewChunker(opts)

	text := "# Guide\n\n" +
		"Intro paragraph that is long enough to stand alone.\n\n" +
		"## Setup\n\n" + "Install the binary and configure the environment.\n\n" +
		"## Usage\n\n" + "Run the server and submit documents to it.\n"

	chunks, err := c.ChunkDocument(text, "")
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, "# Guide", chunks[0].HeadingPath)
	assert.Equal(t, "# Guide > ## Setup", chunks[1].HeadingPath)
	assert.Equal(t, "# Guide > ## Usage", chunks[2].HeadingPath)
	assert.True(t, strings.HasPrefix(chunks[1].Content, "## Setup"))
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
	}
}

func TestChunkDocument_TinySectionsMerge(t *testing.T) {
	c := NewChunker(Options{MinSize: 100, MaxSize: 500, TargetSize: 400})
	text := "# A\n\n" + strings.Repeat("alpha ", 30) + "\n\n## B\n\nshort\n\n## C\n\ntiny\n"

	chunks, err := c.ChunkDocument(text, "")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "## B")
	assert.Contains(t, chunks[0].Content, "## C")
}

func TestChunkDocument_SplitsLongParagraphs(t *testing.T) {
	c := NewChunker(Options{MinSize: 10, MaxSize: 120, TargetSize: 80})
	sentence := "This sentence is about forty bytes long. "
	text := strings.Repeat(sentence, 10)

	chunks, err := c.ChunkDocument(text, "")
	require.NoError(t, err)
	require.Greater(t, len(chunks), 3)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.LessOrEqual(t, len(ch.Content), 120)
		assert.True(t, strings.HasSuffix(ch.Content, "."), "chunk %d ends mid-sentence: %q", i, ch.Content)
	}
}

func TestChunkDocument_Overlap(t *testing.T) {
	c := NewChunker(Options{MinSize: 10, MaxSize: 60, TargetSize: 60, Overlap: 12})
	text := "first paragraph with several words in it\n\nsecond paragraph follows here now"

	chunks, err := c.ChunkDocument(text, "")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "first paragraph with several words in it", chunks[0].Content)
	assert.True(t, strings.HasPrefix(chunks[1].Content, "words in it second"), "got %q", chunks[1].Content)
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("Dr. Who met J. Smith. Then they left! Why? Because.")
	assert.Equal(t, []string{"Dr.", " Who met J. Smith.", " Then they left!", " Why?", " Because."}, got)
}

func TestParseFrontmatter(t *testing.T) {
	doc := Parse("---\ntitle: Runbook\nowner: ops\npriority: 2\ntags: [a, b]\n---\n# Heading\n\nBody text.\n")
	assert.Equal(t, "Runbook", doc.Title)
	assert.Equal(t, "# Heading\n\nBody text.\n", doc.Body)
	require.Len(t, doc.Sections, 1)
	assert.Equal(t, "Body text.", doc.Sections[0].Body)

	meta := doc.FrontmatterStrings()
	assert.Equal(t, "ops", meta["owner"])
	assert.Equal(t, 2, meta["priority"])
	assert.NotContains(t, meta, "tags")
}

func TestParseTitleFallsBackToHeading(t *testing.T) {
	assert.Equal(t, "Hello", Parse("intro\n\n# Hello\n\ntext").Title)
	assert.Equal(t, "", Parse("no headings at all").Title)

	bad := Parse("---\n: [unterminated\n---\nbody")
	assert.Empty(t, bad.Frontmatter)
	assert.Equal(t, "body", bad.Body)
}
