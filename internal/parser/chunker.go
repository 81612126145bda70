package parser

import (
	"strings"
	"unicode"
)

// Chunk is one piece of a document, ingested as its own episode.
type Chunk struct {
	Index       int
	Content     string
	HeadingPath string
}

// Options controls chunk sizes in bytes.
type Options struct {
	// MinSize: sections smaller than this merge into the previous chunk.
	MinSize int
	// MaxSize: sections larger than this split at paragraphs, then sentences.
	MaxSize int
	// TargetSize is the preferred size when splitting at sentences.
	TargetSize int
	// Overlap carries the tail of each chunk into the next one.
	Overlap int
}

// DefaultOptions returns sizes tuned for episode extraction.
func DefaultOptions() Options {
	return Options{
		MinSize:    200,
		MaxSize:    2000,
		TargetSize: 1500,
		Overlap:    100,
	}
}

// Chunker implements the document chunking step of document ingestion.
type Chunker struct {
	opts Options
}

// NewChunker creates a chunker with opts.
func NewChunker(opts Options) *Chunker {
	return &Chunker{opts: opts}
}

// ChunkDocument splits text into chunks with contiguous indexes starting
// at zero. Empty or whitespace-only text yields no chunks. title prefixes
// the first chunk's heading path when the document has no headings.
func (c *Chunker) ChunkDocument(text, title string) ([]Chunk, error) {
	doc := Parse(text)
	if strings.TrimSpace(doc.Body) == "" {
		return nil, nil
	}

	var chunks []Chunk
	if len(doc.Sections) > 0 {
		chunks = c.fromSections(doc.Sections)
	} else {
		for _, p := range c.fromParagraphs(doc.Body) {
			chunks = append(chunks, Chunk{Content: p, HeadingPath: title})
		}
	}

	chunks = withOverlap(chunks, c.opts.Overlap)
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

func (c *Chunker) fromSections(sections []Section) []Chunk {
	var chunks []Chunk
	for _, s := range sections {
		body := s.Body
		if body == "" {
			continue
		}
		if s.Heading != "" {
			body = strings.Repeat("#", s.Level) + " " + s.Heading + "\n\n" + body
		}

		if len(body) <= c.opts.MaxSize {
			if len(body) < c.opts.MinSize && len(chunks) > 0 &&
				len(chunks[len(chunks)-1].Content)+len(body) <= c.opts.MaxSize {
				chunks[len(chunks)-1].Content += "\n\n" + body
				continue
			}
			chunks = append(chunks, Chunk{Content: body, HeadingPath: s.Path})
			continue
		}

		for _, p := range c.fromParagraphs(body) {
			chunks = append(chunks, Chunk{Content: p, HeadingPath: s.Path})
		}
	}
	return chunks
}

// fromParagraphs packs paragraphs into chunks of at most MaxSize. Oversized
// paragraphs are split at sentence boundaries.
func (c *Chunker) fromParagraphs(text string) []string {
	var out []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > c.opts.MaxSize {
			flush()
			out = append(out, c.fromSentences(para)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > c.opts.MaxSize {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return out
}

func (c *Chunker) fromSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, s := range splitSentences(text) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(s)+1 > c.opts.TargetSize {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// splitSentences breaks after '.', '!' or '?' followed by whitespace,
// except after a single capital letter ("J. Smith").
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if i > 0 && unicode.IsUpper(runes[i-1]) && (i == 1 || unicode.IsSpace(runes[i-2])) {
			continue
		}
		out = append(out, cur.String())
		cur.Reset()
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func withOverlap(chunks []Chunk, overlap int) []Chunk {
	if overlap <= 0 || len(chunks) < 2 {
		return chunks
	}
	out := make([]Chunk, len(chunks))
	copy(out, chunks)
	for i := 1; i < len(out); i++ {
		prev := chunks[i-1].Content
		if len(prev) <= overlap {
			continue
		}
		tail := prev[len(prev)-overlap:]
		sp := strings.IndexByte(tail, ' ')
		if sp < 0 || sp == len(tail)-1 {
			continue
		}
		out[i].Content = tail[sp+1:] + " " + out[i].Content
	}
	return out
}
