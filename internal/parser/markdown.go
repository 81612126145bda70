// Package parser splits submitted documents into episode-sized chunks.
package parser

import (
	"bufio"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	h1Re      = regexp.MustCompile(`(?m)^#\s+(.+)$`)
)

// Document is a parsed Markdown or plain-text document.
type Document struct {
	Frontmatter map[string]any
	Title       string
	Body        string
	Sections    []Section
}

// Section is a heading and the text below it up to the next heading.
type Section struct {
	Level   int
	Heading string
	// Path joins the enclosing headings, e.g. "# Guide > ## Setup".
	Path string
	Body string
}

// Parse splits off YAML frontmatter and indexes the heading structure.
// Invalid frontmatter is treated as absent.
func Parse(text string) *Document {
	doc := &Document{Frontmatter: map[string]any{}}

	body := strings.ReplaceAll(text, "\r\n", "\n")
	if strings.HasPrefix(body, "---\n") {
		if end := strings.Index(body[4:], "\n---"); end >= 0 {
			if err := yaml.Unmarshal([]byte(body[4:4+end]), &doc.Frontmatter); err != nil || doc.Frontmatter == nil {
				doc.Frontmatter = map[string]any{}
			}
			body = strings.TrimPrefix(body[4+end+4:], "\n")
		}
	}

	doc.Body = body
	doc.Title = titleOf(doc.Frontmatter, body)
	doc.Sections = sectionsOf(body)
	return doc
}

func titleOf(fm map[string]any, body string) string {
	for _, key := range []string{"title", "name"} {
		if s, ok := fm[key].(string); ok && s != "" {
			return s
		}
	}
	if m := h1Re.FindStringSubmatch(body); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// sectionsOf collects headed sections. Text before the first heading is
// returned as a section with an empty path.
func sectionsOf(body string) []Section {
	var (
		sections []Section
		current  = &Section{}
		buf      strings.Builder
		path     []string
		levels   []int
	)

	flush := func() {
		current.Body = strings.TrimSpace(buf.String())
		buf.Reset()
		if current.Heading != "" || current.Body != "" {
			sections = append(sections, *current)
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			buf.WriteString(line)
			buf.WriteByte('\n')
			continue
		}

		flush()
		level := len(m[1])
		heading := strings.TrimSpace(m[2])
		for len(levels) > 0 && levels[len(levels)-1] >= level {
			path = path[:len(path)-1]
			levels = levels[:len(levels)-1]
		}
		path = append(path, m[1]+" "+heading)
		levels = append(levels, level)
		current = &Section{Level: level, Heading: heading, Path: strings.Join(path, " > ")}
	}
	flush()

	// A document without headings has no structure worth keeping.
	if len(sections) == 1 && sections[0].Heading == "" {
		return nil
	}
	return sections
}

// FrontmatterStrings returns frontmatter scalars rendered as strings,
// suitable for episode metadata.
func (d *Document) FrontmatterStrings() map[string]any {
	out := make(map[string]any, len(d.Frontmatter))
	for k, v := range d.Frontmatter {
		switch v.(type) {
		case string, bool, int, int64, float64:
			out[k] = v
		}
	}
	return out
}
