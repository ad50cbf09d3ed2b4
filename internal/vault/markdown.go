package vault

import (
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// parserInstance is initialized once and reused. The parser
// configuration never changes and the goldmark Parser is safe to
// share; actual parsing creates per-call state via Parse(reader).
var (
	parserInstance goldmark.Markdown
	parserOnce     sync.Once
)

func getParser() goldmark.Markdown {
	parserOnce.Do(func() {
		parserInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	return parserInstance
}

// Heading is one heading extracted from a note.
type Heading struct {
	Level int
	Text  string
}

// Title returns the note's first level-1 heading, or "" when the note
// has none.
func Title(content string) string {
	for _, h := range Headings(content) {
		if h.Level == 1 {
			return h.Text
		}
	}
	return ""
}

// Headings extracts all headings from markdown content in document
// order.
func Headings(content string) []Heading {
	source := []byte(content)
	doc := getParser().Parser().Parse(text.NewReader(source))

	var headings []Heading
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		var sb strings.Builder
		for c := h.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				sb.Write(t.Segment.Value(source))
			}
		}
		headings = append(headings, Heading{Level: h.Level, Text: sb.String()})
		return ast.WalkSkipChildren, nil
	})
	return headings
}
