package channeladapter

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// thinkBlock matches a single <think>...</think> span, including across
// newlines. Stripping is idempotent: running it twice on already-stripped
// text is a no-op since no <think> tags remain (spec §8).
var thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)

// StripThinking removes every <think>...</think> span from s.
func StripThinking(s string) string {
	return thinkBlock.ReplaceAllString(s, "")
}

// SanitizeMarkdown renders the supported Markdown subset (bold, italic,
// inline code, fenced code blocks) down to the channel's native markup via
// an AST walk rather than regex substitution, so nesting and escaping are
// handled the way a real Markdown parser handles them.
//
// toNative receives each inline/block kind found and the node's literal
// text, and returns that text already wrapped in the target channel's
// markup (e.g. Telegram MarkdownV2 escaping, or plain passthrough for a
// channel with no rich text).
func SanitizeMarkdown(src string, toNative NativeMarkupFunc) (string, error) {
	src = StripThinking(src)

	md := goldmark.New()
	reader := text.NewReader([]byte(src))
	doc := md.Parser().Parse(reader)

	var out strings.Builder
	source := []byte(src)
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			if _, isChild := n.Parent().(*ast.Emphasis); isChild {
				return ast.WalkContinue, nil // handled by the Emphasis case
			}
			if _, isChild := n.Parent().(*ast.CodeSpan); isChild {
				return ast.WalkContinue, nil
			}
			out.Write(node.Segment.Value(source))
		case *ast.Emphasis:
			literal := string(n.Text(source))
			kind := NativeBold
			if node.Level == 1 {
				kind = NativeItalic
			}
			out.WriteString(toNative(kind, literal))
			return ast.WalkSkipChildren, nil
		case *ast.CodeSpan:
			out.WriteString(toNative(NativeInlineCode, string(n.Text(source))))
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			var code bytes.Buffer
			for i := 0; i < node.Lines().Len(); i++ {
				line := node.Lines().At(i)
				code.Write(line.Value(source))
			}
			out.WriteString(toNative(NativeCodeBlock, code.String()))
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			// paragraphs fall through to their Text children; nothing to
			// emit for the container itself.
		case *ast.AutoLink, *ast.Link:
			out.WriteString(string(n.Text(source)))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// NativeMarkupKind names the subset of Markdown SanitizeMarkdown
// recognizes.
type NativeMarkupKind int

const (
	NativeBold NativeMarkupKind = iota
	NativeItalic
	NativeInlineCode
	NativeCodeBlock
)

// NativeMarkupFunc wraps literal with the target channel's own markup for
// the given kind.
type NativeMarkupFunc func(kind NativeMarkupKind, literal string) string

// PlainNativeMarkup strips all Markdown down to plain text, useful for
// channels with no rich-text support.
func PlainNativeMarkup(_ NativeMarkupKind, literal string) string { return literal }
