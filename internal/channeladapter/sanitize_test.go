package channeladapter

import (
	"strings"
	"testing"
)

func TestStripThinkingRemovesBlock(t *testing.T) {
	in := "before <think>internal reasoning\nmore</think> after"
	got := StripThinking(in)
	if strings.Contains(got, "internal reasoning") {
		t.Fatalf("think block survived: %q", got)
	}
	if got != "before  after" {
		t.Fatalf("got %q", got)
	}
}

func TestStripThinkingIdempotent(t *testing.T) {
	in := "before <think>x</think> after"
	once := StripThinking(in)
	twice := StripThinking(once)
	if once != twice {
		t.Fatalf("stripping is not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestSanitizeMarkdownBold(t *testing.T) {
	out, err := SanitizeMarkdown("this is **bold** text", func(kind NativeMarkupKind, literal string) string {
		if kind == NativeBold {
			return "*" + literal + "*"
		}
		return literal
	})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if !strings.Contains(out, "*bold*") {
		t.Fatalf("got %q, want bold marker preserved in native form", out)
	}
}

func TestSanitizeMarkdownStripsThinkFirst(t *testing.T) {
	out, err := SanitizeMarkdown("<think>secret</think>visible", PlainNativeMarkup)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if strings.Contains(out, "secret") {
		t.Fatalf("think content leaked: %q", out)
	}
}
