package services

import (
	"regexp"
	"strings"
)

var (
	fencedCodeRegex = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRegex = regexp.MustCompile("`([^`]*)`")
	blankRunRegex   = regexp.MustCompile(`\n{3,}`)
)

// NormalizeMarkdown reduces markdown to retrieval-friendly plain text:
// fenced code blocks are dropped, inline code markers are unwrapped, and
// runs of three or more newlines collapse to a single blank line.
// Deterministic for identical input; chunk offsets are relative to this
// normalized text.
func NormalizeMarkdown(markdown string) string {
	text := fencedCodeRegex.ReplaceAllString(markdown, "")
	text = inlineCodeRegex.ReplaceAllString(text, "$1")
	text = blankRunRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// InferDocType classifies a document by the leading path segment of its
// object key, e.g. "contracts/acme.md" -> "contracts". Keys without a path
// prefix are "unknown".
func InferDocType(key string) string {
	if i := strings.Index(key, "/"); i > 0 {
		return key[:i]
	}
	return "unknown"
}
