package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMarkdownDropsFencedCode(t *testing.T) {
	input := "Intro paragraph.\n\n```go\nfunc main() {}\n```\n\nClosing paragraph."
	got := NormalizeMarkdown(input)

	assert.NotContains(t, got, "func main")
	assert.NotContains(t, got, "```")
	assert.Contains(t, got, "Intro paragraph.")
	assert.Contains(t, got, "Closing paragraph.")
}

func TestNormalizeMarkdownUnwrapsInlineCode(t *testing.T) {
	got := NormalizeMarkdown("Set the `PROJECT_ID` variable before deploying.")
	assert.Equal(t, "Set the PROJECT_ID variable before deploying.", got)
}

func TestNormalizeMarkdownCollapsesBlankRuns(t *testing.T) {
	got := NormalizeMarkdown("first\n\n\n\n\nsecond")
	assert.Equal(t, "first\n\nsecond", got)
}

func TestNormalizeMarkdownTrimsEdges(t *testing.T) {
	got := NormalizeMarkdown("\n\n  body text  \n\n")
	assert.Equal(t, "body text", got)
}

func TestNormalizeMarkdownDeterministic(t *testing.T) {
	input := "# Title\n\nSome `inline` text.\n\n```\nblock\n```\n\n\n\nTail."
	assert.Equal(t, NormalizeMarkdown(input), NormalizeMarkdown(input))
}

func TestNormalizeMarkdownEmpty(t *testing.T) {
	assert.Equal(t, "", NormalizeMarkdown(""))
	assert.Equal(t, "", NormalizeMarkdown("```\nonly code\n```"))
}

func TestInferDocType(t *testing.T) {
	assert.Equal(t, "contracts", InferDocType("contracts/acme.md"))
	assert.Equal(t, "manuals", InferDocType("manuals/pump/installation.md"))
	assert.Equal(t, "unknown", InferDocType("readme.md"))
	assert.Equal(t, "unknown", InferDocType("/rooted.md"))
	assert.Equal(t, "unknown", InferDocType(""))
}
