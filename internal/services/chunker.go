package services

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Lllllllleong/knowledgeingestflow/internal/models"
)

// Default chunk parameters.
const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 200
)

// BoundaryPolicy decides where a chunk that would otherwise be hard-cut at
// the size limit should end instead. It receives the candidate window
// text[start:start+size] and returns a preferred cut position relative to the
// window, or -1 to accept the hard cut. Implementations must be
// deterministic: same window, same answer.
type BoundaryPolicy func(window string) int

// Chunker splits normalized text into ordered, bounded, overlapping chunks
// with deterministic boundaries, so re-processing the same document version
// reproduces the exact same chunk set.
type Chunker struct {
	size     int
	overlap  int
	boundary BoundaryPolicy
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithChunkSize sets the maximum chunk size in bytes.
func WithChunkSize(size int) ChunkerOption {
	return func(c *Chunker) { c.size = size }
}

// WithOverlap sets the overlap window shared by adjacent chunks, in bytes.
func WithOverlap(overlap int) ChunkerOption {
	return func(c *Chunker) { c.overlap = overlap }
}

// WithBoundaryPolicy overrides the cut heuristic. The exact heuristic is not
// part of the pipeline contract; determinism and the overlap and coverage
// invariants hold under any policy.
func WithBoundaryPolicy(policy BoundaryPolicy) ChunkerOption {
	return func(c *Chunker) {
		if policy != nil {
			c.boundary = policy
		}
	}
}

// NewChunker creates a chunker. The overlap must stay below half the chunk
// size: boundary policies may cut a chunk down to half the size limit, and
// the overlap invariant (each chunk starts exactly overlap bytes before its
// predecessor ends) only survives such a cut when overlap < size/2.
func NewChunker(opts ...ChunkerOption) (*Chunker, error) {
	c := &Chunker{
		size:     DefaultChunkSize,
		overlap:  DefaultChunkOverlap,
		boundary: PreferParagraphBoundary,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidInput, c.size)
	}
	if c.overlap < 0 || c.overlap*2 >= c.size {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d) for chunk size %d", ErrInvalidInput, c.overlap, (c.size+1)/2, c.size)
	}
	return c, nil
}

// PreferParagraphBoundary is the default cut heuristic: cut after the last
// blank line in the trailing half of the window, then after the last newline,
// then after the last space. The hard cut stands when no boundary falls in
// the trailing half, so chunks never shrink below half the size limit.
func PreferParagraphBoundary(window string) int {
	floor := len(window) / 2
	if i := strings.LastIndex(window, "\n\n"); i >= floor {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i >= floor {
		return i + 1
	}
	if i := strings.LastIndex(window, " "); i >= floor {
		return i + 1
	}
	return -1
}

// Chunk splits text into ordered chunks. Empty text produces no chunks; text
// within the size limit produces exactly one chunk spanning the whole
// document. Each chunk after the first starts exactly overlap bytes before
// its predecessor ends (nudged forward to the next rune start when the
// overlap window would begin mid-rune).
func (c *Chunker) Chunk(text string) []models.Chunk {
	if text == "" {
		return nil
	}
	n := len(text)
	chunks := make([]models.Chunk, 0, n/(c.size-c.overlap)+1)
	start := 0
	for index := 0; ; index++ {
		end := start + c.size
		if end >= n {
			chunks = append(chunks, models.Chunk{Index: index, Text: text[start:], Start: start, End: n})
			return chunks
		}
		if cut := c.boundary(text[start:end]); cut > 0 && cut <= c.size {
			end = start + cut
		}
		// Never split a multi-byte rune on a hard cut.
		for end > start+1 && !utf8.RuneStart(text[end]) {
			end--
		}
		chunks = append(chunks, models.Chunk{Index: index, Text: text[start:end], Start: start, End: end})
		next := end - c.overlap
		if next <= start {
			// Forward-progress guard for custom boundary policies that cut
			// shorter than the overlap window.
			next = end
		}
		for next < n && !utf8.RuneStart(text[next]) {
			next++
		}
		start = next
	}
}
