// Package corpus turns course material text into a searchable
// paragraph index. Paragraphs come from a sliding window over cleaned
// lines; each is embedded and stored in a flat inner-product index
// over unit vectors, so inner product equals cosine similarity.
package corpus

import (
	"sort"
	"strings"
)

// Params controls paragraph extraction. The values participate in the
// on-disk cache key, so changing any of them invalidates cached
// indexes for the same material.
type Params struct {
	WindowSize int // lines per paragraph window
	StepSize   int // lines the window advances per step
	MinWords   int // windows with fewer words are discarded
}

// DefaultParams are the extraction settings used in production.
func DefaultParams() Params {
	return Params{WindowSize: 15, StepSize: 5, MinWords: 40}
}

// CleanLines trims whitespace from every line and drops lines that
// carry no prose: blank lines, single-word lines (stray headings), and
// purely numeric lines (page numbers).
func CleanLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || len(strings.Fields(line)) < 2 || isNumeric(line) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// ExtractParagraphs slides a window over cleaned lines and keeps every
// full window with at least MinWords words. Only full windows are
// emitted: material shorter than one window yields nothing. The
// overlap is intentional: a passage near a window boundary still
// appears whole in a neighboring window.
func ExtractParagraphs(text string, p Params) []string {
	lines := CleanLines(text)

	var paragraphs []string
	for start := 0; start+p.WindowSize <= len(lines); start += p.StepSize {
		window := strings.Join(lines[start:start+p.WindowSize], " ")
		if len(strings.Fields(window)) >= p.MinWords {
			paragraphs = append(paragraphs, window)
		}
	}
	return paragraphs
}

// Hit is one search result: the paragraph's position in the corpus and
// its similarity to the query.
type Hit struct {
	ID    int
	Score float64
}

// Index is a flat inner-product index over unit-length vectors.
// Search is exhaustive; corpora here are small enough that exact
// search beats any approximate structure.
type Index struct {
	dim     int
	vectors [][]float32
}

// NewIndex creates an empty index for vectors of the given dimension.
func NewIndex(dim int) *Index {
	return &Index{dim: dim}
}

// Dim returns the vector dimension.
func (ix *Index) Dim() int { return ix.dim }

// Len returns the number of stored vectors.
func (ix *Index) Len() int { return len(ix.vectors) }

// Add appends vectors to the index. Vectors must already be
// L2-normalized and of the index dimension.
func (ix *Index) Add(vectors [][]float32) {
	ix.vectors = append(ix.vectors, vectors...)
}

// Search returns the k stored vectors with the highest inner product
// against query, best first. Fewer than k hits are returned when the
// index is smaller than k.
func (ix *Index) Search(query []float32, k int) []Hit {
	if k <= 0 || len(ix.vectors) == 0 {
		return nil
	}
	hits := make([]Hit, 0, len(ix.vectors))
	for i, v := range ix.vectors {
		var dot float64
		for j := range v {
			dot += float64(v[j]) * float64(query[j])
		}
		hits = append(hits, Hit{ID: i, Score: dot})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
