// Package score marks a student answer against a question's reference
// answers. Similarity is the best cosine across the references; a
// fixed breakpoint table converts it into a fraction of the question's
// marks.
package score

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/adithyarao/scriptgrader/internal/embedding"
)

// breakpoints maps a similarity floor to the fraction of max marks
// awarded. Entries are checked top-down; the first floor the
// similarity clears wins. Below the last floor the answer earns
// nothing.
var breakpoints = []struct {
	floor float64
	pct   float64
}{
	{0.90, 1.00},
	{0.80, 0.90},
	{0.70, 0.75},
	{0.60, 0.65},
	{0.50, 0.60},
	{0.45, 0.50},
}

// Percent converts a similarity into the awarded fraction of marks.
func Percent(similarity float64) float64 {
	for _, bp := range breakpoints {
		if similarity >= bp.floor {
			return bp.pct
		}
	}
	return 0
}

// Marks converts a similarity and a question's max marks into the
// awarded score. Zero max marks always awards zero.
func Marks(similarity float64, maxMarks int) int {
	if maxMarks <= 0 {
		return 0
	}
	return int(math.Round(Percent(similarity) * float64(maxMarks)))
}

// Scorer embeds answers and references and awards marks.
type Scorer struct {
	embedder embedding.Embedder
}

// New creates a scorer.
func New(embedder embedding.Embedder) *Scorer {
	return &Scorer{embedder: embedder}
}

// ScoreAnswer marks one answer against up to three references,
// returning the best similarity and the awarded marks. Empty
// reference slots are ignored; an answer compared against no usable
// reference scores zero with zero similarity.
func (s *Scorer) ScoreAnswer(ctx context.Context, answer string, refs [3]string, maxMarks int) (float64, int, error) {
	texts := []string{answer}
	for _, ref := range refs {
		if strings.TrimSpace(ref) != "" {
			texts = append(texts, ref)
		}
	}
	if len(texts) == 1 {
		return 0, 0, nil
	}

	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, 0, fmt.Errorf("embed answer and references: %w", err)
	}

	best := -1.0
	for _, ref := range vecs[1:] {
		if sim := embedding.Cosine(vecs[0], ref); sim > best {
			best = sim
		}
	}
	return best, Marks(best, maxMarks), nil
}
