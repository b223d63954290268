// Package refsynth generates reference answers for exam questions.
// Each question gets three references along a grounding gradient:
// one built only from course material, one allowed to blend material
// with general knowledge, and one free of the material entirely.
// Scoring against all three keeps correct-but-differently-phrased
// student answers from being punished for wording.
package refsynth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adithyarao/scriptgrader/internal/corpus"
	"github.com/adithyarao/scriptgrader/internal/embedding"
	"github.com/adithyarao/scriptgrader/internal/llm"
	"github.com/adithyarao/scriptgrader/internal/model"
)

const (
	// Temperatures step up with the freedom each slot is given.
	groundedTemp float32 = 0.1
	hybridTemp   float32 = 0.4
	openTemp     float32 = 0.7

	// contextTopK paragraphs of at least contextMinScore similarity
	// make the material context. The search over-fetches 2*K and
	// filters, so a corpus with few relevant paragraphs still fills
	// what it can.
	contextTopK     = 5
	contextMinScore = 0.40

	contextSeparator = "\n\n---\n\n"
	noContext        = "None available."
)

const systemPrompt = "You are a subject-matter professor writing model answers for an exam. " +
	"Write a complete, correct answer at the depth the marks warrant. Output only the answer text."

// FailurePlaceholder fills a reference slot whose generation failed.
// Scoring treats it like any other text; it will not match real
// answers.
const FailurePlaceholder = "[reference generation failed]"

// Synthesizer fills the three reference-answer slots of each question.
type Synthesizer struct {
	completer llm.Completer
	embedder  embedding.Embedder
	log       *slog.Logger
}

// New creates a synthesizer.
func New(completer llm.Completer, embedder embedding.Embedder, log *slog.Logger) *Synthesizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synthesizer{completer: completer, embedder: embedder, log: log}
}

// ContextFor selects the material paragraphs backing a question: the
// top results of an over-fetched search, filtered by the similarity
// floor and capped at contextTopK.
func (s *Synthesizer) ContextFor(ctx context.Context, c *corpus.Corpus, question string) ([]string, error) {
	vecs, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	query := embedding.Normalize(vecs[0])

	var picked []string
	for _, hit := range c.Index.Search(query, 2*contextTopK) {
		if hit.Score < contextMinScore {
			continue
		}
		picked = append(picked, c.Paragraphs[hit.ID])
		if len(picked) == contextTopK {
			break
		}
	}
	return picked, nil
}

func groundedPrompt(question string, contextText string, maxMarks int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Answer the following %d-mark exam question based ONLY on the context below. ", maxMarks)
	sb.WriteString("Do not use any outside knowledge. ")
	sb.WriteString("If the context is \"None available.\" or insufficient to answer, state that instead of answering.\n\nContext:\n")
	sb.WriteString(contextText)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

func hybridPrompt(question string, contextText string, maxMarks int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Answer the following %d-mark exam question. ", maxMarks)
	sb.WriteString("The context below is optional background; combine it with your own knowledge as needed.\n\nContext:\n")
	sb.WriteString(contextText)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

func openPrompt(question string, maxMarks int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Answer the following %d-mark exam question from your general knowledge, ", maxMarks)
	sb.WriteString("phrased as you would naturally explain it.\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

// Synthesize fills the reference-answer slots of q in place. A slot
// whose generation fails gets FailurePlaceholder and the question is
// still usable; an error is returned only when every slot failed.
func (s *Synthesizer) Synthesize(ctx context.Context, c *corpus.Corpus, q *model.QuestionRecord) error {
	contextText := noContext
	if c != nil {
		paragraphs, err := s.ContextFor(ctx, c, q.QuestionText)
		if err != nil {
			s.log.Warn("context selection failed, proceeding without material",
				"question", q.QuestionID, "error", err)
		} else if len(paragraphs) > 0 {
			contextText = strings.Join(paragraphs, contextSeparator)
		}
	}

	slots := []struct {
		name   string
		prompt string
		temp   float32
	}{
		{"grounded", groundedPrompt(q.QuestionText, contextText, q.MaxMarks), groundedTemp},
		{"hybrid", hybridPrompt(q.QuestionText, contextText, q.MaxMarks), hybridTemp},
		{"open", openPrompt(q.QuestionText, q.MaxMarks), openTemp},
	}

	failed := 0
	for i, slot := range slots {
		answer, err := s.completer.Complete(ctx, systemPrompt, slot.prompt, slot.temp)
		if err != nil {
			s.log.Warn("reference slot failed", "question", q.QuestionID, "slot", slot.name, "error", err)
			q.ReferenceAnswers[i] = FailurePlaceholder
			failed++
			continue
		}
		q.ReferenceAnswers[i] = strings.TrimSpace(answer)
	}
	if failed == len(slots) {
		return fmt.Errorf("all reference slots failed for question %s", q.QuestionID)
	}
	return nil
}
