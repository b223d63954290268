// Package pipeline wires extraction, segmentation, reference
// synthesis, scoring, and aggregation into the operations the CLI and
// HTTP layers expose.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/adithyarao/scriptgrader/internal/aggregate"
	"github.com/adithyarao/scriptgrader/internal/corpus"
	"github.com/adithyarao/scriptgrader/internal/extract"
	"github.com/adithyarao/scriptgrader/internal/model"
	"github.com/adithyarao/scriptgrader/internal/refsynth"
	"github.com/adithyarao/scriptgrader/internal/score"
	"github.com/adithyarao/scriptgrader/internal/segment"
	"github.com/adithyarao/scriptgrader/internal/store"
)

// ErrNoQuestionSet is returned when scoring runs before a question set
// was synthesized for the exam.
var ErrNoQuestionSet = errors.New("no question set for this exam; synthesize references first")

// ErrRollMismatch is returned when the roll number read off a script's
// cover page differs from the roll the upload was registered under.
// Distinct from an unreadable roll: the script was read fine, it just
// belongs to someone else.
var ErrRollMismatch = errors.New("script roll number does not match expected roll")

// Page is one scanned script page.
type Page struct {
	Image []byte
	MIME  string
}

// Extractor is the page-reading surface the pipeline needs.
type Extractor interface {
	PageText(ctx context.Context, image []byte, mime string) (string, error)
	RollNumber(ctx context.Context, image []byte, mime string) (string, error)
}

var _ Extractor = (*extract.Service)(nil)

// Pipeline runs the grading workflow for one exam at a time.
type Pipeline struct {
	store     *store.Store
	extractor Extractor
	builder   *corpus.Builder
	synth     *refsynth.Synthesizer
	scorer    *score.Scorer
	log       *slog.Logger
}

// New creates a pipeline. extractor may be nil when scripts arrive as
// text rather than images.
func New(st *store.Store, extractor Extractor, builder *corpus.Builder, synth *refsynth.Synthesizer, scorer *score.Scorer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{store: st, extractor: extractor, builder: builder, synth: synth, scorer: scorer, log: log}
}

// ImportScript reads one student's scanned pages and stores their
// script. The cover page supplies the roll number; every other page
// contributes answer text. Pages that fail to transcribe are skipped
// with a warning so one bad scan does not lose the whole script.
// A non-empty expectedRoll is checked against the extracted roll and a
// mismatch aborts the import with ErrRollMismatch.
func (p *Pipeline) ImportScript(ctx context.Context, key model.ExamKey, pages []Page, expectedRoll string) (string, error) {
	if p.extractor == nil {
		return "", errors.New("no extractor configured")
	}
	var roll string
	var body []string
	for i, page := range pages {
		text, err := p.extractor.PageText(ctx, page.Image, page.MIME)
		if err != nil {
			p.log.Warn("page transcription failed, skipping", "page", i, "error", err)
			continue
		}
		if roll == "" && segment.IsHeaderPage(text) {
			roll, err = p.extractor.RollNumber(ctx, page.Image, page.MIME)
			if err != nil {
				return "", fmt.Errorf("page %d: %w", i, err)
			}
			continue
		}
		body = append(body, text)
	}
	if roll == "" {
		return "", errors.New("no header page found in upload")
	}
	if expectedRoll != "" && roll != expectedRoll {
		return "", fmt.Errorf("%w: got %s, expected %s", ErrRollMismatch, roll, expectedRoll)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("script %s has no answer pages", roll)
	}
	if _, err := p.store.SaveScript(key, roll, strings.Join(body, "\n")); err != nil {
		return "", fmt.Errorf("save script %s: %w", roll, err)
	}
	return roll, nil
}

// SplitCombined imports a combined scan holding the whole class's
// scripts. Each header page starts a new student; pages before the
// first header are discarded. It returns the roll numbers imported.
func (p *Pipeline) SplitCombined(ctx context.Context, key model.ExamKey, pages []Page) ([]string, error) {
	if p.extractor == nil {
		return nil, errors.New("no extractor configured")
	}
	var rolls []string
	var roll string
	var body []string

	flush := func() error {
		if roll == "" {
			return nil
		}
		if len(body) == 0 {
			p.log.Warn("script has no answer pages", "roll", roll)
			return nil
		}
		if _, err := p.store.SaveScript(key, roll, strings.Join(body, "\n")); err != nil {
			return fmt.Errorf("save script %s: %w", roll, err)
		}
		rolls = append(rolls, roll)
		return nil
	}

	for i, page := range pages {
		text, err := p.extractor.PageText(ctx, page.Image, page.MIME)
		if err != nil {
			p.log.Warn("page transcription failed, skipping", "page", i, "error", err)
			continue
		}
		if segment.IsHeaderPage(text) {
			if err := flush(); err != nil {
				return rolls, err
			}
			body = nil
			roll, err = p.extractor.RollNumber(ctx, page.Image, page.MIME)
			if err != nil {
				p.log.Warn("roll number unreadable, skipping student", "page", i, "error", err)
				roll = ""
			}
			continue
		}
		if roll == "" {
			p.log.Warn("page before first readable header discarded", "page", i)
			continue
		}
		body = append(body, text)
	}
	if err := flush(); err != nil {
		return rolls, err
	}
	if len(rolls) == 0 {
		return nil, errors.New("combined scan yielded no scripts")
	}
	return rolls, nil
}

// SynthesizeReferences builds the question set's reference answers and
// stores the set. material is the course material text; when empty,
// references come from the model alone. Questions whose slots all
// failed keep their placeholders; an error is returned only when no
// question got any reference.
func (p *Pipeline) SynthesizeReferences(ctx context.Context, key model.ExamKey, questions []model.QuestionRecord, material string) error {
	if len(questions) == 0 {
		return errors.New("empty question set")
	}

	var c *corpus.Corpus
	if strings.TrimSpace(material) != "" {
		var err error
		c, err = p.builder.BuildOrLoad(ctx, material)
		if err != nil {
			p.log.Warn("corpus build failed, synthesizing without material", "error", err)
		}
	}

	failed := 0
	for i := range questions {
		if err := p.synth.Synthesize(ctx, c, &questions[i]); err != nil {
			p.log.Warn("question synthesis failed", "question", questions[i].QuestionID, "error", err)
			failed++
		}
	}
	if failed == len(questions) {
		return fmt.Errorf("reference synthesis failed for all %d questions", failed)
	}
	if err := p.store.SaveQuestionSet(key, questions); err != nil {
		return fmt.Errorf("save question set: %w", err)
	}
	return nil
}

// ProcessStudent scores one student's stored script against the exam's
// question set and persists the rows. Answers to questions outside
// the set are ignored; questions the student skipped stay unscored but
// still count in the report's denominator.
func (p *Pipeline) ProcessStudent(ctx context.Context, key model.ExamKey, rollNo string) (model.StudentReport, error) {
	questions, err := p.store.GetQuestionSet(key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.StudentReport{}, ErrNoQuestionSet
		}
		return model.StudentReport{}, fmt.Errorf("load question set: %w", err)
	}

	raw, err := p.store.GetScript(key, rollNo)
	if err != nil {
		return model.StudentReport{}, fmt.Errorf("load script %s: %w", rollNo, err)
	}

	answers, err := segment.Segment(raw)
	if err != nil {
		return model.StudentReport{}, fmt.Errorf("segment script %s: %w", rollNo, err)
	}

	byID := make(map[string]model.QuestionRecord, len(questions))
	for _, q := range questions {
		byID[q.QuestionID] = q
	}

	var rows []model.ScoreRow
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			p.log.Warn("answer to unknown question ignored", "roll", rollNo, "question", a.QuestionID)
			continue
		}
		sim, marks, err := p.scorer.ScoreAnswer(ctx, a.AnswerText, q.ReferenceAnswers, q.MaxMarks)
		if err != nil {
			return model.StudentReport{}, fmt.Errorf("score %s question %s: %w", rollNo, a.QuestionID, err)
		}
		rows = append(rows, model.ScoreRow{
			RollNo:        rollNo,
			QuestionID:    a.QuestionID,
			MaxMarks:      q.MaxMarks,
			Similarity:    sim,
			Score:         marks,
			AnswerSummary: summarize(a.AnswerText),
		})
	}

	if err := p.store.SaveResults(key, rollNo, rows); err != nil {
		return model.StudentReport{}, fmt.Errorf("save results %s: %w", rollNo, err)
	}
	return aggregate.BuildReport(rollNo, rows, questions), nil
}

// GradeClass scores every imported script and builds the class matrix.
// Students whose script cannot be scored become placeholder rows
// rather than failing the run; an error is returned only when nothing
// could be graded at all.
func (p *Pipeline) GradeClass(ctx context.Context, key model.ExamKey) (model.ClassMatrix, error) {
	questions, err := p.store.GetQuestionSet(key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ClassMatrix{}, ErrNoQuestionSet
		}
		return model.ClassMatrix{}, fmt.Errorf("load question set: %w", err)
	}

	rolls, err := p.store.ListScriptRolls(key)
	if err != nil {
		return model.ClassMatrix{}, fmt.Errorf("list scripts: %w", err)
	}
	if len(rolls) == 0 {
		return model.ClassMatrix{}, errors.New("no scripts imported for this exam")
	}

	var reports []model.StudentReport
	unscorable := make(map[string]string)
	for _, roll := range rolls {
		report, err := p.ProcessStudent(ctx, key, roll)
		if err != nil {
			p.log.Warn("student not scorable", "roll", roll, "error", err)
			if errors.Is(err, segment.ErrNoMarkers) {
				unscorable[roll] = aggregate.NoteNoAnswer
			} else {
				unscorable[roll] = aggregate.NoteNotScorable
			}
			continue
		}
		reports = append(reports, report)
	}
	if len(reports) == 0 {
		return model.ClassMatrix{}, fmt.Errorf("none of %d scripts could be scored", len(rolls))
	}
	return aggregate.BuildMatrix(reports, unscorable, questions), nil
}

const summaryLimit = 80

func summarize(answer string) string {
	answer = strings.Join(strings.Fields(answer), " ")
	if utf8.RuneCountInString(answer) <= summaryLimit {
		return answer
	}
	runes := []rune(answer)
	return string(runes[:summaryLimit]) + "..."
}
