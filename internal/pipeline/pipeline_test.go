package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/adithyarao/scriptgrader/internal/aggregate"
	"github.com/adithyarao/scriptgrader/internal/corpus"
	"github.com/adithyarao/scriptgrader/internal/embedding"
	"github.com/adithyarao/scriptgrader/internal/model"
	"github.com/adithyarao/scriptgrader/internal/refsynth"
	"github.com/adithyarao/scriptgrader/internal/score"
	"github.com/adithyarao/scriptgrader/internal/store"
)

// bagEmbedder embeds by word overlap: texts sharing words get high
// cosine, disjoint texts get zero. Deterministic and dependency-free.
type bagEmbedder struct{}

func (bagEmbedder) ModelID() string { return "bag" }

func (bagEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vocab := []string{"process", "program", "execution", "paging", "memory", "frames", "unrelated"}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(vocab))
		lower := strings.ToLower(t)
		for j, w := range vocab {
			if strings.Contains(lower, w) {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

var _ embedding.Embedder = bagEmbedder{}

type echoCompleter struct{}

func (echoCompleter) Complete(_ context.Context, _, user string, _ float32) (string, error) {
	switch {
	case strings.Contains(user, "Define a process"):
		return "A process is a program in execution.", nil
	case strings.Contains(user, "Explain paging"):
		return "Paging divides memory into frames.", nil
	}
	return "model answer", nil
}

func testKey() model.ExamKey {
	return model.ExamKey{
		Course: "BTech", SubjectCode: "CS301", Subject: "Operating Systems",
		ExamType: "mid", Year: 2025, Semester: 5, Section: "A",
	}
}

func testQuestions() []model.QuestionRecord {
	return []model.QuestionRecord{
		{QuestionID: "1", QuestionText: "Define a process.", MaxMarks: 5},
		{QuestionID: "2", QuestionText: "Explain paging.", MaxMarks: 10},
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	emb := bagEmbedder{}
	builder := corpus.NewBuilder(emb, t.TempDir(), corpus.Params{WindowSize: 5, StepSize: 2, MinWords: 5}, nil)
	synth := refsynth.New(echoCompleter{}, emb, nil)
	return New(st, nil, builder, synth, score.New(emb), nil), st
}

func synthesize(t *testing.T, p *Pipeline) {
	t.Helper()
	if err := p.SynthesizeReferences(context.Background(), testKey(), testQuestions(), ""); err != nil {
		t.Fatalf("SynthesizeReferences: %v", err)
	}
}

func TestProcessStudentRequiresQuestionSet(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.ProcessStudent(context.Background(), testKey(), "123456789")
	if !errors.Is(err, ErrNoQuestionSet) {
		t.Fatalf("err = %v, want ErrNoQuestionSet", err)
	}
}

func TestProcessStudentScoresStoredScript(t *testing.T) {
	p, st := newTestPipeline(t)
	synthesize(t, p)

	script := "Answer 1\nA process is a program in execution.\nAnswer 2\nPaging divides memory into frames."
	if _, err := st.SaveScript(testKey(), "123456789", script); err != nil {
		t.Fatalf("SaveScript: %v", err)
	}

	report, err := p.ProcessStudent(context.Background(), testKey(), "123456789")
	if err != nil {
		t.Fatalf("ProcessStudent: %v", err)
	}
	if len(report.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(report.Rows))
	}
	if report.TotalMax != 15 {
		t.Errorf("TotalMax = %d, want 15", report.TotalMax)
	}
	// Answers match the references word for word, so both earn full
	// marks.
	if report.Total != 15 {
		t.Errorf("Total = %d, want 15 (rows: %+v)", report.Total, report.Rows)
	}

	persisted, err := st.ResultsFor(testKey(), "123456789")
	if err != nil {
		t.Fatalf("ResultsFor: %v", err)
	}
	if len(persisted) != 2 {
		t.Errorf("persisted %d rows, want 2", len(persisted))
	}
}

func TestProcessStudentSkipsUnknownQuestions(t *testing.T) {
	p, st := newTestPipeline(t)
	synthesize(t, p)

	script := "Answer 1\nA process is a program in execution.\nAnswer 9\nNot on this paper."
	if _, err := st.SaveScript(testKey(), "123456789", script); err != nil {
		t.Fatalf("SaveScript: %v", err)
	}

	report, err := p.ProcessStudent(context.Background(), testKey(), "123456789")
	if err != nil {
		t.Fatalf("ProcessStudent: %v", err)
	}
	if len(report.Rows) != 1 || report.Rows[0].QuestionID != "1" {
		t.Errorf("rows = %+v, want only question 1", report.Rows)
	}
	if report.TotalMax != 15 {
		t.Errorf("TotalMax = %d, skipped questions still count in the denominator", report.TotalMax)
	}
}

func TestGradeClassPlaceholdersForUnscorable(t *testing.T) {
	p, st := newTestPipeline(t)
	synthesize(t, p)

	good := "Answer 1\nA process is a program in execution."
	if _, err := st.SaveScript(testKey(), "123456789", good); err != nil {
		t.Fatalf("SaveScript good: %v", err)
	}
	if _, err := st.SaveScript(testKey(), "223456789", "illegible scrawl with no structure"); err != nil {
		t.Fatalf("SaveScript bad: %v", err)
	}

	m, err := p.GradeClass(context.Background(), testKey())
	if err != nil {
		t.Fatalf("GradeClass: %v", err)
	}
	if len(m.Rows) != 2 {
		t.Fatalf("matrix has %d rows, want 2", len(m.Rows))
	}
	if m.Rows[1].RollNo != "223456789" || m.Rows[1].Note != aggregate.NoteNoAnswer {
		t.Errorf("placeholder row = %+v, want no-answer note", m.Rows[1])
	}
	if m.Rows[0].Scores["1"] == 0 {
		t.Errorf("scored row = %+v, want marks for question 1", m.Rows[0])
	}
	if m.TotalMax != 15 {
		t.Errorf("TotalMax = %d, want 15", m.TotalMax)
	}
}

func TestGradeClassNoScripts(t *testing.T) {
	p, _ := newTestPipeline(t)
	synthesize(t, p)
	if _, err := p.GradeClass(context.Background(), testKey()); err == nil {
		t.Fatal("expected error with no scripts imported")
	}
}

// pageExtractor fakes OCR from in-memory page payloads: the page image
// bytes are the page text.
type pageExtractor struct {
	rolls map[string]string // header text -> roll
}

func (e *pageExtractor) PageText(_ context.Context, image []byte, _ string) (string, error) {
	return string(image), nil
}

func (e *pageExtractor) RollNumber(_ context.Context, image []byte, _ string) (string, error) {
	roll, ok := e.rolls[string(image)]
	if !ok {
		return "", errors.New("unreadable roll")
	}
	return roll, nil
}

func header(n int) string {
	return "Roll Number header " + string(rune('0'+n)) + "\ndegree department semester course code"
}

func TestSplitCombined(t *testing.T) {
	p, st := newTestPipeline(t)
	p.extractor = &pageExtractor{rolls: map[string]string{
		header(1): "123456789",
		header(2): "223456789",
	}}

	pages := []Page{
		{Image: []byte("stray page before any header")},
		{Image: []byte(header(1))},
		{Image: []byte("Answer 1\nA process is a program in execution.")},
		{Image: []byte(header(2))},
		{Image: []byte("Answer 2\nPaging divides memory into frames.")},
	}
	rolls, err := p.SplitCombined(context.Background(), testKey(), pages)
	if err != nil {
		t.Fatalf("SplitCombined: %v", err)
	}
	if len(rolls) != 2 || rolls[0] != "123456789" || rolls[1] != "223456789" {
		t.Fatalf("rolls = %v", rolls)
	}

	text, err := st.GetScript(testKey(), "223456789")
	if err != nil {
		t.Fatalf("GetScript: %v", err)
	}
	if !strings.Contains(text, "Paging divides") {
		t.Errorf("second script = %q", text)
	}
}

func TestImportScriptSingleStudent(t *testing.T) {
	p, st := newTestPipeline(t)
	p.extractor = &pageExtractor{rolls: map[string]string{
		header(3): "323456789",
	}}

	pages := []Page{
		{Image: []byte(header(3))},
		{Image: []byte("Answer 1\nA process is a program in execution.")},
	}
	roll, err := p.ImportScript(context.Background(), testKey(), pages, "")
	if err != nil {
		t.Fatalf("ImportScript: %v", err)
	}
	if roll != "323456789" {
		t.Errorf("roll = %q", roll)
	}
	if _, err := st.GetScript(testKey(), roll); err != nil {
		t.Errorf("script not stored: %v", err)
	}
}

func TestImportScriptRollMismatch(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.extractor = &pageExtractor{rolls: map[string]string{
		header(3): "323456789",
	}}

	pages := []Page{
		{Image: []byte(header(3))},
		{Image: []byte("Answer 1\nA process is a program in execution.")},
	}
	_, err := p.ImportScript(context.Background(), testKey(), pages, "123456789")
	if !errors.Is(err, ErrRollMismatch) {
		t.Fatalf("err = %v, want ErrRollMismatch", err)
	}
}
