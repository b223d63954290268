package store

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/adithyarao/scriptgrader/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey() model.ExamKey {
	return model.ExamKey{
		Course:      "BTech",
		SubjectCode: "CS301",
		Subject:     "Operating Systems",
		ExamType:    "mid",
		Year:        2025,
		Semester:    5,
		Section:     "A",
	}
}

func TestQuestionSetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := testKey()

	if _, err := s.GetQuestionSet(key); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}

	questions := []model.QuestionRecord{
		{QuestionID: "1", QuestionText: "Define a process.", MaxMarks: 5,
			ReferenceAnswers: [3]string{"a", "b", "c"}},
		{QuestionID: "2a", QuestionText: "Explain paging.", MaxMarks: 10},
	}
	if err := s.SaveQuestionSet(key, questions); err != nil {
		t.Fatalf("SaveQuestionSet: %v", err)
	}

	got, err := s.GetQuestionSet(key)
	if err != nil {
		t.Fatalf("GetQuestionSet: %v", err)
	}
	if len(got) != 2 || got[0].ReferenceAnswers != questions[0].ReferenceAnswers {
		t.Errorf("GetQuestionSet = %+v", got)
	}

	// Saving again replaces, not duplicates.
	questions[0].MaxMarks = 6
	if err := s.SaveQuestionSet(key, questions); err != nil {
		t.Fatalf("re-SaveQuestionSet: %v", err)
	}
	got, err = s.GetQuestionSet(key)
	if err != nil {
		t.Fatalf("GetQuestionSet after update: %v", err)
	}
	if got[0].MaxMarks != 6 {
		t.Errorf("MaxMarks = %d, want 6 after update", got[0].MaxMarks)
	}
}

func TestSaveScriptSkipsDuplicateContent(t *testing.T) {
	s := newTestStore(t)
	key := testKey()

	saved, err := s.SaveScript(key, "123456789", "Answer 1\nSome text.")
	if err != nil {
		t.Fatalf("SaveScript: %v", err)
	}
	if !saved {
		t.Fatal("first save should write")
	}

	saved, err = s.SaveScript(key, "123456789", "Answer 1\nSome text.")
	if err != nil {
		t.Fatalf("duplicate SaveScript: %v", err)
	}
	if saved {
		t.Error("identical content should be skipped")
	}

	saved, err = s.SaveScript(key, "123456789", "Answer 1\nRescanned text.")
	if err != nil {
		t.Fatalf("rescan SaveScript: %v", err)
	}
	if !saved {
		t.Error("changed content for the same roll should overwrite")
	}

	text, err := s.GetScript(key, "123456789")
	if err != nil {
		t.Fatalf("GetScript: %v", err)
	}
	if text != "Answer 1\nRescanned text." {
		t.Errorf("GetScript = %q", text)
	}
}

func TestSaveScriptDistinctStudentsSameContent(t *testing.T) {
	s := newTestStore(t)
	key := testKey()
	text := "Answer 1\nThe exact same copied answer."

	for _, roll := range []string{"123456789", "223456789"} {
		saved, err := s.SaveScript(key, roll, text)
		if err != nil {
			t.Fatalf("SaveScript %s: %v", roll, err)
		}
		if !saved {
			t.Errorf("script for %s was skipped; dedup must be per student", roll)
		}
	}

	rolls, err := s.ListScriptRolls(key)
	if err != nil {
		t.Fatalf("ListScriptRolls: %v", err)
	}
	if len(rolls) != 2 {
		t.Fatalf("rolls = %v, want both students stored", rolls)
	}
}

func TestListScriptRolls(t *testing.T) {
	s := newTestStore(t)
	key := testKey()

	for _, roll := range []string{"223456789", "123456789"} {
		if _, err := s.SaveScript(key, roll, "script for "+roll); err != nil {
			t.Fatalf("SaveScript %s: %v", roll, err)
		}
	}
	rolls, err := s.ListScriptRolls(key)
	if err != nil {
		t.Fatalf("ListScriptRolls: %v", err)
	}
	if len(rolls) != 2 || rolls[0] != "123456789" || rolls[1] != "223456789" {
		t.Errorf("rolls = %v, want sorted pair", rolls)
	}
}

func TestResultsReplaceOnRerun(t *testing.T) {
	s := newTestStore(t)
	key := testKey()

	first := []model.ScoreRow{
		{RollNo: "123456789", QuestionID: "1", MaxMarks: 5, Similarity: 0.71, Score: 4},
		{RollNo: "123456789", QuestionID: "2", MaxMarks: 10, Similarity: 0.92, Score: 10},
	}
	if err := s.SaveResults(key, "123456789", first); err != nil {
		t.Fatalf("SaveResults: %v", err)
	}

	rerun := []model.ScoreRow{
		{RollNo: "123456789", QuestionID: "1", MaxMarks: 5, Similarity: 0.55, Score: 3},
	}
	if err := s.SaveResults(key, "123456789", rerun); err != nil {
		t.Fatalf("rerun SaveResults: %v", err)
	}

	got, err := s.ResultsFor(key, "123456789")
	if err != nil {
		t.Fatalf("ResultsFor: %v", err)
	}
	if len(got) != 1 || got[0].Score != 3 {
		t.Errorf("ResultsFor after rerun = %+v, want single rescored row", got)
	}
}

func TestListResultsScopedToExamKey(t *testing.T) {
	s := newTestStore(t)
	keyA := testKey()
	keyB := testKey()
	keyB.Section = "B"

	if err := s.SaveResults(keyA, "123456789", []model.ScoreRow{
		{RollNo: "123456789", QuestionID: "1", MaxMarks: 5, Score: 5},
	}); err != nil {
		t.Fatalf("SaveResults A: %v", err)
	}
	if err := s.SaveResults(keyB, "223456789", []model.ScoreRow{
		{RollNo: "223456789", QuestionID: "1", MaxMarks: 5, Score: 2},
	}); err != nil {
		t.Fatalf("SaveResults B: %v", err)
	}

	got, err := s.ListResults(keyA)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(got) != 1 || got[0].RollNo != "123456789" {
		t.Errorf("ListResults = %+v, want only section A rows", got)
	}
}
