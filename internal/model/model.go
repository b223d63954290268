package model

import (
	"fmt"
	"regexp"
	"strings"
)

// ExamKey identifies one exam run of one class section. Every document in
// the store and every result row carries these fields.
type ExamKey struct {
	Course      string `json:"course"`
	SubjectCode string `json:"subject_code"`
	Subject     string `json:"subject"`
	ExamType    string `json:"exam_type"`
	Year        int    `json:"year"`
	Semester    int    `json:"semester"`
	Section     string `json:"section"`
}

// Key returns the canonical string form used to key store rows and
// cache entries. Subject is display text and does not participate.
func (k ExamKey) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d|%d|%s",
		k.Course, k.SubjectCode, k.ExamType, k.Year, k.Semester, k.Section)
}

// QuestionRecord is one parsed exam question with its synthesized
// reference answers. Created once per exam; immutable afterward.
type QuestionRecord struct {
	QuestionID       string    `json:"question_no"`
	QuestionText     string    `json:"question_text"`
	MaxMarks         int       `json:"marks"`
	ReferenceAnswers [3]string `json:"answers"`
}

// AnswerRecord is one detected answer block on a student's script.
// Ordering within a script is detection order, not numeric order.
type AnswerRecord struct {
	QuestionID string `json:"question_no"`
	AnswerText string `json:"answer_text"`
}

// ScoreRow is one scored (student, question) pair. Derived, never
// edited; regenerated whenever scoring reruns.
type ScoreRow struct {
	RollNo        string  `json:"roll_no"`
	QuestionID    string  `json:"question_id"`
	MaxMarks      int     `json:"max_marks"`
	Similarity    float64 `json:"similarity"`
	Score         int     `json:"score"`
	AnswerSummary string  `json:"answer_summary"`
}

// StudentReport is one student's full marksheet for an exam.
type StudentReport struct {
	RollNo     string     `json:"roll_no"`
	Rows       []ScoreRow `json:"rows"`
	Total      int        `json:"total"`
	TotalMax   int        `json:"total_max"`
	Percentage float64    `json:"percentage"`
	Notes      string     `json:"notes,omitempty"`
}

// ClassMatrix is the pivot of all ScoreRows by roll_no x question_id,
// with Total and Percentage columns. Rebuilt in full on each run.
type ClassMatrix struct {
	QuestionIDs []string         `json:"question_ids"`
	MaxMarks    map[string]int   `json:"max_marks"`
	TotalMax    int              `json:"total_max"`
	Rows        []ClassMatrixRow `json:"rows"`
}

// ClassMatrixRow is one student's row in the class matrix.
type ClassMatrixRow struct {
	RollNo     string         `json:"roll_no"`
	Scores     map[string]int `json:"scores"`
	Total      int            `json:"total"`
	Percentage float64        `json:"percentage"`
	Note       string         `json:"note,omitempty"`
}

// StatusPayload is the JSON object written to stdout by the CLI and
// returned by the HTTP endpoints.
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

var (
	canonicalID = regexp.MustCompile(`^[Qq]?([0-9]+[a-zA-Z]?)$`)
	idSanitizer = strings.NewReplacer(" ", "", ".", "_", "/", "_")
)

// NormalizeQuestionID maps a raw question label to its canonical form:
// digits plus an optional single trailing letter, e.g. "Q2a" -> "2a".
// Two raw labels that normalize to the same id are treated as the same
// question; the Segmenter and Scorer share this function so they agree.
// Labels outside the canonical shape are sanitized rather than rejected
// so a malformed marker still groups consistently across students.
func NormalizeQuestionID(raw string) string {
	id := strings.TrimSpace(raw)
	if m := canonicalID.FindStringSubmatch(id); m != nil {
		return strings.ToLower(m[1])
	}
	return idSanitizer.Replace(id)
}
