// Package aggregate rolls per-question scores into student reports and
// the class marks matrix.
package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/adithyarao/scriptgrader/internal/model"
)

// Placeholder notes for students who produced no scorable output.
const (
	NoteNoAnswer    = "No answer"
	NoteNotScorable = "Not scorable"
)

// TotalMax sums max marks over the authoritative question set. The
// question set, not any student's answers, defines what the exam is
// out of. Duplicate ids count once, first occurrence winning.
func TotalMax(questions []model.QuestionRecord) int {
	total := 0
	seen := make(map[string]bool, len(questions))
	for _, q := range questions {
		if seen[q.QuestionID] {
			continue
		}
		seen[q.QuestionID] = true
		total += q.MaxMarks
	}
	return total
}

// BuildReport assembles one student's report from their scored rows.
// The total is over scored rows only; TotalMax comes from the question
// set so skipped questions still count against the denominator.
func BuildReport(rollNo string, rows []model.ScoreRow, questions []model.QuestionRecord) model.StudentReport {
	r := model.StudentReport{
		RollNo:   rollNo,
		Rows:     rows,
		TotalMax: TotalMax(questions),
	}
	for _, row := range rows {
		r.Total += row.Score
	}
	if r.TotalMax > 0 {
		r.Percentage = 100 * float64(r.Total) / float64(r.TotalMax)
	}
	return r
}

// BuildMatrix pivots per-student rows into the class matrix. Columns
// are the question set's ids in its order; a student missing a
// question gets a zero cell. Students in unscorable (e.g. a script
// whose roll number or answers could not be read) appear as
// placeholder rows with zero scores so the matrix always covers the
// whole class.
func BuildMatrix(reports []model.StudentReport, unscorable map[string]string, questions []model.QuestionRecord) model.ClassMatrix {
	m := model.ClassMatrix{
		MaxMarks: make(map[string]int, len(questions)),
		TotalMax: TotalMax(questions),
	}
	for _, q := range questions {
		// First occurrence wins so every student is measured against
		// the same denominator.
		if _, seen := m.MaxMarks[q.QuestionID]; seen {
			continue
		}
		m.QuestionIDs = append(m.QuestionIDs, q.QuestionID)
		m.MaxMarks[q.QuestionID] = q.MaxMarks
	}

	for _, r := range reports {
		row := model.ClassMatrixRow{
			RollNo: r.RollNo,
			Scores: make(map[string]int, len(m.QuestionIDs)),
		}
		byID := make(map[string]int, len(r.Rows))
		for _, sr := range r.Rows {
			byID[sr.QuestionID] = sr.Score
		}
		for _, id := range m.QuestionIDs {
			row.Scores[id] = byID[id]
			row.Total += byID[id]
		}
		if m.TotalMax > 0 {
			row.Percentage = 100 * float64(row.Total) / float64(m.TotalMax)
		}
		m.Rows = append(m.Rows, row)
	}

	rolls := make([]string, 0, len(unscorable))
	for roll := range unscorable {
		rolls = append(rolls, roll)
	}
	sort.Strings(rolls)
	for _, roll := range rolls {
		row := model.ClassMatrixRow{
			RollNo: roll,
			Scores: make(map[string]int, len(m.QuestionIDs)),
			Note:   unscorable[roll],
		}
		for _, id := range m.QuestionIDs {
			row.Scores[id] = 0
		}
		m.Rows = append(m.Rows, row)
	}

	sort.SliceStable(m.Rows, func(a, b int) bool { return m.Rows[a].RollNo < m.Rows[b].RollNo })
	return m
}

// WriteReportCSV writes one student's rows as CSV.
func WriteReportCSV(w io.Writer, r model.StudentReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"question_no", "max_marks", "similarity", "score"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range r.Rows {
		rec := []string{
			row.QuestionID,
			strconv.Itoa(row.MaxMarks),
			strconv.FormatFloat(row.Similarity, 'f', 4, 64),
			strconv.Itoa(row.Score),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %s: %w", row.QuestionID, err)
		}
	}
	total := []string{"Total", strconv.Itoa(r.TotalMax), "", strconv.Itoa(r.Total)}
	if err := cw.Write(total); err != nil {
		return fmt.Errorf("write total: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// WriteMatrixCSV writes the class matrix as CSV: one row per student,
// one column per question, then Total and Percentage.
func WriteMatrixCSV(w io.Writer, m model.ClassMatrix) error {
	cw := csv.NewWriter(w)

	header := append([]string{"roll_no"}, m.QuestionIDs...)
	header = append(header, "Total", "Percentage", "Note")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	maxRow := []string{"Max Marks"}
	for _, id := range m.QuestionIDs {
		maxRow = append(maxRow, strconv.Itoa(m.MaxMarks[id]))
	}
	maxRow = append(maxRow, strconv.Itoa(m.TotalMax), "100.00", "")
	if err := cw.Write(maxRow); err != nil {
		return fmt.Errorf("write max marks: %w", err)
	}

	for _, row := range m.Rows {
		rec := []string{row.RollNo}
		for _, id := range m.QuestionIDs {
			rec = append(rec, strconv.Itoa(row.Scores[id]))
		}
		rec = append(rec,
			strconv.Itoa(row.Total),
			strconv.FormatFloat(row.Percentage, 'f', 2, 64),
			row.Note,
		)
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %s: %w", row.RollNo, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
