// Package store persists question sets, imported scripts, and score
// rows in SQLite. Every document is keyed by the exam run it belongs
// to.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adithyarao/scriptgrader/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS question_sets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_key TEXT NOT NULL UNIQUE,
		questions_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_key TEXT NOT NULL,
		roll_no TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		raw_text TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (exam_key, roll_no)
	);

	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_key TEXT NOT NULL,
		roll_no TEXT NOT NULL,
		question_id TEXT NOT NULL,
		max_marks INTEGER NOT NULL,
		similarity REAL NOT NULL,
		score INTEGER NOT NULL,
		answer_summary TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE (exam_key, roll_no, question_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// SaveQuestionSet stores the question set for an exam run, replacing
// any previous set for the same run.
func (s *Store) SaveQuestionSet(key model.ExamKey, questions []model.QuestionRecord) error {
	data, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO question_sets (exam_key, questions_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (exam_key) DO UPDATE SET questions_json = excluded.questions_json, updated_at = excluded.updated_at`,
		key.Key(), string(data), now, now,
	)
	return err
}

// GetQuestionSet returns the question set for an exam run.
// sql.ErrNoRows passes through when no set was saved.
func (s *Store) GetQuestionSet(key model.ExamKey) ([]model.QuestionRecord, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT questions_json FROM question_sets WHERE exam_key = ?`, key.Key(),
	).Scan(&data)
	if err != nil {
		return nil, err
	}
	var questions []model.QuestionRecord
	if err := json.Unmarshal([]byte(data), &questions); err != nil {
		return nil, fmt.Errorf("unmarshal questions: %w", err)
	}
	return questions, nil
}

// SaveScript stores one student's raw script text. A re-upload of the
// same content by the same student is skipped; the returned bool
// reports whether the row was written. The skip is scoped to the roll
// number: two students with identical text each keep their own row.
func (s *Store) SaveScript(key model.ExamKey, rollNo, rawText string) (bool, error) {
	hash := contentHash(rawText)
	var existing int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM scripts WHERE exam_key = ? AND roll_no = ? AND content_hash = ?`,
		key.Key(), rollNo, hash,
	).Scan(&existing)
	if err != nil {
		return false, err
	}
	if existing > 0 {
		return false, nil
	}
	_, err = s.db.Exec(
		`INSERT INTO scripts (exam_key, roll_no, content_hash, raw_text, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (exam_key, roll_no) DO UPDATE SET content_hash = excluded.content_hash, raw_text = excluded.raw_text`,
		key.Key(), rollNo, hash, rawText, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetScript returns one student's raw script text.
func (s *Store) GetScript(key model.ExamKey, rollNo string) (string, error) {
	var text string
	err := s.db.QueryRow(
		`SELECT raw_text FROM scripts WHERE exam_key = ? AND roll_no = ?`, key.Key(), rollNo,
	).Scan(&text)
	return text, err
}

// ListScriptRolls returns the roll numbers with an imported script for
// the exam run, sorted.
func (s *Store) ListScriptRolls(key model.ExamKey) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT roll_no FROM scripts WHERE exam_key = ? ORDER BY roll_no`, key.Key(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rolls []string
	for rows.Next() {
		var roll string
		if err := rows.Scan(&roll); err != nil {
			return nil, err
		}
		rolls = append(rolls, roll)
	}
	return rolls, rows.Err()
}

// SaveResults replaces one student's score rows for the exam run.
// Rows are derived data; reruns overwrite, never merge.
func (s *Store) SaveResults(key model.ExamKey, rollNo string, rows []model.ScoreRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM results WHERE exam_key = ? AND roll_no = ?`, key.Key(), rollNo,
	); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, r := range rows {
		if _, err := tx.Exec(
			`INSERT INTO results (exam_key, roll_no, question_id, max_marks, similarity, score, answer_summary, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			key.Key(), rollNo, r.QuestionID, r.MaxMarks, r.Similarity, r.Score, r.AnswerSummary, now,
		); err != nil {
			return fmt.Errorf("insert result %s/%s: %w", rollNo, r.QuestionID, err)
		}
	}
	return tx.Commit()
}

// ListResults returns all score rows for the exam run, ordered by roll
// number then question id.
func (s *Store) ListResults(key model.ExamKey) ([]model.ScoreRow, error) {
	rows, err := s.db.Query(
		`SELECT roll_no, question_id, max_marks, similarity, score, answer_summary
		 FROM results WHERE exam_key = ? ORDER BY roll_no, question_id`, key.Key(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScoreRow
	for rows.Next() {
		var r model.ScoreRow
		if err := rows.Scan(&r.RollNo, &r.QuestionID, &r.MaxMarks, &r.Similarity, &r.Score, &r.AnswerSummary); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResultsFor returns one student's score rows for the exam run.
func (s *Store) ResultsFor(key model.ExamKey, rollNo string) ([]model.ScoreRow, error) {
	rows, err := s.db.Query(
		`SELECT roll_no, question_id, max_marks, similarity, score, answer_summary
		 FROM results WHERE exam_key = ? AND roll_no = ? ORDER BY question_id`, key.Key(), rollNo,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScoreRow
	for rows.Next() {
		var r model.ScoreRow
		if err := rows.Scan(&r.RollNo, &r.QuestionID, &r.MaxMarks, &r.Similarity, &r.Score, &r.AnswerSummary); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
