// Package segment carves raw OCR output into per-question answer
// records. OCR'd scripts label answers in many shapes ("Answer 3",
// "Q-2", "4b)", "5.", a bare "6" at line start); a fixed cascade of
// rewrite rules normalizes all of them to one canonical marker form
// before splitting.
package segment

import (
	"errors"
	"regexp"
	"strings"

	"github.com/adithyarao/scriptgrader/internal/model"
)

// ErrNoMarkers is returned when normalization finds zero question
// markers in the input text.
var ErrNoMarkers = errors.New("no answer markers found after normalization")

// Rule is one ordered rewrite step of the normalization cascade.
// Rules are applied in sequence and must leave already-canonical
// markers untouched.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Rewrite string
}

// Rules is the normalization cascade, in application order. Order
// matters: the full-label rule consumes "Question 4b" before the
// bare-number rule could misread the "4b".
var Rules = []Rule{
	{
		// "Answer 1", "Ans-3", "Q2", "Question 4b:", "Solution 5)"
		Name:    "full-label",
		Pattern: regexp.MustCompile(`(?i)\b(?:answer|ans|question|ques|q|solution)[\s\-]*([0-9]+[a-z]?)\b[\.\):]?`),
		Rewrite: "Answer ${1}\n",
	},
	{
		// "2a)", "4f)"
		Name:    "bracketed-subpart",
		Pattern: regexp.MustCompile(`(?i)\b([0-9]+[a-z])\)`),
		Rewrite: "Answer ${1}\n",
	},
	{
		// "1. ", "3a. "
		Name:    "dotted-list",
		Pattern: regexp.MustCompile(`\b([0-9]+[a-z]?)\.\s`),
		Rewrite: "Answer ${1}\n",
	},
	{
		// "1) ", "3a) "
		Name:    "parenthesized-list",
		Pattern: regexp.MustCompile(`\b([0-9]+[a-z]?)\)\s`),
		Rewrite: "Answer ${1}\n",
	},
	{
		// bare leading number: "3 Context..."
		Name:    "bare-leading-number",
		Pattern: regexp.MustCompile(`(?m)^\s*([0-9]+[a-z]?)\s`),
		Rewrite: "Answer ${1}\n",
	},
}

var markerPattern = regexp.MustCompile(`(?i)Answer\s+([0-9]+[a-z]?)\s*\n`)

// Normalize applies the rewrite cascade, producing text in which every
// question heading has the canonical "Answer <id>\n" form.
func Normalize(text string) string {
	for _, r := range Rules {
		text = r.Pattern.ReplaceAllString(text, r.Rewrite)
	}
	return text
}

// Segment normalizes raw script text and splits it at canonical
// markers into ordered answer records. Segments whose trimmed body is
// empty are dropped. When two markers normalize to the same question
// id within one script, the later body overwrites the earlier one and
// the record keeps its first-seen position.
func Segment(raw string) ([]model.AnswerRecord, error) {
	text := Normalize(raw)

	matches := markerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, ErrNoMarkers
	}

	var records []model.AnswerRecord
	seen := make(map[string]int)
	for i, m := range matches {
		id := model.NormalizeQuestionID(text[m[2]:m[3]])
		start := m[1]
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		body := strings.TrimSpace(text[start:end])
		if body == "" {
			continue
		}
		if at, dup := seen[id]; dup {
			records[at].AnswerText = body
			continue
		}
		seen[id] = len(records)
		records = append(records, model.AnswerRecord{QuestionID: id, AnswerText: body})
	}
	if len(records) == 0 {
		return nil, ErrNoMarkers
	}
	return records, nil
}

// headerKeywords is the fixed keyword set whose occurrence count
// decides whether a page is the script's header/cover page.
var headerKeywords = []string{
	"roll number",
	"degree",
	"department",
	"semester",
	"course code",
	"date of examination",
}

// headerThreshold is the minimum keyword hits for a header page.
const headerThreshold = 4

// IsHeaderPage reports whether an OCR'd page looks like the script's
// cover page. Header pages go to roll-number extraction; all other
// pages go to answer segmentation.
func IsHeaderPage(text string) bool {
	lower := strings.ToLower(text)
	count := 0
	for _, kw := range headerKeywords {
		if strings.Contains(lower, kw) {
			count++
		}
	}
	return count >= headerThreshold
}

// firstCharFixes maps characters the OCR commonly confuses in the
// leading digit of a roll number.
var firstCharFixes = map[byte]byte{
	'i': '1', 'I': '1', 'l': '1', 'L': '1', '7': '1',
	'9': '2',
	'B': '8',
	'S': '5',
	'o': '0', 'O': '0',
}

var nonDigit = regexp.MustCompile(`\D`)

// rollPattern is the shape every valid roll number must have after
// repair: a leading 1-4 followed by eight digits.
var rollPattern = regexp.MustCompile(`^[1-4][0-9]{8}$`)

// CorrectRollNumber repairs an OCR'd roll number: the first character
// is mapped through the confusable table, non-digits are stripped from
// the remainder, and the result is truncated to 9 characters. It is
// total: any non-empty input yields a string of length <= 9.
func CorrectRollNumber(raw string) string {
	if raw == "" {
		return ""
	}
	first := raw[0]
	if fix, ok := firstCharFixes[first]; ok {
		first = fix
	}
	rest := nonDigit.ReplaceAllString(raw[1:], "")
	corrected := string(first) + rest
	if len(corrected) > 9 {
		corrected = corrected[:9]
	}
	return corrected
}

// ValidRollNumber reports whether a repaired roll number has the
// required format.
func ValidRollNumber(roll string) bool {
	return rollPattern.MatchString(roll)
}
