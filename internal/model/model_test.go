package model

import "testing"

func TestNormalizeQuestionID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare digits", "3", "3"},
		{"digits with letter", "2a", "2a"},
		{"uppercase letter", "4B", "4b"},
		{"Q prefix", "Q2", "2"},
		{"lowercase q prefix", "q3a", "3a"},
		{"whitespace", "  Q1  ", "1"},
		{"dotted fallback", "1.2", "1_2"},
		{"slashed fallback", "2/b", "2_b"},
		{"spaced fallback", "part 1b", "part1b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeQuestionID(tt.raw); got != tt.want {
				t.Errorf("NormalizeQuestionID(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeQuestionIDIdempotent(t *testing.T) {
	for _, raw := range []string{"Q2a", "3", "1.2", "part 1"} {
		once := NormalizeQuestionID(raw)
		twice := NormalizeQuestionID(once)
		if once != twice {
			t.Errorf("normalization not idempotent for %q: %q then %q", raw, once, twice)
		}
	}
}
