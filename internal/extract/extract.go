// Package extract reads text out of scanned answer-script pages using
// a vision-capable chat model.
package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/adithyarao/scriptgrader/internal/ratelimit"
	"github.com/adithyarao/scriptgrader/internal/segment"
)

// ErrNoDigits is returned when a header page yields no digits at all
// for the roll number. It is distinct from transport failures so
// callers can tell "unreadable page" from "API down".
var ErrNoDigits = errors.New("no digits found on header page")

const pagePrompt = "Transcribe all handwritten and printed text on this exam page exactly as written. " +
	"Preserve question numbering and line breaks. Output only the transcription."

const rollPrompt = "This is the cover page of an exam answer script. " +
	"Find the student's roll number and output it alone, with no other text."

// Visioner is the single model call extract needs.
type Visioner interface {
	CompleteVision(ctx context.Context, prompt, imageURL string) (string, error)
}

// Service transcribes pages and reads roll numbers, pacing every model
// call through a shared limiter.
type Service struct {
	vision  Visioner
	limiter *ratelimit.Limiter
}

// NewService creates an extraction service. limiter may not be nil.
func NewService(vision Visioner, limiter *ratelimit.Limiter) *Service {
	return &Service{vision: vision, limiter: limiter}
}

// PageText transcribes one page image into plain text.
func (s *Service) PageText(ctx context.Context, image []byte, mime string) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	text, err := s.vision.CompleteVision(ctx, pagePrompt, dataURI(image, mime))
	if err != nil {
		return "", fmt.Errorf("transcribe page: %w", err)
	}
	return text, nil
}

var digits = regexp.MustCompile(`\d`)

// RollNumber reads and repairs the roll number from a header page.
// The raw model output goes through the confusable-character repair
// before validation; a page with no digits returns ErrNoDigits.
func (s *Service) RollNumber(ctx context.Context, image []byte, mime string) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	raw, err := s.vision.CompleteVision(ctx, rollPrompt, dataURI(image, mime))
	if err != nil {
		return "", fmt.Errorf("read roll number: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if !digits.MatchString(raw) {
		return "", ErrNoDigits
	}
	roll := segment.CorrectRollNumber(raw)
	if !segment.ValidRollNumber(roll) {
		return "", fmt.Errorf("roll number %q invalid after repair", roll)
	}
	return roll, nil
}

func dataURI(image []byte, mime string) string {
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}
