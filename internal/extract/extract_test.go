package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/adithyarao/scriptgrader/internal/ratelimit"
)

type fakeVision struct {
	reply string
	err   error
	calls int
}

func (f *fakeVision) CompleteVision(_ context.Context, _, imageURL string) (string, error) {
	f.calls++
	if !strings.HasPrefix(imageURL, "data:image/") {
		return "", errors.New("expected data URI")
	}
	return f.reply, f.err
}

func newTestService(v *fakeVision) *Service {
	return NewService(v, ratelimit.New(100, time.Minute))
}

func TestRollNumberRepairsConfusables(t *testing.T) {
	v := &fakeVision{reply: " i23456789 \n"}
	s := newTestService(v)
	roll, err := s.RollNumber(context.Background(), []byte{1}, "image/png")
	if err != nil {
		t.Fatalf("RollNumber: %v", err)
	}
	if roll != "123456789" {
		t.Errorf("roll = %q, want 123456789", roll)
	}
}

func TestRollNumberNoDigits(t *testing.T) {
	v := &fakeVision{reply: "unreadable smudge"}
	s := newTestService(v)
	_, err := s.RollNumber(context.Background(), []byte{1}, "")
	if !errors.Is(err, ErrNoDigits) {
		t.Fatalf("err = %v, want ErrNoDigits", err)
	}
}

func TestRollNumberInvalidAfterRepair(t *testing.T) {
	v := &fakeVision{reply: "5234"}
	s := newTestService(v)
	_, err := s.RollNumber(context.Background(), []byte{1}, "")
	if err == nil || errors.Is(err, ErrNoDigits) {
		t.Fatalf("err = %v, want invalid-format error", err)
	}
}

func TestPageTextPropagatesTransportError(t *testing.T) {
	v := &fakeVision{err: errors.New("connection refused")}
	s := newTestService(v)
	_, err := s.PageText(context.Background(), []byte{1}, "image/jpeg")
	if err == nil || errors.Is(err, ErrNoDigits) {
		t.Fatalf("err = %v, want wrapped transport error", err)
	}
}
