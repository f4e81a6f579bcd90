package apperr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("upload: %w", Wrap(IngestionFailed, io.ErrUnexpectedEOF, "corrupt pdf"))

	if !errors.Is(err, ErrIngestionFailed) {
		t.Errorf("errors.Is(err, ErrIngestionFailed) = false, want true")
	}
	if errors.Is(err, ErrValidation) {
		t.Errorf("errors.Is(err, ErrValidation) = true, want false")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("wrapped cause not reachable through errors.Is")
	}
}

func TestIsMatchesSpecificSentinel(t *testing.T) {
	errTooLarge := New(Validation, "file too large")
	err := fmt.Errorf("upload: %w", errTooLarge)

	if !errors.Is(err, errTooLarge) {
		t.Errorf("errors.Is(err, errTooLarge) = false, want true")
	}
	if errors.Is(err, New(Validation, "unsupported format")) {
		t.Errorf("different message of same kind should not match")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{New(NotFound, "conversation not found"), NotFound},
		{fmt.Errorf("ctx: %w", Newf(Conflict, "user %q exists", "bob")), Conflict},
		{errors.New("plain"), Internal},
		{nil, Internal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(AnswerGenerationFailed, errors.New("quota"), "completion")
	want := "answer generation failed: completion: quota"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
