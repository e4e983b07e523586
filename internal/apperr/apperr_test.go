package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew_UnwrapsToClass(t *testing.T) {
	errTooSoon := New(ErrTiming, "tranche: rebase interval not elapsed")
	wrapped := fmt.Errorf("senior rebase: %w", errTooSoon)

	if !errors.Is(wrapped, errTooSoon) {
		t.Error("expected specific sentinel to match")
	}
	if !errors.Is(wrapped, ErrTiming) {
		t.Error("expected class ErrTiming to match")
	}
	if errors.Is(wrapped, ErrState) {
		t.Error("did not expect ErrState to match")
	}
}

func TestClass(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{New(ErrValidation, "zero amount"), ErrValidation},
		{New(ErrAuthorization, "not operator"), ErrAuthorization},
		{New(ErrState, "not pending"), ErrState},
		{New(ErrTiming, "too soon"), ErrTiming},
		{New(ErrArithmetic, "divide by zero"), ErrArithmetic},
		{errors.New("plain"), nil},
		{nil, nil},
	}
	for _, tt := range tests {
		if got := Class(tt.err); got != tt.want {
			t.Errorf("Class(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNew_Message(t *testing.T) {
	err := New(ErrValidation, "fixedpoint: percentage out of range")
	want := "fixedpoint: percentage out of range: validation error"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
