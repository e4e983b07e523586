package address

import (
	"errors"
	"testing"

	"github.com/atmx/tranche-engine/internal/apperr"
)

func TestParse_Valid(t *testing.T) {
	got, err := Parse("0xAbCdEf0123456789abcdef0123456789ABCDEF01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("expected lower-case canonical form, got %s", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"INVALID",
		"0x1234",
		"abcdef0123456789abcdef0123456789abcdef01",   // missing prefix
		"0xzzcdef0123456789abcdef0123456789abcdef01", // non-hex
		"0xabcdef0123456789abcdef0123456789abcdef0102",
	}
	for _, s := range tests {
		_, err := Parse(s)
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("expected ErrInvalid for %q, got %v", s, err)
		}
	}
}

func TestParse_Zero(t *testing.T) {
	for _, s := range []string{"", "  ", Zero} {
		_, err := Parse(s)
		if !errors.Is(err, ErrZero) {
			t.Errorf("expected ErrZero for %q, got %v", s, err)
		}
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("expected validation class for %q", s)
		}
	}
}

func TestEqual(t *testing.T) {
	a := "0xabcdef0123456789abcdef0123456789abcdef01"
	if !Equal(a, "0xABCDEF0123456789ABCDEF0123456789ABCDEF01") {
		t.Error("expected case-insensitive match")
	}
	if Equal("", "") {
		t.Error("empty addresses never match")
	}
}

func TestMustParse_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustParse("nope")
}
