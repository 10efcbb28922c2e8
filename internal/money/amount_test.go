package money

import (
	"errors"
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals uint8
		want     uint64
		wantErr  error
	}{
		{"native one and a half", "1.5", 9, 1_500_000_000, nil},
		{"native whole", "2", 9, 2_000_000_000, nil},
		{"native smallest unit", "0.000000001", 9, 1, nil},
		{"token whole", "100", 6, 100_000_000, nil},
		{"token fractional", "0.25", 6, 250_000, nil},
		{"zero decimals mint", "42", 0, 42, nil},
		{"leading dot", ".5", 9, 500_000_000, nil},
		{"redundant trailing zeros", "1.5000000000", 9, 1_500_000_000, nil},
		{"whitespace trimmed", "  1.5  ", 9, 1_500_000_000, nil},

		{"empty", "", 9, 0, ErrInvalidFormat},
		{"trailing dot", "1.", 9, 0, ErrInvalidFormat},
		{"double dot", "1.2.3", 9, 0, ErrInvalidFormat},
		{"not a number", "abc", 9, 0, ErrInvalidFormat},
		{"explicit plus", "+1", 9, 0, ErrInvalidFormat},
		{"negative", "-1.5", 9, 0, ErrNegativeAmount},
		{"zero", "0", 9, 0, ErrNegativeAmount},
		{"zero with fraction", "0.0", 9, 0, ErrNegativeAmount},
		{"excess precision native", "0.0000000001", 9, 0, ErrTooManyDecimals},
		{"excess precision token", "1.1234567", 6, 0, ErrTooManyDecimals},
		{"fraction on zero-decimal mint", "5.1", 0, 0, ErrTooManyDecimals},
		{"overflow", "99999999999999999999", 9, 0, ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.amount, tt.decimals)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseAmount(%q, %d) error = %v, want %v", tt.amount, tt.decimals, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q, %d) unexpected error: %v", tt.amount, tt.decimals, err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%q, %d) = %d, want %d", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		name      string
		baseUnits uint64
		decimals  uint8
		want      string
	}{
		{"native one and a half", 1_500_000_000, 9, "1.5"},
		{"native whole", 2_000_000_000, 9, "2"},
		{"native smallest unit", 1, 9, "0.000000001"},
		{"token fractional", 250_000, 6, "0.25"},
		{"token whole", 100_000_000, 6, "100"},
		{"zero", 0, 9, "0"},
		{"zero decimals", 42, 0, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatAmount(tt.baseUnits, tt.decimals); got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %q, want %q", tt.baseUnits, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestAmountRoundTrip(t *testing.T) {
	// Parsing the formatted value must reproduce the base units exactly.
	cases := []struct {
		baseUnits uint64
		decimals  uint8
	}{
		{1, 9},
		{999_999_999, 9},
		{1_500_000_000, 9},
		{123_456_789_012, 9},
		{1, 6},
		{100_000_000, 6},
		{7, 0},
	}
	for _, c := range cases {
		formatted := FormatAmount(c.baseUnits, c.decimals)
		parsed, err := ParseAmount(formatted, c.decimals)
		if err != nil {
			t.Fatalf("round trip ParseAmount(%q, %d): %v", formatted, c.decimals, err)
		}
		if parsed != c.baseUnits {
			t.Errorf("round trip %d -> %q -> %d (decimals %d)", c.baseUnits, formatted, parsed, c.decimals)
		}
	}
}
