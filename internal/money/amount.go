package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Payments carry their amount as a decimal string in display units ("1.5"
// SOL, "100" USDC) plus the instrument's decimals. All validation and
// storage happens in base units (uint64), converted exactly: parsing is
// strict and never rounds, so an amount with more fractional digits than
// the instrument supports is rejected rather than silently truncated.

const (
	// NativeDecimals is the decimal count of the native coin (1 SOL = 10^9 lamports).
	NativeDecimals uint8 = 9

	// MaxDecimals bounds supported mint decimals. SPL mints cap at 9 in
	// practice; anything above 19 would overflow the uint64 multiplier.
	MaxDecimals uint8 = 18
)

var (
	// ErrInvalidFormat occurs when an amount string cannot be parsed.
	ErrInvalidFormat = errors.New("money: invalid amount format")

	// ErrNegativeAmount occurs when an amount is negative or zero.
	ErrNegativeAmount = errors.New("money: amount must be positive")

	// ErrTooManyDecimals occurs when an amount has more fractional digits
	// than the instrument supports.
	ErrTooManyDecimals = errors.New("money: too many decimal places")

	// ErrOverflow occurs when an amount exceeds uint64 base units.
	ErrOverflow = errors.New("money: amount overflows base units")
)

// ParseAmount converts a display-unit decimal string to base units.
//
// Examples:
//   - ParseAmount("1.5", 9)  → 1500000000
//   - ParseAmount("100", 6)  → 100000000
//   - ParseAmount("0.000001", 6) → 1
//
// The zero amount, negative amounts, and excess fractional digits are
// rejected.
func ParseAmount(amount string, decimals uint8) (uint64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidFormat)
	}
	if decimals > MaxDecimals {
		return 0, fmt.Errorf("%w: %d decimals unsupported", ErrInvalidFormat, decimals)
	}
	if strings.HasPrefix(amount, "-") {
		return 0, ErrNegativeAmount
	}
	if strings.HasPrefix(amount, "+") {
		return 0, fmt.Errorf("%w: explicit sign not allowed", ErrInvalidFormat)
	}

	integerPart, fractionalPart, hasFraction := strings.Cut(amount, ".")
	if hasFraction && (fractionalPart == "" || strings.Contains(fractionalPart, ".")) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, amount)
	}
	if integerPart == "" {
		// Accept ".5" style input the way strconv would not
		integerPart = "0"
	}

	integerVal, err := strconv.ParseUint(integerPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, amount)
	}

	// Strict: reject digits beyond the instrument's precision instead of rounding.
	if len(fractionalPart) > int(decimals) {
		trimmed := strings.TrimRight(fractionalPart, "0")
		if len(trimmed) > int(decimals) {
			return 0, fmt.Errorf("%w: %q has %d fractional digits, instrument supports %d",
				ErrTooManyDecimals, amount, len(trimmed), decimals)
		}
		fractionalPart = fractionalPart[:decimals]
	}

	var fractionVal uint64
	if fractionalPart != "" {
		padded := fractionalPart + strings.Repeat("0", int(decimals)-len(fractionalPart))
		fractionVal, err = strconv.ParseUint(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, amount)
		}
	}

	multiplier := pow10(decimals)
	if multiplier != 0 && integerVal > math.MaxUint64/multiplier {
		return 0, ErrOverflow
	}
	base := integerVal * multiplier
	if base > math.MaxUint64-fractionVal {
		return 0, ErrOverflow
	}
	base += fractionVal

	if base == 0 {
		return 0, ErrNegativeAmount
	}
	return base, nil
}

// FormatAmount converts base units back to a display-unit decimal string.
// Trailing fractional zeros are trimmed: FormatAmount(1500000000, 9) → "1.5".
func FormatAmount(baseUnits uint64, decimals uint8) string {
	if decimals == 0 || decimals > MaxDecimals {
		return strconv.FormatUint(baseUnits, 10)
	}

	divisor := pow10(decimals)
	integerPart := baseUnits / divisor
	fractionalPart := baseUnits % divisor

	if fractionalPart == 0 {
		return strconv.FormatUint(integerPart, 10)
	}

	fractionalStr := strconv.FormatUint(fractionalPart, 10)
	leadingZeros := int(decimals) - len(fractionalStr)
	fractionalStr = strings.Repeat("0", leadingZeros) + fractionalStr
	fractionalStr = strings.TrimRight(fractionalStr, "0")

	return strconv.FormatUint(integerPart, 10) + "." + fractionalStr
}

func pow10(n uint8) uint64 {
	result := uint64(1)
	for i := uint8(0); i < n; i++ {
		result *= 10
	}
	return result
}
