package math

import (
	"errors"
	stdmath "math"
)

// Sentinel errors for counter arithmetic. Every balance and tilt mutation in
// the system goes through these helpers — a counter must fail rather than wrap,
// even where the caller appears to have pre-validated the operation.
var (
	ErrOverflow  = errors.New("arithmetic overflow")
	ErrUnderflow = errors.New("arithmetic underflow")
)

// CheckedAdd returns a + b, or ErrOverflow/ErrUnderflow if the sum does not
// fit in an int64.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if b > 0 && sum < a {
		return 0, ErrOverflow
	}
	if b < 0 && sum > a {
		return 0, ErrUnderflow
	}
	return sum, nil
}

// CheckedSub returns a - b with the same wrap protection as CheckedAdd.
func CheckedSub(a, b int64) (int64, error) {
	if b == stdmath.MinInt64 {
		if a < 0 {
			return a - b, nil
		}
		return 0, ErrOverflow
	}
	return CheckedAdd(a, -b)
}

// CheckedAddNonNegative returns a + b and additionally fails with ErrUnderflow
// if the result would be negative. Used for counters that model unsigned
// quantities (free collateral, market value) on int64 storage.
func CheckedAddNonNegative(a, b int64) (int64, error) {
	sum, err := CheckedAdd(a, b)
	if err != nil {
		return 0, err
	}
	if sum < 0 {
		return 0, ErrUnderflow
	}
	return sum, nil
}

// Neg returns -v, or ErrOverflow for MinInt64 (which has no int64 negation).
func Neg(v int64) (int64, error) {
	if v == stdmath.MinInt64 {
		return 0, ErrOverflow
	}
	return -v, nil
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
