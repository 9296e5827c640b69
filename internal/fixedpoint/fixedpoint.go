// Package fixedpoint implements unsigned 18-decimal (wad) fixed-point
// arithmetic on 256-bit integers. Division truncates toward zero, matching
// the settlement-layer conventions the pool's loan economics were defined
// against.
package fixedpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional decimal digits carried by a wad value.
const Decimals = 18

// SecondsPerYear is the year basis used to annualize durations (365 days).
const SecondsPerYear = 365 * 24 * 60 * 60

var (
	// One is the wad representation of 1.0.
	One = uint256.NewInt(1e18)
	// BasisPoints is the divisor for basis-point weighted sums.
	BasisPoints = uint256.NewInt(10_000)

	secondsPerYear = uint256.NewInt(SecondsPerYear)
)

var (
	ErrOverflow       = errors.New("fixed point overflow")
	ErrDivisionByZero = errors.New("fixed point division by zero")
)

// Mul returns floor(a*b / 1e18).
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, One)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Div returns floor(a*1e18 / b).
func Div(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, One, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDiv returns floor(a*b / d) without intermediate precision loss.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Add returns a+b with overflow checking.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns a-b, or an error if b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	if b.Gt(a) {
		return nil, ErrOverflow
	}
	return new(uint256.Int).Sub(a, b), nil
}

// SubSat returns a-b, saturating at zero.
func SubSat(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Sub(a, b)
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// YearsFromSeconds converts a duration in whole seconds to wad years on a
// 365-day year basis.
func YearsFromSeconds(seconds uint64) *uint256.Int {
	z, _ := new(uint256.Int).MulDivOverflow(uint256.NewInt(seconds), One, secondsPerYear)
	return z
}

// FromDecimal parses a non-negative decimal string such as "10.1" or
// "0.000000000000000001" into a wad value. More than 18 fractional digits is
// an error rather than a silent truncation.
func FromDecimal(s string) (*uint256.Int, error) {
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("fixed point: too many decimal places in %q", s)
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	z, err := uint256.FromDecimal(whole + frac)
	if err != nil {
		return nil, fmt.Errorf("fixed point: invalid decimal %q: %w", s, err)
	}
	return z, nil
}

// MustFromDecimal is FromDecimal for trusted literals; it panics on error.
func MustFromDecimal(s string) *uint256.Int {
	z, err := FromDecimal(s)
	if err != nil {
		panic(err)
	}
	return z
}

// Format renders a wad value as a decimal string with all 18 fractional
// digits, e.g. "10.027520456942945852".
func Format(v *uint256.Int) string {
	s := v.Dec()
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals-len(s)+1) + s
	}
	return s[:len(s)-Decimals] + "." + s[len(s)-Decimals:]
}
