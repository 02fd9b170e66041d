// Package amount converts between human decimal strings and integer base
// units. All arithmetic is fixed-point on 256-bit unsigned integers; nothing in
// this package (or its callers) may route an amount through a float.
package amount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// MaxPrecision bounds the number of fractional digits an asset may declare.
const MaxPrecision = 36

// maxDigits is the decimal width of 2^256-1.
const maxDigits = 78

// ErrInvalidAmount is returned for anything that is not a positive, finite,
// plain decimal number or that truncates to zero base units.
var ErrInvalidAmount = errors.New("amount: invalid amount")

// ToBaseUnits parses a human decimal string ("10", "0.25", ".5", "12.") into
// base units for an asset with the supplied precision. Fractional digits
// beyond the precision are truncated.
func ToBaseUnits(human string, precision uint8) (*uint256.Int, error) {
	if precision > MaxPrecision {
		return nil, fmt.Errorf("%w: precision %d exceeds %d", ErrInvalidAmount, precision, MaxPrecision)
	}
	trimmed := strings.TrimSpace(human)
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, human)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("%w: %q is not a plain decimal number", ErrInvalidAmount, human)
	}
	p := int(precision)
	if len(frac) > p {
		frac = frac[:p]
	}
	frac += strings.Repeat("0", p-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return nil, fmt.Errorf("%w: %q is zero in base units", ErrInvalidAmount, human)
	}
	if len(digits) > maxDigits {
		return nil, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, human)
	}
	value, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, human)
	}
	return value, nil
}

// ToHuman renders base units as a fixed-point string with exactly precision
// fractional digits. A nil value renders as zero.
func ToHuman(v *uint256.Int, precision uint8) string {
	if v == nil {
		v = new(uint256.Int)
	}
	s := v.Dec()
	if precision == 0 {
		return s
	}
	p := int(precision)
	if len(s) <= p {
		s = strings.Repeat("0", p-len(s)+1) + s
	}
	return s[:len(s)-p] + "." + s[len(s)-p:]
}

// Normalize returns human rewritten to exactly precision fractional digits,
// the canonical form produced by a ToBaseUnits/ToHuman round trip.
func Normalize(human string, precision uint8) (string, error) {
	v, err := ToBaseUnits(human, precision)
	if err != nil {
		return "", err
	}
	return ToHuman(v, precision), nil
}

// ApplyBps returns v * (10000 - bps) / 10000, rounded down. It is used to
// derive minimum acceptable outputs from a slippage tolerance.
func ApplyBps(v *uint256.Int, bps uint32) (*uint256.Int, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil amount", ErrInvalidAmount)
	}
	if bps > 10_000 {
		return nil, fmt.Errorf("amount: basis points %d exceed 10000", bps)
	}
	keep := uint256.NewInt(uint64(10_000 - bps))
	out, overflow := new(uint256.Int).MulDivOverflow(v, keep, uint256.NewInt(10_000))
	if overflow {
		return nil, fmt.Errorf("%w: slippage computation overflows", ErrInvalidAmount)
	}
	return out, nil
}

// Rescale converts v from base units at precision from to base units at
// precision to. Narrowing rounds down.
func Rescale(v *uint256.Int, from, to uint8) (*uint256.Int, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil amount", ErrInvalidAmount)
	}
	if from > MaxPrecision || to > MaxPrecision {
		return nil, fmt.Errorf("%w: precision out of range (%d -> %d)", ErrInvalidAmount, from, to)
	}
	switch {
	case to > from:
		scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(to-from)))
		out, overflow := new(uint256.Int).MulOverflow(v, scale)
		if overflow {
			return nil, fmt.Errorf("%w: rescaling overflows", ErrInvalidAmount)
		}
		return out, nil
	case to < from:
		scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(from-to)))
		return new(uint256.Int).Div(v, scale), nil
	}
	return v.Clone(), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
