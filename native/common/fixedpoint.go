package common

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrMathOverflow reports an intermediate result that does not fit in 256 bits.
var ErrMathOverflow = errors.New("math overflow")

const (
	// BasisPoints is the denominator of every bps-denominated ratio.
	BasisPoints = 10_000
	// WADDecimals is the precision of 1e18 fixed-point values.
	WADDecimals = 18
)

// WAD returns a fresh 1e18.
func WAD() *uint256.Int { return uint256.NewInt(1_000_000_000_000_000_000) }

// BPS returns a fresh 10_000.
func BPS() *uint256.Int { return uint256.NewInt(BasisPoints) }

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Clone copies v, mapping nil to zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// IsZero treats nil as zero.
func IsZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

// Mul multiplies with overflow detection.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(Clone(a), Clone(b))
	if overflow {
		return nil, ErrMathOverflow
	}
	return out, nil
}

// Add adds with overflow detection.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(Clone(a), Clone(b))
	if overflow {
		return nil, ErrMathOverflow
	}
	return out, nil
}

// SubFloor subtracts b from a, clamping at zero.
func SubFloor(a, b *uint256.Int) *uint256.Int {
	x, y := Clone(a), Clone(b)
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return x.Sub(x, y)
}

// MulDiv computes a*b/d using a 512-bit intermediate. Division by zero yields zero.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if IsZero(d) {
		return new(uint256.Int), nil
	}
	out, overflow := new(uint256.Int).MulDivOverflow(Clone(a), Clone(b), Clone(d))
	if overflow {
		return nil, ErrMathOverflow
	}
	return out, nil
}

// ApplyBps returns v * bps / 10_000.
func ApplyBps(v *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(v, uint256.NewInt(bps), BPS())
}

// ScaleDecimals converts an amount expressed with `from` decimals into `to`
// decimals, truncating on the way down.
func ScaleDecimals(v *uint256.Int, from, to uint8) (*uint256.Int, error) {
	out := Clone(v)
	switch {
	case from == to:
		return out, nil
	case from < to:
		factor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(to-from)))
		return Mul(out, factor)
	default:
		factor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(from-to)))
		return out.Div(out, factor), nil
	}
}
