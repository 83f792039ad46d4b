// Package fixedpoint implements the lossless, deterministic price/quantity
// representation used everywhere in the reconstruction hot path: a signed
// 64-bit integer scaled by 1e8 (eight fractional digits).
//
// Parsing from upstream decimal(38,18) strings goes through
// github.com/shopspring/decimal so that rounding is exact and half-even,
// matching the precision contract; arithmetic inside the order book never
// uses decimal.Decimal, only int64 add/sub, per the no-multiplication rule
// on the hot path.
package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every Value.
const Scale = 8

// scaleFactor is 10^Scale.
var scaleFactor = decimal.New(1, Scale)

// OutputScale is the number of fractional digits used for the sink's
// decimal128(38,18) on-wire representation (§3.4).
const OutputScale = 10

// maxSafeQuantity is the exclusive upper bound, in natural units, on an
// order book quantity: 2^63 / 10^8.
const maxSafeQuantity = (1 << 63) / 100000000

// Value is a fixed-point number scaled by 1e8, stored as a signed int64.
type Value int64

// Zero is the additive identity.
const Zero Value = 0

// ErrPrecisionLoss is returned when a decimal string carries more than
// Scale fractional digits and cannot be represented exactly.
type ErrPrecisionLoss struct {
	Input string
}

func (e ErrPrecisionLoss) Error() string {
	return fmt.Sprintf("fixedpoint: %q requires more than %d fractional digits", e.Input, Scale)
}

// ErrArithmeticOverflow is returned by any operation that would overflow
// the int64 range. It is always fatal per §4.1.
type ErrArithmeticOverflow struct {
	Op string
	A  Value
	B  Value
}

func (e ErrArithmeticOverflow) Error() string {
	return fmt.Sprintf("fixedpoint: overflow computing %s(%d, %d)", e.Op, e.A, e.B)
}

// ParseDecimalString parses an upstream decimal(38,18) string into a Value.
// Rounding is half-even (banker's rounding), matching decimal128 conversion
// conventions. If the input carries more significant fractional digits than
// Scale, ErrPrecisionLoss is returned rather than silently truncating.
func ParseDecimalString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("fixedpoint: invalid decimal %q: %w", s, err)
	}
	return fromDecimal(d, s)
}

// FromDecimal converts an already-parsed decimal.Decimal (e.g. read from a
// decimal128(38,18) column by the input reader) into a Value.
func FromDecimal(d decimal.Decimal) (Value, error) {
	return fromDecimal(d, d.String())
}

func fromDecimal(d decimal.Decimal, original string) (Value, error) {
	rounded := d.Round(Scale)
	if !rounded.Equal(d) {
		return 0, ErrPrecisionLoss{Input: original}
	}
	scaled := rounded.Mul(scaleFactor)
	if !scaled.IsInteger() {
		return 0, ErrPrecisionLoss{Input: original}
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, ErrArithmeticOverflow{Op: "parse", A: 0, B: 0}
	}
	return Value(bi.Int64()), nil
}

// Add returns a+b, erroring on overflow.
func Add(a, b Value) (Value, error) {
	sum := a + b
	// overflow iff signs of a and b match but differ from sum's sign.
	if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum > 0) {
		return 0, ErrArithmeticOverflow{Op: "add", A: a, B: b}
	}
	return sum, nil
}

// Sub returns a-b, erroring on overflow.
func Sub(a, b Value) (Value, error) {
	diff := a - b
	if (a >= 0 && b < 0 && diff < 0) || (a < 0 && b > 0 && diff > 0) {
		return 0, ErrArithmeticOverflow{Op: "sub", A: a, B: b}
	}
	return diff, nil
}

// IsPositive reports whether v > 0 (I1: only strictly positive quantities
// may live on a price level).
func (v Value) IsPositive() bool { return v > 0 }

// IsZero reports whether v == 0.
func (v Value) IsZero() bool { return v == 0 }

// WithinSafeRange reports whether v satisfies the §3.1 invariant
// 0 <= q < 2^63/1e8 expected of any order book quantity.
func (v Value) WithinSafeRange() bool {
	return v >= 0 && int64(v) < maxSafeQuantity*100000000
}

// String renders the value with Scale fractional digits.
func (v Value) String() string {
	return decimal.New(int64(v), -Scale).StringFixed(Scale)
}

// Decimal128Bytes encodes v as a big-endian 128-bit two's-complement
// integer equal to v * 10^(OutputScale-Scale), matching the sink's
// decimal128(38,18) on-wire contract (§3.4): internal scale 1e8 widened to
// output scale 1e10 by multiplying by 10^2 before laying out the 16 bytes.
func (v Value) Decimal128Bytes() [16]byte {
	widen := big.NewInt(int64(v))
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(OutputScale-Scale), nil)
	widen.Mul(widen, factor)

	var out [16]byte
	bytes := widen.Bytes() // big-endian magnitude
	neg := widen.Sign() < 0
	for i := 0; i < len(bytes) && i < 16; i++ {
		out[15-i] = bytes[len(bytes)-1-i]
	}
	if neg {
		// two's complement negate the big-endian buffer: flip every bit,
		// then add 1 with the carry starting at the least significant
		// byte, index 15, and propagating toward index 0.
		carry := byte(1)
		for i := 15; i >= 0; i-- {
			out[i] = ^out[i]
			sum := int(out[i]) + int(carry)
			out[i] = byte(sum)
			carry = byte(sum >> 8)
		}
	}
	return out
}

// ParseFromDecimal128 rounds a decimal128(38,18)-scaled big-endian two's
// complement value (e.g. read back out of a Parquet fixed_len_byte_array
// column) down to the internal 1e8 scale; it is the inverse of
// Decimal128Bytes.
func ParseFromDecimal128(raw [16]byte) Value {
	big_ := new(big.Int)
	neg := raw[0]&0x80 != 0
	if neg {
		var buf [16]byte
		for i := range raw {
			buf[i] = ^raw[i]
		}
		big_.SetBytes(buf[:])
		big_.Add(big_, big.NewInt(1))
		big_.Neg(big_)
	} else {
		big_.SetBytes(raw[:])
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(OutputScale-Scale), nil)
	big_.Quo(big_, factor)
	return Value(big_.Int64())
}
