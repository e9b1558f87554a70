package core

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// Q is an unsigned Q32.32 fixed-point number. The upper 32 bits hold the integer part and the lower 32 bits the
// fraction, so ONE is 1<<32.
//
// All consensus probabilities and ratios are expressed as Q. There is no floating point in the consensus core:
// every verifying node must arrive at bit-identical values. Operations are total. Division truncates toward zero,
// and anything that would overflow saturates at QMax instead of wrapping.
type Q uint64

const (
	QScale = 32
	ONE    Q = 1 << QScale
	QMax   Q = math.MaxUint64
)

// QAdd returns a+b, saturating at QMax.
func QAdd(a, b Q) Q {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return QMax
	}
	return Q(sum)
}

// QSub returns a-b, saturating at zero.
func QSub(a, b Q) Q {
	if b >= a {
		return 0
	}
	return a - b
}

// QMul returns a*b. The product is computed in 128 bits and shifted back down by the scale.
func QMul(a, b Q) Q {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi>>QScale != 0 {
		return QMax
	}
	return Q(hi<<QScale | lo>>QScale)
}

// QDiv returns a/b. The numerator is scaled before dividing.
// Division by zero saturates to QMax, except 0/0 which is 0.
func QDiv(a, b Q) Q {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return QMax
	}
	hi, lo := uint64(a)>>(64-QScale), uint64(a)<<QScale
	if hi >= uint64(b) {
		return QMax
	}
	quo, _ := bits.Div64(hi, lo, uint64(b))
	return Q(quo)
}

// MulDiv computes floor(a*b/c) with a 128-bit intermediate, saturating at MaxUint64.
func MulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if c == 0 {
		if hi == 0 && lo == 0 {
			return 0
		}
		return math.MaxUint64
	}
	if hi >= c {
		return math.MaxUint64
	}
	quo, _ := bits.Div64(hi, lo, c)
	return quo
}

// QClamp01 clamps x into [0, ONE].
func QClamp01(x Q) Q {
	if x > ONE {
		return ONE
	}
	return x
}

func QMin(a, b Q) Q {
	if a < b {
		return a
	}
	return b
}

// QFromRatio returns num/den as a Q. A zero denominator yields 0.
func QFromRatio(num, den uint64) Q {
	if den == 0 {
		return 0
	}
	return Q(MulDiv(num, uint64(ONE), den))
}

// QFromBasisPoints converts basis points (1/10000) into a Q.
func QFromBasisPoints(bp uint64) Q {
	return QFromRatio(bp, 10_000)
}

// Bytes returns the fixed 8-byte big-endian encoding used in hashing.
func (x Q) Bytes() []byte {
	return Uint64Bytes(uint64(x))
}

func QFromBytes(b []byte) (Q, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("fixed point value must be 8 bytes, got %d", len(b))
	}
	return Q(binary.BigEndian.Uint64(b)), nil
}

// String renders x in decimal with six fractional digits, eg. "0.850000".
func (x Q) String() string {
	whole := uint64(x) >> QScale
	frac := MulDiv(uint64(x)&(uint64(ONE)-1), 1_000_000, uint64(ONE))
	return fmt.Sprintf("%d.%06d", whole, frac)
}

// Ten decimal digits resolve below 2^-32, so MarshalText output parses back to the same value.
const qTextDigits = 10

const qTextScale uint64 = 10_000_000_000

// MarshalText renders x in decimal, rounding the fraction up so that ParseQ recovers x exactly.
func (x Q) MarshalText() ([]byte, error) {
	whole := uint64(x) >> QScale
	frac := uint64(x) & (uint64(ONE) - 1)
	hi, lo := bits.Mul64(frac, qTextScale)
	digits, rem := bits.Div64(hi, lo, uint64(ONE))
	if rem != 0 {
		digits++
	}
	return []byte(fmt.Sprintf("%d.%0*d", whole, qTextDigits, digits)), nil
}

func (x *Q) UnmarshalText(text []byte) error {
	q, err := ParseQ(string(text))
	if err != nil {
		return err
	}
	*x = q
	return nil
}

// ParseQ parses a non-negative decimal such as "0.85" or "1". Fractional digits beyond the tenth are truncated.
func ParseQ(s string) (Q, error) {
	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" && fracStr == "" {
		return 0, fmt.Errorf("invalid fixed point value %q", s)
	}
	var whole uint64
	if wholeStr != "" {
		w, err := strconv.ParseUint(wholeStr, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid fixed point value %q: %w", s, err)
		}
		whole = w
	}
	if len(fracStr) > qTextDigits {
		fracStr = fracStr[:qTextDigits]
	}
	fracStr += strings.Repeat("0", qTextDigits-len(fracStr))
	digits, err := strconv.ParseUint(fracStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fixed point value %q: %w", s, err)
	}
	return Q(whole<<QScale | MulDiv(digits, uint64(ONE), qTextScale)), nil
}
