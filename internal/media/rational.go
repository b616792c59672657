package media

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// NoTimestamp marks an absent presentation/decode timestamp or duration.
const NoTimestamp int64 = math.MinInt64

// Rational is a time base: the duration of one timestamp tick as a fraction
// of one second. A valid time base has Num > 0 and Den > 0.
type Rational struct {
	Num int64
	Den int64
}

// Common time bases.
var (
	TimeBaseMPEGTS = Rational{Num: 1, Den: 90000}
	TimeBaseMillis = Rational{Num: 1, Den: 1000}
)

// Validate reports a ConfigError for a non-positive numerator or denominator.
func (r Rational) Validate() error {
	if r.Den <= 0 {
		return fmt.Errorf("%w: time base %s: denominator must be positive", ErrConfig, r)
	}
	if r.Num <= 0 {
		return fmt.Errorf("%w: time base %s: numerator must be positive", ErrConfig, r)
	}
	return nil
}

// Invert returns Den/Num. A frame rate inverted is the per-frame duration.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

// IsZero reports whether r is the zero value.
func (r Rational) IsZero() bool {
	return r.Num == 0 && r.Den == 0
}

func (r Rational) String() string {
	return strconv.FormatInt(r.Num, 10) + "/" + strconv.FormatInt(r.Den, 10)
}

// ParseRational parses "num/den" or a bare integer ("25" is 25/1).
func ParseRational(s string) (Rational, error) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return Rational{}, fmt.Errorf("%w: rational %q: %v", ErrConfig, s, err)
	}
	d := int64(1)
	if found {
		d, err = strconv.ParseInt(den, 10, 64)
		if err != nil {
			return Rational{}, fmt.Errorf("%w: rational %q: %v", ErrConfig, s, err)
		}
	}
	r := Rational{Num: n, Den: d}
	if err := r.Validate(); err != nil {
		return Rational{}, err
	}
	return r, nil
}

var (
	bigMaxInt64 = big.NewInt(math.MaxInt64)
	// MinInt64 is reserved for NoTimestamp, so clamping stops one above it.
	bigMinInt64 = big.NewInt(math.MinInt64 + 1)
)

// Rescale converts ts from time base from to time base to, rounding to the
// nearest tick (halves away from zero) and clamping to the representable
// int64 range. NoTimestamp passes through unchanged. The intermediate
// product is computed exactly, so no precision is lost for any inputs.
func Rescale(ts int64, from, to Rational) int64 {
	if ts == NoTimestamp {
		return NoTimestamp
	}
	if from == to {
		return ts
	}
	num := new(big.Int).SetInt64(ts)
	num.Mul(num, big.NewInt(from.Num))
	num.Mul(num, big.NewInt(to.Den))
	den := new(big.Int).Mul(big.NewInt(from.Den), big.NewInt(to.Num))
	return clampInt64(divRoundNearest(num, den))
}

// RescaleFrac returns round(n * num / den) with the same rounding and
// clamping rules as Rescale. den must be non-zero.
func RescaleFrac(n, num, den int64) int64 {
	p := new(big.Int).Mul(big.NewInt(n), big.NewInt(num))
	return clampInt64(divRoundNearest(p, big.NewInt(den)))
}

// CompareTimestamps compares a (in time base tbA) with b (in time base tbB)
// exactly by cross-multiplication. It returns -1, 0 or +1.
func CompareTimestamps(a int64, tbA Rational, b int64, tbB Rational) int {
	l := new(big.Int).SetInt64(a)
	l.Mul(l, big.NewInt(tbA.Num))
	l.Mul(l, big.NewInt(tbB.Den))
	r := new(big.Int).SetInt64(b)
	r.Mul(r, big.NewInt(tbB.Num))
	r.Mul(r, big.NewInt(tbA.Den))
	return l.Cmp(r)
}

func divRoundNearest(num, den *big.Int) *big.Int {
	if den.Sign() < 0 {
		num = new(big.Int).Neg(num)
		den = new(big.Int).Neg(den)
	}
	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	twice := new(big.Int).Abs(rem)
	twice.Lsh(twice, 1)
	if twice.Cmp(den) >= 0 {
		if num.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

func clampInt64(v *big.Int) int64 {
	if v.Cmp(bigMaxInt64) > 0 {
		return math.MaxInt64
	}
	if v.Cmp(bigMinInt64) < 0 {
		return math.MinInt64 + 1
	}
	return v.Int64()
}
