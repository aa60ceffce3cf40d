package fixed

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	cloneerr "cloneprotocol/core/errors"
)

const (
	// MaxScale is the largest number of fractional digits a value may carry.
	MaxScale = 28
	// MantissaBits bounds the magnitude of the unscaled integer.
	MantissaBits = 96

	// CloneScale is the canonical scale of onAsset amounts and oracle prices.
	CloneScale = 8
	// BPSScale is the scale used for basis point rates.
	BPSScale = 4
	// PCTScale is the scale used for percentages and ratios.
	PCTScale = 2
)

var (
	bigTen      = big.NewInt(10)
	maxMantissa = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), MantissaBits), big.NewInt(1))
)

// Decimal is a signed fixed-point value: an unscaled integer of at most 96
// bits together with a scale in [0, 28]. The zero value is 0 at scale 0.
//
// Arithmetic is exact until a result no longer fits, at which point
// fractional digits are dropped toward zero. Results whose integer part
// exceeds the mantissa fail with CheckedMathError.
type Decimal struct {
	v decimal.Decimal
}

// New returns mantissa × 10^-scale.
func New(mantissa int64, scale uint32) Decimal {
	return Decimal{v: decimal.New(mantissa, -int32(scale))}
}

// NewFromBig returns mantissa × 10^-scale. The mantissa is copied.
func NewFromBig(mantissa *big.Int, scale uint32) Decimal {
	if mantissa == nil {
		return Zero(scale)
	}
	return Decimal{v: decimal.NewFromBigInt(new(big.Int).Set(mantissa), -int32(scale))}
}

// NewFromUint64 returns mantissa × 10^-scale.
func NewFromUint64(mantissa uint64, scale uint32) Decimal {
	return NewFromBig(new(big.Int).SetUint64(mantissa), scale)
}

// Zero returns 0 carried at the given scale.
func Zero(scale uint32) Decimal {
	return New(0, scale)
}

// FromBPS converts a basis-point rate (e.g. 30 for 0.30%) into a ratio.
func FromBPS(bps uint16) Decimal {
	return New(int64(bps), BPSScale)
}

// FromPCT converts a percentage expressed in hundredths into a ratio; 150
// yields 1.50.
func FromPCT(pct uint64) Decimal {
	return NewFromUint64(pct, PCTScale)
}

// FromString parses a plain decimal literal such as "-12.3400".
func FromString(raw string) (Decimal, error) {
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return Decimal{}, fmt.Errorf("fixed: parse %q: %w", raw, err)
	}
	return fit(parsed)
}

// MustFromString is FromString for constants known to be valid.
func MustFromString(raw string) Decimal {
	d, err := FromString(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// fit normalises an arbitrary precision value into the 96-bit / 28-digit
// envelope, truncating fractional digits toward zero until the mantissa fits.
func fit(v decimal.Decimal) (Decimal, error) {
	coef := v.Coefficient()
	exp := v.Exponent()
	if exp > 0 {
		coef.Mul(coef, pow10(uint32(exp)))
		exp = 0
	}
	scale := uint32(-exp)
	if scale > MaxScale {
		coef.Quo(coef, pow10(scale-MaxScale))
		scale = MaxScale
	}
	for scale > 0 && exceeds(coef) {
		coef.Quo(coef, bigTen)
		scale--
	}
	if exceeds(coef) {
		return Decimal{}, cloneerr.ErrCheckedMath
	}
	return Decimal{v: decimal.NewFromBigInt(coef, -int32(scale))}, nil
}

func exceeds(coef *big.Int) bool {
	return new(big.Int).Abs(coef).Cmp(maxMantissa) > 0
}

func pow10(n uint32) *big.Int {
	return new(big.Int).Exp(bigTen, big.NewInt(int64(n)), nil)
}

// Scale reports the number of fractional digits.
func (d Decimal) Scale() uint32 {
	exp := d.v.Exponent()
	if exp >= 0 {
		return 0
	}
	return uint32(-exp)
}

// Mantissa returns a copy of the unscaled integer at the current scale.
func (d Decimal) Mantissa() *big.Int {
	coef := d.v.Coefficient()
	if exp := d.v.Exponent(); exp > 0 {
		coef.Mul(coef, pow10(uint32(exp)))
	}
	return coef
}

// Rescale moves d to the given scale. Reducing the scale drops digits toward
// zero, for negative values as well; increasing it pads with zeros.
func (d Decimal) Rescale(scale uint32) Decimal {
	coef := d.Mantissa()
	current := d.Scale()
	switch {
	case scale > current:
		coef.Mul(coef, pow10(scale-current))
	case scale < current:
		coef.Quo(coef, pow10(current-scale))
	}
	return Decimal{v: decimal.NewFromBigInt(coef, -int32(scale))}
}

// RescaleTowardZero is Rescale under its protocol name.
func (d Decimal) RescaleTowardZero(scale uint32) Decimal {
	return d.Rescale(scale)
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) (Decimal, error) {
	return fit(d.v.Add(o.v))
}

// Sub returns d - o.
func (d Decimal) Sub(o Decimal) (Decimal, error) {
	return fit(d.v.Sub(o.v))
}

// Mul returns d × o.
func (d Decimal) Mul(o Decimal) (Decimal, error) {
	return fit(d.v.Mul(o.v))
}

// Div returns d / o carrying as many fractional digits as fit, truncated
// toward zero. Division by zero fails with CheckedMathError.
func (d Decimal) Div(o Decimal) (Decimal, error) {
	if o.v.IsZero() {
		return Decimal{}, cloneerr.ErrCheckedMath
	}
	q, _ := d.v.QuoRem(o.v, MaxScale)
	return fit(q)
}

// Pow raises d to a non-negative integer power with checked multiplication.
func (d Decimal) Pow(n uint32) (Decimal, error) {
	result := New(1, 0)
	base := d
	for n > 0 {
		var err error
		if n&1 == 1 {
			if result, err = result.Mul(base); err != nil {
				return Decimal{}, err
			}
		}
		n >>= 1
		if n > 0 {
			if base, err = base.Mul(base); err != nil {
				return Decimal{}, err
			}
		}
	}
	return result, nil
}

// Sqrt returns the square root of d at d's scale, truncated toward zero.
func (d Decimal) Sqrt() (Decimal, error) {
	if d.IsNegative() {
		return Decimal{}, cloneerr.ErrCheckedMath
	}
	scale := d.Scale()
	widened := new(big.Int).Mul(d.Mantissa(), pow10(scale))
	return fit(decimal.NewFromBigInt(new(big.Int).Sqrt(widened), -int32(scale)))
}

// Cmp compares d and o by value regardless of scale.
func (d Decimal) Cmp(o Decimal) int { return d.v.Cmp(o.v) }

// Equal reports value equality regardless of scale.
func (d Decimal) Equal(o Decimal) bool { return d.v.Equal(o.v) }

// Identical reports equality of both value and scale, the stored form.
func (d Decimal) Identical(o Decimal) bool {
	return d.Scale() == o.Scale() && d.Mantissa().Cmp(o.Mantissa()) == 0
}

func (d Decimal) Sign() int { return d.v.Sign() }
func (d Decimal) IsZero() bool { return d.v.IsZero() }
func (d Decimal) IsPositive() bool { return d.v.IsPositive() }
func (d Decimal) IsNegative() bool { return d.v.IsNegative() }
func (d Decimal) LessThan(o Decimal) bool { return d.v.LessThan(o.v) }
func (d Decimal) GreaterThan(o Decimal) bool { return d.v.GreaterThan(o.v) }

// Abs returns |d| at d's scale.
func (d Decimal) Abs() Decimal { return Decimal{v: d.v.Abs()} }

// Neg returns -d at d's scale.
func (d Decimal) Neg() Decimal { return Decimal{v: d.v.Neg()} }

// Min returns the smaller of a and b.
func Min(a, b Decimal) Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Decimal) Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// ClampZero returns d when positive and 0 at d's scale otherwise.
func (d Decimal) ClampZero() Decimal {
	if d.IsPositive() {
		return d
	}
	return Zero(d.Scale())
}

// Float64 returns the nearest float64. Only for gauges and display.
func (d Decimal) Float64() float64 {
	f, _ := d.v.Float64()
	return f
}

// String renders d with exactly Scale() fractional digits.
func (d Decimal) String() string {
	return d.v.StringFixed(int32(d.Scale()))
}

// MarshalText implements encoding.TextMarshaler.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decimal) UnmarshalText(text []byte) error {
	parsed, err := FromString(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
