// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// BaseDecimals is the precision of every internal fixed-point value.
const BaseDecimals uint8 = 18

var (
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrDivisionByZero = errors.New("division by zero")
	ErrNegativeAmount = errors.New("negative native amount")
)

var (
	base = pow10(BaseDecimals)

	// Signed 256-bit bounds for internal values.
	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))

	// MaxUint256 bounds native token amounts.
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota // toward negative infinity
	RoundUp                       // toward positive infinity
)

// Opposite is the mode for a quantity that enters a result with a minus
// sign.
func (m RoundingMode) Opposite() RoundingMode {
	if m == RoundUp {
		return RoundDown
	}
	return RoundUp
}

func (m RoundingMode) String() string {
	if m == RoundUp {
		return "up"
	}
	return "down"
}

// scratch pool for remainders in rounding divisions
var scratchPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getScratch() *big.Int {
	return scratchPool.Get().(*big.Int)
}

func putScratch(v *big.Int) {
	v.SetInt64(0)
	scratchPool.Put(v)
}

// Int is a signed fixed-point number scaled by 10^18. The zero value is 0.
// Values are immutable; every operation returns a fresh Int.
type Int struct {
	v *big.Int
}

func (a Int) raw() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

func Zero() Int {
	return Int{v: new(big.Int)}
}

// One returns 1.0.
func One() Int {
	return Int{v: new(big.Int).Set(base)}
}

// FromRaw wraps an already-scaled integer.
func FromRaw(raw *big.Int) (Int, error) {
	out := Int{v: new(big.Int).Set(raw)}
	if !out.InRange() {
		return Int{}, fmt.Errorf("raw value %s: %w", raw.String(), ErrOverflow)
	}
	return out, nil
}

// MustFromRaw panics if raw is outside the signed 256-bit range.
func MustFromRaw(raw *big.Int) Int {
	out, err := FromRaw(raw)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	return out
}

// FromInt64 returns n as a whole-unit value (n * 10^18).
func FromInt64(n int64) Int {
	v := big.NewInt(n)
	return Int{v: v.Mul(v, base)}
}

// FromNative scales a token amount with the given decimals into the internal
// base. Decimals above 18 lose precision by truncation.
func FromNative(amount *big.Int, decimals uint8) (Int, error) {
	if amount == nil {
		return Zero(), nil
	}
	if amount.Sign() < 0 {
		return Int{}, ErrNegativeAmount
	}
	if amount.Cmp(MaxUint256) > 0 {
		return Int{}, fmt.Errorf("native amount %s: %w", amount.String(), ErrOverflow)
	}

	v := new(big.Int).Set(amount)
	switch {
	case decimals < BaseDecimals:
		v.Mul(v, pow10(BaseDecimals-decimals))
	case decimals > BaseDecimals:
		v.Quo(v, pow10(decimals-BaseDecimals))
	}
	return Int{v: v}, nil
}

// ToNative scales the value into a token's native decimals. For decimals
// below 18 the dropped digits are rounded per mode.
func (a Int) ToNative(decimals uint8, mode RoundingMode) *big.Int {
	v := a.raw()
	switch {
	case decimals < BaseDecimals:
		return divRound(v, pow10(BaseDecimals-decimals), mode)
	case decimals > BaseDecimals:
		return new(big.Int).Mul(v, pow10(decimals-BaseDecimals))
	default:
		return new(big.Int).Set(v)
	}
}

// Raw returns a copy of the scaled integer.
func (a Int) Raw() *big.Int {
	return new(big.Int).Set(a.raw())
}

func (a Int) Add(b Int) Int {
	return Int{v: new(big.Int).Add(a.raw(), b.raw())}
}

func (a Int) Sub(b Int) Int {
	return Int{v: new(big.Int).Sub(a.raw(), b.raw())}
}

func (a Int) Neg() Int {
	return Int{v: new(big.Int).Neg(a.raw())}
}

// Mul returns a*b rounded toward negative infinity.
func (a Int) Mul(b Int) Int {
	return a.MulRound(b, RoundDown)
}

// MulUp returns a*b rounded toward positive infinity.
func (a Int) MulUp(b Int) Int {
	return a.MulRound(b, RoundUp)
}

func (a Int) MulRound(b Int, mode RoundingMode) Int {
	p := new(big.Int).Mul(a.raw(), b.raw())
	return Int{v: divRound(p, base, mode)}
}

// Div returns a/b rounded toward negative infinity.
func (a Int) Div(b Int) (Int, error) {
	return a.DivRound(b, RoundDown)
}

// DivUp returns a/b rounded toward positive infinity.
func (a Int) DivUp(b Int) (Int, error) {
	return a.DivRound(b, RoundUp)
}

func (a Int) DivRound(b Int, mode RoundingMode) (Int, error) {
	if b.IsZero() {
		return Int{}, ErrDivisionByZero
	}
	n := new(big.Int).Mul(a.raw(), base)
	return Int{v: divRound(n, b.raw(), mode)}, nil
}

// MulDiv computes a*b/c with a single rounding step.
func MulDiv(a, b, c Int, mode RoundingMode) (Int, error) {
	if c.IsZero() {
		return Int{}, ErrDivisionByZero
	}
	n := new(big.Int).Mul(a.raw(), b.raw())
	return Int{v: divRound(n, c.raw(), mode)}, nil
}

func (a Int) Cmp(b Int) int {
	return a.raw().Cmp(b.raw())
}

func (a Int) Sign() int {
	return a.raw().Sign()
}

func (a Int) IsZero() bool {
	return a.Sign() == 0
}

func (a Int) IsNeg() bool {
	return a.Sign() < 0
}

// InRange reports whether the value fits a signed 256-bit integer.
func (a Int) InRange() bool {
	v := a.raw()
	return v.Cmp(maxInt256) <= 0 && v.Cmp(minInt256) >= 0
}

// Checked returns ErrOverflow if the value left the signed 256-bit range.
func (a Int) Checked() (Int, error) {
	if !a.InRange() {
		return Int{}, ErrOverflow
	}
	return a, nil
}

func Min(a, b Int) Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b Int) Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// divRound divides n by d (d != 0) rounding per mode.
func divRound(n, d *big.Int, mode RoundingMode) *big.Int {
	q := new(big.Int)
	r := getScratch()
	defer putScratch(r)

	q.QuoRem(n, d, r)
	if r.Sign() == 0 {
		return q
	}

	// QuoRem truncates toward zero, so the true quotient lies between q and
	// q+sign(n*d).
	positive := (n.Sign() > 0) == (d.Sign() > 0)
	switch mode {
	case RoundUp:
		if positive {
			q.Add(q, big.NewInt(1))
		}
	default:
		if !positive {
			q.Sub(q, big.NewInt(1))
		}
	}
	return q
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
