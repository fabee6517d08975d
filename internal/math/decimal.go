package math

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimal parses a human decimal such as "300" or "0.25" into the
// internal base. Digits beyond 18 decimal places are floored.
func ParseDecimal(s string) (Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Int{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return FromRaw(d.Shift(int32(BaseDecimals)).Floor().BigInt())
}

// MustParseDecimal is ParseDecimal for constants and tests.
func MustParseDecimal(s string) Int {
	v, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Decimal returns the value as a shopspring decimal.
func (a Int) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.raw(), -int32(BaseDecimals))
}

func (a Int) String() string {
	return a.Decimal().String()
}

func (a Int) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Int) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := ParseDecimal(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseNative parses a base-10 token amount in native units.
func ParseNative(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("parse native amount %q: invalid integer", s)
	}
	if v.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if v.Cmp(MaxUint256) > 0 {
		return nil, fmt.Errorf("native amount %q: %w", s, ErrOverflow)
	}
	return v, nil
}

// NativeFromDecimal converts a human amount ("2.5") into native units for a
// token with the given decimals, flooring extra digits.
func NativeFromDecimal(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	return d.Shift(int32(decimals)).Floor().BigInt(), nil
}

// FormatNative renders a native amount as a human decimal.
func FormatNative(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
