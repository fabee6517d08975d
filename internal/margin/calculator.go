package margin

import (
	"errors"
	"fmt"
	"math/big"

	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	fpmath "OptionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidVault      = errors.New("invalid vault structure")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrUnknownAsset      = errors.New("unknown asset")
)

// Instruments resolves instrument ids to their definitions.
type Instruments interface {
	Get(id common.Address) (*instrument.Instrument, bool)
}

// AssetDecimals resolves token decimals.
type AssetDecimals interface {
	Decimals(asset common.Address) (uint8, bool)
}

// Result is the outcome of an excess-collateral computation. Amounts are in
// units of the Collateral asset.
type Result struct {
	Collateral common.Address
	// Required is the collateral the vault must hold. After expiry it is the
	// net obligation and is negative when held longs are worth more than the
	// written shorts.
	Required fpmath.Int
	Excess   fpmath.Int
	// Native is Excess in native units, floored: a positive excess rounds
	// down and a deficit rounds away from zero.
	Native *big.Int
	Valid  bool
	// Reason explains an invalid vault; it wraps ErrInvalidVault.
	Reason error
}

// Calculator computes a vault's excess collateral from its positions, with
// intrinsic value at expiry or worst-case requirement before it.
type Calculator struct {
	instruments Instruments
	assets      AssetDecimals
}

func NewCalculator(instruments Instruments, assets AssetDecimals) *Calculator {
	return &Calculator{instruments: instruments, assets: assets}
}

type leg struct {
	inst   *instrument.Instrument
	amount fpmath.Int
}

type vaultState struct {
	short, long *leg
	collAsset   common.Address
	collAmount  fpmath.Int
	hasColl     bool
}

func invalid(format string, args ...interface{}) Result {
	return Result{
		Native: new(big.Int),
		Reason: fmt.Errorf("%w: %s", ErrInvalidVault, fmt.Sprintf(format, args...)),
	}
}

// ExcessCollateral returns collateral minus requirement. With expired=false
// prices may be nil. Structural problems yield Valid=false and no error;
// errors are reserved for missing prices, unknown ids and overflow.
func (c *Calculator) ExcessCollateral(v ledger.VaultSnapshot, expired bool, prices Prices) (Result, error) {
	shorts := live(v.Shorts)
	longs := live(v.Longs)
	colls := live(v.Collateral)

	switch {
	case len(shorts) > 1:
		return invalid("%d short instruments", len(shorts)), nil
	case len(longs) > 1:
		return invalid("%d long instruments", len(longs)), nil
	case len(colls) > 1:
		return invalid("%d collateral assets", len(colls)), nil
	}

	var st vaultState
	var err error
	if len(shorts) == 1 {
		if st.short, err = c.leg(shorts[0]); err != nil {
			return Result{}, err
		}
	}
	if len(longs) == 1 {
		if st.long, err = c.leg(longs[0]); err != nil {
			return Result{}, err
		}
	}

	ref := st.short
	if ref == nil {
		ref = st.long
	}

	if st.short != nil && st.long != nil {
		s, l := st.short.inst, st.long.inst
		if s.ID == l.ID {
			return invalid("long and short are the same instrument"), nil
		}
		if s.Product() != l.Product() {
			return invalid("long product differs from short"), nil
		}
		if s.Expiry != l.Expiry {
			return invalid("long expiry %d differs from short expiry %d", l.Expiry, s.Expiry), nil
		}
	}

	if len(colls) == 1 {
		st.hasColl = true
		st.collAsset = colls[0].Asset
		if ref != nil && st.collAsset != ref.inst.Collateral {
			return invalid("collateral %s does not match instrument collateral %s",
				st.collAsset.Hex(), ref.inst.Collateral.Hex()), nil
		}
	} else if ref != nil {
		st.collAsset = ref.inst.Collateral
	}

	if st.collAsset == (common.Address{}) {
		return Result{Valid: true, Required: fpmath.Zero(), Excess: fpmath.Zero(), Native: new(big.Int)}, nil
	}

	collDecimals, ok := c.assets.Decimals(st.collAsset)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAsset, st.collAsset.Hex())
	}
	st.collAmount = fpmath.Zero()
	if st.hasColl {
		if st.collAmount, err = fpmath.FromNative(colls[0].Amount, collDecimals); err != nil {
			return Result{}, err
		}
	}

	var required fpmath.Int
	switch {
	case ref == nil:
		required = fpmath.Zero()
	case expired:
		if required, err = c.expiredObligation(st, ref.inst, prices); err != nil {
			return Result{}, err
		}
	default:
		if required, err = requirement(st.short, st.long); err != nil {
			return Result{}, err
		}
	}

	excess, err := st.collAmount.Sub(required).Checked()
	if err != nil {
		return Result{}, err
	}
	if _, err := required.Checked(); err != nil {
		return Result{}, err
	}

	return Result{
		Collateral: st.collAsset,
		Required:   required,
		Excess:     excess,
		Native:     excess.ToNative(collDecimals, fpmath.RoundDown),
		Valid:      true,
	}, nil
}

func live(ps []ledger.Position) []ledger.Position {
	out := ps[:0:0]
	for _, p := range ps {
		if p.Amount != nil && p.Amount.Sign() > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (c *Calculator) leg(p ledger.Position) (*leg, error) {
	inst, ok := c.instruments.Get(p.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, p.Asset.Hex())
	}
	amount, err := fpmath.FromNative(p.Amount, instrument.Decimals)
	if err != nil {
		return nil, err
	}
	return &leg{inst: inst, amount: amount}, nil
}

// requirement is the pre-expiry collateral needed to cover the short in
// the worst case, net of the long hedge. Short terms round up and long
// credits round down.
func requirement(short, long *leg) (fpmath.Int, error) {
	if short == nil {
		return fpmath.Zero(), nil
	}

	s := short.inst
	longAmt := fpmath.Zero()
	longStrike := fpmath.Zero()
	if long != nil {
		longAmt = long.amount
		longStrike = long.inst.StrikePrice
	}

	switch {
	case s.IsPut:
		return putRequirement(short.amount, s.StrikePrice, longAmt, longStrike), nil
	case s.CollateralIsUnderlying():
		return callRequirementInUnderlying(short.amount, s.StrikePrice, longAmt, longStrike)
	default:
		return callRequirementInStrike(short.amount, s.StrikePrice, longAmt, longStrike), nil
	}
}

// putRequirement is max(shortAmt*Ks - Kl*min(shortAmt, longAmt), 0) in
// strike asset units.
func putRequirement(shortAmt, shortStrike, longAmt, longStrike fpmath.Int) fpmath.Int {
	covered := fpmath.Min(shortAmt, longAmt)
	need := shortAmt.MulUp(shortStrike).Sub(longStrike.Mul(covered))
	return fpmath.Max(need, fpmath.Zero())
}

// callRequirementInUnderlying is one underlying unit per naked call, or for
// a spread max((Kl-Ks)*shortAmt/Kl, max(shortAmt-longAmt, 0)).
func callRequirementInUnderlying(shortAmt, shortStrike, longAmt, longStrike fpmath.Int) (fpmath.Int, error) {
	if longAmt.IsZero() {
		return shortAmt, nil
	}
	unhedged := fpmath.Max(shortAmt.Sub(longAmt), fpmath.Zero())
	if longStrike.IsZero() {
		return unhedged, nil
	}
	spread, err := fpmath.MulDiv(longStrike.Sub(shortStrike), shortAmt, longStrike, fpmath.RoundUp)
	if err != nil {
		return fpmath.Int{}, err
	}
	return fpmath.Max(spread, unhedged), nil
}

// callRequirementInStrike is (shortAmt-covered)*Ks + covered*max(Kl-Ks, 0)
// in strike asset units.
func callRequirementInStrike(shortAmt, shortStrike, longAmt, longStrike fpmath.Int) fpmath.Int {
	covered := fpmath.Min(shortAmt, longAmt)
	naked := shortAmt.Sub(covered).MulUp(shortStrike)
	spread := covered.MulUp(fpmath.Max(longStrike.Sub(shortStrike), fpmath.Zero()))
	return naked.Add(spread)
}

// expiredObligation nets the short's intrinsic value against the long's,
// converted into collateral units.
func (c *Calculator) expiredObligation(st vaultState, ref *instrument.Instrument, prices Prices) (fpmath.Int, error) {
	net := fpmath.Zero()
	if st.short != nil {
		cash, err := CashValue(st.short.inst, prices, fpmath.RoundUp)
		if err != nil {
			return fpmath.Int{}, err
		}
		net = net.Add(cash.MulUp(st.short.amount))
	}
	if st.long != nil {
		cash, err := CashValue(st.long.inst, prices, fpmath.RoundDown)
		if err != nil {
			return fpmath.Int{}, err
		}
		net = net.Sub(cash.Mul(st.long.amount))
	}
	// Rounded toward +inf: obligations grow, credits shrink.
	return strikeToCollateral(net, ref, prices, fpmath.RoundUp)
}

// CashValue is the per-unit intrinsic value of inst at expiry, in strike
// asset units: max(S-K, 0) for calls and max(K-S, 0) for puts. mode is the
// rounding direction of the result: up for what a writer owes, down for
// what a holder is paid.
func CashValue(inst *instrument.Instrument, prices Prices, mode fpmath.RoundingMode) (fpmath.Int, error) {
	underlying, err := prices.get(inst.Underlying)
	if err != nil {
		return fpmath.Int{}, err
	}
	strikeAsset, err := prices.get(inst.StrikeAsset)
	if err != nil {
		return fpmath.Int{}, err
	}
	spotMode := mode
	if inst.IsPut {
		spotMode = mode.Opposite()
	}
	spot, err := underlying.DivRound(strikeAsset, spotMode)
	if err != nil {
		return fpmath.Int{}, err
	}

	var intrinsic fpmath.Int
	if inst.IsPut {
		intrinsic = inst.StrikePrice.Sub(spot)
	} else {
		intrinsic = spot.Sub(inst.StrikePrice)
	}
	return fpmath.Max(intrinsic, fpmath.Zero()), nil
}

func strikeToCollateral(amount fpmath.Int, inst *instrument.Instrument, prices Prices, mode fpmath.RoundingMode) (fpmath.Int, error) {
	if inst.Collateral == inst.StrikeAsset || amount.IsZero() {
		return amount, nil
	}
	strikePrice, err := prices.get(inst.StrikeAsset)
	if err != nil {
		return fpmath.Int{}, err
	}
	collPrice, err := prices.get(inst.Collateral)
	if err != nil {
		return fpmath.Int{}, err
	}
	return fpmath.MulDiv(amount, strikePrice, collPrice, mode)
}

// Payout is what a holder of amount (native units) of an expired
// instrument receives, in collateral units. It always rounds down.
func (c *Calculator) Payout(inst *instrument.Instrument, amount *big.Int, prices Prices) (fpmath.Int, *big.Int, error) {
	qty, err := fpmath.FromNative(amount, instrument.Decimals)
	if err != nil {
		return fpmath.Int{}, nil, err
	}
	cash, err := CashValue(inst, prices, fpmath.RoundDown)
	if err != nil {
		return fpmath.Int{}, nil, err
	}
	value, err := strikeToCollateral(cash.Mul(qty), inst, prices, fpmath.RoundDown)
	if err != nil {
		return fpmath.Int{}, nil, err
	}
	if value, err = value.Checked(); err != nil {
		return fpmath.Int{}, nil, err
	}

	decimals, ok := c.assets.Decimals(inst.Collateral)
	if !ok {
		return fpmath.Int{}, nil, fmt.Errorf("%w: %s", ErrUnknownAsset, inst.Collateral.Hex())
	}
	return value, value.ToNative(decimals, fpmath.RoundDown), nil
}
