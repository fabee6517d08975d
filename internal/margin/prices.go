package margin

import (
	"context"
	"errors"
	"fmt"

	"OptionLedger/internal/instrument"
	fpmath "OptionLedger/internal/math"
	"OptionLedger/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrPriceNotFinalized = errors.New("price not finalized")
	ErrPriceMissing      = errors.New("price missing")
	ErrInvalidPrice      = errors.New("price must be positive")
)

// Prices holds finalized settlement prices at a single expiry, keyed by asset.
type Prices map[common.Address]fpmath.Int

func (p Prices) get(asset common.Address) (fpmath.Int, error) {
	v, ok := p[asset]
	if !ok {
		return fpmath.Int{}, fmt.Errorf("%w: %s", ErrPriceMissing, asset.Hex())
	}
	if v.Sign() <= 0 {
		return fpmath.Int{}, fmt.Errorf("%w: %s", ErrInvalidPrice, asset.Hex())
	}
	return v, nil
}

// PricedAssets lists the assets whose prices settle inst.
func PricedAssets(inst *instrument.Instrument) []common.Address {
	assets := []common.Address{inst.Underlying, inst.StrikeAsset}
	if inst.Collateral != inst.Underlying && inst.Collateral != inst.StrikeAsset {
		assets = append(assets, inst.Collateral)
	}
	return assets
}

// ResolvePrices fetches finalized prices for inst at its expiry. Any
// missing, unfinalized or non-positive price is an error.
func ResolvePrices(ctx context.Context, gw oracle.Gateway, inst *instrument.Instrument) (Prices, error) {
	prices := make(Prices, 3)
	for _, asset := range PricedAssets(inst) {
		p, err := gw.Price(ctx, asset, inst.Expiry)
		if err != nil {
			if errors.Is(err, oracle.ErrPriceNotFound) {
				return nil, fmt.Errorf("%w: %v", ErrPriceNotFinalized, err)
			}
			return nil, err
		}
		if !p.Finalized {
			return nil, fmt.Errorf("%w: %s at %d", ErrPriceNotFinalized, asset.Hex(), inst.Expiry)
		}
		if p.Value.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %s at %d", ErrInvalidPrice, asset.Hex(), inst.Expiry)
		}
		prices[asset] = p.Value
	}
	return prices, nil
}
