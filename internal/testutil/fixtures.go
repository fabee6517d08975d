package testutil

import (
	"math/big"

	"OptionLedger/internal/instrument"
	fpmath "OptionLedger/internal/math"
	"OptionLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/common"
)

var (
	WETH = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	USDC = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

	Alice = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	Bob   = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
	Carol = common.HexToAddress("0x00000000000000000000000000000000000CA201")
)

// Expiry is the default expiry used by fixtures; Now is before it.
const (
	Now    uint64 = 1_700_000_000
	Expiry uint64 = 1_700_006_400
)

// Assets returns a registry with WETH (18) and USDC (6).
func Assets() *whitelist.AssetRegistry {
	return whitelist.NewAssetRegistry(
		whitelist.Asset{Symbol: "WETH", Address: WETH, Decimals: 18},
		whitelist.Asset{Symbol: "USDC", Address: USDC, Decimals: 6},
	)
}

// Whitelist allows WETH puts in USDC, and WETH calls in WETH or USDC.
func Whitelist() *whitelist.Static {
	wl := whitelist.NewStatic()
	wl.AllowProduct(whitelist.Product{Underlying: WETH, StrikeAsset: USDC, Collateral: USDC, IsPut: true})
	wl.AllowProduct(whitelist.Product{Underlying: WETH, StrikeAsset: USDC, Collateral: WETH})
	wl.AllowProduct(whitelist.Product{Underlying: WETH, StrikeAsset: USDC, Collateral: USDC})
	return wl
}

func PutSpec(strike string, expiry uint64) instrument.Spec {
	return instrument.Spec{
		Underlying:  WETH,
		StrikeAsset: USDC,
		Collateral:  USDC,
		StrikePrice: fpmath.MustParseDecimal(strike),
		Expiry:      expiry,
		IsPut:       true,
	}
}

// CallSpec is a WETH call collateralized in WETH.
func CallSpec(strike string, expiry uint64) instrument.Spec {
	return instrument.Spec{
		Underlying:  WETH,
		StrikeAsset: USDC,
		Collateral:  WETH,
		StrikePrice: fpmath.MustParseDecimal(strike),
		Expiry:      expiry,
	}
}

// CashCallSpec is a WETH call collateralized in USDC.
func CashCallSpec(strike string, expiry uint64) instrument.Spec {
	s := CallSpec(strike, expiry)
	s.Collateral = USDC
	return s
}

// Instrument builds an instrument without a registry.
func Instrument(spec instrument.Spec) *instrument.Instrument {
	id, err := spec.ID()
	if err != nil {
		panic(err)
	}
	return &instrument.Instrument{ID: id, Spec: spec}
}

// Options converts a human option count into 8-decimal native units.
func Options(s string) *big.Int {
	return native(s, instrument.Decimals)
}

func USDCAmount(s string) *big.Int {
	return native(s, 6)
}

func WETHAmount(s string) *big.Int {
	return native(s, 18)
}

func native(s string, decimals uint8) *big.Int {
	v, err := fpmath.NativeFromDecimal(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}
