package instrument

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "OptionLedger/internal/math"
	"OptionLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Decimals is the native precision of every instrument token amount.
const Decimals uint8 = 8

var (
	ErrInvalidSpec         = errors.New("invalid instrument spec")
	ErrProductNotAllowed   = errors.New("product not whitelisted")
	ErrExpiryInPast        = errors.New("expiry not in the future")
	ErrUnsupportedAsset    = errors.New("asset not registered")
	ErrCollateralMismatch  = errors.New("collateral must be underlying or strike asset")
	ErrPutNeedsStrikeAsset = errors.New("puts must be collateralized in the strike asset")
)

// Spec is the immutable definition of an option series.
type Spec struct {
	Underlying  common.Address `json:"underlying"`
	StrikeAsset common.Address `json:"strike_asset"`
	Collateral  common.Address `json:"collateral"`
	StrikePrice fpmath.Int     `json:"strike_price"`
	Expiry      uint64         `json:"expiry"`
	IsPut       bool           `json:"is_put"`
}

// Instrument is a created option series. ID is derived from the spec and is
// never reassigned.
type Instrument struct {
	ID common.Address `json:"id"`
	Spec
}

func (s Spec) Product() whitelist.Product {
	return whitelist.Product{
		Underlying:  s.Underlying,
		StrikeAsset: s.StrikeAsset,
		Collateral:  s.Collateral,
		IsPut:       s.IsPut,
	}
}

// IsExpired reports whether now is at or past the expiry.
func (s Spec) IsExpired(now uint64) bool {
	return now >= s.Expiry
}

// CollateralIsUnderlying is true for covered calls.
func (s Spec) CollateralIsUnderlying() bool {
	return s.Collateral == s.Underlying
}

func (s Spec) String() string {
	kind := "C"
	if s.IsPut {
		kind = "P"
	}
	return fmt.Sprintf("%s-%s-%d-%s%s", s.Underlying.Hex()[:8], s.StrikeAsset.Hex()[:8], s.Expiry, s.StrikePrice.String(), kind)
}

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	boolType, _    = abi.NewType("bool", "", nil)

	identityArgs = abi.Arguments{
		{Type: addressType},
		{Type: addressType},
		{Type: addressType},
		{Type: uint256Type},
		{Type: uint256Type},
		{Type: boolType},
	}
)

// Hash returns keccak256(abi.encode(underlying, strike, collateral,
// strikePrice, expiry, isPut)), with strikePrice in 1e18 fixed point.
func (s Spec) Hash() (common.Hash, error) {
	strike := s.StrikePrice.Raw()
	if strike.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("%w: negative strike", ErrInvalidSpec)
	}
	packed, err := identityArgs.Pack(
		s.Underlying,
		s.StrikeAsset,
		s.Collateral,
		strike,
		new(big.Int).SetUint64(s.Expiry),
		s.IsPut,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode instrument identity: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// ID returns the instrument address: the low 20 bytes of Hash.
func (s Spec) ID() (common.Address, error) {
	h, err := s.Hash()
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(h[12:]), nil
}
