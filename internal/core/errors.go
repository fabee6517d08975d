package core

import (
	"errors"
	"fmt"

	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/margin"
	fpmath "OptionLedger/internal/math"
)

var (
	ErrInvalidVaultStructure  = margin.ErrInvalidVault
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInstrumentNotExpired   = errors.New("instrument not expired")
	ErrInstrumentExpired      = errors.New("instrument expired")
	ErrPriceNotFinalized      = margin.ErrPriceNotFinalized
	ErrUnauthorized           = errors.New("unauthorized")
	ErrArithmeticOverflow     = fpmath.ErrOverflow

	ErrVaultNotFound        = errors.New("vault not found")
	ErrInvalidVaultID       = errors.New("invalid vault id")
	ErrVaultConfigConflict  = errors.New("vault already open with a different type")
	ErrUnsupportedVaultType = errors.New("unsupported vault type")
	ErrInsufficientBalance  = ledger.ErrInsufficientBalance
	ErrPoolShortfall        = errors.New("margin pool cannot cover payout")
	ErrInsufficientPosition = ledger.ErrInsufficientSlot
	ErrTooManyAssets        = ledger.ErrSlotsFull
	ErrCollateralNotAllowed = errors.New("collateral asset not allowed")
	ErrProductNotAllowed    = instrument.ErrProductNotAllowed
	ErrUnknownInstrument    = margin.ErrUnknownInstrument
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidAddress       = errors.New("address must be non-zero")
	ErrDuplicateBatch       = errors.New("batch already processed")
	ErrEmptyBatch           = errors.New("batch has no actions")
	ErrStaleTimestamp       = errors.New("batch timestamp behind last committed batch")
)

// ActionError identifies the action that caused a batch to be rejected.
type ActionError struct {
	Index int
	Kind  ActionKind
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// errorKinds orders the classification used for metrics labels and API
// status mapping; the first match wins.
var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrDuplicateBatch, "duplicate"},
	{ErrStaleTimestamp, "stale_timestamp"},
	{ErrEmptyBatch, "empty_batch"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidVaultStructure, "invalid_vault_structure"},
	{ErrInsufficientCollateral, "insufficient_collateral"},
	{ErrInstrumentNotExpired, "instrument_not_expired"},
	{ErrInstrumentExpired, "instrument_expired"},
	{ErrPriceNotFinalized, "price_not_finalized"},
	{margin.ErrInvalidPrice, "invalid_price"},
	{ErrArithmeticOverflow, "arithmetic_overflow"},
	{fpmath.ErrDivisionByZero, "arithmetic_overflow"},
	{ErrVaultNotFound, "vault_not_found"},
	{ErrInvalidVaultID, "invalid_vault_id"},
	{ErrVaultConfigConflict, "vault_config_conflict"},
	{ErrUnsupportedVaultType, "unsupported_vault_type"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrPoolShortfall, "pool_shortfall"},
	{ErrInsufficientPosition, "insufficient_position"},
	{ErrTooManyAssets, "too_many_assets"},
	{ErrCollateralNotAllowed, "collateral_not_allowed"},
	{ErrProductNotAllowed, "product_not_allowed"},
	{ErrUnknownInstrument, "unknown_instrument"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidAddress, "invalid_address"},
	{instrument.ErrUnsupportedAsset, "unsupported_asset"},
	{instrument.ErrInvalidSpec, "invalid_instrument"},
	{instrument.ErrExpiryInPast, "invalid_instrument"},
	{instrument.ErrCollateralMismatch, "invalid_instrument"},
	{instrument.ErrPutNeedsStrikeAsset, "invalid_instrument"},
}

// ErrorKind returns a short stable label for err, or "internal".
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
