package event

import (
	"github.com/ethereum/go-ethereum/common"
)

// Action kinds as they appear on the wire and in the event log.
const (
	KindOpenVault          = "open_vault"
	KindMintShortOption    = "mint_short_option"
	KindBurnShortOption    = "burn_short_option"
	KindDepositLongOption  = "deposit_long_option"
	KindWithdrawLongOption = "withdraw_long_option"
	KindDepositCollateral  = "deposit_collateral"
	KindWithdrawCollateral = "withdraw_collateral"
	KindSettleVault        = "settle_vault"
	KindRedeem             = "redeem"
)

// ActionRecord is the flat encoding of one operate action.
//
// Asset is the instrument id for option actions and the collateral token for
// collateral actions. Counterparty is the from/to/receiver address,
// depending on the kind. Amount is a decimal string in native units.
type ActionRecord struct {
	Kind         string         `json:"kind"`
	Owner        common.Address `json:"owner"`
	VaultID      uint64         `json:"vault_id,omitempty"`
	VaultType    uint8          `json:"vault_type,omitempty"`
	Asset        common.Address `json:"asset"`
	Amount       string         `json:"amount,omitempty"`
	Counterparty common.Address `json:"counterparty"`
}

// PayoutRecord is a settlement or redemption payout produced by a batch.
type PayoutRecord struct {
	Index     int            `json:"index"`
	Kind      string         `json:"kind"`
	Recipient common.Address `json:"recipient"`
	Asset     common.Address `json:"asset"`
	Amount    string         `json:"amount"`
}

type VaultRef struct {
	Owner   common.Address `json:"owner"`
	VaultID uint64         `json:"vault_id"`
}

// BatchApplied is emitted once per committed operate batch.
type BatchApplied struct {
	Actions []ActionRecord `json:"actions"`
	Payouts []PayoutRecord `json:"payouts,omitempty"`
	Vaults  []VaultRef     `json:"vaults,omitempty"`
}

func (b *BatchApplied) EventType() EventType {
	return EventTypeBatchApplied
}
