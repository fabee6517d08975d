package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is balanced.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePoolNonNegative verifies the margin pool never owes more than it holds.
func (v *InvariantValidator) ValidatePoolNonNegative(token common.Address) error {
	return v.tracker.ValidateNonNegative(PoolKey(token))
}

// ValidateGlobalBalance verifies the ledger is zero-sum per token.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for token, total := range v.tracker.ComputeGlobalBalance() {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", token.Hex(), total.String())
		}
	}
	return nil
}
