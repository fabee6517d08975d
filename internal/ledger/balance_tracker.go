package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory account balances in native units.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyBatch applies all journals in a batch or none of them. User and
// pool accounts may not go negative.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	next := make(map[AccountKey]*big.Int)
	post := func(k AccountKey) *big.Int {
		if v, ok := next[k]; ok {
			return v
		}
		v := new(big.Int).Set(bt.GetBalance(k))
		next[k] = v
		return v
	}

	for _, j := range batch.Journals {
		post(j.DebitAccount).Add(post(j.DebitAccount), j.Amount)
		post(j.CreditAccount).Sub(post(j.CreditAccount), j.Amount)
	}

	for k, v := range next {
		if !k.IsExternal() && v.Sign() < 0 {
			return fmt.Errorf("%w: %s would be %s", ErrInsufficientBalance, k.AccountPath(), v.String())
		}
	}

	for k, v := range next {
		bt.balances[k] = v
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return v
	}
	return new(big.Int)
}

// BalanceOf returns an owner's wallet balance of token.
func (bt *BalanceTracker) BalanceOf(owner, token common.Address) *big.Int {
	return new(big.Int).Set(bt.GetBalance(WalletKey(owner, token)))
}

// PoolBalance returns the margin pool balance of token.
func (bt *BalanceTracker) PoolBalance(token common.Address) *big.Int {
	return new(big.Int).Set(bt.GetBalance(PoolKey(token)))
}

// TotalSupply returns the outstanding supply of an instrument token, i.e.
// everything minted and not yet burned.
func (bt *BalanceTracker) TotalSupply(instrument common.Address) *big.Int {
	return new(big.Int).Neg(bt.GetBalance(ExternalKey(SubTypeExternalIssuance, instrument)))
}

// ComputeGlobalBalance sums all account balances per token (0 for a
// zero-sum ledger).
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]*big.Int {
	totals := make(map[common.Address]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Token]
		if !ok {
			t = new(big.Int)
			totals[key.Token] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance.String())
	}
	return nil
}

// BalanceEntry is one non-zero account balance, used for snapshots.
type BalanceEntry struct {
	Account AccountKey `json:"account"`
	Amount  *big.Int   `json:"amount"`
}

// Export returns all non-zero balances ordered by account path.
func (bt *BalanceTracker) Export() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v.Sign() == 0 {
			continue
		}
		out = append(out, BalanceEntry{Account: k, Amount: new(big.Int).Set(v)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.AccountPath() < out[j].Account.AccountPath()
	})
	return out
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]*big.Int, len(entries))
	for _, e := range entries {
		bt.balances[e.Account] = new(big.Int).Set(e.Amount)
	}
}
