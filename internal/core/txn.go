package core

import (
	"context"
	"fmt"
	"math/big"

	"OptionLedger/internal/event"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/margin"
	fpmath "OptionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// txn stages one batch. Vaults are cloned on first touch and token moves
// accumulate in the journal generator; nothing reaches the engine state
// until commit.
type txn struct {
	e     *Engine
	batch Batch
	gen   *ledger.JournalGenerator

	vaults    map[ledger.VaultKey]*ledger.Vault
	order     []ledger.VaultKey
	lastTouch map[ledger.VaultKey]int
	counters  map[common.Address]uint64
	prices    map[common.Address]margin.Prices

	payouts []Payout
}

func (e *Engine) begin(b Batch) *txn {
	return &txn{
		e:         e,
		batch:     b,
		gen:       ledger.NewJournalGenerator(b.ID, e.sequence, int64(b.Timestamp)),
		vaults:    make(map[ledger.VaultKey]*ledger.Vault),
		lastTouch: make(map[ledger.VaultKey]int),
		counters:  make(map[common.Address]uint64),
		prices:    make(map[common.Address]margin.Prices),
	}
}

func (tx *txn) apply(ctx context.Context, i int, a Action) error {
	switch a := a.(type) {
	case OpenVault:
		return tx.openVault(i, a)
	case MintShortOption:
		return tx.mintShort(i, a)
	case BurnShortOption:
		return tx.burnShort(i, a)
	case DepositLongOption:
		return tx.depositLong(i, a)
	case WithdrawLongOption:
		return tx.withdrawLong(i, a)
	case DepositCollateral:
		return tx.depositCollateral(i, a)
	case WithdrawCollateral:
		return tx.withdrawCollateral(i, a)
	case SettleVault:
		return tx.settleVault(ctx, i, a)
	case Redeem:
		return tx.redeem(ctx, i, a)
	default:
		return fmt.Errorf("unsupported action %T", a)
	}
}

func (tx *txn) now() uint64 {
	return tx.batch.Timestamp
}

func (tx *txn) authorize(owner common.Address) error {
	if owner == (common.Address{}) {
		return fmt.Errorf("%w: owner", ErrInvalidAddress)
	}
	if !tx.e.operators.IsAuthorized(tx.batch.Actor, owner) {
		return fmt.Errorf("%w: %s is not an operator of %s", ErrUnauthorized, tx.batch.Actor.Hex(), owner.Hex())
	}
	return nil
}

// checkFrom requires tokens to come from the actor or the vault owner.
func (tx *txn) checkFrom(owner, from common.Address) error {
	if from != tx.batch.Actor && from != owner {
		return fmt.Errorf("%w: cannot pull from %s", ErrUnauthorized, from.Hex())
	}
	return nil
}

func orDefault(addr, fallback common.Address) common.Address {
	if addr == (common.Address{}) {
		return fallback
	}
	return addr
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(fpmath.MaxUint256) > 0 {
		return fmt.Errorf("%w: amount %s", ErrArithmeticOverflow, amount)
	}
	return nil
}

func (tx *txn) count(owner common.Address) uint64 {
	if c, ok := tx.counters[owner]; ok {
		return c
	}
	return tx.e.vaults.Count(owner)
}

func (tx *txn) stage(v *ledger.Vault, index int) {
	key := v.Key()
	if _, ok := tx.vaults[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.vaults[key] = v
	tx.lastTouch[key] = index
}

// vault returns the staged copy of a vault, cloning the committed one on
// first access.
func (tx *txn) vault(owner common.Address, id uint64, index int) (*ledger.Vault, error) {
	key := ledger.VaultKey{Owner: owner, ID: id}
	if v, ok := tx.vaults[key]; ok {
		tx.lastTouch[key] = index
		return v, nil
	}
	committed, ok := tx.e.vaults.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, key)
	}
	v := committed.Clone()
	tx.stage(v, index)
	return v, nil
}

// staged returns the staged vaults in first-touch order.
func (tx *txn) staged() []*ledger.Vault {
	out := make([]*ledger.Vault, 0, len(tx.order))
	for _, k := range tx.order {
		out = append(out, tx.vaults[k])
	}
	return out
}

func (tx *txn) instrument(id common.Address) (*instrument.Instrument, error) {
	inst, ok := tx.e.instruments.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, id.Hex())
	}
	return inst, nil
}

// liveInstrument resolves an instrument that must not have expired and
// whose product is still whitelisted.
func (tx *txn) liveInstrument(id common.Address) (*instrument.Instrument, error) {
	inst, err := tx.instrument(id)
	if err != nil {
		return nil, err
	}
	if inst.IsExpired(tx.now()) {
		return nil, fmt.Errorf("%w: %s expired at %d", ErrInstrumentExpired, id.Hex(), inst.Expiry)
	}
	if !tx.e.whitelist.IsAllowedProduct(inst.Product()) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotAllowed, inst.Product())
	}
	return inst, nil
}

// balance is the committed wallet balance plus the batch's pending moves.
func (tx *txn) balance(owner, token common.Address) *big.Int {
	b := tx.e.balances.BalanceOf(owner, token)
	return b.Add(b, tx.gen.Delta(ledger.WalletKey(owner, token)))
}

func (tx *txn) requireBalance(owner, token common.Address, amount *big.Int) error {
	if have := tx.balance(owner, token); have.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s",
			ErrInsufficientBalance, owner.Hex(), have, token.Hex(), amount)
	}
	return nil
}

// requirePool fails when the margin pool for token, including this batch's
// pending journals, holds less than amount.
func (tx *txn) requirePool(token common.Address, amount *big.Int) error {
	have := tx.e.balances.PoolBalance(token)
	have.Add(have, tx.gen.Delta(ledger.PoolKey(token)))
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("%w: pool holds %s of %s, payout is %s",
			ErrPoolShortfall, have, token.Hex(), amount)
	}
	return nil
}

func (tx *txn) resolvePrices(ctx context.Context, inst *instrument.Instrument) (margin.Prices, error) {
	if p, ok := tx.prices[inst.ID]; ok {
		return p, nil
	}
	p, err := margin.ResolvePrices(ctx, tx.e.oracle, inst)
	if err != nil {
		return nil, err
	}
	tx.prices[inst.ID] = p
	return p, nil
}

// --- Vault actions ---

func (tx *txn) openVault(i int, a OpenVault) error {
	if err := tx.authorize(a.Owner); err != nil {
		return err
	}
	count := tx.count(a.Owner)
	switch {
	case a.VaultID == 0 || a.VaultID > count+1:
		return fmt.Errorf("%w: %d, next is %d", ErrInvalidVaultID, a.VaultID, count+1)
	case a.VaultID <= count:
		v, err := tx.vault(a.Owner, a.VaultID, i)
		if err != nil {
			return err
		}
		if v.Type != a.VaultType {
			return fmt.Errorf("%w: vault %d has type %d", ErrVaultConfigConflict, a.VaultID, v.Type)
		}
		return nil
	}

	if a.VaultType != ledger.VaultTypeFullyCollateralized {
		return fmt.Errorf("%w: %d", ErrUnsupportedVaultType, a.VaultType)
	}
	tx.stage(ledger.NewVault(a.Owner, a.VaultID, a.VaultType), i)
	tx.counters[a.Owner] = a.VaultID
	return nil
}

func (tx *txn) mintShort(i int, a MintShortOption) error {
	if err := tx.authorize(a.Owner); err != nil {
		return err
	}
	if err := checkAmount(a.Amount); err != nil {
		return err
	}
	inst, err := tx.liveInstrument(a.Instrument)
	if err != nil {
		return err
	}
	v, err := tx.vault(a.Owner, a.VaultID, i)
	if err != nil {
		return err
	}
	if err := v.Shorts.Add(inst.ID, a.Amount); err != nil {
		return err
	}
	tx.gen.MintShort(orDefault(a.To, a.Owner), inst.ID, a.Amount)
	return nil
}

func (tx *txn) burnShort(i int, a BurnShortOption) error {
	if err := tx.authorize(a.Owner); err != nil {
		return err
	}
	if err := checkAmount(a.Amount); err != nil {
		return err
	}
	from := orDefault(a.From, tx.batch.Actor)
	if err := tx.checkFrom(a.Owner, from); err != nil {
		return err
	}
	inst, err := tx.instrument(a.Instrument)
	if err != nil {
		return err
	}
	if inst.IsExpired(tx.now()) {
		return fmt.Errorf("%w: cannot burn %s after expiry", ErrInstrumentExpired, inst.ID.Hex())
	}
	v, err := tx.vault(a.Owner, a.VaultID, i)
	if err != nil {
		return err
	}
	if err := v.Shorts.Sub(inst.ID, a.Amount); err != nil {
		return err
	}
	if err := tx.requireBalance(from, inst.ID, a.Amount); err != nil {
		return err
	}
	tx.gen.BurnShort(from, inst.ID, a.Amount)
	return nil
}

func (tx *txn) depositLong(i int, a DepositLongOption) error {
	if err := tx.authorize(a.Owner); err != nil {
		return err
	}
	if err := checkAmount(a.Amount); err != nil {
		return err
	}
	from := orDefault(a.From, tx.batch.Actor)
	if err := tx.checkFrom(a.Owner, from); err != nil {
		return err
	}
	inst, err := tx.liveInstrument(a.Instrument)
	if err != nil {
		return err
	}
	v, err := tx.vault(a.Owner, a.VaultID, i)
	if err != nil {
		return err
	}
	if err := tx.requireBalance(from, inst.ID, a.Amount); err != nil {
		return err
	}
	if err := v.Longs.Add(inst.ID, a.Amount); err != nil {
		return err
	}
	tx.gen.DepositLong(from, inst.ID, a.Amount)
	return nil
}

func (tx *txn) withdrawLong(i int, a WithdrawLongOption) error {
	if err := tx.authorize(a.Owner); err != nil {
		return err
	}
	if err := checkAmount(a.Amount); err != nil {
		return err
	}
	inst, err := tx.instrument(a.Instrument)
	if err != nil {
		return err
	}
	if inst.IsExpired(tx.now()) {
		return fmt.Errorf("%w: cannot withdraw %s after expiry", ErrInstrumentExpired, inst.ID.Hex())
	}
	v, err := tx.vault(a.Owner, a.VaultID, i)
	if err != nil {
		return err
	}
	if err := v.Longs.Sub(inst.ID, a.Amount); err != nil {
		return err
	}
	tx.gen.WithdrawLong(orDefault(a.To, a.Owner), inst.ID, a.Amount)
	return nil
}

func (tx *txn) depositCollateral(i int, a DepositCollateral) error {
	if err := tx.authorize(a.Owner); err != nil {
		return err
	}
	if err := checkAmount(a.Amount); err != nil {
		return err
	}
	from := orDefault(a.From, tx.batch.Actor)
	if err := tx.checkFrom(a.Owner, from); err != nil {
		return err
	}
	if !tx.e.whitelist.IsAllowedCollateral(a.Asset) {
		return fmt.Errorf("%w: %s", ErrCollateralNotAllowed, a.Asset.Hex())
	}
	if _, ok := tx.e.assets.Decimals(a.Asset); !ok {
		return fmt.Errorf("%w: %s has no registered decimals", ErrCollateralNotAllowed, a.Asset.Hex())
	}
	v, err := tx.vault(a.Owner, a.VaultID, i)
	if err != nil {
		return err
	}
	if err := tx.requireBalance(from, a.Asset, a.Amount); err != nil {
		return err
	}
	if err := v.Collateral.Add(a.Asset, a.Amount); err != nil {
		return err
	}
	tx.gen.DepositCollateral(from, a.Asset, a.Amount)
	return nil
}

func (tx *txn) withdrawCollateral(i int, a WithdrawCollateral) error {
	if err := tx.authorize(a.Owner); err != nil {
		return err
	}
	if err := checkAmount(a.Amount); err != nil {
		return err
	}
	v, err := tx.vault(a.Owner, a.VaultID, i)
	if err != nil {
		return err
	}
	for _, p := range v.Shorts.Live() {
		inst, err := tx.instrument(p.Asset)
		if err != nil {
			return err
		}
		if inst.IsExpired(tx.now()) {
			return fmt.Errorf("%w: vault %s holds expired short %s, settle it instead",
				ErrInstrumentExpired, v.Key(), inst.ID.Hex())
		}
	}
	if err := v.Collateral.Sub(a.Asset, a.Amount); err != nil {
		return err
	}
	tx.gen.WithdrawCollateral(orDefault(a.To, a.Owner), a.Asset, a.Amount)
	return nil
}

// --- End of batch ---

// checkSolvency re-evaluates every touched vault with the pre-expiry
// requirement. The error names the last action that touched the vault.
func (tx *txn) checkSolvency() error {
	for _, key := range tx.order {
		v := tx.vaults[key]
		idx := tx.lastTouch[key]
		fail := func(err error) error {
			return &ActionError{Index: idx, Kind: tx.batch.Actions[idx].Kind(), Err: fmt.Errorf("vault %s: %w", key, err)}
		}

		res, err := tx.e.calc.ExcessCollateral(v.Snapshot(), false, nil)
		if err != nil {
			return fail(err)
		}
		if !res.Valid {
			return fail(res.Reason)
		}
		if res.Native.Sign() < 0 {
			return fail(fmt.Errorf("%w: short by %s of %s",
				ErrInsufficientCollateral, new(big.Int).Neg(res.Native), res.Collateral.Hex()))
		}
	}
	return nil
}

// record is the event payload for the committed batch.
func (tx *txn) record() *event.BatchApplied {
	out := &event.BatchApplied{
		Actions: make([]event.ActionRecord, 0, len(tx.batch.Actions)),
	}
	for _, a := range tx.batch.Actions {
		out.Actions = append(out.Actions, ActionRecord(a))
	}
	for _, p := range tx.payouts {
		out.Payouts = append(out.Payouts, event.PayoutRecord{
			Index:     p.Index,
			Kind:      p.Kind.String(),
			Recipient: p.Recipient,
			Asset:     p.Asset,
			Amount:    p.Amount.String(),
		})
	}
	for _, k := range tx.order {
		out.Vaults = append(out.Vaults, event.VaultRef{Owner: k.Owner, VaultID: k.ID})
	}
	return out
}
