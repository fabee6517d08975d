package core

import (
	"context"
	"fmt"
	"math/big"

	"OptionLedger/internal/margin"
)

// settleVault pays out a vault's excess at expiry and clears it. Longs
// held by the vault are burned from the pool; their value is netted into
// the excess. A deficit pays nothing. An empty vault settles for zero.
func (tx *txn) settleVault(ctx context.Context, i int, a SettleVault) error {
	if err := tx.authorize(a.Owner); err != nil {
		return err
	}
	v, err := tx.vault(a.Owner, a.VaultID, i)
	if err != nil {
		return err
	}
	to := orDefault(a.To, a.Owner)
	payout := Payout{Index: i, Kind: ActionSettleVault, Recipient: to, Amount: new(big.Int)}

	if v.IsEmpty() {
		tx.payouts = append(tx.payouts, payout)
		return nil
	}

	snap := v.Snapshot()
	ref, expired, err := tx.e.expiryState(snap, tx.now())
	if err != nil {
		return err
	}
	if !expired {
		return fmt.Errorf("%w: vault %s", ErrInstrumentNotExpired, v.Key())
	}

	// A collateral-only vault has nothing to price.
	var prices margin.Prices
	if ref != nil {
		if prices, err = tx.resolvePrices(ctx, ref); err != nil {
			return err
		}
	}
	res, err := tx.e.calc.ExcessCollateral(snap, ref != nil, prices)
	if err != nil {
		return err
	}
	if !res.Valid {
		return res.Reason
	}

	payout.Asset = res.Collateral
	if res.Native.Sign() > 0 {
		if err := tx.requirePool(res.Collateral, res.Native); err != nil {
			return err
		}
		payout.Amount = res.Native
		tx.gen.SettlementPayout(to, res.Collateral, res.Native)
	}
	for _, p := range snap.Longs {
		tx.gen.SettlementLongBurn(p.Asset, p.Amount)
	}
	v.Clear()

	tx.payouts = append(tx.payouts, payout)
	return nil
}

// redeem burns the actor's instruments and pays their cash value. An
// out-of-the-money instrument redeems for zero.
func (tx *txn) redeem(ctx context.Context, i int, a Redeem) error {
	if err := checkAmount(a.Amount); err != nil {
		return err
	}
	inst, err := tx.instrument(a.Instrument)
	if err != nil {
		return err
	}
	if !inst.IsExpired(tx.now()) {
		return fmt.Errorf("%w: %s expires at %d", ErrInstrumentNotExpired, inst.ID.Hex(), inst.Expiry)
	}
	prices, err := tx.resolvePrices(ctx, inst)
	if err != nil {
		return err
	}

	holder := tx.batch.Actor
	if err := tx.requireBalance(holder, inst.ID, a.Amount); err != nil {
		return err
	}
	_, native, err := tx.e.calc.Payout(inst, a.Amount, prices)
	if err != nil {
		return err
	}

	if err := tx.requirePool(inst.Collateral, native); err != nil {
		return err
	}

	receiver := orDefault(a.Receiver, holder)
	tx.gen.RedeemBurn(holder, inst.ID, a.Amount)
	tx.gen.RedeemPayout(receiver, inst.Collateral, native)

	tx.payouts = append(tx.payouts, Payout{
		Index:     i,
		Kind:      ActionRedeem,
		Recipient: receiver,
		Asset:     inst.Collateral,
		Amount:    native,
	})
	return nil
}
