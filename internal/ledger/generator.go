package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalGenerator accumulates the journals of one action batch. It also
// tracks the net effect on each account so later actions in the batch see
// earlier ones.
type JournalGenerator struct {
	batchID   uuid.UUID
	eventRef  string
	sequence  int64
	timestamp int64
	journals  []Journal
	deltas    map[AccountKey]*big.Int
}

func NewJournalGenerator(batchID uuid.UUID, sequence int64, timestamp int64) *JournalGenerator {
	return &JournalGenerator{
		batchID:   batchID,
		eventRef:  batchID.String(),
		sequence:  sequence,
		timestamp: timestamp,
		deltas:    make(map[AccountKey]*big.Int),
	}
}

func (g *JournalGenerator) add(debit, credit AccountKey, token common.Address, amount *big.Int, typ JournalType) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	amt := new(big.Int).Set(amount)
	g.journals = append(g.journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       g.batchID,
		EventRef:      g.eventRef,
		Sequence:      g.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Token:         token,
		Amount:        amt,
		JournalType:   typ,
		Timestamp:     g.timestamp,
	})
	g.delta(debit).Add(g.delta(debit), amt)
	g.delta(credit).Sub(g.delta(credit), amt)
}

func (g *JournalGenerator) delta(k AccountKey) *big.Int {
	d, ok := g.deltas[k]
	if !ok {
		d = new(big.Int)
		g.deltas[k] = d
	}
	return d
}

// Delta returns the net pending change to an account in this batch.
func (g *JournalGenerator) Delta(k AccountKey) *big.Int {
	if d, ok := g.deltas[k]; ok {
		return new(big.Int).Set(d)
	}
	return new(big.Int)
}

// Fund credits owner from outside the ledger (bridge-in).
func (g *JournalGenerator) Fund(owner, token common.Address, amount *big.Int) {
	g.add(WalletKey(owner, token), ExternalKey(SubTypeExternalDeposits, token), token, amount, JournalTypeFunding)
}

// Withdraw moves owner's tokens out of the ledger.
func (g *JournalGenerator) Withdraw(owner, token common.Address, amount *big.Int) {
	g.add(ExternalKey(SubTypeExternalWithdrawals, token), WalletKey(owner, token), token, amount, JournalTypeWithdrawal)
}

func (g *JournalGenerator) Transfer(from, to, token common.Address, amount *big.Int) {
	g.add(WalletKey(to, token), WalletKey(from, token), token, amount, JournalTypeTransfer)
}

// DepositCollateral: wallet(from) → pool.
func (g *JournalGenerator) DepositCollateral(from, asset common.Address, amount *big.Int) {
	g.add(PoolKey(asset), WalletKey(from, asset), asset, amount, JournalTypeCollateralDeposit)
}

// WithdrawCollateral: pool → wallet(to).
func (g *JournalGenerator) WithdrawCollateral(to, asset common.Address, amount *big.Int) {
	g.add(WalletKey(to, asset), PoolKey(asset), asset, amount, JournalTypeCollateralWithdrawal)
}

func (g *JournalGenerator) DepositLong(from, instrument common.Address, amount *big.Int) {
	g.add(PoolKey(instrument), WalletKey(from, instrument), instrument, amount, JournalTypeLongDeposit)
}

func (g *JournalGenerator) WithdrawLong(to, instrument common.Address, amount *big.Int) {
	g.add(WalletKey(to, instrument), PoolKey(instrument), instrument, amount, JournalTypeLongWithdrawal)
}

// MintShort issues new instrument supply to the recipient.
func (g *JournalGenerator) MintShort(to, instrument common.Address, amount *big.Int) {
	g.add(WalletKey(to, instrument), ExternalKey(SubTypeExternalIssuance, instrument), instrument, amount, JournalTypeShortMint)
}

// BurnShort destroys instrument supply held by from.
func (g *JournalGenerator) BurnShort(from, instrument common.Address, amount *big.Int) {
	g.add(ExternalKey(SubTypeExternalIssuance, instrument), WalletKey(from, instrument), instrument, amount, JournalTypeShortBurn)
}

// SettlementPayout returns vault excess from the pool to the owner.
func (g *JournalGenerator) SettlementPayout(to, asset common.Address, amount *big.Int) {
	g.add(WalletKey(to, asset), PoolKey(asset), asset, amount, JournalTypeSettlementPayout)
}

// SettlementLongBurn burns longs held by a settled vault.
func (g *JournalGenerator) SettlementLongBurn(instrument common.Address, amount *big.Int) {
	g.add(ExternalKey(SubTypeExternalIssuance, instrument), PoolKey(instrument), instrument, amount, JournalTypeSettlementLongBurn)
}

func (g *JournalGenerator) RedeemBurn(holder, instrument common.Address, amount *big.Int) {
	g.add(ExternalKey(SubTypeExternalIssuance, instrument), WalletKey(holder, instrument), instrument, amount, JournalTypeRedeemBurn)
}

func (g *JournalGenerator) RedeemPayout(receiver, asset common.Address, amount *big.Int) {
	g.add(WalletKey(receiver, asset), PoolKey(asset), asset, amount, JournalTypeRedeemPayout)
}

// Len is the number of journals generated so far.
func (g *JournalGenerator) Len() int {
	return len(g.journals)
}

// Batch returns the accumulated journals, or nil if there are none.
func (g *JournalGenerator) Batch() *Batch {
	if len(g.journals) == 0 {
		return nil
	}
	return &Batch{
		BatchID:   g.batchID,
		EventRef:  g.eventRef,
		Sequence:  g.sequence,
		Timestamp: g.timestamp,
		Journals:  g.journals,
	}
}
