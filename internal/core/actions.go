package core

import (
	"fmt"
	"math/big"

	"OptionLedger/internal/event"
	"OptionLedger/internal/ledger"
	fpmath "OptionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ActionKind discriminates the Action variants.
type ActionKind uint8

const (
	ActionOpenVault ActionKind = iota
	ActionMintShortOption
	ActionBurnShortOption
	ActionDepositLongOption
	ActionWithdrawLongOption
	ActionDepositCollateral
	ActionWithdrawCollateral
	ActionSettleVault
	ActionRedeem
)

var actionKindNames = map[ActionKind]string{
	ActionOpenVault:          event.KindOpenVault,
	ActionMintShortOption:    event.KindMintShortOption,
	ActionBurnShortOption:    event.KindBurnShortOption,
	ActionDepositLongOption:  event.KindDepositLongOption,
	ActionWithdrawLongOption: event.KindWithdrawLongOption,
	ActionDepositCollateral:  event.KindDepositCollateral,
	ActionWithdrawCollateral: event.KindWithdrawCollateral,
	ActionSettleVault:        event.KindSettleVault,
	ActionRedeem:             event.KindRedeem,
}

func (k ActionKind) String() string {
	if s, ok := actionKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// Action is one step of an operate batch. The set of variants is closed:
// only types in this package implement it.
type Action interface {
	Kind() ActionKind
	action()
}

type OpenVault struct {
	Owner     common.Address
	VaultID   uint64
	VaultType ledger.VaultType
}

type MintShortOption struct {
	Owner      common.Address
	VaultID    uint64
	Instrument common.Address
	Amount     *big.Int
	To         common.Address
}

type BurnShortOption struct {
	Owner      common.Address
	VaultID    uint64
	Instrument common.Address
	Amount     *big.Int
	From       common.Address
}

type DepositLongOption struct {
	Owner      common.Address
	VaultID    uint64
	Instrument common.Address
	Amount     *big.Int
	From       common.Address
}

type WithdrawLongOption struct {
	Owner      common.Address
	VaultID    uint64
	Instrument common.Address
	Amount     *big.Int
	To         common.Address
}

type DepositCollateral struct {
	Owner   common.Address
	VaultID uint64
	Asset   common.Address
	Amount  *big.Int
	From    common.Address
}

type WithdrawCollateral struct {
	Owner   common.Address
	VaultID uint64
	Asset   common.Address
	Amount  *big.Int
	To      common.Address
}

// SettleVault pays the vault's excess collateral to To (the owner when
// zero) and clears it.
type SettleVault struct {
	Owner   common.Address
	VaultID uint64
	To      common.Address
}

// Redeem burns Amount of Instrument from the batch actor and pays its cash
// value to Receiver (the actor when zero).
type Redeem struct {
	Instrument common.Address
	Amount     *big.Int
	Receiver   common.Address
}

func (OpenVault) Kind() ActionKind          { return ActionOpenVault }
func (MintShortOption) Kind() ActionKind    { return ActionMintShortOption }
func (BurnShortOption) Kind() ActionKind    { return ActionBurnShortOption }
func (DepositLongOption) Kind() ActionKind  { return ActionDepositLongOption }
func (WithdrawLongOption) Kind() ActionKind { return ActionWithdrawLongOption }
func (DepositCollateral) Kind() ActionKind  { return ActionDepositCollateral }
func (WithdrawCollateral) Kind() ActionKind { return ActionWithdrawCollateral }
func (SettleVault) Kind() ActionKind        { return ActionSettleVault }
func (Redeem) Kind() ActionKind             { return ActionRedeem }

func (OpenVault) action()          {}
func (MintShortOption) action()    {}
func (BurnShortOption) action()    {}
func (DepositLongOption) action()  {}
func (WithdrawLongOption) action() {}
func (DepositCollateral) action()  {}
func (WithdrawCollateral) action() {}
func (SettleVault) action()        {}
func (Redeem) action()             {}

// Batch is an ordered list of actions applied atomically on behalf of
// Actor. Timestamp (unix seconds) decides which instruments have expired.
type Batch struct {
	ID        uuid.UUID
	Actor     common.Address
	Timestamp uint64
	Actions   []Action
}

// Payout is collateral paid out by a SettleVault or Redeem action.
type Payout struct {
	Index     int
	Kind      ActionKind
	Recipient common.Address
	Asset     common.Address
	Amount    *big.Int
}

// Receipt describes a committed batch.
type Receipt struct {
	BatchID   uuid.UUID
	Sequence  int64
	StateHash common.Hash
	Payouts   []Payout
	Touched   []ledger.VaultKey
}

// ActionRecord flattens an action into its wire/log form.
func ActionRecord(a Action) event.ActionRecord {
	r := event.ActionRecord{Kind: a.Kind().String()}
	switch a := a.(type) {
	case OpenVault:
		r.Owner, r.VaultID, r.VaultType = a.Owner, a.VaultID, uint8(a.VaultType)
	case MintShortOption:
		r.Owner, r.VaultID, r.Asset, r.Amount, r.Counterparty = a.Owner, a.VaultID, a.Instrument, amountString(a.Amount), a.To
	case BurnShortOption:
		r.Owner, r.VaultID, r.Asset, r.Amount, r.Counterparty = a.Owner, a.VaultID, a.Instrument, amountString(a.Amount), a.From
	case DepositLongOption:
		r.Owner, r.VaultID, r.Asset, r.Amount, r.Counterparty = a.Owner, a.VaultID, a.Instrument, amountString(a.Amount), a.From
	case WithdrawLongOption:
		r.Owner, r.VaultID, r.Asset, r.Amount, r.Counterparty = a.Owner, a.VaultID, a.Instrument, amountString(a.Amount), a.To
	case DepositCollateral:
		r.Owner, r.VaultID, r.Asset, r.Amount, r.Counterparty = a.Owner, a.VaultID, a.Asset, amountString(a.Amount), a.From
	case WithdrawCollateral:
		r.Owner, r.VaultID, r.Asset, r.Amount, r.Counterparty = a.Owner, a.VaultID, a.Asset, amountString(a.Amount), a.To
	case SettleVault:
		r.Owner, r.VaultID, r.Counterparty = a.Owner, a.VaultID, a.To
	case Redeem:
		r.Asset, r.Amount, r.Counterparty = a.Instrument, amountString(a.Amount), a.Receiver
	}
	return r
}

// ActionFromRecord parses the wire/log form of an action.
func ActionFromRecord(r event.ActionRecord) (Action, error) {
	amount := func() (*big.Int, error) {
		v, err := fpmath.ParseNative(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("%s amount %q: %w", r.Kind, r.Amount, err)
		}
		return v, nil
	}

	switch r.Kind {
	case event.KindOpenVault:
		return OpenVault{Owner: r.Owner, VaultID: r.VaultID, VaultType: ledger.VaultType(r.VaultType)}, nil
	case event.KindSettleVault:
		return SettleVault{Owner: r.Owner, VaultID: r.VaultID, To: r.Counterparty}, nil
	}

	amt, err := amount()
	if err != nil {
		return nil, err
	}
	switch r.Kind {
	case event.KindMintShortOption:
		return MintShortOption{Owner: r.Owner, VaultID: r.VaultID, Instrument: r.Asset, Amount: amt, To: r.Counterparty}, nil
	case event.KindBurnShortOption:
		return BurnShortOption{Owner: r.Owner, VaultID: r.VaultID, Instrument: r.Asset, Amount: amt, From: r.Counterparty}, nil
	case event.KindDepositLongOption:
		return DepositLongOption{Owner: r.Owner, VaultID: r.VaultID, Instrument: r.Asset, Amount: amt, From: r.Counterparty}, nil
	case event.KindWithdrawLongOption:
		return WithdrawLongOption{Owner: r.Owner, VaultID: r.VaultID, Instrument: r.Asset, Amount: amt, To: r.Counterparty}, nil
	case event.KindDepositCollateral:
		return DepositCollateral{Owner: r.Owner, VaultID: r.VaultID, Asset: r.Asset, Amount: amt, From: r.Counterparty}, nil
	case event.KindWithdrawCollateral:
		return WithdrawCollateral{Owner: r.Owner, VaultID: r.VaultID, Asset: r.Asset, Amount: amt, To: r.Counterparty}, nil
	case event.KindRedeem:
		return Redeem{Instrument: r.Asset, Amount: amt, Receiver: r.Counterparty}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", r.Kind)
	}
}

// BatchFromRecords builds a batch from its wire form.
func BatchFromRecords(id uuid.UUID, actor common.Address, ts uint64, records []event.ActionRecord) (Batch, error) {
	b := Batch{ID: id, Actor: actor, Timestamp: ts, Actions: make([]Action, 0, len(records))}
	for i, r := range records {
		a, err := ActionFromRecord(r)
		if err != nil {
			return Batch{}, fmt.Errorf("action %d: %w", i, err)
		}
		b.Actions = append(b.Actions, a)
	}
	return b, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
