package core

import (
	"context"
	"fmt"

	"OptionLedger/internal/access"
	"OptionLedger/internal/event"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	fpmath "OptionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SnapshotState is the full engine state at one sequence.
type SnapshotState struct {
	// Last applied sequence (-1 when nothing has been applied)
	Sequence    int64                    `json:"sequence"`
	StateHash   common.Hash              `json:"state_hash"`
	Timestamp   uint64                   `json:"timestamp"`
	Vaults      []ledger.VaultSnapshot   `json:"vaults"`
	Balances    []ledger.BalanceEntry    `json:"balances"`
	Instruments []*instrument.Instrument `json:"instruments"`
	Operators   []access.Approval        `json:"operators"`
	// Recent batch ids, oldest first, for warming the dedup cache
	RecentBatchIDs []uuid.UUID `json:"recent_batch_ids,omitempty"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	all := e.vaults.All()
	vaults := make([]ledger.VaultSnapshot, 0, len(all))
	for _, v := range all {
		vaults = append(vaults, v.Snapshot())
	}
	return &SnapshotState{
		Sequence:    e.sequence - 1,
		StateHash:   e.GetStateHash(),
		Timestamp:   e.clock.Last(),
		Vaults:      vaults,
		Balances:    e.balances.Export(),
		Instruments: e.instruments.List(),
		Operators:   e.operators.Export(),

		RecentBatchIDs: e.RecentBatchIDs(),
	}
}

// RestoreFromSnapshot replaces the engine state. Events after
// snap.Sequence are then applied with Replay.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := e.instruments.Restore(snap.Instruments); err != nil {
		return fmt.Errorf("restore instruments: %w", err)
	}

	e.vaults.Reset()
	for _, s := range snap.Vaults {
		v, err := ledger.VaultFromSnapshot(s)
		if err != nil {
			return fmt.Errorf("restore vault %s/%d: %w", s.Owner.Hex(), s.ID, err)
		}
		e.vaults.Put(v)
	}

	e.balances.Restore(snap.Balances)
	e.operators.Restore(snap.Operators)
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.clock.Restore(snap.Timestamp)
	e.WarmLRU(snap.RecentBatchIDs)

	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.CoreVaults.Set(float64(e.vaults.Len()))
	}
	return nil
}

// Replay re-applies a persisted event. The event must carry the next
// sequence and must reproduce its recorded state hash.
func (e *Engine) Replay(ctx context.Context, env *event.EventEnvelope) error {
	if env.Sequence != e.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", e.sequence, env.Sequence)
	}
	ev, err := env.Decode()
	if err != nil {
		return err
	}

	e.replaying = true
	defer func() { e.replaying = false }()

	switch ev := ev.(type) {
	case *event.BatchApplied:
		b, err := BatchFromRecords(env.EventID, env.Actor, env.Timestamp, ev.Actions)
		if err != nil {
			return err
		}
		if _, err := e.Operate(ctx, b); err != nil {
			return fmt.Errorf("replay batch %s: %w", env.EventID, err)
		}
	case *event.InstrumentCreated:
		if _, _, err := e.CreateInstrument(env.EventID, env.Actor, ev.Spec, env.Timestamp); err != nil {
			return fmt.Errorf("replay instrument %s: %w", ev.ID.Hex(), err)
		}
	case *event.OperatorUpdated:
		if err := e.SetOperator(env.EventID, ev.Owner, ev.Operator, ev.Approved, env.Timestamp); err != nil {
			return err
		}
	case *event.TokensMoved:
		amount, err := fpmath.ParseNative(ev.Amount)
		if err != nil {
			return err
		}
		m := TokenMove{ID: env.EventID, Timestamp: env.Timestamp, From: ev.From, To: ev.To, Token: ev.Token, Amount: amount}
		switch ev.EventType() {
		case event.EventTypeTokensFunded:
			err = e.Fund(m)
		case event.EventTypeTokensWithdrawn:
			err = e.Withdraw(m)
		default:
			err = e.Transfer(m)
		}
		if err != nil {
			return fmt.Errorf("replay %s: %w", ev.EventType(), err)
		}
	default:
		return fmt.Errorf("replay: unhandled event %T", ev)
	}

	if got := e.GetStateHash(); got != env.StateHash {
		panic(fmt.Sprintf("FATAL: replay diverged at sequence %d: state hash %s, recorded %s",
			env.Sequence, got.Hex(), env.StateHash.Hex()))
	}
	return nil
}
