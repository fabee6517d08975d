package ingestion

import (
	"context"
	"fmt"

	"OptionLedger/internal/core"
	"OptionLedger/internal/event"
	"OptionLedger/internal/instrument"
	fpmath "OptionLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Message kinds, one per inbound subject family.
const (
	KindBatch      = "batch"
	KindFund       = "fund"
	KindWithdraw   = "withdraw"
	KindTransfer   = "transfer"
	KindInstrument = "instrument"
	KindOperator   = "operator"
)

// Command is a parsed inbound message ready for the engine.
type Command interface {
	// Key is the idempotency key of the message.
	Key() uuid.UUID
	Apply(ctx context.Context, r *core.Runner) error
}

type BatchCommand struct {
	Batch core.Batch
}

func (c *BatchCommand) Key() uuid.UUID { return c.Batch.ID }

func (c *BatchCommand) Apply(ctx context.Context, r *core.Runner) error {
	_, err := r.Operate(ctx, c.Batch)
	return err
}

type MoveCommand struct {
	Kind string
	Move core.TokenMove
}

func (c *MoveCommand) Key() uuid.UUID { return c.Move.ID }

func (c *MoveCommand) Apply(ctx context.Context, r *core.Runner) error {
	switch c.Kind {
	case KindFund:
		return r.Fund(ctx, c.Move)
	case KindWithdraw:
		return r.Withdraw(ctx, c.Move)
	default:
		return r.Transfer(ctx, c.Move)
	}
}

type InstrumentCommand struct {
	ID        uuid.UUID
	Actor     common.Address
	Timestamp uint64
	Spec      instrument.Spec
}

func (c *InstrumentCommand) Key() uuid.UUID { return c.ID }

func (c *InstrumentCommand) Apply(ctx context.Context, r *core.Runner) error {
	_, _, err := r.CreateInstrument(ctx, c.ID, c.Actor, c.Spec, c.Timestamp)
	return err
}

type OperatorCommand struct {
	ID        uuid.UUID
	Owner     common.Address
	Operator  common.Address
	Approved  bool
	Timestamp uint64
}

func (c *OperatorCommand) Key() uuid.UUID { return c.ID }

func (c *OperatorCommand) Apply(ctx context.Context, r *core.Runner) error {
	return r.SetOperator(ctx, c.ID, c.Owner, c.Operator, c.Approved, c.Timestamp)
}

// ParseCommand converts a message body of the given kind into a Command.
// The ingestion shell parses and validates before anything reaches the
// engine goroutine.
func ParseCommand(data []byte, kind string) (Command, error) {
	switch kind {
	case KindBatch:
		return parseBatch(data)
	case KindFund, KindWithdraw, KindTransfer:
		return parseMove(data, kind)
	case KindInstrument:
		return parseInstrument(data)
	case KindOperator:
		return parseOperator(data)
	default:
		return nil, fmt.Errorf("unknown message kind: %s", kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings in native token units.

type batchJSON struct {
	BatchID   string               `json:"batch_id"`
	Actor     string               `json:"actor"`
	Timestamp uint64               `json:"timestamp"`
	Actions   []event.ActionRecord `json:"actions"`
}

func parseBatch(data []byte) (*BatchCommand, error) {
	var j batchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	id, err := uuid.Parse(j.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	actor, err := parseAddress("actor", j.Actor)
	if err != nil {
		return nil, err
	}
	if len(j.Actions) == 0 {
		return nil, fmt.Errorf("batch %s has no actions", id)
	}
	b, err := core.BatchFromRecords(id, actor, j.Timestamp, j.Actions)
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", id, err)
	}
	return &BatchCommand{Batch: b}, nil
}

type moveJSON struct {
	MoveID    string `json:"move_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Timestamp uint64 `json:"timestamp"`
}

func parseMove(data []byte, kind string) (*MoveCommand, error) {
	var j moveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", kind, err)
	}
	id, err := uuid.Parse(j.MoveID)
	if err != nil {
		return nil, fmt.Errorf("parse move_id: %w", err)
	}
	token, err := parseAddress("token", j.Token)
	if err != nil {
		return nil, err
	}
	amount, err := fpmath.ParseNative(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %s", j.Amount)
	}

	m := core.TokenMove{ID: id, Timestamp: j.Timestamp, Token: token, Amount: amount}
	if kind != KindFund {
		if m.From, err = parseAddress("from", j.From); err != nil {
			return nil, err
		}
	}
	if kind != KindWithdraw {
		if m.To, err = parseAddress("to", j.To); err != nil {
			return nil, err
		}
	}
	return &MoveCommand{Kind: kind, Move: m}, nil
}

type instrumentJSON struct {
	RequestID   string `json:"request_id"`
	Actor       string `json:"actor"`
	Timestamp   uint64 `json:"timestamp"`
	Underlying  string `json:"underlying"`
	StrikeAsset string `json:"strike_asset"`
	Collateral  string `json:"collateral"`
	StrikePrice string `json:"strike_price"`
	Expiry      uint64 `json:"expiry"`
	IsPut       bool   `json:"is_put"`
}

func parseInstrument(data []byte) (*InstrumentCommand, error) {
	var j instrumentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse instrument: %w", err)
	}
	id, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	cmd := &InstrumentCommand{ID: id, Timestamp: j.Timestamp}
	for _, f := range []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"actor", j.Actor, &cmd.Actor},
		{"underlying", j.Underlying, &cmd.Spec.Underlying},
		{"strike_asset", j.StrikeAsset, &cmd.Spec.StrikeAsset},
		{"collateral", j.Collateral, &cmd.Spec.Collateral},
	} {
		if *f.dst, err = parseAddress(f.name, f.raw); err != nil {
			return nil, err
		}
	}
	if cmd.Spec.StrikePrice, err = fpmath.ParseDecimal(j.StrikePrice); err != nil {
		return nil, fmt.Errorf("parse strike_price: %w", err)
	}
	cmd.Spec.Expiry = j.Expiry
	cmd.Spec.IsPut = j.IsPut
	return cmd, nil
}

type operatorJSON struct {
	RequestID string `json:"request_id"`
	Owner     string `json:"owner"`
	Operator  string `json:"operator"`
	Approved  bool   `json:"approved"`
	Timestamp uint64 `json:"timestamp"`
}

func parseOperator(data []byte) (*OperatorCommand, error) {
	var j operatorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse operator: %w", err)
	}
	id, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	operator, err := parseAddress("operator", j.Operator)
	if err != nil {
		return nil, err
	}
	return &OperatorCommand{ID: id, Owner: owner, Operator: operator, Approved: j.Approved, Timestamp: j.Timestamp}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}
