package core

import (
	"context"
	"errors"
	"math/big"

	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/margin"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrRunnerStopped is returned for requests made after Run has exited.
var ErrRunnerStopped = errors.New("core runner stopped")

type request struct {
	fn   func(*Engine)
	done chan struct{}
}

// Runner owns the engine goroutine. Every call, reads included, is queued
// and executed in arrival order, so shells (gRPC, NATS) can call it
// concurrently.
type Runner struct {
	engine  *Engine
	reqs    chan request
	stopped chan struct{}
}

func NewRunner(engine *Engine, queueSize int) *Runner {
	return &Runner{
		engine:  engine,
		reqs:    make(chan request, queueSize),
		stopped: make(chan struct{}),
	}
}

// Run executes queued requests until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-r.reqs:
			req.fn(r.engine)
			close(req.done)
		}
	}
}

// Do runs fn on the engine goroutine and waits for it to finish.
func (r *Runner) Do(ctx context.Context, fn func(*Engine)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case r.reqs <- req:
	case <-r.stopped:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-r.stopped:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) QueueDepth() int {
	return len(r.reqs)
}

func (r *Runner) Operate(ctx context.Context, b Batch) (*Receipt, error) {
	var (
		receipt *Receipt
		err     error
	)
	if derr := r.Do(ctx, func(e *Engine) { receipt, err = e.Operate(ctx, b) }); derr != nil {
		return nil, derr
	}
	return receipt, err
}

func (r *Runner) CreateInstrument(ctx context.Context, id uuid.UUID, actor common.Address, spec instrument.Spec, now uint64) (*instrument.Instrument, bool, error) {
	var (
		inst    *instrument.Instrument
		created bool
		err     error
	)
	if derr := r.Do(ctx, func(e *Engine) { inst, created, err = e.CreateInstrument(id, actor, spec, now) }); derr != nil {
		return nil, false, derr
	}
	return inst, created, err
}

func (r *Runner) SetOperator(ctx context.Context, id uuid.UUID, owner, operator common.Address, approved bool, now uint64) error {
	var err error
	if derr := r.Do(ctx, func(e *Engine) { err = e.SetOperator(id, owner, operator, approved, now) }); derr != nil {
		return derr
	}
	return err
}

func (r *Runner) Fund(ctx context.Context, m TokenMove) error {
	return r.move(ctx, m, (*Engine).Fund)
}

func (r *Runner) Withdraw(ctx context.Context, m TokenMove) error {
	return r.move(ctx, m, (*Engine).Withdraw)
}

func (r *Runner) Transfer(ctx context.Context, m TokenMove) error {
	return r.move(ctx, m, (*Engine).Transfer)
}

func (r *Runner) move(ctx context.Context, m TokenMove, op func(*Engine, TokenMove) error) error {
	var err error
	if derr := r.Do(ctx, func(e *Engine) { err = op(e, m) }); derr != nil {
		return derr
	}
	return err
}

func (r *Runner) SettleVault(ctx context.Context, actor, owner common.Address, vaultID uint64, to common.Address, now uint64) (*big.Int, error) {
	var (
		paid *big.Int
		err  error
	)
	if derr := r.Do(ctx, func(e *Engine) { paid, err = e.SettleVault(ctx, actor, owner, vaultID, to, now) }); derr != nil {
		return nil, derr
	}
	return paid, err
}

func (r *Runner) Redeem(ctx context.Context, holder, inst common.Address, amount *big.Int, receiver common.Address, now uint64) (*big.Int, error) {
	var (
		paid *big.Int
		err  error
	)
	if derr := r.Do(ctx, func(e *Engine) { paid, err = e.Redeem(ctx, holder, inst, amount, receiver, now) }); derr != nil {
		return nil, derr
	}
	return paid, err
}

func (r *Runner) GetVault(ctx context.Context, owner common.Address, id uint64) (ledger.VaultSnapshot, error) {
	var (
		snap ledger.VaultSnapshot
		err  error
	)
	if derr := r.Do(ctx, func(e *Engine) { snap, err = e.GetVault(owner, id) }); derr != nil {
		return ledger.VaultSnapshot{}, derr
	}
	return snap, err
}

func (r *Runner) VaultCount(ctx context.Context, owner common.Address) (uint64, error) {
	var n uint64
	err := r.Do(ctx, func(e *Engine) { n = e.VaultCount(owner) })
	return n, err
}

func (r *Runner) GetExcessCollateral(ctx context.Context, snap ledger.VaultSnapshot, at *uint64) (margin.Result, error) {
	var (
		res margin.Result
		err error
	)
	if derr := r.Do(ctx, func(e *Engine) { res, err = e.GetExcessCollateral(ctx, snap, at) }); derr != nil {
		return margin.Result{}, derr
	}
	return res, err
}

func (r *Runner) GetPayout(ctx context.Context, inst common.Address, amount *big.Int) (*big.Int, error) {
	var (
		paid *big.Int
		err  error
	)
	if derr := r.Do(ctx, func(e *Engine) { paid, err = e.GetPayout(ctx, inst, amount) }); derr != nil {
		return nil, derr
	}
	return paid, err
}

func (r *Runner) GetInstrument(ctx context.Context, id common.Address) (*instrument.Instrument, bool, error) {
	var (
		inst *instrument.Instrument
		ok   bool
	)
	err := r.Do(ctx, func(e *Engine) { inst, ok = e.GetInstrument(id) })
	return inst, ok, err
}

func (r *Runner) BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	var b *big.Int
	if err := r.Do(ctx, func(e *Engine) { b = e.BalanceOf(owner, token) }); err != nil {
		return nil, err
	}
	return b, nil
}

// Snapshot captures engine state between requests.
func (r *Runner) Snapshot(ctx context.Context) (*SnapshotState, error) {
	var snap *SnapshotState
	if err := r.Do(ctx, func(e *Engine) { snap = e.CreateSnapshotState() }); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *Runner) Sequence(ctx context.Context) (int64, error) {
	var seq int64
	err := r.Do(ctx, func(e *Engine) { seq = e.GetSequence() })
	return seq, err
}
