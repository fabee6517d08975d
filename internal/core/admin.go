package core

import (
	"fmt"
	"math/big"

	"OptionLedger/internal/event"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CreateInstrument registers spec, or returns the existing instrument with
// created=false when an identical spec was registered before.
func (e *Engine) CreateInstrument(id uuid.UUID, actor common.Address, spec instrument.Spec, now uint64) (*instrument.Instrument, bool, error) {
	if err := e.admit(id, now); err != nil {
		return nil, false, err
	}
	inst, created, err := e.instruments.Create(spec, now)
	if err != nil || !created {
		return inst, created, err
	}

	env, err := event.Seal(id, actor, now, &event.InstrumentCreated{ID: inst.ID, Spec: inst.Spec})
	if err != nil {
		return nil, false, err
	}
	e.commit(env, nil, nil)

	e.log.Info().
		Str("instrument", inst.ID.Hex()).
		Str("spec", inst.Spec.String()).
		Msg("instrument created")
	if e.metrics != nil {
		e.metrics.InstrumentsCreated.Inc()
	}
	return inst, true, nil
}

// SetOperator grants or revokes operator's right to act on owner's vaults.
func (e *Engine) SetOperator(id uuid.UUID, owner, operator common.Address, approved bool, now uint64) error {
	if owner == (common.Address{}) || operator == (common.Address{}) {
		return ErrInvalidAddress
	}
	if err := e.admit(id, now); err != nil {
		return err
	}
	e.operators.Set(owner, operator, approved)

	env, err := event.Seal(id, owner, now, &event.OperatorUpdated{Owner: owner, Operator: operator, Approved: approved})
	if err != nil {
		return err
	}
	e.commit(env, nil, nil)
	return nil
}

// TokenMove is a wallet-level token movement outside any vault.
type TokenMove struct {
	ID        uuid.UUID
	Timestamp uint64
	From      common.Address
	To        common.Address
	Token     common.Address
	Amount    *big.Int
}

// Fund credits m.To with a registered asset entering the ledger.
func (e *Engine) Fund(m TokenMove) error {
	if m.To == (common.Address{}) {
		return fmt.Errorf("%w: to", ErrInvalidAddress)
	}
	if _, ok := e.assets.Decimals(m.Token); !ok {
		return fmt.Errorf("%w: %s", instrument.ErrUnsupportedAsset, m.Token.Hex())
	}
	return e.move(m, event.EventTypeTokensFunded, func(g *ledger.JournalGenerator) error {
		g.Fund(m.To, m.Token, m.Amount)
		return nil
	})
}

// Withdraw debits m.From for tokens leaving the ledger.
func (e *Engine) Withdraw(m TokenMove) error {
	return e.move(m, event.EventTypeTokensWithdrawn, func(g *ledger.JournalGenerator) error {
		if err := e.requireWallet(m.From, m.Token, m.Amount); err != nil {
			return err
		}
		g.Withdraw(m.From, m.Token, m.Amount)
		return nil
	})
}

// Transfer moves a wallet balance, including instrument tokens.
func (e *Engine) Transfer(m TokenMove) error {
	if m.To == (common.Address{}) {
		return fmt.Errorf("%w: to", ErrInvalidAddress)
	}
	return e.move(m, event.EventTypeTokensTransferred, func(g *ledger.JournalGenerator) error {
		if err := e.requireWallet(m.From, m.Token, m.Amount); err != nil {
			return err
		}
		g.Transfer(m.From, m.To, m.Token, m.Amount)
		return nil
	})
}

func (e *Engine) requireWallet(owner, token common.Address, amount *big.Int) error {
	if have := e.balances.BalanceOf(owner, token); have.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s",
			ErrInsufficientBalance, owner.Hex(), have, token.Hex(), amount)
	}
	return nil
}

func (e *Engine) move(m TokenMove, typ event.EventType, build func(*ledger.JournalGenerator) error) error {
	if err := checkAmount(m.Amount); err != nil {
		return err
	}
	if err := e.admit(m.ID, m.Timestamp); err != nil {
		return err
	}

	gen := ledger.NewJournalGenerator(m.ID, e.sequence, int64(m.Timestamp))
	if err := build(gen); err != nil {
		return err
	}

	env, err := event.Seal(m.ID, m.From, m.Timestamp, &event.TokensMoved{
		Kind:   typ,
		From:   m.From,
		To:     m.To,
		Token:  m.Token,
		Amount: m.Amount.String(),
	})
	if err != nil {
		return err
	}
	e.commit(env, gen.Batch(), nil)
	return nil
}
