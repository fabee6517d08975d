package event

import (
	"OptionLedger/internal/instrument"

	"github.com/ethereum/go-ethereum/common"
)

type InstrumentCreated struct {
	ID   common.Address  `json:"id"`
	Spec instrument.Spec `json:"spec"`
}

func (e *InstrumentCreated) EventType() EventType {
	return EventTypeInstrumentCreated
}

type OperatorUpdated struct {
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

func (e *OperatorUpdated) EventType() EventType {
	return EventTypeOperatorUpdated
}

// TokensMoved covers wallet funding, withdrawal and transfers. From is zero
// for funding, To is zero for withdrawals.
type TokensMoved struct {
	Kind   EventType      `json:"-"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Token  common.Address `json:"token"`
	Amount string         `json:"amount"`
}

func (e *TokensMoved) EventType() EventType {
	if e.Kind == EventTypeUnknown {
		return EventTypeTokensTransferred
	}
	return e.Kind
}
