package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBatchApplied
	EventTypeInstrumentCreated
	EventTypeOperatorUpdated
	EventTypeTokensFunded
	EventTypeTokensWithdrawn
	EventTypeTokensTransferred
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64 `json:"sequence"`

	// Batch id for operate batches, generated id for admin commands
	EventID uuid.UUID `json:"event_id"`

	EventType EventType `json:"event_type"`

	Actor common.Address `json:"actor"`

	// Batch timestamp in unix seconds (NOT wall-clock)
	Timestamp uint64 `json:"timestamp"`

	// JSON-encoded event-specific data
	Payload json.RawMessage `json:"payload"`

	// SHA-256 of state AFTER applying this event
	StateHash common.Hash `json:"state_hash"`

	// Previous event's state hash (chain integrity)
	PrevHash common.Hash `json:"prev_hash"`
}

// Event is the interface all event payloads must implement
type Event interface {
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeBatchApplied:
		return "batch_applied"
	case EventTypeInstrumentCreated:
		return "instrument_created"
	case EventTypeOperatorUpdated:
		return "operator_updated"
	case EventTypeTokensFunded:
		return "tokens_funded"
	case EventTypeTokensWithdrawn:
		return "tokens_withdrawn"
	case EventTypeTokensTransferred:
		return "tokens_transferred"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) (EventType, error) {
	for t := EventTypeBatchApplied; t <= EventTypeTokensTransferred; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", name)
}

// Seal encodes the payload into a new envelope. Sequence and hashes are
// filled in by the core when the event commits.
func Seal(id uuid.UUID, actor common.Address, ts uint64, ev Event) (*EventEnvelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.EventType(), err)
	}
	return &EventEnvelope{
		EventID:   id,
		EventType: ev.EventType(),
		Actor:     actor,
		Timestamp: ts,
		Payload:   payload,
	}, nil
}

// Decode returns the typed payload carried by the envelope.
func (e *EventEnvelope) Decode() (Event, error) {
	var ev Event
	switch e.EventType {
	case EventTypeBatchApplied:
		ev = &BatchApplied{}
	case EventTypeInstrumentCreated:
		ev = &InstrumentCreated{}
	case EventTypeOperatorUpdated:
		ev = &OperatorUpdated{}
	case EventTypeTokensFunded, EventTypeTokensWithdrawn, EventTypeTokensTransferred:
		ev = &TokensMoved{Kind: e.EventType}
	default:
		return nil, fmt.Errorf("unknown event type %d", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return ev, nil
}
