package ingestion

import (
	"context"
	"errors"

	"OptionLedger/internal/core"

	"github.com/rs/zerolog"
)

// Dispatcher parses raw messages and applies them through the runner.
//
// A message is acked once the engine has answered, accepted or rejected.
// Rejections are final: redelivery would be refused by the same rules or
// as a duplicate. Only a stopped runner or a cancelled context leads to a
// NAK so another instance can pick the message up.
type Dispatcher struct {
	runner *core.Runner
	log    zerolog.Logger

	applied  int64
	rejected int64
	invalid  int64
}

func NewDispatcher(runner *core.Runner, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{runner: runner, log: log}
}

// Run consumes rawChan until it is closed or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and settles its ack.
func (d *Dispatcher) Handle(ctx context.Context, raw RawMessage) {
	cmd, err := ParseCommand(raw.Data, raw.Kind)
	if err != nil {
		d.invalid++
		d.log.Warn().Str("subject", raw.Subject).Err(err).Msg("unparseable message")
		ack(raw) // Ack invalid messages to avoid a redelivery loop
		return
	}

	err = cmd.Apply(ctx, d.runner)
	switch {
	case err == nil:
		d.applied++
		ack(raw)
	case errors.Is(err, core.ErrRunnerStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.log.Warn().Str("key", cmd.Key().String()).Err(err).Msg("engine unavailable, message returned")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	default:
		d.rejected++
		d.log.Debug().
			Str("key", cmd.Key().String()).
			Str("kind", core.ErrorKind(err)).
			Err(err).
			Msg("message rejected")
		ack(raw)
	}
}

// Stats returns applied, rejected and invalid message counts.
func (d *Dispatcher) Stats() (applied, rejected, invalid int64) {
	return d.applied, d.rejected, d.invalid
}

func ack(raw RawMessage) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
