package ingestion

import (
	"context"
	"fmt"
	"time"

	"OptionLedger/internal/core"
	"OptionLedger/internal/event"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const StreamEvents = "OPTL_EVENTS"

// StreamPublisher is the subset of jetstream.JetStream used for outbound
// events.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Subjects follow optl.events.{event_type}.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.CoreOutput
	log       zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.CoreOutput, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out.Envelope); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.log.Warn().Int64("sequence", out.Envelope.Sequence).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

// Subject returns the outbound subject for an event type.
func Subject(t event.EventType) string {
	return "optl.events." + t.String()
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	// The event id doubles as the JetStream dedup id.
	_, err = op.js.Publish(ctx, Subject(env.EventType), data, jetstream.WithMsgID(env.EventID.String()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamEvents,
		Subjects:  []string{"optl.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", StreamEvents).Msg("ensured outbound stream")
	return nil
}
