package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes JetStream subjects and feeds raw messages to the
// dispatcher. JetStream is the high-throughput inbound surface; each
// message kind has its own subject.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawMessage is an inbound message that has not been parsed yet.
type RawMessage struct {
	Subject  string
	Kind     string
	Data     []byte
	Received time.Time
	AckFunc  func() // ACK once the message has been handled
	NakFunc  func() // NAK to have JetStream redeliver it
}

// SubjectConfig binds a subject filter to a message kind.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
}

const (
	StreamBatches = "OPTL_BATCHES"
	StreamWallet  = "OPTL_WALLET"
	StreamAdmin   = "OPTL_ADMIN"
)

func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "optl.batches.>", Kind: KindBatch, ConsumerName: "ledger-batches", StreamName: StreamBatches},
		{Subject: "optl.wallet.fund.>", Kind: KindFund, ConsumerName: "ledger-wallet-fund", StreamName: StreamWallet},
		{Subject: "optl.wallet.withdraw.>", Kind: KindWithdraw, ConsumerName: "ledger-wallet-withdraw", StreamName: StreamWallet},
		{Subject: "optl.wallet.transfer.>", Kind: KindTransfer, ConsumerName: "ledger-wallet-transfer", StreamName: StreamWallet},
		{Subject: "optl.admin.instruments.>", Kind: KindInstrument, ConsumerName: "ledger-instruments", StreamName: StreamAdmin},
		{Subject: "optl.admin.operators.>", Kind: KindOperator, ConsumerName: "ledger-operators", StreamName: StreamAdmin},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawMessage, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		log:     log,
	}
}

// Subscribe creates one durable consumer per subject.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:  msg.Subject(),
				Kind:     cfg.Kind,
				Data:     msg.Data(),
				Received: time.Now(),
				AckFunc:  func() { _ = msg.Ack() },
				NakFunc:  func() { _ = msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{Name: StreamBatches, Subjects: []string{"optl.batches.>"}},
		{Name: StreamWallet, Subjects: []string{"optl.wallet.>"}},
		{Name: StreamAdmin, Subjects: []string{"optl.admin.>"}},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("optionledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
