package ingestion

import (
	"context"
	"fmt"
	"time"

	"OutcomeLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Inbound stream layout: one stream per event type so markets, deposits, and
// exposure feeds can be retained and scaled independently. All file-backed,
// limits retention, 72h.
const streamMaxAge = 72 * time.Hour

// RawEvent is a NATS message handed to the shell for parsing and typed
// validation before it reaches the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ack after the event is queued for the core
	NakFunc   func() // nak for redelivery
}

// SubjectConfig binds one inbound subject to its event type, stream, and
// durable consumer.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects is the standard inbound wiring.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "outcome.exposure.>", EventType: "ExposureDelta", ConsumerName: "adequacy-exposure", StreamName: "OUTCOME_EXPOSURE"},
		{Subject: "outcome.deposits.>", EventType: "CollateralDeposited", ConsumerName: "adequacy-deposits", StreamName: "OUTCOME_DEPOSITS"},
		{Subject: "outcome.withdrawals.>", EventType: "CollateralWithdrawn", ConsumerName: "adequacy-withdrawals", StreamName: "OUTCOME_WITHDRAWALS"},
		{Subject: "outcome.markets.>", EventType: "MarketRegistered", ConsumerName: "adequacy-markets", StreamName: "OUTCOME_MARKETS"},
	}
}

// NATSSubscriber feeds JetStream messages into the shell's event channel.
// NATS is the primary high-throughput ingestion surface.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe starts a durable consumer per subject: explicit ack,
// max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
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

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}
			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Stop drains and stops every consumer.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams provisions one stream per configured subject.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("nats-subscriber")

	for _, cfg := range DefaultSubjects() {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      cfg.StreamName,
			Subjects:  []string{cfg.Subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
		}
		logger.Info().Str("stream", cfg.StreamName).Msg("ensured stream")
	}

	return nil
}

// ConnectNATS dials NATS with unbounded reconnects and returns a JetStream
// handle.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
