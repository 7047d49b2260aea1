package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// instructions into the parsing shell via the eventChan. JetStream is the
// primary high-throughput ingestion surface; each instruction family has its
// own subject so consumers scale independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is the received-but-untyped instruction from NATS, ready for the
// shell to validate and convert into a typed event.Event for the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps a NATS subject to an instruction type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout: protocol and config
// registry, earn vault flows, leverage position pipeline, and oracle prices.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "vault.protocol.create.>", EventType: "ProtocolCreate", ConsumerName: "ledger-protocol-create", StreamName: "VAULT_PROTOCOL"},
		{Subject: "vault.protocol.set.>", EventType: "ProtocolSet", ConsumerName: "ledger-protocol-set", StreamName: "VAULT_PROTOCOL"},
		{Subject: "vault.protocol.owner.>", EventType: "ProtocolChangeOwner", ConsumerName: "ledger-protocol-owner", StreamName: "VAULT_PROTOCOL"},

		{Subject: "vault.config.earn.create.>", EventType: "EarnConfigCreate", ConsumerName: "ledger-earncfg-create", StreamName: "VAULT_CONFIG"},
		{Subject: "vault.config.earn.set.>", EventType: "EarnConfigSet", ConsumerName: "ledger-earncfg-set", StreamName: "VAULT_CONFIG"},
		{Subject: "vault.config.earn.indexer.>", EventType: "EarnConfigChangeIndexer", ConsumerName: "ledger-earncfg-indexer", StreamName: "VAULT_CONFIG"},
		{Subject: "vault.config.leverage.create.>", EventType: "LeverageConfigCreate", ConsumerName: "ledger-levcfg-create", StreamName: "VAULT_CONFIG"},
		{Subject: "vault.config.leverage.set.>", EventType: "LeverageConfigSet", ConsumerName: "ledger-levcfg-set", StreamName: "VAULT_CONFIG"},
		{Subject: "vault.config.leverage.keeper.>", EventType: "LeverageConfigChangeKeeper", ConsumerName: "ledger-levcfg-keeper", StreamName: "VAULT_CONFIG"},
		{Subject: "vault.config.leverage.indexer.>", EventType: "LeverageConfigChangeIndexer", ConsumerName: "ledger-levcfg-indexer", StreamName: "VAULT_CONFIG"},

		{Subject: "vault.earn.create.>", EventType: "EarnVaultCreate", ConsumerName: "ledger-earn-create", StreamName: "VAULT_EARN"},
		{Subject: "vault.earn.deposit.>", EventType: "EarnVaultDeposit", ConsumerName: "ledger-earn-deposit", StreamName: "VAULT_EARN"},
		{Subject: "vault.earn.withdraw.>", EventType: "EarnVaultWithdraw", ConsumerName: "ledger-earn-withdraw", StreamName: "VAULT_EARN"},
		{Subject: "vault.earn.oracle.>", EventType: "EarnVaultChangeOracle", ConsumerName: "ledger-earn-oracle", StreamName: "VAULT_EARN"},
		{Subject: "vault.earn.accrue.>", EventType: "EarnInterestAccrue", ConsumerName: "ledger-earn-accrue", StreamName: "VAULT_EARN"},

		{Subject: "vault.leverage.create.>", EventType: "LeverageVaultCreate", ConsumerName: "ledger-lev-create", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.liquidity.>", EventType: "LeverageVaultCreateLiquidity", ConsumerName: "ledger-lev-liquidity", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.oracle.>", EventType: "LeverageVaultChangeOracle", ConsumerName: "ledger-lev-oracle", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.fund.>", EventType: "LeverageVaultFund", ConsumerName: "ledger-lev-fund", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.close.>", EventType: "LeverageVaultClose", ConsumerName: "ledger-lev-close", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.release.>", EventType: "LeverageVaultRelease", ConsumerName: "ledger-lev-release", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.repay.>", EventType: "LeverageVaultRepayBorrow", ConsumerName: "ledger-lev-repay", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.closing.>", EventType: "LeverageVaultClosing", ConsumerName: "ledger-lev-closing", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.liquidate.>", EventType: "LeverageVaultLiquidate", ConsumerName: "ledger-lev-liquidate", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.eject.>", EventType: "LeverageVaultEject", ConsumerName: "ledger-lev-eject", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.confiscate.>", EventType: "LeverageVaultConfiscate", ConsumerName: "ledger-lev-confiscate", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.safety.>", EventType: "SetSafetyMode", ConsumerName: "ledger-lev-safety", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.ejectflag.>", EventType: "SetEmergencyEject", ConsumerName: "ledger-lev-ejectflag", StreamName: "VAULT_LEVERAGE"},
		{Subject: "vault.leverage.profittaker.>", EventType: "SetProfitTaker", ConsumerName: "ledger-lev-profittaker", StreamName: "VAULT_LEVERAGE"},

		{Subject: "vault.prices.>", EventType: "OraclePriceUpdate", ConsumerName: "ledger-prices", StreamName: "VAULT_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
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

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
				// Queued for parsing
			case <-ctx.Done():
				msg.Nak()
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

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "VAULT_PROTOCOL",
			Subjects:  []string{"vault.protocol.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_CONFIG",
			Subjects:  []string{"vault.config.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_EARN",
			Subjects:  []string{"vault.earn.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_LEVERAGE",
			Subjects:  []string{"vault.leverage.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_PRICES",
			Subjects:  []string{"vault.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
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
