// Package events publishes terminal settlement outcomes to downstream
// consumers (accounting, notifications, support tooling).
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
)

// DefaultTopic is where outcome events land unless configured otherwise.
const DefaultTopic = "settlement.outcomes"

// outcomeEvent is the wire form of a terminal outcome.
type outcomeEvent struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	Asset       string    `json:"asset"`
	Amount      int64     `json:"amount"`
	FinalState  string    `json:"final_state"`
	TxHash      string    `json:"tx_hash,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Attempts    int       `json:"attempts"`
	FinalizedAt time.Time `json:"finalized_at"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// KafkaPublisher implements interfaces.OutcomePublisher on a kafka topic,
// keyed by request id so per-request ordering survives partitioning.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher builds a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

// PublishOutcome implements interfaces.OutcomePublisher.
func (p *KafkaPublisher) PublishOutcome(ctx context.Context, outcome *interfaces.SettlementOutcome) error {
	payload, err := json.Marshal(outcomeEvent{
		RequestID:   outcome.RequestID,
		UserID:      outcome.UserID.String(),
		Asset:       outcome.Asset,
		Amount:      outcome.Amount,
		FinalState:  string(outcome.FinalState),
		TxHash:      outcome.TxHash,
		ErrorKind:   outcome.ErrorKind,
		LastError:   outcome.LastError,
		Attempts:    outcome.Attempts,
		FinalizedAt: outcome.FinalizedAt,
		EmittedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(outcome.RequestID),
		Value: payload,
	})
	if err != nil {
		p.logger.Error("outcome publish failed",
			zap.String("request_id", outcome.RequestID),
			zap.Error(err),
		)
	}
	return err
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher implements interfaces.OutcomePublisher on the process log.
// It is the default when no brokers are configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher builds a log-backed publisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// PublishOutcome implements interfaces.OutcomePublisher.
func (p *LogPublisher) PublishOutcome(_ context.Context, outcome *interfaces.SettlementOutcome) error {
	p.logger.Info("settlement outcome",
		zap.String("request_id", outcome.RequestID),
		zap.String("final_state", string(outcome.FinalState)),
		zap.String("tx_hash", outcome.TxHash),
		zap.String("error_kind", outcome.ErrorKind),
		zap.String("last_error", outcome.LastError),
		zap.Int("attempts", outcome.Attempts),
	)
	return nil
}

// Fanout publishes to every wrapped publisher, returning the first error
// after attempting all of them.
type Fanout []interfaces.OutcomePublisher

// PublishOutcome implements interfaces.OutcomePublisher.
func (f Fanout) PublishOutcome(ctx context.Context, outcome *interfaces.SettlementOutcome) error {
	var firstErr error
	for _, p := range f {
		if err := p.PublishOutcome(ctx, outcome); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
