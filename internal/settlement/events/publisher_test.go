package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
)

func sampleOutcome() *interfaces.SettlementOutcome {
	return &interfaces.SettlementOutcome{
		RequestID:   "wd-1",
		UserID:      uuid.New(),
		Asset:       "TON",
		Amount:      1_000_000_000,
		FinalState:  interfaces.StateConfirmed,
		TxHash:      "tx-abc",
		FinalizedAt: time.Now().UTC(),
	}
}

func TestLogPublisherNeverFails(t *testing.T) {
	p := NewLogPublisher(zap.NewNop())
	require.NoError(t, p.PublishOutcome(context.Background(), sampleOutcome()))
}

type recordingPublisher struct {
	outcomes []*interfaces.SettlementOutcome
	err      error
}

func (p *recordingPublisher) PublishOutcome(_ context.Context, o *interfaces.SettlementOutcome) error {
	p.outcomes = append(p.outcomes, o)
	return p.err
}

func TestFanoutDeliversToAllAndReportsFirstError(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("broker down")}
	healthy := &recordingPublisher{}

	fan := Fanout{failing, healthy}
	err := fan.PublishOutcome(context.Background(), sampleOutcome())

	assert.EqualError(t, err, "broker down")
	assert.Len(t, failing.outcomes, 1)
	assert.Len(t, healthy.outcomes, 1)
}

func TestFanoutEmptyIsNoop(t *testing.T) {
	require.NoError(t, Fanout{}.PublishOutcome(context.Background(), sampleOutcome()))
}
