package broadcast

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/pkg/metrics"
)

// Broadcaster submits signed payloads through a node client, exactly one
// network write per call.
type Broadcaster struct {
	node   interfaces.NodeClient
	logger *zap.Logger
}

// NewBroadcaster wraps a node client.
func NewBroadcaster(node interfaces.NodeClient, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{node: node, logger: logger}
}

// Submit implements interfaces.Broadcaster. Classification rules:
//
//   - node acknowledged: Accepted with the message hash;
//   - node replied with a refusal (bad seqno, malformed payload, insufficient
//     balance): Rejected, terminal;
//   - anything else (timeout, connection failure, gateway 5xx): Indeterminate.
//     The node may have accepted the message before the failure, so the
//     coordinator must reconcile before any resubmission.
func (b *Broadcaster) Submit(ctx context.Context, payload []byte) *interfaces.SubmissionOutcome {
	hash, err := b.node.SendBoc(ctx, payload)
	if err == nil {
		b.logger.Info("broadcast accepted", zap.String("tx_hash", hash))
		metrics.SubmissionsTotal.WithLabelValues(string(interfaces.SubmissionAccepted)).Inc()
		return &interfaces.SubmissionOutcome{Status: interfaces.SubmissionAccepted, TxHash: hash}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		b.logger.Warn("broadcast rejected by node",
			zap.Int("code", apiErr.Code),
			zap.String("reason", apiErr.Message),
		)
		metrics.SubmissionsTotal.WithLabelValues(string(interfaces.SubmissionRejected)).Inc()
		return &interfaces.SubmissionOutcome{Status: interfaces.SubmissionRejected, Reason: apiErr.Message}
	}

	b.logger.Warn("broadcast outcome unknown", zap.Error(err))
	metrics.SubmissionsTotal.WithLabelValues(string(interfaces.SubmissionIndeterminate)).Inc()
	return &interfaces.SubmissionOutcome{Status: interfaces.SubmissionIndeterminate, Reason: err.Error()}
}
