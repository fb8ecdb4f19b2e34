// Package tracker observes the network for finality of submitted transfers
// and performs the lookup-before-retry reconciliation that keeps ambiguous
// submissions from turning into double payments.
package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/internal/settlement/ton"
)

// Config tunes the tracker's polling behavior.
type Config struct {
	// SourceAccount is the hot wallet whose transactions are scanned.
	SourceAccount string
	// ConfirmationDepth is how many masterchain blocks must pass after a
	// transaction is first observed before it counts as final.
	ConfirmationDepth uint32
	// PollInterval is the delay between polls.
	PollInterval time.Duration
	// ScanLimit is how many recent transactions each poll inspects.
	ScanLimit int
}

// Tracker implements interfaces.ConfirmationTracker by polling a node.
type Tracker struct {
	node   interfaces.NodeClient
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New builds a polling tracker.
func New(node interfaces.NodeClient, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 32
	}
	if cfg.ConfirmationDepth == 0 {
		cfg.ConfirmationDepth = 1
	}
	return &Tracker{node: node, cfg: cfg, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AwaitFinality implements interfaces.ConfirmationTracker. The first poll
// runs even when ctx is already cancelled: once a transfer has been
// submitted, the engine never abandons it without at least one observation.
func (t *Tracker) AwaitFinality(ctx context.Context, txHash string, deadline time.Time) (*interfaces.FinalityOutcome, error) {
	var (
		observedAt uint32
		observed   bool
		blockRef   string
	)

	for first := true; ; first = false {
		if !first {
			if time.Now().After(deadline) {
				if observed {
					// Seen but not deep enough: still a timeout, the caller
					// flags it rather than reversing anything.
					return &interfaces.FinalityOutcome{Status: interfaces.FinalityTimedOut, BlockRef: blockRef}, nil
				}
				return &interfaces.FinalityOutcome{Status: interfaces.FinalityNotFound}, nil
			}
			if err := t.sleep(ctx, t.cfg.PollInterval); err != nil {
				return nil, err
			}
		}

		// The first lookup ignores cancellation deliberately.
		pollCtx := ctx
		if first {
			pollCtx = context.WithoutCancel(ctx)
		}

		if !observed {
			tx, ok, err := t.findTransaction(pollCtx, txHash)
			if err != nil {
				t.logger.Warn("finality poll failed", zap.String("tx_hash", txHash), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			seqno, err := t.node.MasterchainSeqno(pollCtx)
			if err != nil {
				continue
			}
			observed, observedAt, blockRef = true, seqno, tx.Hash
			t.logger.Info("transaction observed",
				zap.String("tx_hash", txHash),
				zap.Uint32("masterchain_seqno", seqno),
			)
		}

		if observed {
			seqno, err := t.node.MasterchainSeqno(pollCtx)
			if err != nil {
				continue
			}
			if depth := seqno - observedAt; depth >= t.cfg.ConfirmationDepth {
				return &interfaces.FinalityOutcome{
					Status:        interfaces.FinalityConfirmed,
					BlockRef:      blockRef,
					Confirmations: int(depth),
				}, nil
			}
		}
	}
}

// FindMatching implements interfaces.ConfirmationTracker: scan recent source
// transactions for an outbound message carrying the intent's identity. This
// is the only safe way to resolve an indeterminate submission — resubmitting
// without this check risks paying twice.
func (t *Tracker) FindMatching(ctx context.Context, intent *interfaces.TransferIntent, window time.Duration) (string, bool, error) {
	txs, err := t.node.Transactions(ctx, t.cfg.SourceAccount, t.cfg.ScanLimit)
	if err != nil {
		return "", false, err
	}
	cutoff := time.Now().Add(-window).Unix()
	for _, tx := range txs {
		if window > 0 && tx.Utime < cutoff {
			continue
		}
		for _, msg := range tx.OutMsgs {
			if matches(intent, msg) {
				t.logger.Info("ambiguous submission matched on chain",
					zap.String("request_id", intent.RequestID),
					zap.String("tx_hash", tx.Hash),
				)
				return tx.Hash, true, nil
			}
		}
	}
	return "", false, nil
}

// findTransaction scans the source account's recent transactions for the
// given hash. Gateways also report the in-message hash, so both are checked.
func (t *Tracker) findTransaction(ctx context.Context, txHash string) (*interfaces.NodeTransaction, bool, error) {
	txs, err := t.node.Transactions(ctx, t.cfg.SourceAccount, t.cfg.ScanLimit)
	if err != nil {
		return nil, false, err
	}
	for i := range txs {
		if txs[i].Hash == txHash {
			return &txs[i], true, nil
		}
		for _, msg := range txs[i].OutMsgs {
			if msg.Hash == txHash {
				return &txs[i], true, nil
			}
		}
	}
	return nil, false, nil
}

// matches compares an observed message against the intent identity. Jetton
// transfers match on the 64-bit query id (a fingerprint prefix unique per
// request and seqno); native transfers match on destination, amount, and the
// request id carried in the comment.
func matches(intent *interfaces.TransferIntent, msg interfaces.NodeMessage) bool {
	switch intent.Kind {
	case interfaces.AssetJetton:
		return msg.QueryID != 0 && msg.QueryID == intent.QueryID()
	case interfaces.AssetNative:
		return sameAccount(msg.Destination, intent.To) &&
			msg.Value == intent.Amount &&
			msg.Comment == intent.RequestID
	default:
		return false
	}
}

// sameAccount compares two addresses in any textual form.
func sameAccount(a, b string) bool {
	if a == b {
		return true
	}
	pa, errA := ton.ParseAddress(a)
	pb, errB := ton.ParseAddress(b)
	return errA == nil && errB == nil && pa == pb
}
