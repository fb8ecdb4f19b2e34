// Package coordinator drives withdrawal requests through the settlement state
// machine: validate, build, sign, broadcast, confirm, and — when a submission
// outcome is unknowable — reconcile against the chain before any retry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/internal/settlement/strategy"
	"github.com/nebulaex/tonsettle/pkg/metrics"
)

// Config bounds the engine's retry behavior and finality windows.
type Config struct {
	// HotWallet is the signing wallet whose seqno orders every transfer.
	HotWallet string
	// MaxSigningAttempts bounds retries of retryable build/sign failures.
	MaxSigningAttempts int
	// MaxReconcileAttempts bounds rebuild rounds after ambiguous submissions.
	MaxReconcileAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	FinalityDeadline     time.Duration
	// LookupWindow bounds how far back reconciliation scans for a match.
	LookupWindow time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxSigningAttempts <= 0 {
		c.MaxSigningAttempts = 3
	}
	if c.MaxReconcileAttempts <= 0 {
		c.MaxReconcileAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.FinalityDeadline <= 0 {
		c.FinalityDeadline = 10 * time.Minute
	}
	if c.LookupWindow <= 0 {
		c.LookupWindow = 30 * time.Minute
	}
}

// Engine is the settlement coordinator.
type Engine struct {
	cfg        Config
	store      interfaces.SettlementStore
	registry   *strategy.Registry
	assembler  interfaces.PayloadAssembler
	signer     interfaces.Signer
	broadcast  interfaces.Broadcaster
	tracker    interfaces.ConfirmationTracker
	publisher  interfaces.OutcomePublisher
	node       interfaces.NodeClient
	cache      interfaces.AddressCache // optional
	logger     *zap.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// New wires an engine. cache may be nil.
func New(
	cfg Config,
	store interfaces.SettlementStore,
	registry *strategy.Registry,
	assembler interfaces.PayloadAssembler,
	signer interfaces.Signer,
	broadcaster interfaces.Broadcaster,
	tracker interfaces.ConfirmationTracker,
	publisher interfaces.OutcomePublisher,
	node interfaces.NodeClient,
	cache interfaces.AddressCache,
	logger *zap.Logger,
) *Engine {
	cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		assembler: assembler,
		signer:    signer,
		broadcast: broadcaster,
		tracker:   tracker,
		publisher: publisher,
		node:      node,
		cache:     cache,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
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

// Settle drives one withdrawal request to a terminal state and returns the
// final record. A request id seen before returns the existing record with a
// KindDuplicateRequest error and causes no side effects.
func (e *Engine) Settle(ctx context.Context, req *interfaces.WithdrawalRequest) (*interfaces.SettlementRecord, error) {
	rec := &interfaces.SettlementRecord{
		RequestID:   req.ID,
		UserID:      req.UserID,
		Asset:       req.Asset,
		Amount:      req.Amount,
		Destination: req.Destination,
		State:       interfaces.StatePending,
		CreatedAt:   e.now().UTC(),
		UpdatedAt:   e.now().UTC(),
	}
	if err := e.store.Create(ctx, rec); err != nil {
		if interfaces.IsKind(err, interfaces.KindDuplicateRequest) {
			existing, getErr := e.store.Get(ctx, req.ID)
			if getErr != nil {
				return nil, getErr
			}
			e.logger.Info("duplicate withdrawal request",
				zap.String("request_id", req.ID),
				zap.String("state", string(existing.State)),
			)
			return existing, err
		}
		return nil, err
	}

	started := e.now()
	e.run(ctx, req, rec)
	metrics.SettlementDuration.Observe(e.now().Sub(started).Seconds())

	final, err := e.store.Get(context.WithoutCancel(ctx), req.ID)
	if err != nil {
		return rec, err
	}
	return final, nil
}

// Status returns the settlement record for a request id.
func (e *Engine) Status(ctx context.Context, requestID string) (*interfaces.SettlementRecord, error) {
	return e.store.Get(ctx, requestID)
}

// run executes the pipeline. Every exit path lands the record in a terminal
// state and emits exactly one outcome.
func (e *Engine) run(ctx context.Context, req *interfaces.WithdrawalRequest, rec *interfaces.SettlementRecord) {
	strat, err := e.registry.Lookup(req.Asset)
	if err != nil {
		e.fail(ctx, rec, interfaces.StatePending, err)
		return
	}

	sub, err := e.resolve(ctx, strat, req.OwnerAddress)
	if err != nil {
		e.fail(ctx, rec, interfaces.StatePending, err)
		return
	}

	// The seqno is fetched once and pinned for the lifetime of the request:
	// every rebuild reuses it, so at most one message for this request can
	// ever pass the wallet's seqno check.
	seqno, err := e.node.Seqno(ctx, e.cfg.HotWallet)
	if err != nil {
		e.fail(ctx, rec, interfaces.StatePending, interfaces.E(interfaces.KindInternal, err))
		return
	}

	intent, payload, err := e.buildAndSeal(ctx, strat, req, sub, rec, interfaces.StatePending, seqno)
	if err != nil {
		return // buildAndSeal already failed the record
	}

	signature, err := e.sign(ctx, payload.SigningHash)
	if err != nil {
		e.fail(ctx, rec, interfaces.StateBuilt, err)
		return
	}
	if !e.transition(ctx, rec, interfaces.StateBuilt, interfaces.StateSigned, nil) {
		return
	}

	boc, err := payload.Envelope(signature)
	if err != nil {
		e.fail(ctx, rec, interfaces.StateSigned, interfaces.E(interfaces.KindInternal, err))
		return
	}

	e.submitAndTrack(ctx, req, rec, strat, sub, intent, boc)
}

// submitAndTrack broadcasts a signed payload and follows it to finality,
// reconciling indeterminate submissions. It owns the Signed → terminal part
// of the state machine.
func (e *Engine) submitAndTrack(
	ctx context.Context,
	req *interfaces.WithdrawalRequest,
	rec *interfaces.SettlementRecord,
	strat strategy.Strategy,
	sub *interfaces.SubAccountAddress,
	intent *interfaces.TransferIntent,
	boc []byte,
) {
	reconciles := 0
	for {
		outcome := e.broadcast.Submit(ctx, boc)

		switch outcome.Status {
		case interfaces.SubmissionAccepted:
			rec.TxHash = outcome.TxHash
			if !e.transition(ctx, rec, interfaces.StateSigned, interfaces.StateSubmitted, nil) {
				return
			}
			metrics.ReconcileRetries.Observe(float64(reconciles))
			e.track(ctx, rec)
			return

		case interfaces.SubmissionRejected:
			if reconciles == 0 {
				e.fail(ctx, rec, interfaces.StateSigned,
					interfaces.Errorf(interfaces.KindSubmissionRejected, "node rejected submission: %s", outcome.Reason))
				return
			}
			// A resubmission is pinned to the original seqno, so a refusal
			// here usually means the lost message landed and advanced the
			// wallet. Check the chain before declaring failure.
			if !e.transition(ctx, rec, interfaces.StateSigned, interfaces.StateReconciling, nil) {
				return
			}
			txHash, found, err := e.lookup(ctx, intent)
			if err != nil {
				e.fail(ctx, rec, interfaces.StateReconciling, interfaces.E(interfaces.KindSubmissionAmbiguous, err))
				return
			}
			if found {
				if !e.adopt(ctx, rec, txHash, reconciles) {
					return
				}
				e.track(ctx, rec)
				return
			}
			e.fail(ctx, rec, interfaces.StateReconciling,
				interfaces.Errorf(interfaces.KindSubmissionRejected, "node rejected resubmission: %s", outcome.Reason))
			return

		case interfaces.SubmissionIndeterminate:
			if !e.transition(ctx, rec, interfaces.StateSigned, interfaces.StateReconciling, nil) {
				return
			}
			// From here on the transfer may be on chain: the settlement runs
			// to a terminal state even if the caller has gone away.
			ctx = context.WithoutCancel(ctx)

			txHash, found, err := e.lookup(ctx, intent)
			if err != nil {
				e.fail(ctx, rec, interfaces.StateReconciling, interfaces.E(interfaces.KindSubmissionAmbiguous, err))
				return
			}
			if found {
				e.logger.Info("indeterminate submission had landed",
					zap.String("request_id", rec.RequestID),
					zap.String("tx_hash", txHash),
				)
				if !e.adopt(ctx, rec, txHash, reconciles) {
					return
				}
				e.track(ctx, rec)
				return
			}

			reconciles++
			if reconciles >= e.cfg.MaxReconcileAttempts {
				e.fail(ctx, rec, interfaces.StateReconciling,
					interfaces.Errorf(interfaces.KindSubmissionAmbiguous,
						"submission outcome unresolved after %d attempts", reconciles))
				return
			}
			if err := e.sleep(ctx, e.backoff(reconciles)); err != nil {
				e.fail(ctx, rec, interfaces.StateReconciling, interfaces.E(interfaces.KindSubmissionAmbiguous, err))
				return
			}

			// The lost message most often lands during the backoff, so look
			// again right before rebuilding.
			txHash, found, err = e.lookup(ctx, intent)
			if err != nil {
				e.fail(ctx, rec, interfaces.StateReconciling, interfaces.E(interfaces.KindSubmissionAmbiguous, err))
				return
			}
			if found {
				e.logger.Info("indeterminate submission landed during backoff",
					zap.String("request_id", rec.RequestID),
					zap.String("tx_hash", txHash),
				)
				if !e.adopt(ctx, rec, txHash, reconciles) {
					return
				}
				e.track(ctx, rec)
				return
			}

			// Still not on chain: rebuild at the ORIGINAL seqno. Reusing the
			// seqno makes the lost message and its replacement mutually
			// exclusive on chain; if the lost one lands after this point the
			// resubmission bounces off the wallet's seqno check and the
			// Rejected branch above re-checks the chain.
			if !e.transition(ctx, rec, interfaces.StateReconciling, interfaces.StateBuilt, func(r *interfaces.SettlementRecord) {
				r.Attempts++
			}) {
				return
			}
			var payload *interfaces.UnsignedPayload
			intent, payload, _ = e.rebuild(ctx, strat, req, sub, rec)
			if intent == nil {
				return // rebuild already failed the record
			}
			signature, err := e.sign(ctx, payload.SigningHash)
			if err != nil {
				e.fail(ctx, rec, interfaces.StateBuilt, err)
				return
			}
			if !e.transition(ctx, rec, interfaces.StateBuilt, interfaces.StateSigned, nil) {
				return
			}
			boc, err = payload.Envelope(signature)
			if err != nil {
				e.fail(ctx, rec, interfaces.StateSigned, interfaces.E(interfaces.KindInternal, err))
				return
			}
		}
	}
}

// adopt records a chain-recovered transaction hash and moves the record from
// Reconciling to Submitted.
func (e *Engine) adopt(ctx context.Context, rec *interfaces.SettlementRecord, txHash string, reconciles int) bool {
	rec.TxHash = txHash
	if !e.transition(ctx, rec, interfaces.StateReconciling, interfaces.StateSubmitted, nil) {
		return false
	}
	metrics.ReconcileRetries.Observe(float64(reconciles))
	return true
}

// track follows a submitted transfer to finality. Submitted state is the
// point of no return: cancellation no longer interrupts the flow.
func (e *Engine) track(ctx context.Context, rec *interfaces.SettlementRecord) {
	ctx = context.WithoutCancel(ctx)
	if !e.transition(ctx, rec, interfaces.StateSubmitted, interfaces.StateAwaitingConfirmation, nil) {
		return
	}

	deadline := e.now().Add(e.cfg.FinalityDeadline)
	finality, err := e.tracker.AwaitFinality(ctx, rec.TxHash, deadline)
	if err != nil {
		e.fail(ctx, rec, interfaces.StateAwaitingConfirmation,
			interfaces.E(interfaces.KindFinalityTimeout, err))
		return
	}

	switch finality.Status {
	case interfaces.FinalityConfirmed:
		e.confirm(ctx, rec, finality)
	case interfaces.FinalityTimedOut, interfaces.FinalityNotFound:
		e.fail(ctx, rec, interfaces.StateAwaitingConfirmation,
			interfaces.Errorf(interfaces.KindFinalityTimeout,
				"no finality within %s (status %s)", e.cfg.FinalityDeadline, finality.Status))
	}
}

// resolve derives the sub-account address, going through the cache when one
// is configured. The cache key embeds the parameters fingerprint so contract
// upgrades invalidate stale entries without coordination.
func (e *Engine) resolve(ctx context.Context, strat strategy.Strategy, owner string) (*interfaces.SubAccountAddress, error) {
	key := fmt.Sprintf("subaccount:%s:%s:%s", strat.Kind(), strat.ParamsFingerprint(), owner)
	if e.cache != nil {
		if sub, ok := e.cache.Get(ctx, key); ok {
			return sub, nil
		}
	}
	sub, err := strat.Resolve(owner)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, key, sub)
	}
	return sub, nil
}

// buildAndSeal builds the intent at the given seqno (retrying fee quotes),
// assembles the payload, and commits from → Built. On failure the record is
// already failed and (nil, nil, err) is returned.
func (e *Engine) buildAndSeal(
	ctx context.Context,
	strat strategy.Strategy,
	req *interfaces.WithdrawalRequest,
	sub *interfaces.SubAccountAddress,
	rec *interfaces.SettlementRecord,
	from interfaces.SettlementState,
	seqno uint32,
) (*interfaces.TransferIntent, *interfaces.UnsignedPayload, error) {
	var intent *interfaces.TransferIntent
	err := e.withRetries(ctx, func() error {
		var buildErr error
		intent, buildErr = strat.Build(ctx, req, sub, seqno, rec.Attempts)
		return buildErr
	})
	if err != nil {
		e.fail(ctx, rec, from, err)
		return nil, nil, err
	}

	payload, err := e.assembler.Assemble(intent)
	if err != nil {
		err = interfaces.E(interfaces.KindInternal, err)
		e.fail(ctx, rec, from, err)
		return nil, nil, err
	}

	if from != interfaces.StateBuilt {
		if !e.transition(ctx, rec, from, interfaces.StateBuilt, func(r *interfaces.SettlementRecord) {
			r.Seqno = seqno
		}) {
			return nil, nil, interfaces.ErrStaleState
		}
	} else {
		rec.Seqno = seqno
	}
	return intent, payload, nil
}

// rebuild re-runs buildAndSeal for a record already in Built (reconcile
// path), at the seqno pinned when the record was first built.
func (e *Engine) rebuild(
	ctx context.Context,
	strat strategy.Strategy,
	req *interfaces.WithdrawalRequest,
	sub *interfaces.SubAccountAddress,
	rec *interfaces.SettlementRecord,
) (*interfaces.TransferIntent, *interfaces.UnsignedPayload, error) {
	return e.buildAndSeal(ctx, strat, req, sub, rec, interfaces.StateBuilt, rec.Seqno)
}

// sign obtains a signature, retrying transient signer failures.
func (e *Engine) sign(ctx context.Context, digest []byte) ([]byte, error) {
	var signature []byte
	err := e.withRetries(ctx, func() error {
		var signErr error
		signature, signErr = e.signer.Sign(ctx, digest)
		if signErr != nil && !interfaces.KindOf(signErr).Retryable() {
			return interfaces.E(interfaces.KindSigning, signErr)
		}
		return signErr
	})
	if err != nil {
		return nil, err
	}
	return signature, nil
}

// lookup runs FindMatching; the first call ignores cancellation so the guard
// always executes at least once.
func (e *Engine) lookup(ctx context.Context, intent *interfaces.TransferIntent) (string, bool, error) {
	return e.tracker.FindMatching(context.WithoutCancel(ctx), intent, e.cfg.LookupWindow)
}

// withRetries runs fn up to MaxSigningAttempts times, backing off between
// attempts, retrying only retryable error kinds.
func (e *Engine) withRetries(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < e.cfg.MaxSigningAttempts; attempt++ {
		if attempt > 0 {
			if sleepErr := e.sleep(ctx, e.backoff(attempt)); sleepErr != nil {
				return err
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !interfaces.KindOf(err).Retryable() {
			return err
		}
		e.logger.Warn("retryable settlement step failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

// backoff computes the bounded exponential delay with jitter for an attempt
// (1-based).
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase << (attempt - 1)
	if d > e.cfg.BackoffMax || d <= 0 {
		d = e.cfg.BackoffMax
	}
	// Up to 25% jitter keeps concurrent retries from synchronizing. The
	// top-level rand functions are safe for concurrent settlements.
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// transition commits a state change through the store's compare-and-set,
// applying mutate to the record first. A false return means another
// coordinator won the race and this one must stop silently.
func (e *Engine) transition(
	ctx context.Context,
	rec *interfaces.SettlementRecord,
	from, to interfaces.SettlementState,
	mutate func(*interfaces.SettlementRecord),
) bool {
	rec.State = to
	rec.UpdatedAt = e.now().UTC()
	if mutate != nil {
		mutate(rec)
	}
	if err := e.store.Transition(ctx, rec, from); err != nil {
		if errors.Is(err, interfaces.ErrStaleState) {
			e.logger.Warn("lost settlement transition race",
				zap.String("request_id", rec.RequestID),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
			)
			return false
		}
		e.logger.Error("settlement transition failed",
			zap.String("request_id", rec.RequestID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// fail lands the record in Failed and emits the single terminal outcome.
func (e *Engine) fail(ctx context.Context, rec *interfaces.SettlementRecord, from interfaces.SettlementState, cause error) {
	kind := interfaces.KindOf(cause)
	now := e.now().UTC()
	ok := e.transition(ctx, rec, from, interfaces.StateFailed, func(r *interfaces.SettlementRecord) {
		r.ErrorKind = string(kind)
		r.LastError = cause.Error()
		r.FinalizedAt = &now
	})
	if !ok {
		return
	}

	e.logger.Warn("settlement failed",
		zap.String("request_id", rec.RequestID),
		zap.String("error_kind", string(kind)),
		zap.Error(cause),
	)
	metrics.SettlementsTotal.WithLabelValues(string(interfaces.StateFailed), string(kind)).Inc()
	e.emit(ctx, rec, now)
}

// confirm lands the record in Confirmed and emits the single terminal
// outcome.
func (e *Engine) confirm(ctx context.Context, rec *interfaces.SettlementRecord, finality *interfaces.FinalityOutcome) {
	now := e.now().UTC()
	ok := e.transition(ctx, rec, interfaces.StateAwaitingConfirmation, interfaces.StateConfirmed, func(r *interfaces.SettlementRecord) {
		r.Confirmations = finality.Confirmations
		r.FinalizedAt = &now
	})
	if !ok {
		return
	}

	e.logger.Info("settlement confirmed",
		zap.String("request_id", rec.RequestID),
		zap.String("tx_hash", rec.TxHash),
		zap.Int("confirmations", finality.Confirmations),
	)
	metrics.SettlementsTotal.WithLabelValues(string(interfaces.StateConfirmed), "").Inc()
	e.emit(ctx, rec, now)
}

// emit publishes the terminal outcome. Publishing failures are logged, not
// retried: the record is the source of truth and the publisher is best
// effort.
func (e *Engine) emit(ctx context.Context, rec *interfaces.SettlementRecord, finalizedAt time.Time) {
	outcome := &interfaces.SettlementOutcome{
		RequestID:   rec.RequestID,
		UserID:      rec.UserID,
		Asset:       rec.Asset,
		Amount:      rec.Amount,
		FinalState:  rec.State,
		TxHash:      rec.TxHash,
		ErrorKind:   rec.ErrorKind,
		LastError:   rec.LastError,
		Attempts:    rec.Attempts,
		FinalizedAt: finalizedAt,
	}
	if err := e.publisher.PublishOutcome(ctx, outcome); err != nil {
		e.logger.Error("outcome publish failed",
			zap.String("request_id", rec.RequestID),
			zap.Error(err),
		)
	}
}
