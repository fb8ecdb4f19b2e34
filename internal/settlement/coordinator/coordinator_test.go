package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/internal/settlement/store"
	"github.com/nebulaex/tonsettle/internal/settlement/strategy"
)

type fakeStrategy struct {
	kind      interfaces.AssetKind
	buildErrs []error // consumed one per Build call before success
	builds    int32

	mu     sync.Mutex
	seqnos []uint32 // seqno of every Build call, in order
}

func (s *fakeStrategy) Kind() interfaces.AssetKind { return s.kind }

func (s *fakeStrategy) Resolve(owner string) (*interfaces.SubAccountAddress, error) {
	return &interfaces.SubAccountAddress{Owner: owner, Derived: owner}, nil
}

func (s *fakeStrategy) ParamsFingerprint() string { return "test" }

func (s *fakeStrategy) Build(_ context.Context, req *interfaces.WithdrawalRequest, sub *interfaces.SubAccountAddress, seqno uint32, attempt int) (*interfaces.TransferIntent, error) {
	s.mu.Lock()
	s.seqnos = append(s.seqnos, seqno)
	s.mu.Unlock()
	n := atomic.AddInt32(&s.builds, 1)
	if int(n) <= len(s.buildErrs) {
		if err := s.buildErrs[n-1]; err != nil {
			return nil, err
		}
	}
	return &interfaces.TransferIntent{
		RequestID: req.ID,
		Asset:     req.Asset,
		Kind:      s.kind,
		From:      sub.Derived,
		To:        req.Destination,
		Amount:    req.Amount,
		Seqno:     seqno,
		Attempt:   attempt,
	}, nil
}

type fakeAssembler struct{ calls int32 }

func (a *fakeAssembler) Assemble(intent *interfaces.TransferIntent) (*interfaces.UnsignedPayload, error) {
	atomic.AddInt32(&a.calls, 1)
	digest := intent.Fingerprint()
	return &interfaces.UnsignedPayload{
		SigningHash: digest[:],
		Envelope: func(signature []byte) ([]byte, error) {
			return append(append([]byte{}, signature...), digest[:]...), nil
		},
	}, nil
}

type fakeSigner struct {
	calls int32
	errs  []error // consumed one per call before success
}

func (s *fakeSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if int(n) <= len(s.errs) {
		if err := s.errs[n-1]; err != nil {
			return nil, err
		}
	}
	sig := make([]byte, 64)
	copy(sig, digest)
	return sig, nil
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	outcomes []*interfaces.SubmissionOutcome
	calls    int
}

func (b *fakeBroadcaster) Submit(context.Context, []byte) *interfaces.SubmissionOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if len(b.outcomes) == 0 {
		return &interfaces.SubmissionOutcome{Status: interfaces.SubmissionAccepted, TxHash: "tx-default"}
	}
	out := b.outcomes[0]
	b.outcomes = b.outcomes[1:]
	return out
}

func (b *fakeBroadcaster) submits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (s *fakeStrategy) buildSeqnos() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.seqnos))
	copy(out, s.seqnos)
	return out
}

type matchResult struct {
	hash  string
	found bool
}

type fakeTracker struct {
	finality    *interfaces.FinalityOutcome
	finalityErr error
	matches     []matchResult // consumed one per FindMatching call; last repeats
	findCalls   int32
}

func (t *fakeTracker) AwaitFinality(context.Context, string, time.Time) (*interfaces.FinalityOutcome, error) {
	if t.finalityErr != nil {
		return nil, t.finalityErr
	}
	if t.finality != nil {
		return t.finality, nil
	}
	return &interfaces.FinalityOutcome{Status: interfaces.FinalityConfirmed, Confirmations: 3}, nil
}

func (t *fakeTracker) FindMatching(context.Context, *interfaces.TransferIntent, time.Duration) (string, bool, error) {
	n := atomic.AddInt32(&t.findCalls, 1)
	if len(t.matches) == 0 {
		return "", false, nil
	}
	i := int(n) - 1
	if i >= len(t.matches) {
		i = len(t.matches) - 1
	}
	return t.matches[i].hash, t.matches[i].found, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	outcomes []*interfaces.SettlementOutcome
}

func (p *fakePublisher) PublishOutcome(_ context.Context, o *interfaces.SettlementOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, o)
	return nil
}

func (p *fakePublisher) published() []*interfaces.SettlementOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*interfaces.SettlementOutcome, len(p.outcomes))
	copy(out, p.outcomes)
	return out
}

type fakeNode struct {
	mu    sync.Mutex
	seqno uint32
	step  uint32 // the wallet advances by step after every fetch
	calls int
}

func (n *fakeNode) Seqno(context.Context, string) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.seqno
	n.calls++
	n.seqno += n.step
	return s, nil
}

func (n *fakeNode) seqnoCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func (n *fakeNode) SendBoc(context.Context, []byte) (string, error) { return "", nil }
func (n *fakeNode) Transactions(context.Context, string, int) ([]interfaces.NodeTransaction, error) {
	return nil, nil
}
func (n *fakeNode) MasterchainSeqno(context.Context) (uint32, error) { return 100, nil }
func (n *fakeNode) EstimateFee(context.Context, string, []byte) (int64, error) {
	return 5_000_000, nil
}

type harness struct {
	engine    *Engine
	store     *store.MemoryStore
	strategy  *fakeStrategy
	assembler *fakeAssembler
	signer    *fakeSigner
	broadcast *fakeBroadcaster
	tracker   *fakeTracker
	publisher *fakePublisher
	node      *fakeNode
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemoryStore(),
		strategy:  &fakeStrategy{kind: interfaces.AssetNative},
		assembler: &fakeAssembler{},
		signer:    &fakeSigner{},
		broadcast: &fakeBroadcaster{},
		tracker:   &fakeTracker{},
		publisher: &fakePublisher{},
		node:      &fakeNode{seqno: 41},
	}
	registry := strategy.NewRegistry()
	registry.Register("TON", h.strategy)

	h.engine = New(
		Config{
			HotWallet:            "hot-wallet",
			MaxSigningAttempts:   3,
			MaxReconcileAttempts: 3,
			BackoffBase:          time.Millisecond,
			BackoffMax:           2 * time.Millisecond,
			FinalityDeadline:     time.Minute,
		},
		h.store, registry, h.assembler, h.signer, h.broadcast,
		h.tracker, h.publisher, h.node, nil, zap.NewNop(),
	)
	h.engine.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func request(id string) *interfaces.WithdrawalRequest {
	return &interfaces.WithdrawalRequest{
		ID:           id,
		UserID:       uuid.New(),
		OwnerAddress: "owner-1",
		Asset:        "TON",
		Destination:  "dest-1",
		Amount:       1_000_000_000,
		RequestedAt:  time.Now(),
	}
}

func TestSettleConfirmsAcceptedTransfer(t *testing.T) {
	h := newHarness(t)
	h.broadcast.outcomes = []*interfaces.SubmissionOutcome{
		{Status: interfaces.SubmissionAccepted, TxHash: "tx-abc"},
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-1"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateConfirmed, rec.State)
	assert.Equal(t, "tx-abc", rec.TxHash)
	assert.Equal(t, 3, rec.Confirmations)
	assert.Equal(t, uint32(41), rec.Seqno)
	require.NotNil(t, rec.FinalizedAt)

	outcomes := h.publisher.published()
	require.Len(t, outcomes, 1)
	assert.Equal(t, interfaces.StateConfirmed, outcomes[0].FinalState)
	assert.Equal(t, "tx-abc", outcomes[0].TxHash)
}

func TestSettleDuplicateRequestIsInert(t *testing.T) {
	h := newHarness(t)

	first, err := h.engine.Settle(context.Background(), request("wd-dup"))
	require.NoError(t, err)
	require.Equal(t, interfaces.StateConfirmed, first.State)

	signs := atomic.LoadInt32(&h.signer.calls)
	submits := h.broadcast.submits()

	second, err := h.engine.Settle(context.Background(), request("wd-dup"))
	require.Error(t, err)
	assert.True(t, interfaces.IsKind(err, interfaces.KindDuplicateRequest))
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.TxHash, second.TxHash)

	// The duplicate touches neither the signer nor the network.
	assert.Equal(t, signs, atomic.LoadInt32(&h.signer.calls))
	assert.Equal(t, submits, h.broadcast.submits())
	assert.Len(t, h.publisher.published(), 1)
}

func TestSettleConcurrentDuplicatesSingleWinner(t *testing.T) {
	h := newHarness(t)

	const workers = 12
	var wg sync.WaitGroup
	var duplicates int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Settle(context.Background(), request("wd-race"))
			if interfaces.IsKind(err, interfaces.KindDuplicateRequest) {
				atomic.AddInt32(&duplicates, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(workers-1), atomic.LoadInt32(&duplicates))
	assert.Len(t, h.publisher.published(), 1)
	assert.Equal(t, 1, h.broadcast.submits())
}

func TestSettleRejectedSubmissionFailsTerminally(t *testing.T) {
	h := newHarness(t)
	h.broadcast.outcomes = []*interfaces.SubmissionOutcome{
		{Status: interfaces.SubmissionRejected, Reason: "invalid seqno"},
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-rej"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateFailed, rec.State)
	assert.Equal(t, string(interfaces.KindSubmissionRejected), rec.ErrorKind)
	assert.Contains(t, rec.LastError, "invalid seqno")
	assert.Equal(t, 1, h.broadcast.submits())

	outcomes := h.publisher.published()
	require.Len(t, outcomes, 1)
	assert.Equal(t, interfaces.StateFailed, outcomes[0].FinalState)
}

func TestSettleIndeterminateThenFoundOnChain(t *testing.T) {
	h := newHarness(t)
	h.broadcast.outcomes = []*interfaces.SubmissionOutcome{
		{Status: interfaces.SubmissionIndeterminate, Reason: "gateway timeout"},
	}
	h.tracker.matches = []matchResult{{hash: "tx-found", found: true}}

	rec, err := h.engine.Settle(context.Background(), request("wd-amb"))
	require.NoError(t, err)

	// The transfer had landed: no resubmission, confirmed with the hash the
	// lookup recovered.
	assert.Equal(t, interfaces.StateConfirmed, rec.State)
	assert.Equal(t, "tx-found", rec.TxHash)
	assert.Equal(t, 1, h.broadcast.submits())
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.tracker.findCalls))
}

func TestSettleIndeterminateThenRebuildAndResubmit(t *testing.T) {
	h := newHarness(t)
	h.broadcast.outcomes = []*interfaces.SubmissionOutcome{
		{Status: interfaces.SubmissionIndeterminate, Reason: "gateway timeout"},
		{Status: interfaces.SubmissionAccepted, TxHash: "tx-retry"},
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-retry"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateConfirmed, rec.State)
	assert.Equal(t, "tx-retry", rec.TxHash)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 2, h.broadcast.submits())
	assert.EqualValues(t, 2, atomic.LoadInt32(&h.strategy.builds))
	// The chain was checked both before and after the backoff.
	assert.EqualValues(t, 2, atomic.LoadInt32(&h.tracker.findCalls))
	assert.Equal(t, uint32(41), rec.Seqno)
}

func TestSettleIndeterminateLandsDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.broadcast.outcomes = []*interfaces.SubmissionOutcome{
		{Status: interfaces.SubmissionIndeterminate, Reason: "gateway timeout"},
	}
	// Not on chain at the first check, visible after the backoff.
	h.tracker.matches = []matchResult{
		{},
		{hash: "tx-late", found: true},
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-late"))
	require.NoError(t, err)

	// The second look catches the landed transfer, so nothing is rebuilt or
	// resubmitted and the user is paid exactly once.
	assert.Equal(t, interfaces.StateConfirmed, rec.State)
	assert.Equal(t, "tx-late", rec.TxHash)
	assert.Equal(t, 1, h.broadcast.submits())
	assert.EqualValues(t, 2, atomic.LoadInt32(&h.tracker.findCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.strategy.builds))
}

func TestSettleRebuildKeepsOriginalSeqno(t *testing.T) {
	h := newHarness(t)
	h.node.step = 1 // the wallet moves between fetches
	h.broadcast.outcomes = []*interfaces.SubmissionOutcome{
		{Status: interfaces.SubmissionIndeterminate, Reason: "gateway timeout"},
		{Status: interfaces.SubmissionAccepted, TxHash: "tx-pinned"},
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-pin"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateConfirmed, rec.State)
	// The seqno is fetched once and every rebuild reuses it, so the lost
	// message and its replacement can never both pass the wallet's check.
	assert.Equal(t, 1, h.node.seqnoCalls())
	assert.Equal(t, []uint32{41, 41}, h.strategy.buildSeqnos())
	assert.Equal(t, uint32(41), rec.Seqno)
}

func TestSettleRejectedResubmissionRechecksChain(t *testing.T) {
	h := newHarness(t)
	h.broadcast.outcomes = []*interfaces.SubmissionOutcome{
		{Status: interfaces.SubmissionIndeterminate, Reason: "gateway timeout"},
		{Status: interfaces.SubmissionRejected, Reason: "invalid seqno"},
	}
	// The lost original lands right after the rebuild was sent, bouncing the
	// resubmission off the seqno check.
	h.tracker.matches = []matchResult{
		{},
		{},
		{hash: "tx-landed", found: true},
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-bounce"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateConfirmed, rec.State)
	assert.Equal(t, "tx-landed", rec.TxHash)
	assert.Equal(t, 2, h.broadcast.submits())
	assert.EqualValues(t, 3, atomic.LoadInt32(&h.tracker.findCalls))
}

func TestSettleRejectedResubmissionNotOnChainFails(t *testing.T) {
	h := newHarness(t)
	h.broadcast.outcomes = []*interfaces.SubmissionOutcome{
		{Status: interfaces.SubmissionIndeterminate, Reason: "gateway timeout"},
		{Status: interfaces.SubmissionRejected, Reason: "message expired"},
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-expired"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateFailed, rec.State)
	assert.Equal(t, string(interfaces.KindSubmissionRejected), rec.ErrorKind)
	assert.Contains(t, rec.LastError, "rejected resubmission")
	assert.EqualValues(t, 3, atomic.LoadInt32(&h.tracker.findCalls))
}

func TestSettleAmbiguityCeilingFails(t *testing.T) {
	h := newHarness(t)
	h.broadcast.outcomes = []*interfaces.SubmissionOutcome{
		{Status: interfaces.SubmissionIndeterminate},
		{Status: interfaces.SubmissionIndeterminate},
		{Status: interfaces.SubmissionIndeterminate},
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-ceiling"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateFailed, rec.State)
	assert.Equal(t, string(interfaces.KindSubmissionAmbiguous), rec.ErrorKind)
	// MaxReconcileAttempts=3 allows two rebuilds before giving up, each
	// preceded and followed by a chain check.
	assert.Equal(t, 3, h.broadcast.submits())
	assert.EqualValues(t, 5, atomic.LoadInt32(&h.tracker.findCalls))
	require.Len(t, h.publisher.published(), 1)
}

func TestSettleFinalityTimeoutFails(t *testing.T) {
	h := newHarness(t)
	h.tracker.finality = &interfaces.FinalityOutcome{Status: interfaces.FinalityTimedOut}

	rec, err := h.engine.Settle(context.Background(), request("wd-slow"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateFailed, rec.State)
	assert.Equal(t, string(interfaces.KindFinalityTimeout), rec.ErrorKind)
	// The transfer may still land: the hash stays on the record for support.
	assert.Equal(t, "tx-default", rec.TxHash)
}

func TestSettleUnsupportedAssetFails(t *testing.T) {
	h := newHarness(t)
	req := request("wd-asset")
	req.Asset = "DOGE"

	rec, err := h.engine.Settle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateFailed, rec.State)
	assert.Equal(t, string(interfaces.KindUnsupportedAsset), rec.ErrorKind)
	assert.Zero(t, h.broadcast.submits())
	assert.Zero(t, atomic.LoadInt32(&h.signer.calls))
}

func TestSettleRetriesRetryableBuildFailures(t *testing.T) {
	h := newHarness(t)
	h.strategy.buildErrs = []error{
		interfaces.Errorf(interfaces.KindFeeQuoteUnavailable, "quote down"),
		interfaces.Errorf(interfaces.KindFeeQuoteUnavailable, "quote down"),
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-fee"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateConfirmed, rec.State)
	assert.EqualValues(t, 3, atomic.LoadInt32(&h.strategy.builds))
}

func TestSettleExhaustedRetryableBuildFails(t *testing.T) {
	h := newHarness(t)
	h.strategy.buildErrs = []error{
		interfaces.Errorf(interfaces.KindFeeQuoteUnavailable, "quote down"),
		interfaces.Errorf(interfaces.KindFeeQuoteUnavailable, "quote down"),
		interfaces.Errorf(interfaces.KindFeeQuoteUnavailable, "quote down"),
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-fee-down"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateFailed, rec.State)
	assert.Equal(t, string(interfaces.KindFeeQuoteUnavailable), rec.ErrorKind)
	assert.Zero(t, h.broadcast.submits())
}

func TestSettleRetriesTransientSignerFailures(t *testing.T) {
	h := newHarness(t)
	h.signer.errs = []error{fmt.Errorf("hsm busy")}

	rec, err := h.engine.Settle(context.Background(), request("wd-sign"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateConfirmed, rec.State)
	assert.EqualValues(t, 2, atomic.LoadInt32(&h.signer.calls))
}

func TestSettleValidationFailureFails(t *testing.T) {
	h := newHarness(t)
	h.strategy.buildErrs = []error{
		interfaces.Errorf(interfaces.KindInvalidAmount, "amount must be positive"),
	}

	rec, err := h.engine.Settle(context.Background(), request("wd-bad"))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateFailed, rec.State)
	assert.Equal(t, string(interfaces.KindInvalidAmount), rec.ErrorKind)
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.strategy.builds))
	assert.Zero(t, h.broadcast.submits())
}

func TestBackoffIsSafeForConcurrentUse(t *testing.T) {
	h := newHarness(t)

	// Many settlements back off at once; the jitter source must tolerate that.
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 1; attempt <= 4; attempt++ {
				d := h.engine.backoff(attempt)
				base := h.engine.cfg.BackoffBase << (attempt - 1)
				if base > h.engine.cfg.BackoffMax {
					base = h.engine.cfg.BackoffMax
				}
				assert.GreaterOrEqual(t, d, base)
				assert.LessOrEqual(t, d, base+base/4)
			}
		}()
	}
	wg.Wait()
}

func TestStatusReturnsStoredRecord(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Settle(context.Background(), request("wd-status"))
	require.NoError(t, err)

	rec, err := h.engine.Status(context.Background(), "wd-status")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateConfirmed, rec.State)

	_, err = h.engine.Status(context.Background(), "wd-missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
