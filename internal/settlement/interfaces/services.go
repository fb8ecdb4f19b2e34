package interfaces

import (
	"context"
	"time"
)

// Signer is the injected signing capability. The engine never touches key
// material; it hands over a digest and receives signature bytes.
type Signer interface {
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// Broadcaster submits a signed payload to the network. Exactly one network
// write per call; the classification of the result is the caller's only
// source of truth about what happened.
type Broadcaster interface {
	Submit(ctx context.Context, payload []byte) *SubmissionOutcome
}

// ConfirmationTracker observes the network for finality and performs the
// lookup-before-retry reconciliation after an indeterminate submission.
type ConfirmationTracker interface {
	// AwaitFinality polls until the transaction reaches the configured
	// confirmation depth, is not found by the deadline, or times out. The
	// first lookup runs even if ctx is already cancelled, so a submitted
	// transfer is never abandoned unobserved.
	AwaitFinality(ctx context.Context, txHash string, deadline time.Time) (*FinalityOutcome, error)

	// FindMatching scans recent source-account transactions for a transfer
	// matching the intent fingerprint (destination, amount, query id). A hit
	// means the ambiguous submission actually landed.
	FindMatching(ctx context.Context, intent *TransferIntent, window time.Duration) (txHash string, found bool, err error)
}

// PayloadAssembler turns a transfer intent into an unsigned wire payload.
type PayloadAssembler interface {
	Assemble(intent *TransferIntent) (*UnsignedPayload, error)
}

// SettlementStore is the settlement ledger. Create is the at-most-once
// enforcement point; Transition commits state changes with a compare-and-set
// on the previous state so concurrent coordinators race safely, including
// across process restarts.
type SettlementStore interface {
	// Create inserts the record if no record exists for its request id, and
	// returns a KindDuplicateRequest error otherwise.
	Create(ctx context.Context, rec *SettlementRecord) error

	Get(ctx context.Context, requestID string) (*SettlementRecord, error)

	// Transition persists rec provided the stored state still equals from;
	// it returns ErrStaleState when the compare-and-set fails.
	Transition(ctx context.Context, rec *SettlementRecord, from SettlementState) error
}

// AddressCache is an optional performance cache for derived sub-account
// addresses. Keys embed the asset contract parameters fingerprint, so a
// parameter change invalidates every stale entry implicitly.
type AddressCache interface {
	Get(ctx context.Context, key string) (*SubAccountAddress, bool)
	Set(ctx context.Context, key string, addr *SubAccountAddress)
}

// OutcomePublisher delivers terminal settlement outcomes to the upstream
// balance service.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, outcome *SettlementOutcome) error
}

// NodeClient is the minimal node API surface the engine needs.
type NodeClient interface {
	// Seqno returns the current sequence number of a wallet account.
	Seqno(ctx context.Context, address string) (uint32, error)

	// SendBoc submits a serialized message bag-of-cells and returns the
	// message hash reported by the node.
	SendBoc(ctx context.Context, boc []byte) (string, error)

	// Transactions lists recent transactions on an account, newest first.
	Transactions(ctx context.Context, address string, limit int) ([]NodeTransaction, error)

	// MasterchainSeqno returns the latest masterchain block seqno, used as
	// the confirmation depth reference.
	MasterchainSeqno(ctx context.Context) (uint32, error)

	// EstimateFee quotes the forwarding fee for a payload, in nanotons.
	EstimateFee(ctx context.Context, address string, boc []byte) (int64, error)
}
