// Package interfaces defines the domain types and collaborator contracts for
// the withdrawal settlement engine.
package interfaces

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AssetKind identifies the settlement strategy for an asset.
type AssetKind string

const (
	// AssetNative is the chain's base coin, sent directly from the hot wallet.
	AssetNative AssetKind = "native"
	// AssetJetton is a TEP-74 fungible token held in a deterministically
	// derived per-owner jetton wallet.
	AssetJetton AssetKind = "jetton"
)

// WithdrawalRequest is the withdrawal-intent record handed to the engine by
// the upstream balance service. Funds are already reserved/debited upstream;
// the record is immutable for its settlement lifetime and its ID is the
// idempotency key.
type WithdrawalRequest struct {
	ID            string    `json:"request_id"`
	UserID        uuid.UUID `json:"user_id"`
	OwnerAddress  string    `json:"owner_address"`
	Asset         string    `json:"asset"`
	Destination   string    `json:"destination"`
	Amount        int64     `json:"amount"` // minor units, never floating point
	RequestedAt   time.Time `json:"requested_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// SubAccountAddress is the deterministic sub-account derived for an owner and
// asset. It is a pure function of (owner, asset contract parameters) and is
// never persisted as authoritative; cached copies carry the parameters
// fingerprint in their key so a contract change invalidates them.
type SubAccountAddress struct {
	Owner         string
	AssetContract string
	Derived       string
	StateInitHash string
}

// TransferIntent is the unsigned, asset-specific transfer built from a
// validated request. For a given request and seqno it is structurally
// identical on every rebuild.
type TransferIntent struct {
	RequestID  string
	Asset      string
	Kind       AssetKind
	From       string // logical source: hot wallet, or derived jetton wallet
	To         string
	Amount     int64
	FeeReserve int64
	Seqno      uint32
	Attempt    int
}

// Fingerprint returns the deterministic identity of the intent used to
// recognize an already-landed transfer after an ambiguous submission.
func (ti *TransferIntent) Fingerprint() [32]byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%d",
		ti.RequestID, ti.Asset, ti.Kind, ti.From, ti.To, ti.Amount, ti.Seqno)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// QueryID returns the 64-bit fingerprint prefix carried in the on-chain
// message (jetton query_id, native transfer comment) so the tracker can match
// the transfer without ambiguity.
func (ti *TransferIntent) QueryID() uint64 {
	fp := ti.Fingerprint()
	return binary.BigEndian.Uint64(fp[:8])
}

// SettlementState is a state of the per-request settlement state machine.
type SettlementState string

const (
	StatePending              SettlementState = "pending"
	StateBuilt                SettlementState = "built"
	StateSigned               SettlementState = "signed"
	StateSubmitted            SettlementState = "submitted"
	StateReconciling          SettlementState = "reconciling"
	StateAwaitingConfirmation SettlementState = "awaiting_confirmation"
	StateConfirmed            SettlementState = "confirmed"
	StateFailed               SettlementState = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SettlementState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// ValidTransitions is the closed transition table of the settlement state
// machine. Reconciling may loop back to Built (rebuild after an ambiguous
// submission) up to the configured ceiling.
var ValidTransitions = map[SettlementState][]SettlementState{
	StatePending:              {StateBuilt, StateFailed},
	StateBuilt:                {StateSigned, StateFailed},
	StateSigned:               {StateSubmitted, StateReconciling, StateFailed},
	StateReconciling:          {StateSubmitted, StateBuilt, StateFailed},
	StateSubmitted:            {StateAwaitingConfirmation, StateFailed},
	StateAwaitingConfirmation: {StateConfirmed, StateFailed},
	StateConfirmed:            {},
	StateFailed:               {},
}

// CanTransition checks the transition table.
func CanTransition(from, to SettlementState) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SettlementRecord is the single source of truth for "has this withdrawal id
// already been paid". It is keyed by request id and mutated only through the
// store's compare-and-set transitions.
type SettlementRecord struct {
	RequestID     string          `json:"request_id" gorm:"primaryKey;size:64"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Asset         string          `json:"asset" gorm:"size:32"`
	Amount        int64           `json:"amount"`
	Destination   string          `json:"destination" gorm:"size:80"`
	State         SettlementState `json:"state" gorm:"size:32;index"`
	TxHash        string          `json:"tx_hash,omitempty" gorm:"size:96"`
	Confirmations int             `json:"confirmations"`
	ErrorKind     string          `json:"error_kind,omitempty" gorm:"size:40"`
	LastError     string          `json:"last_error,omitempty"`
	Attempts      int             `json:"attempts"`
	Seqno         uint32          `json:"seqno"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	FinalizedAt   *time.Time      `json:"finalized_at,omitempty"`
}

// TableName keeps the gorm table name stable across driver defaults.
func (SettlementRecord) TableName() string { return "settlement_records" }

// SettlementOutcome is the event delivered to the upstream service for every
// terminal settlement. Exactly one outcome is emitted per request id.
type SettlementOutcome struct {
	RequestID   string          `json:"request_id"`
	UserID      uuid.UUID       `json:"user_id"`
	Asset       string          `json:"asset"`
	Amount      int64           `json:"amount"`
	FinalState  SettlementState `json:"final_state"`
	TxHash      string          `json:"tx_hash,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Attempts    int             `json:"attempts"`
	FinalizedAt time.Time       `json:"finalized_at"`
}

// SubmissionStatus classifies the immediate result of a broadcast attempt.
type SubmissionStatus string

const (
	// SubmissionAccepted means the node acknowledged the message.
	SubmissionAccepted SubmissionStatus = "accepted"
	// SubmissionRejected means the node returned a terminal refusal.
	SubmissionRejected SubmissionStatus = "rejected"
	// SubmissionIndeterminate means the node may or may not have accepted the
	// message (timeout, transport failure). Retrying blindly from here risks
	// a double payment, so the coordinator must reconcile first.
	SubmissionIndeterminate SubmissionStatus = "indeterminate"
)

// SubmissionOutcome is the classified result of one broadcast attempt.
type SubmissionOutcome struct {
	Status SubmissionStatus
	TxHash string
	Reason string
}

// FinalityStatus classifies the result of awaiting finality for a submission.
type FinalityStatus string

const (
	FinalityConfirmed FinalityStatus = "confirmed"
	FinalityNotFound  FinalityStatus = "not_found"
	FinalityTimedOut  FinalityStatus = "timed_out"
)

// FinalityOutcome is the result of a finality wait.
type FinalityOutcome struct {
	Status        FinalityStatus
	BlockRef      string
	Confirmations int
}

// UnsignedPayload is a built, not yet signed wire payload. SigningHash is the
// digest the Signer must sign; Envelope assembles the broadcastable bytes
// from the produced signature.
type UnsignedPayload struct {
	SigningHash []byte
	Envelope    func(signature []byte) ([]byte, error)
}

// NodeMessage is an outbound message observed in a node transaction, decoded
// just far enough for intent matching.
type NodeMessage struct {
	Destination string
	Value       int64
	QueryID     uint64
	Comment     string
	Hash        string
}

// NodeTransaction is a transaction observed on an account.
type NodeTransaction struct {
	Hash    string
	Lt      uint64
	Utime   int64
	OutMsgs []NodeMessage
}
