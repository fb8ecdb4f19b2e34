package interfaces

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of settlement failures. Kinds, not error
// strings, drive retry decisions and the upstream credit-back contract.
type ErrorKind string

const (
	// KindInvalidAmount: amount <= 0 or not representable. Terminal.
	KindInvalidAmount ErrorKind = "invalid_amount"
	// KindInvalidDestination: destination fails format/checksum. Terminal.
	KindInvalidDestination ErrorKind = "invalid_destination"
	// KindMalformedAddress: an owner/source address fails validation. Terminal.
	KindMalformedAddress ErrorKind = "malformed_address"
	// KindUnsupportedAsset: no strategy registered for the asset. Terminal.
	KindUnsupportedAsset ErrorKind = "unsupported_asset"
	// KindPolicyViolation: min/max limit or cooldown not elapsed. Terminal.
	KindPolicyViolation ErrorKind = "policy_violation"
	// KindFeeQuoteUnavailable: the network fee query failed. Retryable.
	KindFeeQuoteUnavailable ErrorKind = "fee_quote_unavailable"
	// KindSigning: the signing capability failed. Retried bounded, then terminal.
	KindSigning ErrorKind = "signing_error"
	// KindSubmissionRejected: the node refused the message. Terminal.
	KindSubmissionRejected ErrorKind = "submission_rejected"
	// KindSubmissionAmbiguous: reconciliation exhausted its ceiling without
	// locating the transfer. Terminal, requires manual reconciliation and is
	// never auto-retried past the ceiling.
	KindSubmissionAmbiguous ErrorKind = "submission_ambiguous"
	// KindFinalityTimeout: submission accepted but finality was not observed
	// before the deadline. Terminal but funds may still confirm later, so the
	// record is flagged for operator review, never reversed.
	KindFinalityTimeout ErrorKind = "finality_timeout"
	// KindDuplicateRequest: a settlement record already exists for the id.
	KindDuplicateRequest ErrorKind = "duplicate_request"
	// KindInternal: store or infrastructure failure outside the taxonomy.
	KindInternal ErrorKind = "internal"
)

// Retryable reports whether the coordinator may retry the failed step with
// backoff. Everything else fails fast.
func (k ErrorKind) Retryable() bool {
	return k == KindFeeQuoteUnavailable || k == KindSigning
}

// SettlementError carries the taxonomy kind alongside the underlying cause.
type SettlementError struct {
	Kind ErrorKind
	Err  error
}

func (e *SettlementError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *SettlementError) Unwrap() error { return e.Err }

// E wraps err with a taxonomy kind.
func E(kind ErrorKind, err error) error {
	return &SettlementError{Kind: kind, Err: err}
}

// Errorf builds a SettlementError from a format string.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &SettlementError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind from err, or KindInternal when err does
// not carry one.
func KindOf(err error) ErrorKind {
	var se *SettlementError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Store-level sentinels, outside the settlement taxonomy.
var (
	// ErrNotFound: no settlement record exists for the request id.
	ErrNotFound = errors.New("settlement record not found")
	// ErrStaleState: a compare-and-set transition lost its race.
	ErrStaleState = errors.New("stale settlement state")
)
