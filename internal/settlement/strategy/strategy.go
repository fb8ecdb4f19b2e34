// Package strategy provides the closed per-asset capability bundles: address
// resolution, transfer building, and fee rules. Adding an asset kind means
// adding one Strategy implementation, never touching shared logic.
package strategy

import (
	"context"
	"time"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
)

// Strategy is the capability set for one asset kind.
type Strategy interface {
	// Kind identifies the settlement variant.
	Kind() interfaces.AssetKind

	// Resolve derives the deterministic sub-account address for an owner.
	// Pure: no I/O, no clock; failures are permanent for a given input.
	Resolve(ownerAddress string) (*interfaces.SubAccountAddress, error)

	// ParamsFingerprint identifies the asset contract parameters the
	// derivation depends on. Cache keys embed it, so a parameter change
	// invalidates stale cached addresses implicitly.
	ParamsFingerprint() string

	// Build validates the request and constructs the transfer intent. All
	// validation and policy failures are terminal; only the fee quote may
	// fail retryably.
	Build(ctx context.Context, req *interfaces.WithdrawalRequest, sub *interfaces.SubAccountAddress, seqno uint32, attempt int) (*interfaces.TransferIntent, error)
}

// Policy holds per-asset withdrawal limits in minor units.
type Policy struct {
	MinAmount int64
	MaxAmount int64
}

// FeeRule supplies the fee reserve for a transfer. Static schedules never
// fail; network-quoted schedules fail with KindFeeQuoteUnavailable, which
// the coordinator retries with backoff.
type FeeRule interface {
	Reserve(ctx context.Context) (int64, error)
}

// StaticFee is a fixed fee reserve from configuration.
type StaticFee int64

// Reserve implements FeeRule.
func (f StaticFee) Reserve(context.Context) (int64, error) { return int64(f), nil }

// QuotedFee asks the node for a fee estimate and falls back to nothing: a
// failed quote is reported retryable rather than guessed.
type QuotedFee struct {
	Client  interfaces.NodeClient
	Address string
	Margin  int64 // safety margin added on top of the quote, minor units
}

// Reserve implements FeeRule.
func (f *QuotedFee) Reserve(ctx context.Context) (int64, error) {
	quote, err := f.Client.EstimateFee(ctx, f.Address, nil)
	if err != nil {
		return 0, interfaces.Errorf(interfaces.KindFeeQuoteUnavailable, "fee quote: %v", err)
	}
	return quote + f.Margin, nil
}

// Registry maps asset symbols to their strategy. The set is closed at
// construction time.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy under an asset symbol.
func (r *Registry) Register(asset string, s Strategy) {
	r.strategies[asset] = s
}

// Lookup resolves the strategy for an asset or fails with
// KindUnsupportedAsset.
func (r *Registry) Lookup(asset string) (Strategy, error) {
	s, ok := r.strategies[asset]
	if !ok {
		return nil, interfaces.Errorf(interfaces.KindUnsupportedAsset, "no strategy for asset %q", asset)
	}
	return s, nil
}

// Assets lists the registered asset symbols.
func (r *Registry) Assets() []string {
	out := make([]string, 0, len(r.strategies))
	for asset := range r.strategies {
		out = append(out, asset)
	}
	return out
}

// validate applies the checks shared by every strategy: positive amount,
// policy limits, cooldown, and destination format. No external calls.
func validate(req *interfaces.WithdrawalRequest, policy Policy, now time.Time) error {
	if req.Amount <= 0 {
		return interfaces.Errorf(interfaces.KindInvalidAmount, "amount must be positive, got %d", req.Amount)
	}
	if policy.MinAmount > 0 && req.Amount < policy.MinAmount {
		return interfaces.Errorf(interfaces.KindPolicyViolation, "amount %d below minimum %d", req.Amount, policy.MinAmount)
	}
	if policy.MaxAmount > 0 && req.Amount > policy.MaxAmount {
		return interfaces.Errorf(interfaces.KindPolicyViolation, "amount %d above maximum %d", req.Amount, policy.MaxAmount)
	}
	if !req.CooldownUntil.IsZero() && now.Before(req.CooldownUntil) {
		return interfaces.Errorf(interfaces.KindPolicyViolation, "cooldown active until %s", req.CooldownUntil.Format(time.RFC3339))
	}
	return nil
}
