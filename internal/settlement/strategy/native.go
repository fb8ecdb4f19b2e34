package strategy

import (
	"context"
	"time"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/internal/settlement/ton"
)

// Native settles base-coin transfers sent directly from the hot wallet.
type Native struct {
	asset  string
	policy Policy
	fee    FeeRule
	now    func() time.Time
}

// NewNative builds the native-coin strategy.
func NewNative(asset string, policy Policy, fee FeeRule) *Native {
	return &Native{asset: asset, policy: policy, fee: fee, now: time.Now}
}

// Kind implements Strategy.
func (n *Native) Kind() interfaces.AssetKind { return interfaces.AssetNative }

// ParamsFingerprint implements Strategy. The native coin has no contract
// parameters; the kind itself is the fingerprint.
func (n *Native) ParamsFingerprint() string { return string(interfaces.AssetNative) }

// Resolve implements Strategy. The native coin lives on the owner account
// itself, so the sub-account is the owner address in canonical raw form.
func (n *Native) Resolve(ownerAddress string) (*interfaces.SubAccountAddress, error) {
	owner, err := ton.ParseAddress(ownerAddress)
	if err != nil {
		return nil, interfaces.E(interfaces.KindMalformedAddress, err)
	}
	return &interfaces.SubAccountAddress{
		Owner:   owner.Raw(),
		Derived: owner.Raw(),
	}, nil
}

// Build implements Strategy.
func (n *Native) Build(ctx context.Context, req *interfaces.WithdrawalRequest, sub *interfaces.SubAccountAddress, seqno uint32, attempt int) (*interfaces.TransferIntent, error) {
	if err := validate(req, n.policy, n.now()); err != nil {
		return nil, err
	}
	dest, err := ton.ParseAddress(req.Destination)
	if err != nil {
		return nil, interfaces.E(interfaces.KindInvalidDestination, err)
	}
	reserve, err := n.fee.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	return &interfaces.TransferIntent{
		RequestID:  req.ID,
		Asset:      n.asset,
		Kind:       interfaces.AssetNative,
		From:       sub.Derived,
		To:         dest.Raw(),
		Amount:     req.Amount,
		FeeReserve: reserve,
		Seqno:      seqno,
		Attempt:    attempt,
	}, nil
}
