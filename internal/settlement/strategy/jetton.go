package strategy

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/internal/settlement/ton"
)

// Jetton settles TEP-74 token transfers. The logical source of every transfer
// is the owner's derived jetton wallet, never the owner's main address.
type Jetton struct {
	asset  string
	params ton.JettonParams
	policy Policy
	fee    FeeRule
	now    func() time.Time
}

// NewJetton builds a jetton strategy for one master contract.
func NewJetton(asset string, params ton.JettonParams, policy Policy, fee FeeRule) *Jetton {
	return &Jetton{asset: asset, params: params, policy: policy, fee: fee, now: time.Now}
}

// Kind implements Strategy.
func (j *Jetton) Kind() interfaces.AssetKind { return interfaces.AssetJetton }

// ParamsFingerprint implements Strategy: master address plus wallet code
// identity, everything the derivation depends on.
func (j *Jetton) ParamsFingerprint() string {
	return fmt.Sprintf("%s/%s/%d",
		j.params.Master.Raw(),
		hex.EncodeToString(j.params.WalletCodeHash[:]),
		j.params.WalletCodeDepth)
}

// Resolve implements Strategy: the deterministic jetton wallet of the owner,
// computed offline from the master parameters.
func (j *Jetton) Resolve(ownerAddress string) (*interfaces.SubAccountAddress, error) {
	owner, err := ton.ParseAddress(ownerAddress)
	if err != nil {
		return nil, interfaces.E(interfaces.KindMalformedAddress, err)
	}
	walletAddr, err := ton.JettonWalletAddress(owner, j.params)
	if err != nil {
		return nil, interfaces.E(interfaces.KindMalformedAddress, err)
	}
	return &interfaces.SubAccountAddress{
		Owner:         owner.Raw(),
		AssetContract: j.params.Master.Raw(),
		Derived:       walletAddr.Raw(),
		StateInitHash: hex.EncodeToString(walletAddr.Hash[:]),
	}, nil
}

// Build implements Strategy.
func (j *Jetton) Build(ctx context.Context, req *interfaces.WithdrawalRequest, sub *interfaces.SubAccountAddress, seqno uint32, attempt int) (*interfaces.TransferIntent, error) {
	if err := validate(req, j.policy, j.now()); err != nil {
		return nil, err
	}
	dest, err := ton.ParseAddress(req.Destination)
	if err != nil {
		return nil, interfaces.E(interfaces.KindInvalidDestination, err)
	}
	if sub == nil || sub.Derived == "" {
		return nil, interfaces.Errorf(interfaces.KindMalformedAddress, "jetton transfer requires a resolved sender wallet")
	}
	reserve, err := j.fee.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	return &interfaces.TransferIntent{
		RequestID:  req.ID,
		Asset:      j.asset,
		Kind:       interfaces.AssetJetton,
		From:       sub.Derived,
		To:         dest.Raw(),
		Amount:     req.Amount,
		FeeReserve: reserve,
		Seqno:      seqno,
		Attempt:    attempt,
	}, nil
}
