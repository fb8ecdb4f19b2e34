package ton

import "fmt"

// JettonParams are the master-contract parameters a jetton wallet address is
// derived from. The wallet code enters the computation as a pruned reference,
// so only its representation hash and depth are needed; changing either
// changes every derived address.
type JettonParams struct {
	Master          Address
	WalletCodeHash  [32]byte
	WalletCodeDepth uint16
	Workchain       int8
}

// JettonWalletAddress derives the deterministic jetton wallet address for an
// owner: the representation hash of the wallet's StateInit, with the data
// cell packing a zero balance, the owner address, the master address, and a
// reference to the wallet code, exactly as the reference TEP-74 wallet stores
// them. No network lookup is involved; a derivation bug here pays nobody, so
// this function is pinned by known-answer vectors in the tests.
func JettonWalletAddress(owner Address, p JettonParams) (Address, error) {
	code := PrunedCell(p.WalletCodeHash, p.WalletCodeDepth)

	data, err := NewBuilder().
		WriteCoins(0).
		WriteAddress(owner).
		WriteAddress(p.Master).
		WriteRef(code).
		Build()
	if err != nil {
		return Address{}, fmt.Errorf("jetton wallet data cell: %w", err)
	}

	// StateInit: no split_depth, not special, code and data present,
	// empty library dictionary.
	stateInit, err := NewBuilder().
		WriteBit(0).
		WriteBit(0).
		WriteBit(1).
		WriteBit(1).
		WriteBit(0).
		WriteRef(code).
		WriteRef(data).
		Build()
	if err != nil {
		return Address{}, fmt.Errorf("jetton wallet state init: %w", err)
	}

	return Address{Workchain: p.Workchain, Hash: stateInit.Hash()}, nil
}
