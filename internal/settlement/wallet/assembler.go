// Package wallet assembles hot-wallet (v3r2) external messages from transfer
// intents: the signing cell the Signer must authorize and the envelope that
// wraps the signature into a broadcastable bag-of-cells.
package wallet

import (
	"fmt"
	"time"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/internal/settlement/ton"
)

const (
	// jettonTransferOp is the TEP-74 transfer opcode.
	jettonTransferOp = 0xf8a7ea5
	// textCommentOp marks a plain-text message body.
	textCommentOp = 0
	// sendMode pays fees separately and ignores action errors on replays,
	// the standard mode for wallet transfers.
	sendMode = 3
	// jettonForwardAmount is the single nanoton forwarded to the recipient so
	// their wallet emits a transfer notification.
	jettonForwardAmount = 1
)

// Assembler builds wallet v3r2 signing payloads.
type Assembler struct {
	hotWallet   ton.Address
	subwalletID uint32
	messageTTL  time.Duration
	now         func() time.Time
}

// Config carries the hot-wallet parameters the assembler signs against.
type Config struct {
	HotWallet   string
	SubwalletID uint32
	MessageTTL  time.Duration
}

// New creates an assembler for the configured hot wallet.
func New(cfg Config) (*Assembler, error) {
	hot, err := ton.ParseAddress(cfg.HotWallet)
	if err != nil {
		return nil, fmt.Errorf("hot wallet address: %w", err)
	}
	ttl := cfg.MessageTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Assembler{
		hotWallet:   hot,
		subwalletID: cfg.SubwalletID,
		messageTTL:  ttl,
		now:         time.Now,
	}, nil
}

// Assemble implements interfaces.PayloadAssembler.
func (a *Assembler) Assemble(intent *interfaces.TransferIntent) (*interfaces.UnsignedPayload, error) {
	internal, err := a.internalMessage(intent)
	if err != nil {
		return nil, err
	}

	validUntil := a.now().Add(a.messageTTL).Unix()
	signing, err := ton.NewBuilder().
		WriteUint(uint64(a.subwalletID), 32).
		WriteUint(uint64(validUntil), 32).
		WriteUint(uint64(intent.Seqno), 32).
		WriteUint(sendMode, 8).
		WriteRef(internal).
		Build()
	if err != nil {
		return nil, fmt.Errorf("signing cell: %w", err)
	}

	hash := signing.Hash()
	hot := a.hotWallet
	return &interfaces.UnsignedPayload{
		SigningHash: hash[:],
		Envelope: func(signature []byte) ([]byte, error) {
			return envelope(hot, signing, signature)
		},
	}, nil
}

// internalMessage builds the value-bearing internal message. Native transfers
// go straight to the destination with the request id in a text comment;
// jetton transfers target the sender's derived jetton wallet with a TEP-74
// transfer body carrying the intent query id.
func (a *Assembler) internalMessage(intent *interfaces.TransferIntent) (*ton.Cell, error) {
	switch intent.Kind {
	case interfaces.AssetNative:
		dest, err := ton.ParseAddress(intent.To)
		if err != nil {
			return nil, fmt.Errorf("destination: %w", err)
		}
		body, err := ton.NewBuilder().
			WriteUint(textCommentOp, 32).
			WriteBytes([]byte(intent.RequestID)).
			Build()
		if err != nil {
			return nil, fmt.Errorf("comment body: %w", err)
		}
		return messageHeader(dest, intent.Amount, body)

	case interfaces.AssetJetton:
		jettonWallet, err := ton.ParseAddress(intent.From)
		if err != nil {
			return nil, fmt.Errorf("jetton wallet: %w", err)
		}
		dest, err := ton.ParseAddress(intent.To)
		if err != nil {
			return nil, fmt.Errorf("destination: %w", err)
		}
		body, err := ton.NewBuilder().
			WriteUint(jettonTransferOp, 32).
			WriteUint(intent.QueryID(), 64).
			WriteCoins(intent.Amount).
			WriteAddress(dest).
			WriteAddress(a.hotWallet). // response destination for excess gas
			WriteBit(0).               // no custom payload
			WriteCoins(jettonForwardAmount).
			WriteBit(0). // forward payload inline, empty
			Build()
		if err != nil {
			return nil, fmt.Errorf("jetton transfer body: %w", err)
		}
		// The attached value funds the jetton wallet's gas, not the amount.
		return messageHeader(jettonWallet, intent.FeeReserve, body)

	default:
		return nil, fmt.Errorf("unknown asset kind %q", intent.Kind)
	}
}

// messageHeader wraps a body into an int_msg_info header with the body in a
// reference.
func messageHeader(dest ton.Address, value int64, body *ton.Cell) (*ton.Cell, error) {
	msg, err := ton.NewBuilder().
		WriteBit(0).          // int_msg_info$0
		WriteBit(1).          // ihr_disabled
		WriteBit(1).          // bounce
		WriteBit(0).          // bounced
		WriteAddressNone().   // src filled in by the validator
		WriteAddress(dest).
		WriteCoins(value).
		WriteBit(0).          // no extra currencies
		WriteCoins(0).        // ihr_fee
		WriteCoins(0).        // fwd_fee
		WriteUint(0, 64).     // created_lt
		WriteUint(0, 32).     // created_at
		WriteBit(0).          // no state init
		WriteBit(1).          // body in reference
		WriteRef(body).
		Build()
	if err != nil {
		return nil, fmt.Errorf("internal message: %w", err)
	}
	return msg, nil
}

// envelope wraps the signature and signed contents into the ext_in message
// bag-of-cells the node accepts.
func envelope(hot ton.Address, signing *ton.Cell, signature []byte) ([]byte, error) {
	if len(signature) != 64 {
		return nil, fmt.Errorf("signature must be 64 bytes, got %d", len(signature))
	}
	body, err := ton.NewBuilder().
		WriteBytes(signature).
		WriteCellData(signing).
		Build()
	if err != nil {
		return nil, fmt.Errorf("signed body: %w", err)
	}
	ext, err := ton.NewBuilder().
		WriteUint(2, 2).    // ext_in_msg_info$10
		WriteAddressNone(). // external source
		WriteAddress(hot).
		WriteCoins(0). // import fee
		WriteBit(0).   // no state init
		WriteBit(1).   // body in reference
		WriteRef(body).
		Build()
	if err != nil {
		return nil, fmt.Errorf("external message: %w", err)
	}
	return ton.EncodeBoc(ext)
}
