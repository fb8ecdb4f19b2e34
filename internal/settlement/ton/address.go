package ton

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedAddress is wrapped by every address parse failure. Address
// failures are permanent for a given input; nothing retries them.
var ErrMalformedAddress = errors.New("malformed address")

// Friendly-form tag bytes.
const (
	tagBounceable    = 0x11
	tagNonBounceable = 0x51
	tagTestnet       = 0x80
)

// Address is a TON account address: workchain id plus 256-bit account hash.
type Address struct {
	Workchain int8
	Hash      [32]byte
}

// ParseAddress accepts both the raw "workchain:hex" form and the 48-character
// user-friendly base64 form, validating the CRC16 checksum of the latter.
func ParseAddress(s string) (Address, error) {
	if strings.Contains(s, ":") {
		return parseRaw(s)
	}
	return parseFriendly(s)
}

func parseRaw(s string) (Address, error) {
	parts := strings.SplitN(s, ":", 2)
	wc, err := strconv.ParseInt(parts[0], 10, 8)
	if err != nil {
		return Address{}, fmt.Errorf("%w: bad workchain %q", ErrMalformedAddress, parts[0])
	}
	h, err := hex.DecodeString(parts[1])
	if err != nil || len(h) != 32 {
		return Address{}, fmt.Errorf("%w: account hash must be 32 hex bytes", ErrMalformedAddress)
	}
	a := Address{Workchain: int8(wc)}
	copy(a.Hash[:], h)
	return a, nil
}

func parseFriendly(s string) (Address, error) {
	if len(s) != 48 {
		return Address{}, fmt.Errorf("%w: friendly form must be 48 characters", ErrMalformedAddress)
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil || len(raw) != 36 {
		return Address{}, fmt.Errorf("%w: invalid base64 payload", ErrMalformedAddress)
	}
	if want := binary.BigEndian.Uint16(raw[34:]); crc16(raw[:34]) != want {
		return Address{}, fmt.Errorf("%w: checksum mismatch", ErrMalformedAddress)
	}
	tag := raw[0] &^ tagTestnet
	if tag != tagBounceable && tag != tagNonBounceable {
		return Address{}, fmt.Errorf("%w: unknown tag byte %#x", ErrMalformedAddress, raw[0])
	}
	a := Address{Workchain: int8(raw[1])}
	copy(a.Hash[:], raw[2:34])
	return a, nil
}

// Raw returns the "workchain:hex" form.
func (a Address) Raw() string {
	return fmt.Sprintf("%d:%s", a.Workchain, hex.EncodeToString(a.Hash[:]))
}

// Friendly returns the checksummed base64url form.
func (a Address) Friendly(bounceable, testnet bool) string {
	tag := byte(tagNonBounceable)
	if bounceable {
		tag = tagBounceable
	}
	if testnet {
		tag |= tagTestnet
	}
	payload := make([]byte, 36)
	payload[0] = tag
	payload[1] = byte(a.Workchain)
	copy(payload[2:], a.Hash[:])
	binary.BigEndian.PutUint16(payload[34:], crc16(payload[:34]))
	return base64.URLEncoding.EncodeToString(payload)
}

func (a Address) String() string { return a.Friendly(true, false) }

// Equal compares workchain and hash.
func (a Address) Equal(b Address) bool {
	return a.Workchain == b.Workchain && a.Hash == b.Hash
}

// MustParseAddress parses a statically known-good address.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// crc16 is CRC16-XMODEM (poly 0x1021, zero init), the friendly-address
// checksum mandated by the address format.
func crc16(data []byte) uint16 {
	var reg uint16
	for _, b := range data {
		reg ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if reg&0x8000 != 0 {
				reg = reg<<1 ^ 0x1021
			} else {
				reg <<= 1
			}
		}
	}
	return reg
}
