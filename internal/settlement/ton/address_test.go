package ton

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixed raw/friendly pairs. The CRC16 implementation underneath is pinned
// separately against the standard XMODEM check value.
var addressVectors = []struct {
	raw          string
	bounceable   string
	nonBounce    string
}{
	{
		raw:        "0:47fd126b88761ffe33703dde9c28718d4fce63111eaae3610834aa06f08afc37",
		bounceable: "EQBH_RJriHYf_jNwPd6cKHGNT85jER6q42EINKoG8Ir8N1S0",
		nonBounce:  "UQBH_RJriHYf_jNwPd6cKHGNT85jER6q42EINKoG8Ir8Nwlx",
	},
	{
		raw:        "0:ba96cf4f0cd3c5479643fd6c6eb75c03f4c2ed3d635d0e17bf622c0be8e42c4f",
		bounceable: "EQC6ls9PDNPFR5ZD_Wxut1wD9MLtPWNdDhe_YiwL6OQsT4Hf",
		nonBounce:  "UQC6ls9PDNPFR5ZD_Wxut1wD9MLtPWNdDhe_YiwL6OQsT9wa",
	},
}

func TestCRC16KnownAnswer(t *testing.T) {
	assert.Equal(t, uint16(0x31C3), crc16([]byte("123456789")))
}

func TestParseAddressKnownAnswers(t *testing.T) {
	for _, v := range addressVectors {
		fromRaw, err := ParseAddress(v.raw)
		require.NoError(t, err)

		fromFriendly, err := ParseAddress(v.bounceable)
		require.NoError(t, err)
		assert.True(t, fromRaw.Equal(fromFriendly))

		fromNonBounce, err := ParseAddress(v.nonBounce)
		require.NoError(t, err)
		assert.True(t, fromRaw.Equal(fromNonBounce))

		assert.Equal(t, v.raw, fromFriendly.Raw())
		assert.Equal(t, v.bounceable, fromRaw.Friendly(true, false))
		assert.Equal(t, v.nonBounce, fromRaw.Friendly(false, false))
	}
}

func TestParseAddressRejectsBadChecksum(t *testing.T) {
	// addressVectors[0].bounceable with the final checksum byte flipped.
	_, err := ParseAddress("EQBH_RJriHYf_jNwPd6cKHGNT85jER6q42EINKoG8Ir8N1RL")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedAddress))
}

func TestParseAddressRejectsMalformedInputs(t *testing.T) {
	cases := []string{
		"",
		"not-an-address",
		"0:abcd",
		"x:47fd126b88761ffe33703dde9c28718d4fce63111eaae3610834aa06f08afc37",
		"EQBH_RJriHYf_jNwPd6cKHGNT85jER6q42EINKoG8Ir8N1S", // truncated
	}
	for _, c := range cases {
		_, err := ParseAddress(c)
		assert.True(t, errors.Is(err, ErrMalformedAddress), "input %q", c)
	}
}

func TestFriendlyTestnetTag(t *testing.T) {
	a := MustParseAddress(addressVectors[0].raw)
	s := a.Friendly(true, true)
	parsed, err := ParseAddress(s)
	require.NoError(t, err)
	assert.True(t, a.Equal(parsed))
	assert.NotEqual(t, addressVectors[0].bounceable, s)
}
