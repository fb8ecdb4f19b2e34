// Package ton implements the subset of TON primitives the settlement engine
// needs: bit-exact cell construction, the standard cell representation hash,
// bag-of-cells serialization, address handling, and TEP-74 jetton wallet
// derivation. Everything here is pure and performs no I/O.
package ton

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	// MaxCellBits is the data capacity of an ordinary cell.
	MaxCellBits = 1023
	// MaxCellRefs is the reference capacity of an ordinary cell.
	MaxCellRefs = 4
)

// Cell is an immutable TON cell. A pruned cell stands in for a subtree that
// is known only by hash and depth (the configured jetton wallet code); it can
// participate in hashing but not in bag-of-cells serialization.
type Cell struct {
	data   []byte
	bitLen int
	refs   []*Cell

	pruned      bool
	prunedHash  [32]byte
	prunedDepth uint16

	hash       [32]byte
	hashCached bool
}

// PrunedCell builds a hash-and-depth-only stand-in for a cell whose contents
// are not available, such as contract code referenced from configuration.
func PrunedCell(hash [32]byte, depth uint16) *Cell {
	return &Cell{pruned: true, prunedHash: hash, prunedDepth: depth}
}

// BitLen returns the number of data bits in the cell.
func (c *Cell) BitLen() int { return c.bitLen }

// Refs returns the cell's references.
func (c *Cell) Refs() []*Cell { return c.refs }

// DataBytes returns the cell data truncated to whole bytes.
func (c *Cell) DataBytes() []byte {
	n := c.bitLen / 8
	out := make([]byte, n)
	copy(out, c.data[:n])
	return out
}

// Pruned reports whether the cell is a hash-only stand-in.
func (c *Cell) Pruned() bool { return c.pruned }

// Depth returns the cell tree depth used in the representation hash.
func (c *Cell) Depth() uint16 {
	if c.pruned {
		return c.prunedDepth
	}
	var depth uint16
	for _, r := range c.refs {
		if d := r.Depth(); d >= depth {
			depth = d + 1
		}
	}
	return depth
}

// Hash returns the standard representation hash of the cell.
func (c *Cell) Hash() [32]byte {
	if c.pruned {
		return c.prunedHash
	}
	if !c.hashCached {
		c.hash = sha256.Sum256(c.repr())
		c.hashCached = true
	}
	return c.hash
}

// paddedData returns the cell data bytes with the completion tag applied when
// the bit length is not byte-aligned: a single 1 bit, then zeros.
func (c *Cell) paddedData() []byte {
	out := make([]byte, (c.bitLen+7)/8)
	copy(out, c.data[:len(out)])
	if rem := c.bitLen % 8; rem != 0 {
		out[len(out)-1] &= byte(0xFF << (8 - rem))
		out[len(out)-1] |= 1 << (7 - rem)
	}
	return out
}

// descriptors returns the d1/d2 bytes (refs count and data length encoding;
// level mask and exotic flag are always zero here).
func (c *Cell) descriptors() (byte, byte) {
	d1 := byte(len(c.refs))
	d2 := byte(c.bitLen/8 + (c.bitLen+7)/8)
	return d1, d2
}

func (c *Cell) repr() []byte {
	d1, d2 := c.descriptors()
	buf := append([]byte{d1, d2}, c.paddedData()...)
	for _, r := range c.refs {
		var depth [2]byte
		binary.BigEndian.PutUint16(depth[:], r.Depth())
		buf = append(buf, depth[:]...)
	}
	for _, r := range c.refs {
		h := r.Hash()
		buf = append(buf, h[:]...)
	}
	return buf
}

// Builder assembles a cell bit by bit. The first error sticks and is
// reported by Build, so call sites can chain writes without checking each.
type Builder struct {
	data   []byte
	bitLen int
	refs   []*Cell
	err    error
}

// NewBuilder returns an empty cell builder.
func NewBuilder() *Builder {
	return &Builder{data: make([]byte, 128)}
}

func (b *Builder) fail(format string, args ...interface{}) *Builder {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
	return b
}

// WriteBit appends a single bit.
func (b *Builder) WriteBit(bit int) *Builder {
	if b.err != nil {
		return b
	}
	if b.bitLen >= MaxCellBits {
		return b.fail("cell overflow: more than %d bits", MaxCellBits)
	}
	if bit != 0 {
		b.data[b.bitLen/8] |= 1 << (7 - b.bitLen%8)
	}
	b.bitLen++
	return b
}

// WriteUint appends v as a big-endian unsigned integer of the given width.
func (b *Builder) WriteUint(v uint64, bits int) *Builder {
	if bits < 0 || bits > 64 {
		return b.fail("invalid uint width %d", bits)
	}
	for i := bits - 1; i >= 0; i-- {
		b.WriteBit(int(v >> uint(i) & 1))
	}
	return b
}

// WriteBytes appends whole bytes.
func (b *Builder) WriteBytes(p []byte) *Builder {
	for _, by := range p {
		b.WriteUint(uint64(by), 8)
	}
	return b
}

// WriteCoins appends a VarUInteger16 amount (nanotons / jetton base units).
func (b *Builder) WriteCoins(v int64) *Builder {
	if v < 0 {
		return b.fail("negative coin amount %d", v)
	}
	if v == 0 {
		return b.WriteUint(0, 4)
	}
	n := 0
	for x := uint64(v); x > 0; x >>= 8 {
		n++
	}
	b.WriteUint(uint64(n), 4)
	return b.WriteUint(uint64(v), n*8)
}

// WriteAddress appends a MsgAddressInt in addr_std form without anycast.
func (b *Builder) WriteAddress(a Address) *Builder {
	b.WriteUint(2, 2) // addr_std$10
	b.WriteBit(0)     // no anycast
	b.WriteUint(uint64(uint8(a.Workchain)), 8)
	return b.WriteBytes(a.Hash[:])
}

// WriteAddressNone appends the two-bit addr_none.
func (b *Builder) WriteAddressNone() *Builder {
	return b.WriteUint(0, 2)
}

// WriteRef attaches a child cell.
func (b *Builder) WriteRef(c *Cell) *Builder {
	if b.err != nil {
		return b
	}
	if len(b.refs) >= MaxCellRefs {
		return b.fail("cell overflow: more than %d refs", MaxCellRefs)
	}
	b.refs = append(b.refs, c)
	return b
}

// WriteCellData appends another cell's data bits and references in place.
// Wallet signing bodies are assembled this way: signature first, then the
// signed cell's contents inline.
func (b *Builder) WriteCellData(c *Cell) *Builder {
	if c.pruned {
		return b.fail("cannot inline a pruned cell")
	}
	for i := 0; i < c.bitLen; i++ {
		b.WriteBit(int(c.data[i/8] >> (7 - i%8) & 1))
	}
	for _, r := range c.refs {
		b.WriteRef(r)
	}
	return b
}

// Build finalizes the cell or reports the first write error.
func (b *Builder) Build() (*Cell, error) {
	if b.err != nil {
		return nil, b.err
	}
	data := make([]byte, (b.bitLen+7)/8)
	copy(data, b.data)
	return &Cell{data: data, bitLen: b.bitLen, refs: b.refs}, nil
}

// MustBuild is Build for statically known-good cells.
func (b *Builder) MustBuild() *Cell {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}
