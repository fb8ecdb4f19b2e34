package ton

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// bocMagic is the serialized_boc_v1 tag.
const bocMagic = 0xb5ee9c72

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// EncodeBoc serializes a cell tree into a standard bag-of-cells with a
// CRC32-C trailer, the format nodes accept for sendBoc. Pruned cells cannot
// be serialized.
func EncodeBoc(root *Cell) ([]byte, error) {
	cells, index, err := topoOrder(root)
	if err != nil {
		return nil, err
	}
	if len(cells) > 0xFF {
		return nil, fmt.Errorf("boc too large: %d cells", len(cells))
	}

	serialized := make([][]byte, len(cells))
	total := 0
	for i, c := range cells {
		d1, d2 := c.descriptors()
		buf := append([]byte{d1, d2}, c.paddedData()...)
		for _, r := range c.refs {
			buf = append(buf, byte(index[r.Hash()]))
		}
		serialized[i] = buf
		total += len(buf)
	}

	offBytes := 1
	for v := total; v > 0xFF; v >>= 8 {
		offBytes++
	}

	out := make([]byte, 0, total+16)
	out = binary.BigEndian.AppendUint32(out, bocMagic)
	out = append(out, 0x40|0x01) // crc32 flag, one-byte cell refs
	out = append(out, byte(offBytes))
	out = append(out, byte(len(cells)), 1, 0) // cells, roots, absent
	for i := offBytes - 1; i >= 0; i-- {
		out = append(out, byte(total>>(8*i)))
	}
	out = append(out, 0) // root index
	for _, buf := range serialized {
		out = append(out, buf...)
	}
	out = binary.LittleEndian.AppendUint32(out, crc32.Checksum(out, crc32c))
	return out, nil
}

// DecodeBoc parses a single-root bag-of-cells. Only ordinary cells are
// supported; the engine decodes message bodies, never contract state.
func DecodeBoc(raw []byte) (*Cell, error) {
	if len(raw) < 11 || binary.BigEndian.Uint32(raw) != bocMagic {
		return nil, fmt.Errorf("not a bag-of-cells")
	}
	b1 := raw[4]
	hasIdx := b1&0x80 != 0
	hasCRC := b1&0x40 != 0
	refSize := int(b1 & 0x07)
	offBytes := int(raw[5])
	if refSize < 1 || refSize > 4 || offBytes < 1 || offBytes > 8 {
		return nil, fmt.Errorf("invalid boc header")
	}

	pos := 6
	readInt := func(n int) (int, error) {
		if pos+n > len(raw) {
			return 0, fmt.Errorf("truncated boc")
		}
		v := 0
		for i := 0; i < n; i++ {
			v = v<<8 | int(raw[pos+i])
		}
		pos += n
		return v, nil
	}

	cellCount, err := readInt(refSize)
	if err != nil {
		return nil, err
	}
	roots, err := readInt(refSize)
	if err != nil {
		return nil, err
	}
	if roots != 1 {
		return nil, fmt.Errorf("expected a single root, got %d", roots)
	}
	if _, err := readInt(refSize); err != nil { // absent
		return nil, err
	}
	if _, err := readInt(offBytes); err != nil { // total cell data size
		return nil, err
	}
	rootIdx, err := readInt(refSize)
	if err != nil {
		return nil, err
	}
	if hasIdx {
		if pos+offBytes*cellCount > len(raw) {
			return nil, fmt.Errorf("truncated boc")
		}
		pos += offBytes * cellCount
	}

	if hasCRC {
		if len(raw) < pos+4 {
			return nil, fmt.Errorf("truncated boc")
		}
		body := raw[:len(raw)-4]
		want := binary.LittleEndian.Uint32(raw[len(raw)-4:])
		if crc32.Checksum(body, crc32c) != want {
			return nil, fmt.Errorf("boc checksum mismatch")
		}
	}

	cells := make([]*Cell, cellCount)
	refIdx := make([][]int, cellCount)
	for i := 0; i < cellCount; i++ {
		d1, err := readInt(1)
		if err != nil {
			return nil, err
		}
		d2, err := readInt(1)
		if err != nil {
			return nil, err
		}
		if d1&0x08 != 0 {
			return nil, fmt.Errorf("exotic cell unsupported")
		}
		nrefs := d1 & 0x07
		dataBytes := (d2 + 1) / 2
		if pos+dataBytes > len(raw) {
			return nil, fmt.Errorf("truncated boc")
		}
		data := make([]byte, dataBytes)
		copy(data, raw[pos:pos+dataBytes])
		pos += dataBytes

		bitLen := dataBytes * 8
		if d2%2 != 0 {
			// Strip the completion tag: the lowest set bit of the last byte.
			bitLen = (dataBytes - 1) * 8
			last := data[dataBytes-1]
			for shift := 0; shift < 8; shift++ {
				if last&(1<<shift) != 0 {
					bitLen += 7 - shift
					data[dataBytes-1] = last &^ (1 << shift)
					break
				}
			}
		}
		cells[i] = &Cell{data: data, bitLen: bitLen}
		refIdx[i] = make([]int, nrefs)
		for j := 0; j < nrefs; j++ {
			ri, err := readInt(refSize)
			if err != nil {
				return nil, err
			}
			if ri <= i || ri >= cellCount {
				return nil, fmt.Errorf("invalid cell reference order")
			}
			refIdx[i][j] = ri
		}
	}

	for i, refs := range refIdx {
		for _, ri := range refs {
			cells[i].refs = append(cells[i].refs, cells[ri])
		}
	}
	return cells[rootIdx], nil
}

// topoOrder lists the unique cells of the tree with every parent before its
// children (reversed DFS post-order), the ordering BoC references require.
func topoOrder(root *Cell) ([]*Cell, map[[32]byte]int, error) {
	var post []*Cell
	seen := make(map[[32]byte]bool)
	var visit func(c *Cell) error
	visit = func(c *Cell) error {
		if c.pruned {
			return fmt.Errorf("cannot serialize a pruned cell")
		}
		if seen[c.Hash()] {
			return nil
		}
		seen[c.Hash()] = true
		for _, r := range c.refs {
			if err := visit(r); err != nil {
				return err
			}
		}
		post = append(post, c)
		return nil
	}
	if err := visit(root); err != nil {
		return nil, nil, err
	}

	cells := make([]*Cell, len(post))
	index := make(map[[32]byte]int, len(post))
	for i, c := range post {
		j := len(post) - 1 - i
		cells[j] = c
		index[c.Hash()] = j
	}
	return cells, index, nil
}
