package model

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// blockWireSize is the fixed size of an encoded Block: three big-endian int64s.
const blockWireSize = 24

// Block identifies one fixed-size unit of stored data. A Block value is
// immutable once assigned; a rewrite of the same identifier produces a new
// value with a higher Generation.
type Block struct {
	ID         int64 `json:"id"`
	NumBytes   int64 `json:"num_bytes"`
	Generation int64 `json:"generation"`
}

// Filename returns the on-disk name a storage node uses for this block's
// replica file.
func (b Block) Filename() string {
	return fmt.Sprintf("blk_%d_%d", b.ID, b.Generation)
}

// ParseBlockFilename recovers the block identity from a replica filename.
// The byte length is not part of the name and must be filled in by the caller.
func ParseBlockFilename(name string) (Block, error) {
	parts := strings.Split(name, "_")
	if len(parts) != 3 || parts[0] != "blk" {
		return Block{}, fmt.Errorf("not a block filename: %q", name)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Block{}, fmt.Errorf("invalid block id in %q: %w", name, err)
	}
	gen, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Block{}, fmt.Errorf("invalid generation in %q: %w", name, err)
	}
	return Block{ID: id, Generation: gen}, nil
}

// appendWire appends the fixed 24-byte encoding of the block.
func (b Block) appendWire(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(b.ID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(b.NumBytes))
	buf = binary.BigEndian.AppendUint64(buf, uint64(b.Generation))
	return buf
}

// decodeBlockWire consumes one encoded block from data and returns the rest.
func decodeBlockWire(data []byte) (Block, []byte, error) {
	if len(data) < blockWireSize {
		return Block{}, nil, fmt.Errorf("short block encoding: %d bytes", len(data))
	}
	b := Block{
		ID:         int64(binary.BigEndian.Uint64(data[0:8])),
		NumBytes:   int64(binary.BigEndian.Uint64(data[8:16])),
		Generation: int64(binary.BigEndian.Uint64(data[16:24])),
	}
	return b, data[blockWireSize:], nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b Block) MarshalBinary() ([]byte, error) {
	return b.appendWire(make([]byte, 0, blockWireSize)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (b *Block) UnmarshalBinary(data []byte) error {
	decoded, rest, err := decodeBlockWire(data)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("trailing %d bytes after block encoding", len(rest))
	}
	*b = decoded
	return nil
}
