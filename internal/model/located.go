package model

import (
	"encoding/binary"
	"fmt"
	"math"
)

// OffsetUnknown is the sentinel start offset of a located block whose
// position in the enclosing file is unknown or not applicable.
const OffsetUnknown int64 = -1

// LocatedBlock binds a block to its byte offset within a larger logical
// object and to the ordered list of nodes holding its replicas. Instances
// are computed on demand from authority metadata and never persisted.
//
// Wire layout, which must round-trip exactly: signed 64-bit big-endian
// offset, the block's own fixed encoding, a uint32 replica count N, then N
// node identity encodings in array order.
type LocatedBlock struct {
	Block     Block          `json:"block"`
	Offset    int64          `json:"offset"`
	Locations []DatanodeInfo `json:"locations"`
}

// NewLocatedBlock builds a record with an unknown start offset.
func NewLocatedBlock(b Block, locs []DatanodeInfo) LocatedBlock {
	return LocatedBlock{Block: b, Offset: OffsetUnknown, Locations: locs}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (lb LocatedBlock) MarshalBinary() ([]byte, error) {
	if len(lb.Locations) > math.MaxUint32 {
		return nil, fmt.Errorf("too many replica locations: %d", len(lb.Locations))
	}
	buf := make([]byte, 0, 8+blockWireSize+4+len(lb.Locations)*32)
	buf = binary.BigEndian.AppendUint64(buf, uint64(lb.Offset))
	buf = lb.Block.appendWire(buf)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(lb.Locations)))
	var err error
	for _, loc := range lb.Locations {
		if buf, err = loc.appendWire(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (lb *LocatedBlock) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("short located block encoding: %d bytes", len(data))
	}
	offset := int64(binary.BigEndian.Uint64(data[0:8]))
	block, rest, err := decodeBlockWire(data[8:])
	if err != nil {
		return err
	}
	if len(rest) < 4 {
		return fmt.Errorf("located block encoding missing replica count")
	}
	count := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	locs := make([]DatanodeInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		var loc DatanodeInfo
		if loc, rest, err = decodeDatanodeInfoWire(rest); err != nil {
			return fmt.Errorf("replica %d: %w", i, err)
		}
		locs = append(locs, loc)
	}
	if len(rest) != 0 {
		return fmt.Errorf("trailing %d bytes after located block encoding", len(rest))
	}
	lb.Block = block
	lb.Offset = offset
	lb.Locations = locs
	return nil
}
