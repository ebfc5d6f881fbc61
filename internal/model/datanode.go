package model

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DatanodeInfo is a storage node's identity plus its latest capacity
// snapshot. It is produced fresh on every report; only the most recent
// snapshot for a node is meaningful.
type DatanodeInfo struct {
	Addr      string `json:"addr"`
	Capacity  int64  `json:"capacity"`
	Remaining int64  `json:"remaining"`
}

// appendWire appends the fixed encoding of the node identity: a uint16
// address length, the address bytes, then capacity and remaining as
// big-endian int64s.
func (d DatanodeInfo) appendWire(buf []byte) ([]byte, error) {
	if len(d.Addr) > math.MaxUint16 {
		return nil, fmt.Errorf("node address too long: %d bytes", len(d.Addr))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(d.Addr)))
	buf = append(buf, d.Addr...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(d.Capacity))
	buf = binary.BigEndian.AppendUint64(buf, uint64(d.Remaining))
	return buf, nil
}

// decodeDatanodeInfoWire consumes one encoded node identity from data and
// returns the rest.
func decodeDatanodeInfoWire(data []byte) (DatanodeInfo, []byte, error) {
	if len(data) < 2 {
		return DatanodeInfo{}, nil, fmt.Errorf("short node encoding: %d bytes", len(data))
	}
	addrLen := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if len(data) < addrLen+16 {
		return DatanodeInfo{}, nil, fmt.Errorf("truncated node encoding: need %d bytes, have %d", addrLen+16, len(data))
	}
	d := DatanodeInfo{
		Addr:      string(data[:addrLen]),
		Capacity:  int64(binary.BigEndian.Uint64(data[addrLen : addrLen+8])),
		Remaining: int64(binary.BigEndian.Uint64(data[addrLen+8 : addrLen+16])),
	}
	return d, data[addrLen+16:], nil
}

// DatanodeRegistration is the identity a storage node presents on every
// call. StorageID is minted by the authority the first time a node registers
// without one and is stable across node restarts. The registration token is
// authority-assigned per registration and opaque to the node.
type DatanodeRegistration struct {
	DatanodeInfo
	StorageID         string `json:"storage_id"`
	RegistrationToken string `json:"registration_token"`
}
