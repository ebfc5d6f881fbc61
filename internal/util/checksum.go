package util

import (
	"hash/crc32"
)

// Replica files carry a trailing CRC32 (IEEE) so a damaged replica is
// detected before it is served or transferred.

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes the CRC32 checksum of data.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// AppendChecksum appends the 4-byte little-endian checksum to data.
// Format: [data][checksum].
func AppendChecksum(data []byte) []byte {
	checksum := ComputeChecksum(data)
	result := make([]byte, len(data)+4)
	copy(result, data)
	result[len(data)] = byte(checksum)
	result[len(data)+1] = byte(checksum >> 8)
	result[len(data)+2] = byte(checksum >> 16)
	result[len(data)+3] = byte(checksum >> 24)
	return result
}

// ValidateAndStripChecksum verifies the trailing checksum and returns the
// bare data. The second return is false when the frame is too short or the
// checksum does not match.
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, bool) {
	if len(dataWithChecksum) < 4 {
		return nil, false
	}
	dataLen := len(dataWithChecksum) - 4
	data := dataWithChecksum[:dataLen]
	expected := uint32(dataWithChecksum[dataLen]) |
		uint32(dataWithChecksum[dataLen+1])<<8 |
		uint32(dataWithChecksum[dataLen+2])<<16 |
		uint32(dataWithChecksum[dataLen+3])<<24
	return data, ComputeChecksum(data) == expected
}
