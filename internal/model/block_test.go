package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockBinaryRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		block Block
	}{
		{"zero", Block{}},
		{"typical", Block{ID: 42, NumBytes: 67108864, Generation: 3}},
		{"negative_id", Block{ID: -9151314442816847872, NumBytes: 1, Generation: 0}},
		{"max_values", Block{ID: 1<<63 - 1, NumBytes: 1<<63 - 1, Generation: 1<<63 - 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.block.MarshalBinary()
			require.NoError(t, err)
			assert.Len(t, data, 24)

			var out Block
			require.NoError(t, out.UnmarshalBinary(data))
			assert.Equal(t, tt.block, out)
		})
	}
}

func TestBlockUnmarshalShortBuffer(t *testing.T) {
	var b Block
	assert.Error(t, b.UnmarshalBinary([]byte{1, 2, 3}))
	assert.Error(t, b.UnmarshalBinary(nil))
}

func TestBlockFilename(t *testing.T) {
	b := Block{ID: 1234, NumBytes: 99, Generation: 7}
	assert.Equal(t, "blk_1234_7", b.Filename())

	parsed, err := ParseBlockFilename("blk_1234_7")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), parsed.ID)
	assert.Equal(t, int64(7), parsed.Generation)
}

func TestParseBlockFilenameRejectsJunk(t *testing.T) {
	for _, name := range []string{"", "blk_", "blk_abc_1", "blk_1", "storage_id", "blk_1_2_3"} {
		_, err := ParseBlockFilename(name)
		assert.Error(t, err, "name %q should not parse", name)
	}
}

func TestDatanodeInfoWireRoundTrip(t *testing.T) {
	in := DatanodeInfo{Addr: "10.0.0.7:50010", Capacity: 1 << 40, Remaining: 1 << 39}

	data, err := in.appendWire(nil)
	require.NoError(t, err)
	out, rest, err := decodeDatanodeInfoWire(data)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, in, out)
}

func TestDatanodeInfoWireTruncated(t *testing.T) {
	in := DatanodeInfo{Addr: "host:1", Capacity: 10, Remaining: 5}
	data, err := in.appendWire(nil)
	require.NoError(t, err)
	for i := 0; i < len(data); i++ {
		_, _, err := decodeDatanodeInfoWire(data[:i])
		assert.Error(t, err, "prefix of length %d should fail", i)
	}
}
