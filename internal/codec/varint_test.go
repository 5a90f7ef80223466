package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarIntRoundTrip(t *testing.T) {
	tests := []struct {
		value int32
		wire  []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xff, 0x01}},
		{25565, []byte{0xdd, 0xc7, 0x01}},
		{2097151, []byte{0xff, 0xff, 0x7f}},
		{2147483647, []byte{0xff, 0xff, 0xff, 0xff, 0x07}},
		{-1, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
	}

	for _, tt := range tests {
		got := AppendVarInt(nil, tt.value)
		assert.Equal(t, tt.wire, got, "encode %d", tt.value)
		assert.Equal(t, len(tt.wire), VarIntSize(tt.value))

		v, n, err := ReadVarInt(tt.wire)
		require.NoError(t, err)
		assert.Equal(t, tt.value, v)
		assert.Equal(t, len(tt.wire), n)
	}
}

func TestReadVarIntIncomplete(t *testing.T) {
	_, _, err := ReadVarInt([]byte{0x80, 0x80})
	assert.ErrorIs(t, err, errIncomplete)

	_, _, err = ReadVarInt(nil)
	assert.ErrorIs(t, err, errIncomplete)
}

func TestReadVarIntTooLong(t *testing.T) {
	_, _, err := ReadVarInt([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	assert.ErrorIs(t, err, ErrCorruptFrame)
}
