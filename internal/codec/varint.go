package codec

import "fmt"

// MaxVarIntLen is the longest encoding of a 32-bit VarInt.
const MaxVarIntLen = 5

// ReadVarInt decodes a VarInt from the start of b and returns the value and
// the number of bytes consumed.
func ReadVarInt(b []byte) (int32, int, error) {
	var val uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if i >= len(b) {
			return 0, 0, errIncomplete
		}
		c := b[i]
		val |= uint32(c&0x7F) << (7 * i)
		if c&0x80 == 0 {
			return int32(val), i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: varint longer than %d bytes", ErrCorruptFrame, MaxVarIntLen)
}

// AppendVarInt appends the VarInt encoding of v to dst.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

// VarIntSize returns the encoded length of v.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}
