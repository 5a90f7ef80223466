package codec

import (
	"bytes"
	"compress/zlib"
	"fmt"
)

// Encoder serializes packets into frames and accumulates them until Take.
type Encoder struct {
	opts Options
	buf  []byte
	zbuf bytes.Buffer
}

// NewEncoder returns an empty encoder.
func NewEncoder(opts Options) *Encoder {
	return &Encoder{opts: opts}
}

// AppendPacket encodes p as one frame at the end of the output buffer.
func (e *Encoder) AppendPacket(p *Packet) error {
	data := AppendVarInt(make([]byte, 0, MaxVarIntLen+len(p.Payload)), p.ID)
	data = append(data, p.Payload...)

	body := data
	if e.opts.Compression {
		var err error
		if body, err = e.deflate(data, len(data) >= e.opts.CompressionThreshold); err != nil {
			return err
		}
	}

	if len(body) > e.opts.maxFrameSize() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), e.opts.maxFrameSize())
	}

	e.buf = AppendVarInt(e.buf, int32(len(body)))
	e.buf = append(e.buf, body...)
	return nil
}

// Take returns the accumulated frames and clears the output buffer.
func (e *Encoder) Take() []byte {
	b := e.buf
	e.buf = nil
	return b
}

func (e *Encoder) deflate(data []byte, compress bool) ([]byte, error) {
	if !compress {
		body := AppendVarInt(make([]byte, 0, 1+len(data)), 0)
		return append(body, data...), nil
	}

	e.zbuf.Reset()
	zw := zlib.NewWriter(&e.zbuf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("codec: deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: deflate: %w", err)
	}

	body := AppendVarInt(make([]byte, 0, MaxVarIntLen+e.zbuf.Len()), int32(len(data)))
	return append(body, e.zbuf.Bytes()...), nil
}
