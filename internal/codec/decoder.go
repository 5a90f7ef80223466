package codec

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultMaxFrameSize bounds the body of a single frame.
	DefaultMaxFrameSize = 2097152
	// DefaultChunkSize is the minimum fill buffer handed out for one socket read.
	DefaultChunkSize = 4096
	// CompressionDisabled is the configured threshold that turns compression off.
	CompressionDisabled = -1
)

// Options configures a Decoder or Encoder. Both ends of a relay must agree.
// The zero value is uncompressed framing with the default size limit.
type Options struct {
	MaxFrameSize int
	// Compression enables the compressed body layout.
	Compression bool
	// CompressionThreshold is the packet size at or above which the encoder
	// zlib-compresses. Only used with Compression.
	CompressionThreshold int
}

// DefaultOptions returns uncompressed framing with the default size limit.
func DefaultOptions() Options {
	return Options{MaxFrameSize: DefaultMaxFrameSize}
}

// CompressedOptions returns compressed framing with the given threshold.
func CompressedOptions(threshold int) Options {
	if threshold < 0 {
		threshold = 0
	}
	return Options{
		MaxFrameSize:         DefaultMaxFrameSize,
		Compression:          true,
		CompressionThreshold: threshold,
	}
}

func (o Options) maxFrameSize() int {
	if o.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

// Decoder incrementally splits queued bytes into frames.
//
// The caller fills buffers obtained from TakeCapacity and hands them back with
// QueueBytes. A queued buffer belongs to the decoder from then on.
type Decoder struct {
	opts  Options
	buf   []byte // queued, not yet decoded bytes
	spare []byte // next fill buffer
}

// NewDecoder returns an empty decoder.
func NewDecoder(opts Options) *Decoder {
	return &Decoder{opts: opts}
}

// Buffered returns the number of queued bytes not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// HasNext reports whether a complete frame is buffered. It returns an error
// when the buffered header can never start a valid frame.
func (d *Decoder) HasNext() (bool, error) {
	size, n, err := d.header()
	if err != nil || n == 0 {
		return false, err
	}
	return len(d.buf)-n >= size, nil
}

// Reserve makes sure the next fill buffer holds at least min bytes. When a
// frame header is already buffered the buffer grows to fit the rest of it.
func (d *Decoder) Reserve(min int) {
	if size, n, err := d.header(); err == nil && n > 0 {
		if rest := n + size - len(d.buf); rest > min {
			min = rest
		}
	}
	if cap(d.spare) < min {
		d.spare = make([]byte, min)
	}
}

// TakeCapacity hands out the fill buffer. The decoder keeps no reference to it.
func (d *Decoder) TakeCapacity() []byte {
	if d.spare == nil {
		d.Reserve(DefaultChunkSize)
	}
	b := d.spare[:cap(d.spare)]
	d.spare = nil
	return b
}

// QueueBytes appends b to the decoder input. The caller must not touch b afterwards.
func (d *Decoder) QueueBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	if len(d.buf) == 0 {
		d.buf = b
		return
	}
	d.buf = append(d.buf, b...)
}

// QueueSlice copies b into the decoder input.
func (d *Decoder) QueueSlice(b []byte) {
	d.buf = append(d.buf, b...)
}

// TryNextPacket decodes one packet of family f. It returns nil, nil when no
// complete frame is buffered. The frame's bytes are consumed even when
// decoding the body fails.
func (d *Decoder) TryNextPacket(f *Family) (*Packet, error) {
	size, n, err := d.header()
	if err != nil || n == 0 || len(d.buf)-n < size {
		return nil, err
	}

	body := d.buf[n : n+size]
	d.buf = d.buf[n+size:]
	if len(d.buf) == 0 {
		d.buf = nil
	}

	data, err := d.inflate(body)
	if err != nil {
		return nil, err
	}

	id, m, err := ReadVarInt(data)
	if errors.Is(err, errIncomplete) {
		return nil, fmt.Errorf("%w: missing packet id", ErrCorruptFrame)
	}
	if err != nil {
		return nil, err
	}

	name, err := f.resolve(id)
	if err != nil {
		return nil, err
	}

	return &Packet{
		ID:      id,
		Name:    name,
		Payload: append([]byte(nil), data[m:]...),
	}, nil
}

// header parses the frame length prefix. n is zero when the prefix is incomplete.
func (d *Decoder) header() (size int, n int, err error) {
	v, n, err := ReadVarInt(d.buf)
	if errors.Is(err, errIncomplete) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if v < 0 {
		return 0, 0, fmt.Errorf("%w: negative frame length %d", ErrCorruptFrame, v)
	}
	if int(v) > d.opts.maxFrameSize() {
		return 0, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, v, d.opts.maxFrameSize())
	}
	return int(v), n, nil
}

func (d *Decoder) inflate(body []byte) ([]byte, error) {
	if !d.opts.Compression {
		return body, nil
	}

	dataLen, n, err := ReadVarInt(body)
	if errors.Is(err, errIncomplete) {
		return nil, fmt.Errorf("%w: missing data length", ErrCorruptFrame)
	}
	if err != nil {
		return nil, err
	}
	if dataLen == 0 {
		return body[n:], nil
	}
	if dataLen < 0 || int(dataLen) > d.opts.maxFrameSize() {
		return nil, fmt.Errorf("%w: bad data length %d", ErrCorruptFrame, dataLen)
	}

	zr, err := zlib.NewReader(bytes.NewReader(body[n:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	defer zr.Close()

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(zr, data); err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", ErrCorruptFrame, err)
	}
	return data, nil
}
