// Package relay implements the per-direction frame relay between a client and
// its upstream server.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"firestige.xyz/inspector/internal/codec"
	"firestige.xyz/inspector/internal/core"
	"firestige.xyz/inspector/internal/log"
	"firestige.xyz/inspector/internal/metrics"
	"firestige.xyz/inspector/internal/store"
)

// Config contains pipeline configuration.
type Config struct {
	Direction core.Direction
	Family    *codec.Family // expected packets on this direction
	Codec     codec.Options
	ChunkSize int // minimum read buffer
	Clock     core.Clock
	Store     *store.Store
	Logger    log.Logger
}

// Pipeline relays frames from src to dst one at a time and records each
// re-encoded frame in the store. A pipeline is driven by one goroutine.
type Pipeline struct {
	cfg Config
	src io.Reader
	dst io.Writer
	dec *codec.Decoder
	enc *codec.Encoder
	eof bool

	frames atomic.Uint64
	bytes  atomic.Uint64
}

// Stats represents pipeline statistics.
type Stats struct {
	Frames uint64
	Bytes  uint64
}

// NewPipeline creates a pipeline reading src and writing dst.
func NewPipeline(cfg Config, src io.Reader, dst io.Writer) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = codec.DefaultChunkSize
	}
	if cfg.Family == nil {
		cfg.Family = codec.NewFamily(codec.DefaultFamilyName, true, nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = core.NewLocalClock("")
	}
	if cfg.Store == nil {
		cfg.Store = store.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger()
	}
	cfg.Logger = cfg.Logger.WithField("direction", cfg.Direction.String())
	return &Pipeline{
		cfg: cfg,
		src: src,
		dst: dst,
		dec: codec.NewDecoder(cfg.Codec),
		enc: codec.NewEncoder(cfg.Codec),
	}
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return Stats{Frames: p.frames.Load(), Bytes: p.bytes.Load()}
}

// RelayFrame reads until one whole frame is buffered, decodes it, writes its
// re-encoded form to dst and appends it to the store. Bytes of a partial
// frame stay buffered for the next call.
func (p *Pipeline) RelayFrame(ctx context.Context) (*codec.Packet, error) {
	dir := p.cfg.Direction

	if err := p.fill(ctx); err != nil {
		return nil, err
	}

	pkt, err := p.dec.TryNextPacket(p.cfg.Family)
	if err != nil {
		return nil, fmt.Errorf("relay %s: decode: %w: %w", dir, core.ErrMalformedFrame, err)
	}
	if pkt == nil {
		return nil, fmt.Errorf("relay %s: decode: %w: buffered frame not decodable", dir, core.ErrMalformedFrame)
	}

	if err := p.enc.AppendPacket(pkt); err != nil {
		return nil, fmt.Errorf("relay %s: encode 0x%02X: %w: %w", dir, pkt.ID, core.ErrMalformedFrame, err)
	}
	raw := p.enc.Take()

	if err := p.forward(ctx, raw); err != nil {
		return nil, err
	}

	p.cfg.Store.Add(store.Packet{
		Direction: dir,
		Kind:      pkt.ID,
		Name:      pkt.Name,
		Raw:       raw,
		CreatedAt: p.cfg.Clock.Now(),
	})

	p.frames.Add(1)
	p.bytes.Add(uint64(len(raw)))
	metrics.RelayFramesTotal.WithLabelValues(dir.String()).Inc()
	metrics.RelayBytesTotal.WithLabelValues(dir.String()).Add(float64(len(raw)))
	metrics.StoredPacketsTotal.Inc()

	if p.cfg.Logger.IsTraceEnabled() {
		p.cfg.Logger.Tracef("relayed %s len=%d", p.cfg.Family.Label(pkt.ID), len(raw))
	}
	return pkt, nil
}

// fill reads from src until the decoder holds a complete frame.
func (p *Pipeline) fill(ctx context.Context) error {
	dir := p.cfg.Direction
	for {
		ready, err := p.dec.HasNext()
		if err != nil {
			return fmt.Errorf("relay %s: frame header: %w: %w", dir, core.ErrMalformedFrame, err)
		}
		if ready {
			return nil
		}
		if p.eof {
			return fmt.Errorf("relay %s: %w (%d bytes pending)", dir, core.ErrConnectionClosed, p.dec.Buffered())
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		p.dec.Reserve(p.cfg.ChunkSize)
		buf := p.dec.TakeCapacity()
		n, err := p.src.Read(buf)
		if n > 0 {
			p.dec.QueueBytes(buf[:n])
		}
		switch {
		case err == nil && n == 0:
			return fmt.Errorf("relay %s: %w", dir, core.ErrConnectionClosed)
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			if n == 0 {
				return fmt.Errorf("relay %s: %w", dir, core.ErrConnectionClosed)
			}
			p.eof = true
		default:
			return fmt.Errorf("relay %s: read: %w: %w", dir, core.ErrIO, err)
		}
	}
}

func (p *Pipeline) forward(ctx context.Context, raw []byte) error {
	n, err := p.dst.Write(raw)
	if err == nil && n < len(raw) {
		err = io.ErrShortWrite
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("relay %s: write: %w: %w", p.cfg.Direction, core.ErrIO, err)
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type closeWriter interface {
	CloseWrite() error
}

// Run relays frames until one fails and returns the terminal error. On exit
// the write side of dst is half-closed so the peer sees end of stream; the
// opposite direction keeps running. Cancelling ctx interrupts blocked reads
// and writes through deadlines on src and dst.
func (p *Pipeline) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		past := time.Unix(1, 0)
		if d, ok := p.src.(readDeadliner); ok {
			_ = d.SetReadDeadline(past)
		}
		if d, ok := p.dst.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(past)
		}
	})
	defer stop()

	p.cfg.Logger.Debug("relay pipeline started")

	var err error
	for err == nil {
		_, err = p.RelayFrame(ctx)
	}

	if cw, ok := p.dst.(closeWriter); ok {
		if cerr := cw.CloseWrite(); cerr != nil && p.cfg.Logger.IsDebugEnabled() {
			p.cfg.Logger.WithError(cerr).Debug("half-close failed")
		}
	}

	reason := core.Reason(err)
	metrics.RelayTerminationsTotal.WithLabelValues(p.cfg.Direction.String(), reason).Inc()

	stats := p.Stats()
	logger := p.cfg.Logger.WithFields(map[string]interface{}{
		"reason": reason,
		"frames": stats.Frames,
		"bytes":  stats.Bytes,
	})
	switch reason {
	case "closed", "canceled":
		logger.Info("relay pipeline ended")
	default:
		logger.WithError(err).Warn("relay pipeline failed")
	}
	return err
}
