package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"firestige.xyz/inspector/internal/codec"
	"firestige.xyz/inspector/internal/core"
	"firestige.xyz/inspector/internal/log"
	"firestige.xyz/inspector/internal/store"
)

// SessionConfig holds what both pipelines of a session share.
type SessionConfig struct {
	InboundFamily  *codec.Family // client → upstream
	OutboundFamily *codec.Family // upstream → client
	Codec          codec.Options
	ChunkSize      int
	Clock          core.Clock
}

// Session is one proxied client connection: the client socket, its upstream
// socket, one packet store and a pipeline per direction.
type Session struct {
	ID        uint64
	StartedAt time.Time

	client   net.Conn
	upstream net.Conn
	store    *store.Store
	inbound  *Pipeline
	outbound *Pipeline
	logger   log.Logger

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	inErr     error
	outErr    error
}

// SessionInfo is a point-in-time description of a session.
type SessionInfo struct {
	ID             uint64    `json:"id"`
	Client         string    `json:"client"`
	Upstream       string    `json:"upstream"`
	StartedAt      time.Time `json:"started_at"`
	Packets        int       `json:"packets"`
	InboundFrames  uint64    `json:"inbound_frames"`
	OutboundFrames uint64    `json:"outbound_frames"`
	Closed         bool      `json:"closed"`
}

// NewSession wires two pipelines around client and upstream sharing st.
func NewSession(id uint64, client, upstream net.Conn, st *store.Store, cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = core.NewLocalClock("")
	}
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"session": id,
		"client":  client.RemoteAddr().String(),
	})
	pipeline := func(dir core.Direction, family *codec.Family, src, dst net.Conn) *Pipeline {
		return NewPipeline(Config{
			Direction: dir,
			Family:    family,
			Codec:     cfg.Codec,
			ChunkSize: cfg.ChunkSize,
			Clock:     cfg.Clock,
			Store:     st,
			Logger:    logger,
		}, src, dst)
	}
	return &Session{
		ID:        id,
		StartedAt: cfg.Clock.Now(),
		client:    client,
		upstream:  upstream,
		store:     st,
		inbound:   pipeline(core.Inbound, cfg.InboundFamily, client, upstream),
		outbound:  pipeline(core.Outbound, cfg.OutboundFamily, upstream, client),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Store returns the session's packet store.
func (s *Session) Store() *store.Store {
	return s.store
}

// Start runs both pipelines in the background. The sockets are closed once
// both have ended.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.logger.Info("session started")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.inErr = s.inbound.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			s.outErr = s.outbound.Run(ctx)
		}()

		go func() {
			wg.Wait()
			s.cancel()
			_ = s.client.Close()
			_ = s.upstream.Close()
			s.logger.WithField("packets", s.store.Len()).Info("session ended")
			close(s.done)
		}()
	})
}

// Done is closed when both pipelines have ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Errors returns the terminal error of each direction. Valid after Done.
func (s *Session) Errors() (inbound, outbound error) {
	<-s.done
	return s.inErr, s.outErr
}

// Close cancels both pipelines and waits for them to finish. Closing a
// session that was never started just closes its sockets.
func (s *Session) Close() {
	s.startOnce.Do(func() {
		s.cancel = func() {}
		_ = s.client.Close()
		_ = s.upstream.Close()
		close(s.done)
	})
	s.cancel()
	<-s.done
}

// Info describes the session.
func (s *Session) Info() SessionInfo {
	closed := false
	select {
	case <-s.done:
		closed = true
	default:
	}
	return SessionInfo{
		ID:             s.ID,
		Client:         s.client.RemoteAddr().String(),
		Upstream:       s.upstream.RemoteAddr().String(),
		StartedAt:      s.StartedAt,
		Packets:        s.store.Len(),
		InboundFrames:  s.inbound.Stats().Frames,
		OutboundFrames: s.outbound.Stats().Frames,
		Closed:         closed,
	}
}
