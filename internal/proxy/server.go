// Package proxy accepts client connections and relays each one to the
// upstream server through a relay session.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"firestige.xyz/inspector/internal/log"
	"firestige.xyz/inspector/internal/relay"
	"firestige.xyz/inspector/internal/store"
)

// StoreFactory creates the packet store of a new session given the remote
// addresses of both sockets.
type StoreFactory func(sessionID uint64, client, upstream net.Addr) *store.Store

// Config contains proxy server configuration.
type Config struct {
	Listen         string
	Upstream       string
	MaxConnections int // 0 = unlimited
	DialTimeout    time.Duration
	Session        relay.SessionConfig
	NewStore       StoreFactory
}

// Server is the man-in-the-middle TCP listener.
type Server struct {
	cfg      Config
	sessions *relay.Registry
	dialer   net.Dialer
	logger   log.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
}

// NewServer creates a proxy server registering its sessions in sessions.
func NewServer(cfg Config, sessions *relay.Registry) *Server {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.NewStore == nil {
		cfg.NewStore = func(uint64, net.Addr, net.Addr) *store.Store { return store.New() }
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		dialer:   net.Dialer{Timeout: cfg.DialTimeout},
		logger:   log.GetLogger().WithField("upstream", cfg.Upstream),
	}
}

// Listen binds the client-facing socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"listen":          ln.Addr().String(),
		"max_connections": s.cfg.MaxConnections,
	}).Info("proxy listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts clients until ctx is cancelled or Shutdown is called. Listen
// is called first if needed.
func (s *Server) Serve(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopped() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, client net.Conn) {
	defer s.wg.Done()

	logger := s.logger.WithField("client", client.RemoteAddr().String())
	upstream, err := s.dialer.DialContext(ctx, "tcp", s.cfg.Upstream)
	if err != nil {
		logger.WithError(err).Warn("failed to dial upstream")
		_ = client.Close()
		return
	}

	id := s.sessions.NextID()
	sess := relay.NewSession(id, client, upstream, s.cfg.NewStore(id, client.RemoteAddr(), upstream.RemoteAddr()), s.cfg.Session)
	s.sessions.Add(sess)
	defer s.sessions.Finish(id)

	if s.isStopped() {
		sess.Close()
		return
	}
	sess.Start(ctx)
	<-sess.Done()
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Shutdown stops accepting, closes every session and waits for the handlers
// or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.sessions.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("proxy stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("proxy shutdown: %w", ctx.Err())
	}
}
