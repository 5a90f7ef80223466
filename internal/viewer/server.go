// Package viewer serves the packet log of live sessions over HTTP and pushes
// change notifications over a WebSocket.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"firestige.xyz/inspector/internal/log"
	"firestige.xyz/inspector/internal/relay"
)

// Server is the viewer HTTP server.
type Server struct {
	addr     string
	sessions *relay.Registry
	hub      *Hub
	saveDir  string
	server   *http.Server
	ln       net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithSaveDir confines save requests to dir. Without it saving is disabled.
func WithSaveDir(dir string) Option {
	return func(s *Server) { s.saveDir = dir }
}

func NewServer(addr string, sessions *relay.Registry, hub *Hub, opts ...Option) *Server {
	s := &Server{addr: addr, sessions: sessions, hub: hub}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the viewer routes.
func (s *Server) Handler() http.Handler {
	h := &handlers{sessions: s.sessions, hub: s.hub, saveDir: s.saveDir}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.Heartbeat("/ping"))

	mux.Get("/ws", s.hub.ServeWS)
	mux.Get("/sessions", h.listSessions)
	mux.Route("/sessions/{id}", func(r chi.Router) {
		r.Delete("/", h.removeSession)
		r.Get("/packets", h.listPackets)
		r.Delete("/packets", h.clearPackets)
		r.Get("/packets/{pid}", h.getPacket)
		r.Group(func(r chi.Router) {
			// browsers cannot send JSON cross-origin without a preflight
			r.Use(middleware.AllowContentType("application/json"))
			r.Put("/selection", h.setSelection)
			r.Put("/filter", h.setFilter)
			r.Post("/save", h.save)
		})
	})
	return mux
}

// Addr returns the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("viewer listen: %w", err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger := log.GetLogger().WithField("addr", s.Addr())
	logger.Info("starting viewer")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("viewer server error")
		}
	}()
	return nil
}

// Stop disconnects WebSocket clients and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("viewer shutdown failed: %w", err)
	}
	log.GetLogger().Info("viewer stopped")
	return nil
}
