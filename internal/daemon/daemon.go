// Package daemon implements the inspector process lifecycle.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"firestige.xyz/inspector/internal/codec"
	"firestige.xyz/inspector/internal/config"
	"firestige.xyz/inspector/internal/core"
	"firestige.xyz/inspector/internal/export"
	"firestige.xyz/inspector/internal/log"
	"firestige.xyz/inspector/internal/metrics"
	"firestige.xyz/inspector/internal/mirror"
	"firestige.xyz/inspector/internal/proxy"
	"firestige.xyz/inspector/internal/relay"
	"firestige.xyz/inspector/internal/store"
	"firestige.xyz/inspector/internal/viewer"
)

// Daemon owns every long-lived component of a running inspector.
type Daemon struct {
	config     *config.Config
	configPath string

	// Core components
	clock    *core.LocalClock
	families *codec.Registry
	sessions *relay.Registry
	proxy    *proxy.Server

	// Optional surfaces, nil when disabled
	hub           *viewer.Hub
	viewer        *viewer.Server
	metricsServer *metrics.Server
	mirror        *mirror.Mirror
	redis         *redis.Client

	// Lifecycle management
	ctx        context.Context
	cancel     context.CancelFunc
	serveErr   chan error
	mirrorDone chan struct{}
	stopOnce   sync.Once
	sigChan    chan os.Signal
}

// New loads the configuration at configPath and creates a daemon.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	d := NewWithConfig(cfg)
	d.configPath = configPath
	return d, nil
}

// NewWithConfig creates a daemon from an already validated configuration.
func NewWithConfig(cfg *config.Config) *Daemon {
	d := &Daemon{
		config:   cfg,
		sessions: relay.NewRegistry(relay.WithRetainClosed(cfg.Store.RetainClosed)),
		serveErr: make(chan error, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start initializes and starts all components. The proxy is listening when
// Start returns.
func (d *Daemon) Start() error {
	// 1. Logging
	if err := log.Init(&d.config.Logger); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := log.GetLogger()
	logger.WithFields(map[string]interface{}{
		"config":   d.configPath,
		"listen":   d.config.Listen,
		"upstream": d.config.Upstream,
	}).Info("starting inspector")

	if err := d.writePIDFile(); err != nil {
		return err
	}

	// 2. Clock and packet families
	d.clock = core.NewLocalClock(d.config.Clock.Timezone)
	if err := d.clock.Fallback(); err != nil {
		logger.WithError(err).Warn("timezone unavailable, timestamps use UTC")
	}
	families, err := d.config.Codec.Registry()
	if err != nil {
		return fmt.Errorf("failed to build packet families: %w", err)
	}
	d.families = families
	inbound, _ := families.Get(d.config.Codec.InboundFamily)
	outbound, _ := families.Get(d.config.Codec.OutboundFamily)

	// 3. Metrics
	if err := d.startMetrics(); err != nil {
		return err
	}

	// 4. Redis mirror
	if err := d.startMirror(); err != nil {
		return err
	}

	// 5. Viewer
	if d.config.Viewer.Enabled {
		d.hub = viewer.NewHub(d.config.Viewer.AllowedOrigins...)
		d.viewer = viewer.NewServer(d.config.Viewer.Listen, d.sessions, d.hub,
			viewer.WithSaveDir(d.config.Save.Dir))
		if err := d.viewer.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start viewer: %w", err)
		}
	}

	// 6. Proxy
	d.proxy = proxy.NewServer(proxy.Config{
		Listen:         d.config.Listen,
		Upstream:       d.config.Upstream,
		MaxConnections: d.config.MaxConnections,
		DialTimeout:    d.config.DialTimeout,
		Session: relay.SessionConfig{
			InboundFamily:  inbound,
			OutboundFamily: outbound,
			Codec:          d.config.Codec.Options(),
			ChunkSize:      d.config.Codec.ChunkSize,
			Clock:          d.clock,
		},
		NewStore: d.newStore,
	}, d.sessions)
	if err := d.proxy.Listen(); err != nil {
		return err
	}
	go func() {
		d.serveErr <- d.proxy.Serve(d.ctx)
	}()

	logger.Info("inspector started")
	return nil
}

// newStore builds the packet store of a session with every configured
// surface attached.
func (d *Daemon) newStore(id uint64, client, upstream net.Addr) *store.Store {
	opts := []store.Option{
		store.WithMaxPackets(d.config.Store.MaxPackets),
		store.WithExclude(d.config.Save.Exclude...),
	}
	exporter, err := export.New(d.config.Save.Format, export.EndpointsOf(client, upstream))
	if err != nil {
		log.GetLogger().WithError(err).Warn("falling back to text export")
		exporter = store.TextExporter{}
	}
	opts = append(opts, store.WithExporter(exporter))
	if d.hub != nil {
		opts = append(opts, store.WithRepaintSink(d.hub.Sink(id)))
	}
	if d.mirror != nil {
		opts = append(opts, store.WithObserver(d.mirror.For(id)))
	}
	return store.New(opts...)
}

// Families returns the packet family registry. Valid after Start.
func (d *Daemon) Families() *codec.Registry {
	return d.families
}

// Sessions returns the live session registry.
func (d *Daemon) Sessions() *relay.Registry {
	return d.sessions
}

// ProxyAddr returns the client-facing address. Valid after Start.
func (d *Daemon) ProxyAddr() net.Addr {
	return d.proxy.Addr()
}

// ViewerAddr returns the viewer address, or "" when the viewer is disabled.
func (d *Daemon) ViewerAddr() string {
	if d.viewer == nil {
		return ""
	}
	return d.viewer.Addr()
}

// Run blocks until a shutdown signal arrives, the proxy fails or Stop is
// called, then stops the daemon.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(d.sigChan)

	log.GetLogger().Info("inspector running, waiting for signals")

	select {
	case sig := <-d.sigChan:
		log.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
		d.Stop()
		return nil
	case err := <-d.serveErr:
		d.Stop()
		if err != nil {
			return fmt.Errorf("proxy stopped: %w", err)
		}
		return nil
	case <-d.ctx.Done():
		return nil
	}
}

// Stop performs graceful shutdown of all components. It is safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1. Stop accepting clients and close sessions
	if d.proxy != nil {
		if err := d.proxy.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("error stopping proxy")
		}
	}

	// 2. Flush the mirror
	if d.mirror != nil {
		d.mirror.Close()
		select {
		case <-d.mirrorDone:
		case <-shutdownCtx.Done():
		}
		if dropped := d.mirror.Dropped(); dropped > 0 {
			logger.WithField("dropped", dropped).Warn("mirror dropped packets")
		}
		_ = d.redis.Close()
	}

	// 3. Viewer and metrics
	if d.viewer != nil {
		if err := d.viewer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("error stopping viewer")
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("error stopping metrics server")
		}
	}

	// 4. Cancel context to signal all goroutines
	d.cancel()

	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing PID file")
	}

	logger.Info("inspector stopped")
	_ = log.Close()
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Debug("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// startMirror connects to Redis and starts publishing if enabled.
func (d *Daemon) startMirror() error {
	rc := d.config.Mirror.Redis
	if !rc.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	client, err := mirror.NewRedisClient(ctx, rc.Addr, rc.Password, rc.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", rc.Addr, err)
	}
	d.redis = client
	d.mirror = mirror.New(client, rc.Channel, rc.Buffer)
	d.mirrorDone = make(chan struct{})
	go func() {
		defer close(d.mirrorDone)
		d.mirror.Run(d.ctx)
	}()
	log.GetLogger().WithFields(map[string]interface{}{
		"addr":    rc.Addr,
		"channel": rc.Channel,
	}).Info("redis mirror started")
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.config.PIDFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(d.config.PIDFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.config.PIDFile, err)
	}
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.config.PIDFile == "" {
		return nil
	}
	if err := os.Remove(d.config.PIDFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
