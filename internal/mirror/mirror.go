// Package mirror republishes stored packets to a Redis pub/sub channel.
package mirror

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"firestige.xyz/inspector/internal/core"
	"firestige.xyz/inspector/internal/log"
	"firestige.xyz/inspector/internal/metrics"
	"firestige.xyz/inspector/internal/store"
)

// Publisher is the part of a Redis client the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Record is the published form of a packet.
type Record struct {
	Session   uint64         `json:"session"`
	ID        uint64         `json:"id"`
	Direction core.Direction `json:"direction"`
	Kind      int32          `json:"kind"`
	Name      string         `json:"name"`
	Raw       string         `json:"raw"` // hex
	CreatedAt time.Time      `json:"created_at"`
}

// Mirror queues packets from any number of stores and publishes them from
// one goroutine. Packets arriving while the queue is full are dropped.
type Mirror struct {
	pub     Publisher
	channel string
	queue   chan Record
	stop    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
	logger  log.Logger
}

func New(pub Publisher, channel string, buffer int) *Mirror {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Mirror{
		pub:     pub,
		channel: channel,
		queue:   make(chan Record, buffer),
		stop:    make(chan struct{}),
		logger:  log.GetLogger().WithField("channel", channel),
	}
}

// For returns the store observer of one session.
func (m *Mirror) For(sessionID uint64) store.Observer {
	return sessionObserver{m: m, session: sessionID}
}

type sessionObserver struct {
	m       *Mirror
	session uint64
}

func (o sessionObserver) Observe(p store.Packet) {
	o.m.enqueue(Record{
		Session:   o.session,
		ID:        p.ID,
		Direction: p.Direction,
		Kind:      p.Kind,
		Name:      p.Name,
		Raw:       hex.EncodeToString(p.Raw),
		CreatedAt: p.CreatedAt,
	})
}

func (m *Mirror) enqueue(r Record) {
	if m.closed.Load() {
		return
	}
	select {
	case m.queue <- r:
	default:
		m.dropped.Add(1)
		metrics.MirrorDropsTotal.Inc()
	}
}

// Dropped returns the number of packets discarded on a full queue.
func (m *Mirror) Dropped() uint64 {
	return m.dropped.Load()
}

// Run publishes queued packets until ctx is done or Close is called. On
// Close the records already queued are published first.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case r := <-m.queue:
			m.publish(ctx, r)
		case <-m.stop:
			for {
				select {
				case r := <-m.queue:
					m.publish(ctx, r)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops accepting packets and lets Run drain the queue.
func (m *Mirror) Close() {
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.stop)
	})
}

func (m *Mirror) publish(ctx context.Context, r Record) {
	data, err := json.Marshal(r)
	if err != nil {
		m.logger.WithError(err).Error("failed to encode mirror record")
		return
	}
	if err := m.pub.Publish(ctx, m.channel, data).Err(); err != nil {
		m.logger.WithError(err).WithField("session", r.Session).Warn("mirror publish failed")
	}
}
