package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/inspector/internal/codec"
	"firestige.xyz/inspector/internal/core"
	"firestige.xyz/inspector/internal/relay"
	"firestige.xyz/inspector/internal/store"
)

// startEchoUpstream echoes every connection back to itself.
func startEchoUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

type storeRecorder struct {
	mu     sync.Mutex
	stores map[uint64]*store.Store
}

func (r *storeRecorder) New(id uint64, _, _ net.Addr) *store.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := store.New()
	r.stores[id] = st
	return st
}

func (r *storeRecorder) Get(id uint64) *store.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores[id]
}

func startProxy(t *testing.T, upstream string, rec *storeRecorder, opts ...relay.RegistryOption) (*Server, *relay.Registry) {
	t.Helper()
	registry := relay.NewRegistry(opts...)
	srv := NewServer(Config{
		Listen:   "127.0.0.1:0",
		Upstream: upstream,
		Session:  relay.SessionConfig{Codec: codec.DefaultOptions()},
		NewStore: rec.New,
	}, registry)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
		<-done
	})
	return srv, registry
}

func TestProxyRelaysThroughEchoUpstream(t *testing.T) {
	rec := &storeRecorder{stores: map[uint64]*store.Store{}}
	srv, registry := startProxy(t, startEchoUpstream(t), rec)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	enc := codec.NewEncoder(codec.DefaultOptions())
	require.NoError(t, enc.AppendPacket(&codec.Packet{ID: 0x10, Payload: []byte("ping")}))
	f := enc.Take()
	_, err = conn.Write(f)
	require.NoError(t, err)

	echoed := make([]byte, len(f))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, f, echoed)

	require.Eventually(t, func() bool {
		st := rec.Get(1)
		return st != nil && st.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)

	snap := rec.Get(1).Snapshot()
	assert.Equal(t, core.Inbound, snap.Packets[0].Direction)
	assert.Equal(t, core.Outbound, snap.Packets[1].Direction)
	assert.Equal(t, f, snap.Packets[1].Raw)

	list := registry.List()
	require.Len(t, list, 1)
	assert.Equal(t, uint64(1), list[0].ID)

	// the client leaves; the upstream sees end of stream and hangs up too
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return registry.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestProxyRetainsFinishedSessions(t *testing.T) {
	rec := &storeRecorder{stores: map[uint64]*store.Store{}}
	srv, registry := startProxy(t, startEchoUpstream(t), rec, relay.WithRetainClosed(1))

	enc := codec.NewEncoder(codec.DefaultOptions())
	require.NoError(t, enc.AppendPacket(&codec.Packet{ID: 0x10, Payload: []byte("ping")}))
	f := enc.Take()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write(f)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := rec.Get(1)
		return st != nil && st.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return registry.Live() == 0 }, 5*time.Second, 10*time.Millisecond)
	list := registry.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Closed)
	assert.Equal(t, 2, list[0].Packets)
	st, ok := registry.Store(1)
	require.True(t, ok)
	assert.Equal(t, 2, st.Len())

	// a second finished session evicts the first
	conn, err = net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return registry.Live() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return registry.Live() == 0 && registry.Finished(2) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, registry.Count())
	_, ok = registry.Get(1)
	assert.False(t, ok)
}

func TestProxyDropsClientWhenUpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	rec := &storeRecorder{stores: map[uint64]*store.Store{}}
	srv, registry := startProxy(t, dead, rec)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, registry.Count())
}

func TestShutdownClosesSessions(t *testing.T) {
	rec := &storeRecorder{stores: map[uint64]*store.Store{}}
	srv, registry := startProxy(t, startEchoUpstream(t), rec)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return registry.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Zero(t, registry.Count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}
