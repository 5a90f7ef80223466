package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/inspector/internal/core"
	"firestige.xyz/inspector/internal/store"
)

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	messages [][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.messages = append(f.messages, message.([]byte))
	return redis.NewIntCmd(ctx)
}

// MockPublisher is a testify mock of Publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	args := m.Called(ctx, channel, message)
	return args.Get(0).(*redis.IntCmd)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestMirrorPublishesStoredPackets(t *testing.T) {
	pub := &fakePublisher{}
	m := New(pub, "inspector:packets", 16)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	st := store.New(store.WithObserver(m.For(4)))
	st.Add(store.Packet{Direction: core.Outbound, Kind: 0x26, Name: "Chat", Raw: []byte{0x01, 0xFF}})
	st.Add(store.Packet{Direction: core.Inbound, Kind: 0x00, Name: "Handshake"})

	require.Eventually(t, func() bool { return pub.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	m.Close()
	<-done

	var rec Record
	require.NoError(t, json.Unmarshal(pub.messages[0], &rec))
	assert.Equal(t, uint64(4), rec.Session)
	assert.Equal(t, uint64(0), rec.ID)
	assert.Equal(t, core.Outbound, rec.Direction)
	assert.Equal(t, "01ff", rec.Raw)
	assert.Equal(t, []string{"inspector:packets", "inspector:packets"}, pub.channels)
}

func TestMirrorDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{}
	m := New(pub, "c", 2)
	obs := m.For(1)

	for i := 0; i < 5; i++ {
		obs.Observe(store.Packet{ID: uint64(i)})
	}
	assert.Equal(t, uint64(3), m.Dropped())

	// Close drains what was queued
	m.Close()
	m.Run(context.Background())
	assert.Equal(t, 2, pub.count())

	obs.Observe(store.Packet{ID: 9})
	assert.Equal(t, uint64(3), m.Dropped())
}

func TestMirrorSurvivesPublishErrors(t *testing.T) {
	failed := redis.NewIntCmd(context.Background())
	failed.SetErr(errors.New("connection refused"))

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, "c", mock.AnythingOfType("[]uint8")).Return(failed).Twice()

	m := New(pub, "c", 4)
	m.For(1).Observe(store.Packet{})
	m.For(1).Observe(store.Packet{})
	m.Close()
	m.Run(context.Background())

	pub.AssertExpectations(t)
	pub.AssertNumberOfCalls(t, "Publish", 2)
}
