package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectionText(t *testing.T) {
	for _, d := range []Direction{Inbound, Outbound} {
		b, err := d.MarshalText()
		require.NoError(t, err)

		var got Direction
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, d, got)
	}

	assert.Equal(t, "inbound", Inbound.String())
	assert.Equal(t, "outbound", Outbound.String())
	assert.Equal(t, "↑", Inbound.Arrow())
	assert.Equal(t, "↓", Outbound.Arrow())

	var d Direction
	assert.Error(t, d.UnmarshalText([]byte("sideways")))
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{fmt.Errorf("relay inbound: %w", ErrConnectionClosed), "closed"},
		{fmt.Errorf("relay inbound: read: %w: %w", ErrIO, errors.New("reset")), "io"},
		{fmt.Errorf("relay outbound: %w", ErrMalformedFrame), "malformed"},
		{ErrLockPoisoned, "poisoned"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err))
	}
}

func TestLocalClockFallsBackToUTC(t *testing.T) {
	c := NewLocalClock("Not/AZone")
	now := c.Now()

	assert.Equal(t, time.UTC, now.Location())
	assert.Error(t, c.Fallback())
}

func TestLocalClockNamedZone(t *testing.T) {
	c := NewLocalClock("UTC")
	require.NoError(t, c.Fallback())
	assert.Equal(t, "UTC", c.Now().Location().String())

	local := NewLocalClock("")
	require.NoError(t, local.Fallback())
	assert.Equal(t, time.Local, local.Now().Location())
}

func TestClockFunc(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c := ClockFunc(func() time.Time { return fixed })
	assert.Equal(t, fixed, c.Now())
}
