package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexinfra/shrpx/internal/config"
	"github.com/hexinfra/shrpx/internal/dconn"
	"github.com/hexinfra/shrpx/internal/gwlog"
)

func TestNewIDIsEightBytesAndRandom(t *testing.T) {
	a, err := NewID()
	require.NoError(t, err)
	b, err := NewID()
	require.NoError(t, err)
	assert.Len(t, a, IDLen)
	assert.NotEqual(t, a, b)
}

func TestWorkerConfigReflectsSnapshot(t *testing.T) {
	snap := config.NewSnapshot(&config.DownstreamConfig{Generation: 5})
	pool := dconn.NewPool(4, 16, 0)
	id, err := NewID()
	require.NoError(t, err)

	w := New(id, snap, pool, gwlog.New("noop", &gwlog.Config{}))
	assert.Equal(t, uint64(5), w.Config().Generation)
}

func TestSetGracefulShutdownSetsFlag(t *testing.T) {
	snap := config.NewSnapshot(&config.DownstreamConfig{Generation: 1})
	pool := dconn.NewPool(4, 16, 0)
	id, err := NewID()
	require.NoError(t, err)

	w := New(id, snap, pool, gwlog.New("noop", &gwlog.Config{}))
	assert.False(t, w.gracefulDown.Load())
	w.SetGracefulShutdown(true)
	assert.True(t, w.gracefulDown.Load())
}
