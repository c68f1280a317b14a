package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexinfra/shrpx/internal/certtree"
	"github.com/hexinfra/shrpx/internal/config"
	"github.com/hexinfra/shrpx/internal/dconn"
	"github.com/hexinfra/shrpx/internal/gwlog"
	"github.com/hexinfra/shrpx/internal/worker"
)

func newTestWorker(t *testing.T) *worker.Worker {
	id, err := worker.NewID()
	require.NoError(t, err)
	snap := config.NewSnapshot(&config.DownstreamConfig{Generation: 1})
	pool := dconn.NewPool(4, 16, time.Minute)
	return worker.New(id, snap, pool, gwlog.New("noop", &gwlog.Config{}))
}

func TestNextWorkerRoundRobinCyclesEvenly(t *testing.T) {
	h := New(config.NewSnapshot(nil), certtree.New(), gwlog.New("noop", &gwlog.Config{}))
	w1, w2, w3 := newTestWorker(t), newTestWorker(t), newTestWorker(t)
	h.RegisterWorker(w1)
	h.RegisterWorker(w2)
	h.RegisterWorker(w3)

	got := []worker.ID{
		h.NextWorkerRoundRobin().ID,
		h.NextWorkerRoundRobin().ID,
		h.NextWorkerRoundRobin().ID,
		h.NextWorkerRoundRobin().ID,
	}
	assert.Equal(t, []worker.ID{w1.ID, w2.ID, w3.ID, w1.ID}, got)
}

func TestNextWorkerRoundRobinNilWhenEmpty(t *testing.T) {
	h := New(config.NewSnapshot(nil), certtree.New(), gwlog.New("noop", &gwlog.Config{}))
	assert.Nil(t, h.NextWorkerRoundRobin())
}

func TestWorkerByCIDMatchesOnIDPrefix(t *testing.T) {
	h := New(config.NewSnapshot(nil), certtree.New(), gwlog.New("noop", &gwlog.Config{}))
	w := newTestWorker(t)
	h.RegisterWorker(w)

	dcid := append(append([]byte{}, w.ID[:]...), 0xAA, 0xBB, 0xCC, 0xDD)
	assert.Same(t, w, h.WorkerByCID(dcid))
}

func TestWorkerByCIDTooShortReturnsNil(t *testing.T) {
	h := New(config.NewSnapshot(nil), certtree.New(), gwlog.New("noop", &gwlog.Config{}))
	w := newTestWorker(t)
	h.RegisterWorker(w)
	assert.Nil(t, h.WorkerByCID(w.ID[:worker.IDLen-1]))
}

func TestReplaceDownstreamAppliesInPostOrderOnLoopThread(t *testing.T) {
	snap := config.NewSnapshot(&config.DownstreamConfig{Generation: 1})
	h := New(snap, certtree.New(), gwlog.New("noop", &gwlog.Config{}))
	id, err := worker.NewID()
	require.NoError(t, err)
	w := worker.New(id, snap, dconn.NewPool(4, 16, time.Minute), gwlog.New("noop", &gwlog.Config{}))
	h.RegisterWorker(w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.ReplaceDownstream(&config.DownstreamConfig{Generation: 5})
	h.ReplaceDownstream(&config.DownstreamConfig{Generation: 7})

	require.Eventually(t, func() bool {
		return w.Config().Generation == 7
	}, 2*time.Second, time.Millisecond, "worker must observe the latest applied generation")
}

func TestSetGracefulShutdownSetsHandlerFlag(t *testing.T) {
	h := New(config.NewSnapshot(nil), certtree.New(), gwlog.New("noop", &gwlog.Config{}))
	w1, w2 := newTestWorker(t), newTestWorker(t)
	h.RegisterWorker(w1)
	h.RegisterWorker(w2)

	h.SetGracefulShutdown(true)
	assert.True(t, h.graceful.Load())
}

func TestWaitDrainedReturnsOnceAllWorkersIdle(t *testing.T) {
	h := New(config.NewSnapshot(nil), certtree.New(), gwlog.New("noop", &gwlog.Config{}))
	h.RegisterWorker(newTestWorker(t))
	h.RegisterWorker(newTestWorker(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, h.WaitDrained(ctx, time.Millisecond))
}

func TestForwardQUICDatagramFalseWhenNoLingeringWorkerClaimsPrefix(t *testing.T) {
	h := New(config.NewSnapshot(nil), certtree.New(), gwlog.New("noop", &gwlog.Config{}))
	dcid := make([]byte, worker.IDLen+4)
	ok := h.ForwardQUICDatagram(dcid, nil, nil, 0, nil)
	assert.False(t, ok)
}
