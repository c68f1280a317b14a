// Package gateway implements spec.md §4.1's Connection Handler: the
// process-wide coordinator that spawns workers, distributes accepted
// connections and QUIC datagrams, and drains a serial-event queue for
// cross-thread commands like REPLACE_DOWNSTREAM.
//
// Grounded on hemi/web_server.go's top-level Server (owns listener
// config, spins up per-connection goroutines) generalized to own a
// worker table and a serial-event channel, per
// original_source/src/shrpx_connection_handler.h's ConnectionHandler.
package gateway

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hexinfra/shrpx/internal/certtree"
	"github.com/hexinfra/shrpx/internal/config"
	"github.com/hexinfra/shrpx/internal/gwlog"
	"github.com/hexinfra/shrpx/internal/quicipc"
	"github.com/hexinfra/shrpx/internal/worker"
)

// SerialEventKind enumerates the cross-thread commands the handler's
// loop thread drains in post order (spec.md §4.1's "serial events").
type SerialEventKind int

const (
	EventReplaceDownstream SerialEventKind = iota
	EventGracefulShutdown
)

// SerialEvent is one posted cross-thread command.
type SerialEvent struct {
	Kind   SerialEventKind
	Config *config.DownstreamConfig // for EventReplaceDownstream
}

// LingeringWorker records an outgoing worker process's identity plus the
// IPC socket used to forward it stray QUIC datagrams during graceful
// rollover (spec.md §4.1's QUICLingeringWorkerProcess).
type LingeringWorker struct {
	ID   worker.ID
	IPC  *quicipc.Client
	Died time.Time
}

// Handler is the process-wide ConnectionHandler of spec.md §4.1.
type Handler struct {
	log gwlog.Logger

	mu          sync.RWMutex
	workers     []*worker.Worker
	byID        map[worker.ID]*worker.Worker
	rrCounter   atomic.Uint64
	lingering   []*LingeringWorker
	certTree    *certtree.Tree
	cfgSnapshot *config.Snapshot

	eventsMu sync.Mutex
	events   []SerialEvent
	wake     chan struct{}

	graceful atomic.Bool
}

// New creates a Handler with an initial config snapshot and cert tree.
func New(snapshot *config.Snapshot, tree *certtree.Tree, log gwlog.Logger) *Handler {
	return &Handler{
		log:         log,
		byID:        make(map[worker.ID]*worker.Worker),
		certTree:    tree,
		cfgSnapshot: snapshot,
		wake:        make(chan struct{}, 1),
	}
}

// RegisterWorker adds w to the round-robin/CID-dispatch tables.
func (h *Handler) RegisterWorker(w *worker.Worker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers = append(h.workers, w)
	h.byID[w.ID] = w
}

// NextWorkerRoundRobin implements TCP accept distribution: "TCP accepts
// are distributed round-robin (worker_round_robin_cnt_ mod N)."
func (h *Handler) NextWorkerRoundRobin() *worker.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.workers) == 0 {
		return nil
	}
	n := h.rrCounter.Add(1) - 1
	return h.workers[int(n%uint64(len(h.workers)))]
}

// WorkerByCID resolves a QUIC destination CID to its owning worker by
// its ID-length prefix, per §4.1: "assignment is by destination
// Connection-ID: the first bytes of the CID encode the target
// Worker-ID."
func (h *Handler) WorkerByCID(dcid []byte) *worker.Worker {
	if len(dcid) < worker.IDLen {
		return nil
	}
	var id worker.ID
	copy(id[:], dcid[:worker.IDLen])

	h.mu.RLock()
	w := h.byID[id]
	h.mu.RUnlock()
	return w
}

// RegisterLingeringWorker records an outgoing worker's identity and IPC
// endpoint so stray datagrams for it can still be forwarded during
// graceful rollover.
func (h *Handler) RegisterLingeringWorker(lw *LingeringWorker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lingering = append(h.lingering, lw)
}

// ForwardQUICDatagram routes an inbound UDP datagram whose destination
// CID doesn't match any live worker but does match a lingering one, per
// §4.1's DGRAM_FORWARD path. Returns false if no lingering worker
// claims the prefix.
func (h *Handler) ForwardQUICDatagram(dcid []byte, remote, local net.Addr, ecn uint8, payload []byte) bool {
	if len(dcid) < worker.IDLen {
		return false
	}
	var id worker.ID
	copy(id[:], dcid[:worker.IDLen])

	h.mu.RLock()
	var target *LingeringWorker
	for _, lw := range h.lingering {
		if lw.ID == id {
			target = lw
			break
		}
	}
	h.mu.RUnlock()
	if target == nil {
		return false
	}
	if err := target.IPC.SendDgramForward(remote, local, ecn, payload); err != nil {
		h.log.Warnf("gateway: forward to lingering worker %x failed: %v", id, err)
		return false
	}
	return true
}

// PostSerialEvent enqueues a cross-thread command; the loop thread
// drains events in post order under eventsMu (§4.1 invariant).
func (h *Handler) PostSerialEvent(ev SerialEvent) {
	h.eventsMu.Lock()
	h.events = append(h.events, ev)
	h.eventsMu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// ReplaceDownstream is the typed convenience wrapper for posting a
// REPLACE_DOWNSTREAM serial event with a new config generation.
func (h *Handler) ReplaceDownstream(next *config.DownstreamConfig) {
	h.PostSerialEvent(SerialEvent{Kind: EventReplaceDownstream, Config: next})
}

// drainEvents pops every currently queued event under the lock,
// preserving FIFO order.
func (h *Handler) drainEvents() []SerialEvent {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	if len(h.events) == 0 {
		return nil
	}
	drained := h.events
	h.events = nil
	return drained
}

// Run is the handler's loop thread: it drains serial events until ctx is
// canceled. Real deployments call this from the same goroutine that owns
// the process's top-level context.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
			for _, ev := range h.drainEvents() {
				h.apply(ev)
			}
		}
	}
}

func (h *Handler) apply(ev SerialEvent) {
	switch ev.Kind {
	case EventReplaceDownstream:
		if ev.Config == nil {
			return
		}
		if h.cfgSnapshot.Replace(ev.Config) {
			h.log.Infof("gateway: downstream config replaced, generation=%d", ev.Config.Generation)
		}
	case EventGracefulShutdown:
		h.SetGracefulShutdown(true)
	}
}

// SetGracefulShutdown implements §4.1's "set_graceful_shutdown(true) ->
// new accepts rejected": propagates to every registered worker.
func (h *Handler) SetGracefulShutdown(v bool) {
	h.graceful.Store(v)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.workers {
		w.SetGracefulShutdown(v)
	}
}

// WaitDrained blocks until every worker's connection count reaches zero
// or ctx is canceled, per §4.1: "once the last worker's connection count
// reaches zero, the handler joins worker threads ... and exits."
func (h *Handler) WaitDrained(ctx context.Context, pollEvery time.Duration) error {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		if h.allDrained() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Handler) allDrained() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.workers {
		if w.ConnCount() > 0 {
			return false
		}
	}
	return true
}

// CertTree exposes the SNI lookup tree the TLS handshake hook consults.
func (h *Handler) CertTree() *certtree.Tree { return h.certTree }
