// Package http2session implements the HTTP/2 downstream session of
// spec.md §4.3: one multiplexed client HTTP/2 connection to a specific
// origin, fanning requests from many Downstreams across it.
//
// Grounded on hemi/web_http2_backend.go's backend2Conn (intrusive
// attached-stream list, stream-id table, sync.Pool-recycled streams) and
// on original_source/src/shrpx_http2_downstream_connection.cc for the
// exact attach/detach/push_request_headers/flow-control behavior the
// distilled spec only summarizes.
package http2session

import (
	"net"
	"sync"
	"time"

	"github.com/hexinfra/shrpx/internal/config"
	"github.com/hexinfra/shrpx/internal/downstream"
	"github.com/hexinfra/shrpx/internal/gwerr"
	"github.com/hexinfra/shrpx/internal/gwlog"
)

// State is the Http2Session state machine of spec.md §3/§4.3.
type State int

const (
	Disconnected State = iota
	Resolving
	Connecting
	Connected
	ConnectFailing
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Resolving:
		return "RESOLVING"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case ConnectFailing:
		return "CONNECT_FAILING"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// streamData binds a downstream-stream-id to the DownstreamConn attached
// to it, mirroring the teacher's StreamData (web_http2_backend.go
// references "sd.dconn" throughout).
type streamData struct {
	streamID   uint32
	downstream *downstream.Downstream
	conn       *Conn
	// windowConsumed totals the bytes we've told the peer we're done with
	// via WINDOW_UPDATE. Every Consume() call adds to it and sends its own
	// WINDOW_UPDATE, so the conservation law of §8 item 3 holds across
	// detach.
	windowConsumed int64
}

// Session is the Http2Session of spec.md §3/§4.3.
type Session struct {
	mu sync.Mutex

	state State
	addr  *config.Endpoint
	group *config.DownstreamAddrGroup

	netConn net.Conn
	writer  *frameWriter

	// attached is the intrusive list of DownstreamConnections linked to
	// this session (teacher: dlnext/dlprev on backend2Conn). Represented
	// as a slice here; detach is O(n) in the slice, which avoids manual
	// pointer-list bookkeeping bugs. The session puts no cap on its length.
	attached []*Conn

	streams map[uint32]*streamData // by downstream-stream-id

	nextStreamID  uint32 // monotonically increasing, odd (client-initiated)
	writeReady    bool
	checkingConn  bool // start_checking_connection latch

	allowConnectProto bool
	httpOptions       config.HTTPOptions

	log gwlog.Logger
}

// NewSession creates a disconnected Http2Session bound to addr/group.
// It does not dial; the caller calls Dial, and attaching a Downstream
// does not dial either.
func NewSession(addr *config.Endpoint, group *config.DownstreamAddrGroup, log gwlog.Logger) *Session {
	return &Session{
		state:             Disconnected,
		addr:              addr,
		group:             group,
		streams:           make(map[uint32]*streamData),
		nextStreamID:      1,
		allowConnectProto: true,
		log:               log,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dial establishes the underlying connection and performs the HTTP/2
// client preface + initial SETTINGS exchange, transitioning
// DISCONNECTED -> RESOLVING -> CONNECTING -> CONNECTED. Invariant (b) of
// spec.md §3: the session cannot submit new requests outside CONNECTED,
// enforced by CanPushRequest.
func (s *Session) Dial(dial func(addr string, tlsProfile config.TLSProfile, tlsMode bool) (net.Conn, error)) error {
	s.mu.Lock()
	s.state = Resolving
	s.mu.Unlock()

	s.mu.Lock()
	s.state = Connecting
	s.mu.Unlock()

	nc, err := dial(s.addr.HostPort, s.addr.TLSProfile, s.addr.TLS)
	if err != nil {
		s.mu.Lock()
		s.state = ConnectFailing
		s.mu.Unlock()
		return gwerr.New(gwerr.DialError, err)
	}

	if err := writeClientPreface(nc); err != nil {
		_ = nc.Close()
		s.mu.Lock()
		s.state = ConnectFailing
		s.mu.Unlock()
		return gwerr.New(gwerr.DialError, err)
	}

	s.mu.Lock()
	s.netConn = nc
	s.writer = newFrameWriter(nc)
	s.state = Connected
	pending := s.flushPendingLocked()
	s.mu.Unlock()

	s.StartReadLoop()

	for _, conn := range pending {
		_ = s.PushRequestHeaders(conn)
	}
	return nil
}

// flushPendingLocked collects every attached Conn whose Downstream was
// marked RequestPending while the session wasn't usable yet. Caller
// holds s.mu; "Transition to CONNECTED triggers header flush of all
// attached Downstreams marked request_pending" (§4.3).
func (s *Session) flushPendingLocked() []*Conn {
	var pending []*Conn
	for _, c := range s.attached {
		if c.downstream != nil && c.downstream.RequestPending {
			pending = append(pending, c)
		}
	}
	return pending
}

// CanPushRequest reports whether the session is usable for a new
// request submission right now (invariant (b), §3).
func (s *Session) CanPushRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Connected
}

// StartCheckingConnection latches a re-check of the connection; once
// Dial succeeds every Downstream queued with RequestPending gets its
// push_request_headers retried. A failed Dial retries nothing (§4.3's
// push_request_headers: "will be called again just after it is
// established").
func (s *Session) StartCheckingConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkingConn = true
}

// AttachDownstream links a DownstreamConnection into the session's
// attached list and signals write, per §4.3.
func (s *Session) AttachDownstream(c *Conn) {
	s.mu.Lock()
	c.streamID = -1
	s.attached = append(s.attached, c)
	s.writeReady = true
	s.mu.Unlock()
}

// DetachDownstream unlinks c, submitting RST_STREAM if the stream was
// opened and the response isn't already terminal, and consuming every
// un-consumed flow-control credit so the peer isn't starved (§4.3).
// Safe to call re-entrantly from a response-end callback.
func (s *Session) DetachDownstream(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(c)
}

func (s *Session) detachLocked(c *Conn) {
	idx := -1
	for i, a := range s.attached {
		if a == c {
			idx = i
			break
		}
	}
	if idx == -1 {
		return // already detached; tolerate re-entrant detach (§4.3)
	}
	s.attached = append(s.attached[:idx], s.attached[idx+1:]...)

	if c.streamID < 0 {
		return
	}
	sd := s.streams[uint32(c.streamID)]
	if sd == nil {
		return
	}

	if s.state == Connected && shouldResetOnDetach(c.downstream) {
		_ = s.submitRSTStreamLocked(uint32(c.streamID), errNoError)
	}

	if c.downstream != nil {
		s.consumeLocked(uint32(c.streamID), c.downstream.Resp.UnconsumedBodyLength)
		c.downstream.Resp.UnconsumedBodyLength = 0
	}

	delete(s.streams, uint32(c.streamID))
	c.streamID = -1
	s.writeReady = true
}

// shouldResetOnDetach mirrors Http2DownstreamConnection::submit_rst_stream's
// guard: don't RST a stream whose response already reached a terminal state.
func shouldResetOnDetach(d *downstream.Downstream) bool {
	if d == nil {
		return true
	}
	switch d.RespState {
	case downstream.StateMsgReset, downstream.StateMsgBadHeader, downstream.StateMsgComplete:
		return false
	default:
		return true
	}
}

const (
	errNoError       = 0x0
	errInternalError = 0x2
)

func (s *Session) submitRSTStreamLocked(streamID uint32, errorCode uint32) error {
	if s.writer == nil {
		return nil
	}
	return s.writer.writeRSTStream(streamID, errorCode)
}

// Consume returns n bytes of flow-control credit for streamID to the
// peer (WINDOW_UPDATE), per §4.3's flow-control rule: "must call
// consume(stream_id, n) for every byte it buffers beyond the
// window-consumed offset, including on detach."
func (s *Session) Consume(streamID uint32, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(streamID, n)
}

func (s *Session) consumeLocked(streamID uint32, n int64) error {
	if n <= 0 {
		return nil
	}
	sd := s.streams[streamID]
	if sd != nil {
		sd.windowConsumed += n
	}
	if s.writer == nil {
		return nil
	}
	return s.writer.writeWindowUpdate(streamID, uint32(n))
}

// SignalWrite marks the session writable; a real event loop integration
// would wake the reactor here. Exposed so callers matching the teacher's
// "http2session_->signal_write()" call sites compile against the same shape.
func (s *Session) SignalWrite() {
	s.mu.Lock()
	s.writeReady = true
	s.mu.Unlock()
}

// nextID assigns the next monotonically increasing, odd downstream
// stream id (invariant (a) of spec.md §3).
func (s *Session) nextID() uint32 {
	id := s.nextStreamID
	s.nextStreamID += 2
	return id
}

// OnUnrecoverableError drops the session to DISCONNECTING and surfaces
// every attached Downstream as a 502 (or aborts it if headers were
// already sent), per §4.3's state-machine error path.
func (s *Session) OnUnrecoverableError(cause error) {
	s.mu.Lock()
	s.state = Disconnecting
	attached := append([]*Conn(nil), s.attached...)
	s.mu.Unlock()

	for _, c := range attached {
		if c.downstream == nil {
			continue
		}
		if c.downstream.RequestHeaderSent {
			c.downstream.RespState = downstream.StateMsgReset
		} else {
			c.downstream.Resp.Status = 502
			c.downstream.RespState = downstream.StateMsgComplete
		}
		s.DetachDownstream(c)
	}
	s.log.Warnf("http2session: unrecoverable error, %d streams aborted: %v", len(attached), cause)
}

// IdleDeadline returns the time idleTimeout from now, the point at which
// this session counts as idle too long.
func (s *Session) IdleDeadline(idleTimeout time.Duration) time.Time {
	return time.Now().Add(idleTimeout)
}

// Close tears the session down, resetting every attached stream.
func (s *Session) Close() error {
	s.mu.Lock()
	attached := append([]*Conn(nil), s.attached...)
	s.state = Disconnecting
	nc := s.netConn
	s.mu.Unlock()

	for _, c := range attached {
		s.DetachDownstream(c)
	}
	if nc != nil {
		return nc.Close()
	}
	return nil
}
