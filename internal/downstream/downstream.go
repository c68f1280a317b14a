// Package downstream implements the Downstream type of spec.md §3: one
// in-flight request/response pair being proxied from an upstream client
// to a downstream origin.
//
// Lifecycle and field grouping follow the teacher's pooled-object idiom
// (hemi/web_http2_backend.go's backend2Stream: onUse/onEnd plus a
// "_backend2Stream0 zero block" for fast reset) so that Downstreams can
// be recycled through a sync.Pool without leaking state across requests.
package downstream

import (
	"sync"
	"time"
)

// ConnectProto classifies the :protocol pseudo-header / CONNECT variant
// of a request, per spec.md §3.
type ConnectProto int

const (
	ConnectNone ConnectProto = iota
	ConnectWebSocket
	ConnectExtended
)

// State is the per-direction request/response state machine of spec.md §3.
type State int

const (
	StateInitial State = iota
	StateHeaderComplete
	StateBody
	StateMsgComplete
	StateMsgReset
	StateMsgBadHeader
	StateStreamClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateHeaderComplete:
		return "HEADER_COMPLETE"
	case StateBody:
		return "BODY"
	case StateMsgComplete:
		return "MSG_COMPLETE"
	case StateMsgReset:
		return "MSG_RESET"
	case StateMsgBadHeader:
		return "MSG_BAD_HEADER"
	case StateStreamClosed:
		return "STREAM_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Request is the upstream-facing request half of a Downstream.
type Request struct {
	Method       string
	Scheme       string
	Authority    string
	Path         string
	Headers      [][2]string
	Trailers     [][2]string
	ContentLength int64
	Chunked      bool
	UpgradeRequest bool
	ConnectProto ConnectProto
	NoAuthority  bool // no :authority / Host present (HTTP/1.0 style)
}

func (r *Request) RegularConnectMethod() bool {
	return r.Method == "CONNECT" && r.ConnectProto == ConnectNone
}

// Response is the origin-facing response half of a Downstream.
type Response struct {
	Status                int
	Headers               [][2]string
	Trailers              [][2]string
	UnconsumedBodyLength  int64
}

// Upstream is the minimal capability a Downstream needs from whatever
// accepted the client connection: enough to answer header-rewrite policy
// questions (§4.3) without the downstream package depending on the
// concrete upstream implementation.
type Upstream interface {
	ClientIP() string
	TLSHandshakeDone() bool
}

// Downstream is one in-flight request/response pair (spec.md §3).
// Invariant: a Downstream exists in at most one upstream and at most one
// DownstreamConnection simultaneously — enforced by callers holding
// exactly one reference and clearing it on detach, never by this type.
type Downstream struct {
	// Assocs
	Up Upstream

	// Request/response halves
	Req Request
	Resp Response

	// Buffers: request-body bytes not yet sent downstream, and bytes
	// received from the upstream before the downstream connection/stream
	// existed to accept them (§3 "blocked-request-body").
	ReqBody        []byte
	BlockedReqBody []byte
	BlockedReqEOF  bool

	// Stream identifiers on each side (-1 when not yet assigned / not applicable).
	UpstreamStreamID   int32
	DownstreamStreamID int32

	// State pair.
	ReqState  State
	RespState State

	// Bookkeeping used by the HTTP/2 downstream session (§4.3).
	RequestPending    bool // push_request_headers deferred until CONNECTED
	RequestHeaderSent bool
	EarlyDataEligible bool // client TLS handshake not finished yet -> early-data: 1

	// Timers (owned by whatever worker this Downstream is bound to).
	ReadTimer  *time.Timer
	WriteTimer *time.Timer

	readTimeout  time.Duration
	writeTimeout time.Duration
}

var pool sync.Pool

// Get fetches a Downstream from the pool (or allocates one), reset and
// ready for a new request.
func Get(up Upstream, readTimeout, writeTimeout time.Duration) *Downstream {
	var d *Downstream
	if v := pool.Get(); v != nil {
		d = v.(*Downstream)
	} else {
		d = new(Downstream)
	}
	d.onUse(up, readTimeout, writeTimeout)
	return d
}

// Put returns d to the pool after clearing every field that must not
// leak into the next request.
func Put(d *Downstream) {
	d.onEnd()
	pool.Put(d)
}

func (d *Downstream) onUse(up Upstream, readTimeout, writeTimeout time.Duration) {
	d.Up = up
	d.UpstreamStreamID = -1
	d.DownstreamStreamID = -1
	d.readTimeout = readTimeout
	d.writeTimeout = writeTimeout
}

func (d *Downstream) onEnd() {
	d.stopTimers()
	*d = Downstream{}
}

// ResetReadTimer (re)arms the read timer; disabling happens via DisableReadTimer.
func (d *Downstream) ResetReadTimer(onFire func()) {
	if d.ReadTimer == nil {
		d.ReadTimer = time.AfterFunc(d.readTimeout, onFire)
		return
	}
	d.ReadTimer.Reset(d.readTimeout)
}

func (d *Downstream) DisableReadTimer() {
	if d.ReadTimer != nil {
		d.ReadTimer.Stop()
	}
}

// EnsureWriteTimer arms the write timer only if not already running,
// matching ensure_downstream_wtimer's "don't reset an in-flight deadline
// on every chunk" semantics from the original implementation.
func (d *Downstream) EnsureWriteTimer(onFire func()) {
	if d.WriteTimer == nil {
		d.WriteTimer = time.AfterFunc(d.writeTimeout, onFire)
	}
}

func (d *Downstream) ResetWriteTimer(onFire func()) {
	if d.WriteTimer == nil {
		d.WriteTimer = time.AfterFunc(d.writeTimeout, onFire)
		return
	}
	d.WriteTimer.Reset(d.writeTimeout)
}

func (d *Downstream) DisableWriteTimer() {
	if d.WriteTimer != nil {
		d.WriteTimer.Stop()
	}
}

func (d *Downstream) stopTimers() {
	d.DisableReadTimer()
	d.DisableWriteTimer()
}

// ConsumeUnconsumedBody accounts for n bytes of response body now consumed
// by the upstream write side; see the HTTP/2 flow-control conservation
// law of spec.md §8 item 3: this plus what the session Consume()s must
// equal bytes delivered.
func (d *Downstream) ConsumeUnconsumedBody(n int64) {
	d.Resp.UnconsumedBodyLength -= n
	if d.Resp.UnconsumedBodyLength < 0 {
		d.Resp.UnconsumedBodyLength = 0
	}
}
