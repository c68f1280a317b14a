package http2session

import (
	"time"

	"github.com/hexinfra/shrpx/internal/dconn"
	"github.com/hexinfra/shrpx/internal/downstream"
)

// Conn is the HTTP/2 variant of DownstreamConnection (spec.md §3):
// references a shared Session plus a local downstream-stream-id.
type Conn struct {
	session    *Session
	streamID   int32 // -1 until push_request_headers assigns one
	downstream *downstream.Downstream
	idleAt     time.Time
}

var _ dconn.Conn = (*Conn)(nil)

// NewConn creates an HTTP/2 DownstreamConnection attached to session.
// Kind/Key/Healthy/IdleSince/MarkIdle/Close satisfy the dconn.Conn
// interface so HTTP/2 conns can sit in the same pool as HTTP/1 ones;
// defined in adapter.go to keep this file focused on the §4.3 behavior.
func NewConn(session *Session) *Conn {
	return &Conn{session: session, streamID: -1}
}

// Attach implements dconn.Conn: binds d to this Conn and pushes it onto
// the session's attached list (spec.md §4.3 attach_downstream).
func (c *Conn) Attach(d *downstream.Downstream) error {
	c.downstream = d
	c.session.AttachDownstream(c)

	// "HTTP/2 disables HTTP Upgrade" (shrpx_http2_downstream_connection.cc):
	// only a CONNECT or extended-CONNECT request keeps upgrade semantics.
	if d.Req.Method != "CONNECT" && d.Req.ConnectProto == downstream.ConnectNone {
		d.Req.UpgradeRequest = false
	}
	d.ResetReadTimer(func() {})
	return c.session.PushRequestHeaders(c)
}

// Detach implements dconn.Conn.
func (c *Conn) Detach(d *downstream.Downstream) {
	if c.downstream != d {
		return
	}
	d.DisableReadTimer()
	d.DisableWriteTimer()
	c.session.DetachDownstream(c)
	c.downstream = nil
}

// StreamID reports the assigned downstream-stream-id, or -1 if none yet.
func (c *Conn) StreamID() int32 { return c.streamID }

// Downstream returns the attached Downstream, or nil.
func (c *Conn) Downstream() *downstream.Downstream { return c.downstream }
