// Package dconn implements the DownstreamConnection capability of
// spec.md §3 ("send this Downstream to an origin and deliver its
// response") and the bounded idle-connection pool of §4.2.
//
// Grounded on the teacher's per-protocol node/conn split
// (hemi/web_http1_backend.go's http1Node + backend1Conn,
// hemi/web_http2_backend.go's http2Node + backend2Conn): one Conn
// implementation per wire protocol, all satisfying the same interface,
// pooled by a per-origin connPool the node owns.
package dconn

import (
	"net"
	"time"

	"github.com/hexinfra/shrpx/internal/downstream"
)

// Kind names which wire protocol a DownstreamConnection speaks to the origin.
type Kind int

const (
	KindHTTP1 Kind = iota
	KindHTTP2
	KindHTTP3
)

// Conn is the DownstreamConnection capability of spec.md §3. Variants:
// HTTP/1 (owns a TCP/TLS socket), HTTP/2 (references a shared Http2Session
// plus a local stream-id), HTTP/3 (references a QUIC conn + stream-id).
type Conn interface {
	Kind() Kind
	// Key identifies the (group, origin) bucket this conn belongs to in
	// the pool, so it's only ever handed back to a caller asking for the
	// same origin.
	Key() string
	// Attach binds d to this conn; at most one Downstream may be attached
	// to an HTTP/1 conn at a time (HTTP/2 and HTTP/3 share the
	// underlying session across many conns/streams).
	Attach(d *downstream.Downstream) error
	// Detach releases d from this conn. Safe to call from within a
	// response-completion callback (re-entrant), per §4.3.
	Detach(d *downstream.Downstream)
	// Healthy reports whether the underlying socket/session is usable;
	// a pool release that finds this false destroys the conn instead of
	// returning it to the idle set (§4.2).
	Healthy() bool
	// IdleSince reports when this conn became idle, for FIFO eviction.
	IdleSince() time.Time
	MarkIdle()
	Close() error
}

// Key builds the pool bucket key for a (group, origin address) pair.
func Key(group, addr string) string { return group + "|" + addr }

// http1Conn is the HTTP/1 variant: owns a TCP/TLS socket directly.
type http1Conn struct {
	key      string
	netConn  net.Conn
	attached *downstream.Downstream
	idleAt   time.Time
	closed   bool
}

// NewHTTP1 wraps an already-dialed net.Conn as a pooled HTTP/1 DownstreamConnection.
func NewHTTP1(group, addr string, netConn net.Conn) Conn {
	return &http1Conn{key: Key(group, addr), netConn: netConn}
}

func (c *http1Conn) Kind() Kind   { return KindHTTP1 }
func (c *http1Conn) Key() string  { return c.key }

func (c *http1Conn) Attach(d *downstream.Downstream) error {
	c.attached = d
	return nil
}

func (c *http1Conn) Detach(d *downstream.Downstream) {
	if c.attached == d {
		c.attached = nil
	}
}

func (c *http1Conn) Healthy() bool {
	if c.closed || c.netConn == nil {
		return false
	}
	// A cheap liveness probe: a one-byte read with a 1ms deadline. A
	// timeout means the connection is idle and alive; EOF or any other
	// error means the peer closed while we were idle.
	one := make([]byte, 1)
	_ = c.netConn.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := c.netConn.Read(one)
	_ = c.netConn.SetReadDeadline(time.Time{})
	return err == nil || isTimeout(err)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (c *http1Conn) IdleSince() time.Time { return c.idleAt }
func (c *http1Conn) MarkIdle()            { c.idleAt = time.Now() }

func (c *http1Conn) Close() error {
	c.closed = true
	if c.netConn != nil {
		return c.netConn.Close()
	}
	return nil
}
