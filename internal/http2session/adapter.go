package http2session

import (
	"time"

	"github.com/hexinfra/shrpx/internal/dconn"
)

// Kind implements dconn.Conn: every Conn sharing a Session speaks HTTP/2
// to the origin.
func (c *Conn) Kind() dconn.Kind { return dconn.KindHTTP2 }

// Key implements dconn.Conn, keying pooled HTTP/2 Conns by the same
// (group, origin) pair HTTP/1 Conns use, so a caller asking the pool for
// an origin never learns or cares which wire protocol it gets back.
func (c *Conn) Key() string { return dconn.Key(c.session.group.Name, c.session.addr.HostPort) }

// Healthy implements dconn.Conn: a Conn is only worth reusing while its
// backing Session is CONNECTED. A session mid-GOAWAY or torn down by
// OnUnrecoverableError reports unhealthy so the pool discards it instead
// of handing out a Conn that can never push another request.
func (c *Conn) Healthy() bool {
	return c.session.State() == Connected
}

// IdleSince/MarkIdle implement dconn.Conn's FIFO eviction hook. Since an
// HTTP/2 Conn represents one stream slot on a shared session rather than
// its own socket, "idle" tracks how long this particular Conn has sat in
// the pool unattached, not the session's own idle time (the session
// stays alive and multiplexing other streams regardless).
func (c *Conn) IdleSince() time.Time { return c.idleAt }
func (c *Conn) MarkIdle()            { c.idleAt = time.Now() }

// Close implements dconn.Conn. Closing a pooled HTTP/2 Conn only detaches
// it from the session; the underlying connection is owned by the session
// and closes only through Session.Close.
func (c *Conn) Close() error {
	if c.downstream != nil {
		c.session.DetachDownstream(c)
	}
	return nil
}
