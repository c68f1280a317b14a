package h2load

import (
	"net"
	"sync"
	"syscall"
)

// blockableConn wraps a *net.UDPConn to surface spec.md §4.4's write
// path exactly: "If sendmsg returns EAGAIN/EWOULDBLOCK, the call
// captures {remote, bytes, gso_size} into the single blocked slot ...
// Invariant: at most one blocked descriptor." quic-go calls WriteTo
// directly on the net.PacketConn it's given, so this is the seam where
// that invariant is actually enforced rather than inside quic-go itself.
type blockableConn struct {
	*net.UDPConn

	mu      sync.Mutex
	blocked *sendBlocked
}

func newBlockableConn(uc *net.UDPConn) *blockableConn {
	return &blockableConn{UDPConn: uc}
}

// WriteTo retries any previously blocked datagram before accepting a new
// write, per §4.4 step 1: "retry that single datagram first."
func (c *blockableConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	pending := c.blocked
	c.mu.Unlock()

	if pending != nil {
		n, err := c.UDPConn.WriteTo(pending.data, pending.remote)
		if isBlocked(err) {
			c.setBlocked(pending.remote, pending.data, pending.gsoSize)
			return 0, err
		}
		if err != nil {
			c.clearBlocked()
			return 0, err
		}
		if n < len(pending.data) {
			// Partial accept: advance the residual pointer, keep blocked.
			c.setBlocked(pending.remote, pending.data[n:], pending.gsoSize)
			return n, nil
		}
		c.clearBlocked()
	}

	n, err := c.UDPConn.WriteTo(p, addr)
	if isBlocked(err) {
		c.setBlocked(addr, append([]byte(nil), p...), 0)
		return 0, err
	}
	return n, err
}

func isBlocked(err error) bool {
	return err != nil && (errIs(err, syscall.EAGAIN) || errIs(err, syscall.EWOULDBLOCK))
}

func errIs(err error, target syscall.Errno) bool {
	var errno syscall.Errno
	for e := err; e != nil; {
		if en, ok := e.(syscall.Errno); ok {
			errno = en
			break
		}
		unwrapper, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = unwrapper.Unwrap()
	}
	return errno == target
}

func (c *blockableConn) setBlocked(remote net.Addr, data []byte, gsoSize int) {
	c.mu.Lock()
	c.blocked = &sendBlocked{remote: remote, data: data, gsoSize: gsoSize}
	c.mu.Unlock()
}

func (c *blockableConn) clearBlocked() {
	c.mu.Lock()
	c.blocked = nil
	c.mu.Unlock()
}

func (c *blockableConn) blockedSnapshot() (net.Addr, []byte, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked == nil {
		return nil, nil, 0, false
	}
	return c.blocked.remote, c.blocked.data, c.blocked.gsoSize, true
}
