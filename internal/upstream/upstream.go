// Package upstream implements the server-side protocol machine of
// spec.md §4 item 6: it accepts a client request, builds a Downstream,
// and hands it to a DownstreamConnection obtained from the pool. The
// header-rewrite policy itself (forwarded/via/xff/xfp construction) is
// an external collaborator per spec.md §1/§6; this package only defines
// the hook surface and applies whichever policy is passed to NewSession.
//
// Grounded on hemi/web_server.go's httpServer/httpStream accept loop and
// on original_source/src/shrpx_http2_upstream.cc for the exact
// dispatch-to-downstream sequencing the distilled spec summarizes.
package upstream

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/hexinfra/shrpx/internal/config"
	"github.com/hexinfra/shrpx/internal/dconn"
	"github.com/hexinfra/shrpx/internal/downstream"
	"github.com/hexinfra/shrpx/internal/gwerr"
	"github.com/hexinfra/shrpx/internal/gwlog"
)

// HeaderRewritePolicy is the external collaborator spec.md §6 names:
// "Header rewriting surface. Hooks consumed from a header-codec
// collaborator." The core only calls it; it never parses headers itself.
type HeaderRewritePolicy interface {
	// Rewrite mutates req in place applying strip/add rules from opts,
	// given the accepted connection's observed client IP and whether its
	// TLS handshake has completed (early-data:1 eligibility).
	Rewrite(req *downstream.Request, opts config.HTTPOptions, clientIP string, tlsHandshakeDone bool)
}

// defaultPolicy is a minimal, spec-literal implementation of
// HeaderRewritePolicy covering only the x-forwarded-for append tested by
// §8 item 8 (early-data eligibility is set by DispatchRequest, not here);
// production deployments are expected to supply their own via
// NewSession's policy argument, per the "external collaborator" framing.
type defaultPolicy struct{}

func (defaultPolicy) Rewrite(req *downstream.Request, opts config.HTTPOptions, clientIP string, tlsHandshakeDone bool) {
	if opts.AddXForwardedFor {
		for i, h := range req.Headers {
			if equalFold(h[0], "x-forwarded-for") {
				req.Headers[i][1] = h[1] + ", " + clientIP
				return
			}
		}
		req.Headers = append(req.Headers, [2]string{"x-forwarded-for", clientIP})
	}
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// clientConn adapts an accepted net.Conn to downstream.Upstream.
type clientConn struct {
	netConn      net.Conn
	tlsDone      atomic.Bool
	remoteIPOnly string
}

func newClientConn(nc net.Conn, tlsHandshakeDone bool) *clientConn {
	c := &clientConn{netConn: nc}
	c.tlsDone.Store(tlsHandshakeDone)
	if host, _, err := net.SplitHostPort(nc.RemoteAddr().String()); err == nil {
		c.remoteIPOnly = host
	} else {
		c.remoteIPOnly = nc.RemoteAddr().String()
	}
	return c
}

func (c *clientConn) ClientIP() string        { return c.remoteIPOnly }
func (c *clientConn) TLSHandshakeDone() bool  { return c.tlsDone.Load() }
func (c *clientConn) MarkTLSHandshakeDone()   { c.tlsDone.Store(true) }

// Session is one accepted upstream connection: it owns the client
// net.Conn, dispatches each request it parses off that connection to a
// Downstream, and routes the Downstream to a DownstreamConnection.
//
// This package deliberately does not parse HTTP/1 or HTTP/2 wire bytes
// off the client socket (spec.md §1 excludes "HTTP header parsing" from
// scope); DispatchRequest is the seam a real upstream parser calls once
// it has decoded a request into a downstream.Request.
type Session struct {
	up     *clientConn
	group  *config.DownstreamAddrGroup
	pool   *dconn.Pool
	policy HeaderRewritePolicy
	log    gwlog.Logger

	readTimeout, writeTimeout time.Duration
}

// NewSession wraps an accepted client connection for a given routing
// group. policy may be nil, in which case defaultPolicy is used.
func NewSession(nc net.Conn, group *config.DownstreamAddrGroup, pool *dconn.Pool, policy HeaderRewritePolicy, log gwlog.Logger, tlsHandshakeDone bool) *Session {
	if policy == nil {
		policy = defaultPolicy{}
	}
	return &Session{
		up:           newClientConn(nc, tlsHandshakeDone),
		group:        group,
		pool:         pool,
		policy:       policy,
		log:          log,
		readTimeout:  60 * time.Second,
		writeTimeout: 60 * time.Second,
	}
}

// MarkTLSHandshakeDone flips the upstream's TLS-complete flag, gating
// early-data:1 forwarding for any Downstream dispatched afterward.
func (s *Session) MarkTLSHandshakeDone() { s.up.MarkTLSHandshakeDone() }

// DispatchRequest builds a Downstream from req, applies the header
// rewrite policy, acquires or dials a DownstreamConnection for the
// routing group, and attaches. Returns the Downstream so the caller can
// stream request body bytes into it and read the response back out.
func (s *Session) DispatchRequest(req downstream.Request, dial func(addr string, tlsProfile config.TLSProfile, tlsMode bool) (net.Conn, error), opts config.HTTPOptions) (*downstream.Downstream, dconn.Conn, error) {
	d := downstream.Get(s.up, s.readTimeout, s.writeTimeout)
	d.Req = req
	d.EarlyDataEligible = !s.up.TLSHandshakeDone()

	s.policy.Rewrite(&d.Req, opts, s.up.ClientIP(), s.up.TLSHandshakeDone())

	if len(s.group.Addrs) == 0 {
		downstream.Put(d)
		return nil, nil, gwerr.Newf(gwerr.ConfigError, "upstream: no endpoints in group %q", s.group.Name)
	}

	maxAttempts := s.group.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	tried := make(map[int]bool, maxAttempts)
	var conn dconn.Conn
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ep, idx := s.pickEndpoint(tried)
		if ep == nil {
			break // every endpoint in the group has already been tried
		}
		tried[idx] = true

		key := dconn.Key(s.group.Name, ep.HostPort)
		c := s.pool.Acquire(key)
		if c == nil {
			nc, err := dial(ep.HostPort, ep.TLSProfile, ep.TLS)
			if err != nil {
				lastErr = err
				if attempt < maxAttempts-1 && s.group.Retry.Backoff > 0 {
					time.Sleep(s.group.Retry.Backoff)
				}
				continue
			}
			c = dconn.NewHTTP1(s.group.Name, ep.HostPort, nc)
		}
		conn = c
		break
	}
	if conn == nil {
		downstream.Put(d)
		return nil, nil, gwerr.New(gwerr.DialError, lastErr)
	}

	if err := conn.Attach(d); err != nil {
		s.pool.Release(conn)
		downstream.Put(d)
		return nil, nil, gwerr.New(gwerr.ProtocolError, err)
	}
	return d, conn, nil
}

// pickEndpoint selects the next candidate via weighted round-robin over
// s.group.Addrs, skipping indices already in exclude so DispatchRequest can
// retry a fresh endpoint on DialError (§7: "DialError — per-request;
// retried per group policy, then surfaced as 502"). A non-positive Weight
// is treated as weight 1. Grounded on hemi/mix_backend.go's
// Backend_.nextIndexByRoundRobin (an atomic counter modulo the candidate
// count); weighting is layered on by bucketing the counter into
// per-endpoint spans sized by Weight.
func (s *Session) pickEndpoint(exclude map[int]bool) (*config.Endpoint, int) {
	addrs := s.group.Addrs
	total := 0
	for i, ep := range addrs {
		if exclude[i] {
			continue
		}
		total += endpointWeight(ep)
	}
	if total == 0 {
		return nil, -1
	}
	target := int(s.group.NextRoundRobin() % uint64(total))
	for i, ep := range addrs {
		if exclude[i] {
			continue
		}
		w := endpointWeight(ep)
		if target < w {
			return ep, i
		}
		target -= w
	}
	return nil, -1
}

func endpointWeight(ep *config.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

// Complete releases conn back to the pool (or destroys it) once d has
// reached a terminal response state, and returns d to its pool.
func (s *Session) Complete(d *downstream.Downstream, conn dconn.Conn) {
	conn.Detach(d)
	s.pool.Release(conn)
	downstream.Put(d)
}
