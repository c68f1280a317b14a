package upstream

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexinfra/shrpx/internal/config"
	"github.com/hexinfra/shrpx/internal/dconn"
	"github.com/hexinfra/shrpx/internal/downstream"
	"github.com/hexinfra/shrpx/internal/gwlog"
)

func loopbackConnPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	clientCh := make(chan net.Conn, 1)
	go func() {
		c, _ := net.Dial("tcp", ln.Addr().String())
		clientCh <- c
	}()
	server, err := ln.Accept()
	require.NoError(t, err)
	client := <-clientCh
	require.NotNil(t, client)
	return client, server
}

func TestDefaultPolicyAppendsXForwardedFor(t *testing.T) {
	req := &downstream.Request{}
	defaultPolicy{}.Rewrite(req, config.HTTPOptions{AddXForwardedFor: true}, "203.0.113.5", true)

	require.Len(t, req.Headers, 1)
	assert.Equal(t, "x-forwarded-for", req.Headers[0][0])
	assert.Equal(t, "203.0.113.5", req.Headers[0][1])
}

func TestDefaultPolicyAppendsToExistingXForwardedFor(t *testing.T) {
	req := &downstream.Request{Headers: [][2]string{{"x-forwarded-for", "10.0.0.1"}}}
	defaultPolicy{}.Rewrite(req, config.HTTPOptions{AddXForwardedFor: true}, "203.0.113.5", true)

	require.Len(t, req.Headers, 1)
	assert.Equal(t, "10.0.0.1, 203.0.113.5", req.Headers[0][1])
}

func TestDispatchRequestFailsWithNoEndpoints(t *testing.T) {
	client, server := loopbackConnPair(t)
	defer client.Close()
	defer server.Close()

	group := &config.DownstreamAddrGroup{Name: "empty"}
	pool := dconn.NewPool(4, 16, 0)
	sess := NewSession(server, group, pool, nil, gwlog.New("noop", &gwlog.Config{}), true)

	_, _, err := sess.DispatchRequest(downstream.Request{Method: "GET"}, func(addr string, tlsProfile config.TLSProfile, tlsMode bool) (net.Conn, error) {
		t.Fatal("dial must not be called when the group has no endpoints")
		return nil, nil
	}, config.HTTPOptions{})
	assert.Error(t, err)
}

func TestDispatchRequestDialsAndAttachesWhenPoolEmpty(t *testing.T) {
	client, server := loopbackConnPair(t)
	defer client.Close()
	defer server.Close()

	originClient, originServer := loopbackConnPair(t)
	defer originServer.Close()

	group := &config.DownstreamAddrGroup{Name: "api", Addrs: []*config.Endpoint{{HostPort: "origin:80"}}}
	pool := dconn.NewPool(4, 16, 0)
	sess := NewSession(server, group, pool, nil, gwlog.New("noop", &gwlog.Config{}), true)

	dialed := false
	d, conn, err := sess.DispatchRequest(downstream.Request{Method: "GET"}, func(addr string, tlsProfile config.TLSProfile, tlsMode bool) (net.Conn, error) {
		dialed = true
		assert.Equal(t, "origin:80", addr)
		return originClient, nil
	}, config.HTTPOptions{})

	require.NoError(t, err)
	assert.True(t, dialed)
	require.NotNil(t, d)
	require.NotNil(t, conn)
	assert.Equal(t, dconn.KindHTTP1, conn.Kind())

	sess.Complete(d, conn)
}

func TestPickEndpointRoundRobinsAcrossEqualWeight(t *testing.T) {
	group := &config.DownstreamAddrGroup{Name: "api", Addrs: []*config.Endpoint{
		{HostPort: "a:80", Weight: 1},
		{HostPort: "b:80", Weight: 1},
	}}
	sess := &Session{group: group}

	seen := map[string]int{}
	for i := 0; i < 20; i++ {
		ep, idx := sess.pickEndpoint(nil)
		require.NotNil(t, ep)
		seen[ep.HostPort]++
		require.GreaterOrEqual(t, idx, 0)
	}
	assert.Equal(t, 10, seen["a:80"])
	assert.Equal(t, 10, seen["b:80"])
}

func TestPickEndpointFavorsHigherWeight(t *testing.T) {
	group := &config.DownstreamAddrGroup{Name: "api", Addrs: []*config.Endpoint{
		{HostPort: "a:80", Weight: 3},
		{HostPort: "b:80", Weight: 1},
	}}
	sess := &Session{group: group}

	seen := map[string]int{}
	for i := 0; i < 40; i++ {
		ep, _ := sess.pickEndpoint(nil)
		seen[ep.HostPort]++
	}
	assert.Equal(t, 30, seen["a:80"])
	assert.Equal(t, 10, seen["b:80"])
}

func TestPickEndpointSkipsExcludedIndices(t *testing.T) {
	group := &config.DownstreamAddrGroup{Name: "api", Addrs: []*config.Endpoint{
		{HostPort: "a:80"},
		{HostPort: "b:80"},
	}}
	sess := &Session{group: group}

	ep, idx := sess.pickEndpoint(map[int]bool{0: true})
	require.NotNil(t, ep)
	assert.Equal(t, "b:80", ep.HostPort)
	assert.Equal(t, 1, idx)
}

func TestDispatchRequestRetriesNextEndpointOnDialError(t *testing.T) {
	client, server := loopbackConnPair(t)
	defer client.Close()
	defer server.Close()

	originClient, originServer := loopbackConnPair(t)
	defer originServer.Close()

	group := &config.DownstreamAddrGroup{
		Name: "api",
		Addrs: []*config.Endpoint{
			{HostPort: "bad:80", Weight: 5},
			{HostPort: "good:80", Weight: 1},
		},
		Retry: config.RetryPolicy{MaxAttempts: 2},
	}
	pool := dconn.NewPool(4, 16, 0)
	sess := NewSession(server, group, pool, nil, gwlog.New("noop", &gwlog.Config{}), true)

	var dialedAddrs []string
	d, conn, err := sess.DispatchRequest(downstream.Request{Method: "GET"}, func(addr string, tlsProfile config.TLSProfile, tlsMode bool) (net.Conn, error) {
		dialedAddrs = append(dialedAddrs, addr)
		if addr == "bad:80" {
			return nil, assert.AnError
		}
		return originClient, nil
	}, config.HTTPOptions{})

	require.NoError(t, err)
	require.NotNil(t, d)
	require.NotNil(t, conn)
	assert.ElementsMatch(t, []string{"bad:80", "good:80"}, dialedAddrs)
	sess.Complete(d, conn)
}

func TestDispatchRequestSurfacesDialErrorAfterExhaustingRetries(t *testing.T) {
	client, server := loopbackConnPair(t)
	defer client.Close()
	defer server.Close()

	group := &config.DownstreamAddrGroup{
		Name:  "api",
		Addrs: []*config.Endpoint{{HostPort: "bad:80"}},
		Retry: config.RetryPolicy{MaxAttempts: 3},
	}
	pool := dconn.NewPool(4, 16, 0)
	sess := NewSession(server, group, pool, nil, gwlog.New("noop", &gwlog.Config{}), true)

	attempts := 0
	_, _, err := sess.DispatchRequest(downstream.Request{Method: "GET"}, func(addr string, tlsProfile config.TLSProfile, tlsMode bool) (net.Conn, error) {
		attempts++
		return nil, assert.AnError
	}, config.HTTPOptions{})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a single endpoint is dialed once, not retried against itself")
}

func TestMarkTLSHandshakeDoneGatesEarlyData(t *testing.T) {
	client, server := loopbackConnPair(t)
	defer client.Close()
	defer server.Close()

	group := &config.DownstreamAddrGroup{Name: "api", Addrs: []*config.Endpoint{{HostPort: "origin:80"}}}
	pool := dconn.NewPool(4, 16, 0)
	sess := NewSession(server, group, pool, nil, gwlog.New("noop", &gwlog.Config{}), false)

	originClient, originServer := loopbackConnPair(t)
	defer originServer.Close()
	d, conn, err := sess.DispatchRequest(downstream.Request{Method: "GET"}, func(addr string, tlsProfile config.TLSProfile, tlsMode bool) (net.Conn, error) {
		return originClient, nil
	}, config.HTTPOptions{})
	require.NoError(t, err)
	assert.True(t, d.EarlyDataEligible, "TLS handshake not yet done means the request is early-data eligible")
	sess.Complete(d, conn)

	sess.MarkTLSHandshakeDone()
	originClient2, originServer2 := loopbackConnPair(t)
	defer originServer2.Close()
	d2, conn2, err := sess.DispatchRequest(downstream.Request{Method: "GET"}, func(addr string, tlsProfile config.TLSProfile, tlsMode bool) (net.Conn, error) {
		return originClient2, nil
	}, config.HTTPOptions{})
	require.NoError(t, err)
	assert.False(t, d2.EarlyDataEligible)
	sess.Complete(d2, conn2)
}
