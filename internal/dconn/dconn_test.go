package dconn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexinfra/shrpx/internal/downstream"
)

func TestKeyCombinesGroupAndAddr(t *testing.T) {
	assert.Equal(t, "api|10.0.0.1:80", Key("api", "10.0.0.1:80"))
}

func TestHTTP1ConnAttachDetachTracksSingleDownstream(t *testing.T) {
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
	defer client.Close()
	defer server.Close()

	conn := NewHTTP1("api", "origin:80", client)
	assert.Equal(t, KindHTTP1, conn.Kind())
	assert.Equal(t, "api|origin:80", conn.Key())
	assert.True(t, conn.Healthy())

	d := &downstream.Downstream{}
	require.NoError(t, conn.Attach(d))
	conn.Detach(d)

	other := &downstream.Downstream{}
	conn.Detach(other) // detaching a never-attached Downstream must be a no-op, not a panic
	assert.NoError(t, conn.Close())
	assert.False(t, conn.Healthy(), "a closed conn must never report healthy")
}

func TestHTTP1ConnUnhealthyAfterPeerCloses(t *testing.T) {
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
	require.NoError(t, server.Close())

	conn := NewHTTP1("api", "origin:80", client)
	assert.False(t, conn.Healthy(), "peer EOF while idle must mark the conn unhealthy")
	client.Close()
}
