package quicipc

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeAddrRoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.1").To4(), Port: 4433}
	buf, err := encodeAddr(addr)
	require.NoError(t, err)

	got, err := decodeAddr(buf)
	require.NoError(t, err)
	assert.True(t, got.IP.Equal(addr.IP))
	assert.Equal(t, addr.Port, got.Port)
}

func TestEncodeAddrRejectsNonUDP(t *testing.T) {
	_, err := encodeAddr(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	assert.Error(t, err)
}

func TestDecodeRejectsShortMessage(t *testing.T) {
	_, err := decode([]byte{0, 0, 0})
	assert.Error(t, err)
}

func TestClientServerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quicipc.sock")

	srv, err := Listen(path)
	require.NoError(t, err)
	defer srv.Close()

	cli, err := Dial(path)
	require.NoError(t, err)
	defer cli.Close()

	remote := &net.UDPAddr{IP: net.ParseIP("198.51.100.7").To4(), Port: 55555}
	local := &net.UDPAddr{IP: net.ParseIP("203.0.113.9").To4(), Port: 4433}
	payload := []byte("quic short header packet")

	require.NoError(t, cli.SendDgramForward(remote, local, 2, payload))

	_ = srv.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := srv.Recv()
	require.NoError(t, err)

	assert.Equal(t, DgramForward, got.Type)
	assert.Equal(t, uint8(2), got.ECN)
	assert.Equal(t, payload, got.Payload)

	gotRemote, ok := got.Remote.(*net.UDPAddr)
	require.True(t, ok)
	assert.True(t, gotRemote.IP.Equal(remote.IP))
	assert.Equal(t, remote.Port, gotRemote.Port)
}

func TestListenRejectsUnresolvableSocketDir(t *testing.T) {
	_, err := Listen(filepath.Join(string(os.PathSeparator), "nonexistent-dir-for-test", "x.sock"))
	assert.Error(t, err)
}
