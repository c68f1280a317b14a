// Package quicipc implements the per-process UNIX datagram IPC of
// spec.md §6: sibling worker processes forward stray QUIC datagrams to
// whichever process still owns the connection during graceful rollover.
//
// The wire format is a spec-mandated fixed binary header, not a
// self-describing document, so encoding/binary over net.UnixConn is the
// correct tool here rather than a serialization library from the
// examples — recorded in DESIGN.md as a justified stdlib choice.
package quicipc

import (
	"encoding/binary"
	"fmt"
	"net"
)

// MsgType identifies the IPC message kind. Only one exists today; the
// enum is kept for forward-compat per spec.md §6.
type MsgType uint8

const DgramForward MsgType = 0

const maxAddrLen = 28 // sockaddr_in6 worst case

// Client sends framed DGRAM_FORWARD messages to a lingering sibling
// process's IPC socket.
type Client struct {
	conn *net.UnixConn
}

// Dial connects to a sibling process's UNIX datagram IPC socket at path.
func Dial(path string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// SendDgramForward frames and sends one forwarded UDP datagram, per
// spec.md §6's {type, remote_addrlen, local_addrlen, ecn, pkt_info,
// remote_addr, local_addr, payload} layout.
func (c *Client) SendDgramForward(remote, local net.Addr, ecn uint8, payload []byte) error {
	remoteBytes, err := encodeAddr(remote)
	if err != nil {
		return err
	}
	localBytes, err := encodeAddr(local)
	if err != nil {
		return err
	}
	if len(remoteBytes) > maxAddrLen || len(localBytes) > maxAddrLen {
		return fmt.Errorf("quicipc: address too long")
	}

	buf := make([]byte, 0, 8+len(remoteBytes)+len(localBytes)+len(payload))
	buf = append(buf, byte(DgramForward), byte(len(remoteBytes)), byte(len(localBytes)), ecn)
	var pktInfo [4]byte
	binary.BigEndian.PutUint32(pktInfo[:], 0) // reserved: no packet-info metadata carried yet
	buf = append(buf, pktInfo[:]...)
	buf = append(buf, remoteBytes...)
	buf = append(buf, localBytes...)
	buf = append(buf, payload...)

	_, err = c.conn.Write(buf)
	return err
}

// ForwardedDatagram is one decoded DGRAM_FORWARD message.
type ForwardedDatagram struct {
	Type    MsgType
	ECN     uint8
	PktInfo uint32
	Remote  net.Addr
	Local   net.Addr
	Payload []byte
}

// Server listens for DGRAM_FORWARD messages from sibling processes.
type Server struct {
	conn *net.UnixConn
}

// Listen binds a UNIX datagram socket at path for receiving forwarded
// datagrams. The caller is responsible for removing a stale path first.
func Listen(path string) (*Server, error) {
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}
	return &Server{conn: conn}, nil
}

func (s *Server) Close() error { return s.conn.Close() }

// Recv blocks for the next forwarded datagram.
func (s *Server) Recv() (*ForwardedDatagram, error) {
	buf := make([]byte, 64*1024)
	n, err := s.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return decode(buf[:n])
}

func decode(buf []byte) (*ForwardedDatagram, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("quicipc: short message (%d bytes)", len(buf))
	}
	msgType := MsgType(buf[0])
	remoteLen := int(buf[1])
	localLen := int(buf[2])
	ecn := buf[3]
	pktInfo := binary.BigEndian.Uint32(buf[4:8])

	off := 8
	if len(buf) < off+remoteLen+localLen {
		return nil, fmt.Errorf("quicipc: truncated address fields")
	}
	remote, err := decodeAddr(buf[off : off+remoteLen])
	if err != nil {
		return nil, err
	}
	off += remoteLen
	local, err := decodeAddr(buf[off : off+localLen])
	if err != nil {
		return nil, err
	}
	off += localLen

	return &ForwardedDatagram{
		Type:    msgType,
		ECN:     ecn,
		PktInfo: pktInfo,
		Remote:  remote,
		Local:   local,
		Payload: append([]byte(nil), buf[off:]...),
	}, nil
}

// encodeAddr packs a *net.UDPAddr into {ip_len:u8, ip, port:u16}. Only
// UDP addresses cross this IPC channel (it exists solely to forward QUIC
// datagrams).
func encodeAddr(a net.Addr) ([]byte, error) {
	udp, ok := a.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("quicipc: address %v is not a *net.UDPAddr", a)
	}
	ip := udp.IP.To4()
	if ip == nil {
		ip = udp.IP.To16()
	}
	buf := make([]byte, 1+len(ip)+2)
	buf[0] = byte(len(ip))
	copy(buf[1:], ip)
	binary.BigEndian.PutUint16(buf[1+len(ip):], uint16(udp.Port))
	return buf, nil
}

func decodeAddr(buf []byte) (*net.UDPAddr, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("quicipc: empty address field")
	}
	ipLen := int(buf[0])
	if len(buf) != 1+ipLen+2 {
		return nil, fmt.Errorf("quicipc: malformed address field")
	}
	ip := append(net.IP(nil), buf[1:1+ipLen]...)
	port := binary.BigEndian.Uint16(buf[1+ipLen:])
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}
