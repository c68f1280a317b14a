package h2load

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/quic-go/logging"
	"github.com/quic-go/quic-go/qlog"

	"github.com/hexinfra/shrpx/internal/gwerr"
	"github.com/hexinfra/shrpx/internal/gwlog"
	"github.com/hexinfra/shrpx/internal/worker"
)

// QUICTxDataLen bounds the aggregate write batch size, per spec.md §5:
// "Buffers are pre-sized (QUIC_TX_DATALEN for QUIC tx ...)."
const QUICTxDataLen = 64 * 1024

// sendBlocked mirrors QuicClient's send_blocked{remote, data, gso_size}
// of spec.md §3: at most one pending descriptor at any time (§8 item 4).
type sendBlocked struct {
	remote  net.Addr
	data    []byte
	gsoSize int
}

// QuicClient is the h2load core of spec.md §3/§4.4: it owns one QUIC
// connection's lifecycle end-to-end and bridges to an HTTP/3
// RoundTripper once the connection's 1-RTT keys are installed.
//
// Grounded on original_source/src/h2load_quic.cc's Client_QUIC struct
// and reimplemented against quic-go's public Connection/Transport API
// rather than a raw ngtcp2-style callback pack, since quic-go owns its
// own packet I/O loop internally; the send_blocked bookkeeping this type
// keeps is what would otherwise live inside that loop, exposed here so
// the engine can still observe and test the at-most-one-blocked-send
// invariant of §8 item 4.
type QuicClient struct {
	mu sync.Mutex

	workerID worker.ID
	clientID uint64

	tlsConfig  *tls.Config
	quicConfig *quic.Config
	transport  *quic.Transport
	packetConn *blockableConn

	conn        quic.EarlyConnection
	roundTrip   *http3.RoundTripper
	http3Inited bool

	lastError      error
	qlogSink       io.WriteCloser
	qlogPathFormat string

	pktTimer      *time.Timer
	closeReq      bool
	closeReqMu    sync.Mutex

	stats StreamStats

	log gwlog.Logger
}

// gwErrHTTP3NotReady is returned by ExecuteRequest when called before the
// HTTP/3 bridge has been constructed (i.e. before the first 1-RTT event).
var gwErrHTTP3NotReady = errors.New("h2load: HTTP/3 session not yet initialized")

// NewQuicClient constructs an idle engine for one load-generator client
// slot. Dial must be called to actually establish the connection.
func NewQuicClient(workerID worker.ID, clientID uint64, tlsConfig *tls.Config, quicConfig *quic.Config, log gwlog.Logger) *QuicClient {
	return &QuicClient{
		workerID:   workerID,
		clientID:   clientID,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		log:        log,
	}
}

// SetQLogPathFormat configures the qlog path base; the sink file is the
// base with ".<worker-id hex>.<client-id>.sqlog" appended. The base is
// used as is, with no placeholder substitution.
func (c *QuicClient) SetQLogPathFormat(format string) { c.qlogPathFormat = format }

// Dial opens the UDP socket, wraps it in a blockableConn so the write
// path can observe EAGAIN/back-pressure the way §4.4 describes, and
// dials the QUIC handshake.
func (c *QuicClient) Dial(ctx context.Context, addr string, alpns []string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return gwerr.New(gwerr.DialError, err)
	}
	pconn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return gwerr.New(gwerr.DialError, err)
	}
	c.packetConn = newBlockableConn(pconn)

	cfg := c.quicConfig
	if cfg == nil {
		cfg = &quic.Config{}
	}
	cfg.Versions = []quic.Version{SelectVersion(alpns)}

	if c.qlogPathFormat != "" {
		sink, err := c.openQlogSink()
		if err == nil {
			c.qlogSink = sink
			cfg.Tracer = func(_ context.Context, p logging.Perspective, odcid quic.ConnectionID) *logging.ConnectionTracer {
				return qlog.NewConnectionTracer(c.qlogSink, p, odcid)
			}
		}
	}

	tlsConf := c.tlsConfig.Clone()
	tlsConf.NextProtos = alpns

	c.transport = &quic.Transport{Conn: c.packetConn, ConnectionIDGenerator: NewConnectionIDGenerator()}
	conn, err := c.transport.DialEarly(ctx, udpAddr, tlsConf, cfg)
	if err != nil {
		c.lastError = err
		return gwerr.New(gwerr.DialError, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.watchHandshake(ctx)
	return nil
}

// watchHandshake waits for the 1-RTT keys (quic-go signals this via
// HandshakeComplete) and bridges to HTTP/3 exactly once, per §8 item 7:
// "The HTTP/3 session is constructed exactly once, on the first 1-RTT
// receive-key install event." quic-go doesn't expose per-encryption-level
// key events publicly, so HandshakeComplete is the coarser but faithful
// equivalent available at this API layer: it fires no earlier than the
// first 1-RTT key install.
func (c *QuicClient) watchHandshake(ctx context.Context) {
	select {
	case <-c.conn.HandshakeComplete():
		c.onFirstOneRTTKey()
	case <-ctx.Done():
	}
}

// onFirstOneRTTKey constructs the HTTP/3 bridge exactly once.
func (c *QuicClient) onFirstOneRTTKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http3Inited {
		return
	}
	c.http3Inited = true
	conn := c.conn
	c.roundTrip = &http3.RoundTripper{
		TLSClientConfig: c.tlsConfig,
		// Reuse the connection this client already dialed instead of
		// letting the RoundTripper open its own.
		Dial: func(context.Context, string, *tls.Config, *quic.Config) (quic.EarlyConnection, error) {
			return conn, nil
		},
	}
}

// RoundTripper exposes the HTTP/3 bridge once initialized, or nil.
func (c *QuicClient) RoundTripper() *http3.RoundTripper {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundTrip
}

// openQlogSink opens {qlog_base}.{worker_id}.{client_id}.sqlog.
func (c *QuicClient) openQlogSink() (io.WriteCloser, error) {
	path := fmt.Sprintf("%s.%x.%d.sqlog", c.qlogPathFormat, c.workerID, c.clientID)
	return newQlogFile(path)
}

// SendBlocked reports the current blocked-send descriptor, if any (test
// hook for §8 item 4 / S4).
func (c *QuicClient) SendBlocked() (remote net.Addr, data []byte, gsoSize int, blocked bool) {
	return c.packetConn.blockedSnapshot()
}

// RequestClose marks close_requested; the caller's event loop observes
// this on its next tick and calls CloseConnection.
func (c *QuicClient) RequestClose() {
	c.closeReqMu.Lock()
	c.closeReq = true
	c.closeReqMu.Unlock()
}

func (c *QuicClient) CloseRequested() bool {
	c.closeReqMu.Lock()
	defer c.closeReqMu.Unlock()
	return c.closeReq
}

// CloseConnection implements spec.md §4.4's close_connection: "if the
// connection exists, ask the state machine for a CONNECTION_CLOSE packet
// ... and send it once (no retransmission). Then free the state machine
// and the qlog sink."
func (c *QuicClient) CloseConnection(reason string) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.CloseWithError(0, reason)
	}
	if c.pktTimer != nil {
		c.pktTimer.Stop()
	}
	if c.qlogSink != nil {
		_ = c.qlogSink.Close()
		c.qlogSink = nil
	}
	return err
}

// ArmPacketTimer sets the packet timer to the state machine's next
// expiry, per §4.4: "After every send batch, read the state machine's
// expiry and set the packet timer to max(expiry-now, 1ns)." onExpiry is
// invoked on fire. A zero expiry (the read failed on an already-dead
// engine) is treated as fatal and reported via onFatal; a past expiry
// arms the timer at 1ns.
func (c *QuicClient) ArmPacketTimer(expiry time.Time, onExpiry func(), onFatal func(error)) {
	if c.pktTimer != nil {
		c.pktTimer.Stop()
	}
	d := time.Until(expiry)
	if d <= 0 {
		d = time.Nanosecond
	}
	if expiry.IsZero() {
		onFatal(errors.New("h2load: expiry read failed"))
		return
	}
	c.pktTimer = time.AfterFunc(d, onExpiry)
}

// LastError reports the most recently recorded TLS alert or QUIC library
// error, per spec.md §3's `last_error` field.
func (c *QuicClient) LastError() error { return c.lastError }
