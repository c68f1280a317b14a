package http2session

import (
	"bytes"
	"io"
	"net"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// clientPreface is RFC 9113 §3.4's fixed connection preface, sent before
// the first SETTINGS frame on every HTTP/2 connection we originate.
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// writeClientPreface writes the preface plus an initial SETTINGS frame
// carrying ENABLE_PUSH=0 and INITIAL_WINDOW_SIZE=1<<20, as
// shrpx_http2_downstream_connection.cc's connection_made does
// via nghttp2_submit_settings before anything else goes on the wire.
func writeClientPreface(nc net.Conn) error {
	if _, err := io.WriteString(nc, clientPreface); err != nil {
		return err
	}
	fr := http2.NewFramer(nc, nil)
	return fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: 1 << 20},
	)
}

// frameWriter serializes HTTP/2 frame writes for one Session's
// underlying connection. HPACK encoding state is per-connection and
// must not be touched concurrently, so every write goes through mu.
type frameWriter struct {
	mu  sync.Mutex
	fr  *http2.Framer
	buf bytes.Buffer
	enc *hpack.Encoder
}

func newFrameWriter(nc net.Conn) *frameWriter {
	w := &frameWriter{fr: http2.NewFramer(nc, nil)}
	w.enc = hpack.NewEncoder(&w.buf)
	return w
}

// maxFrameHeaderBlock is the conservative default SETTINGS_MAX_FRAME_SIZE
// (RFC 9113 §6.5.2); header blocks larger than this are split across
// HEADERS + CONTINUATION frames.
const maxFrameHeaderBlock = 16384

// writeHeaders HPACK-encodes nva and emits it as a HEADERS frame,
// followed by CONTINUATION frames if the block doesn't fit in one.
func (w *frameWriter) writeHeaders(streamID uint32, nva [][2]string, endStream bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset()
	for _, nv := range nva {
		if err := w.enc.WriteField(hpack.HeaderField{Name: nv[0], Value: nv[1]}); err != nil {
			return err
		}
	}
	block := w.buf.Bytes()

	first := block
	rest := []byte(nil)
	if len(first) > maxFrameHeaderBlock {
		first, rest = block[:maxFrameHeaderBlock], block[maxFrameHeaderBlock:]
	}

	if err := w.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(rest) == 0,
	}); err != nil {
		return err
	}
	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > maxFrameHeaderBlock {
			chunk = rest[:maxFrameHeaderBlock]
		}
		rest = rest[len(chunk):]
		if err := w.fr.WriteContinuation(streamID, len(rest) == 0, chunk); err != nil {
			return err
		}
	}
	return nil
}

// writeData emits a DATA frame carrying p on streamID.
func (w *frameWriter) writeData(streamID uint32, endStream bool, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fr.WriteData(streamID, endStream, p)
}

func (w *frameWriter) writeRSTStream(streamID uint32, errorCode uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fr.WriteRSTStream(streamID, http2.ErrCode(errorCode))
}

func (w *frameWriter) writeWindowUpdate(streamID uint32, increment uint32) error {
	if increment == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fr.WriteWindowUpdate(streamID, increment)
}

func (w *frameWriter) writeSettingsAck() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fr.WriteSettingsAck()
}

func (w *frameWriter) writeGoAway(lastStreamID uint32, errorCode uint32, debug []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fr.WriteGoAway(lastStreamID, http2.ErrCode(errorCode), debug)
}

func (w *frameWriter) writePing(ack bool, data [8]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fr.WritePing(ack, data)
}
