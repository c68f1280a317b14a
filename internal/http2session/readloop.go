package http2session

import (
	"strconv"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/hexinfra/shrpx/internal/downstream"
)

// StartReadLoop launches the frame-reading goroutine for a freshly
// dialed session. Grounded on shrpx_http2_downstream_connection.cc's
// nghttp2 callback set (on_frame_recv_callback, on_header_callback,
// on_data_chunk_recv_callback, on_stream_close_callback), reimplemented
// against golang.org/x/net/http2's Framer instead of hand-rolled framing.
func (s *Session) StartReadLoop() {
	go s.readLoop()
}

func (s *Session) readLoop() {
	fr := http2.NewFramer(nil, s.netConn)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	for {
		f, err := fr.ReadFrame()
		if err != nil {
			s.OnUnrecoverableError(err)
			return
		}
		switch fr := f.(type) {
		case *http2.MetaHeadersFrame:
			s.onHeaders(fr)
		case *http2.DataFrame:
			s.onData(fr)
		case *http2.RSTStreamFrame:
			s.onRSTStream(fr)
		case *http2.SettingsFrame:
			s.onSettings(fr)
		case *http2.WindowUpdateFrame:
			// Send-side flow control is not tracked: WINDOW_UPDATE
			// frames are accepted and ignored, and DATA writes are not
			// held back by the peer's window.
		case *http2.PingFrame:
			if !fr.IsAck() {
				_ = s.writer.writePing(true, fr.Data)
			}
		case *http2.GoAwayFrame:
			s.OnUnrecoverableError(gwErrGoAway(fr.ErrCode))
			return
		}
	}
}

type goAwayErr struct{ code http2.ErrCode }

func (e goAwayErr) Error() string { return "http2session: peer sent GOAWAY " + e.code.String() }

func gwErrGoAway(code http2.ErrCode) error { return goAwayErr{code} }

func (s *Session) onSettings(fr *http2.SettingsFrame) {
	if fr.IsAck() {
		return
	}
	_ = s.writer.writeSettingsAck()
}

// onHeaders assembles a Response from the decoded header block and
// delivers it to the attached Downstream, per push_request_headers'
// counterpart on_header_callback/on_frame_recv_callback(HEADERS).
func (s *Session) onHeaders(fr *http2.MetaHeadersFrame) {
	s.mu.Lock()
	sd := s.streams[fr.StreamID]
	s.mu.Unlock()
	if sd == nil || sd.downstream == nil {
		return
	}
	d := sd.downstream

	resp := &d.Resp
	if fr.Truncated {
		d.RespState = downstream.StateMsgBadHeader
		return
	}
	for _, hf := range fr.Fields {
		if hf.Name == ":status" {
			if code, err := strconv.Atoi(hf.Value); err == nil {
				resp.Status = code
			}
			continue
		}
		resp.Headers = append(resp.Headers, [2]string{hf.Name, hf.Value})
	}
	if fr.StreamEnded() {
		d.RespState = downstream.StateMsgComplete
	} else {
		d.RespState = downstream.StateHeaderComplete
	}
}

// onData buffers response body bytes and tracks the unconsumed window,
// per §4.3's flow-control invariant: bytes handed to the Downstream that
// haven't yet been Consume()'d accumulate in UnconsumedBodyLength.
func (s *Session) onData(fr *http2.DataFrame) {
	s.mu.Lock()
	sd := s.streams[fr.StreamID]
	s.mu.Unlock()
	if sd == nil || sd.downstream == nil {
		return
	}
	d := sd.downstream
	if n := len(fr.Data()); n > 0 {
		d.Resp.UnconsumedBodyLength += int64(n)
	}
	if fr.StreamEnded() {
		d.RespState = downstream.StateMsgComplete
	}
}

func (s *Session) onRSTStream(fr *http2.RSTStreamFrame) {
	s.mu.Lock()
	sd := s.streams[fr.StreamID]
	s.mu.Unlock()
	if sd == nil || sd.downstream == nil {
		return
	}
	sd.downstream.RespState = downstream.StateMsgReset
}
