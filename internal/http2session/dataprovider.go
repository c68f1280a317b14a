package http2session

// WriteBody pushes another chunk of request body onto c's stream,
// setting END_STREAM when eof is true. A zero-length, non-eof call is a
// no-op rather than an empty DATA frame, since nghttp2 (and this port)
// treat that as "no data ready yet, resume later" rather than a frame
// worth sending. Request trailers are not sent: there is no path that
// ends the body without END_STREAM and follows it with a trailer block.
func (c *Conn) WriteBody(p []byte, eof bool) error {
	if c.streamID < 0 {
		return nil
	}
	if len(p) == 0 && !eof {
		return nil
	}
	c.session.mu.Lock()
	writer := c.session.writer
	c.session.mu.Unlock()
	if writer == nil {
		return nil
	}
	return writer.writeData(uint32(c.streamID), eof, p)
}

// ResumeDeferredBody marks c's session writable after a body write found
// no bytes ready; it only calls SignalWrite and keeps no per-stream
// deferred state. Grounded on Http2DownstreamConnection::resume_read.
func (c *Conn) ResumeDeferredBody() {
	c.session.SignalWrite()
}
