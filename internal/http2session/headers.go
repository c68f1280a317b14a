package http2session

import (
	"fmt"
	"strings"

	"github.com/hexinfra/shrpx/internal/config"
	"github.com/hexinfra/shrpx/internal/downstream"
)

// hopByHop headers are stripped before forwarding onto the HTTP/2 wire,
// where connection-specific fields are illegal per RFC 9113 §8.2.2.
var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding":  true,
	"upgrade":           true,
	"te":                true, // re-added below as "trailers" only, if requested
}

// PushRequestHeaders builds and submits the pseudo-header + header block
// for c's attached Downstream, per spec.md §4.3. Invoked on attach and
// (via flushPendingLocked) on the session's transition to CONNECTED.
func (s *Session) PushRequestHeaders(c *Conn) error {
	d := c.downstream
	if d == nil {
		return nil
	}
	if !s.CanPushRequest() {
		d.RequestPending = true
		s.StartCheckingConnection()
		return nil
	}
	d.RequestPending = false

	if d.Req.ConnectProto != downstream.ConnectNone && !s.allowConnectProto {
		return fmt.Errorf("http2session: origin does not support extended CONNECT")
	}

	nva := s.buildRequestHeaders(d)

	s.mu.Lock()
	streamID := s.nextID()
	c.streamID = int32(streamID)
	s.streams[streamID] = &streamData{streamID: streamID, downstream: d, conn: c}
	hasBody := requestHasBody(d)
	var err error
	if s.writer != nil {
		err = s.writer.writeHeaders(streamID, nva, !hasBody)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	d.RequestHeaderSent = true
	if hasBody {
		d.EnsureWriteTimer(func() {})
	}
	s.SignalWrite()
	return nil
}

// requestHasBody mirrors push_request_headers' data-provider condition:
// "CONNECT, extended-CONNECT, content-length>0, Transfer-Encoding
// present, or the upstream parser observed a body intent."
func requestHasBody(d *downstream.Downstream) bool {
	if d.Req.Method == "CONNECT" || d.Req.ConnectProto != downstream.ConnectNone {
		return true
	}
	if d.Req.ContentLength > 0 || d.Req.Chunked {
		return true
	}
	return headerPresent(d.Req.Headers, "transfer-encoding")
}

// buildRequestHeaders builds the pseudo-header block plus forwarded
// headers, grounded line-for-line on
// shrpx_http2_downstream_connection.cc's push_request_headers.
func (s *Session) buildRequestHeaders(d *downstream.Downstream) [][2]string {
	req := &d.Req
	httpOpts := s.groupHTTPOptions()

	noHostRewrite := httpOpts.NoHostRewrite || req.RegularConnectMethod()

	authority := s.addr.HostPort
	if noHostRewrite && req.Authority != "" {
		authority = req.Authority
	}

	var nva [][2]string

	if req.ConnectProto == downstream.ConnectWebSocket {
		nva = append(nva, [2]string{":method", "CONNECT"}, [2]string{":protocol", "websocket"})
	} else {
		nva = append(nva, [2]string{":method", req.Method})
	}

	if !req.RegularConnectMethod() {
		scheme := req.Scheme
		if s.addr.TLS && scheme == "http" {
			scheme = "https"
		}
		nva = append(nva, [2]string{":scheme", scheme})

		path := req.Path
		if req.Method == "OPTIONS" && path == "" {
			path = "*"
		}
		nva = append(nva, [2]string{":path", path})

		if !req.NoAuthority || req.ConnectProto != downstream.ConnectNone {
			nva = append(nva, [2]string{":authority", authority})
		} else {
			nva = append(nva, [2]string{"host", authority})
		}
	} else {
		nva = append(nva, [2]string{":authority", authority})
	}

	for _, h := range req.Headers {
		name := strings.ToLower(h[0])
		if hopByHop[name] || name == "sec-websocket-key" {
			continue
		}
		switch name {
		case "cookie", "forwarded", "x-forwarded-for", "x-forwarded-proto", "early-data", "via":
			continue // handled explicitly below so stripping policy applies once
		}
		nva = append(nva, [2]string{h[0], h[1]})
	}

	if !httpOpts.NoCookieCrumbling {
		nva = append(nva, crumbleCookies(req.Headers)...)
	} else if v, ok := headerValue(req.Headers, "cookie"); ok {
		nva = append(nva, [2]string{"cookie", v})
	}

	if d.EarlyDataEligible && !httpOpts.StripEarlyData {
		nva = append(nva, [2]string{"early-data", "1"})
	}

	incomingForwarded, hasIncomingForwarded := headerValue(req.Headers, "forwarded")
	if httpOpts.StripForwarded {
		hasIncomingForwarded = false
	}
	if httpOpts.ForwardedParams != 0 {
		params := httpOpts.ForwardedParams
		if httpOpts.HTTP2ProxyMode || req.RegularConnectMethod() {
			params &^= config.ForwardedProto
		}
		value := createForwarded(params, httpOpts.ForwardedByNodeID, d.Up.ClientIP(), authority, req.Scheme)
		switch {
		case hasIncomingForwarded && value != "":
			value = incomingForwarded + ", " + value
		case hasIncomingForwarded:
			value = incomingForwarded
		}
		if value != "" {
			nva = append(nva, [2]string{"forwarded", value})
		}
	} else if hasIncomingForwarded {
		nva = append(nva, [2]string{"forwarded", incomingForwarded})
	}

	if httpOpts.AddXForwardedFor {
		clientIP := d.Up.ClientIP()
		if v, ok := headerValue(req.Headers, "x-forwarded-for"); ok && !httpOpts.StripXForwardedFor {
			nva = append(nva, [2]string{"x-forwarded-for", v + ", " + clientIP})
		} else {
			nva = append(nva, [2]string{"x-forwarded-for", clientIP})
		}
	} else if v, ok := headerValue(req.Headers, "x-forwarded-for"); ok && !httpOpts.StripXForwardedFor {
		nva = append(nva, [2]string{"x-forwarded-for", v})
	}

	if !req.RegularConnectMethod() {
		if v, ok := headerValue(req.Headers, "x-forwarded-proto"); ok && !httpOpts.StripXForwardedProto {
			nva = append(nva, [2]string{"x-forwarded-proto", v})
		}
	}

	if httpOpts.NoVia {
		if v, ok := headerValue(req.Headers, "via"); ok {
			nva = append(nva, [2]string{"via", v})
		}
	} else {
		via := "1.1 shrpx"
		if v, ok := headerValue(req.Headers, "via"); ok {
			via = v + ", " + via
		}
		nva = append(nva, [2]string{"via", via})
	}

	if v, ok := headerValue(req.Headers, "te"); ok && containsTrailers(v) {
		nva = append(nva, [2]string{"te", "trailers"})
	}

	for name, value := range httpOpts.AddRequestHeaders {
		nva = append(nva, [2]string{name, value})
	}

	return nva
}

// groupHTTPOptions returns the header-rewrite policy in effect for this
// session's address group, defaulting to the zero-value policy (rewrite
// host, add Via, crumble cookies) when the session predates any snapshot
// being attached.
func (s *Session) groupHTTPOptions() config.HTTPOptions {
	s.mu.Lock()
	opts := s.httpOptions
	s.mu.Unlock()
	return opts
}

// SetHTTPOptions installs the header-rewrite policy this session applies
// to every subsequent push_request_headers call. In-flight streams keep
// the options they were pushed with; only new pushes observe the swap.
func (s *Session) SetHTTPOptions(opts config.HTTPOptions) {
	s.mu.Lock()
	s.httpOptions = opts
	s.mu.Unlock()
}

// createForwarded builds the value half of an RFC 7239 "Forwarded" header,
// honoring only the params bits requested. Grounded on
// shrpx_http2_downstream_connection.cc:374-389's call into
// http::create_forwarded; that function's own body isn't among the
// retrieved sources, so the by/for/host/proto assembly here is
// reconstructed from RFC 7239 rather than ported line-for-line (see
// DESIGN.md).
func createForwarded(params config.ForwardedParam, forwardedBy, forwardedFor, authority, scheme string) string {
	var parts []string
	if params&config.ForwardedBy != 0 && forwardedBy != "" {
		parts = append(parts, "by="+forwardedNode(forwardedBy))
	}
	if params&config.ForwardedFor != 0 && forwardedFor != "" {
		parts = append(parts, "for="+forwardedNode(forwardedFor))
	}
	if params&config.ForwardedHost != 0 && authority != "" {
		parts = append(parts, `host="`+authority+`"`)
	}
	if params&config.ForwardedProto != 0 && scheme != "" {
		parts = append(parts, "proto="+scheme)
	}
	return strings.Join(parts, "; ")
}

// forwardedNode quotes an IPv6 literal per RFC 7239 §4 ("for"/"by" node
// identifiers containing a colon must be bracketed and quoted).
func forwardedNode(s string) string {
	if strings.Contains(s, ":") {
		return `"[` + s + `]"`
	}
	return s
}

// crumbleCookies splits a single "Cookie" header into one nv per
// ';'-separated crumb, per §4.3's cookie-crumbling rule and
// shrpx_http2_downstream_connection.cc's crumble_request_cookie.
// "NOTE: DO NOT merge into one cookie header" — the backend sees one
// "cookie" nv per crumb, not a recombined single header.
func crumbleCookies(headers [][2]string) [][2]string {
	v, ok := headerValue(headers, "cookie")
	if !ok {
		return nil
	}
	parts := strings.Split(v, ";")
	out := make([][2]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, [2]string{"cookie", p})
	}
	return out
}

func headerValue(headers [][2]string, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h[0], name) {
			return h[1], true
		}
	}
	return "", false
}

func headerPresent(headers [][2]string, name string) bool {
	_, ok := headerValue(headers, name)
	return ok
}

// containsTrailers mirrors http2::contains_trailers: forward only the
// "trailers" keyword even if the client requested a richer TE list.
func containsTrailers(te string) bool {
	for _, tok := range strings.Split(te, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "trailers") {
			return true
		}
	}
	return false
}
