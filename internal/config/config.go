// Package config holds the immutable downstream configuration snapshot
// (spec.md §3): Endpoint, DownstreamAddrGroup, DownstreamConfig. A
// snapshot is never mutated after publication; replacement is always by
// atomic swap of the whole tree, as required by §4.1/§9's
// "no static mutables" rule.
package config

import (
	"crypto/tls"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// ALPNKind names the protocol an Endpoint prefers, in priority order.
type ALPNKind string

const (
	ALPNH1  ALPNKind = "http/1.1"
	ALPNH2  ALPNKind = "h2"
	ALPNH3  ALPNKind = "h3"
	ALPNNone ALPNKind = ""
)

// TLSProfile is the hook surface into the (out-of-scope, per §1) TLS
// library glue: certificate loading, OCSP stapling, and so on happen
// behind this interface. The core only needs a *tls.Config to dial with.
type TLSProfile interface {
	ClientConfig(serverName string) *tls.Config
}

// staticTLSProfile is the trivial TLSProfile used when no certificate
// collaborator is wired in (tests, and origins that don't need mutual TLS).
type staticTLSProfile struct {
	base *tls.Config
}

func (p *staticTLSProfile) ClientConfig(serverName string) *tls.Config {
	cfg := p.base.Clone()
	cfg.ServerName = serverName
	return cfg
}

// NewStaticTLSProfile wraps a fixed tls.Config as a TLSProfile.
func NewStaticTLSProfile(base *tls.Config) TLSProfile {
	if base == nil {
		base = &tls.Config{}
	}
	return &staticTLSProfile{base: base}
}

// RetryPolicy governs DialError handling for a DownstreamAddrGroup (§7:
// "DialError — per-request; retried per group policy, then surfaced as 502").
// MaxAttempts <= 0 means a single attempt, no retry.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// ForwardedParam selects which RFC 7239 "Forwarded" header parameters the
// forwarded-header algebra emits, mirroring fwdconf.params in
// shrpx_http2_downstream_connection.cc:366-389 (the by/for/host/proto bit
// flags create_forwarded honors). The original's http.h defining these bits
// isn't in the retrieved sources, so the four RFC 7239 params are
// reconstructed from the call site and its param names rather than ported
// byte-for-byte; see DESIGN.md.
type ForwardedParam uint32

const (
	ForwardedFor ForwardedParam = 1 << iota
	ForwardedBy
	ForwardedHost
	ForwardedProto
)

// Endpoint is a transport address plus optional TLS profile, ALPN
// preference, and logical group name (spec.md §3).
type Endpoint struct {
	HostPort  string // "host:port"
	Group     string // logical group name this endpoint belongs to
	TLS       bool
	TLSProfile TLSProfile
	ALPN      []ALPNKind // preference order; first entry wins if reachable
	Weight    int
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s(group=%s,tls=%v)", e.HostPort, e.Group, e.TLS)
}

// PreferredALPN returns the first configured ALPN token, or ALPNH1 if none set.
func (e *Endpoint) PreferredALPN() ALPNKind {
	if len(e.ALPN) == 0 {
		return ALPNH1
	}
	return e.ALPN[0]
}

// DownstreamAddrGroup is an ordered list of Endpoints sharing routing
// predicates (host/path), a shared weight/retry policy, and a weak
// reference (by generation number only, never a live pointer) to the
// DownstreamConfig generation that owns it.
type DownstreamAddrGroup struct {
	Name       string
	HostMatch  string // exact hostname or left/middle wildcard pattern
	PathPrefix string
	Addrs      []*Endpoint
	Retry      RetryPolicy
	generation uint64        // set by DownstreamConfig.finalize
	rrCounter  atomic.Uint64 // weighted round-robin cursor, grounded on hemi/mix_backend.go's Backend_.nodeIndex
}

// Generation reports the DownstreamConfig generation this group was
// published under.
func (g *DownstreamAddrGroup) Generation() uint64 { return g.generation }

// NextRoundRobin advances and returns this group's round-robin cursor.
// Grounded on hemi/mix_backend.go's Backend_.nextIndexByRoundRobin, which
// keeps the same kind of atomic counter alongside otherwise-immutable
// backend configuration.
func (g *DownstreamAddrGroup) NextRoundRobin() uint64 { return g.rrCounter.Add(1) }

// HTTPOptions carries the global HTTP options that apply across groups:
// header rewrite toggles the upstream/downstream glue reads (spec.md §6).
type HTTPOptions struct {
	NoHostRewrite        bool
	NoVia                bool
	NoCookieCrumbling    bool
	AddXForwardedFor     bool
	StripForwarded       bool
	StripXForwardedFor   bool
	StripXForwardedProto bool
	StripEarlyData       bool
	ForwardedParams      ForwardedParam
	ForwardedByNodeID    string // the "by" node identifier create_forwarded emits; empty omits the param
	HTTP2ProxyMode       bool   // strips ForwardedProto for CONNECT/http2-proxy dispatch, per fwdconf.params masking
	AddRequestHeaders    map[string]string
}

// DownstreamConfig is the immutable snapshot of all groups and global
// HTTP options (spec.md §3). Identified by a monotonic generation
// counter; replacement is only ever a fresh snapshot, never an in-place edit.
type DownstreamConfig struct {
	Generation uint64
	Groups     []*DownstreamAddrGroup
	HTTP       HTTPOptions
}

// finalize stamps every group with this snapshot's generation, so a
// DownstreamAddrGroup handle retained past a REPLACE_DOWNSTREAM event can
// still answer "which generation was I born in" without holding a live
// pointer to the DownstreamConfig itself.
func (c *DownstreamConfig) finalize() *DownstreamConfig {
	for _, g := range c.Groups {
		g.generation = c.Generation
	}
	return c
}

// GroupByName finds a group by its logical name; nil if absent.
func (c *DownstreamConfig) GroupByName(name string) *DownstreamAddrGroup {
	for _, g := range c.Groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Snapshot is an atomically-swappable holder for the current
// *DownstreamConfig, shared (read-only) across all workers.
type Snapshot struct {
	ptr atomic.Pointer[DownstreamConfig]
}

// NewSnapshot creates a Snapshot pre-loaded with an initial
// DownstreamConfig, keeping its generation; a nil initial becomes an
// empty config at generation 0.
func NewSnapshot(initial *DownstreamConfig) *Snapshot {
	s := &Snapshot{}
	if initial == nil {
		initial = &DownstreamConfig{Generation: 0}
	}
	s.ptr.Store(initial.finalize())
	return s
}

// Load returns the currently published snapshot. Safe for concurrent use
// by any worker; the returned pointer's contents never change.
func (s *Snapshot) Load() *DownstreamConfig { return s.ptr.Load() }

// Replace publishes next as the current snapshot iff its generation is
// strictly greater than the one it replaces, enforcing monotonic
// generation numbers even under racing publishers.
func (s *Snapshot) Replace(next *DownstreamConfig) bool {
	for {
		cur := s.ptr.Load()
		if cur != nil && next.Generation <= cur.Generation {
			return false
		}
		if s.ptr.CompareAndSwap(cur, next.finalize()) {
			return true
		}
	}
}

// LoadFromViper compiles a viper-backed config file into a
// *DownstreamConfig at the given generation. This is the "config
// snapshot" ingestion path referenced by spec.md §6: viper is the config
// library (see SPEC_FULL.md §1), but the compiled result is always this
// immutable struct, never a live *viper.Viper reference held by workers.
func LoadFromViper(v *viper.Viper, generation uint64) (*DownstreamConfig, error) {
	cfg := &DownstreamConfig{Generation: generation}

	cfg.HTTP.NoHostRewrite = v.GetBool("http.no_host_rewrite")
	cfg.HTTP.NoVia = v.GetBool("http.no_via")
	cfg.HTTP.NoCookieCrumbling = v.GetBool("http.no_cookie_crumbling")
	cfg.HTTP.AddXForwardedFor = v.GetBool("http.xff.add")
	cfg.HTTP.StripForwarded = v.GetBool("http.forwarded.strip_incoming")
	cfg.HTTP.StripXForwardedFor = v.GetBool("http.xff.strip_incoming")
	cfg.HTTP.StripXForwardedProto = v.GetBool("http.xfp.strip_incoming")
	cfg.HTTP.StripEarlyData = v.GetBool("http.early_data.strip_incoming")
	cfg.HTTP.ForwardedParams = ForwardedParam(v.GetUint32("http.forwarded.params"))
	cfg.HTTP.ForwardedByNodeID = v.GetString("http.forwarded.by")
	cfg.HTTP.HTTP2ProxyMode = v.GetBool("http2_proxy")
	cfg.HTTP.AddRequestHeaders = v.GetStringMapString("http.add_request_headers")

	var raw []map[string]any
	if err := v.UnmarshalKey("downstream_groups", &raw); err != nil {
		return nil, fmt.Errorf("config: decoding downstream_groups: %w", err)
	}
	for _, item := range raw {
		group := &DownstreamAddrGroup{
			Name:       toString(item["name"]),
			HostMatch:  toString(item["host"]),
			PathPrefix: toString(item["path"]),
			Retry: RetryPolicy{
				MaxAttempts: toIntDefault(item["retry_max_attempts"], 1),
				Backoff:     toDuration(item["retry_backoff"]),
			},
		}
		for _, a := range toSlice(item["addrs"]) {
			am := toStringMap(a)
			ep := &Endpoint{
				HostPort: toString(am["addr"]),
				Group:    group.Name,
				TLS:      toBool(am["tls"]),
				Weight:   toIntDefault(am["weight"], 1),
			}
			group.Addrs = append(group.Addrs, ep)
		}
		cfg.Groups = append(cfg.Groups, group)
	}
	return cfg, nil
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// toIntDefault accepts the int-ish shapes viper/native-Go config values can
// take (int, int64, float64 from JSON/YAML decoding) and falls back to def
// when v is absent or non-numeric.
func toIntDefault(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func toDuration(v any) time.Duration {
	switch n := v.(type) {
	case time.Duration:
		return n
	case int:
		return time.Duration(n) * time.Millisecond
	case int64:
		return time.Duration(n) * time.Millisecond
	case float64:
		return time.Duration(n) * time.Millisecond
	case string:
		d, err := time.ParseDuration(n)
		if err == nil {
			return d
		}
		return 0
	default:
		return 0
	}
}

// toSlice accepts both []any (the common JSON/YAML-decoded shape) and any
// other slice/array kind (e.g. []map[string]any, produced when config
// values are set directly as native Go values rather than parsed from a
// file), normalizing to []any via reflection.
func toSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// toStringMap accepts both map[string]any and any other map kind keyed by
// string, normalizing via reflection for the same reason as toSlice.
func toStringMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map {
		return nil
	}
	out := make(map[string]any, rv.Len())
	for _, k := range rv.MapKeys() {
		if ks, ok := k.Interface().(string); ok {
			out[ks] = rv.MapIndex(k).Interface()
		}
	}
	return out
}
