package h2load

import (
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNH3 is the HTTP/3 ALPN token; spec.md §4.4's version-selection rule
// hinges on whether this is the first configured ALPN.
const ALPNH3 = "h3"

const maxStreamWindow = (1 << 26) - 1 // spec.md §4.4: min(2^26-1, ...)

// BuildTransportParams computes the QUIC transport parameter set of
// spec.md §4.4 from the caller's configured window sizes, expressed as
// bit widths (windowBits, connectionWindowBits) the way the original
// engine takes them from CLI flags.
func BuildTransportParams(windowBits, connectionWindowBits int) *quic.Config {
	streamWindow := min64(maxStreamWindow, (int64(1)<<uint(windowBits))-1)
	connWindow := (int64(1) << uint(connectionWindowBits)) - 1

	return &quic.Config{
		InitialStreamReceiveWindow:     uint64(streamWindow),
		InitialConnectionReceiveWindow: uint64(connWindow),
		MaxIncomingStreams:             0,   // initial_max_streams_bidi = 0
		MaxIncomingUniStreams:          100, // initial_max_streams_uni = 100
		MaxIdleTimeout:                 30 * time.Second,
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// SelectVersion implements spec.md §4.4's ALPN-driven version rule: "If
// the first configured ALPN is the HTTP/3 token, the QUIC version is v1;
// otherwise the minimum supported version (draft-compatible mode)."
func SelectVersion(alpns []string) quic.Version {
	if len(alpns) > 0 && alpns[0] == ALPNH3 {
		return quic.Version1
	}
	return minSupportedVersion()
}

// minSupportedVersion returns the lowest version quic-go negotiates,
// used for the engine's draft-compatible fallback mode.
func minSupportedVersion() quic.Version {
	versions := []quic.Version{quic.Version1, quic.Version2}
	min := versions[0]
	for _, v := range versions[1:] {
		if v < min {
			min = v
		}
	}
	return min
}
