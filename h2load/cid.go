// Package h2load implements the QUIC client engine of spec.md §4.4: the
// load generator's core, driving one QUIC connection end-to-end and
// bridging it to an HTTP/3 session.
//
// Grounded on original_source/src/h2load_quic.cc for the exact
// CID/transport-parameter/timer/bridge semantics, wired against
// github.com/quic-go/quic-go per SPEC_FULL.md §2's DOMAIN STACK
// commitment rather than a hand-rolled QUIC stack.
package h2load

import (
	"crypto/rand"

	"github.com/quic-go/quic-go"
)

// CIDLen is the fixed connection-id length spec.md §4.4/§8 item 5
// requires: "Generated CIDs are exactly 8 bytes."
const CIDLen = 8

// StatelessResetTokenLen is the fixed length of a generated
// stateless-reset token (§8 item 5: "exactly 16 bytes").
const StatelessResetTokenLen = 16

// cidGenerator implements quic.ConnectionIDGenerator, drawing every
// source CID from a CSPRNG per §4.4: "Source and destination CIDs are 8
// random bytes generated at init via a CSPRNG. New CIDs on demand ...
// are filled with 8 random bytes plus a 16-byte stateless-reset token,
// also from the CSPRNG."
type cidGenerator struct{}

// NewConnectionIDGenerator returns the quic.ConnectionIDGenerator this
// engine installs on its quic.Transport, so quic-go asks it (rather than
// its own default 4-byte generator) for every CID it needs.
func NewConnectionIDGenerator() quic.ConnectionIDGenerator { return cidGenerator{} }

func (cidGenerator) GenerateConnectionID() (quic.ConnectionID, error) {
	var b [CIDLen]byte
	if _, err := rand.Read(b[:]); err != nil {
		return quic.ConnectionID{}, err
	}
	return quic.ConnectionIDFromBytes(b[:]), nil
}

func (cidGenerator) ConnectionIDLen() int { return CIDLen }

// NewStatelessResetToken draws a fresh 16-byte stateless-reset token, for
// engines that mint additional CIDs on demand (path migration,
// connection-id rotation) rather than relying solely on quic-go's own
// per-CID token issuance.
func NewStatelessResetToken() ([StatelessResetTokenLen]byte, error) {
	var tok [StatelessResetTokenLen]byte
	_, err := rand.Read(tok[:])
	return tok, err
}
