// Package preamble implements the fixed-size authenticated header (component
// A of the conversation engine) that precedes every payload on the wire.
package preamble

import (
	"bytes"
	"errors"

	"github.com/blockburn/corenet/wirecodec"
)

// ConsensusHashSize is the byte length of a burnchain consensus hash.
const ConsensusHashSize = 20

// SignatureSize is the byte length of the recoverable ECDSA signature field.
const SignatureSize = 65

// Size is the fixed on-the-wire byte length of a Preamble.
const Size = 4 + 4 + 4 + 8 + ConsensusHashSize + 8 + ConsensusHashSize + 4 + SignatureSize + 4

// ConsensusHash fingerprints a burnchain history prefix up to some height.
type ConsensusHash [ConsensusHashSize]byte

// ErrShortBuffer is returned when a payload's declared length exceeds the
// configured inbox backpressure limit.
var ErrShortBuffer = errors.New("preamble: payload_len exceeds inbox limit")

// Preamble is the fixed layout authenticated header carried by every
// SignedMessage. All integer widths are fixed, and there is no
// version-dependent layout of the preamble itself.
type Preamble struct {
	PeerVersion             uint32
	NetworkID               uint32
	Seq                     uint32
	BurnBlockHeight         uint64
	BurnConsensusHash       ConsensusHash
	BurnStableBlockHeight   uint64
	BurnStableConsensusHash ConsensusHash
	AdditionalData          uint32
	Signature               [SignatureSize]byte
	PayloadLen              uint32
}

// Encode writes the preamble in network byte order.
func (p *Preamble) Encode(w *wirecodec.Writer) {
	w.WriteBE(p.PeerVersion)
	w.WriteBE(p.NetworkID)
	w.WriteBE(p.Seq)
	w.WriteBE(p.BurnBlockHeight)
	w.WriteBytes(p.BurnConsensusHash[:])
	w.WriteBE(p.BurnStableBlockHeight)
	w.WriteBytes(p.BurnStableConsensusHash[:])
	w.WriteBE(p.AdditionalData)
	w.WriteBytes(p.Signature[:])
	w.WriteBE(p.PayloadLen)
}

// Decode reads a preamble in network byte order.
func (p *Preamble) Decode(r *wirecodec.Reader) {
	r.ReadBE(&p.PeerVersion)
	r.ReadBE(&p.NetworkID)
	r.ReadBE(&p.Seq)
	r.ReadBE(&p.BurnBlockHeight)
	r.ReadBytes(p.BurnConsensusHash[:])
	r.ReadBE(&p.BurnStableBlockHeight)
	r.ReadBytes(p.BurnStableConsensusHash[:])
	r.ReadBE(&p.AdditionalData)
	r.ReadBytes(p.Signature[:])
	r.ReadBE(&p.PayloadLen)
}

// Bytes serializes the preamble alone into a freshly allocated Size-byte slice.
func (p *Preamble) Bytes() []byte {
	var buf bytes.Buffer
	w := wirecodec.NewWriter(&buf)
	p.Encode(w)
	return buf.Bytes()
}

// ClearSignature returns a copy of p with the signature field zeroed, as
// required before hashing for signing or verification.
func (p Preamble) ClearSignature() Preamble {
	p.Signature = [SignatureSize]byte{}
	return p
}

// CheckPayloadLen rejects a declared payload length that would exceed the
// per-connection inbox backpressure limit. payload_len is only ever an upper
// bound used for backpressure, never authoritative framing.
func CheckPayloadLen(declared uint32, inboxLimit uint32) error {
	if declared > inboxLimit {
		return ErrShortBuffer
	}
	return nil
}
