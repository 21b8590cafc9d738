// Package payload implements the closed tagged union of application
// messages carried inside a SignedMessage: Handshake, HandshakeAccept,
// HandshakeReject, Ping, Pong, GetNeighbors, Neighbors and Nack. Each kind
// encodes through wirecodec's fixed big-endian field writer rather than
// gogoproto: the preamble signature covers sha256(preamble||payload), so the
// payload encoding has to be byte-for-byte deterministic for a given struct,
// which a generated protobuf message does not guarantee (field and map
// iteration order, optional-field omission). See DESIGN.md for the full
// rationale.
package payload

import (
	"bytes"
	"fmt"

	"github.com/blockburn/corenet/wirecodec"
)

// Kind identifies the concrete payload type carried by a message, the
// discriminant of the tagged union. Payload handling is implemented as a
// closed set of Go types switched on Kind, not via virtual dispatch.
type Kind byte

// Valid payload kinds.
const (
	KindHandshake Kind = iota
	KindHandshakeAccept
	KindHandshakeReject
	KindPing
	KindPong
	KindGetNeighbors
	KindNeighbors
	KindNack
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindHandshakeAccept:
		return "HandshakeAccept"
	case KindHandshakeReject:
		return "HandshakeReject"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindGetNeighbors:
		return "GetNeighbors"
	case KindNeighbors:
		return "Neighbors"
	case KindNack:
		return "Nack"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Payload is implemented by every member of the tagged union.
type Payload interface {
	Kind() Kind
	EncodeBinary(w *wirecodec.Writer)
	DecodeBinary(r *wirecodec.Reader)
}

// Encode serializes a tagged payload as a one-byte kind prefix followed by
// its body, the self-describing length the preamble's payload_len bounds.
func Encode(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	w := wirecodec.NewWriter(&buf)
	w.WriteBE(byte(p.Kind()))
	p.EncodeBinary(w)
	if w.Err != nil {
		return nil, w.Err
	}
	return buf.Bytes(), nil
}

// Decode reads a one-byte kind prefix and dispatches to the matching
// concrete type.
func Decode(raw []byte) (Payload, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("payload: empty buffer")
	}
	r := wirecodec.NewReader(bytes.NewReader(raw[1:]))
	var p Payload
	switch Kind(raw[0]) {
	case KindHandshake:
		p = &Handshake{}
	case KindHandshakeAccept:
		p = &HandshakeAccept{}
	case KindHandshakeReject:
		p = &HandshakeReject{}
	case KindPing:
		p = &Ping{}
	case KindPong:
		p = &Pong{}
	case KindGetNeighbors:
		p = &GetNeighbors{}
	case KindNeighbors:
		p = &Neighbors{}
	case KindNack:
		p = &Nack{}
	default:
		return nil, fmt.Errorf("payload: unknown kind %d", raw[0])
	}
	p.DecodeBinary(r)
	if r.Err != nil {
		return nil, r.Err
	}
	return p, nil
}
