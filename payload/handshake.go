package payload

import (
	"github.com/blockburn/corenet/netaddr"
	"github.com/blockburn/corenet/wirecodec"
)

// maxDataURLLen and maxPubKeyLen are sanity bounds for variable-length
// fields decoded off the wire, independent of the per-connection inbox
// backpressure limit enforced by the preamble/connbuf layer.
const (
	maxDataURLLen = 4096
	maxPubKeyLen  = 65
)

// Handshake announces identity: network address, advertised services, the
// node's session public key, the block height at which that key expires,
// and a URL where richer peer data can be fetched.
type Handshake struct {
	AddrBytes         netaddr.Addr
	Port              uint16
	Services          uint32
	NodePublicKey     []byte
	ExpireBlockHeight uint64
	DataURL           string
}

// Kind implements Payload.
func (h *Handshake) Kind() Kind { return KindHandshake }

// EncodeBinary implements Payload.
func (h *Handshake) EncodeBinary(w *wirecodec.Writer) {
	w.WriteBytes(h.AddrBytes[:])
	w.WriteBE(h.Port)
	w.WriteBE(h.Services)
	w.WriteVarBytes(h.NodePublicKey)
	w.WriteBE(h.ExpireBlockHeight)
	w.WriteVarBytes([]byte(h.DataURL))
}

// DecodeBinary implements Payload.
func (h *Handshake) DecodeBinary(r *wirecodec.Reader) {
	r.ReadBytes(h.AddrBytes[:])
	r.ReadBE(&h.Port)
	r.ReadBE(&h.Services)
	h.NodePublicKey = r.ReadVarBytes(maxPubKeyLen)
	r.ReadBE(&h.ExpireBlockHeight)
	h.DataURL = string(r.ReadVarBytes(maxDataURLLen))
}

// HandshakeAccept confirms a handshake and echoes back the local peer's own
// handshake data plus its heartbeat interval.
type HandshakeAccept struct {
	Handshake         Handshake
	HeartbeatInterval uint32
}

// Kind implements Payload.
func (h *HandshakeAccept) Kind() Kind { return KindHandshakeAccept }

// EncodeBinary implements Payload.
func (h *HandshakeAccept) EncodeBinary(w *wirecodec.Writer) {
	h.Handshake.EncodeBinary(w)
	w.WriteBE(h.HeartbeatInterval)
}

// DecodeBinary implements Payload.
func (h *HandshakeAccept) DecodeBinary(r *wirecodec.Reader) {
	h.Handshake.DecodeBinary(r)
	r.ReadBE(&h.HeartbeatInterval)
}

// HandshakeReject is sent back when a handshake fails validation for a
// recoverable reason (stale key, self-handshake, address mismatch).
type HandshakeReject struct{}

// Kind implements Payload.
func (h *HandshakeReject) Kind() Kind { return KindHandshakeReject }

// EncodeBinary implements Payload.
func (h *HandshakeReject) EncodeBinary(w *wirecodec.Writer) {}

// DecodeBinary implements Payload.
func (h *HandshakeReject) DecodeBinary(r *wirecodec.Reader) {}

// Ping carries a liveness nonce to be echoed back in Pong.
type Ping struct {
	Nonce uint32
}

// Kind implements Payload.
func (p *Ping) Kind() Kind { return KindPing }

// EncodeBinary implements Payload.
func (p *Ping) EncodeBinary(w *wirecodec.Writer) { w.WriteBE(p.Nonce) }

// DecodeBinary implements Payload.
func (p *Ping) DecodeBinary(r *wirecodec.Reader) { r.ReadBE(&p.Nonce) }

// Pong echoes a Ping's nonce.
type Pong struct {
	Nonce uint32
}

// Kind implements Payload.
func (p *Pong) Kind() Kind { return KindPong }

// EncodeBinary implements Payload.
func (p *Pong) EncodeBinary(w *wirecodec.Writer) { w.WriteBE(p.Nonce) }

// DecodeBinary implements Payload.
func (p *Pong) DecodeBinary(r *wirecodec.Reader) { r.ReadBE(&p.Nonce) }

// GetNeighbors requests a sample of the peer's known-good neighbors.
type GetNeighbors struct{}

// Kind implements Payload.
func (g *GetNeighbors) Kind() Kind { return KindGetNeighbors }

// EncodeBinary implements Payload.
func (g *GetNeighbors) EncodeBinary(w *wirecodec.Writer) {}

// DecodeBinary implements Payload.
func (g *GetNeighbors) DecodeBinary(r *wirecodec.Reader) {}

// NeighborAddress is one entry in a Neighbors reply.
type NeighborAddress struct {
	AddrBytes   netaddr.Addr
	Port        uint16
	PeerVersion uint32
}

func (n *NeighborAddress) encode(w *wirecodec.Writer) {
	w.WriteBytes(n.AddrBytes[:])
	w.WriteBE(n.Port)
	w.WriteBE(n.PeerVersion)
}

func (n *NeighborAddress) decode(r *wirecodec.Reader) {
	r.ReadBytes(n.AddrBytes[:])
	r.ReadBE(&n.Port)
	r.ReadBE(&n.PeerVersion)
}

// MaxNeighborsDataLen bounds the number of entries carried by a single
// Neighbors reply (spec.md §6, MAX_NEIGHBORS_DATA_LEN).
const MaxNeighborsDataLen = 128

// Neighbors is the reply to GetNeighbors.
type Neighbors struct {
	List []NeighborAddress
}

// Kind implements Payload.
func (n *Neighbors) Kind() Kind { return KindNeighbors }

// EncodeBinary implements Payload.
func (n *Neighbors) EncodeBinary(w *wirecodec.Writer) {
	w.WriteBE(uint32(len(n.List)))
	for i := range n.List {
		n.List[i].encode(w)
	}
}

// DecodeBinary implements Payload.
func (n *Neighbors) DecodeBinary(r *wirecodec.Reader) {
	var count uint32
	r.ReadBE(&count)
	if count > MaxNeighborsDataLen {
		r.Err = wirecodec.ErrTooLong
		return
	}
	n.List = make([]NeighborAddress, count)
	for i := range n.List {
		n.List[i].decode(r)
	}
}

// NackErrorCode enumerates the reasons a Nack was sent.
type NackErrorCode uint32

// Nack error codes. HandshakeRequired must be preserved bit-exact for
// interoperability (spec.md §6).
const (
	NackHandshakeRequired NackErrorCode = iota
	NackInvalidMessage
	NackThrottled
)

// Nack rejects a message the peer could not or would not process.
type Nack struct {
	ErrorCode NackErrorCode
}

// Kind implements Payload.
func (n *Nack) Kind() Kind { return KindNack }

// EncodeBinary implements Payload.
func (n *Nack) EncodeBinary(w *wirecodec.Writer) { w.WriteBE(uint32(n.ErrorCode)) }

// DecodeBinary implements Payload.
func (n *Nack) DecodeBinary(r *wirecodec.Reader) {
	var code uint32
	r.ReadBE(&code)
	n.ErrorCode = NackErrorCode(code)
}
