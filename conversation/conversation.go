// Package conversation implements the protocol state machine bound to one
// remote peer (component D): preamble validation against a local burnchain
// view, handshake negotiation, ping/pong liveness, request correlation and
// the per-tick inbox drain ("chat").
package conversation

import (
	"errors"

	"github.com/blockburn/corenet/connbuf"
	"github.com/blockburn/corenet/cryptosig"
	"github.com/blockburn/corenet/neighbor"
	"github.com/blockburn/corenet/netaddr"
	"github.com/blockburn/corenet/payload"
	"github.com/blockburn/corenet/preamble"
	"github.com/blockburn/corenet/wire"
)

// Errors returned by preamble/handshake validation and chat.
var (
	ErrInvalidMessage   = errors.New("conversation: invalid message")
	ErrInvalidHandshake = errors.New("conversation: invalid handshake")
)

// MaxNeighborBlockDelay bounds how far a peer's announced stable tip may
// run ahead of the local view's burn block height before its message is
// dropped as too far ahead to be worth reasoning about, rather than
// rejected outright.
const MaxNeighborBlockDelay = 10

// NeighborRequestTimeout is the grace period, beyond a peer's own heartbeat
// interval, before a conversation with no recent traffic is considered
// unresponsive.
const NeighborRequestTimeout = 60

// PreambleVerdict is the three-valued outcome of validating an inbound
// preamble against the local burnchain view.
type PreambleVerdict int

// Verdicts returned by IsPreambleValid.
const (
	// PreambleOK means the message should be processed normally.
	PreambleOK PreambleVerdict = iota
	// PreambleDrop means the message should be silently discarded and an
	// unhealthy point recorded, without tearing down the conversation.
	PreambleDrop
	// PreambleInvalid means the peer violated the protocol; the caller must
	// tear down the conversation.
	PreambleInvalid
)

// View is the local context against which every inbound preamble is
// checked, and from which every outbound preamble is stamped. It merges
// the two collaborator inputs the core consumes: the burnchain observer's
// chain-tip snapshot, and the node's own network/version identity.
type View struct {
	NetworkID           uint32
	PeerVersion         uint32
	StableConfirmations uint64

	BurnBlockHeight         uint64
	BurnConsensusHash       preamble.ConsensusHash
	BurnStableBlockHeight   uint64
	BurnStableConsensusHash preamble.ConsensusHash

	LastConsensusHashes map[uint64]preamble.ConsensusHash
}

// IsPreambleValid checks pre against view and returns the three-valued
// verdict. Deterministic in (pre, view).
func IsPreambleValid(pre *preamble.Preamble, view *View) PreambleVerdict {
	if pre.NetworkID != view.NetworkID {
		return PreambleInvalid
	}
	if pre.PeerVersion&0xff000000 != view.PeerVersion&0xff000000 {
		return PreambleInvalid
	}

	sum := pre.BurnStableBlockHeight + view.StableConfirmations
	if sum < pre.BurnStableBlockHeight || sum != pre.BurnBlockHeight {
		return PreambleInvalid
	}

	if pre.BurnStableBlockHeight > view.BurnBlockHeight+MaxNeighborBlockDelay {
		return PreambleDrop
	}

	if ch, ok := view.LastConsensusHashes[pre.BurnBlockHeight]; ok && ch != pre.BurnConsensusHash {
		return PreambleDrop
	}
	if ch, ok := view.LastConsensusHashes[pre.BurnStableBlockHeight]; ok && ch != pre.BurnStableConsensusHash {
		return PreambleInvalid
	}

	return PreambleOK
}

// LocalIdentity is the node's own signing key and self-announcement data,
// shared read-mostly across every live conversation and refreshed in place
// when the supervisor re-keys.
type LocalIdentity struct {
	PrivateKey *cryptosig.PrivateKey
	PublicKey  *cryptosig.PublicKey
	Handshake  payload.Handshake
}

// Conversation is the stateful protocol endpoint bound to one remote peer.
type Conversation struct {
	Connection *connbuf.Connection
	ConnID     int
	Outbound   bool
	Seq        uint32
	Heartbeat  uint32

	PeerVersion           uint32
	PeerNetworkID         uint32
	PeerServices          uint32
	PeerAddrBytes         netaddr.Addr
	PeerPort              uint16
	PeerHeartbeat         uint32
	PeerExpireBlockHeight uint64
	DataURL               string

	LastHandshakeTime uint64

	Stats *neighbor.Stats
	Local *LocalIdentity
}

// New creates a fresh, unauthenticated conversation over conn.
func New(connID int, outbound bool, heartbeat uint32, inboxLimit uint32, local *LocalIdentity) *Conversation {
	return &Conversation{
		Connection: connbuf.New(inboxLimit),
		ConnID:     connID,
		Outbound:   outbound,
		Heartbeat:  heartbeat,
		Stats:      neighbor.NewStats(outbound),
		Local:      local,
	}
}

// ResetFromPeerReset reinitializes the connection buffer after a
// peer-initiated TCP reset: fresh inbox/outbox/request table, seq back to
// zero, peer_resets incremented, but every learned peer identity field
// preserved (spec.md §3 lifecycle).
func (c *Conversation) ResetFromPeerReset(inboxLimit uint32, now uint64) {
	c.Connection.FailAllPending(connbuf.ErrConnectionBroken)
	c.Connection = connbuf.New(inboxLimit)
	c.Seq = 0
	c.Stats.RecordReset(now)
}

func (c *Conversation) nextSeq() uint32 {
	seq := c.Seq
	c.Seq++
	return seq
}

func (c *Conversation) preambleFor(view *View, seq uint32) preamble.Preamble {
	return preamble.Preamble{
		PeerVersion:             view.PeerVersion,
		NetworkID:               view.NetworkID,
		Seq:                     seq,
		BurnBlockHeight:         view.BurnBlockHeight,
		BurnConsensusHash:       view.BurnConsensusHash,
		BurnStableBlockHeight:   view.BurnStableBlockHeight,
		BurnStableConsensusHash: view.BurnStableConsensusHash,
	}
}

// SignMessage assigns the conversation's next sequence number, builds the
// preamble from view, and signs p with priv.
func (c *Conversation) SignMessage(view *View, priv *cryptosig.PrivateKey, p payload.Payload) (*wire.SignedMessage, error) {
	seq := c.nextSeq()
	return wire.Sign(c.preambleFor(view, seq), seq, p, priv)
}

// signReply signs p under the triggering request's own sequence number, so
// the remote peer can correlate the reply without consuming a sequence
// number of our own.
func (c *Conversation) signReply(view *View, p payload.Payload, seq uint32) (*wire.SignedMessage, error) {
	return wire.Sign(c.preambleFor(view, seq), seq, p, c.Local.PrivateKey)
}

// SignReply is the exported form of signReply, for replies the supervisor
// (rather than chat itself) produces for an unsolicited request it
// answered intrinsically, such as GetNeighbors.
func (c *Conversation) SignReply(view *View, p payload.Payload, seq uint32) (*wire.SignedMessage, error) {
	return c.signReply(view, p, seq)
}

// recordSend bumps msgs_tx/bytes_tx/last_send_time for a message that was
// just handed to the outbox, the way relay_signed_message and
// send_signed_request do in the original (chat.rs:486,497).
func (c *Conversation) recordSend(msg *wire.SignedMessage, now uint64) {
	n := 0
	if raw, err := msg.Bytes(); err == nil {
		n = len(raw)
	}
	c.Stats.RecordSend(n, now)
}

// RelaySignedMessage enqueues msg for transmission with no reply
// expectation.
func (c *Conversation) RelaySignedMessage(msg *wire.SignedMessage, now uint64) error {
	sink := c.Connection.MakeRelayHandle()
	if err := sink.Send(msg); err != nil {
		return err
	}
	c.recordSend(msg, now)
	return nil
}

// SendSignedRequest enqueues msg and registers a reply expectation under its
// own sequence number, expiring at now+ttl.
func (c *Conversation) SendSignedRequest(msg *wire.SignedMessage, ttl uint64, now uint64) (*connbuf.ReplyHandle, error) {
	sink, handle := c.Connection.MakeRequestHandle(msg.Preamble.Seq, now+ttl)
	if err := sink.Send(msg); err != nil {
		return nil, err
	}
	c.recordSend(msg, now)
	return handle, nil
}

// validateHandshake checks the preconditions for accepting hs, carried by
// msg, as a legitimate (re-)identification of the remote peer.
func (c *Conversation) validateHandshake(msg *wire.SignedMessage, hs *payload.Handshake, view *View) error {
	pub, err := cryptosig.ParsePublicKey(hs.NodePublicKey)
	if err != nil {
		return ErrInvalidMessage
	}

	if !c.Connection.HasPublicKey() {
		if verr := msg.Verify(pub); verr != nil {
			return ErrInvalidMessage
		}
	} else if c.Outbound {
		if hs.AddrBytes != c.PeerAddrBytes || hs.Port != c.PeerPort {
			return ErrInvalidHandshake
		}
	}

	if hs.ExpireBlockHeight <= view.BurnBlockHeight {
		return ErrInvalidHandshake
	}
	if c.Local.PublicKey != nil && pub.IsEqual(c.Local.PublicKey) {
		return ErrInvalidHandshake
	}
	return nil
}

// HandleHandshake validates and applies an inbound Handshake. On a
// recoverable rejection it returns a HandshakeReject reply with a nil
// error; on InvalidMessage it returns a nil reply and the error for the
// caller to propagate. On success it updates the learned peer fields,
// binds (or re-binds) the connection's public key, reports whether the key
// changed from what was previously bound, and returns a HandshakeAccept
// reply payload for the caller to sign.
func (c *Conversation) HandleHandshake(msg *wire.SignedMessage, view *View, now uint64) (reply payload.Payload, keyChanged bool, err error) {
	hs, ok := msg.Payload.(*payload.Handshake)
	if !ok {
		return nil, false, ErrInvalidMessage
	}

	if verr := c.validateHandshake(msg, hs, view); verr != nil {
		if verr == ErrInvalidHandshake {
			return &payload.HandshakeReject{}, false, nil
		}
		return nil, false, verr
	}

	pub, err := cryptosig.ParsePublicKey(hs.NodePublicKey)
	if err != nil {
		return nil, false, ErrInvalidMessage
	}

	prev := c.Connection.GetPublicKey()
	keyChanged = prev == nil || !prev.IsEqual(pub)

	c.PeerVersion = msg.Preamble.PeerVersion
	c.PeerNetworkID = msg.Preamble.NetworkID
	c.PeerServices = hs.Services
	c.PeerAddrBytes = hs.AddrBytes
	c.PeerPort = hs.Port
	c.PeerExpireBlockHeight = hs.ExpireBlockHeight
	c.DataURL = hs.DataURL
	c.Connection.SetPublicKey(pub)

	accept := &payload.HandshakeAccept{
		Handshake:         c.Local.Handshake,
		HeartbeatInterval: c.Heartbeat,
	}
	return accept, keyChanged, nil
}

// HandleHandshakeAccept applies an inbound HandshakeAccept's learned fields
// and, on the dialing side, binds the connection's public key from the
// accepted peer's own self-announcement, since an outbound conversation
// never sees the other side's original Handshake message. It produces no
// reply.
func (c *Conversation) HandleHandshakeAccept(acc *payload.HandshakeAccept, now uint64) error {
	hs := acc.Handshake
	pub, err := cryptosig.ParsePublicKey(hs.NodePublicKey)
	if err != nil {
		return ErrInvalidMessage
	}
	c.PeerServices = hs.Services
	c.PeerAddrBytes = hs.AddrBytes
	c.PeerPort = hs.Port
	c.PeerExpireBlockHeight = hs.ExpireBlockHeight
	c.DataURL = hs.DataURL
	c.PeerHeartbeat = acc.HeartbeatInterval
	c.LastHandshakeTime = now
	c.Connection.SetPublicKey(pub)
	return nil
}

// Chat drains every message that was in the inbox at the moment it was
// called, validating each against view, dispatching it by kind and
// authentication state, and bookkeeping stats and request correlation. It
// returns messages to forward to the upper layer and the relay sinks newly
// queued for outbound flush.
//
// If a preamble turns out invalid, chat stops immediately and returns the
// error; any messages still behind it in the inbox are left there and
// abandoned along with the rest of the connection once the caller tears
// the conversation down.
func (c *Conversation) Chat(view *View, now uint64) ([]*wire.SignedMessage, []*connbuf.Sink, error) {
	n := c.Connection.InboxLen()
	var unsolicited []*wire.SignedMessage
	var handles []*connbuf.Sink

	for i := 0; i < n; i++ {
		msg, ok := c.Connection.NextInboxMessage()
		if !ok {
			continue
		}

		switch IsPreambleValid(&msg.Preamble, view) {
		case PreambleDrop:
			c.Stats.RecordErr(now)
			continue
		case PreambleInvalid:
			c.Stats.RecordErr(now)
			return unsolicited, handles, ErrInvalidMessage
		}

		solicited := c.Connection.IsSolicited(msg)
		var reply payload.Payload
		consume := true

		if c.Connection.HasPublicKey() {
			switch p := msg.Payload.(type) {
			case *payload.Handshake:
				r, keyChanged, herr := c.HandleHandshake(msg, view, now)
				if herr != nil {
					c.Stats.RecordErr(now)
					return unsolicited, handles, herr
				}
				reply = r
				consume = !keyChanged
			case *payload.HandshakeAccept:
				if herr := c.HandleHandshakeAccept(p, now); herr != nil {
					c.Stats.RecordErr(now)
					return unsolicited, handles, herr
				}
			case *payload.Ping:
				reply = &payload.Pong{Nonce: p.Nonce}
			case *payload.Pong:
			default:
				consume = false
			}
		} else {
			switch p := msg.Payload.(type) {
			case *payload.Handshake:
				r, _, herr := c.HandleHandshake(msg, view, now)
				if herr != nil {
					c.Stats.RecordErr(now)
					return unsolicited, handles, herr
				}
				reply = r
				consume = false
			case *payload.HandshakeAccept:
				if solicited {
					if herr := c.HandleHandshakeAccept(p, now); herr != nil {
						c.Stats.RecordErr(now)
						return unsolicited, handles, herr
					}
				}
			case *payload.HandshakeReject:
			case *payload.Nack:
			default:
				reply = &payload.Nack{ErrorCode: payload.NackHandshakeRequired}
			}
		}

		if reply != nil {
			if replyMsg, serr := c.signReply(view, reply, msg.Preamble.Seq); serr == nil {
				sink := c.Connection.MakeRelayHandle()
				if sendErr := sink.Send(replyMsg); sendErr == nil {
					c.recordSend(replyMsg, now)
					handles = append(handles, sink)
				}
			}
		}

		msgLen := 0
		if raw, berr := msg.Bytes(); berr == nil {
			msgLen = len(raw)
		}
		if solicited {
			c.Stats.RecordSolicitedRecv(msg.Payload.Kind(), msgLen, now)
		} else {
			c.Stats.RecordUnsolicitedRecv()
		}

		if _, fulfilled := c.Connection.FulfillRequest(msg); fulfilled {
			continue
		}
		if !consume {
			unsolicited = append(unsolicited, msg)
		}
	}

	return unsolicited, handles, nil
}
