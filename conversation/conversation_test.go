package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockburn/corenet/cryptosig"
	"github.com/blockburn/corenet/payload"
	"github.com/blockburn/corenet/preamble"
	"github.com/blockburn/corenet/wire"
)

func testView() *View {
	return &View{
		NetworkID:             1,
		PeerVersion:           0x01000000,
		StableConfirmations:   3,
		BurnBlockHeight:       100,
		BurnStableBlockHeight: 97,
		LastConsensusHashes:   make(map[uint64]preamble.ConsensusHash),
	}
}

func preambleFromView(view *View, seq uint32) preamble.Preamble {
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

func signFrom(t *testing.T, view *View, seq uint32, p payload.Payload, priv *cryptosig.PrivateKey) *wire.SignedMessage {
	msg, err := wire.Sign(preambleFromView(view, seq), seq, p, priv)
	require.NoError(t, err)
	return msg
}

func newLocal(t *testing.T) (*LocalIdentity, *cryptosig.PrivateKey) {
	priv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	return &LocalIdentity{PrivateKey: priv, PublicKey: priv.PubKey()}, priv
}

func feed(t *testing.T, c *Conversation, msg *wire.SignedMessage) {
	raw, err := msg.Bytes()
	require.NoError(t, err)
	require.NoError(t, c.Connection.Feed(raw))
}

func TestHandshakeAccept(t *testing.T) {
	local, _ := newLocal(t)
	c := New(1, false, 30, 1<<20, local)
	view := testView()

	remotePriv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	hs := &payload.Handshake{
		Port:              8333,
		NodePublicKey:     cryptosig.SerializePublicKey(remotePriv.PubKey()),
		ExpireBlockHeight: view.BurnBlockHeight + 1000,
	}
	feed(t, c, signFrom(t, view, 1, hs, remotePriv))

	unsolicited, _, err := c.Chat(view, 500)
	require.NoError(t, err)
	require.Len(t, unsolicited, 1)
	_, ok := unsolicited[0].Payload.(*payload.Handshake)
	assert.True(t, ok)

	assert.True(t, c.Connection.HasPublicKey())
	// Only a received HandshakeAccept marks the handshake time.
	assert.Equal(t, uint64(0), c.LastHandshakeTime)

	raw := c.Connection.DrainOutbox()
	require.NotEmpty(t, raw)
	reply, _, err := wire.DecodeFrame(raw, 1<<20)
	require.NoError(t, err)
	_, ok = reply.Payload.(*payload.HandshakeAccept)
	assert.True(t, ok)
}

func TestHandshakeRejectedWithStaleKey(t *testing.T) {
	local, _ := newLocal(t)
	c := New(1, false, 30, 1<<20, local)
	view := testView()

	remotePriv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	hs := &payload.Handshake{
		NodePublicKey:     cryptosig.SerializePublicKey(remotePriv.PubKey()),
		ExpireBlockHeight: view.BurnBlockHeight, // not > BurnBlockHeight: stale
	}
	feed(t, c, signFrom(t, view, 1, hs, remotePriv))

	_, _, err = c.Chat(view, 500)
	require.NoError(t, err)
	assert.False(t, c.Connection.HasPublicKey())

	raw := c.Connection.DrainOutbox()
	require.NotEmpty(t, raw)
	reply, _, err := wire.DecodeFrame(raw, 1<<20)
	require.NoError(t, err)
	_, ok := reply.Payload.(*payload.HandshakeReject)
	assert.True(t, ok)
}

func TestHandshakeRejectedAsSelf(t *testing.T) {
	local, localPriv := newLocal(t)
	c := New(1, false, 30, 1<<20, local)
	view := testView()

	hs := &payload.Handshake{
		NodePublicKey:     cryptosig.SerializePublicKey(local.PublicKey),
		ExpireBlockHeight: view.BurnBlockHeight + 1000,
	}
	feed(t, c, signFrom(t, view, 1, hs, localPriv))

	_, _, err := c.Chat(view, 500)
	require.NoError(t, err)

	raw := c.Connection.DrainOutbox()
	require.NotEmpty(t, raw)
	reply, _, err := wire.DecodeFrame(raw, 1<<20)
	require.NoError(t, err)
	_, ok := reply.Payload.(*payload.HandshakeReject)
	assert.True(t, ok)
}

func TestHandshakeBadSignatureIsInvalidMessage(t *testing.T) {
	local, _ := newLocal(t)
	c := New(1, false, 30, 1<<20, local)
	view := testView()

	remotePriv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	wrongPriv, err := cryptosig.GenerateKey()
	require.NoError(t, err)

	hs := &payload.Handshake{
		NodePublicKey:     cryptosig.SerializePublicKey(remotePriv.PubKey()),
		ExpireBlockHeight: view.BurnBlockHeight + 1000,
	}
	// Signed by a key different from the one the handshake claims.
	feed(t, c, signFrom(t, view, 1, hs, wrongPriv))

	_, _, err = c.Chat(view, 500)
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.False(t, c.Connection.HasPublicKey())
}

func TestPingBeforeHandshakeGetsNack(t *testing.T) {
	local, _ := newLocal(t)
	c := New(1, false, 30, 1<<20, local)
	view := testView()

	remotePriv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	feed(t, c, signFrom(t, view, 1, &payload.Ping{Nonce: 7}, remotePriv))

	unsolicited, _, err := c.Chat(view, 500)
	require.NoError(t, err)
	assert.Empty(t, unsolicited)

	raw := c.Connection.DrainOutbox()
	require.NotEmpty(t, raw)
	reply, _, err := wire.DecodeFrame(raw, 1<<20)
	require.NoError(t, err)
	nack, ok := reply.Payload.(*payload.Nack)
	require.True(t, ok)
	assert.Equal(t, payload.NackHandshakeRequired, nack.ErrorCode)
}

func TestPingAfterHandshakeGetsPong(t *testing.T) {
	local, _ := newLocal(t)
	c := New(1, false, 30, 1<<20, local)
	view := testView()

	remotePriv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	hs := &payload.Handshake{
		NodePublicKey:     cryptosig.SerializePublicKey(remotePriv.PubKey()),
		ExpireBlockHeight: view.BurnBlockHeight + 1000,
	}
	feed(t, c, signFrom(t, view, 1, hs, remotePriv))
	_, _, err = c.Chat(view, 500)
	require.NoError(t, err)
	c.Connection.DrainOutbox()

	feed(t, c, signFrom(t, view, 2, &payload.Ping{Nonce: 55}, remotePriv))
	unsolicited, _, err := c.Chat(view, 501)
	require.NoError(t, err)
	assert.Empty(t, unsolicited)

	raw := c.Connection.DrainOutbox()
	require.NotEmpty(t, raw)
	reply, _, err := wire.DecodeFrame(raw, 1<<20)
	require.NoError(t, err)
	pong, ok := reply.Payload.(*payload.Pong)
	require.True(t, ok)
	assert.Equal(t, uint32(55), pong.Nonce)
}

func TestIsPreambleValidMatrix(t *testing.T) {
	view := testView()
	base := preambleFromView(view, 1)

	t.Run("ok", func(t *testing.T) {
		p := base
		assert.Equal(t, PreambleOK, IsPreambleValid(&p, view))
	})

	t.Run("network mismatch is invalid", func(t *testing.T) {
		p := base
		p.NetworkID = view.NetworkID + 1
		assert.Equal(t, PreambleInvalid, IsPreambleValid(&p, view))
	})

	t.Run("major peer version mismatch is invalid", func(t *testing.T) {
		p := base
		p.PeerVersion = 0x02000000
		assert.Equal(t, PreambleInvalid, IsPreambleValid(&p, view))
	})

	t.Run("stable height plus confirmations must equal burn height", func(t *testing.T) {
		p := base
		p.BurnBlockHeight++
		assert.Equal(t, PreambleInvalid, IsPreambleValid(&p, view))
	})

	t.Run("stable height too far ahead is dropped", func(t *testing.T) {
		p := base
		p.BurnStableBlockHeight = view.BurnBlockHeight + MaxNeighborBlockDelay + 1
		p.BurnBlockHeight = p.BurnStableBlockHeight + view.StableConfirmations
		assert.Equal(t, PreambleDrop, IsPreambleValid(&p, view))
	})

	t.Run("consensus hash mismatch at burn height is dropped", func(t *testing.T) {
		v := *view
		v.LastConsensusHashes = map[uint64]preamble.ConsensusHash{
			base.BurnBlockHeight: {0xAA},
		}
		p := base
		assert.Equal(t, PreambleDrop, IsPreambleValid(&p, &v))
	})

	t.Run("consensus hash mismatch at stable height is invalid", func(t *testing.T) {
		v := *view
		v.LastConsensusHashes = map[uint64]preamble.ConsensusHash{
			base.BurnStableBlockHeight: {0xBB},
		}
		p := base
		assert.Equal(t, PreambleInvalid, IsPreambleValid(&p, &v))
	})
}

func TestSendSignedRequestAndFulfillViaChat(t *testing.T) {
	local, _ := newLocal(t)
	c := New(1, true, 30, 1<<20, local)
	view := testView()

	msg, err := c.SignMessage(view, local.PrivateKey, &payload.GetNeighbors{})
	require.NoError(t, err)
	handle, err := c.SendSignedRequest(msg, 60, 100)
	require.NoError(t, err)
	c.Connection.DrainOutbox()

	remotePriv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	reply := signFrom(t, view, msg.Preamble.Seq, &payload.Neighbors{}, remotePriv)
	feed(t, c, reply)

	// Chat requires a bound public key to process Neighbors; bind it first
	// to mirror an already-handshaken conversation.
	c.Connection.SetPublicKey(remotePriv.PubKey())

	_, _, err = c.Chat(view, 101)
	require.NoError(t, err)

	result, ok := handle.TryRecv()
	require.True(t, ok)
	assert.NoError(t, result.Err)
	assert.Equal(t, msg.Preamble.Seq, result.Msg.Preamble.Seq)
}
