package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockburn/corenet/cryptosig"
	"github.com/blockburn/corenet/payload"
	"github.com/blockburn/corenet/preamble"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := cryptosig.GenerateKey()
	require.NoError(t, err)

	pre := preamble.Preamble{PeerVersion: 1, NetworkID: 7, BurnBlockHeight: 100}
	msg, err := Sign(pre, 3, &payload.Ping{Nonce: 99}, priv)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), msg.Preamble.Seq)

	assert.NoError(t, msg.Verify(priv.PubKey()))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, err := cryptosig.GenerateKey()
	require.NoError(t, err)
	other, err := cryptosig.GenerateKey()
	require.NoError(t, err)

	msg, err := Sign(preamble.Preamble{}, 1, &payload.Ping{Nonce: 1}, priv)
	require.NoError(t, err)
	assert.ErrorIs(t, msg.Verify(other.PubKey()), ErrInvalidMessage)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	priv, err := cryptosig.GenerateKey()
	require.NoError(t, err)

	msg, err := Sign(preamble.Preamble{}, 1, &payload.Ping{Nonce: 1}, priv)
	require.NoError(t, err)

	msg.Payload = &payload.Ping{Nonce: 2}
	assert.ErrorIs(t, msg.Verify(priv.PubKey()), ErrInvalidMessage)
}

func TestBytesAndDecodeFrameRoundTrip(t *testing.T) {
	priv, err := cryptosig.GenerateKey()
	require.NoError(t, err)

	msg, err := Sign(preamble.Preamble{PeerVersion: 2, NetworkID: 9}, 5, &payload.Pong{Nonce: 123}, priv)
	require.NoError(t, err)

	raw, err := msg.Bytes()
	require.NoError(t, err)

	decoded, consumed, err := DecodeFrame(raw, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	assert.Equal(t, msg.Preamble, decoded.Preamble)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.NoError(t, decoded.Verify(priv.PubKey()))
}

func TestDecodeFrameIncompleteReturnsZeroConsumed(t *testing.T) {
	decoded, consumed, err := DecodeFrame(make([]byte, preamble.Size-1), 1<<20)
	assert.Nil(t, decoded)
	assert.Zero(t, consumed)
	assert.NoError(t, err)
}

func TestDecodeFrameRejectsOversizedPayloadLen(t *testing.T) {
	priv, err := cryptosig.GenerateKey()
	require.NoError(t, err)

	msg, err := Sign(preamble.Preamble{}, 1, &payload.Ping{Nonce: 1}, priv)
	require.NoError(t, err)
	raw, err := msg.Bytes()
	require.NoError(t, err)

	_, _, err = DecodeFrame(raw, 1)
	assert.Error(t, err)
}
