package preamble

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockburn/corenet/wirecodec"
)

func sample() Preamble {
	return Preamble{
		PeerVersion:     1,
		NetworkID:       0x5a5a5a5a,
		Seq:             7,
		BurnBlockHeight: 1000,
		BurnStableBlockHeight: 993,
		AdditionalData:  0,
		PayloadLen:      12,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := sample()
	copy(p.Signature[:], bytes.Repeat([]byte{0xAB}, SignatureSize))

	encoded := p.Bytes()
	assert.Len(t, encoded, Size)

	var got Preamble
	r := wirecodec.NewReader(bytes.NewReader(encoded))
	got.Decode(r)
	require.NoError(t, r.Err)
	assert.Equal(t, p, got)
}

func TestClearSignatureZeroesOnlySignature(t *testing.T) {
	p := sample()
	copy(p.Signature[:], bytes.Repeat([]byte{0xFF}, SignatureSize))

	cleared := p.ClearSignature()
	assert.Equal(t, [SignatureSize]byte{}, cleared.Signature)
	assert.Equal(t, p.Seq, cleared.Seq)
	assert.Equal(t, p.BurnBlockHeight, cleared.BurnBlockHeight)
}

func TestCheckPayloadLen(t *testing.T) {
	assert.NoError(t, CheckPayloadLen(100, 100))
	assert.NoError(t, CheckPayloadLen(99, 100))
	assert.ErrorIs(t, CheckPayloadLen(101, 100), ErrShortBuffer)
}

func TestSizeConstantMatchesFieldLayout(t *testing.T) {
	// 4 (PeerVersion) + 4 (NetworkID) + 4 (Seq) + 8 (BurnBlockHeight) +
	// 20 (BurnConsensusHash) + 8 (BurnStableBlockHeight) + 20
	// (BurnStableConsensusHash) + 4 (AdditionalData) + 65 (Signature) + 4
	// (PayloadLen) = 141.
	assert.Equal(t, 141, Size)
}
