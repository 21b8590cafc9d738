package cryptosig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	data := []byte("conversation engine preamble bytes")
	sig, err := Sign(data, priv)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureSize)
	assert.True(t, Verify(data, sig, priv.PubKey()))
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	sig, err := Sign([]byte("original"), priv)
	require.NoError(t, err)
	assert.False(t, Verify([]byte("tampered"), sig, priv.PubKey()))
}

func TestVerifyRejectsWrongLengthSignature(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	assert.False(t, Verify([]byte("x"), []byte("too-short"), priv.PubKey()))
}

func TestParsePrivateKeyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(priv.Serialize())
	require.NoError(t, err)
	assert.Equal(t, priv.Serialize(), parsed.Serialize())
}

func TestSerializeAndParsePublicKeyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	raw := SerializePublicKey(priv.PubKey())
	pub, err := ParsePublicKey(raw)
	require.NoError(t, err)
	assert.Equal(t, priv.PubKey().SerializeCompressed(), pub.SerializeCompressed())
}
