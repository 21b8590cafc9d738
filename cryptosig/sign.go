// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package cryptosig wraps secp256k1 recoverable ECDSA signing for the
// preamble signature carried by every message on the wire.
package cryptosig

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcec"
)

// SignatureSize is the length in bytes of a recoverable ECDSA signature.
const SignatureSize = 65

// ErrInvalidSignature is returned when a signature fails to verify or is
// malformed.
var ErrInvalidSignature = errors.New("invalid signature")

// PrivateKey is a secp256k1 signing key.
type PrivateKey = btcec.PrivateKey

// PublicKey is a secp256k1 point.
type PublicKey = btcec.PublicKey

// GenerateKey creates a new random private key.
func GenerateKey() (*PrivateKey, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}
	return priv, nil
}

// ParsePrivateKey reconstructs a signing key from its raw 32-byte scalar,
// the inverse of PrivateKey.Serialize.
func ParsePrivateKey(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, ErrInvalidSignature
	}
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), b)
	return priv, nil
}

// ParsePublicKey decodes a compressed or uncompressed secp256k1 point.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	pub, err := btcec.ParsePubKey(b, btcec.S256())
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return pub, nil
}

// SerializePublicKey returns the compressed encoding of pub.
func SerializePublicKey(pub *PublicKey) []byte {
	return pub.SerializeCompressed()
}

// Sign produces a 65-byte recoverable signature over sha256(data).
func Sign(data []byte, priv *PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := btcec.SignCompact(btcec.S256(), priv, digest[:], false)
	if err != nil {
		return nil, err
	}
	if len(sig) != SignatureSize {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}

// Verify checks that sig is a valid recoverable signature over sha256(data)
// that recovers to pub.
func Verify(data []byte, sig []byte, pub *PublicKey) bool {
	if len(sig) != SignatureSize {
		return false
	}
	digest := sha256.Sum256(data)
	recovered, _, err := btcec.RecoverCompact(btcec.S256(), sig, digest[:])
	if err != nil {
		return false
	}
	return recovered.IsEqual(pub)
}
