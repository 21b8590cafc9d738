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

// Package wire implements the signed message primitive (component B):
// attaching and verifying a recoverable secp256k1 signature over a
// preamble+payload pair.
package wire

import (
	"bytes"
	"errors"

	"github.com/blockburn/corenet/cryptosig"
	"github.com/blockburn/corenet/payload"
	"github.com/blockburn/corenet/preamble"
	"github.com/blockburn/corenet/wirecodec"
)

// ErrInvalidMessage is returned when a signature fails to verify.
var ErrInvalidMessage = errors.New("wire: invalid message signature")

// SignedMessage is a preamble paired with its tagged payload.
type SignedMessage struct {
	Preamble preamble.Preamble
	Payload  payload.Payload
}

// canonicalBytes builds preamble(signature zeroed) || payload, the exact
// byte sequence that is hashed for signing and verification (spec.md §4.B).
func (m *SignedMessage) canonicalBytes() ([]byte, error) {
	payloadBytes, err := payload.Encode(m.Payload)
	if err != nil {
		return nil, err
	}

	cleared := m.Preamble.ClearSignature()
	cleared.PayloadLen = uint32(len(payloadBytes))

	var buf bytes.Buffer
	w := wirecodec.NewWriter(&buf)
	cleared.Encode(w)
	if w.Err != nil {
		return nil, w.Err
	}
	buf.Write(payloadBytes)
	return buf.Bytes(), nil
}

// Sign assigns seq into the preamble, clears the signature, hashes
// preamble+payload, and writes a fresh recoverable signature into the
// preamble. pre should already carry every preamble field except Seq,
// Signature and PayloadLen.
func Sign(pre preamble.Preamble, seq uint32, p payload.Payload, priv *cryptosig.PrivateKey) (*SignedMessage, error) {
	pre.Seq = seq
	m := &SignedMessage{Preamble: pre, Payload: p}

	canon, err := m.canonicalBytes()
	if err != nil {
		return nil, err
	}
	sig, err := cryptosig.Sign(canon, priv)
	if err != nil {
		return nil, err
	}
	copy(m.Preamble.Signature[:], sig)

	payloadBytes, err := payload.Encode(p)
	if err != nil {
		return nil, err
	}
	m.Preamble.PayloadLen = uint32(len(payloadBytes))
	return m, nil
}

// Verify zeroes a copy of the preamble's signature field, reserializes, and
// checks that the stored signature recovers to pub.
func (m *SignedMessage) Verify(pub *cryptosig.PublicKey) error {
	canon, err := m.canonicalBytes()
	if err != nil {
		return ErrInvalidMessage
	}
	if !cryptosig.Verify(canon, m.Preamble.Signature[:], pub) {
		return ErrInvalidMessage
	}
	return nil
}

// Bytes serializes the full wire frame: preamble followed by the encoded
// payload.
func (m *SignedMessage) Bytes() ([]byte, error) {
	payloadBytes, err := payload.Encode(m.Payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := wirecodec.NewWriter(&buf)
	m.Preamble.Encode(w)
	if w.Err != nil {
		return nil, w.Err
	}
	buf.Write(payloadBytes)
	return buf.Bytes(), nil
}

// DecodeFrame attempts to decode one complete SignedMessage from the front
// of buf. It returns consumed == 0 with a nil error when buf does not yet
// hold a complete frame (the caller should wait for more bytes); the
// preamble's payload_len is checked against inboxLimit before any payload
// bytes are required, so an oversized frame is rejected without having to
// buffer it in full.
func DecodeFrame(buf []byte, inboxLimit uint32) (*SignedMessage, int, error) {
	if len(buf) < preamble.Size {
		return nil, 0, nil
	}

	r := wirecodec.NewReader(bytes.NewReader(buf[:preamble.Size]))
	var pre preamble.Preamble
	pre.Decode(r)
	if r.Err != nil {
		return nil, 0, r.Err
	}

	if err := preamble.CheckPayloadLen(pre.PayloadLen, inboxLimit); err != nil {
		return nil, 0, err
	}

	total := preamble.Size + int(pre.PayloadLen)
	if len(buf) < total {
		return nil, 0, nil
	}

	p, err := payload.Decode(buf[preamble.Size:total])
	if err != nil {
		return nil, 0, err
	}
	return &SignedMessage{Preamble: pre, Payload: p}, total, nil
}
