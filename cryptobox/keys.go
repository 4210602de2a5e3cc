// keys.go - ActiveProxy long-term and per-connection session keys.
// Copyright (C) 2019  David Anthony Stainton
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package cryptobox implements the ActiveProxy per-connection AEAD envelope:
// Ed25519 identity keys with a deterministically-derived X25519 encryption
// half, and the bootstrap/post-handshake NaCl boxes built from them.
package cryptobox

import (
	"errors"
	"io"

	"github.com/agl/ed25519"
	"github.com/agl/ed25519/extra25519"
)

// SigningKeyPair is a long-term (or per-session) Ed25519 keypair whose
// public half doubles as the participant's identity.
type SigningKeyPair struct {
	Public  [32]byte
	Private [64]byte
}

// GenerateSigningKeyPair mints a fresh Ed25519 keypair using rng as the
// source of randomness (the caller supplies a crypto-grade reader).
func GenerateSigningKeyPair(rng io.Reader) (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	kp := &SigningKeyPair{}
	copy(kp.Public[:], pub[:])
	copy(kp.Private[:], priv[:])
	return kp, nil
}

// Sign produces a detached Ed25519 signature over message.
func (kp *SigningKeyPair) Sign(message []byte) [64]byte {
	sig := ed25519.Sign((*[64]byte)(&kp.Private), message)
	return *sig
}

// Verify checks a detached Ed25519 signature against a public identity.
func Verify(public *[32]byte, message []byte, sig *[64]byte) bool {
	return ed25519.Verify(public, message, sig)
}

// EncryptionPrivateKey deterministically derives this keypair's X25519
// private half.
func (kp *SigningKeyPair) EncryptionPrivateKey() *[32]byte {
	var curvePriv [32]byte
	extra25519.PrivateKeyToCurve25519(&curvePriv, (*[64]byte)(&kp.Private))
	return &curvePriv
}

// EncryptionPublicKey derives the X25519 public half of an Ed25519 public
// identity. Returns false if the point is not a valid Edwards point (the
// upstream library's own failure mode for malformed keys).
func EncryptionPublicKey(public *[32]byte) (*[32]byte, bool) {
	var curvePub [32]byte
	ok := extra25519.PublicKeyToCurve25519(&curvePub, public)
	return &curvePub, ok
}

// ErrInvalidPeerKey is returned when a peer's advertised Ed25519 public key
// cannot be converted to a valid X25519 point.
var ErrInvalidPeerKey = errors.New("cryptobox: invalid peer public key")
