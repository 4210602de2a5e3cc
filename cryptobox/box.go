// box.go - ActiveProxy per-connection AEAD envelope.
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

package cryptobox

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/katzenpost/core/crypto/rand"
	"golang.org/x/crypto/nacl/box"
)

// ErrDecryptFailed is returned whenever Poly1305 authentication of an
// incoming envelope fails, or the envelope is too short to contain one.
var ErrDecryptFailed = errors.New("cryptobox: decryption failed")

// Box is an X25519+XSalsa20+Poly1305 AEAD context shared between this
// connection and one peer. Outgoing nonces are a monotonic counter seeded
// with a random starting value once at construction and incremented for
// each outgoing message.
type Box struct {
	shared   [32]byte
	nonceCtr uint64
	nonceHi  [16]byte // random high-order bytes mixed into every nonce
}

// NewBox precomputes the shared secret from a local X25519 private key and
// a peer's X25519 public key, and seeds the nonce counter from rng.
func NewBox(rng io.Reader, peerPublic, localPrivate *[32]byte) (*Box, error) {
	b := &Box{}
	box.Precompute(&b.shared, peerPublic, localPrivate)
	if _, err := io.ReadFull(rng, b.nonceHi[:]); err != nil {
		return nil, err
	}
	ctrSeed := make([]byte, 8)
	if _, err := io.ReadFull(rng, ctrSeed); err != nil {
		return nil, err
	}
	b.nonceCtr = binary.BigEndian.Uint64(ctrSeed)
	return b, nil
}

// nextNonce returns the next monotonic nonce for an outgoing message.
func (b *Box) nextNonce() [24]byte {
	var nonce [24]byte
	copy(nonce[0:16], b.nonceHi[:])
	binary.BigEndian.PutUint64(nonce[16:24], b.nonceCtr)
	b.nonceCtr++
	return nonce
}

// Seal encrypts plaintext, returning nonce|ciphertext|MAC.
func (b *Box) Seal(plaintext []byte) []byte {
	nonce := b.nextNonce()
	out := make([]byte, 24, 24+len(plaintext)+16)
	copy(out, nonce[:])
	return box.SealAfterPrecomputation(out, plaintext, &nonce, &b.shared)
}

// Open authenticates and decrypts a nonce|ciphertext|MAC envelope. If
// plaintextLen is non-negative, only the first
// 24+plaintextLen+16 bytes of sealed are considered — any trailing bytes
// are padding appended by the frame encoder and are ignored; for
// fixed-shape payloads the plaintext size is known from the packet layout.
// Pass plaintextLen -1 for variable-length payloads (DATA), where sealed
// is consumed in full.
func (b *Box) Open(sealed []byte, plaintextLen int) ([]byte, error) {
	const overhead = 24 + 16
	if len(sealed) < overhead {
		return nil, ErrDecryptFailed
	}
	if plaintextLen >= 0 {
		want := overhead + plaintextLen
		if len(sealed) < want {
			return nil, ErrDecryptFailed
		}
		sealed = sealed[:want]
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	out := make([]byte, 0, len(sealed)-overhead)
	plaintext, ok := box.OpenAfterPrecomputation(out, sealed[24:], &nonce, &b.shared)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// RandReader is the crypto-grade randomness source callers pass as the rng
// argument of GenerateSigningKeyPair and NewBox; neither function falls
// back to it on its own.
var RandReader = rand.Reader
