// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope wraps rendezvous traffic in padded, authenticated
// encryption under a relationship's K_box.
//
// Plaintexts are padded to the next power of two of at least 512
// bytes (measured on the wire, including the cipher's 16-byte tag) so
// envelope sizes reveal only coarse magnitude. A 4-byte key hint
// derived from K_box lets the receiver pick the right relationship
// without trial decryption; the hint is advisory, and a wrong or
// missing hint only costs extra decryption attempts. Open never
// distinguishes "no key matched" from "ciphertext tampered".
package envelope

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/aura-foundation/aura/lib/relkey"
)

// MinPaddedSize is the smallest wire size of a sealed envelope body.
const MinPaddedSize = 512

// maxPadLen caps the trailing padding; a single length byte must be
// able to describe it.
const maxPadLen = 255

// ErrCannotOpen is the only decryption failure Open reports. Key
// mismatch and ciphertext tampering are deliberately
// indistinguishable.
var ErrCannotOpen = errors.New("cannot open envelope")

// Envelope is the transmitted wrapper.
type Envelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	// KeyHint is the optional 4-byte prefix of the hint-domain hash of
	// the sealing K_box.
	KeyHint []byte `json:"key_hint,omitempty"`
}

// paddedSize returns the wire target for a plaintext of the given
// length: the next power of two of at least MinPaddedSize, counting
// the length byte and the AEAD overhead, with the padding capped so
// the length byte can describe it.
func paddedSize(plainLen int) int {
	need := plainLen + 1 + chacha20poly1305.Overhead
	target := MinPaddedSize
	for target < need {
		target <<= 1
	}
	if pad := target - need; pad > maxPadLen {
		return need + maxPadLen
	}
	return target
}

// pad appends random padding and the trailing padding-length byte.
func pad(random io.Reader, plaintext []byte) ([]byte, error) {
	padLen := paddedSize(len(plaintext)) - len(plaintext) - 1 - chacha20poly1305.Overhead
	padded := make([]byte, len(plaintext)+padLen+1)
	copy(padded, plaintext)
	if _, err := io.ReadFull(random, padded[len(plaintext):len(plaintext)+padLen]); err != nil {
		return nil, fmt.Errorf("generating padding: %w", err)
	}
	padded[len(padded)-1] = byte(padLen)
	return padded, nil
}

// unpad strips the trailing length byte and the padding it describes.
func unpad(padded []byte) ([]byte, error) {
	if len(padded) == 0 {
		return nil, ErrCannotOpen
	}
	padLen := int(padded[len(padded)-1])
	if padLen+1 > len(padded) {
		return nil, ErrCannotOpen
	}
	return padded[:len(padded)-1-padLen], nil
}

func boxCipher(keys *relkey.Keys) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.New(keys.Box)
	if err != nil {
		return nil, fmt.Errorf("envelope cipher: %w", err)
	}
	return aead, nil
}

// Seal pads and encrypts plaintext under the relationship's K_box,
// attaching the key hint.
func Seal(random io.Reader, keys *relkey.Keys, plaintext []byte) (*Envelope, error) {
	aead, err := boxCipher(keys)
	if err != nil {
		return nil, err
	}
	padded, err := pad(random, plaintext)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	hint := keys.Hint()
	return &Envelope{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, padded, nil),
		KeyHint:    hint[:],
	}, nil
}

// tryOpen attempts decryption with one key triple.
func tryOpen(env *Envelope, keys *relkey.Keys) ([]byte, bool) {
	aead, err := boxCipher(keys)
	if err != nil {
		return nil, false
	}
	if len(env.Nonce) != chacha20poly1305.NonceSize {
		return nil, false
	}
	padded, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, false
	}
	plaintext, err := unpad(padded)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// Open decrypts the envelope against the candidate key triples: the
// hinted key first when the hint matches one, then every remaining
// candidate in order. Returns the plaintext and the key that opened
// it.
func Open(env *Envelope, candidates []*relkey.Keys) ([]byte, *relkey.Keys, error) {
	if len(env.KeyHint) == 4 {
		for _, keys := range candidates {
			hint := keys.Hint()
			if string(hint[:]) != string(env.KeyHint) {
				continue
			}
			if plaintext, ok := tryOpen(env, keys); ok {
				return plaintext, keys, nil
			}
		}
	}
	for _, keys := range candidates {
		if plaintext, ok := tryOpen(env, keys); ok {
			return plaintext, keys, nil
		}
	}
	return nil, nil, ErrCannotOpen
}
