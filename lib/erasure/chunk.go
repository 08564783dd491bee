// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package erasure

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/aura-foundation/aura/lib/ident"
)

// Chunks are encrypted before sharding, so fragments held by peers
// reveal nothing about the content. Each chunk gets its own key,
// derived from the owner's storage secret and the chunk index; losing
// one chunk key exposes one chunk.

// ErrCannotOpenChunk is the only decryption failure OpenChunk
// reports. Wrong key, wrong index, and tampered ciphertext are
// indistinguishable to the caller.
var ErrCannotOpenChunk = errors.New("cannot open chunk")

// ChunkKey derives the per-chunk encryption key from the storage
// secret and the chunk's position in the stream.
func ChunkKey(secret []byte, index uint64) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty storage secret")
	}
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], index)
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, salt[:], []byte("aura-storage-chunk-v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving chunk key: %w", err)
	}
	return key, nil
}

// SealChunk encrypts plaintext under the chunk's derived key with
// XChaCha20-Poly1305 and a fresh random nonce. The nonce is prepended
// to the ciphertext so the sealed chunk is self-contained; the result
// is what Encode shards into fragments.
func SealChunk(random io.Reader, secret []byte, index uint64, plaintext []byte) ([]byte, error) {
	key, err := ChunkKey(secret, index)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("building chunk cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("generating chunk nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenChunk decrypts a sealed chunk produced by SealChunk.
func OpenChunk(secret []byte, index uint64, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrCannotOpenChunk
	}
	key, err := ChunkKey(secret, index)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("building chunk cipher: %w", err)
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrCannotOpenChunk
	}
	return plaintext, nil
}

// ChunkAddress is the content address fragments reference: the
// chunk-domain digest of the sealed bytes, never the plaintext.
func ChunkAddress(sealed []byte) ident.Hash32 {
	return ident.HashChunk(sealed)
}
