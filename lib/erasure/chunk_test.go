// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package erasure

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestSealOpenChunkRoundtrip(t *testing.T) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generating secret: %v", err)
	}
	plaintext := []byte("the first chunk of a backed-up journal")

	sealed, err := SealChunk(rand.Reader, secret, 0, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed chunk contains the plaintext")
	}

	got, err := OpenChunk(secret, 0, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("opened %q, want %q", got, plaintext)
	}
}

// The per-chunk key binds the index: a chunk sealed at index 3 must
// not open at index 4, or a peer could silently reorder a stream.
func TestChunkKeyBindsIndex(t *testing.T) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generating secret: %v", err)
	}

	sealed, err := SealChunk(rand.Reader, secret, 3, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := OpenChunk(secret, 4, sealed); !errors.Is(err, ErrCannotOpenChunk) {
		t.Fatalf("open at wrong index = %v, want ErrCannotOpenChunk", err)
	}
	if _, err := OpenChunk(secret, 3, sealed); err != nil {
		t.Fatalf("open at right index: %v", err)
	}
}

func TestChunkKeysDiffer(t *testing.T) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generating secret: %v", err)
	}
	a, err := ChunkKey(secret, 0)
	if err != nil {
		t.Fatalf("key 0: %v", err)
	}
	b, err := ChunkKey(secret, 1)
	if err != nil {
		t.Fatalf("key 1: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("adjacent chunk keys are equal")
	}
}

func TestSealedChunkTamperDetected(t *testing.T) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generating secret: %v", err)
	}
	sealed, err := SealChunk(rand.Reader, secret, 0, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := OpenChunk(secret, 0, sealed); !errors.Is(err, ErrCannotOpenChunk) {
		t.Fatalf("open tampered chunk = %v, want ErrCannotOpenChunk", err)
	}
}

// A sealed chunk shards and reconstructs like any other chunk, and
// the address is over the ciphertext.
func TestSealedChunkShards(t *testing.T) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generating secret: %v", err)
	}
	plaintext := make([]byte, 4096)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("generating plaintext: %v", err)
	}
	sealed, err := SealChunk(rand.Reader, secret, 7, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	address := ChunkAddress(sealed)

	fragments, err := Encode(sealed, 2, 4)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	recovered, err := Reconstruct(fragments[2:])
	if err != nil {
		t.Fatalf("reconstruct from parity: %v", err)
	}
	if ChunkAddress(recovered) != address {
		t.Fatal("reconstructed ciphertext does not match the chunk address")
	}
	got, err := OpenChunk(secret, 7, recovered)
	if err != nil {
		t.Fatalf("open reconstructed chunk: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("decrypted reconstruction is not byte-exact")
	}
}
