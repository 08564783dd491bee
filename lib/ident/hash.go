// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash32 is a 32-byte BLAKE3 digest. Tree commitments, content
// addresses, consensus identifiers, and policy hashes are all this
// size.
type Hash32 [32]byte

// ZeroHash is the all-zero digest. It is the parent commitment of a
// genesis operation (the commitment of the empty tree state is never
// zero, so the two cannot be confused).
var ZeroHash Hash32

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same input bytes produce different digests in
// different contexts. The byte values are the ASCII encoding of the
// domain name, zero-padded to 32 bytes — readable in hex dumps without
// sacrificing any cryptographic property.
type domainKey [32]byte

// Fixed domain keys. Changing any of these invalidates every digest in
// that domain.
var (
	treeDomainKey = domainKey{
		'a', 'u', 'r', 'a', '.', 't', 'r', 'e', 'e', '.',
		'c', 'o', 'm', 'm', 'i', 't', 'm', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	opDomainKey = domainKey{
		'a', 'u', 'r', 'a', '.', 't', 'r', 'e', 'e', '.',
		'o', 'p', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	policyDomainKey = domainKey{
		'a', 'u', 'r', 'a', '.', 't', 'r', 'e', 'e', '.',
		'p', 'o', 'l', 'i', 'c', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	factDomainKey = domainKey{
		'a', 'u', 'r', 'a', '.', 'j', 'o', 'u', 'r', 'n', 'a', 'l', '.',
		'f', 'a', 'c', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	journalDomainKey = domainKey{
		'a', 'u', 'r', 'a', '.', 'j', 'o', 'u', 'r', 'n', 'a', 'l', '.',
		's', 'e', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	consensusDomainKey = domainKey{
		'a', 'u', 'r', 'a', '.', 'c', 'o', 'n', 's', 'e', 'n', 's', 'u', 's', '.',
		'i', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	relationshipDomainKey = domainKey{
		'a', 'u', 'r', 'a', '.', 'r', 'e', 'l', 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	chunkDomainKey = domainKey{
		'a', 'u', 'r', 'a', '.', 's', 't', 'o', 'r', 'a', 'g', 'e', '.',
		'c', 'h', 'u', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	keyHintDomainKey = domainKey{
		'a', 'u', 'r', 'a', '.', 'e', 'n', 'v', 'e', 'l', 'o', 'p', 'e', '.',
		'h', 'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashTree computes the tree-commitment-domain digest. Input is the
// canonical encoding of (epoch, sorted leaves, policy hash).
func HashTree(data []byte) Hash32 { return keyedHash(treeDomainKey, data) }

// HashOp computes the op-domain digest of a canonically encoded
// TreeOp. Reduction tie-breaks between sibling operations by comparing
// these digests lexicographically.
func HashOp(opBytes []byte) Hash32 { return keyedHash(opDomainKey, opBytes) }

// HashPolicy computes the policy-domain digest of a canonically
// encoded policy. Parent bindings carry this digest so an operation
// signed under one policy cannot be replayed under another.
func HashPolicy(policyBytes []byte) Hash32 { return keyedHash(policyDomainKey, policyBytes) }

// HashFact computes the fact-domain digest of a canonically encoded
// fact content. The first 16 bytes are the FactID.
func HashFact(content []byte) Hash32 { return keyedHash(factDomainKey, content) }

// HashJournal computes the journal-set-domain digest. Input is the
// concatenation of sorted fact IDs; the result is the journal's set
// commitment.
func HashJournal(sortedIDs []byte) Hash32 { return keyedHash(journalDomainKey, sortedIDs) }

// HashConsensus computes a ConsensusID digest from prestate hash and
// canonical op bytes.
func HashConsensus(prestate Hash32, opBytes []byte) Hash32 {
	joined := make([]byte, 0, len(prestate)+len(opBytes))
	joined = append(joined, prestate[:]...)
	joined = append(joined, opBytes...)
	return keyedHash(consensusDomainKey, joined)
}

// HashRelationship computes the relationship-domain digest used to
// derive RelationshipIDs.
func HashRelationship(data []byte) Hash32 { return keyedHash(relationshipDomainKey, data) }

// HashChunk computes the chunk-domain digest of chunk ciphertext. This
// is the chunk's content address; it is always computed on ciphertext
// so peers can verify integrity without the decryption key.
func HashChunk(ciphertext []byte) Hash32 { return keyedHash(chunkDomainKey, ciphertext) }

// HashKeyHint computes the hint-domain digest of a relationship key.
// The first 4 bytes are the advisory envelope key hint.
func HashKeyHint(key []byte) Hash32 { return keyedHash(keyHintDomainKey, key) }

// FactIDFromContent derives a FactID from canonically encoded fact
// content: the first 16 bytes of the fact-domain digest. Facts are
// content-addressed; two facts with identical canonical content are
// the same fact.
func FactIDFromContent(content []byte) ID {
	digest := HashFact(content)
	var id ID
	copy(id[:], digest[:16])
	return id
}

// IsZero reports whether the digest is all zeros.
func (h Hash32) IsZero() bool { return h == ZeroHash }

// String returns the 64-character lowercase hex form.
func (h Hash32) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for logs.
func (h Hash32) Short() string { return hex.EncodeToString(h[:4]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash32) MarshalText() ([]byte, error) {
	text := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(text, h[:])
	return text, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash32) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(h) {
		return fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(h))
	}
	copy(h[:], decoded)
	return nil
}

// Less reports whether h orders before other lexicographically.
func (h Hash32) Less(other Hash32) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// keyedHash computes a BLAKE3 keyed hash with the given domain key.
func keyedHash(key domainKey, data []byte) Hash32 {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on wrong key length, which domainKey
		// makes impossible.
		panic("ident: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Hash32
	copy(digest[:], hasher.Sum(nil))
	return digest
}
