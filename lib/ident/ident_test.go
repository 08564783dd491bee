// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestRelationshipCommutative(t *testing.T) {
	a, err := NewID(rand.Reader)
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	b, err := NewID(rand.Reader)
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}

	ab := Relationship(a, b)
	ba := Relationship(b, a)
	if ab != ba {
		t.Errorf("Relationship not commutative: %s != %s", ab, ba)
	}
	if ab.IsZero() {
		t.Error("Relationship produced the zero identifier")
	}
}

func TestRelationshipDistinctPairs(t *testing.T) {
	a, _ := NewID(rand.Reader)
	b, _ := NewID(rand.Reader)
	c, _ := NewID(rand.Reader)

	if Relationship(a, b) == Relationship(a, c) {
		t.Error("different pairs derived the same RelationshipID")
	}
}

func TestHashDomainSeparation(t *testing.T) {
	data := []byte("same input bytes")

	digests := []Hash32{
		HashTree(data),
		HashOp(data),
		HashFact(data),
		HashJournal(data),
		HashRelationship(data),
		HashChunk(data),
		HashKeyHint(data),
	}

	for i := range digests {
		for j := i + 1; j < len(digests); j++ {
			if digests[i] == digests[j] {
				t.Errorf("domains %d and %d produced identical digests for the same input", i, j)
			}
		}
	}
}

func TestHashDeterministic(t *testing.T) {
	data := []byte("commitment input")
	if HashTree(data) != HashTree(data) {
		t.Error("HashTree is not deterministic")
	}
}

func TestFactIDFromContent(t *testing.T) {
	content := []byte("fact content")
	id := FactIDFromContent(content)
	digest := HashFact(content)

	if !bytes.Equal(id[:], digest[:16]) {
		t.Errorf("FactID %s is not the digest prefix %x", id, digest[:16])
	}
	if FactIDFromContent(content) != id {
		t.Error("FactIDFromContent is not deterministic")
	}
}

func TestIDTextRoundtrip(t *testing.T) {
	id, err := NewID(rand.Reader)
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}

	text, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	parsed, err := ParseID(string(text))
	if err != nil {
		t.Fatalf("ParseID: %v", err)
	}
	if parsed != id {
		t.Errorf("roundtrip mismatch: got %s, want %s", parsed, id)
	}
}

func TestIDLess(t *testing.T) {
	lo := ID{0x00, 0x01}
	hi := ID{0x00, 0x02}

	if !lo.Less(hi) {
		t.Error("lo.Less(hi) = false, want true")
	}
	if hi.Less(lo) {
		t.Error("hi.Less(lo) = true, want false")
	}
	if lo.Less(lo) {
		t.Error("lo.Less(lo) = true, want false")
	}
}

func TestConsensusIDBinding(t *testing.T) {
	prestate := HashTree([]byte("state"))
	opA := []byte("op a")
	opB := []byte("op b")

	if HashConsensus(prestate, opA) == HashConsensus(prestate, opB) {
		t.Error("different ops produced the same ConsensusID")
	}
	other := HashTree([]byte("other state"))
	if HashConsensus(prestate, opA) == HashConsensus(other, opA) {
		t.Error("different prestates produced the same ConsensusID")
	}
}
