// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package erasure

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/aura-foundation/aura/lib/ident"
)

// Encode 1 MiB with (k=3, n=5), drop any two fragments, and
// reconstruct byte-exactly.
func TestThreeOfFiveRoundtrip(t *testing.T) {
	chunk := make([]byte, 1<<20)
	if _, err := rand.Read(chunk); err != nil {
		t.Fatalf("generating chunk: %v", err)
	}

	fragments, err := Encode(chunk, 3, 5)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(fragments) != 5 {
		t.Fatalf("encoded %d fragments, want 5", len(fragments))
	}

	for drop1 := 0; drop1 < 5; drop1++ {
		for drop2 := drop1 + 1; drop2 < 5; drop2++ {
			var kept []Fragment
			for _, f := range fragments {
				if f.Index == drop1 || f.Index == drop2 {
					continue
				}
				kept = append(kept, f)
			}
			got, err := Reconstruct(kept)
			if err != nil {
				t.Fatalf("reconstruct without %d and %d: %v", drop1, drop2, err)
			}
			if !bytes.Equal(got, chunk) {
				t.Fatalf("reconstruction without %d and %d is not byte-exact", drop1, drop2)
			}
		}
	}
}

func TestDataFragmentsAreChunkSlices(t *testing.T) {
	chunk := make([]byte, 9000)
	if _, err := rand.Read(chunk); err != nil {
		t.Fatalf("generating chunk: %v", err)
	}
	fragments, err := Encode(chunk, 3, 5)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	size := fragments[0].Params.FragmentSize
	joined := make([]byte, 0, 3*size)
	for _, f := range fragments[:3] {
		joined = append(joined, f.Data...)
	}
	if !bytes.Equal(joined[:len(chunk)], chunk) {
		t.Error("data fragments are not contiguous slices of the chunk")
	}
}

func TestBelowKFails(t *testing.T) {
	chunk := make([]byte, 4096)
	if _, err := rand.Read(chunk); err != nil {
		t.Fatalf("generating chunk: %v", err)
	}
	fragments, err := Encode(chunk, 3, 5)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Reconstruct(fragments[:2]); err == nil {
		t.Error("reconstruction from 2 of 3 required fragments succeeded")
	}
}

func TestGeometryMismatchRejected(t *testing.T) {
	chunk := make([]byte, 1024)
	if _, err := rand.Read(chunk); err != nil {
		t.Fatalf("generating chunk: %v", err)
	}
	a, err := Encode(chunk, 2, 4)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(chunk, 3, 5)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Reconstruct([]Fragment{a[0], b[1], b[2]}); err == nil {
		t.Error("mixed-geometry reconstruction succeeded")
	}
}

func TestEncodeValidation(t *testing.T) {
	if _, err := Encode([]byte("x"), 0, 3); err == nil {
		t.Error("k=0 accepted")
	}
	if _, err := Encode([]byte("x"), 4, 3); err == nil {
		t.Error("k>n accepted")
	}
	if _, err := Encode(make([]byte, 512), 2, 256); err == nil {
		t.Error("n=256 accepted")
	}
	if _, err := Encode(nil, 2, 3); err == nil {
		t.Error("empty chunk accepted")
	}
}

// k == n is a plain split: it round-trips with every fragment present
// and fails as soon as one is missing.
func TestZeroParityGeometry(t *testing.T) {
	chunk := make([]byte, 9001)
	if _, err := rand.Read(chunk); err != nil {
		t.Fatalf("generating chunk: %v", err)
	}

	fragments, err := Encode(chunk, 3, 3)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(fragments) != 3 {
		t.Fatalf("encoded %d fragments, want 3", len(fragments))
	}
	got, err := Reconstruct(fragments)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Fatal("zero-parity reconstruction is not byte-exact")
	}

	if _, err := Reconstruct(fragments[1:]); err == nil {
		t.Error("reconstruction with a missing fragment and no parity succeeded")
	}
}

func TestDistributionValidation(t *testing.T) {
	peer := func() ident.DeviceID {
		id, err := ident.NewID(rand.Reader)
		if err != nil {
			t.Fatalf("generating peer id: %v", err)
		}
		return id
	}
	params := Params{K: 3, N: 5, FragmentSize: 64}

	full := Distribution{
		peer(): {0, 1, 2},
		peer(): {2, 3, 4},
	}
	if err := full.Validate(params); err != nil {
		t.Errorf("covering plan rejected: %v", err)
	}

	gappy := Distribution{
		peer(): {0, 1},
		peer(): {3, 4},
	}
	if err := gappy.Validate(params); err == nil {
		t.Error("plan missing fragment 2 accepted")
	}

	wild := Distribution{peer(): {0, 1, 2, 3, 4, 7}}
	if err := wild.Validate(params); err == nil {
		t.Error("plan with out-of-range index accepted")
	}
}
