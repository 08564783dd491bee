// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

// wireRecord is a representative internal wire message using cbor
// struct tags (the convention for purely-internal types).
type wireRecord struct {
	Kind     string `cbor:"kind"`
	Epoch    uint64 `cbor:"epoch"`
	Payload  []byte `cbor:"payload,omitempty"`
	Sequence uint64 `cbor:"sequence"`
}

// dualRecord uses json struct tags (the convention for types the CLI
// also prints, relying on fxamacker's json-tag fallback).
type dualRecord struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := wireRecord{
		Kind:     "attested_op",
		Epoch:    7,
		Payload:  []byte{0x01, 0x02, 0x03},
		Sequence: 42,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded wireRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Kind != original.Kind || decoded.Epoch != original.Epoch ||
		!bytes.Equal(decoded.Payload, original.Payload) || decoded.Sequence != original.Sequence {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	record := wireRecord{Kind: "snapshot", Epoch: 3, Sequence: 12}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(record)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestMapKeyOrderIndependence(t *testing.T) {
	// Two maps with the same entries inserted in different orders must
	// encode to identical bytes — this is what makes map-valued leaf
	// metadata safe to include in signed operations.
	a := map[string]int{"x": 1, "y": 2, "z": 3}
	b := map[string]int{"z": 3, "x": 1, "y": 2}

	dataA, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal a: %v", err)
	}
	dataB, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal b: %v", err)
	}

	if !bytes.Equal(dataA, dataB) {
		t.Errorf("map insertion order leaked into encoding: %x != %x", dataA, dataB)
	}
}

func TestJSONTagFallback(t *testing.T) {
	original := dualRecord{Version: 2, Name: "alpha"}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded dualRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestStreamRoundtrip(t *testing.T) {
	records := []wireRecord{
		{Kind: "attested_op", Epoch: 1, Sequence: 1},
		{Kind: "relational", Epoch: 1, Sequence: 2},
		{Kind: "snapshot", Epoch: 2, Sequence: 3},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range records {
		var got wireRecord
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode record %d: %v", i, err)
		}
		if got.Kind != want.Kind || got.Sequence != want.Sequence {
			t.Errorf("record %d mismatch: got %+v, want %+v", i, got, want)
		}
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// Forward compatibility: a newer peer may send records with fields
	// this version does not know about.
	extended := struct {
		Kind  string `cbor:"kind"`
		Epoch uint64 `cbor:"epoch"`
		Extra string `cbor:"extra"`
	}{Kind: "attested_op", Epoch: 9, Extra: "future field"}

	data, err := Marshal(extended)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded wireRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.Kind != "attested_op" || decoded.Epoch != 9 {
		t.Errorf("known fields lost: %+v", decoded)
	}
}
