// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Aura's canonical CBOR encoding configuration.
//
// Every byte sequence that is hashed, signed, or content-addressed
// (tree operations, parent bindings, facts, intents, envelope
// payloads) goes through this package. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer encoding,
// no indefinite-length items. Same logical data always produces
// identical bytes, which is what makes commitments, fact IDs, and
// aggregate signatures stable across devices.
//
// Usage:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Identifier and digest types (ident.ID, ident.Hash32) implement
// encoding.TextMarshaler and serialize as CBOR text strings, so the
// same struct tags drive both CBOR wire encoding and the CLI's JSON
// output.
//
// # Struct Tag Rules
//
//   - `cbor` tag: the type is only ever serialized as CBOR (wire
//     messages, journal records, sealed blobs).
//   - `json` tag: the type serves both CBOR and JSON (fxamacker/cbor
//     falls back to `json` tags), used for types the CLI prints.
//
// Never put both tags on the same field.
package codec
