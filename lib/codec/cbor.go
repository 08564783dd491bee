// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical data always
// produces identical bytes. Parent bindings, fact IDs, and signature
// messages all depend on this property.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Types implementing encoding.TextMarshaler (ident.ID,
	// ident.Hash32) serialize as CBOR text strings via MarshalText.
	// Without this, array-backed identifier types would serialize as
	// CBOR integer arrays, bloating every fact and diverging from the
	// CLI's JSON representation.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Aura never uses non-string map keys. When the decoder's
		// target is any (e.g., leaf metadata values), it must pick a
		// concrete Go map type; map[string]any matches encoding/json
		// and everything downstream that inspects decoded values.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Mirror of the TextMarshaler setting above for round-trip
		// correctness of identifier types.
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding. This is
// the canonical encoding: the bytes returned here are what gets
// hashed, signed, and content-addressed.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value. Used to delay decoding of
// fact payloads whose concrete type depends on the fact kind.
type RawMessage = cbor.RawMessage

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for the
// entire contents of data. "aura journal dump" uses it to render raw
// journal log frames.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
