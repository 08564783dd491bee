// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package relkey

import (
	"crypto/sha256"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/aura-foundation/aura/lib/ident"
)

// KeySize is the size of each derived symmetric key.
const KeySize = 32

// Keys is the derived relationship key triple. The record is what
// gets HPKE-sealed per device; it never crosses the wire in the
// clear.
type Keys struct {
	Relationship ident.RelationshipID `json:"relationship"`
	Version      uint32               `json:"version"`
	Box          []byte               `json:"box"`
	Tag          []byte               `json:"tag"`
	PSK          []byte               `json:"psk"`
}

// PairwiseSecret runs the X25519 exchange between our static private
// key and the peer device's static public key.
func PairwiseSecret(ourPrivate, theirPublic []byte) ([]byte, error) {
	shared, err := curve25519.X25519(ourPrivate, theirPublic)
	if err != nil {
		return nil, fmt.Errorf("pairwise exchange: %w", err)
	}
	return shared, nil
}

// Derive expands the pairwise secret into the versioned key triple.
// The info string carries the version and a per-key tag, so the three
// keys are independent and a version bump changes all of them.
func Derive(secret []byte, relationship ident.RelationshipID, version uint32) (*Keys, error) {
	keys := &Keys{
		Relationship: relationship,
		Version:      version,
	}
	for _, slot := range []struct {
		tag string
		out *[]byte
	}{
		{"box", &keys.Box},
		{"tag", &keys.Tag},
		{"psk", &keys.PSK},
	} {
		info := fmt.Sprintf("aura-rel-v%d/%s", version, slot.tag)
		key := make([]byte, KeySize)
		r := hkdf.New(sha256.New, secret, relationship[:], []byte(info))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("deriving %s key: %w", slot.tag, err)
		}
		*slot.out = key
	}
	return keys, nil
}

// Hint returns the 4-byte advisory key hint envelopes carry: a prefix
// of the hint-domain hash of K_box.
func (k *Keys) Hint() [4]byte {
	digest := ident.HashKeyHint(k.Box)
	var hint [4]byte
	copy(hint[:], digest[:4])
	return hint
}

// Validate checks the record shape after unsealing.
func (k *Keys) Validate() error {
	if k.Relationship.IsZero() {
		return fmt.Errorf("relationship keys with zero relationship id")
	}
	for _, key := range [][]byte{k.Box, k.Tag, k.PSK} {
		if len(key) != KeySize {
			return fmt.Errorf("relationship key is %d bytes, want %d", len(key), KeySize)
		}
	}
	return nil
}

// LinkDevice picks the device that runs a relationship-establishment
// ceremony: the lexicographically smallest online device ID.
func LinkDevice(online []ident.DeviceID) (ident.DeviceID, bool) {
	if len(online) == 0 {
		return ident.Zero, false
	}
	return slices.MinFunc(online, func(a, b ident.DeviceID) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	}), true
}
