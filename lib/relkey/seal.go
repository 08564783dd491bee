// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package relkey

import (
	"fmt"
	"io"

	"github.com/cloudflare/circl/hpke"

	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/ident"
)

// HPKE suite for device key wrapping. Fixed for the protocol version;
// a future suite change rides a relationship key version bump.
var (
	hpkeKEM   = hpke.KEM_X25519_HKDF_SHA256
	hpkeSuite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)
)

// wrapInfo binds the HPKE context to its purpose.
const wrapInfo = "aura-relationship-key-wrap"

// SealedKeys is the per-device wrapped key record as published in
// PairwiseKeyEstablished and PairwiseKeyUpdate facts.
type SealedKeys struct {
	Device ident.DeviceID `json:"device"`
	// Enc is the HPKE encapsulated key; Ciphertext the sealed record.
	Enc        []byte `json:"enc"`
	Ciphertext []byte `json:"ciphertext"`
}

// GenerateWrapKeyPair creates a device's HPKE keypair. The public half
// goes into the device's leaf metadata; the private half stays in the
// device keystore.
func GenerateWrapKeyPair() (public, private []byte, err error) {
	pub, priv, err := hpkeKEM.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating wrap keypair: %w", err)
	}
	public, err = pub.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	private, err = priv.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return public, private, nil
}

// SealFor wraps the key record for one device.
func (k *Keys) SealFor(random io.Reader, device ident.DeviceID, wrapPublic []byte) (SealedKeys, error) {
	record, err := codec.Marshal(k)
	if err != nil {
		return SealedKeys{}, fmt.Errorf("encoding key record: %w", err)
	}
	pub, err := hpkeKEM.Scheme().UnmarshalBinaryPublicKey(wrapPublic)
	if err != nil {
		return SealedKeys{}, fmt.Errorf("device %s wrap key: %w", device.Short(), err)
	}
	sender, err := hpkeSuite.NewSender(pub, []byte(wrapInfo))
	if err != nil {
		return SealedKeys{}, fmt.Errorf("hpke sender: %w", err)
	}
	enc, sealer, err := sender.Setup(random)
	if err != nil {
		return SealedKeys{}, fmt.Errorf("hpke setup: %w", err)
	}
	ct, err := sealer.Seal(record, nil)
	if err != nil {
		return SealedKeys{}, fmt.Errorf("sealing key record: %w", err)
	}
	return SealedKeys{Device: device, Enc: enc, Ciphertext: ct}, nil
}

// SealForAll wraps the record for every listed device, in input order.
func (k *Keys) SealForAll(random io.Reader, devices []ident.DeviceID, wrapPublics map[ident.DeviceID][]byte) ([]SealedKeys, error) {
	sealed := make([]SealedKeys, 0, len(devices))
	for _, device := range devices {
		pub, ok := wrapPublics[device]
		if !ok {
			return nil, fmt.Errorf("no wrap key for device %s", device.Short())
		}
		s, err := k.SealFor(random, device, pub)
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, s)
	}
	return sealed, nil
}

// Open unwraps a sealed record with the device's private wrap key.
func Open(sealed SealedKeys, wrapPrivate []byte) (*Keys, error) {
	priv, err := hpkeKEM.Scheme().UnmarshalBinaryPrivateKey(wrapPrivate)
	if err != nil {
		return nil, fmt.Errorf("wrap private key: %w", err)
	}
	receiver, err := hpkeSuite.NewReceiver(priv, []byte(wrapInfo))
	if err != nil {
		return nil, fmt.Errorf("hpke receiver: %w", err)
	}
	opener, err := receiver.Setup(sealed.Enc)
	if err != nil {
		return nil, fmt.Errorf("hpke setup: %w", err)
	}
	record, err := opener.Open(sealed.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening key record: %w", err)
	}
	var keys Keys
	if err := codec.Unmarshal(record, &keys); err != nil {
		return nil, fmt.Errorf("decoding key record: %w", err)
	}
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	return &keys, nil
}

// Rewrap produces the single sealed blob for a newly added device. The
// version is unchanged; existing devices keep their blobs.
func (k *Keys) Rewrap(random io.Reader, device ident.DeviceID, wrapPublic []byte) (SealedKeys, error) {
	return k.SealFor(random, device, wrapPublic)
}

// Rotate derives a fresh key triple at the next version from a new
// pairwise secret and reseals it for every remaining device. Used
// after a device removal or on suspicion of compromise.
func Rotate(random io.Reader, freshSecret []byte, previous *Keys, devices []ident.DeviceID, wrapPublics map[ident.DeviceID][]byte) (*Keys, []SealedKeys, error) {
	next, err := Derive(freshSecret, previous.Relationship, previous.Version+1)
	if err != nil {
		return nil, nil, err
	}
	sealed, err := next.SealForAll(random, devices, wrapPublics)
	if err != nil {
		return nil, nil, err
	}
	return next, sealed, nil
}
