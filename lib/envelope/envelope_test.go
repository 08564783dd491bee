// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/relkey"
)

func testKeys(t *testing.T) *relkey.Keys {
	t.Helper()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generating secret: %v", err)
	}
	a, err := ident.NewID(rand.Reader)
	if err != nil {
		t.Fatalf("generating account id: %v", err)
	}
	b, err := ident.NewID(rand.Reader)
	if err != nil {
		t.Fatalf("generating account id: %v", err)
	}
	keys, err := relkey.Derive(secret, ident.Relationship(a, b), 1)
	if err != nil {
		t.Fatalf("deriving keys: %v", err)
	}
	return keys
}

func TestRoundtrip(t *testing.T) {
	keys := testKeys(t)
	sizes := []int{0, 1, 17, 495, 496, 512, 1000, 4096, 16 << 10}
	for _, size := range sizes {
		plaintext := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("generating plaintext: %v", err)
		}
		env, err := Seal(rand.Reader, keys, plaintext)
		if err != nil {
			t.Fatalf("seal %d bytes: %v", size, err)
		}
		opened, used, err := Open(env, []*relkey.Keys{keys})
		if err != nil {
			t.Fatalf("open %d bytes: %v", size, err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Errorf("roundtrip of %d bytes changed the plaintext", size)
		}
		if used != keys {
			t.Errorf("open reported the wrong key for %d bytes", size)
		}
	}
}

func TestPaddingHidesLength(t *testing.T) {
	keys := testKeys(t)

	// Everything that fits under the minimum target produces the same
	// wire size.
	small, err := Seal(rand.Reader, keys, []byte("hi"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	larger, err := Seal(rand.Reader, keys, make([]byte, 400))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(small.Ciphertext) != len(larger.Ciphertext) {
		t.Errorf("ciphertext sizes %d and %d differ under the same target",
			len(small.Ciphertext), len(larger.Ciphertext))
	}
	if len(small.Ciphertext) != MinPaddedSize {
		t.Errorf("minimum envelope body is %d bytes, want %d", len(small.Ciphertext), MinPaddedSize)
	}
}

func TestPaddedSizeTargets(t *testing.T) {
	overhead := 1 + chacha20poly1305.Overhead
	cases := []struct {
		plainLen, want int
	}{
		{0, MinPaddedSize},
		{MinPaddedSize - overhead, MinPaddedSize},
		// One byte past a boundary, the power-of-two step would need
		// more than 255 bytes of padding, so the cap bounds it.
		{MinPaddedSize - overhead + 1, MinPaddedSize + 1 + 255},
		{1024 - overhead, 1024},
		{5000, 5000 + overhead + 255},
	}
	for _, c := range cases {
		if got := paddedSize(c.plainLen); got != c.want {
			t.Errorf("paddedSize(%d) = %d, want %d", c.plainLen, got, c.want)
		}
	}
}

func TestHintSelectsKey(t *testing.T) {
	sender := testKeys(t)
	var decoys []*relkey.Keys
	for range 3 {
		decoys = append(decoys, testKeys(t))
	}

	env, err := Seal(rand.Reader, sender, []byte("hinted"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	hint := sender.Hint()
	if !bytes.Equal(env.KeyHint, hint[:]) {
		t.Fatal("envelope does not carry the sender key hint")
	}

	candidates := append(decoys, sender)
	plaintext, used, err := Open(env, candidates)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plaintext) != "hinted" || used != sender {
		t.Error("open did not recover the hinted key's plaintext")
	}
}

func TestOpenWithoutHintFallsBackToTrial(t *testing.T) {
	sender := testKeys(t)
	env, err := Seal(rand.Reader, sender, []byte("unhinted"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.KeyHint = nil

	plaintext, _, err := Open(env, []*relkey.Keys{testKeys(t), sender})
	if err != nil {
		t.Fatalf("open without hint: %v", err)
	}
	if string(plaintext) != "unhinted" {
		t.Error("trial decryption recovered the wrong plaintext")
	}
}

func TestOpenFailureIndistinguishable(t *testing.T) {
	sender := testKeys(t)
	env, err := Seal(rand.Reader, sender, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// No matching key.
	if _, _, err := Open(env, []*relkey.Keys{testKeys(t)}); !errors.Is(err, ErrCannotOpen) {
		t.Errorf("wrong-key open: err=%v, want ErrCannotOpen", err)
	}

	// Tampered ciphertext with the right key.
	env.Ciphertext[10] ^= 0x01
	if _, _, err := Open(env, []*relkey.Keys{sender}); !errors.Is(err, ErrCannotOpen) {
		t.Errorf("tampered open: err=%v, want ErrCannotOpen", err)
	}
}

func TestMisleadingHintStillOpens(t *testing.T) {
	sender := testKeys(t)
	env, err := Seal(rand.Reader, sender, []byte("mislabeled"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	// A hint that matches a decoy key. The hinted attempt fails and
	// the trial pass still finds the real key.
	decoy := testKeys(t)
	hint := decoy.Hint()
	env.KeyHint = hint[:]

	plaintext, used, err := Open(env, []*relkey.Keys{decoy, sender})
	if err != nil {
		t.Fatalf("open with misleading hint: %v", err)
	}
	if string(plaintext) != "mislabeled" || used != sender {
		t.Error("misleading hint defeated trial decryption")
	}
}
