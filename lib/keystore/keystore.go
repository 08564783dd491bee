// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore persists a device's long-lived key material.
//
// Each device keeps one keystore directory. An age x25519 identity,
// created at init, lives in a mode-0600 file; the key bundle itself
// (signing key, static X25519 key, HPKE wrap key, threshold shares)
// is age-encrypted to that identity at rest. Decrypted material is
// handed out in mmap-backed secret buffers that never touch swap and
// are zeroed on close.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/secret"
)

const (
	identityFile = "identity.key"
	bundleFile   = "device.keys.age"
)

// ErrNotInitialized is returned by Open on a directory that has no
// keystore.
var ErrNotInitialized = errors.New("keystore not initialized")

// StoredShare is one threshold share held by this device, tagged with
// the group key it belongs to.
type StoredShare struct {
	GroupKey  []byte `json:"group_key"`
	Index     uint32 `json:"index"`
	Secret    []byte `json:"secret"`
	Threshold int    `json:"threshold"`
}

// Bundle is the decrypted key material. All byte fields are copies
// into the Go heap for the duration of use; call Zero when done.
type Bundle struct {
	Device ident.DeviceID `json:"device"`
	// SignPrivate is the device's Ed25519 private key (64 bytes).
	SignPrivate []byte `json:"sign_private"`
	// StaticPrivate is the X25519 key for pairwise secrets (32 bytes).
	StaticPrivate []byte `json:"static_private"`
	// WrapPrivate is the HPKE private key relationship key records are
	// sealed to.
	WrapPrivate []byte `json:"wrap_private"`
	// Shares holds the device's threshold shares, one per group key it
	// participates in.
	Shares []StoredShare `json:"shares,omitempty"`
}

// Zero wipes the bundle's secret fields.
func (b *Bundle) Zero() {
	secret.Zero(b.SignPrivate)
	secret.Zero(b.StaticPrivate)
	secret.Zero(b.WrapPrivate)
	for i := range b.Shares {
		secret.Zero(b.Shares[i].Secret)
	}
}

// ShareFor returns the stored share for the given group key.
func (b *Bundle) ShareFor(groupKey []byte) (StoredShare, bool) {
	for _, s := range b.Shares {
		if bytes.Equal(s.GroupKey, groupKey) {
			return s, true
		}
	}
	return StoredShare{}, false
}

// Keystore is an open keystore directory.
type Keystore struct {
	dir      string
	identity *secret.Buffer
}

// Init creates a keystore in dir and writes the encrypted bundle. The
// directory must not already hold a keystore.
func Init(dir string, bundle *Bundle) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, identityFile)); err == nil {
		return nil, fmt.Errorf("keystore already initialized in %s", dir)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating keystore identity: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, identityFile), []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing keystore identity: %w", err)
	}

	ks, err := Open(dir)
	if err != nil {
		return nil, err
	}
	if err := ks.Save(bundle); err != nil {
		ks.Close()
		return nil, err
	}
	return ks, nil
}

// Open loads the keystore identity from dir.
func Open(dir string) (*Keystore, error) {
	identity, err := secret.ReadFromPath(filepath.Join(dir, identityFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNotInitialized, dir)
		}
		return nil, fmt.Errorf("reading keystore identity: %w", err)
	}
	return &Keystore{dir: dir, identity: identity}, nil
}

// Close releases the identity buffer.
func (k *Keystore) Close() error {
	if k.identity != nil {
		return k.identity.Close()
	}
	return nil
}

func (k *Keystore) parseIdentity() (*age.X25519Identity, error) {
	raw := bytes.TrimSpace(k.identity.Bytes())
	id, err := age.ParseX25519Identity(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing keystore identity: %w", err)
	}
	return id, nil
}

// Save encrypts and writes the bundle, replacing any previous one.
// The write goes through a temp file and rename, so a crash leaves
// the old bundle intact.
func (k *Keystore) Save(bundle *Bundle) error {
	id, err := k.parseIdentity()
	if err != nil {
		return err
	}
	plaintext, err := codec.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encoding key bundle: %w", err)
	}
	defer secret.Zero(plaintext)

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, id.Recipient())
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("encrypting key bundle: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	tmp, err := os.CreateTemp(k.dir, bundleFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating bundle temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(sealed.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(k.dir, bundleFile))
}

// Load decrypts and decodes the bundle. The caller owns the result
// and should call Bundle.Zero when done with it.
func (k *Keystore) Load() (*Bundle, error) {
	id, err := k.parseIdentity()
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(filepath.Join(k.dir, bundleFile))
	if err != nil {
		return nil, fmt.Errorf("reading key bundle: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), id)
	if err != nil {
		return nil, fmt.Errorf("decrypting key bundle: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted bundle: %w", err)
	}
	defer secret.Zero(plaintext)

	var bundle Bundle
	if err := codec.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("decoding key bundle: %w", err)
	}
	return &bundle, nil
}
