// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"

	"github.com/aura-foundation/aura/lib/ident"
)

// testKeyring holds signing keys for a set of test devices and
// builds per-device authenticators that look keys up in it.
type testKeyring struct {
	public  map[ident.DeviceID]ed25519.PublicKey
	private map[ident.DeviceID]ed25519.PrivateKey
}

func newTestKeyring(t *testing.T, devices ...ident.DeviceID) *testKeyring {
	t.Helper()
	ring := &testKeyring{
		public:  make(map[ident.DeviceID]ed25519.PublicKey),
		private: make(map[ident.DeviceID]ed25519.PrivateKey),
	}
	for _, device := range devices {
		public, private, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generating key: %v", err)
		}
		ring.public[device] = public
		ring.private[device] = private
	}
	return ring
}

func (r *testKeyring) authenticator(device ident.DeviceID) *KeyringAuthenticator {
	return &KeyringAuthenticator{
		Private: r.private[device],
		PublicKey: func(peer ident.DeviceID) (ed25519.PublicKey, bool) {
			public, ok := r.public[peer]
			return public, ok
		},
	}
}

// runBothSides executes the handshake concurrently on a pipe and
// returns each side's error.
func runBothSides(aliceConn, bobConn net.Conn, aliceAuth, bobAuth PeerAuthenticator, alice, bob ident.DeviceID) (aliceErr, bobErr error) {
	done := make(chan error, 1)
	go func() {
		done <- runPeerAuth(bobConn, bobAuth, bob, alice)
	}()
	aliceErr = runPeerAuth(aliceConn, aliceAuth, alice, bob)
	bobErr = <-done
	return aliceErr, bobErr
}

func TestPeerAuthMutualSuccess(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	ring := newTestKeyring(t, alice, bob)

	aliceConn, bobConn := net.Pipe()
	defer aliceConn.Close()
	defer bobConn.Close()

	aliceErr, bobErr := runBothSides(aliceConn, bobConn,
		ring.authenticator(alice), ring.authenticator(bob), alice, bob)
	if aliceErr != nil {
		t.Fatalf("alice handshake: %v", aliceErr)
	}
	if bobErr != nil {
		t.Fatalf("bob handshake: %v", bobErr)
	}
}

func TestPeerAuthWrongKeyRejected(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	mallory := testDevice(t)
	ring := newTestKeyring(t, alice, bob, mallory)

	aliceConn, bobConn := net.Pipe()
	defer aliceConn.Close()
	defer bobConn.Close()

	// The connection claims to be bob but signs with mallory's key.
	imposter := &KeyringAuthenticator{
		Private:   ring.private[mallory],
		PublicKey: ring.authenticator(mallory).PublicKey,
	}
	aliceErr, _ := runBothSides(aliceConn, bobConn,
		ring.authenticator(alice), imposter, alice, bob)
	if aliceErr == nil {
		t.Fatal("handshake with an imposter key succeeded")
	}
}

func TestPeerAuthUnknownDeviceRejected(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	ringWithoutBob := newTestKeyring(t, alice)
	ringFull := newTestKeyring(t, bob)

	aliceConn, bobConn := net.Pipe()
	defer aliceConn.Close()
	defer bobConn.Close()

	// Alice has never heard of bob, so verification must fail even
	// though bob signs honestly with his own key.
	aliceErr, _ := runBothSides(aliceConn, bobConn,
		ringWithoutBob.authenticator(alice), ringFull.authenticator(bob), alice, bob)
	if aliceErr == nil {
		t.Fatal("handshake with an unknown device succeeded")
	}
}

func TestPeerAuthBindsChallengerIdentity(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	carol := testDevice(t)
	ring := newTestKeyring(t, alice, bob, carol)

	aliceConn, bobConn := net.Pipe()
	defer aliceConn.Close()
	defer bobConn.Close()

	// Bob answers the handshake believing the challenger is carol.
	// His signature binds carol's identity, so alice must reject it
	// even though the nonce and key are otherwise valid.
	done := make(chan error, 1)
	go func() {
		done <- runPeerAuth(bobConn, ring.authenticator(bob), bob, carol)
	}()
	aliceErr := runPeerAuth(aliceConn, ring.authenticator(alice), alice, bob)
	<-done
	if aliceErr == nil {
		t.Fatal("signature bound to a different challenger accepted")
	}
}
