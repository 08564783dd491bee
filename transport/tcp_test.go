// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aura-foundation/aura/lib/ident"
)

func testTCPTransport(t *testing.T, device ident.DeviceID, ring *testKeyring) *TCPTransport {
	t.Helper()
	tt, err := NewTCPTransport(device, "127.0.0.1:0", ring.authenticator(device), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("starting tcp transport: %v", err)
	}
	t.Cleanup(func() { tt.Close() })
	return tt
}

func TestTCPRoundtrip(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	ring := newTestKeyring(t, alice, bob)

	aliceEnd := testTCPTransport(t, alice, ring)
	bobEnd := testTCPTransport(t, bob, ring)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	method, err := aliceEnd.Connect(ctx, bob, []string{bobEnd.Address()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if method != MethodDirect {
		t.Fatalf("tcp connect method = %s, want direct", method)
	}

	if err := aliceEnd.Send(ctx, bob, []byte("hello over tcp")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sender, payload, err := bobEnd.Recv(ctx, ident.Zero)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if sender != alice {
		t.Fatalf("sender = %s, want %s", sender.Short(), alice.Short())
	}
	if string(payload) != "hello over tcp" {
		t.Fatalf("payload = %q", payload)
	}

	// Bob's accept side registered the same link, so the reverse
	// direction works without a Connect of its own.
	if err := bobEnd.Send(ctx, alice, []byte("reply")); err != nil {
		t.Fatalf("reply send: %v", err)
	}
	if _, payload, err = aliceEnd.Recv(ctx, bob); err != nil || string(payload) != "reply" {
		t.Fatalf("reply recv: payload %q, err %v", payload, err)
	}
}

func TestTCPConnectIdempotent(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	ring := newTestKeyring(t, alice, bob)

	aliceEnd := testTCPTransport(t, alice, ring)
	bobEnd := testTCPTransport(t, bob, ring)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := aliceEnd.Connect(ctx, bob, []string{bobEnd.Address()}); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	// Second connect reuses the existing link; no candidates needed.
	if _, err := aliceEnd.Connect(ctx, bob, nil); err != nil {
		t.Fatalf("second connect: %v", err)
	}
}

func TestTCPSendRequiresConnect(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	ring := newTestKeyring(t, alice, bob)

	aliceEnd := testTCPTransport(t, alice, ring)

	err := aliceEnd.Send(context.Background(), bob, []byte("x"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send without connect: got %v, want ErrNotConnected", err)
	}
}

func TestTCPRejectsUnverifiablePeer(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	ring := newTestKeyring(t, alice, bob)

	// Alice signs with her real key but her roster lookup knows no
	// devices at all, so she cannot verify bob and the dial fails.
	blind := &KeyringAuthenticator{
		Private: ring.private[alice],
		PublicKey: func(ident.DeviceID) (ed25519.PublicKey, bool) {
			return nil, false
		},
	}
	aliceEnd, err := NewTCPTransport(alice, "127.0.0.1:0", blind, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("starting tcp transport: %v", err)
	}
	t.Cleanup(func() { aliceEnd.Close() })
	bobEnd := testTCPTransport(t, bob, ring)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := aliceEnd.Connect(ctx, bob, []string{bobEnd.Address()}); err == nil {
		t.Fatal("connect without a verification key for the peer succeeded")
	}
}

func TestTCPWrongPeerIdentity(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	carol := testDevice(t)
	ring := newTestKeyring(t, alice, bob, carol)

	aliceEnd := testTCPTransport(t, alice, ring)
	bobEnd := testTCPTransport(t, bob, ring)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Alice dials bob's address but expects carol. The hello
	// exchange reveals the mismatch before any payload flows.
	_, err := aliceEnd.Connect(ctx, carol, []string{bobEnd.Address()})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("connect to wrong device: got %v, want ErrConnectFailed", err)
	}
}

func TestTCPClose(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	ring := newTestKeyring(t, alice, bob)

	aliceEnd := testTCPTransport(t, alice, ring)
	bobEnd := testTCPTransport(t, bob, ring)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := aliceEnd.Connect(ctx, bob, []string{bobEnd.Address()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	aliceEnd.Close()
	if err := aliceEnd.Send(ctx, bob, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: got %v, want ErrClosed", err)
	}
	if _, _, err := aliceEnd.Recv(ctx, ident.Zero); !errors.Is(err, ErrClosed) {
		t.Fatalf("recv after close: got %v, want ErrClosed", err)
	}
}
