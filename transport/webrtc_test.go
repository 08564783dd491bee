// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/aura-foundation/aura/lib/ident"
)

// newWebRTCPair creates two transports sharing a MemorySignaler and
// starts the answering side's poller. Empty ICE config means host
// candidates only, which works on loopback.
func newWebRTCPair(t *testing.T, ring *testKeyring, alice, bob ident.DeviceID) (*WebRTCTransport, *WebRTCTransport) {
	t.Helper()
	signaler := NewMemorySignaler()
	logger := slog.New(slog.DiscardHandler)

	var aliceAuth, bobAuth PeerAuthenticator
	if ring != nil {
		aliceAuth = ring.authenticator(alice)
		bobAuth = ring.authenticator(bob)
	}

	aliceEnd := NewWebRTCTransport(alice, signaler, ICEConfig{}, aliceAuth, logger)
	bobEnd := NewWebRTCTransport(bob, signaler, ICEConfig{}, bobAuth, logger)
	t.Cleanup(func() {
		aliceEnd.Close()
		bobEnd.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bobEnd.Run(ctx)
	<-bobEnd.Ready()

	return aliceEnd, bobEnd
}

func TestWebRTCRoundtrip(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	ring := newTestKeyring(t, alice, bob)
	aliceEnd, bobEnd := newWebRTCPair(t, ring, alice, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	method, err := aliceEnd.Connect(ctx, bob, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Loopback host candidates on both ends.
	if method != MethodDirect {
		t.Fatalf("loopback connect method = %s, want direct", method)
	}

	if err := aliceEnd.Send(ctx, bob, []byte("over the data channel")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sender, payload, err := bobEnd.Recv(ctx, ident.Zero)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if sender != alice {
		t.Fatalf("sender = %s, want %s", sender.Short(), alice.Short())
	}
	if string(payload) != "over the data channel" {
		t.Fatalf("payload = %q", payload)
	}

	// The answering side sends back on the same link.
	if err := bobEnd.Send(ctx, alice, []byte("reply")); err != nil {
		t.Fatalf("reply send: %v", err)
	}
	if _, payload, err = aliceEnd.Recv(ctx, bob); err != nil || string(payload) != "reply" {
		t.Fatalf("reply recv: payload %q, err %v", payload, err)
	}
}

func TestWebRTCSequentialPayloads(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	aliceEnd, bobEnd := newWebRTCPair(t, nil, alice, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if _, err := aliceEnd.Connect(ctx, bob, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for index := 0; index < 5; index++ {
		want := fmt.Sprintf("payload-%d", index)
		if err := aliceEnd.Send(ctx, bob, []byte(want)); err != nil {
			t.Fatalf("send %d: %v", index, err)
		}
		_, payload, err := bobEnd.Recv(ctx, alice)
		if err != nil {
			t.Fatalf("recv %d: %v", index, err)
		}
		if string(payload) != want {
			t.Fatalf("payload %d = %q, want %q", index, payload, want)
		}
	}
}

func TestWebRTCConnectIdempotent(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	aliceEnd, _ := newWebRTCPair(t, nil, alice, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	first, err := aliceEnd.Connect(ctx, bob, nil)
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	second, err := aliceEnd.Connect(ctx, bob, nil)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if first != second {
		t.Fatalf("reconnect reported %s, first connect reported %s", second, first)
	}
}

func TestWebRTCSendRequiresConnect(t *testing.T) {
	alice := testDevice(t)
	bob := testDevice(t)
	aliceEnd, _ := newWebRTCPair(t, nil, alice, bob)

	err := aliceEnd.Send(context.Background(), bob, []byte("x"))
	if err == nil {
		t.Fatal("send without connect succeeded")
	}
}

func TestClassifyCandidateTypes(t *testing.T) {
	cases := []struct {
		local, remote webrtc.ICECandidateType
		want          Method
	}{
		{webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeHost, MethodDirect},
		{webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypeHost, MethodStunReflexive},
		{webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeSrflx, MethodStunReflexive},
		{webrtc.ICECandidateTypePrflx, webrtc.ICECandidateTypeSrflx, MethodHolePunch},
		{webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypePrflx, MethodHolePunch},
		{webrtc.ICECandidateTypeRelay, webrtc.ICECandidateTypePrflx, MethodRelay},
		{webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeRelay, MethodRelay},
	}
	for _, c := range cases {
		if got := classifyCandidateTypes(c.local, c.remote); got != c.want {
			t.Errorf("classify(%s, %s) = %s, want %s", c.local, c.remote, got, c.want)
		}
	}
}
