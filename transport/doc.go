// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves opaque payloads between devices.
//
// The account core never touches sockets. It sees the [Transport]
// interface: Connect establishes a link to a peer device and reports
// the [Method] that worked (direct, STUN-reflexive, hole-punched, or
// relayed), Send delivers a payload to a connected peer, and Recv
// blocks for the next inbound payload, optionally filtered to an
// expected sender. Gossip and the account lane are written against
// this interface and run unchanged over any implementation.
//
// Three implementations ship with the package. [MemoryTransport]
// connects devices attached to a shared in-process [Hub]; the
// simulator and tests use it for deterministic, network-free runs,
// and the Hub can sever individual device pairs to model partitions.
// [TCPTransport] frames payloads over plain TCP connections and
// suits same-LAN deployments where devices are directly reachable.
// [WebRTCTransport] uses pion/webrtc data channels with ICE for NAT
// traversal; it classifies the selected candidate pair into the
// connection [Method] so callers can observe how a link was made.
//
// Every connection is bound to a device identity before it carries
// payloads. The [PeerAuthenticator] handshake exchanges random nonces
// and Ed25519 signatures over the fresh link, so a peer that can
// reach the signaling channel still cannot impersonate a device whose
// signing key it lacks.
//
// WebRTC signaling is abstracted behind the [Signaler] interface in
// vanilla ICE mode: all candidates are gathered before the SDP is
// published, so establishment needs exactly one offer/answer
// round-trip. [MemorySignaler] serves tests; [RendezvousSignaler]
// talks to a [RendezvousServer] over HTTP for real deployments. When
// both peers offer simultaneously, the device with the smaller
// identifier wins the offerer role and the other side discards its
// attempt.
package transport
