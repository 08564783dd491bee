// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aura-foundation/aura/lib/ident"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// signalingSeparator joins the offerer and target device IDs in a
// signal key. Device IDs are hex, so the pipe is unambiguous.
const signalingSeparator = "|"

// MemorySignaler is an in-process [Signaler] for tests. Two
// WebRTCTransport instances sharing one MemorySignaler can establish
// PeerConnections without any network signaling.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage // key: "offerer|target"
	answers  map[string]SignalMessage // key: "offerer|target"
	lastSeen map[string]time.Time     // per-consumer poll state
}

// NewMemorySignaler creates an empty in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

func signalKey(from, to ident.DeviceID) string {
	return from.String() + signalingSeparator + to.String()
}

func (s *MemorySignaler) PublishOffer(_ context.Context, from, to ident.DeviceID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[signalKey(from, to)] = SignalMessage{
		Peer:      from,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, from ident.DeviceID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[signalKey(offerer, from)] = SignalMessage{
		Peer:      from,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, device ident.DeviceID) ([]SignalMessage, error) {
	// Offers for this device have keys ending in "|<device>".
	return s.pollSignals(device, s.offers, "offers", func(key string) bool {
		return strings.HasSuffix(key, signalingSeparator+device.String())
	}), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, device ident.DeviceID) ([]SignalMessage, error) {
	// Answers to this device's offers have keys starting "<device>|".
	return s.pollSignals(device, s.answers, "answers", func(key string) bool {
		return strings.HasPrefix(key, device.String()+signalingSeparator)
	}), nil
}

// pollSignals returns matching messages newer than the consumer's
// last poll, advancing the per-consumer watermark.
func (s *MemorySignaler) pollSignals(device ident.DeviceID, store map[string]SignalMessage, storeLabel string, match func(key string) bool) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for key, msg := range store {
		if !match(key) {
			continue
		}
		timestamp, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
		if err != nil {
			continue
		}
		seenKey := storeLabel + ":" + device.String() + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = timestamp
		messages = append(messages, msg)
	}
	return messages
}
