// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/aura-foundation/aura/lib/ident"
)

// Compile-time interface check.
var _ Transport = (*MemoryTransport)(nil)

// Hub connects MemoryTransport instances in process. Every attached
// device can reach every other attached device unless the pair has
// been severed. The simulator and tests use a Hub to run many
// devices deterministically without sockets.
type Hub struct {
	mu      sync.Mutex
	peers   map[ident.DeviceID]*MemoryTransport
	severed map[pairKey]bool
}

// pairKey identifies an unordered device pair. The smaller device ID
// always occupies the first slot.
type pairKey [2]ident.DeviceID

func makePairKey(a, b ident.DeviceID) pairKey {
	if b.Less(a) {
		a, b = b, a
	}
	return pairKey{a, b}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		peers:   make(map[ident.DeviceID]*MemoryTransport),
		severed: make(map[pairKey]bool),
	}
}

// Attach registers a device and returns its transport endpoint.
// Attaching a device twice replaces the earlier endpoint.
func (h *Hub) Attach(device ident.DeviceID) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	endpoint := &MemoryTransport{
		hub:    h,
		device: device,
		inbox:  newInbox(),
	}
	h.peers[device] = endpoint
	return endpoint
}

// Sever cuts the link between two devices. Subsequent Connect and
// Send calls between them fail until Heal. Models a partition.
func (h *Hub) Sever(a, b ident.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.severed[makePairKey(a, b)] = true
}

// Heal restores a severed link.
func (h *Hub) Heal(a, b ident.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.severed, makePairKey(a, b))
}

// lookup returns the reachable endpoint for the peer, or an error
// when the peer is detached or the pair is severed.
func (h *Hub) lookup(from, to ident.DeviceID) (*MemoryTransport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.severed[makePairKey(from, to)] {
		return nil, fmt.Errorf("%w: link %s-%s severed", ErrConnectFailed, from.Short(), to.Short())
	}
	endpoint, ok := h.peers[to]
	if !ok {
		return nil, fmt.Errorf("%w: device %s not attached", ErrConnectFailed, to.Short())
	}
	return endpoint, nil
}

// detach removes a device. Only Close calls this.
func (h *Hub) detach(device ident.DeviceID, endpoint *MemoryTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.peers[device]; ok && current == endpoint {
		delete(h.peers, device)
	}
}

// MemoryTransport is the in-process Transport implementation. All
// links report MethodDirect.
type MemoryTransport struct {
	hub    *Hub
	device ident.DeviceID
	inbox  *inbox

	mu     sync.Mutex
	closed bool
}

// Device returns the identity this endpoint was attached under.
func (t *MemoryTransport) Device() ident.DeviceID { return t.device }

func (t *MemoryTransport) Connect(_ context.Context, peer ident.DeviceID, _ []string) (Method, error) {
	if t.isClosed() {
		return 0, ErrClosed
	}
	if _, err := t.hub.lookup(t.device, peer); err != nil {
		return 0, err
	}
	return MethodDirect, nil
}

func (t *MemoryTransport) Send(_ context.Context, peer ident.DeviceID, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	endpoint, err := t.hub.lookup(t.device, peer)
	if err != nil {
		return fmt.Errorf("%w: %s unreachable", ErrNotConnected, peer.Short())
	}
	// Copy so the sender cannot mutate a payload after delivery.
	delivered := make([]byte, len(payload))
	copy(delivered, payload)
	return endpoint.inbox.push(t.device, delivered)
}

func (t *MemoryTransport) Recv(ctx context.Context, expected ident.DeviceID) (ident.DeviceID, []byte, error) {
	return t.inbox.pop(ctx, expected)
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.hub.detach(t.device, t)
	t.inbox.close()
	return nil
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
