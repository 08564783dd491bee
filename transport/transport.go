// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aura-foundation/aura/lib/ident"
)

// Method classifies how a connection to a peer was established. The
// account core records the method for diagnostics but treats all
// connected peers identically.
type Method int

const (
	// MethodDirect is a connection over directly routable addresses:
	// same host, same LAN, or public addresses on both ends.
	MethodDirect Method = iota + 1

	// MethodStunReflexive is a connection using a server-reflexive
	// address discovered via STUN on at least one side.
	MethodStunReflexive

	// MethodHolePunch is a connection through NAT bindings opened by
	// simultaneous connectivity checks; at least one side's working
	// address was peer-reflexive, learned during the punch itself.
	MethodHolePunch

	// MethodRelay is a connection forwarded through a relay (TURN).
	// The fallback when no direct path exists.
	MethodRelay
)

// String returns the method name used in logs and telemetry.
func (m Method) String() string {
	switch m {
	case MethodDirect:
		return "direct"
	case MethodStunReflexive:
		return "stun_reflexive"
	case MethodHolePunch:
		return "hole_punch"
	case MethodRelay:
		return "relay"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

var (
	// ErrNotConnected is returned by Send when no established link to
	// the peer exists. Callers connect first, then send.
	ErrNotConnected = errors.New("transport: peer not connected")

	// ErrConnectFailed is returned by Connect when no candidate
	// produced a working link.
	ErrConnectFailed = errors.New("transport: connection failed")

	// ErrClosed is returned by all operations after Close.
	ErrClosed = errors.New("transport: closed")
)

// Transport moves opaque payloads between devices. Implementations
// deliver each Send payload at most once and intact; they provide no
// ordering guarantee across peers and no durability. Reliability
// above at-most-once is the journal and anti-entropy layer's job.
type Transport interface {
	// Connect establishes a link to the peer. The candidates are
	// implementation-specific hints (TCP addresses to try, nothing
	// for signaled transports). Connect is idempotent: connecting to
	// an already-linked peer reports the existing link's method.
	Connect(ctx context.Context, peer ident.DeviceID, candidates []string) (Method, error)

	// Send delivers payload to a connected peer. The context bounds
	// the delivery attempt; expiry returns the context's error.
	Send(ctx context.Context, peer ident.DeviceID, payload []byte) error

	// Recv blocks for the next inbound payload and reports its
	// sender. A non-zero expected sender makes Recv wait for a
	// payload from that device specifically; payloads from other
	// senders are held for later Recv calls in arrival order.
	Recv(ctx context.Context, expected ident.DeviceID) (ident.DeviceID, []byte, error)

	// Close tears down all links. Blocked Recv calls return ErrClosed.
	Close() error
}

// Wire framing shared by the TCP and WebRTC transports: a 4-byte
// big-endian payload length followed by the payload. The same framing
// carries the journal's on-disk records, so a frame reader is the
// only parser a device needs.

// maxFrameLen bounds a single frame. Gossip batches are the largest
// payloads and stay well under this.
const maxFrameLen = 1 << 24

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), maxFrameLen)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds limit %d", length, maxFrameLen)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// message is one inbound payload with its authenticated sender.
type message struct {
	sender  ident.DeviceID
	payload []byte
}

// inbox is the receive queue shared by the transport implementations.
// Push appends in arrival order; pop returns the oldest message, or
// the oldest message from a specific sender when the caller is
// waiting on one peer. Skipped messages keep their place in line.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []message
	closed bool
}

func newInbox() *inbox {
	box := &inbox{}
	box.cond = sync.NewCond(&box.mu)
	return box
}

func (b *inbox) push(sender ident.DeviceID, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.queue = append(b.queue, message{sender: sender, payload: payload})
	b.cond.Broadcast()
	return nil
}

func (b *inbox) pop(ctx context.Context, expected ident.DeviceID) (ident.DeviceID, []byte, error) {
	// Wake all waiters when the context expires so pop can observe
	// the cancellation. AfterFunc covers contexts without deadlines.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return ident.Zero, nil, err
		}
		for i, msg := range b.queue {
			if !expected.IsZero() && msg.sender != expected {
				continue
			}
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return msg.sender, msg.payload, nil
		}
		if b.closed {
			return ident.Zero, nil, ErrClosed
		}
		b.cond.Wait()
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
