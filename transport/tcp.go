// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/aura-foundation/aura/lib/ident"
)

// Compile-time interface check.
var _ Transport = (*TCPTransport)(nil)

// TCPTransport frames payloads over plain TCP. It suits development
// and same-LAN deployments where devices are directly reachable; all
// links report MethodDirect. NAT traversal needs [WebRTCTransport].
//
// Each accepted or dialed connection first exchanges device hellos
// and completes the [PeerAuthenticator] handshake, then carries
// length-prefixed payload frames until either side closes.
type TCPTransport struct {
	device        ident.DeviceID
	authenticator PeerAuthenticator
	logger        *slog.Logger
	listener      net.Listener
	inbox         *inbox

	mu    sync.Mutex
	links map[ident.DeviceID]*tcpLink

	closed    chan struct{}
	closeOnce sync.Once
}

// tcpLink is one authenticated connection. Frame writes are
// serialized so concurrent Send calls cannot interleave a header
// with another frame's payload.
type tcpLink struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// NewTCPTransport listens on address (":0" for an ephemeral port) and
// starts accepting peer connections.
func NewTCPTransport(device ident.DeviceID, address string, authenticator PeerAuthenticator, logger *slog.Logger) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	t := &TCPTransport{
		device:        device,
		authenticator: authenticator,
		logger:        logger,
		listener:      listener,
		inbox:         newInbox(),
		links:         make(map[ident.DeviceID]*tcpLink),
		closed:        make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

// Address returns the bound listen address in host:port form. Peers
// pass it to Connect as a candidate.
func (t *TCPTransport) Address() string {
	return t.listener.Addr().String()
}

func (t *TCPTransport) Connect(ctx context.Context, peer ident.DeviceID, candidates []string) (Method, error) {
	select {
	case <-t.closed:
		return 0, ErrClosed
	default:
	}

	if t.link(peer) != nil {
		return MethodDirect, nil
	}
	if len(candidates) == 0 {
		return 0, fmt.Errorf("%w: no candidates for device %s", ErrConnectFailed, peer.Short())
	}

	var lastErr error
	for _, address := range candidates {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
		if err != nil {
			lastErr = err
			continue
		}
		linked, err := t.handshake(conn, peer)
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		if linked != peer {
			conn.Close()
			lastErr = fmt.Errorf("candidate %s is device %s, want %s", address, linked.Short(), peer.Short())
			continue
		}
		return MethodDirect, nil
	}
	return 0, fmt.Errorf("%w: device %s: %w", ErrConnectFailed, peer.Short(), lastErr)
}

func (t *TCPTransport) Send(ctx context.Context, peer ident.DeviceID, payload []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	link := t.link(peer)
	if link == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer.Short())
	}

	link.writeMu.Lock()
	defer link.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := link.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := writeFrame(link.conn, payload); err != nil {
		t.dropLink(peer, link)
		return fmt.Errorf("sending to %s: %w", peer.Short(), err)
	}
	return nil
}

func (t *TCPTransport) Recv(ctx context.Context, expected ident.DeviceID) (ident.DeviceID, []byte, error) {
	return t.inbox.pop(ctx, expected)
}

func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	t.listener.Close()

	t.mu.Lock()
	for peer, link := range t.links {
		link.conn.Close()
		delete(t.links, peer)
	}
	t.mu.Unlock()

	t.inbox.close()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}
		go func() {
			if _, err := t.handshake(conn, ident.Zero); err != nil {
				t.logger.Warn("inbound handshake failed",
					"remote", conn.RemoteAddr().String(),
					"error", err,
				)
				conn.Close()
			}
		}()
	}
}

// handshake runs the hello exchange and peer authentication on a
// fresh connection, registers the link, and starts its read loop. A
// zero expected peer (the accept side) admits any authenticated
// device; the dial side passes the device it set out to reach.
func (t *TCPTransport) handshake(conn net.Conn, expected ident.DeviceID) (ident.DeviceID, error) {
	if err := conn.SetDeadline(time.Now().Add(authTimeout)); err != nil {
		return ident.Zero, err
	}

	// Hellos cross symmetrically: each side writes its device ID and
	// reads the peer's. The frames are small enough that the kernel
	// buffers absorb the concurrent writes.
	if err := writeFrame(conn, t.device[:]); err != nil {
		return ident.Zero, fmt.Errorf("sending hello: %w", err)
	}
	hello, err := readFrame(conn)
	if err != nil {
		return ident.Zero, fmt.Errorf("reading hello: %w", err)
	}
	if len(hello) != len(ident.Zero) {
		return ident.Zero, fmt.Errorf("hello is %d bytes, want %d", len(hello), len(ident.Zero))
	}
	var peer ident.DeviceID
	copy(peer[:], hello)
	if peer.IsZero() {
		return ident.Zero, fmt.Errorf("hello carries the zero device ID")
	}
	if !expected.IsZero() && peer != expected {
		return peer, nil
	}

	if err := runPeerAuth(conn, t.authenticator, t.device, peer); err != nil {
		return ident.Zero, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return ident.Zero, err
	}

	link := &tcpLink{conn: conn}
	t.mu.Lock()
	if previous, ok := t.links[peer]; ok {
		// Simultaneous dials produce two connections; the newest
		// wins and the stale one is closed.
		previous.conn.Close()
	}
	t.links[peer] = link
	t.mu.Unlock()

	go t.readLoop(peer, link)
	return peer, nil
}

func (t *TCPTransport) readLoop(peer ident.DeviceID, link *tcpLink) {
	for {
		payload, err := readFrame(link.conn)
		if err != nil {
			t.dropLink(peer, link)
			return
		}
		if err := t.inbox.push(peer, payload); err != nil {
			t.dropLink(peer, link)
			return
		}
	}
}

func (t *TCPTransport) link(peer ident.DeviceID) *tcpLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[peer]
}

func (t *TCPTransport) dropLink(peer ident.DeviceID, link *tcpLink) {
	t.mu.Lock()
	if current, ok := t.links[peer]; ok && current == link {
		delete(t.links, peer)
	}
	t.mu.Unlock()
	link.conn.Close()
}
