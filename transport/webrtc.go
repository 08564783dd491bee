// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/aura-foundation/aura/lib/ident"
)

// Compile-time interface check.
var _ Transport = (*WebRTCTransport)(nil)

// signalingPollInterval is how often the transport polls for inbound
// signaling offers from peers.
const signalingPollInterval = 2 * time.Second

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// answerPollInterval is how often the offerer polls for an SDP
// answer after publishing an offer.
const answerPollInterval = 500 * time.Millisecond

// answerTimeout is the maximum time to wait for an SDP answer.
const answerTimeout = 30 * time.Second

// channelOpenTimeout is the maximum time to wait for a created data
// channel to reach the open state after ICE connects.
const channelOpenTimeout = 10 * time.Second

// authChannelLabel carries the identity handshake; payloadChannelLabel
// carries framed payloads. Both ends recognize the labels and route
// inbound channels accordingly.
const (
	authChannelLabel    = "auth"
	payloadChannelLabel = "payload"
)

// WebRTCTransport implements [Transport] over pion/webrtc data
// channels with ICE for NAT traversal.
//
// Each peer device gets one PeerConnection carrying one payload data
// channel plus a short-lived auth channel for the identity handshake.
// Connect runs the offer/answer exchange through the [Signaler] in
// vanilla ICE mode (all candidates gathered before the SDP is
// published, one signaling round-trip) and classifies the selected
// candidate pair into the connection [Method]. Inbound offers are
// picked up by a background poller started by Run.
type WebRTCTransport struct {
	device        ident.DeviceID
	signaler      Signaler
	authenticator PeerAuthenticator
	logger        *slog.Logger
	inbox         *inbox

	// iceConfig is protected separately because deployments refresh
	// TURN credentials while connections are live.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	mu    sync.Mutex
	links map[ident.DeviceID]*peerLink

	// ready is closed when Run has started the signaling poller.
	ready     chan struct{}
	readyOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

// peerLink tracks the PeerConnection to a single remote device.
type peerLink struct {
	device     ident.DeviceID
	connection *webrtc.PeerConnection

	// established is closed when ICE reaches Connected or Completed.
	established     chan struct{}
	establishedOnce sync.Once

	// authDone is closed when the identity handshake succeeds (or
	// immediately, with no authenticator). The payload channel does
	// not carry frames before this.
	authDone     chan struct{}
	authDoneOnce sync.Once

	// linkReady is closed when the payload channel is attached and
	// the link can carry frames. method is written before linkReady
	// closes and read only after.
	linkReady     chan struct{}
	linkReadyOnce sync.Once
	method        Method

	// channel is the attached payload channel. writeMu serializes
	// frame writes.
	channel *DataChannelConn
	writeMu sync.Mutex

	// outboundDC and outboundOpen exist only on the offerer side:
	// the payload channel is created before the offer so the SDP
	// carries a data channel section, and outboundOpen signals when
	// it opens.
	outboundDC   *webrtc.DataChannel
	outboundOpen chan struct{}
}

// NewWebRTCTransport creates a WebRTC transport for the given
// device. A nil authenticator skips the identity handshake; use that
// only in closed test setups.
func NewWebRTCTransport(device ident.DeviceID, signaler Signaler, iceConfig ICEConfig, authenticator PeerAuthenticator, logger *slog.Logger) *WebRTCTransport {
	return &WebRTCTransport{
		device:        device,
		signaler:      signaler,
		authenticator: authenticator,
		logger:        logger,
		inbox:         newInbox(),
		iceConfig:     iceConfig,
		links:         make(map[ident.DeviceID]*peerLink),
		ready:         make(chan struct{}),
		closed:        make(chan struct{}),
	}
}

// Ready returns a channel that is closed once Run has started the
// signaling poller, so callers can synchronize without sleeping.
func (t *WebRTCTransport) Ready() <-chan struct{} {
	return t.ready
}

// Run polls for inbound signaling offers and answers them. It blocks
// until ctx is cancelled or Close is called.
func (t *WebRTCTransport) Run(ctx context.Context) error {
	t.readyOnce.Do(func() { close(t.ready) })

	ticker := time.NewTicker(signalingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.closed:
			return nil
		case <-ticker.C:
			t.processInboundOffers(ctx)
		}
	}
}

// UpdateICEConfig replaces the ICE configuration for new
// PeerConnections. Existing connections keep their configuration.
func (t *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	t.configMu.Lock()
	defer t.configMu.Unlock()
	t.iceConfig = config
}

func (t *WebRTCTransport) Connect(ctx context.Context, peer ident.DeviceID, _ []string) (Method, error) {
	select {
	case <-t.closed:
		return 0, ErrClosed
	default:
	}

	link, created, err := t.getOrCreateLink(ctx, peer)
	if err != nil {
		return 0, fmt.Errorf("%w: device %s: %w", ErrConnectFailed, peer.Short(), err)
	}

	if created {
		if err := t.completeOutbound(ctx, link); err != nil {
			t.dropLink(peer, link)
			return 0, fmt.Errorf("%w: device %s: %w", ErrConnectFailed, peer.Short(), err)
		}
	}

	select {
	case <-link.linkReady:
		return link.method, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.closed:
		return 0, ErrClosed
	}
}

func (t *WebRTCTransport) Send(ctx context.Context, peer ident.DeviceID, payload []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.mu.Lock()
	link := t.links[peer]
	t.mu.Unlock()
	if link == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer.Short())
	}

	select {
	case <-link.linkReady:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}

	link.writeMu.Lock()
	defer link.writeMu.Unlock()
	if err := writeFrame(link.channel, payload); err != nil {
		t.dropLink(peer, link)
		return fmt.Errorf("sending to %s: %w", peer.Short(), err)
	}
	return nil
}

func (t *WebRTCTransport) Recv(ctx context.Context, expected ident.DeviceID) (ident.DeviceID, []byte, error) {
	return t.inbox.pop(ctx, expected)
}

// Close shuts down all PeerConnections and stops the poller.
func (t *WebRTCTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})

	t.mu.Lock()
	for peer, link := range t.links {
		link.connection.Close()
		delete(t.links, peer)
	}
	t.mu.Unlock()

	t.inbox.close()
	return nil
}

// getOrCreateLink returns the link for the peer, creating and
// signaling a new PeerConnection if necessary. When a concurrent
// caller is already establishing a link to this peer, the existing
// entry is returned and the caller waits on linkReady instead of
// starting parallel signaling.
func (t *WebRTCTransport) getOrCreateLink(ctx context.Context, peer ident.DeviceID) (*peerLink, bool, error) {
	t.mu.Lock()

	if link, ok := t.links[peer]; ok {
		state := link.connection.ICEConnectionState()
		if state != webrtc.ICEConnectionStateFailed &&
			state != webrtc.ICEConnectionStateClosed {
			t.mu.Unlock()
			return link, false, nil
		}
		// Dead connection. Tear down and re-establish.
		link.connection.Close()
		delete(t.links, peer)
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		t.mu.Unlock()
		return nil, false, fmt.Errorf("creating PeerConnection: %w", err)
	}

	link := t.newLink(peer, pc)
	t.links[peer] = link
	t.mu.Unlock()

	// Signaling runs outside the lock. On failure the entry is
	// removed so the next caller retries.
	if err := t.establishOutbound(ctx, link); err != nil {
		t.dropLink(peer, link)
		return nil, false, err
	}

	return link, true, nil
}

// newLink builds a peerLink and registers the shared PeerConnection
// callbacks. With no authenticator the handshake gate is open from
// the start.
func (t *WebRTCTransport) newLink(peer ident.DeviceID, pc *webrtc.PeerConnection) *peerLink {
	link := &peerLink{
		device:      peer,
		connection:  pc,
		established: make(chan struct{}),
		authDone:    make(chan struct{}),
		linkReady:   make(chan struct{}),
	}
	if t.authenticator == nil {
		link.authDoneOnce.Do(func() { close(link.authDone) })
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.handleInboundChannel(link, dc)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.handleICEStateChange(link, state)
	})
	return link
}

// establishOutbound creates the payload data channel, publishes the
// SDP offer, and applies the peer's answer. The payload channel is
// created before the offer so the SDP carries a data channel
// section; it opens once SCTP comes up.
func (t *WebRTCTransport) establishOutbound(ctx context.Context, link *peerLink) error {
	pc := link.connection

	ordered := true
	dc, err := pc.CreateDataChannel(payloadChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("creating payload channel: %w", err)
	}
	link.outboundDC = dc
	link.outboundOpen = make(chan struct{})
	dc.OnOpen(func() {
		close(link.outboundOpen)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	// Vanilla ICE: wait for gathering before publishing.
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := t.signaler.PublishOffer(ctx, t.device, link.device, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}

	t.logger.Info("webrtc offer published", "peer", link.device.Short())

	answerSDP, err := t.waitForAnswer(ctx, link.device)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", link.device.Short(), err)
	}

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// completeOutbound finishes the offerer side after signaling: wait
// for ICE, run the identity handshake on a dedicated channel, then
// attach the payload channel once it opens.
func (t *WebRTCTransport) completeOutbound(ctx context.Context, link *peerLink) error {
	select {
	case <-link.established:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}

	if t.authenticator != nil {
		if err := t.runOutboundAuth(link); err != nil {
			return err
		}
	}

	select {
	case <-link.outboundOpen:
	case <-time.After(channelOpenTimeout):
		return fmt.Errorf("payload channel did not open within %s", channelOpenTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}

	raw, err := link.outboundDC.Detach()
	if err != nil {
		return fmt.Errorf("detaching payload channel: %w", err)
	}
	conn := NewDataChannelConn(raw,
		t.device.Short()+"/"+payloadChannelLabel,
		link.device.Short()+"/"+payloadChannelLabel,
	)
	t.attachPayload(link, conn)

	t.logger.Info("webrtc outbound link established",
		"peer", link.device.Short(),
		"method", link.method.String(),
	)
	return nil
}

// runOutboundAuth opens the auth channel and runs the mutual
// handshake on it. The channel is closed afterwards either way.
func (t *WebRTCTransport) runOutboundAuth(link *peerLink) error {
	ordered := true
	dc, err := link.connection.CreateDataChannel(authChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("creating auth channel: %w", err)
	}

	open := make(chan struct{})
	dc.OnOpen(func() { close(open) })

	select {
	case <-open:
	case <-time.After(channelOpenTimeout):
		dc.Close()
		return fmt.Errorf("auth channel did not open within %s", channelOpenTimeout)
	case <-t.closed:
		dc.Close()
		return ErrClosed
	}

	raw, err := dc.Detach()
	if err != nil {
		dc.Close()
		return fmt.Errorf("detaching auth channel: %w", err)
	}
	conn := NewDataChannelConn(raw,
		t.device.Short()+"/"+authChannelLabel,
		link.device.Short()+"/"+authChannelLabel,
	)
	conn.SetDeadline(time.Now().Add(authTimeout))
	defer conn.Close()

	if err := runPeerAuth(conn, t.authenticator, t.device, link.device); err != nil {
		return err
	}
	link.authDoneOnce.Do(func() { close(link.authDone) })
	return nil
}

// waitForAnswer polls the signaler for an SDP answer from the peer.
func (t *WebRTCTransport) waitForAnswer(ctx context.Context, peer ident.DeviceID) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.closed:
			return "", ErrClosed
		case <-ticker.C:
			answers, err := t.signaler.PollAnswers(ctx, t.device)
			if err != nil {
				t.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.Peer == peer {
					return answer.SDP, nil
				}
			}
		}
	}
}

// processInboundOffers checks for new SDP offers and answers them.
func (t *WebRTCTransport) processInboundOffers(ctx context.Context) {
	offers, err := t.signaler.PollOffers(ctx, t.device)
	if err != nil {
		t.logger.Warn("polling for SDP offers failed", "error", err)
		return
	}

	for _, offer := range offers {
		t.mu.Lock()
		existing, hasExisting := t.links[offer.Peer]
		t.mu.Unlock()

		if hasExisting {
			state := existing.connection.ICEConnectionState()
			if state != webrtc.ICEConnectionStateFailed &&
				state != webrtc.ICEConnectionStateClosed {
				// Signaling race: both sides offered at once. The
				// device with the smaller identifier is the
				// canonical offerer; the other side yields.
				if t.device.Less(offer.Peer) {
					// We are the canonical offerer. Ignore theirs.
					continue
				}
				// They are the canonical offerer. Drop our attempt.
				t.dropLink(offer.Peer, existing)
			} else {
				t.dropLink(offer.Peer, existing)
			}
		}

		if err := t.answerOffer(ctx, offer); err != nil {
			t.logger.Error("answering webrtc offer failed",
				"peer", offer.Peer.Short(),
				"error", err,
			)
		}
	}
}

// answerOffer creates a PeerConnection in response to an inbound SDP
// offer. The payload and auth channels arrive from the offerer via
// OnDataChannel.
func (t *WebRTCTransport) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := t.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	link := t.newLink(offer.Peer, pc)

	remoteOffer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := t.signaler.PublishAnswer(ctx, offer.Peer, t.device, completeSDP); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	t.mu.Lock()
	t.links[offer.Peer] = link
	t.mu.Unlock()

	t.logger.Info("webrtc inbound offer answered", "peer", offer.Peer.Short())
	return nil
}

// handleInboundChannel routes data channels opened by the peer. The
// answerer receives the offerer's auth and payload channels here.
func (t *WebRTCTransport) handleInboundChannel(link *peerLink, dc *webrtc.DataChannel) {
	switch dc.Label() {
	case authChannelLabel:
		dc.OnOpen(func() {
			go t.serveAuth(link, dc)
		})
	case payloadChannelLabel:
		dc.OnOpen(func() {
			go t.servePayload(link, dc)
		})
	default:
		t.logger.Warn("unexpected data channel",
			"peer", link.device.Short(),
			"label", dc.Label(),
		)
		dc.Close()
	}
}

// serveAuth answers the identity handshake on an inbound auth
// channel. Failure tears the whole link down.
func (t *WebRTCTransport) serveAuth(link *peerLink, dc *webrtc.DataChannel) {
	raw, err := dc.Detach()
	if err != nil {
		t.logger.Error("detaching auth channel failed",
			"peer", link.device.Short(), "error", err)
		t.dropLink(link.device, link)
		return
	}
	conn := NewDataChannelConn(raw,
		t.device.Short()+"/"+authChannelLabel,
		link.device.Short()+"/"+authChannelLabel,
	)
	conn.SetDeadline(time.Now().Add(authTimeout))
	defer conn.Close()

	if t.authenticator == nil {
		// The peer insists on authenticating but we have no keys to
		// answer with.
		t.logger.Warn("peer requested auth but no authenticator configured",
			"peer", link.device.Short())
		t.dropLink(link.device, link)
		return
	}

	if err := runPeerAuth(conn, t.authenticator, t.device, link.device); err != nil {
		t.logger.Warn("peer authentication failed",
			"peer", link.device.Short(), "error", err)
		t.dropLink(link.device, link)
		return
	}
	link.authDoneOnce.Do(func() { close(link.authDone) })
}

// servePayload attaches an inbound payload channel once the identity
// handshake has cleared it.
func (t *WebRTCTransport) servePayload(link *peerLink, dc *webrtc.DataChannel) {
	select {
	case <-link.authDone:
	case <-time.After(authTimeout):
		t.logger.Warn("payload channel arrived but auth never completed",
			"peer", link.device.Short())
		t.dropLink(link.device, link)
		return
	case <-t.closed:
		return
	}

	raw, err := dc.Detach()
	if err != nil {
		t.logger.Error("detaching payload channel failed",
			"peer", link.device.Short(), "error", err)
		t.dropLink(link.device, link)
		return
	}
	conn := NewDataChannelConn(raw,
		t.device.Short()+"/"+payloadChannelLabel,
		link.device.Short()+"/"+payloadChannelLabel,
	)
	t.attachPayload(link, conn)
}

// attachPayload records the payload channel, classifies the selected
// candidate pair, marks the link ready, and starts the read loop.
func (t *WebRTCTransport) attachPayload(link *peerLink, conn *DataChannelConn) {
	link.linkReadyOnce.Do(func() {
		link.channel = conn
		link.method = classifyMethod(link.connection)
		close(link.linkReady)
		go t.readLoop(link)
	})
}

func (t *WebRTCTransport) readLoop(link *peerLink) {
	for {
		payload, err := readFrame(link.channel)
		if err != nil {
			t.dropLink(link.device, link)
			return
		}
		if err := t.inbox.push(link.device, payload); err != nil {
			t.dropLink(link.device, link)
			return
		}
	}
}

// handleICEStateChange monitors connection state and manages the
// established signal.
func (t *WebRTCTransport) handleICEStateChange(link *peerLink, state webrtc.ICEConnectionState) {
	t.logger.Debug("ice state change",
		"peer", link.device.Short(),
		"state", state.String(),
	)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		link.establishedOnce.Do(func() { close(link.established) })

	case webrtc.ICEConnectionStateFailed:
		t.logger.Warn("webrtc link failed, will re-establish on next connect",
			"peer", link.device.Short(),
		)
		// Left in the map: getOrCreateLink checks the state and
		// re-establishes when asked.

	case webrtc.ICEConnectionStateClosed:
		t.mu.Lock()
		if current, ok := t.links[link.device]; ok && current == link {
			delete(t.links, link.device)
		}
		t.mu.Unlock()
	}
}

func (t *WebRTCTransport) dropLink(peer ident.DeviceID, link *peerLink) {
	t.mu.Lock()
	if current, ok := t.links[peer]; ok && current == link {
		delete(t.links, peer)
	}
	t.mu.Unlock()
	link.connection.Close()
}

// newPeerConnection creates a pion PeerConnection with the current
// ICE config. The SettingEngine enables data channel detach
// (required for stream access) and loopback candidates (required for
// same-machine runs and tests).
func (t *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	t.configMu.RLock()
	config := webrtc.Configuration{
		ICEServers: t.iceConfig.Servers,
	}
	t.configMu.RUnlock()

	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// classifyMethod maps the selected ICE candidate pair to a
// connection method. When the pair cannot be read (it can lag the
// connected callback briefly) the link is reported as direct.
func classifyMethod(pc *webrtc.PeerConnection) Method {
	sctp := pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return MethodDirect
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Local == nil || pair.Remote == nil {
		return MethodDirect
	}
	return classifyCandidateTypes(pair.Local.Typ, pair.Remote.Typ)
}

// classifyCandidateTypes ranks the pair by the most indirect
// candidate involved: a relay on either side means relayed, a
// peer-reflexive address means the path was punched open during
// connectivity checks, a server-reflexive address means a STUN
// binding carried it, and host addresses on both sides mean a direct
// route.
func classifyCandidateTypes(local, remote webrtc.ICECandidateType) Method {
	switch {
	case local == webrtc.ICECandidateTypeRelay || remote == webrtc.ICECandidateTypeRelay:
		return MethodRelay
	case local == webrtc.ICECandidateTypePrflx || remote == webrtc.ICECandidateTypePrflx:
		return MethodHolePunch
	case local == webrtc.ICECandidateTypeSrflx || remote == webrtc.ICECandidateTypeSrflx:
		return MethodStunReflexive
	default:
		return MethodDirect
	}
}
