// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC
// PeerConnections. Deployments refresh TURN credentials periodically
// and swap the config on the transport; new PeerConnections pick up
// the update.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN and TURN) used during
	// candidate gathering. Order matters: pion tries them in
	// sequence.
	Servers []webrtc.ICEServer
}

// TURNCredentials is a time-limited TURN allocation grant.
type TURNCredentials struct {
	URIs     []string
	Username string
	Password string
}

// ICEConfigFrom builds an ICEConfig from STUN server URLs and
// optional TURN credentials. With no servers at all the config
// gathers only host candidates, which suffices for same-machine and
// same-LAN runs and for tests on loopback.
func ICEConfigFrom(stunURLs []string, turn *TURNCredentials) ICEConfig {
	var servers []webrtc.ICEServer
	if len(stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
	}
	if turn != nil && len(turn.URIs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn.URIs,
			Username:   turn.Username,
			Credential: turn.Password,
		})
	}
	return ICEConfig{Servers: servers}
}
