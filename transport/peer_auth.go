// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/hdevalence/ed25519consensus"

	"github.com/aura-foundation/aura/lib/ident"
)

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authSignatureSize is the size of an Ed25519 signature in bytes.
const authSignatureSize = 64

// authTimeout bounds the whole handshake: nonce exchange, signing,
// and verification. A link that cannot authenticate inside this
// window is torn down.
const authTimeout = 10 * time.Second

// PeerAuthenticator binds a fresh transport link to a device
// identity. Each new connection completes a mutual challenge-response
// handshake before it carries payloads: both ends exchange random
// nonces, sign the peer's nonce with their device signing key, and
// verify the returned signature against the peer's published public
// key. A peer that can reach the signaling or rendezvous channel
// still cannot pass as a device whose key it lacks.
type PeerAuthenticator interface {
	// Sign signs message with the local device's Ed25519 signing
	// key and returns the 64-byte signature.
	Sign(message []byte) []byte

	// VerifyPeer verifies that signature over message was produced
	// by the named device. Returns an error when the device's public
	// key is unknown or the signature does not verify.
	VerifyPeer(peer ident.DeviceID, message, signature []byte) error
}

// KeyringAuthenticator implements [PeerAuthenticator] over a local
// signing key and a lookup of peer verification keys. The lookup
// typically reads the device roster from the commitment tree.
type KeyringAuthenticator struct {
	// Private is the local device's Ed25519 signing key.
	Private ed25519.PrivateKey

	// PublicKey resolves a device to its Ed25519 verification key.
	// Returns false for unknown devices.
	PublicKey func(peer ident.DeviceID) (ed25519.PublicKey, bool)
}

var _ PeerAuthenticator = (*KeyringAuthenticator)(nil)

func (a *KeyringAuthenticator) Sign(message []byte) []byte {
	return ed25519.Sign(a.Private, message)
}

func (a *KeyringAuthenticator) VerifyPeer(peer ident.DeviceID, message, signature []byte) error {
	public, ok := a.PublicKey(peer)
	if !ok {
		return fmt.Errorf("no verification key for device %s", peer.Short())
	}
	if !ed25519consensus.Verify(public, message, signature) {
		return fmt.Errorf("signature from device %s does not verify", peer.Short())
	}
	return nil
}

// runPeerAuth executes the mutual handshake on a fresh link. Both
// ends run this function concurrently on the same channel:
//
//  1. Send a 32-byte random nonce
//  2. Read the peer's 32-byte nonce
//  3. Sign (peerNonce || peer device ID), binding the response to
//     the specific challenger
//  4. Send the 64-byte Ed25519 signature
//  5. Read the peer's 64-byte signature
//  6. Verify it over (ownNonce || own device ID) with the peer's key
//
// The identity binding in step 3 stops a signature collected while
// authenticating to device A from being replayed toward device B.
//
// Writes run in a background goroutine so the handshake cannot
// deadlock on synchronous channels such as net.Pipe, where a Write
// blocks until the peer Reads. Without it both sides would sit in
// their initial Write forever.
//
// The caller closes the channel after this returns.
func runPeerAuth(channel io.ReadWriter, authenticator PeerAuthenticator, local, peer ident.DeviceID) error {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating auth nonce: %w", err)
	}

	// The writer goroutine sends the nonce immediately and the
	// signature once the main goroutine computes it.
	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)

	go func() {
		if _, err := channel.Write(nonce); err != nil {
			writeErrors <- fmt.Errorf("sending auth nonce: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			return
		}
		if _, err := channel.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peerNonce := make([]byte, authNonceSize)
	if _, err := io.ReadFull(channel, peerNonce); err != nil {
		close(signatureToSend)
		return fmt.Errorf("reading peer nonce: %w", err)
	}

	// Sign (peerNonce || peer): "I am answering this challenge from
	// the device that claims to be peer."
	signedMessage := make([]byte, 0, authNonceSize+len(peer))
	signedMessage = append(signedMessage, peerNonce...)
	signedMessage = append(signedMessage, peer[:]...)
	signature := authenticator.Sign(signedMessage)

	signatureToSend <- signature

	peerSignature := make([]byte, authSignatureSize)
	if _, err := io.ReadFull(channel, peerSignature); err != nil {
		return fmt.Errorf("reading peer signature: %w", err)
	}

	if err := <-writeErrors; err != nil {
		return err
	}

	// The peer must have signed our nonce bound to our identity.
	verifyMessage := make([]byte, 0, authNonceSize+len(local))
	verifyMessage = append(verifyMessage, nonce...)
	verifyMessage = append(verifyMessage, local[:]...)
	if err := authenticator.VerifyPeer(peer, verifyMessage, peerSignature); err != nil {
		return fmt.Errorf("device %s failed authentication: %w", peer.Short(), err)
	}

	return nil
}
