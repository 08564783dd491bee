// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package frost implements the threshold Schnorr scheme behind
// attested tree operations.
//
// A dealer splits an Ed25519 signing key into n Shamir shares with
// threshold t. Any t share holders can jointly produce an ordinary
// 64-byte Ed25519 signature under the group verification key, in two
// rounds: each signer commits to a fresh nonce point, then, after
// seeing the aggregate nonce and the challenge derived from it, each
// returns a partial scalar weighted by its Lagrange coefficient. The
// sum of the partials with the aggregate nonce is a signature any
// standard Ed25519 verifier accepts; nothing about which t devices
// signed is recoverable from it.
//
// The ceremony protocol (sessions, timeouts, message ordering) lives
// in the consensus package; this package is only the field and group
// arithmetic.
package frost
