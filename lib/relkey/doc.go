// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package relkey derives and distributes relationship key material.
//
// Two accounts that establish a relationship share a pairwise secret
// from an X25519 exchange between their linking devices. From that
// secret and the relationship ID, each side derives the same triple of
// symmetric keys: K_box for envelope encryption, K_tag for content
// tags, and K_psk as a pre-shared key for transport handshakes. The
// derivation is versioned; bumping the version after a device removal
// makes every old triple useless.
//
// The derived record is then HPKE-sealed once per account device, so
// every device of the account can recover the triple from the journal
// without the pairwise secret ever appearing there. Adding a device
// rewraps the existing record for the newcomer only; removing one
// rotates the version and reseals for everybody.
package relkey
