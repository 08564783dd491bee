// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/journal"
	"github.com/aura-foundation/aura/lib/relkey"
	"github.com/aura-foundation/aura/lib/tree"
)

// KeyDistribution is the payload of PairwiseKeyEstablished and
// PairwiseKeyUpdate facts: the relationship, the key version, and one
// sealed record per addressed device.
type KeyDistribution struct {
	Relationship ident.RelationshipID `json:"relationship"`
	Version      uint32               `json:"version"`
	Sealed       []relkey.SealedKeys  `json:"sealed"`
}

// RecoveryGrant is the payload of the context fact a successful
// privileged operation leaves in the guardian relationship.
type RecoveryGrant struct {
	OpDigest ident.Hash32 `json:"op_digest"`
	Epoch    uint64       `json:"epoch"`
	Granted  int64        `json:"granted"`
}

func decodePayload(raw codec.RawMessage, v any) error {
	return codec.Unmarshal(raw, v)
}

// EstablishRelationship derives the pairwise relationship with the
// peer account, seals the key record to every current device, and
// publishes the PairwiseKeyEstablished fact. Establishing an already
// established relationship returns the existing ID.
func (l *Lane) EstablishRelationship(ctx context.Context, peer ident.AccountID, peerStaticPublic []byte) (ident.RelationshipID, error) {
	cmd := &establishCmd{peer: peer, peerStatic: peerStaticPublic, reply: make(chan establishReply, 1)}
	if err := l.post(ctx, cmd); err != nil {
		return ident.Zero, err
	}
	select {
	case r := <-cmd.reply:
		return r.rel, r.err
	case <-ctx.Done():
		return ident.Zero, ctx.Err()
	}
}

type establishReply struct {
	rel ident.RelationshipID
	err error
}

type establishCmd struct {
	peer       ident.AccountID
	peerStatic []byte
	reply      chan establishReply
}

func (c *establishCmd) execute(l *Lane) {
	rel := ident.Relationship(l.cfg.Account, c.peer)
	if _, ok := l.relationships[rel]; ok {
		c.reply <- establishReply{rel: rel}
		return
	}
	secret, err := relkey.PairwiseSecret(l.cfg.Keys.StaticPrivate, c.peerStatic)
	if err != nil {
		c.reply <- establishReply{err: err}
		return
	}
	keys, err := relkey.Derive(secret, rel, 1)
	if err != nil {
		c.reply <- establishReply{err: err}
		return
	}
	devices, wraps := l.deviceWrapKeys()
	if len(devices) == 0 {
		c.reply <- establishReply{err: fmt.Errorf("no device leaves carry a %s key", MetaWrapPublic)}
		return
	}
	sealed, err := keys.SealForAll(l.cfg.Random, devices, wraps)
	if err != nil {
		c.reply <- establishReply{err: err}
		return
	}
	if err := l.publishKeys(journal.RelKeyEstablished, rel, keys.Version, sealed); err != nil {
		c.reply <- establishReply{err: err}
		return
	}
	l.relationships[rel] = keys
	l.log.Info("relationship established", "relationship", rel.Short(), "devices", len(sealed))
	c.reply <- establishReply{rel: rel}
}

func (c *establishCmd) abort() { c.reply <- establishReply{err: ErrStopped} }

// publishKeys writes a key distribution fact into the authority
// journal.
func (l *Lane) publishKeys(kind journal.RelationalKind, rel ident.RelationshipID, version uint32, sealed []relkey.SealedKeys) error {
	payload, err := codec.Marshal(KeyDistribution{Relationship: rel, Version: version, Sealed: sealed})
	if err != nil {
		return fmt.Errorf("encoding key distribution: %w", err)
	}
	_, _, err = l.insertFact(journal.Content{
		Kind: journal.KindRelational,
		Relational: &journal.Relational{
			Kind:         kind,
			Relationship: rel,
			Payload:      payload,
		},
	})
	return err
}

// deviceWrapKeys collects the device leaves carrying an HPKE wrap key
// in their metadata. Leaves without one cannot receive sealed
// relationship keys and are skipped.
func (l *Lane) deviceWrapKeys() ([]ident.DeviceID, map[ident.DeviceID][]byte) {
	var devices []ident.DeviceID
	wraps := make(map[ident.DeviceID][]byte)
	for _, leaf := range l.state.LeavesByRole(tree.RoleDevice) {
		encoded, ok := leaf.Meta[MetaWrapPublic]
		if !ok {
			l.log.Warn("device leaf has no wrap key", "device", leaf.DeviceID.Short())
			continue
		}
		wrap, err := hex.DecodeString(encoded)
		if err != nil {
			l.log.Warn("device leaf wrap key undecodable", "device", leaf.DeviceID.Short(), "error", err)
			continue
		}
		devices = append(devices, leaf.DeviceID)
		wraps[leaf.DeviceID] = wrap
	}
	return devices, wraps
}

// installKeys opens a gossiped key distribution if a sealed record is
// addressed to this device. Older versions never replace newer ones.
func (l *Lane) installKeys(dist KeyDistribution) {
	for _, sealed := range dist.Sealed {
		if sealed.Device != l.cfg.Device {
			continue
		}
		keys, err := relkey.Open(sealed, l.cfg.Keys.WrapPrivate)
		if err != nil {
			l.log.Warn("sealed relationship keys did not open", "relationship", dist.Relationship.Short(), "error", err)
			return
		}
		if existing, ok := l.relationships[dist.Relationship]; ok && existing.Version >= keys.Version {
			return
		}
		l.relationships[dist.Relationship] = keys
		l.log.Info("relationship keys installed",
			"relationship", dist.Relationship.Short(), "version", keys.Version)
		return
	}
}

// afterApply runs the cross-component consequences of a committed
// operation: the policy checkpoint (equivocator revocation), rewrap of
// relationship keys for newly added devices, and recovery grants for
// privileged operations.
func (l *Lane) afterApply(before *tree.State, attested *tree.AttestedOp) {
	l.flushRevocations()
	l.rewrapNewDevices(before)
	if attested.Op.Kind.Privileged() {
		l.writeRecoveryGrants(attested)
	}
}

// flushRevocations revokes every queued equivocator's capability.
// Each committed operation is a policy checkpoint.
func (l *Lane) flushRevocations() {
	if len(l.revocations) == 0 {
		return
	}
	for w := range l.revocations {
		l.log.Info("revoking equivocator capability", "device", w.Short())
		if l.cfg.RevokePeer != nil {
			l.cfg.RevokePeer(w)
		}
	}
	clear(l.revocations)
}

// rewrapNewDevices publishes a PairwiseKeyUpdate for each device leaf
// the applied operation added, sealing the current relationship keys
// to the new device only. Exactly one device does this: the link
// device, the smallest online device ID.
func (l *Lane) rewrapNewDevices(before *tree.State) {
	if len(l.relationships) == 0 {
		return
	}
	var added []tree.LeafNode
	for _, leaf := range l.state.LeavesByRole(tree.RoleDevice) {
		if _, ok := before.DeviceLeaf(leaf.DeviceID); !ok {
			added = append(added, leaf)
		}
	}
	if len(added) == 0 {
		return
	}
	link, ok := relkey.LinkDevice(l.onlineDevices())
	if !ok || link != l.cfg.Device {
		return
	}
	for _, leaf := range added {
		encoded, ok := leaf.Meta[MetaWrapPublic]
		if !ok {
			l.log.Warn("new device leaf has no wrap key, cannot rewrap", "device", leaf.DeviceID.Short())
			continue
		}
		wrap, err := hex.DecodeString(encoded)
		if err != nil {
			l.log.Warn("new device wrap key undecodable", "device", leaf.DeviceID.Short(), "error", err)
			continue
		}
		for rel, keys := range l.relationships {
			sealed, err := keys.Rewrap(l.cfg.Random, leaf.DeviceID, wrap)
			if err != nil {
				l.log.Error("rewrapping relationship keys", "relationship", rel.Short(), "error", err)
				continue
			}
			if err := l.publishKeys(journal.RelKeyUpdate, rel, keys.Version, []relkey.SealedKeys{sealed}); err != nil {
				l.log.Error("publishing key update", "relationship", rel.Short(), "error", err)
			}
		}
	}
}

// writeRecoveryGrants records a successful privileged operation in
// every attached guardian context journal.
func (l *Lane) writeRecoveryGrants(attested *tree.AttestedOp) {
	digest, err := attested.Op.Digest()
	if err != nil {
		return
	}
	grant := RecoveryGrant{
		OpDigest: digest,
		Epoch:    l.state.Epoch,
		Granted:  l.clk.Now().UnixMilli(),
	}
	payload, err := codec.Marshal(grant)
	if err != nil {
		l.log.Error("encoding recovery grant", "error", err)
		return
	}
	for rel, cj := range l.contexts {
		_, _, err := cj.Insert(journal.Content{
			Kind: journal.KindRelational,
			Relational: &journal.Relational{
				Kind:         journal.RelRecoveryGrant,
				Relationship: rel,
				Payload:      payload,
			},
		})
		if err != nil {
			l.log.Error("writing recovery grant", "relationship", rel.Short(), "error", err)
		}
	}
}
