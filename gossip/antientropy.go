// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/journal"
)

// Shared zstd machinery. Both are safe for concurrent use via
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("gossip: creating zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("gossip: creating zstd decoder: %v", err))
	}
}

// Digest summarizes the local fact set for anti-entropy: the
// concatenation of the sorted fact IDs. Peers diff digests and ship
// each other the facts behind the IDs the other side lacks.
func (f *Flooder) Digest() []byte {
	ids := f.journal.IDs()
	out := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		out = append(out, id[:]...)
	}
	return out
}

// ParseDigest splits a digest back into fact IDs.
func ParseDigest(digest []byte) ([]ident.ID, error) {
	if len(digest)%16 != 0 {
		return nil, fmt.Errorf("digest length %d is not a multiple of 16", len(digest))
	}
	ids := make([]ident.ID, len(digest)/16)
	for i := range ids {
		copy(ids[i][:], digest[i*16:])
	}
	return ids, nil
}

// MissingFromRemote returns the local facts absent from the remote
// digest, ready for batching.
func (f *Flooder) MissingFromRemote(remoteDigest []byte) ([]journal.Fact, error) {
	remoteIDs, err := ParseDigest(remoteDigest)
	if err != nil {
		return nil, err
	}
	remote := make(map[ident.ID]struct{}, len(remoteIDs))
	for _, id := range remoteIDs {
		remote[id] = struct{}{}
	}
	var missing []journal.Fact
	for _, fact := range f.journal.Facts() {
		if _, ok := remote[fact.FactID]; !ok {
			missing = append(missing, fact)
		}
	}
	return missing, nil
}

// EncodeBatch packs fact contents into one compressed frame. Only the
// content travels; the receiver re-derives fact IDs and assigns its
// own sequences.
func EncodeBatch(facts []journal.Fact) ([]byte, error) {
	contents := make([]journal.Content, len(facts))
	for i, fact := range facts {
		contents[i] = fact.Content
	}
	raw, err := codec.Marshal(contents)
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// DecodeBatch unpacks a compressed frame into fact contents.
func DecodeBatch(batch []byte) ([]journal.Content, error) {
	raw, err := zstdDecoder.DecodeAll(batch, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing batch: %w", err)
	}
	var contents []journal.Content
	if err := codec.Unmarshal(raw, &contents); err != nil {
		return nil, fmt.Errorf("decoding batch: %w", err)
	}
	return contents, nil
}

// HandleBatch inserts every fact from a received batch. Duplicates
// are no-ops; malformed contents are rejected individually and
// reported without blocking the rest of the batch.
func (f *Flooder) HandleBatch(batch []byte) (added int, err error) {
	contents, err := DecodeBatch(batch)
	if err != nil {
		return 0, err
	}
	var firstErr error
	for _, content := range contents {
		_, wasNew, err := f.journal.Insert(content)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if wasNew {
			added++
		}
	}
	return added, firstErr
}

// factSize is the wire size a fact's content occupies in a batch,
// used for flow-budget accounting.
func factSize(fact journal.Fact) (uint64, error) {
	encoded, err := fact.Content.CanonicalBytes()
	if err != nil {
		return 0, fmt.Errorf("sizing fact: %w", err)
	}
	return uint64(len(encoded)), nil
}
