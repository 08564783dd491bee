// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package erasure shards storage chunks for replication across peers.
//
// A chunk encoded with parameters (k, n) becomes n fragments of which
// any k reconstruct the original. The first k fragments are
// contiguous slices of the padded chunk; the rest are Reed-Solomon
// parity. A distribution plan assigns fragments to peers; the plan is
// valid as long as every fragment index lands on at least one peer.
package erasure

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/aura-foundation/aura/lib/ident"
)

// Params fixes one encoding's geometry. All fragments of a chunk
// carry the same params; mixing geometries is a caller error.
type Params struct {
	// K is the number of fragments needed for reconstruction.
	K int `json:"k"`
	// N is the total number of fragments, K data plus N-K parity.
	N int `json:"n"`
	// FragmentSize is the byte size of every fragment.
	FragmentSize int `json:"fragment_size"`
}

// Validate checks the geometry is encodable. k == n is the degenerate
// zero-parity geometry: a plain split with no redundancy.
func (p Params) Validate() error {
	if p.K < 1 || p.N < p.K || p.N > 255 {
		return fmt.Errorf("erasure params k=%d n=%d: need 1 <= k <= n <= 255", p.K, p.N)
	}
	return nil
}

// Fragment is one shard of an encoded chunk.
type Fragment struct {
	Index        int    `json:"index"`
	Data         []byte `json:"data"`
	Params       Params `json:"params"`
	OriginalSize int    `json:"original_size"`
}

// Encode shards the chunk into n fragments, any k of which suffice to
// reconstruct it.
func Encode(chunk []byte, k, n int) ([]Fragment, error) {
	params := Params{K: k, N: n}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(chunk) == 0 {
		return nil, errors.New("empty chunk")
	}

	// Zero-parity geometry: split without the library, which wants at
	// least one parity shard.
	if k == n {
		shards := splitEven(chunk, k)
		params.FragmentSize = len(shards[0])
		fragments := make([]Fragment, n)
		for i, shard := range shards {
			fragments[i] = Fragment{
				Index:        i,
				Data:         shard,
				Params:       params,
				OriginalSize: len(chunk),
			}
		}
		return fragments, nil
	}

	enc, err := reedsolomon.New(k, n-k)
	if err != nil {
		return nil, fmt.Errorf("building encoder: %w", err)
	}
	shards, err := enc.Split(chunk)
	if err != nil {
		return nil, fmt.Errorf("splitting chunk: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("computing parity: %w", err)
	}

	params.FragmentSize = len(shards[0])
	fragments := make([]Fragment, n)
	for i, shard := range shards {
		fragments[i] = Fragment{
			Index:        i,
			Data:         shard,
			Params:       params,
			OriginalSize: len(chunk),
		}
	}
	return fragments, nil
}

// Reconstruct rebuilds the chunk from any k or more fragments.
// Fragments must share one geometry and original size.
func Reconstruct(fragments []Fragment) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, errors.New("no fragments")
	}
	params := fragments[0].Params
	if err := params.Validate(); err != nil {
		return nil, err
	}
	size := fragments[0].OriginalSize

	shards := make([][]byte, params.N)
	for _, f := range fragments {
		if f.Params != params || f.OriginalSize != size {
			return nil, fmt.Errorf("fragment %d geometry mismatch", f.Index)
		}
		if f.Index < 0 || f.Index >= params.N {
			return nil, fmt.Errorf("fragment index %d out of range [0, %d)", f.Index, params.N)
		}
		if len(f.Data) != params.FragmentSize {
			return nil, fmt.Errorf("fragment %d is %d bytes, want %d", f.Index, len(f.Data), params.FragmentSize)
		}
		shards[f.Index] = f.Data
	}

	// Zero-parity geometry: nothing can rebuild a missing shard, so
	// every fragment must be present.
	if params.K == params.N {
		out := make([]byte, 0, params.N*params.FragmentSize)
		for i, shard := range shards {
			if shard == nil {
				return nil, fmt.Errorf("fragment %d missing and geometry has no parity", i)
			}
			out = append(out, shard...)
		}
		return out[:size], nil
	}

	enc, err := reedsolomon.New(params.K, params.N-params.K)
	if err != nil {
		return nil, fmt.Errorf("building encoder: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstructing: %w", err)
	}

	var out bytes.Buffer
	out.Grow(size)
	if err := enc.Join(&out, shards, size); err != nil {
		return nil, fmt.Errorf("joining shards: %w", err)
	}
	return out.Bytes(), nil
}

// splitEven cuts the chunk into k equal shards, zero-padding the last
// one, matching the library's Split convention.
func splitEven(chunk []byte, k int) [][]byte {
	shardSize := (len(chunk) + k - 1) / k
	padded := make([]byte, shardSize*k)
	copy(padded, chunk)
	shards := make([][]byte, k)
	for i := range shards {
		shards[i] = padded[i*shardSize : (i+1)*shardSize]
	}
	return shards
}

// Distribution maps peers to the fragment indices they hold.
type Distribution map[ident.DeviceID][]int

// Validate reports whether the plan covers every fragment index of
// the geometry at least once.
func (d Distribution) Validate(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	covered := make([]bool, params.N)
	for peer, indices := range d {
		for _, idx := range indices {
			if idx < 0 || idx >= params.N {
				return fmt.Errorf("peer %s assigned index %d out of range [0, %d)", peer.Short(), idx, params.N)
			}
			covered[idx] = true
		}
	}
	for idx, ok := range covered {
		if !ok {
			return fmt.Errorf("fragment %d assigned to no peer", idx)
		}
	}
	return nil
}
