// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package frost

import (
	"crypto/sha512"
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// Nonce is one signer's per-ceremony secret nonce and its public
// commitment. A nonce must never be used for two different messages;
// the ceremony creates a fresh one per session.
type Nonce struct {
	secret     *edwards25519.Scalar
	commitment []byte
}

// NewNonce draws a fresh nonce from the random source.
func NewNonce(random io.Reader) (*Nonce, error) {
	r, err := randomScalar(random)
	if err != nil {
		return nil, err
	}
	return &Nonce{
		secret:     r,
		commitment: new(edwards25519.Point).ScalarBaseMult(r).Bytes(),
	}, nil
}

// Commitment returns the 32-byte public nonce point.
func (n *Nonce) Commitment() []byte { return n.commitment }

// AggregateCommitments sums the signers' nonce commitments into the
// group nonce point R.
func AggregateCommitments(commitments [][]byte) ([]byte, error) {
	if len(commitments) == 0 {
		return nil, fmt.Errorf("no nonce commitments")
	}
	sum := edwards25519.NewIdentityPoint()
	for i, c := range commitments {
		p, err := new(edwards25519.Point).SetBytes(c)
		if err != nil {
			return nil, fmt.Errorf("nonce commitment %d: %w", i, err)
		}
		sum.Add(sum, p)
	}
	return sum.Bytes(), nil
}

// Challenge derives the signing challenge exactly as an Ed25519
// verifier will: SHA-512 over the aggregate nonce, the group key, and
// the message, reduced to a scalar.
func Challenge(aggNonce, groupKey, message []byte) (*edwards25519.Scalar, error) {
	if len(aggNonce) != 32 || len(groupKey) != 32 {
		return nil, fmt.Errorf("aggregate nonce and group key must be 32 bytes")
	}
	h := sha512.New()
	h.Write(aggNonce)
	h.Write(groupKey)
	h.Write(message)
	c, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("reducing challenge: %w", err)
	}
	return c, nil
}

// PartialSign produces one signer's response scalar for the ceremony:
// the nonce plus the challenge times the Lagrange-weighted share.
// signers is the full participating index set for this session; the
// weighting depends on exactly who participates, so it must match the
// set the coordinator announced.
func PartialSign(share Share, nonce *Nonce, challenge *edwards25519.Scalar, signers []uint32) ([]byte, error) {
	lambda, err := lagrangeAtZero(share.Index, signers)
	if err != nil {
		return nil, err
	}
	weighted := edwards25519.NewScalar().Multiply(lambda, share.Secret)
	z := edwards25519.NewScalar().MultiplyAdd(challenge, weighted, nonce.secret)
	return z.Bytes(), nil
}

// VerifyPartial checks one partial response against the signer's nonce
// commitment and public share: z_i·B == R_i + c·λ_i·S_i. Used by the
// coordinator to pin blame before aggregating.
func VerifyPartial(pub PublicShare, commitment []byte, challenge *edwards25519.Scalar, signers []uint32, partial []byte) error {
	z, err := edwards25519.NewScalar().SetCanonicalBytes(partial)
	if err != nil {
		return fmt.Errorf("partial from signer %d: %w", pub.Index, err)
	}
	ri, err := new(edwards25519.Point).SetBytes(commitment)
	if err != nil {
		return fmt.Errorf("nonce commitment from signer %d: %w", pub.Index, err)
	}
	si, err := new(edwards25519.Point).SetBytes(pub.Point)
	if err != nil {
		return fmt.Errorf("public share %d: %w", pub.Index, err)
	}
	lambda, err := lagrangeAtZero(pub.Index, signers)
	if err != nil {
		return err
	}
	weight := edwards25519.NewScalar().Multiply(challenge, lambda)
	want := new(edwards25519.Point).Add(ri, new(edwards25519.Point).ScalarMult(weight, si))
	got := new(edwards25519.Point).ScalarBaseMult(z)
	if got.Equal(want) != 1 {
		return fmt.Errorf("partial from signer %d does not verify", pub.Index)
	}
	return nil
}

// Aggregate sums the partial responses and assembles the 64-byte
// signature R || z. The result verifies as a standard Ed25519
// signature under the group key.
func Aggregate(aggNonce []byte, partials [][]byte) ([]byte, error) {
	if len(aggNonce) != 32 {
		return nil, fmt.Errorf("aggregate nonce must be 32 bytes")
	}
	sum := edwards25519.NewScalar()
	for i, p := range partials {
		z, err := edwards25519.NewScalar().SetCanonicalBytes(p)
		if err != nil {
			return nil, fmt.Errorf("partial %d: %w", i, err)
		}
		sum.Add(sum, z)
	}
	sig := make([]byte, 64)
	copy(sig[:32], aggNonce)
	copy(sig[32:], sum.Bytes())
	return sig, nil
}
