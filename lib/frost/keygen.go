// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package frost

import (
	"encoding/binary"
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// Share is one Shamir share of the group signing key. Index is the
// evaluation point, never zero.
type Share struct {
	Index  uint32
	Secret *edwards25519.Scalar
}

// PublicShare is the verification point for one share, B·secret.
// Published at keygen so partial signatures can be checked without
// revealing the share.
type PublicShare struct {
	Index uint32
	Point []byte
}

// Keygen is the dealer's output: the 32-byte group verification key
// and one share per signer.
type Keygen struct {
	GroupKey     []byte
	Shares       []Share
	PublicShares []PublicShare
	Threshold    int
}

// Deal splits a fresh signing key into total shares with the given
// threshold. The dealer's polynomial and the underlying secret never
// leave this function.
func Deal(random io.Reader, threshold, total int) (*Keygen, error) {
	if threshold < 1 || threshold > total {
		return nil, fmt.Errorf("threshold %d out of range for %d shares", threshold, total)
	}

	// f(x) = a_0 + a_1 x + ... + a_{t-1} x^{t-1}, a_0 the group secret.
	coeffs := make([]*edwards25519.Scalar, threshold)
	for i := range coeffs {
		s, err := randomScalar(random)
		if err != nil {
			return nil, err
		}
		coeffs[i] = s
	}

	groupPoint := new(edwards25519.Point).ScalarBaseMult(coeffs[0])
	kg := &Keygen{
		GroupKey:  groupPoint.Bytes(),
		Threshold: threshold,
	}

	for i := 1; i <= total; i++ {
		x := scalarFromIndex(uint32(i))
		// Horner evaluation.
		acc := edwards25519.NewScalar()
		for j := threshold - 1; j >= 0; j-- {
			acc.MultiplyAdd(acc, x, coeffs[j])
		}
		kg.Shares = append(kg.Shares, Share{Index: uint32(i), Secret: acc})
		kg.PublicShares = append(kg.PublicShares, PublicShare{
			Index: uint32(i),
			Point: new(edwards25519.Point).ScalarBaseMult(acc).Bytes(),
		})
	}
	return kg, nil
}

// randomScalar draws a uniform scalar from the random source.
func randomScalar(random io.Reader) (*edwards25519.Scalar, error) {
	var wide [64]byte
	if _, err := io.ReadFull(random, wide[:]); err != nil {
		return nil, fmt.Errorf("reading randomness: %w", err)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		return nil, fmt.Errorf("deriving scalar: %w", err)
	}
	return s, nil
}

// scalarFromIndex encodes a share index as a field scalar. Indices are
// small positive integers, far below the group order.
func scalarFromIndex(index uint32) *edwards25519.Scalar {
	var buf [32]byte
	binary.LittleEndian.PutUint32(buf[:4], index)
	s, err := edwards25519.NewScalar().SetCanonicalBytes(buf[:])
	if err != nil {
		// Unreachable: any uint32 is canonical.
		panic(fmt.Sprintf("frost: index %d not a canonical scalar: %v", index, err))
	}
	return s
}

// lagrangeAtZero computes the Lagrange basis coefficient for index
// within the participating set, evaluated at zero. The set must hold
// distinct non-zero indices including index itself.
func lagrangeAtZero(index uint32, set []uint32) (*edwards25519.Scalar, error) {
	num := scalarFromIndex(1)
	den := scalarFromIndex(1)
	seen := false
	for _, j := range set {
		if j == index {
			seen = true
			continue
		}
		xj := scalarFromIndex(j)
		num.Multiply(num, xj)
		diff := edwards25519.NewScalar().Subtract(xj, scalarFromIndex(index))
		den.Multiply(den, diff)
	}
	if !seen {
		return nil, fmt.Errorf("index %d not in signer set %v", index, set)
	}
	return num.Multiply(num, den.Invert(den)), nil
}
