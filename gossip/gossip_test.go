// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aura-foundation/aura/lib/clock"
	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/flowbudget"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/journal"
)

func testJournal(t *testing.T) *journal.Journal {
	t.Helper()
	ctx, err := ident.NewID(rand.Reader)
	if err != nil {
		t.Fatalf("generating context id: %v", err)
	}
	j, err := journal.New(journal.NamespaceContext, ctx, nil)
	if err != nil {
		t.Fatalf("creating journal: %v", err)
	}
	return j
}

func testFact(t *testing.T, j *journal.Journal, payload string) journal.Fact {
	t.Helper()
	raw, err := codec.Marshal(payload)
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	rel, err := ident.NewID(rand.Reader)
	if err != nil {
		t.Fatalf("generating relationship id: %v", err)
	}
	fact, _, err := j.Insert(journal.Content{
		Kind: journal.KindRelational,
		Relational: &journal.Relational{
			Kind:         journal.RelGeneric,
			Relationship: rel,
			Payload:      raw,
		},
	})
	if err != nil {
		t.Fatalf("inserting fact: %v", err)
	}
	return fact
}

func testPeer(t *testing.T) ident.DeviceID {
	t.Helper()
	id, err := ident.NewID(rand.Reader)
	if err != nil {
		t.Fatalf("generating peer id: %v", err)
	}
	return id
}

func testFlooder(t *testing.T, cfg Config) (*Flooder, *journal.Journal, *clock.FakeClock) {
	t.Helper()
	j := testJournal(t)
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.DiscardHandler)
	return New(cfg, j, clk, logger), j, clk
}

func TestAnnounceFansOut(t *testing.T) {
	f, j, clk := testFlooder(t, DefaultConfig())
	noDecay := flowbudget.Decay{Kind: flowbudget.DecayNone}
	p1, p2 := testPeer(t), testPeer(t)
	f.AddPeer(p1, flowbudget.New(1<<20, 4, noDecay, clk.Now()))
	f.AddPeer(p2, flowbudget.New(1<<20, 4, noDecay, clk.Now()))

	fact := testFact(t, j, "hello")
	announcements, err := f.Announce(fact)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(announcements) != 2 {
		t.Fatalf("announced to %d peers, want 2", len(announcements))
	}
	if f.Pending() != 2 {
		t.Errorf("pending = %d, want 2", f.Pending())
	}
	for _, a := range announcements {
		a.Done()
		a.Done() // idempotent
	}
	if f.Pending() != 0 {
		t.Errorf("pending after done = %d, want 0", f.Pending())
	}
}

// A 1000-byte edge budget and a stream of facts: once the budget is
// below a fact's size, that edge is skipped while others carry on.
func TestBudgetExhaustionSkipsEdge(t *testing.T) {
	f, j, clk := testFlooder(t, DefaultConfig())
	noDecay := flowbudget.Decay{Kind: flowbudget.DecayNone}

	fact := testFact(t, j, "sized")
	size, err := factSize(fact)
	if err != nil {
		t.Fatalf("sizing: %v", err)
	}

	starved, healthy := testPeer(t), testPeer(t)
	f.AddPeer(starved, flowbudget.New(5*size, 4, noDecay, clk.Now()))
	f.AddPeer(healthy, flowbudget.New(1000*size, 4, noDecay, clk.Now()))

	for i := range 5 {
		fact := testFact(t, j, "sized") // same payload shape, same size
		announcements, err := f.Announce(fact)
		if err != nil {
			t.Fatalf("announce %d: %v", i, err)
		}
		if len(announcements) != 2 {
			t.Fatalf("announce %d reached %d peers, want 2", i, len(announcements))
		}
		for _, a := range announcements {
			a.Done()
		}
	}

	// The starved edge is now exhausted.
	announcements, err := f.Announce(fact)
	if err != nil {
		t.Fatalf("announce after exhaustion: %v", err)
	}
	if len(announcements) != 1 || announcements[0].Peer != healthy {
		t.Fatalf("announce reached %d peers, want only the healthy one", len(announcements))
	}
	announcements[0].Done()
}

func TestRateLimitAndReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpsPerPeer = 2
	f, j, clk := testFlooder(t, cfg)
	peer := testPeer(t)
	f.AddPeer(peer, flowbudget.New(1<<20, 4, flowbudget.Decay{Kind: flowbudget.DecayNone}, clk.Now()))

	for i := range 2 {
		announcements, err := f.Announce(testFact(t, j, "rate"))
		if err != nil {
			t.Fatalf("announce %d: %v", i, err)
		}
		if len(announcements) != 1 {
			t.Fatalf("announce %d reached %d peers, want 1", i, len(announcements))
		}
		announcements[0].Done()
	}

	// Third announcement in the interval: rate limited.
	announcements, err := f.Announce(testFact(t, j, "rate"))
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(announcements) != 0 {
		t.Fatal("rate-limited peer still received an announcement")
	}

	f.ResetRateLimits()
	announcements, err = f.Announce(testFact(t, j, "rate"))
	if err != nil {
		t.Fatalf("announce after reset: %v", err)
	}
	if len(announcements) != 1 {
		t.Fatal("reset did not restore the peer's rate budget")
	}
	announcements[0].Done()
}

func TestPendingQueueBackPressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingAnnouncements = 1
	f, j, clk := testFlooder(t, cfg)
	p1, p2 := testPeer(t), testPeer(t)
	noDecay := flowbudget.Decay{Kind: flowbudget.DecayNone}
	f.AddPeer(p1, flowbudget.New(1<<20, 4, noDecay, clk.Now()))
	f.AddPeer(p2, flowbudget.New(1<<20, 4, noDecay, clk.Now()))

	// Two eligible peers cannot fit in a queue of one; nothing is
	// charged.
	if _, err := f.Announce(testFact(t, j, "bp")); !errors.Is(err, ErrBackPressure) {
		t.Fatalf("announce over queue bound: err=%v, want ErrBackPressure", err)
	}
	if f.Pending() != 0 {
		t.Errorf("failed announce left pending = %d", f.Pending())
	}
}

func TestServePull(t *testing.T) {
	f, j, _ := testFlooder(t, DefaultConfig())
	fact := testFact(t, j, "pull me")

	got, ok := f.ServePull(fact.FactID)
	if !ok || got.FactID != fact.FactID {
		t.Error("held fact not served")
	}
	unknown, err := ident.NewID(rand.Reader)
	if err != nil {
		t.Fatalf("generating id: %v", err)
	}
	if _, ok := f.ServePull(unknown); ok {
		t.Error("unknown id served")
	}
}

func TestAntiEntropyConverges(t *testing.T) {
	fa, ja, _ := testFlooder(t, DefaultConfig())
	fb, jb, _ := testFlooder(t, DefaultConfig())

	shared := testFact(t, ja, "both")
	if _, _, err := jb.Insert(shared.Content); err != nil {
		t.Fatalf("inserting shared fact: %v", err)
	}
	testFact(t, ja, "only a")
	testFact(t, jb, "only b")

	// A ships what B is missing and vice versa.
	forB, err := fa.MissingFromRemote(fb.Digest())
	if err != nil {
		t.Fatalf("diffing: %v", err)
	}
	forA, err := fb.MissingFromRemote(fa.Digest())
	if err != nil {
		t.Fatalf("diffing: %v", err)
	}
	if len(forB) != 1 || len(forA) != 1 {
		t.Fatalf("diff sizes %d and %d, want 1 and 1", len(forB), len(forA))
	}

	batchForB, err := EncodeBatch(forB)
	if err != nil {
		t.Fatalf("encoding batch: %v", err)
	}
	batchForA, err := EncodeBatch(forA)
	if err != nil {
		t.Fatalf("encoding batch: %v", err)
	}
	if added, err := fb.HandleBatch(batchForB); err != nil || added != 1 {
		t.Fatalf("b handling batch: added=%d err=%v", added, err)
	}
	if added, err := fa.HandleBatch(batchForA); err != nil || added != 1 {
		t.Fatalf("a handling batch: added=%d err=%v", added, err)
	}

	if ja.Commitment() != jb.Commitment() {
		t.Error("journals diverge after anti-entropy")
	}

	// A repeated exchange is a no-op.
	if added, err := fb.HandleBatch(batchForB); err != nil || added != 0 {
		t.Errorf("duplicate batch: added=%d err=%v", added, err)
	}
}

func TestBatchRoundtrip(t *testing.T) {
	f, j, _ := testFlooder(t, DefaultConfig())
	_ = f
	var facts []journal.Fact
	for _, s := range []string{"one", "two", "three"} {
		facts = append(facts, testFact(t, j, s))
	}
	batch, err := EncodeBatch(facts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	contents, err := DecodeBatch(batch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(contents) != 3 {
		t.Fatalf("decoded %d contents, want 3", len(contents))
	}
	for i, content := range contents {
		id, err := content.ID()
		if err != nil {
			t.Fatalf("deriving id: %v", err)
		}
		if id != facts[i].FactID {
			t.Errorf("content %d re-derives a different fact id", i)
		}
	}
}

func TestRevokePeer(t *testing.T) {
	f, j, clk := testFlooder(t, DefaultConfig())
	peer := testPeer(t)
	f.AddPeer(peer, flowbudget.New(1<<20, 4, flowbudget.Decay{Kind: flowbudget.DecayNone}, clk.Now()))

	f.RevokePeer(peer)
	announcements, err := f.Announce(testFact(t, j, "revoked"))
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(announcements) != 0 {
		t.Error("revoked peer still received an announcement")
	}
}
