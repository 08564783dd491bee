// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"fmt"
	"slices"
	"sync"

	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/tree"
)

// Namespace distinguishes the two journal flavors. The namespace
// restricts which fact kinds a journal accepts.
type Namespace string

const (
	// NamespaceAuthority is the per-account journal that reduces to
	// the commitment tree. It holds attested operations, snapshots,
	// and the relational facts that distribute key material to the
	// account's devices. It never holds flow budget facts.
	NamespaceAuthority Namespace = "authority"
	// NamespaceContext is the per-relationship journal. It holds
	// relational and flow budget facts and snapshots, and never holds
	// attested operations.
	NamespaceContext Namespace = "context"
)

// Journal is an append-only set of facts for one namespace. The
// account lane is the exclusive writer; any goroutine may read.
type Journal struct {
	namespace Namespace
	context   ident.ContextID

	mu      sync.RWMutex
	facts   map[ident.ID]Fact
	nextSeq uint64
	store   Store
}

// New opens a journal over the given store, replaying any persisted
// facts. A nil store keeps the journal memory-only (simulation and
// tests).
func New(namespace Namespace, context ident.ContextID, store Store) (*Journal, error) {
	j := &Journal{
		namespace: namespace,
		context:   context,
		facts:     make(map[ident.ID]Fact),
		nextSeq:   1,
		store:     store,
	}
	if store != nil {
		persisted, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("loading journal %s: %w", context.Short(), err)
		}
		for _, fact := range persisted {
			j.facts[fact.FactID] = fact
			if fact.Sequence >= j.nextSeq {
				j.nextSeq = fact.Sequence + 1
			}
		}
	}
	return j, nil
}

// Namespace returns the journal's namespace.
func (j *Journal) Namespace() Namespace { return j.namespace }

// Context returns the journal's context ID.
func (j *Journal) Context() ident.ContextID { return j.context }

// Insert validates content, derives its fact ID, and appends it. The
// durable write happens before the fact becomes visible; on storage
// failure nothing is inserted. Inserting content that is already
// present is a no-op: the stored fact is returned with added=false.
func (j *Journal) Insert(content Content) (Fact, bool, error) {
	if err := content.Validate(); err != nil {
		return Fact{}, false, err
	}
	if err := j.checkNamespace(content.Kind); err != nil {
		return Fact{}, false, err
	}
	id, err := content.ID()
	if err != nil {
		return Fact{}, false, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if existing, ok := j.facts[id]; ok {
		return existing, false, nil
	}

	fact := Fact{FactID: id, Sequence: j.nextSeq, Content: content}
	if j.store != nil {
		// Durable before visible. A crash after this line but before
		// the map insert replays the fact from the store on reopen.
		if err := j.store.Append(fact); err != nil {
			return Fact{}, false, fmt.Errorf("durable append: %w", err)
		}
	}
	j.facts[id] = fact
	j.nextSeq++
	return fact, true, nil
}

// checkNamespace enforces which kinds each namespace accepts.
func (j *Journal) checkNamespace(kind Kind) error {
	switch j.namespace {
	case NamespaceAuthority:
		if kind == KindFlowBudget {
			return fmt.Errorf("%w: flow budget fact in authority journal", ErrMalformed)
		}
	case NamespaceContext:
		if kind == KindAttestedOp {
			return fmt.Errorf("%w: attested op in context journal", ErrMalformed)
		}
	}
	return nil
}

// Get returns the fact with the given ID.
func (j *Journal) Get(id ident.ID) (Fact, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	fact, ok := j.facts[id]
	return fact, ok
}

// Contains reports whether the journal holds the given fact ID.
func (j *Journal) Contains(id ident.ID) bool {
	_, ok := j.Get(id)
	return ok
}

// Len returns the number of facts.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.facts)
}

// IDs returns all fact IDs in lexicographic order.
func (j *Journal) IDs() []ident.ID {
	j.mu.RLock()
	defer j.mu.RUnlock()
	ids := make([]ident.ID, 0, len(j.facts))
	for id := range j.facts {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareIDs)
	return ids
}

// Facts returns all facts ordered by lexicographic fact ID. The order
// is canonical but carries no causal meaning; reduction imposes its
// own order.
func (j *Journal) Facts() []Fact {
	j.mu.RLock()
	defer j.mu.RUnlock()
	facts := make([]Fact, 0, len(j.facts))
	for _, fact := range j.facts {
		facts = append(facts, fact)
	}
	slices.SortFunc(facts, func(a, b Fact) int { return compareIDs(a.FactID, b.FactID) })
	return facts
}

// Commitment returns the journal-set-domain hash of the sorted fact
// IDs: a compact summary two replicas can compare to detect
// divergence.
func (j *Journal) Commitment() ident.Hash32 {
	ids := j.IDs()
	joined := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		joined = append(joined, id[:]...)
	}
	return ident.HashJournal(joined)
}

// ReduceTree folds the journal's attested operations into a tree
// state. Only meaningful for authority journals; a context journal
// reduces to the empty state.
func (j *Journal) ReduceTree() (*tree.State, *tree.ReduceReport, error) {
	j.mu.RLock()
	var ops []tree.AttestedOp
	for _, fact := range j.facts {
		if fact.Content.Kind == KindAttestedOp {
			ops = append(ops, *fact.Content.AttestedOp)
		}
	}
	j.mu.RUnlock()
	return tree.Reduce(ops)
}

// PlanSnapshot computes the snapshot content covering every fact
// inserted before the given sequence, and the set of fact IDs that
// snapshot supersedes (see Superseded).
func (j *Journal) PlanSnapshot(seq uint64, stateHash ident.Hash32) (Content, []ident.ID) {
	content := Content{
		Kind:     KindSnapshot,
		Snapshot: &Snapshot{Sequence: seq, StateHash: stateHash},
	}
	return content, j.Superseded(seq)
}

// Superseded returns the facts a snapshot at seq may collect:
// non-snapshot facts strictly older than seq, excluding attested
// operations on the winning reduction chain. Winning-chain operations
// are retained forever so the tree stays reducible from a compacted
// journal; only tie-break losers, rejected ops, and context-style
// facts are eligible.
func (j *Journal) Superseded(seq uint64) []ident.ID {
	_, report, err := j.ReduceTree()
	winning := make(map[ident.Hash32]bool)
	if err == nil && report != nil {
		for _, digest := range report.Applied {
			winning[digest] = true
		}
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	var superseded []ident.ID
	for id, fact := range j.facts {
		if fact.Sequence >= seq {
			continue
		}
		if fact.Content.Kind == KindSnapshot {
			continue
		}
		if fact.Content.Kind == KindAttestedOp {
			digest, err := fact.Content.AttestedOp.Digest()
			if err == nil && winning[digest] {
				continue
			}
		}
		superseded = append(superseded, id)
	}
	slices.SortFunc(superseded, compareIDs)
	return superseded
}

// GC deletes the given facts, which must be authorized by a snapshot
// already present in the journal: only non-snapshot facts older than
// the newest snapshot's covered sequence may go.
func (j *Journal) GC(ids []ident.ID) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var horizon uint64
	for _, fact := range j.facts {
		if fact.Content.Kind == KindSnapshot && fact.Content.Snapshot.Sequence > horizon {
			horizon = fact.Content.Snapshot.Sequence
		}
	}

	for _, id := range ids {
		fact, ok := j.facts[id]
		if !ok {
			continue
		}
		if fact.Content.Kind == KindSnapshot {
			return fmt.Errorf("gc of snapshot fact %s refused", id.Short())
		}
		if fact.Sequence >= horizon {
			return fmt.Errorf("gc of fact %s not authorized by any snapshot", id.Short())
		}
	}

	if j.store != nil {
		if err := j.store.Delete(ids); err != nil {
			return fmt.Errorf("deleting from store: %w", err)
		}
	}
	for _, id := range ids {
		delete(j.facts, id)
	}
	return nil
}

func compareIDs(a, b ident.ID) int {
	if a.Less(b) {
		return -1
	}
	if b.Less(a) {
		return 1
	}
	return 0
}
