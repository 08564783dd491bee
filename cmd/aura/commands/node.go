// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aura-foundation/aura/account"
	"github.com/aura-foundation/aura/consensus"
	"github.com/aura-foundation/aura/lib/config"
	"github.com/aura-foundation/aura/lib/frost"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/journal"
	"github.com/aura-foundation/aura/lib/keystore"
	"github.com/aura-foundation/aura/lib/tree"
)

// State-directory files written by "aura init" and read by every
// other command.
const (
	accountFileName = "account"
	rosterFileName  = "roster.json"
)

// rosterEntry is the persisted form of one potential signer: the
// device ID plus its share index and public verification point from
// the dealing. The secret share itself lives in the keystore.
type rosterEntry struct {
	Device string `json:"device"`
	Index  uint32 `json:"index"`
	Point  string `json:"point"`
}

// node bundles everything a command needs to operate on the local
// account: configuration, the decrypted key bundle, the durable
// authority journal, and the signer roster.
type node struct {
	cfg     *config.Config
	account ident.AccountID
	bundle  *keystore.Bundle
	store   *journal.FileStore
	journal *journal.Journal
	roster  []consensus.Signer
}

// loadConfig resolves the node configuration: an explicit --config
// path wins, then the AURA_CONFIG environment variable, then built-in
// defaults.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv("AURA_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openNode opens the account state created by "aura init". Commands
// that only read the journal can ignore the roster; commands that run
// a lane need all of it.
func openNode(configPath string) (*node, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	accountID, err := readAccountID(cfg)
	if err != nil {
		return nil, err
	}

	ks, err := keystore.Open(cfg.Paths.Keystore)
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}
	defer ks.Close()
	bundle, err := ks.Load()
	if err != nil {
		return nil, fmt.Errorf("loading key bundle: %w", err)
	}

	store, err := journal.OpenFileStore(authorityJournalPath(cfg))
	if err != nil {
		bundle.Zero()
		return nil, fmt.Errorf("opening authority journal: %w", err)
	}
	j, err := journal.New(journal.NamespaceAuthority, accountID, store)
	if err != nil {
		bundle.Zero()
		store.Close()
		return nil, err
	}

	roster, err := readRoster(cfg)
	if err != nil {
		bundle.Zero()
		store.Close()
		return nil, err
	}

	return &node{
		cfg:     cfg,
		account: accountID,
		bundle:  bundle,
		store:   store,
		journal: j,
		roster:  roster,
	}, nil
}

func (n *node) Close() {
	n.bundle.Zero()
	n.store.Close()
}

// startLane builds a lane over the node's journal and runs it until
// the returned stop function is called. CLI commands operate without
// live peer transport: ceremony messages to other devices are
// dropped, so operations commit only when the local device alone
// meets the threshold.
func (n *node) startLane(ctx context.Context, logger *slog.Logger) (*account.Lane, func(), error) {
	lane, err := account.New(account.Config{
		Account:           n.account,
		Device:            n.bundle.Device,
		Journal:           n.journal,
		Keys:              n.bundle,
		Roster:            n.roster,
		Random:            rand.Reader,
		Logger:            logger,
		FastPathTimeout:   config.Duration(n.cfg.Ceremony.FastPathTimeout),
		CeremonyTimeout:   config.Duration(n.cfg.Ceremony.CeremonyTimeout),
		MaxPendingIntents: n.cfg.Ceremony.MaxPendingIntents,
		BatchCapacity:     n.cfg.Ceremony.BatchCapacity,
	})
	if err != nil {
		return nil, nil, err
	}

	laneCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		lane.Run(laneCtx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	return lane, stop, nil
}

func authorityJournalPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.Journals, "authority.journal")
}

func readAccountID(cfg *config.Config) (ident.AccountID, error) {
	raw, err := os.ReadFile(filepath.Join(cfg.Paths.State, accountFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return ident.Zero, fmt.Errorf("no account on this device; run 'aura init' first")
		}
		return ident.Zero, fmt.Errorf("reading account file: %w", err)
	}
	id, err := ident.ParseID(strings.TrimSpace(string(raw)))
	if err != nil {
		return ident.Zero, fmt.Errorf("parsing account file: %w", err)
	}
	return id, nil
}

func writeAccountID(cfg *config.Config, id ident.AccountID) error {
	path := filepath.Join(cfg.Paths.State, accountFileName)
	return os.WriteFile(path, []byte(id.String()+"\n"), 0600)
}

func readRoster(cfg *config.Config) ([]consensus.Signer, error) {
	raw, err := os.ReadFile(filepath.Join(cfg.Paths.State, rosterFileName))
	if err != nil {
		return nil, fmt.Errorf("reading signer roster: %w", err)
	}
	var entries []rosterEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing signer roster: %w", err)
	}
	roster := make([]consensus.Signer, len(entries))
	for i, entry := range entries {
		device, err := ident.ParseID(entry.Device)
		if err != nil {
			return nil, fmt.Errorf("roster entry %d: %w", i, err)
		}
		point, err := hex.DecodeString(entry.Point)
		if err != nil {
			return nil, fmt.Errorf("roster entry %d: %w", i, err)
		}
		roster[i] = consensus.Signer{
			Device: device,
			Index:  entry.Index,
			Public: frost.PublicShare{Index: entry.Index, Point: point},
		}
	}
	return roster, nil
}

func writeRoster(cfg *config.Config, roster []consensus.Signer) error {
	entries := make([]rosterEntry, len(roster))
	for i, signer := range roster {
		entries[i] = rosterEntry{
			Device: signer.Device.String(),
			Index:  signer.Index,
			Point:  hex.EncodeToString(signer.Public.Point),
		}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.Paths.State, rosterFileName)
	return os.WriteFile(path, append(raw, '\n'), 0600)
}

// signingKeyFor resolves a device leaf's Ed25519 verification key
// from the reduced tree, for authenticating transport links.
func signingKeyFor(state *tree.State, device ident.DeviceID) (ed25519.PublicKey, bool) {
	leaf, ok := state.DeviceLeaf(device)
	if !ok {
		return nil, false
	}
	if len(leaf.PublicKey) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(leaf.PublicKey), true
}

// commandContext returns a context for one command invocation,
// bounded by timeout when positive.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

// randomStaticKey generates a fresh X25519 private scalar.
func randomStaticKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating static key: %w", err)
	}
	return key, nil
}
