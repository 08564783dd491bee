// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/aura-foundation/aura/account"
	"github.com/aura-foundation/aura/cmd/aura/cli"
	"github.com/aura-foundation/aura/consensus"
	"github.com/aura-foundation/aura/lib/frost"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/journal"
	"github.com/aura-foundation/aura/lib/keystore"
	"github.com/aura-foundation/aura/lib/relkey"
	"github.com/aura-foundation/aura/lib/tree"
)

func initCommand() *cli.Command {
	var params struct {
		config string
		name   string
	}

	return &cli.Command{
		Name:    "init",
		Summary: "Create a new account with this device as its first leaf",
		Description: `Create a new account on this device.

Generates the account and device identifiers, the device key bundle
(Ed25519 signing key, X25519 static key, HPKE wrap key), and a
single-signer threshold dealing, then writes the genesis operation to
a fresh authority journal. The resulting account has one device leaf
and a policy threshold of 1; additional devices join through signed
tree operations.`,
		Usage: "aura init [flags]",
		Examples: []cli.Example{
			{
				Description: "Create an account with a named first device",
				Command:     "aura init --name laptop",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			flags.StringVar(&params.name, "name", "", "display name for this device")
			return flags
		},
		Run: func(args []string) error {
			return runInit(params.config, params.name)
		},
	}
}

func runInit(configPath, name string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.State, accountFileName)); err == nil {
		return fmt.Errorf("account already initialized under %s", cfg.Paths.Root)
	}
	installID, err := cfg.InstallID()
	if err != nil {
		return err
	}

	accountID, err := ident.NewID(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating account ID: %w", err)
	}
	deviceID, err := ident.NewID(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating device ID: %w", err)
	}

	signPublic, signPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	staticPrivate, err := randomStaticKey()
	if err != nil {
		return err
	}
	wrapPublic, wrapPrivate, err := relkey.GenerateWrapKeyPair()
	if err != nil {
		return fmt.Errorf("generating wrap key: %w", err)
	}

	// Single-device dealing. The group key installed at genesis is
	// replaced when further devices join and the shares are redealt.
	dealing, err := frost.Deal(rand.Reader, 1, 1)
	if err != nil {
		return fmt.Errorf("dealing threshold shares: %w", err)
	}

	bundle := &keystore.Bundle{
		Device:        deviceID,
		SignPrivate:   signPrivate,
		StaticPrivate: staticPrivate,
		WrapPrivate:   wrapPrivate,
		Shares: []keystore.StoredShare{{
			GroupKey:  dealing.GroupKey,
			Index:     dealing.Shares[0].Index,
			Secret:    dealing.Shares[0].Secret.Bytes(),
			Threshold: dealing.Threshold,
		}},
	}
	ks, err := keystore.Init(cfg.Paths.Keystore, bundle)
	if err != nil {
		return fmt.Errorf("initializing keystore: %w", err)
	}
	ks.Close()

	if err := writeAccountID(cfg, accountID); err != nil {
		return fmt.Errorf("writing account file: %w", err)
	}
	roster := []consensus.Signer{{
		Device: deviceID,
		Index:  dealing.Shares[0].Index,
		Public: dealing.PublicShares[0],
	}}
	if err := writeRoster(cfg, roster); err != nil {
		return fmt.Errorf("writing signer roster: %w", err)
	}

	store, err := journal.OpenFileStore(authorityJournalPath(cfg))
	if err != nil {
		return fmt.Errorf("creating authority journal: %w", err)
	}
	defer store.Close()
	j, err := journal.New(journal.NamespaceAuthority, accountID, store)
	if err != nil {
		return err
	}

	leaf := &tree.LeafNode{
		Role:      tree.RoleDevice,
		DeviceID:  deviceID,
		PublicKey: signPublic,
		Meta: map[string]string{
			account.MetaWrapPublic: hex.EncodeToString(wrapPublic),
		},
	}
	if name != "" {
		leaf.Meta["name"] = name
	}
	genesis := journal.Content{
		Kind: journal.KindAttestedOp,
		AttestedOp: &tree.AttestedOp{
			Op: tree.TreeOp{
				Kind:      tree.OpAddLeaf,
				Leaf:      leaf,
				GroupKey:  dealing.GroupKey,
				NewPolicy: &tree.Policy{Threshold: 1},
			},
			Binding:     tree.NewState().Binding(),
			SignerCount: 1,
		},
	}
	if _, _, err := j.Insert(genesis); err != nil {
		return fmt.Errorf("writing genesis operation: %w", err)
	}

	fmt.Printf("account %s created\n", accountID)
	fmt.Printf("device  %s\n", deviceID)
	fmt.Printf("install %s\n", installID)
	fmt.Printf("root    %s\n", cfg.Paths.Root)
	return nil
}
