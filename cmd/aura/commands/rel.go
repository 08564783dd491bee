// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/aura-foundation/aura/account"
	"github.com/aura-foundation/aura/cmd/aura/cli"
	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/lib/journal"
)

const relTimeout = 15 * time.Second

func relCommand() *cli.Command {
	return &cli.Command{
		Name:    "rel",
		Summary: "Manage pairwise relationships",
		Subcommands: []*cli.Command{
			relEstablishCommand(),
			relListCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Establish a relationship with a peer account",
				Command:     "aura rel establish 4f1c... --static-public 9a2b...",
			},
		},
	}
}

func relEstablishCommand() *cli.Command {
	var params struct {
		config       string
		staticPublic string
	}

	return &cli.Command{
		Name:    "establish",
		Summary: "Derive and seal pairwise keys for a peer account",
		Description: `Establish a relationship with a peer account.

Derives the pairwise secret from this device's static key and the
peer's static public key, derives the relationship key schedule, and
seals it to every device leaf's wrap key via a relational fact in the
authority journal. Re-establishing an existing relationship is a
no-op.`,
		Usage: "aura rel establish <peer-account> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("establish", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			flags.StringVar(&params.staticPublic, "static-public", "", "peer's hex X25519 static public key")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one peer account argument")
			}
			peer, err := ident.ParseID(args[0])
			if err != nil {
				return fmt.Errorf("parsing peer account: %w", err)
			}
			var staticPublic []byte
			if params.staticPublic != "" {
				staticPublic, err = hex.DecodeString(params.staticPublic)
				if err != nil {
					return fmt.Errorf("parsing static public key: %w", err)
				}
			}
			return runRelEstablish(params.config, peer, staticPublic)
		},
	}
}

func runRelEstablish(configPath string, peer ident.AccountID, staticPublic []byte) error {
	node, err := openNode(configPath)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, cancel := commandContext(relTimeout)
	defer cancel()

	logger := cli.NewCommandLogger().With("command", "rel/establish", "peer", peer.Short())
	lane, stop, err := node.startLane(ctx, logger)
	if err != nil {
		return err
	}
	defer stop()

	rel, err := lane.EstablishRelationship(ctx, peer, staticPublic)
	if err != nil {
		return err
	}
	fmt.Printf("relationship %s established\n", rel)
	return nil
}

// relView is one row of "aura rel list": a relationship with the
// latest key version published for it.
type relView struct {
	Relationship string `json:"relationship"`
	KeyVersion   uint32 `json:"key_version"`
	Records      int    `json:"records"`
}

func relListCommand() *cli.Command {
	var params struct {
		cli.JSONOutput
		config string
	}

	return &cli.Command{
		Name:    "list",
		Summary: "List established relationships",
		Usage:   "aura rel list [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			flags.BoolVar(&params.OutputJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			node, err := openNode(params.config)
			if err != nil {
				return err
			}
			defer node.Close()

			views := collectRelationships(node.journal)
			if done, err := params.EmitJSON(views); done {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			for _, view := range views {
				fmt.Fprintf(tw, "%s\tv%d\t%d record(s)\n", view.Relationship, view.KeyVersion, view.Records)
			}
			tw.Flush()
			return nil
		},
	}
}

// collectRelationships folds key establishment and update facts into
// one row per relationship, keeping the highest version seen.
func collectRelationships(j *journal.Journal) []relView {
	type entry struct {
		version uint32
		records int
	}
	byRel := make(map[ident.RelationshipID]*entry)
	var order []ident.RelationshipID

	for _, fact := range j.Facts() {
		rel := fact.Content.Relational
		if fact.Content.Kind != journal.KindRelational || rel == nil {
			continue
		}
		if rel.Kind != journal.RelKeyEstablished && rel.Kind != journal.RelKeyUpdate {
			continue
		}
		var dist account.KeyDistribution
		if err := codec.Unmarshal(rel.Payload, &dist); err != nil {
			continue
		}
		e, ok := byRel[rel.Relationship]
		if !ok {
			e = &entry{}
			byRel[rel.Relationship] = e
			order = append(order, rel.Relationship)
		}
		e.records++
		if dist.Version > e.version {
			e.version = dist.Version
		}
	}

	views := make([]relView, 0, len(order))
	for _, rel := range order {
		e := byRel[rel]
		views = append(views, relView{
			Relationship: rel.String(),
			KeyVersion:   e.version,
			Records:      e.records,
		})
	}
	return views
}
