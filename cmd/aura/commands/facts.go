// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/aura-foundation/aura/cmd/aura/cli"
	"github.com/aura-foundation/aura/lib/journal"
)

// factView is the JSON shape of one journal fact in "aura facts".
type factView struct {
	FactID   string `json:"fact_id"`
	Sequence uint64 `json:"sequence"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail,omitempty"`
}

func factsCommand() *cli.Command {
	var params struct {
		cli.JSONOutput
		config string
		kind   string
	}

	return &cli.Command{
		Name:    "facts",
		Summary: "List authority journal facts",
		Description: `List the facts in the account's authority journal in insertion
order: attested tree operations, relational facts, and snapshots.`,
		Usage: "aura facts [flags]",
		Examples: []cli.Example{
			{
				Description: "List only relational facts",
				Command:     "aura facts --kind relational",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("facts", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			flags.StringVar(&params.kind, "kind", "", "filter by fact kind (attested_op, relational, snapshot)")
			return flags
		},
		Run: func(args []string) error {
			node, err := openNode(params.config)
			if err != nil {
				return err
			}
			defer node.Close()

			facts := node.journal.Facts()
			sort.Slice(facts, func(i, j int) bool {
				return facts[i].Sequence < facts[j].Sequence
			})

			var views []factView
			for _, fact := range facts {
				if params.kind != "" && string(fact.Content.Kind) != params.kind {
					continue
				}
				views = append(views, factView{
					FactID:   fact.FactID.String(),
					Sequence: fact.Sequence,
					Kind:     string(fact.Content.Kind),
					Detail:   factDetail(fact.Content),
				})
			}

			if done, err := params.EmitJSON(views); done {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			for _, view := range views {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", view.Sequence, view.FactID[:8], view.Kind, view.Detail)
			}
			tw.Flush()
			return nil
		},
	}
}

// factDetail summarizes a fact's payload for one listing line.
func factDetail(content journal.Content) string {
	switch content.Kind {
	case journal.KindAttestedOp:
		op := content.AttestedOp.Op
		detail := string(op.Kind)
		if op.Leaf != nil {
			detail += " " + op.Leaf.DeviceID.Short()
		}
		return detail
	case journal.KindRelational:
		rel := content.Relational
		return fmt.Sprintf("%s rel=%s", rel.Kind, rel.Relationship.Short())
	case journal.KindSnapshot:
		return fmt.Sprintf("covers=%d", content.Snapshot.Sequence)
	case journal.KindFlowBudget:
		fb := content.FlowBudget
		return fmt.Sprintf("%s->%s spent=%d", fb.Source.Short(), fb.Destination.Short(), fb.Spent)
	}
	return ""
}
