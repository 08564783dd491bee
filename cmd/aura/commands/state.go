// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/aura-foundation/aura/cmd/aura/cli"
	"github.com/aura-foundation/aura/lib/tree"
)

// stateView is the JSON shape of "aura state --json".
type stateView struct {
	Account           string     `json:"account"`
	Device            string     `json:"device"`
	Epoch             uint64     `json:"epoch"`
	Root              string     `json:"root"`
	Threshold         int        `json:"threshold"`
	GuardianThreshold int        `json:"guardian_threshold"`
	GroupKey          string     `json:"group_key"`
	Leaves            []leafView `json:"leaves"`
	Facts             int        `json:"facts"`
}

type leafView struct {
	LeafID uint32 `json:"leaf_id"`
	Role   string `json:"role"`
	Device string `json:"device"`
	Name   string `json:"name,omitempty"`
}

func stateCommand() *cli.Command {
	var params struct {
		cli.JSONOutput
		config string
	}

	return &cli.Command{
		Name:    "state",
		Summary: "Show the reduced account state",
		Description: `Show the account state reduced from the authority journal: the
commitment root, epoch, policy, and every tree leaf.`,
		Usage: "aura state [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("state", pflag.ContinueOnError)
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

			state, _, err := node.journal.ReduceTree()
			if err != nil {
				return fmt.Errorf("reducing journal: %w", err)
			}

			view := stateView{
				Account:           node.account.String(),
				Device:            node.bundle.Device.String(),
				Epoch:             state.Epoch,
				Root:              state.RootCommitment().String(),
				Threshold:         state.Policy.Threshold,
				GuardianThreshold: state.Policy.GuardianThreshold,
				GroupKey:          hex.EncodeToString(state.GroupKey),
				Facts:             node.journal.Len(),
			}
			for _, leaf := range state.SortedLeaves() {
				view.Leaves = append(view.Leaves, leafView{
					LeafID: uint32(leaf.LeafID),
					Role:   string(leaf.Role),
					Device: leaf.DeviceID.String(),
					Name:   leaf.Meta["name"],
				})
			}

			if done, err := params.EmitJSON(view); done {
				return err
			}
			printStateText(view, state)
			return nil
		},
	}
}

func printStateText(view stateView, state *tree.State) {
	fmt.Printf("account  %s\n", view.Account)
	fmt.Printf("device   %s\n", view.Device)
	fmt.Printf("epoch    %d\n", view.Epoch)
	fmt.Printf("root     %s\n", view.Root)
	fmt.Printf("policy   %d-of-%d devices", view.Threshold, len(state.LeavesByRole(tree.RoleDevice)))
	if guardians := len(state.LeavesByRole(tree.RoleGuardian)); guardians > 0 {
		fmt.Printf(", %d-of-%d guardians", view.GuardianThreshold, guardians)
	}
	fmt.Println()
	fmt.Printf("facts    %d\n\n", view.Facts)

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	for _, leaf := range view.Leaves {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", leaf.LeafID, leaf.Role, leaf.Device[:8], leaf.Name)
	}
	tw.Flush()
}
