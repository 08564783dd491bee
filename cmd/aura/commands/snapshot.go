// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/aura-foundation/aura/cmd/aura/cli"
)

const snapshotTimeout = 15 * time.Second

func snapshotCommand() *cli.Command {
	var params struct {
		config string
	}

	return &cli.Command{
		Name:    "snapshot",
		Summary: "Snapshot the authority journal and collect superseded facts",
		Description: `Write a snapshot fact covering the current journal horizon, then
garbage-collect the facts it supersedes. The reduced tree state is
unchanged; only the journal's history is compacted.`,
		Usage: "aura snapshot [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("snapshot", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			return flags
		},
		Run: func(args []string) error {
			node, err := openNode(params.config)
			if err != nil {
				return err
			}
			defer node.Close()

			ctx, cancel := commandContext(snapshotTimeout)
			defer cancel()

			logger := cli.NewCommandLogger().With("command", "snapshot")
			lane, stop, err := node.startLane(ctx, logger)
			if err != nil {
				return err
			}
			defer stop()

			snapshotID, collected, err := lane.Snapshot(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("snapshot %s collected %d fact(s)\n", snapshotID.Short(), collected)
			return nil
		},
	}
}
