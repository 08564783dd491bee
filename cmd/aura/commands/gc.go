// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/aura-foundation/aura/cmd/aura/cli"
	"github.com/aura-foundation/aura/lib/journal"
)

func gcCommand() *cli.Command {
	var params struct {
		config string
	}

	return &cli.Command{
		Name:    "gc",
		Summary: "Collect journal facts superseded by the newest snapshot",
		Description: `Delete facts already covered by the newest snapshot fact in the
authority journal. Useful after a sync pulls in old facts a prior
snapshot supersedes. Does not write a new snapshot; use 'aura
snapshot' for that.`,
		Usage: "aura gc [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("gc", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			return flags
		},
		Run: func(args []string) error {
			node, err := openNode(params.config)
			if err != nil {
				return err
			}
			defer node.Close()

			collected, horizon, err := collectUnderSnapshot(node.journal)
			if err != nil {
				return err
			}
			if horizon == 0 {
				fmt.Println("no snapshot in the journal; nothing to collect")
				return nil
			}
			fmt.Printf("collected %d fact(s) under snapshot horizon %d\n", collected, horizon)
			return nil
		},
	}
}

// collectUnderSnapshot deletes every fact the newest snapshot
// supersedes. Returns the count deleted and the horizon used; horizon
// 0 means the journal holds no snapshot.
func collectUnderSnapshot(j *journal.Journal) (int, uint64, error) {
	var horizon uint64
	for _, fact := range j.Facts() {
		if fact.Content.Kind == journal.KindSnapshot && fact.Content.Snapshot.Sequence > horizon {
			horizon = fact.Content.Snapshot.Sequence
		}
	}
	if horizon == 0 {
		return 0, 0, nil
	}

	superseded := j.Superseded(horizon)
	if len(superseded) == 0 {
		return 0, horizon, nil
	}
	if err := j.GC(superseded); err != nil {
		return 0, horizon, err
	}
	return len(superseded), horizon, nil
}
