// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/aura-foundation/aura/cmd/aura/cli"
	"github.com/aura-foundation/aura/lib/journal"
	"github.com/aura-foundation/aura/lib/keystore"
)

// checkResult is one diagnostic line of "aura check".
type checkResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

func checkCommand() *cli.Command {
	var params struct {
		cli.JSONOutput
		config string
	}

	return &cli.Command{
		Name:    "check",
		Summary: "Diagnose the local node state",
		Description: `Run diagnostics over the local node: configuration validity, the
keystore, the authority journal, and the journal's reduction to a
tree state. Exits non-zero when any check fails.`,
		Usage: "aura check [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("check", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			flags.BoolVar(&params.OutputJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			results := runChecks(params.config)

			failed := false
			for _, result := range results {
				if !result.OK {
					failed = true
				}
			}
			if done, err := params.EmitJSON(results); done {
				if err != nil {
					return err
				}
			} else {
				for _, result := range results {
					mark := "ok "
					if !result.OK {
						mark = "FAIL"
					}
					fmt.Printf("%s  %-12s %s\n", mark, result.Name, result.Detail)
				}
			}
			if failed {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// runChecks runs every diagnostic, continuing past failures so the
// report is complete. Later checks that depend on earlier ones are
// skipped when the dependency failed.
func runChecks(configPath string) []checkResult {
	var results []checkResult
	fail := func(name string, err error) {
		results = append(results, checkResult{Name: name, Detail: err.Error()})
	}
	pass := func(name, detail string) {
		results = append(results, checkResult{Name: name, OK: true, Detail: detail})
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fail("config", err)
		return results
	}
	pass("config", fmt.Sprintf("root %s", cfg.Paths.Root))

	accountID, err := readAccountID(cfg)
	if err != nil {
		fail("account", err)
		return results
	}
	pass("account", accountID.String())

	if ks, err := keystore.Open(cfg.Paths.Keystore); err != nil {
		fail("keystore", err)
	} else {
		bundle, err := ks.Load()
		ks.Close()
		if err != nil {
			fail("keystore", err)
		} else {
			pass("keystore", fmt.Sprintf("device %s, %d share(s)", bundle.Device.Short(), len(bundle.Shares)))
			bundle.Zero()
		}
	}

	if _, err := readRoster(cfg); err != nil {
		fail("roster", err)
	} else {
		pass("roster", "signer roster parses")
	}

	store, err := journal.OpenFileStore(authorityJournalPath(cfg))
	if err != nil {
		fail("journal", err)
		return results
	}
	defer store.Close()
	j, err := journal.New(journal.NamespaceAuthority, accountID, store)
	if err != nil {
		fail("journal", err)
		return results
	}
	pass("journal", fmt.Sprintf("%d fact(s)", j.Len()))

	state, _, err := j.ReduceTree()
	if err != nil {
		fail("reduction", err)
		return results
	}
	pass("reduction", fmt.Sprintf("epoch %d, %d leaf/leaves, root %s",
		state.Epoch, len(state.Leaves), state.RootCommitment().Short()))

	if _, err := os.Stat(cfg.Paths.Fragments); err != nil {
		fail("fragments", err)
	} else {
		pass("fragments", cfg.Paths.Fragments)
	}
	return results
}
