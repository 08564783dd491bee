// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the complete aura CLI command tree. Every
// command operates on the local node state under the configured root
// directory: the keystore, the authority journal, and the signer
// roster written by "aura init".
package commands

import (
	"fmt"
	"runtime/debug"

	"github.com/aura-foundation/aura/cmd/aura/cli"
)

// Root builds and returns the complete aura CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "aura",
		Description: `Aura: decentralized multi-device personal identity.

Manage an account whose devices share authority through a commitment
tree, threshold-signed operations, and a replicated fact journal.`,
		Subcommands: []*cli.Command{
			initCommand(),
			checkCommand(),
			stateCommand(),
			proposeCommand(),
			factsCommand(),
			relCommand(),
			syncCommand(),
			snapshotCommand(),
			gcCommand(),
			journalCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("aura %s\n", buildVersion())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Create an account on this device",
				Command:     "aura init --name laptop",
			},
			{
				Description: "Show the reduced account state",
				Command:     "aura state",
			},
			{
				Description: "Rotate the epoch",
				Command:     "aura propose rotate-epoch",
			},
			{
				Description: "Serve anti-entropy exchanges for peer devices",
				Command:     "aura sync serve",
			},
		},
	}
}

// buildVersion reports the module version stamped at build time, or
// "devel" for local builds.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "devel"
	}
	return info.Main.Version
}
