// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/aura-foundation/aura/cmd/aura/cli"
	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/journal"
)

func journalCommand() *cli.Command {
	return &cli.Command{
		Name:    "journal",
		Summary: "Inspect the on-disk authority journal",
		Subcommands: []*cli.Command{
			journalDumpCommand(),
		},
	}
}

func journalDumpCommand() *cli.Command {
	var params struct {
		config string
	}

	return &cli.Command{
		Name:    "dump",
		Summary: "Print raw journal log frames in CBOR diagnostic notation",
		Description: `Walk the authority journal log file frame by frame and print each
record in CBOR diagnostic notation (RFC 8949 §8). Reads the raw
frames, not the loaded journal, so damaged or superseded records show
up exactly as stored.`,
		Usage: "aura journal dump [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("dump", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			return flags
		},
		Run: func(args []string) error {
			cfg, err := loadConfig(params.config)
			if err != nil {
				return err
			}
			return dumpJournal(authorityJournalPath(cfg), os.Stdout)
		},
	}
}

// dumpJournal renders every complete frame of the log at path as one
// diagnostic-notation line on w.
func dumpJournal(path string, w io.Writer) error {
	frame := 0
	return journal.ScanRaw(path, func(body []byte) error {
		notation, err := codec.Diagnose(body)
		if err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		if _, err := fmt.Fprintf(w, "%d\t%s\n", frame, notation); err != nil {
			return err
		}
		frame++
		return nil
	})
}
