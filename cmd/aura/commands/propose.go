// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/aura-foundation/aura/cmd/aura/cli"
	"github.com/aura-foundation/aura/lib/tree"
)

// proposeTimeout bounds one propose-and-commit round: intent
// admission plus the signing ceremony.
const proposeTimeout = 45 * time.Second

func proposeCommand() *cli.Command {
	return &cli.Command{
		Name:    "propose",
		Summary: "Propose a tree operation and run the signing ceremony",
		Description: `Propose a tree operation on the local account.

The operation enters the intent pool and a signing ceremony starts
immediately. With a single-device account the local share meets the
threshold and the operation commits synchronously; multi-device
accounts additionally need their peers online.`,
		Subcommands: []*cli.Command{
			proposeRotateEpochCommand(),
			proposeRemoveDeviceCommand(),
			proposePolicyCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Rotate the epoch, invalidating stale key material",
				Command:     "aura propose rotate-epoch",
			},
			{
				Description: "Remove a lost device",
				Command:     "aura propose remove-device 3 --reason stolen",
			},
		},
	}
}

func proposeRotateEpochCommand() *cli.Command {
	var params struct {
		config string
	}

	return &cli.Command{
		Name:    "rotate-epoch",
		Summary: "Bump the epoch without changing the leaf set",
		Usage:   "aura propose rotate-epoch [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("rotate-epoch", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			return flags
		},
		Run: func(args []string) error {
			return runPropose(params.config, tree.TreeOp{Kind: tree.OpRotateEpoch})
		},
	}
}

func proposeRemoveDeviceCommand() *cli.Command {
	var params struct {
		config string
		reason string
	}

	return &cli.Command{
		Name:    "remove-device",
		Summary: "Remove a device leaf and rotate the epoch",
		Usage:   "aura propose remove-device <leaf-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("remove-device", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			flags.StringVar(&params.reason, "reason", "", "removal reason recorded in the operation")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one leaf ID argument")
			}
			leafID, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("parsing leaf ID %q: %w", args[0], err)
			}
			return runPropose(params.config, tree.TreeOp{
				Kind:         tree.OpRemoveDevice,
				LeafID:       tree.LeafID(leafID),
				Reason:       params.reason,
				RotatesEpoch: true,
			})
		},
	}
}

func proposePolicyCommand() *cli.Command {
	var params struct {
		config            string
		threshold         int
		guardianThreshold int
	}

	return &cli.Command{
		Name:    "policy",
		Summary: "Change the signing policy and rotate the epoch",
		Usage:   "aura propose policy --threshold N [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("policy", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			flags.IntVar(&params.threshold, "threshold", 1, "device signatures an operation needs")
			flags.IntVar(&params.guardianThreshold, "guardian-threshold", 0, "guardian signatures a recovery needs")
			return flags
		},
		Run: func(args []string) error {
			return runPropose(params.config, tree.TreeOp{
				Kind: tree.OpChangePolicy,
				NewPolicy: &tree.Policy{
					Threshold:         params.threshold,
					GuardianThreshold: params.guardianThreshold,
				},
				RotatesEpoch: true,
			})
		},
	}
}

func runPropose(configPath string, op tree.TreeOp) error {
	node, err := openNode(configPath)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, cancel := commandContext(proposeTimeout)
	defer cancel()

	logger := cli.NewCommandLogger().With("command", "propose", "op", string(op.Kind))
	lane, stop, err := node.startLane(ctx, logger)
	if err != nil {
		return err
	}
	defer stop()

	intentID, err := lane.ProposeOp(ctx, op, nil, 0)
	if err != nil {
		return err
	}
	result, err := lane.StartBatch(ctx)
	if err != nil {
		return err
	}
	if result.Admitted == 0 {
		return fmt.Errorf("intent %s was not admitted to a batch", intentID.Short())
	}

	state, err := lane.GetState(ctx)
	if err != nil {
		return err
	}
	if state.PendingIntents > 0 {
		if records, err := lane.Records(ctx); err == nil {
			for _, record := range records {
				logger.Warn("ceremony telemetry", "event", record.Event, "detail", record.Detail)
			}
		}
		return fmt.Errorf("operation did not commit; %d intent(s) still pending", state.PendingIntents)
	}

	fmt.Printf("committed %s\n", op.Kind)
	fmt.Printf("epoch %d, root %s\n", state.Epoch, state.Root.Short())
	return nil
}
