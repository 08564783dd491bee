// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/aura-foundation/aura/cmd/aura/cli"
	"github.com/aura-foundation/aura/gossip"
	"github.com/aura-foundation/aura/lib/clock"
	"github.com/aura-foundation/aura/lib/codec"
	"github.com/aura-foundation/aura/lib/ident"
	"github.com/aura-foundation/aura/transport"
)

const syncTimeout = 30 * time.Second

// Anti-entropy exchange messages. The initiator opens with its
// digest; the responder ships the facts the initiator lacks together
// with its own digest; the initiator closes the loop with the facts
// the responder lacks.
const (
	syncTypeDigest = "digest"
	syncTypeReply  = "reply"
	syncTypeBatch  = "batch"
)

type syncMessage struct {
	Type   string `json:"type"`
	Digest []byte `json:"digest,omitempty"`
	Batch  []byte `json:"batch,omitempty"`
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:    "sync",
		Summary: "Exchange journal facts with a peer device",
		Description: `Anti-entropy over an authenticated TCP link.

Both ends must hold leaves in the same commitment tree: links are
authenticated with the device signing keys published there. "sync
serve" answers exchanges from any roster device; "sync with" runs one
exchange against a serving peer and exits.`,
		Subcommands: []*cli.Command{
			syncWithCommand(),
			syncServeCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Serve sync exchanges on the configured listen address",
				Command:     "aura sync serve",
			},
			{
				Description: "Sync with a peer device",
				Command:     "aura sync with 8c41... --address 192.168.1.20:7420",
			},
		},
	}
}

func syncWithCommand() *cli.Command {
	var params struct {
		config  string
		address string
	}

	return &cli.Command{
		Name:    "with",
		Summary: "Run one anti-entropy exchange against a serving peer",
		Usage:   "aura sync with <peer-device> --address host:port [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("with", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			flags.StringVar(&params.address, "address", "", "peer's listen address")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one peer device argument")
			}
			peer, err := ident.ParseID(args[0])
			if err != nil {
				return fmt.Errorf("parsing peer device: %w", err)
			}
			if params.address == "" {
				return fmt.Errorf("--address is required")
			}
			return runSyncWith(params.config, peer, params.address)
		},
	}
}

func runSyncWith(configPath string, peer ident.DeviceID, address string) error {
	node, err := openNode(configPath)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, cancel := commandContext(syncTimeout)
	defer cancel()

	logger := cli.NewCommandLogger().With("command", "sync/with", "peer", peer.Short())
	flooder, tcp, err := node.syncEndpoint("127.0.0.1:0", logger)
	if err != nil {
		return err
	}
	defer tcp.Close()

	if _, err := tcp.Connect(ctx, peer, []string{address}); err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}

	if err := sendSync(ctx, tcp, peer, syncMessage{Type: syncTypeDigest, Digest: flooder.Digest()}); err != nil {
		return err
	}
	reply, err := recvSync(ctx, tcp, peer)
	if err != nil {
		return err
	}
	if reply.Type != syncTypeReply {
		return fmt.Errorf("unexpected sync message %q, want %q", reply.Type, syncTypeReply)
	}

	added := 0
	if len(reply.Batch) > 0 {
		added, err = flooder.HandleBatch(reply.Batch)
		if err != nil {
			return fmt.Errorf("applying peer facts: %w", err)
		}
	}

	missing, err := flooder.MissingFromRemote(reply.Digest)
	if err != nil {
		return err
	}
	sent := len(missing)
	if sent > 0 {
		batch, err := gossip.EncodeBatch(missing)
		if err != nil {
			return err
		}
		if err := sendSync(ctx, tcp, peer, syncMessage{Type: syncTypeBatch, Batch: batch}); err != nil {
			return err
		}
	}

	fmt.Printf("received %d fact(s), sent %d\n", added, sent)
	return nil
}

func syncServeCommand() *cli.Command {
	var params struct {
		config string
	}

	return &cli.Command{
		Name:    "serve",
		Summary: "Answer anti-entropy exchanges from roster devices",
		Usage:   "aura sync serve [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			flags.StringVar(&params.config, "config", "", "node configuration file")
			return flags
		},
		Run: func(args []string) error {
			return runSyncServe(params.config)
		},
	}
}

func runSyncServe(configPath string) error {
	node, err := openNode(configPath)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := cli.NewCommandLogger().With("command", "sync/serve")
	flooder, tcp, err := node.syncEndpoint(node.cfg.Node.ListenAddress, logger)
	if err != nil {
		return err
	}
	defer tcp.Close()
	logger.Info("serving sync exchanges", "address", tcp.Address())

	for {
		sender, payload, err := tcp.Recv(ctx, ident.Zero)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		var msg syncMessage
		if err := codec.Unmarshal(payload, &msg); err != nil {
			logger.Warn("dropping malformed sync message", "peer", sender.Short(), "error", err)
			continue
		}
		switch msg.Type {
		case syncTypeDigest:
			missing, err := flooder.MissingFromRemote(msg.Digest)
			if err != nil {
				logger.Warn("dropping bad digest", "peer", sender.Short(), "error", err)
				continue
			}
			reply := syncMessage{Type: syncTypeReply, Digest: flooder.Digest()}
			if len(missing) > 0 {
				reply.Batch, err = gossip.EncodeBatch(missing)
				if err != nil {
					logger.Error("encoding batch", "error", err)
					continue
				}
			}
			if err := sendSync(ctx, tcp, sender, reply); err != nil {
				logger.Warn("sending reply", "peer", sender.Short(), "error", err)
			}
		case syncTypeBatch:
			added, err := flooder.HandleBatch(msg.Batch)
			if err != nil {
				logger.Warn("applying batch", "peer", sender.Short(), "error", err)
			}
			if added > 0 {
				logger.Info("absorbed facts", "peer", sender.Short(), "added", added)
			}
		default:
			logger.Warn("unknown sync message type", "peer", sender.Short(), "type", msg.Type)
		}
	}
}

// syncEndpoint builds the gossip flooder over the node's journal and
// a TCP transport authenticated against the commitment tree's device
// leaves.
func (n *node) syncEndpoint(listen string, logger *slog.Logger) (*gossip.Flooder, *transport.TCPTransport, error) {
	state, _, err := n.journal.ReduceTree()
	if err != nil {
		return nil, nil, fmt.Errorf("reducing journal: %w", err)
	}
	authenticator := &transport.KeyringAuthenticator{
		Private: ed25519.PrivateKey(n.bundle.SignPrivate),
		PublicKey: func(peer ident.DeviceID) (ed25519.PublicKey, bool) {
			return signingKeyFor(state, peer)
		},
	}
	tcp, err := transport.NewTCPTransport(n.bundle.Device, listen, authenticator, logger)
	if err != nil {
		return nil, nil, err
	}
	flooder := gossip.New(gossip.DefaultConfig(), n.journal, clock.Real(), logger)
	return flooder, tcp, nil
}

func sendSync(ctx context.Context, t transport.Transport, peer ident.DeviceID, msg syncMessage) error {
	payload, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	return t.Send(ctx, peer, payload)
}

func recvSync(ctx context.Context, t transport.Transport, peer ident.DeviceID) (syncMessage, error) {
	_, payload, err := t.Recv(ctx, peer)
	if err != nil {
		return syncMessage{}, err
	}
	var msg syncMessage
	if err := codec.Unmarshal(payload, &msg); err != nil {
		return syncMessage{}, err
	}
	return msg, nil
}
