// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for an Aura node.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Node configures the transport endpoints.
	Node NodeConfig `yaml:"node"`

	// Gossip configures anti-entropy and flooding.
	Gossip GossipConfig `yaml:"gossip"`

	// Ceremony configures consensus and signing timeouts.
	Ceremony CeremonyConfig `yaml:"ceremony"`

	// Erasure configures fragment coding defaults.
	Erasure ErasureConfig `yaml:"erasure"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Node     *NodeConfig     `yaml:"node,omitempty"`
	Gossip   *GossipConfig   `yaml:"gossip,omitempty"`
	Ceremony *CeremonyConfig `yaml:"ceremony,omitempty"`
	Erasure  *ErasureConfig  `yaml:"erasure,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Aura data.
	Root string `yaml:"root"`

	// Keystore is the directory holding the age-sealed device key store.
	Keystore string `yaml:"keystore"`

	// Journals is where journal files live, one file per namespace
	// and context.
	Journals string `yaml:"journals"`

	// Fragments is where erasure-coded fragments held for peers live.
	Fragments string `yaml:"fragments"`

	// State is where runtime state is stored (install ID, peer cache).
	State string `yaml:"state"`
}

// NodeConfig configures the transport endpoints.
type NodeConfig struct {
	// ListenAddress is the TCP listen address for direct peer
	// connections. Empty disables the TCP listener.
	ListenAddress string `yaml:"listen_address"`

	// RendezvousURL is the base URL of the signal drop used for
	// WebRTC session establishment. Empty disables WebRTC dialing.
	RendezvousURL string `yaml:"rendezvous_url"`

	// STUNServers are the STUN URLs handed to ICE for reflexive
	// candidate discovery.
	STUNServers []string `yaml:"stun_servers"`
}

// GossipConfig configures anti-entropy and flooding.
type GossipConfig struct {
	// MaxOpsPerPeer is the per-peer announcement budget per rate
	// interval.
	MaxOpsPerPeer int `yaml:"max_ops_per_peer"`

	// MaxPending bounds the pending announcement queue.
	MaxPending int `yaml:"max_pending"`

	// RateInterval is how often per-peer rate limits reset. A Go
	// duration string.
	RateInterval string `yaml:"rate_interval"`

	// DigestInterval is how often digests are exchanged with peers.
	// A Go duration string.
	DigestInterval string `yaml:"digest_interval"`
}

// CeremonyConfig configures consensus and signing timeouts.
type CeremonyConfig struct {
	// FastPathTimeout is how long a consensus instance waits for the
	// full witness set before soliciting a bare threshold. A Go
	// duration string.
	FastPathTimeout string `yaml:"fast_path_timeout"`

	// CeremonyTimeout bounds a signing ceremony end to end. A Go
	// duration string.
	CeremonyTimeout string `yaml:"ceremony_timeout"`

	// MaxPendingIntents bounds the intent pool.
	MaxPendingIntents int `yaml:"max_pending_intents"`

	// BatchCapacity caps how many intents one batch admits.
	BatchCapacity int `yaml:"batch_capacity"`
}

// ErasureConfig configures fragment coding defaults.
type ErasureConfig struct {
	// DataShards is k, the number of data fragments.
	DataShards int `yaml:"data_shards"`

	// ParityShards is n-k, the number of parity fragments.
	ParityShards int `yaml:"parity_shards"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "aura")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:      defaultRoot,
			Keystore:  filepath.Join(defaultRoot, "keystore"),
			Journals:  filepath.Join(defaultRoot, "journals"),
			Fragments: filepath.Join(defaultRoot, "fragments"),
			State:     filepath.Join(defaultRoot, "state"),
		},
		Node: NodeConfig{
			ListenAddress: "127.0.0.1:7420",
			STUNServers:   []string{"stun:stun.l.google.com:19302"},
		},
		Gossip: GossipConfig{
			MaxOpsPerPeer:  64,
			MaxPending:     256,
			RateInterval:   "1s",
			DigestInterval: "30s",
		},
		Ceremony: CeremonyConfig{
			FastPathTimeout:   "2s",
			CeremonyTimeout:   "30s",
			MaxPendingIntents: 64,
			BatchCapacity:     8,
		},
		Erasure: ErasureConfig{
			DataShards:   4,
			ParityShards: 2,
		},
	}
}

// Load loads configuration from the AURA_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if AURA_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("AURA_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("AURA_CONFIG environment variable not set; " +
			"set it to the path of your aura.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Keystore != "" {
			c.Paths.Keystore = overrides.Paths.Keystore
		}
		if overrides.Paths.Journals != "" {
			c.Paths.Journals = overrides.Paths.Journals
		}
		if overrides.Paths.Fragments != "" {
			c.Paths.Fragments = overrides.Paths.Fragments
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
	}

	if overrides.Node != nil {
		if overrides.Node.ListenAddress != "" {
			c.Node.ListenAddress = overrides.Node.ListenAddress
		}
		if overrides.Node.RendezvousURL != "" {
			c.Node.RendezvousURL = overrides.Node.RendezvousURL
		}
		if len(overrides.Node.STUNServers) > 0 {
			c.Node.STUNServers = overrides.Node.STUNServers
		}
	}

	if overrides.Gossip != nil {
		if overrides.Gossip.MaxOpsPerPeer > 0 {
			c.Gossip.MaxOpsPerPeer = overrides.Gossip.MaxOpsPerPeer
		}
		if overrides.Gossip.MaxPending > 0 {
			c.Gossip.MaxPending = overrides.Gossip.MaxPending
		}
		if overrides.Gossip.RateInterval != "" {
			c.Gossip.RateInterval = overrides.Gossip.RateInterval
		}
		if overrides.Gossip.DigestInterval != "" {
			c.Gossip.DigestInterval = overrides.Gossip.DigestInterval
		}
	}

	if overrides.Ceremony != nil {
		if overrides.Ceremony.FastPathTimeout != "" {
			c.Ceremony.FastPathTimeout = overrides.Ceremony.FastPathTimeout
		}
		if overrides.Ceremony.CeremonyTimeout != "" {
			c.Ceremony.CeremonyTimeout = overrides.Ceremony.CeremonyTimeout
		}
		if overrides.Ceremony.MaxPendingIntents > 0 {
			c.Ceremony.MaxPendingIntents = overrides.Ceremony.MaxPendingIntents
		}
		if overrides.Ceremony.BatchCapacity > 0 {
			c.Ceremony.BatchCapacity = overrides.Ceremony.BatchCapacity
		}
	}

	if overrides.Erasure != nil {
		if overrides.Erasure.DataShards > 0 {
			c.Erasure.DataShards = overrides.Erasure.DataShards
		}
		if overrides.Erasure.ParityShards > 0 {
			c.Erasure.ParityShards = overrides.Erasure.ParityShards
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"AURA_ROOT": c.Paths.Root,
		"HOME":      os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["AURA_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Keystore = expandVars(c.Paths.Keystore, vars)
	c.Paths.Journals = expandVars(c.Paths.Journals, vars)
	c.Paths.Fragments = expandVars(c.Paths.Fragments, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}

	if c.Gossip.MaxOpsPerPeer < 1 {
		errs = append(errs, fmt.Errorf("gossip.max_ops_per_peer must be at least 1"))
	}
	if c.Gossip.MaxPending < 1 {
		errs = append(errs, fmt.Errorf("gossip.max_pending must be at least 1"))
	}
	for _, d := range []struct {
		name, value string
	}{
		{"gossip.rate_interval", c.Gossip.RateInterval},
		{"gossip.digest_interval", c.Gossip.DigestInterval},
		{"ceremony.fast_path_timeout", c.Ceremony.FastPathTimeout},
		{"ceremony.ceremony_timeout", c.Ceremony.CeremonyTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	if c.Ceremony.MaxPendingIntents < 1 {
		errs = append(errs, fmt.Errorf("ceremony.max_pending_intents must be at least 1"))
	}
	if c.Ceremony.BatchCapacity < 1 {
		errs = append(errs, fmt.Errorf("ceremony.batch_capacity must be at least 1"))
	}

	if c.Erasure.DataShards < 1 {
		errs = append(errs, fmt.Errorf("erasure.data_shards must be at least 1"))
	}
	if c.Erasure.ParityShards < 1 {
		errs = append(errs, fmt.Errorf("erasure.parity_shards must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration parses a validated duration field. It panics on a malformed
// value so a skipped Validate fails loudly rather than silently
// running with a zero timeout.
func Duration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("config: duration %q not validated: %v", value, err))
	}
	return d
}

// EnsurePaths creates all configured directories if they don't exist.
// Aura data is private to the user, so everything is created 0700.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Keystore,
		c.Paths.Journals,
		c.Paths.Fragments,
		c.Paths.State,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

// InstallID returns this node's stable install identifier, generating
// and persisting one under paths.state on first use. The identifier
// names the installation in logs; it is not a device identity and
// carries no key material.
func (c *Config) InstallID() (string, error) {
	if c.Paths.State == "" {
		return "", fmt.Errorf("paths.state is not configured")
	}
	path := filepath.Join(c.Paths.State, "install-id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr != nil {
			return "", fmt.Errorf("corrupt install ID in %s: %w", path, parseErr)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.MkdirAll(c.Paths.State, 0700); err != nil {
		return "", fmt.Errorf("creating state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persisting install ID: %w", err)
	}
	return id, nil
}
