// Copyright 2026 The Aura Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}

	if cfg.Ceremony.FastPathTimeout != "2s" {
		t.Errorf("expected fast_path_timeout=2s, got %s", cfg.Ceremony.FastPathTimeout)
	}

	if cfg.Erasure.DataShards != 4 || cfg.Erasure.ParityShards != 2 {
		t.Errorf("expected 4+2 erasure defaults, got %d+%d",
			cfg.Erasure.DataShards, cfg.Erasure.ParityShards)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresAuraConfig(t *testing.T) {
	// Save and restore AURA_CONFIG.
	origConfig := os.Getenv("AURA_CONFIG")
	defer os.Setenv("AURA_CONFIG", origConfig)

	// Unset AURA_CONFIG - Load() should fail.
	os.Unsetenv("AURA_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when AURA_CONFIG not set, got nil")
	}

	expectedMsg := "AURA_CONFIG environment variable not set"
	if err.Error()[:len(expectedMsg)] != expectedMsg {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithAuraConfig(t *testing.T) {
	// Save and restore AURA_CONFIG.
	origConfig := os.Getenv("AURA_CONFIG")
	defer os.Setenv("AURA_CONFIG", origConfig)

	// Create temp config file.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aura.yaml")

	configContent := `
environment: staging
paths:
  root: /test/root
node:
  listen_address: 0.0.0.0:7500
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	// Set AURA_CONFIG and load.
	os.Setenv("AURA_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}

	if cfg.Paths.Root != "/test/root" {
		t.Errorf("expected root=/test/root, got %s", cfg.Paths.Root)
	}

	if cfg.Node.ListenAddress != "0.0.0.0:7500" {
		t.Errorf("expected listen_address=0.0.0.0:7500, got %s", cfg.Node.ListenAddress)
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aura.yaml")

	configContent := `
environment: staging

paths:
  root: /custom/root

node:
  rendezvous_url: https://rendezvous.example.net
  stun_servers:
    - stun:stun.example.net:3478

gossip:
  max_ops_per_peer: 16
  digest_interval: 10s

ceremony:
  fast_path_timeout: 500ms
  batch_capacity: 4
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}

	if cfg.Paths.Root != "/custom/root" {
		t.Errorf("expected root=/custom/root, got %s", cfg.Paths.Root)
	}

	if cfg.Node.RendezvousURL != "https://rendezvous.example.net" {
		t.Errorf("expected rendezvous_url to load, got %s", cfg.Node.RendezvousURL)
	}

	if len(cfg.Node.STUNServers) != 1 || cfg.Node.STUNServers[0] != "stun:stun.example.net:3478" {
		t.Errorf("expected custom stun servers, got %v", cfg.Node.STUNServers)
	}

	if cfg.Gossip.MaxOpsPerPeer != 16 {
		t.Errorf("expected max_ops_per_peer=16, got %d", cfg.Gossip.MaxOpsPerPeer)
	}

	if cfg.Gossip.DigestInterval != "10s" {
		t.Errorf("expected digest_interval=10s, got %s", cfg.Gossip.DigestInterval)
	}

	// Unset sections keep their defaults.
	if cfg.Gossip.RateInterval != "1s" {
		t.Errorf("expected default rate_interval=1s, got %s", cfg.Gossip.RateInterval)
	}

	if cfg.Ceremony.FastPathTimeout != "500ms" {
		t.Errorf("expected fast_path_timeout=500ms, got %s", cfg.Ceremony.FastPathTimeout)
	}

	if cfg.Ceremony.BatchCapacity != 4 {
		t.Errorf("expected batch_capacity=4, got %d", cfg.Ceremony.BatchCapacity)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aura.yaml")

	configContent := `
environment: production

paths:
  root: /base/root

ceremony:
  fast_path_timeout: 2s

production:
  paths:
    root: /prod/root
  ceremony:
    fast_path_timeout: 5s

development:
  paths:
    root: /dev/root
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	// Production section applies; development section does not.
	if cfg.Paths.Root != "/prod/root" {
		t.Errorf("expected root=/prod/root, got %s", cfg.Paths.Root)
	}

	if cfg.Ceremony.FastPathTimeout != "5s" {
		t.Errorf("expected fast_path_timeout=5s, got %s", cfg.Ceremony.FastPathTimeout)
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aura.yaml")

	configContent := `
paths:
  root: /explicit/root
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	// An environment variable matching a config field must not leak in.
	t.Setenv("AURA_ROOT", "/from/environment")

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.Root != "/explicit/root" {
		t.Errorf("expected root=/explicit/root, got %s", cfg.Paths.Root)
	}
}

func TestExpandVars(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aura.yaml")

	configContent := `
paths:
  root: /data/aura
  keystore: ${AURA_ROOT}/keys
  journals: ${UNSET_VAR:-/fallback}/journals
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.Keystore != "/data/aura/keys" {
		t.Errorf("expected AURA_ROOT expansion, got %s", cfg.Paths.Keystore)
	}

	if cfg.Paths.Journals != "/fallback/journals" {
		t.Errorf("expected default expansion, got %s", cfg.Paths.Journals)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.Environment = "weird"
	cfg.Paths.Root = ""
	cfg.Gossip.RateInterval = "not-a-duration"
	cfg.Erasure.ParityShards = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}

	msg := err.Error()
	for _, want := range []string{
		"invalid environment",
		"paths.root is required",
		"gossip.rate_interval",
		"erasure.parity_shards",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("validation error missing %q: %s", want, msg)
		}
	}
}

func TestDuration(t *testing.T) {
	if d := Duration("250ms"); d != 250*time.Millisecond {
		t.Errorf("Duration(250ms) = %v", d)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on malformed duration")
		}
	}()
	Duration("bogus")
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Paths.Root = filepath.Join(tmpDir, "root")
	cfg.Paths.Keystore = filepath.Join(tmpDir, "root", "keys")
	cfg.Paths.Journals = filepath.Join(tmpDir, "root", "journals")
	cfg.Paths.Fragments = filepath.Join(tmpDir, "root", "fragments")
	cfg.Paths.State = filepath.Join(tmpDir, "root", "state")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	for _, path := range []string{cfg.Paths.Root, cfg.Paths.Keystore, cfg.Paths.Journals, cfg.Paths.Fragments, cfg.Paths.State} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("expected %s to exist: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("expected %s to be a directory", path)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("expected %s to be 0700, got %o", path, perm)
		}
	}
}

func TestInstallIDStable(t *testing.T) {
	cfg := Default()
	cfg.Paths.State = t.TempDir()

	first, err := cfg.InstallID()
	if err != nil {
		t.Fatalf("first InstallID: %v", err)
	}
	if first == "" {
		t.Fatal("empty install ID")
	}

	second, err := cfg.InstallID()
	if err != nil {
		t.Fatalf("second InstallID: %v", err)
	}
	if first != second {
		t.Errorf("install ID not stable: %s then %s", first, second)
	}

	// Corruption is an error, not a silent regeneration.
	path := filepath.Join(cfg.Paths.State, "install-id")
	if err := os.WriteFile(path, []byte("not-a-uuid\n"), 0600); err != nil {
		t.Fatalf("corrupting install ID: %v", err)
	}
	if _, err := cfg.InstallID(); err == nil {
		t.Error("expected error for corrupt install ID")
	}
}
