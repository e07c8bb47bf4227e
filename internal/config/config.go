// Package config loads the daemon's startup configuration: a small YAML
// document merged over hardcoded defaults, then overridden by SPECD_*
// environment variables.
//
// Grounded on codeready-toolchain-tarsy/pkg/config/{loader.go,defaults.go}:
// same load-then-merge-then-env-override sequence, scaled down to the
// handful of values SPEC_FULL.md's configuration section names (data
// root, broadcast buffer size, snapshot triggers, mailbox bound) rather
// than tarsy's agent/chain/MCP registries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Snapshot bundles the two independent triggers that cause the registry
// to write a fresh snapshot for a spec: whichever fires first resets both.
// Interval is a string in the YAML document (time.ParseDuration syntax,
// e.g. "5m") the same way the teacher's RunbooksYAMLConfig.CacheTTL is,
// since yaml.v3 has no built-in time.Duration scalar support.
type Snapshot struct {
	EventThreshold int    `yaml:"event_threshold"`
	Interval       string `yaml:"interval"`
}

// Config is the fully resolved, ready-to-use daemon configuration.
type Config struct {
	DataRoot            string   `yaml:"data_root"`
	BroadcastBufferSize int      `yaml:"broadcast_buffer_size"`
	MailboxBound        int      `yaml:"mailbox_bound"`
	Snapshot            Snapshot `yaml:"snapshot"`

	// SnapshotInterval is Snapshot.Interval parsed to a time.Duration;
	// resolved once at Load time so callers never re-parse it.
	SnapshotInterval time.Duration `yaml:"-"`
}

// Defaults returns the hardcoded baseline every loaded/overridden value is
// merged on top of.
func Defaults() *Config {
	return &Config{
		DataRoot:            "./specd_home",
		BroadcastBufferSize: 4096,
		MailboxBound:        64,
		Snapshot: Snapshot{
			EventThreshold: 100,
			Interval:       "5m",
		},
		SnapshotInterval: 5 * time.Minute,
	}
}

// Load reads path (a YAML document), merges it over Defaults() so that a
// partial user file only overrides the fields it sets, then applies
// SPECD_* environment variable overrides on top. path may not exist, in
// which case only defaults + env overrides apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var fromFile Config
			if err := yaml.Unmarshal(data, &fromFile); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			if err := mergo.Merge(cfg, fromFile, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No config file is not an error: defaults + env apply.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	interval, err := time.ParseDuration(cfg.Snapshot.Interval)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot.interval %q: %w", cfg.Snapshot.Interval, err)
	}
	cfg.SnapshotInterval = interval

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SPECD_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("SPECD_BROADCAST_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BroadcastBufferSize = n
		}
	}
	if v := os.Getenv("SPECD_MAILBOX_BOUND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MailboxBound = n
		}
	}
	if v := os.Getenv("SPECD_SNAPSHOT_EVENT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Snapshot.EventThreshold = n
		}
	}
	if v := os.Getenv("SPECD_SNAPSHOT_INTERVAL"); v != "" {
		cfg.Snapshot.Interval = v
	}
}
