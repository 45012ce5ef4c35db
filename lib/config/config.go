// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/anvil-build/anvil/lib/ident"
)

// Config is the complete server configuration, loaded once at startup.
// Revision stamps the loaded snapshot: components that build state from
// the config (storage namespaces in particular) compare revisions to
// decide whether to rebuild.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`

	// Revision identifies this snapshot of the file. Derived from the
	// raw bytes at load time, never set in the file itself.
	Revision string `yaml:"-"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// DataDir is the root directory for all server state: the document
	// database and the filesystem object store live beneath it.
	DataDir string `yaml:"dataDir"`

	// DatabasePath overrides the document database location. Defaults
	// to <dataDir>/anvil.db.
	DatabasePath string `yaml:"databasePath"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"logLevel"`
}

// StorageConfig configures the storage engine.
type StorageConfig struct {
	// Namespaces lists the blob namespaces the engine serves. At least
	// one namespace must be configured.
	Namespaces []NamespaceConfig `yaml:"namespaces"`

	// EnableGC enables hard deletion of unreachable blobs.
	EnableGC bool `yaml:"enableGc"`

	// EnableGCVerification flags unreachable blobs instead of (or in
	// rehearsal alongside) deleting them. Access to a flagged blob is
	// logged as a consistency warning.
	EnableGCVerification bool `yaml:"enableGcVerification"`
}

// NamespaceConfig configures one blob namespace.
type NamespaceConfig struct {
	ID ident.NamespaceID `yaml:"id"`

	// Codec selects per-object compression: "none", "lz4" or "zstd".
	// Defaults to "zstd".
	Codec string `yaml:"codec"`

	// GCFrequencyHours is the minimum interval between reachability
	// sweeps of this namespace. Defaults to 1.
	GCFrequencyHours float64 `yaml:"gcFrequencyHours"`

	// Prefix, when set, is prepended to generated blob locators so
	// objects from this namespace group together in the object store.
	Prefix string `yaml:"prefix"`
}

// ArtifactsConfig configures the artifact catalog.
type ArtifactsConfig struct {
	// Types lists per-artifact-type retention policies. Types without
	// a policy are retained indefinitely.
	Types []ArtifactTypeConfig `yaml:"types"`
}

// ArtifactTypeConfig is the retention policy for one artifact type.
type ArtifactTypeConfig struct {
	Type string `yaml:"type"`

	// MaxAgeDays expires artifacts older than this many days. Zero
	// disables age-based expiry.
	MaxAgeDays int `yaml:"maxAgeDays"`

	// KeepCount retains only the newest KeepCount artifacts per stream.
	// Zero disables count-based expiry.
	KeepCount int `yaml:"keepCount"`
}

// Load reads, parses, defaults and validates the configuration file at
// path, and stamps the snapshot with a content-derived revision.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses raw YAML configuration bytes. Exposed for tests.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Revision = ident.HashOf(data).String()[:16]
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.DataDir == "" {
		c.Server.DataDir = "data"
	}
	if c.Server.DatabasePath == "" {
		c.Server.DatabasePath = c.Server.DataDir + "/anvil.db"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	for i := range c.Storage.Namespaces {
		ns := &c.Storage.Namespaces[i]
		if ns.Codec == "" {
			ns.Codec = "zstd"
		}
		if ns.GCFrequencyHours <= 0 {
			ns.GCFrequencyHours = 1
		}
	}
}

func (c *Config) validate() error {
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logLevel %q", c.Server.LogLevel)
	}

	if len(c.Storage.Namespaces) == 0 {
		return fmt.Errorf("at least one storage namespace must be configured")
	}
	seen := make(map[ident.NamespaceID]bool)
	for _, ns := range c.Storage.Namespaces {
		if ns.ID.IsZero() {
			return fmt.Errorf("namespace with empty id")
		}
		if seen[ns.ID] {
			return fmt.Errorf("duplicate namespace %s", ns.ID)
		}
		seen[ns.ID] = true
		switch ns.Codec {
		case "none", "lz4", "zstd":
		default:
			return fmt.Errorf("namespace %s: invalid codec %q", ns.ID, ns.Codec)
		}
	}

	seenTypes := make(map[string]bool)
	for _, at := range c.Artifacts.Types {
		if at.Type == "" {
			return fmt.Errorf("artifact type policy with empty type")
		}
		if seenTypes[at.Type] {
			return fmt.Errorf("duplicate artifact type policy %q", at.Type)
		}
		seenTypes[at.Type] = true
		if at.MaxAgeDays < 0 || at.KeepCount < 0 {
			return fmt.Errorf("artifact type %q: negative retention values", at.Type)
		}
	}
	return nil
}

// Namespace returns the configuration for the given namespace, or nil
// if it is not configured.
func (c *Config) Namespace(id ident.NamespaceID) *NamespaceConfig {
	for i := range c.Storage.Namespaces {
		if c.Storage.Namespaces[i].ID == id {
			return &c.Storage.Namespaces[i]
		}
	}
	return nil
}

// ArtifactType returns the retention policy for the given artifact
// type, or nil if none is configured.
func (c *Config) ArtifactType(artifactType string) *ArtifactTypeConfig {
	for i := range c.Artifacts.Types {
		if c.Artifacts.Types[i].Type == artifactType {
			return &c.Artifacts.Types[i]
		}
	}
	return nil
}
