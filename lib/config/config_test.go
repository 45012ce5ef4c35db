// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"testing"
)

const validConfig = `
server:
  dataDir: /var/lib/anvil
storage:
  enableGc: true
  namespaces:
    - id: default
      gcFrequencyHours: 4
    - id: tools
      codec: lz4
artifacts:
  types:
    - type: step-output
      keepCount: 4
    - type: trace
      maxAgeDays: 14
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Server.DataDir != "/var/lib/anvil" {
		t.Errorf("dataDir = %q", cfg.Server.DataDir)
	}
	if cfg.Server.DatabasePath != "/var/lib/anvil/anvil.db" {
		t.Errorf("databasePath = %q, want default under dataDir", cfg.Server.DatabasePath)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("logLevel = %q, want default info", cfg.Server.LogLevel)
	}
	if !cfg.Storage.EnableGC || cfg.Storage.EnableGCVerification {
		t.Errorf("gc flags = %v/%v", cfg.Storage.EnableGC, cfg.Storage.EnableGCVerification)
	}
	if cfg.Revision == "" {
		t.Error("revision not stamped")
	}

	ns := cfg.Storage.Namespaces
	if len(ns) != 2 {
		t.Fatalf("namespaces = %d, want 2", len(ns))
	}
	if ns[0].Codec != "zstd" || ns[0].GCFrequencyHours != 4 {
		t.Errorf("namespace[0] = %+v, want default zstd codec", ns[0])
	}
	if ns[1].Codec != "lz4" || ns[1].GCFrequencyHours != 1 {
		t.Errorf("namespace[1] = %+v, want lz4 and default frequency", ns[1])
	}

	if policy := cfg.ArtifactType("step-output"); policy == nil || policy.KeepCount != 4 {
		t.Errorf("step-output policy = %+v", policy)
	}
	if policy := cfg.ArtifactType("unknown"); policy != nil {
		t.Errorf("unknown type policy = %+v, want nil", policy)
	}
}

func TestRevisionTracksContent(t *testing.T) {
	a, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Revision != b.Revision {
		t.Errorf("identical content produced revisions %q and %q", a.Revision, b.Revision)
	}

	changed := strings.Replace(validConfig, "keepCount: 4", "keepCount: 5", 1)
	c, err := Parse([]byte(changed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Revision == a.Revision {
		t.Error("changed content kept the same revision")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no namespaces", `
storage:
  namespaces: []
`},
		{"duplicate namespace", `
storage:
  namespaces:
    - id: default
    - id: default
`},
		{"bad codec", `
storage:
  namespaces:
    - id: default
      codec: gzip
`},
		{"bad log level", `
server:
  logLevel: verbose
storage:
  namespaces:
    - id: default
`},
		{"empty artifact type", `
storage:
  namespaces:
    - id: default
artifacts:
  types:
    - type: ""
`},
		{"negative retention", `
storage:
  namespaces:
    - id: default
artifacts:
  types:
    - type: logs
      maxAgeDays: -1
`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
