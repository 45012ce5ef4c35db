// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/anvil-build/anvil/lib/clock"
	"github.com/anvil-build/anvil/lib/config"
	"github.com/anvil-build/anvil/lib/ident"
)

const (
	// sweepInterval is how often retention policies are evaluated.
	sweepInterval = 30 * time.Minute

	// expiryBatch caps age-based deletions per type per pass.
	expiryBatch = 500
)

// Sweeper evaluates per-type retention policies on a periodic tick.
// Only catalog rows (and their refs) are deleted; blob bytes are
// reclaimed by the storage garbage collector once the refs are gone.
type Sweeper struct {
	catalog *Catalog
	types   []config.ArtifactTypeConfig
	clk     clock.Clock
	logger  *slog.Logger
}

// NewSweeper creates a sweeper for the configured type policies.
func NewSweeper(catalog *Catalog, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{
		catalog: catalog,
		types:   cfg.Artifacts.Types,
		clk:     clk,
		logger:  logger,
	}
}

// Run evaluates retention on a ticker until ctx is cancelled. Errors
// are contained within their pass.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clk.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunExpiration(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("artifact expiration pass failed", "error", err)
			}
		}
	}
}

// RunExpiration performs one retention pass over every configured
// artifact type.
func (s *Sweeper) RunExpiration(ctx context.Context) error {
	for _, policy := range s.types {
		deleted, err := s.expireType(ctx, policy)
		if err != nil {
			return err
		}
		if deleted > 0 {
			s.logger.Info("expired artifacts",
				"type", policy.Type,
				"deleted", deleted,
			)
		}
	}
	return nil
}

func (s *Sweeper) expireType(ctx context.Context, policy config.ArtifactTypeConfig) (int, error) {
	var deleted int

	if policy.MaxAgeDays > 0 {
		cutoff := s.clk.Now().Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour)
		expired, err := s.catalog.FindExpired(ctx, policy.Type, cutoff, expiryBatch)
		if err != nil {
			return deleted, err
		}
		for _, artifact := range expired {
			if err := s.catalog.Delete(ctx, artifact.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
	}

	if policy.KeepCount > 0 {
		n, err := s.enforceKeepCount(ctx, policy)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// enforceKeepCount retains only the newest KeepCount artifacts of the
// type within each stream, newest by commit order then id.
func (s *Sweeper) enforceKeepCount(ctx context.Context, policy config.ArtifactTypeConfig) (int, error) {
	all, err := s.catalog.Find(ctx, Query{Type: policy.Type})
	if err != nil {
		return 0, err
	}

	byStream := make(map[ident.StreamID][]*Artifact)
	for _, artifact := range all {
		byStream[artifact.Stream] = append(byStream[artifact.Stream], artifact)
	}

	var deleted int
	for _, artifacts := range byStream {
		// Find already returns newest first; keep the sort local so the
		// retention decision never depends on query internals.
		sort.Slice(artifacts, func(i, j int) bool {
			if artifacts[i].CommitOrder != artifacts[j].CommitOrder {
				return artifacts[i].CommitOrder > artifacts[j].CommitOrder
			}
			return artifacts[i].ID.String() > artifacts[j].ID.String()
		})
		for _, artifact := range artifacts[min(policy.KeepCount, len(artifacts)):] {
			if err := s.catalog.Delete(ctx, artifact.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}
