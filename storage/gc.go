// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/anvil-build/anvil/lib/docstore"
	"github.com/anvil-build/anvil/lib/ident"
	"github.com/anvil-build/anvil/lib/sharedcache"
)

const (
	// importDiscoveryInterval is how often the import scan ticks.
	importDiscoveryInterval = 5 * time.Minute

	// importGrace keeps the scan away from blobs newer than this, so
	// in-flight redirect uploads are never misread as empty.
	importGrace = 30 * time.Minute

	// importBatchSize bounds one discovery batch; the checkpoint is
	// persisted between batches so the scan resumes after a restart.
	importBatchSize = 500

	// gcSweepInterval is how often the sweep scheduler wakes to look
	// for namespaces due a pass.
	gcSweepInterval = 5 * time.Minute

	// gcLockTTL bounds one namespace sweep. The lock self-expires if
	// the holder crashes.
	gcLockTTL = 20 * time.Minute

	// gcBatchSize bounds how many candidates one sweep examines.
	gcBatchSize = 500

	// refExpiryInterval is how often expired refs are reaped.
	refExpiryInterval = time.Minute

	gcStateKey = "state"
)

// minutesSinceEpoch is the check-queue score unit.
func minutesSinceEpoch(t time.Time) float64 {
	return float64(t.Unix()) / 60
}

func checkQueueKey(nsID ident.NamespaceID) string {
	return "gc/check/" + nsID.String()
}

// enqueueCheck adds a blob to its namespace's reachability check
// queue. Failures are logged; a missed enqueue only delays
// reclamation.
func (s *Service) enqueueCheck(ctx context.Context, nsID ident.NamespaceID, id ident.BlobID, score float64) {
	err := s.cache.SortedSetAdd(ctx, checkQueueKey(nsID), sharedcache.Member{
		Value: id.String(),
		Score: score,
	})
	if err != nil {
		s.logger.Warn("enqueueing gc check failed", "namespace", nsID, "blob", id, "error", err)
	}
}

func (s *Service) loadGCState(ctx context.Context) (*gcState, error) {
	state, _, err := s.state.Get(ctx, gcStateKey)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}
	fresh := &gcState{LastSweep: make(map[string]time.Time)}
	if err := s.state.Insert(ctx, gcStateKey, fresh); err != nil && !errors.Is(err, docstore.ErrExists) {
		return nil, err
	}
	state, _, err = s.state.Get(ctx, gcStateKey)
	return state, err
}

func (s *Service) updateGCState(ctx context.Context, mutate func(*gcState)) (*gcState, error) {
	if _, err := s.loadGCState(ctx); err != nil {
		return nil, err
	}
	return docstore.UpdateWithRetry(ctx, s.state, gcStateKey, func(state *gcState, revision uint64) error {
		mutate(state)
		return nil
	})
}

// RequestImportRescan forces the next discovery tick to rescan every
// blob from the beginning.
func (s *Service) RequestImportRescan(ctx context.Context) error {
	_, err := s.updateGCState(ctx, func(state *gcState) {
		state.ResetImportScan = true
	})
	return err
}

// RunImportDiscovery performs one import discovery pass: it scans blob
// metadata in id order from the persisted checkpoint, skipping blobs
// younger than the grace window, recovers each blob's true dependency
// set from its content, and records it. Mismatches between recorded
// and computed imports are logged as warnings — they are eventual
// consistency signals, not faults — and never block progress.
func (s *Service) RunImportDiscovery(ctx context.Context) error {
	state, err := s.loadGCState(ctx)
	if err != nil {
		return err
	}
	if state.ResetImportScan {
		state, err = s.updateGCState(ctx, func(st *gcState) {
			st.ImportCheckpoint = ident.BlobID{}
			st.ResetImportScan = false
		})
		if err != nil {
			return err
		}
		s.logger.Info("import scan reset, rescanning from start")
	}

	bound := ident.BlobIDUpperBound(s.clk.Now().Add(-importGrace))
	checkpoint := state.ImportCheckpoint

	for {
		entries, err := s.blobs.Scan(ctx, checkpoint.String(), bound.String(), importBatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		for i := range entries {
			info := &entries[i].Doc
			if err := s.discoverImports(ctx, info); err != nil {
				// Transient: skip this blob, keep the loop alive. The
				// checkpoint still advances; a rescan can be requested
				// if a persistent gap is suspected.
				s.logger.Warn("import discovery failed for blob",
					"namespace", info.Namespace,
					"blob", info.ID,
					"error", err,
				)
			}
			checkpoint = info.ID
		}

		if _, err := s.updateGCState(ctx, func(st *gcState) {
			if checkpoint.String() > st.ImportCheckpoint.String() {
				st.ImportCheckpoint = checkpoint
			}
		}); err != nil {
			return err
		}
		s.logger.Debug("import discovery batch complete",
			"scanned", len(entries),
			"checkpoint", checkpoint,
		)
	}
}

// discoverImports recomputes one blob's import list from its content.
func (s *Service) discoverImports(ctx context.Context, info *BlobInfo) error {
	ns, err := s.namespace(info.Namespace)
	if err != nil {
		return err
	}

	data, err := ns.store.Read(ctx, info.Path.String(), 0, -1)
	if err != nil {
		return err
	}
	references, err := blobReferences(data)
	if err != nil {
		return err
	}

	computed := make([]ident.BlobID, 0, len(references))
	for _, reference := range references {
		imported, _, err := s.blobByPath(ctx, info.Namespace, reference)
		if errors.Is(err, ErrUnknownBlob) {
			s.logger.Warn("blob references unknown locator",
				"namespace", info.Namespace,
				"blob", info.ID,
				"reference", reference,
			)
			continue
		}
		if err != nil {
			return err
		}
		computed = append(computed, imported.ID)
	}

	if info.ImportsResolved && !sameIDSet(info.Imports, computed) {
		s.logger.Warn("recorded imports disagree with blob content",
			"namespace", info.Namespace,
			"blob", info.ID,
			"recorded", len(info.Imports),
			"computed", len(computed),
		)
	}

	_, err = docstore.UpdateWithRetry(ctx, s.blobs, info.ID.String(), func(doc *BlobInfo, revision uint64) error {
		doc.Imports = computed
		doc.ImportsResolved = true
		// A fresh dependency graph supersedes any earlier verification
		// verdict; a blob that became reachable again must stop warning.
		doc.GCVersion = 0
		return nil
	})
	if err != nil {
		return err
	}

	// Every discovered blob becomes a sweep candidate. This is what
	// eventually reclaims orphans that never gained a ref (an upload
	// whose ref write failed, for example): nothing else would ever
	// queue them.
	s.enqueueCheck(ctx, info.Namespace, info.ID, minutesSinceEpoch(s.clk.Now()))
	return nil
}

func sameIDSet(a, b []ident.BlobID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[ident.BlobID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// RunGCSweep performs one scheduler pass: namespaces due a sweep (per
// their configured frequency) are visited in least-recently-swept
// order, each under its own distributed lock. A lock held elsewhere
// means another replica is sweeping that namespace — skip, not an
// error. The lock is released between namespaces so one backlog never
// starves the rest.
func (s *Service) RunGCSweep(ctx context.Context) error {
	// With neither deletion nor verification enabled there is nothing a
	// sweep may do; candidates stay queued for whenever GC is turned on.
	enableGC, verification := s.gcFlags()
	if !enableGC && !verification {
		return nil
	}

	state, err := s.loadGCState(ctx)
	if err != nil {
		return err
	}

	s.mu.RLock()
	namespaces := make([]*namespaceState, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		namespaces = append(namespaces, ns)
	}
	s.mu.RUnlock()

	now := s.clk.Now().UTC()
	sort.Slice(namespaces, func(i, j int) bool {
		return state.LastSweep[namespaces[i].cfg.ID.String()].Before(state.LastSweep[namespaces[j].cfg.ID.String()])
	})

	for _, ns := range namespaces {
		nsID := ns.cfg.ID
		frequency := time.Duration(ns.cfg.GCFrequencyHours * float64(time.Hour))
		if now.Sub(state.LastSweep[nsID.String()]) < frequency {
			continue
		}

		lock, err := s.cache.TryLock(ctx, "gc/lock/"+nsID.String(), gcLockTTL)
		if err != nil {
			return err
		}
		if lock == nil {
			s.logger.Debug("gc lock held elsewhere, skipping namespace", "namespace", nsID)
			continue
		}

		sweepErr := s.sweepNamespace(ctx, ns, state)
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			s.logger.Warn("releasing gc lock failed", "namespace", nsID, "error", releaseErr)
		}
		if sweepErr != nil {
			s.logger.Error("namespace sweep failed", "namespace", nsID, "error", sweepErr)
			continue
		}

		state, err = s.updateGCState(ctx, func(st *gcState) {
			if st.LastSweep == nil {
				st.LastSweep = make(map[string]time.Time)
			}
			st.LastSweep[nsID.String()] = now
			st.SweepCount++
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// sweepNamespace tests every due candidate in the namespace's check
// queue for reachability, reclaiming (or flagging, in verification
// mode) the unreachable ones. A deleted blob's own imports are
// requeued at a strictly increasing score, so cascades make progress
// without infinite requeue loops. Per-candidate errors are logged and
// skipped; no single bad object aborts the sweep.
func (s *Service) sweepNamespace(ctx context.Context, ns *namespaceState, state *gcState) error {
	nsID := ns.cfg.ID
	queue := checkQueueKey(nsID)
	now := s.clk.Now()

	candidates, err := s.cache.SortedSetRangeByScore(ctx, queue, 0, minutesSinceEpoch(now), gcBatchSize)
	if err != nil {
		return err
	}

	var checked, deleted, flagged int
	for _, candidate := range candidates {
		id, err := ident.ParseBlobID(candidate.Value)
		if err != nil {
			s.logger.Warn("dropping malformed gc candidate", "namespace", nsID, "value", candidate.Value)
			s.dequeueCheck(ctx, queue, candidate.Value)
			continue
		}

		// Only blobs at or before the import checkpoint have a trusted
		// dependency graph; later ones wait for discovery to catch up.
		if state.ImportCheckpoint.IsZero() || id.String() > state.ImportCheckpoint.String() {
			continue
		}
		checked++

		info, _, err := s.blobs.Get(ctx, id.String())
		if errors.Is(err, docstore.ErrNotFound) {
			s.dequeueCheck(ctx, queue, candidate.Value)
			continue
		}
		if err != nil {
			s.logger.Warn("loading gc candidate failed", "namespace", nsID, "blob", id, "error", err)
			continue
		}

		reachable, err := s.IsBlobReferenced(ctx, info)
		if err != nil {
			s.logger.Warn("reachability check failed", "namespace", nsID, "blob", id, "error", err)
			continue
		}
		if reachable {
			s.dequeueCheck(ctx, queue, candidate.Value)
			continue
		}

		enableGC, verification := s.gcFlags()
		switch {
		case enableGC:
			if err := s.deleteBlob(ctx, ns, info, queue, candidate.Score); err != nil {
				s.logger.Warn("deleting unreachable blob failed", "namespace", nsID, "blob", id, "error", err)
				continue
			}
			deleted++
		case verification:
			sweepVersion := state.SweepCount + 1
			_, err := docstore.UpdateWithRetry(ctx, s.blobs, id.String(), func(doc *BlobInfo, revision uint64) error {
				doc.GCVersion = sweepVersion
				return nil
			})
			if err != nil {
				s.logger.Warn("flagging unreachable blob failed", "namespace", nsID, "blob", id, "error", err)
				continue
			}
			flagged++
		}
		s.dequeueCheck(ctx, queue, candidate.Value)
	}

	s.logger.Info("namespace sweep complete",
		"namespace", nsID,
		"candidates", len(candidates),
		"checked", checked,
		"deleted", deleted,
		"flagged", flagged,
	)
	return nil
}

// deleteBlob reclaims an unreachable blob: object bytes first, then
// metadata, then its imports join the queue at a strictly increasing
// score.
func (s *Service) deleteBlob(ctx context.Context, ns *namespaceState, info *BlobInfo, queue string, score float64) error {
	if err := ns.store.Delete(ctx, info.Path.String()); err != nil {
		return err
	}
	if _, err := s.blobs.Delete(ctx, info.ID.String()); err != nil {
		return err
	}
	for _, imported := range info.Imports {
		s.enqueueCheck(ctx, ns.cfg.ID, imported, score+1)
	}
	s.logger.Debug("unreachable blob deleted",
		"namespace", ns.cfg.ID,
		"blob", info.ID,
		"path", info.Path,
	)
	return nil
}

func (s *Service) dequeueCheck(ctx context.Context, queue, value string) {
	if err := s.cache.SortedSetRemove(ctx, queue, value); err != nil {
		s.logger.Warn("removing gc candidate failed", "queue", queue, "error", err)
	}
}

// Run drives the background loops — import discovery, reachability
// sweeps, and ref expiry — until ctx is cancelled. Each tick's errors
// are contained: logged, never fatal to the scheduler.
func (s *Service) Run(ctx context.Context) error {
	importTicker := s.clk.NewTicker(importDiscoveryInterval)
	defer importTicker.Stop()
	sweepTicker := s.clk.NewTicker(gcSweepInterval)
	defer sweepTicker.Stop()
	expiryTicker := s.clk.NewTicker(refExpiryInterval)
	defer expiryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-importTicker.C:
			if err := s.RunImportDiscovery(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("import discovery tick failed", "error", err)
			}
		case <-sweepTicker.C:
			if err := s.RunGCSweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("gc sweep tick failed", "error", err)
			}
		case <-expiryTicker.C:
			if err := s.RunRefExpiry(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("ref expiry tick failed", "error", err)
			}
		}
	}
}
