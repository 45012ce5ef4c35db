// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anvil-build/anvil/lib/docstore"
	"github.com/anvil-build/anvil/lib/ident"
)

// refExpiryBatch caps how many expired refs one expiry tick removes.
const refExpiryBatch = 500

func refKey(nsID ident.NamespaceID, name ident.RefName) string {
	return nsID.String() + "/" + name.String()
}

// WriteRefOptions carries the optional parts of a ref write.
type WriteRefOptions struct {
	// Lifetime makes the ref self-expiring with a sliding window: each
	// read within the last quarter of the remaining lifetime pushes the
	// expiry forward by the full lifetime. Zero means the ref never
	// expires.
	Lifetime time.Duration
}

// WriteRef points name at the blob at target, atomically replacing any
// prior target. The target must already have recorded metadata — refs
// may never point at unknown blobs. The previous target, if different,
// is scheduled for a GC reachability check; it is only removed once
// proven unreachable.
func (s *Service) WriteRef(ctx context.Context, nsID ident.NamespaceID, name ident.RefName, target ident.Locator, hash ident.Hash, opts WriteRefOptions) error {
	if name.IsZero() {
		return fmt.Errorf("storage: ref name must not be empty")
	}
	if _, err := s.namespace(nsID); err != nil {
		return err
	}
	// Validate before persisting anything.
	if _, _, err := s.blobByPath(ctx, nsID, target); err != nil {
		return err
	}

	now := s.clk.Now().UTC()
	ref := &Ref{
		Namespace: nsID,
		Name:      name,
		Target:    target,
		Hash:      hash,
		Lifetime:  opts.Lifetime,
	}
	if opts.Lifetime > 0 {
		expires := now.Add(opts.Lifetime)
		ref.ExpiresAt = &expires
	}

	key := refKey(nsID, name)
	prev, err := s.refs.Replace(ctx, key, ref)
	if err != nil {
		return err
	}
	s.refCache.Add(key, refCacheEntry{ref: *ref, fetchedAt: now})

	if prev != nil && prev.Target != target {
		s.enqueueTargetCheck(ctx, nsID, prev.Target)
	}
	return nil
}

// ReadRef resolves a ref. Cached values younger than maxStale are
// served without a store read; pass zero to force freshness. Reads
// after expiry return docstore.ErrNotFound and delete the ref; reads
// within the last quarter of a sliding lifetime touch the ref, pushing
// its expiry forward.
func (s *Service) ReadRef(ctx context.Context, nsID ident.NamespaceID, name ident.RefName, maxStale time.Duration) (*Ref, error) {
	if _, err := s.namespace(nsID); err != nil {
		return nil, err
	}

	now := s.clk.Now().UTC()
	key := refKey(nsID, name)

	var ref *Ref
	if entry, ok := s.refCache.Get(key); ok && maxStale > 0 && now.Sub(entry.fetchedAt) <= maxStale {
		cached := entry.ref
		ref = &cached
	} else {
		stored, _, err := s.refs.Get(ctx, key)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				s.refCache.Remove(key)
			}
			return nil, err
		}
		ref = stored
		s.refCache.Add(key, refCacheEntry{ref: *stored, fetchedAt: now})
	}

	if ref.ExpiresAt != nil && !now.Before(*ref.ExpiresAt) {
		if err := s.DeleteRef(ctx, nsID, name); err != nil {
			s.logger.Warn("deleting expired ref failed", "ref", key, "error", err)
		}
		return nil, fmt.Errorf("storage: ref %s expired: %w", key, docstore.ErrNotFound)
	}

	if ref.Lifetime > 0 && ref.ExpiresAt != nil && !now.Before(ref.ExpiresAt.Add(-ref.Lifetime/4)) {
		s.touchRef(ctx, key, now)
	}
	return ref, nil
}

// touchRef extends a sliding-lifetime ref from a successful read.
// Best-effort: a lost race just means another reader touched it.
func (s *Service) touchRef(ctx context.Context, key string, now time.Time) {
	touched, err := docstore.UpdateWithRetry(ctx, s.refs, key, func(ref *Ref, revision uint64) error {
		if ref.Lifetime > 0 {
			expires := now.Add(ref.Lifetime)
			ref.ExpiresAt = &expires
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("touching ref failed", "ref", key, "error", err)
		return
	}
	s.refCache.Add(key, refCacheEntry{ref: *touched, fetchedAt: now})
}

// DeleteRef removes a ref and schedules its target for a GC
// reachability check. Deleting a missing ref is a no-op.
func (s *Service) DeleteRef(ctx context.Context, nsID ident.NamespaceID, name ident.RefName) error {
	key := refKey(nsID, name)
	prev, err := s.refs.DeleteReturning(ctx, key)
	if err != nil {
		return err
	}
	s.refCache.Remove(key)
	if prev != nil {
		s.enqueueTargetCheck(ctx, nsID, prev.Target)
	}
	return nil
}

// RunRefExpiry removes refs whose expiry has passed, scheduling their
// targets for GC checks. One tick of the background expiry loop.
func (s *Service) RunRefExpiry(ctx context.Context) error {
	now := s.clk.Now().UTC()
	entries, err := s.refs.FindIndexedRange(ctx, "expires", "", timeKey(now), refExpiryBatch)
	if err != nil {
		return err
	}
	for i := range entries {
		ref := &entries[i].Doc
		if err := s.DeleteRef(ctx, ref.Namespace, ref.Name); err != nil {
			s.logger.Warn("expiring ref failed",
				"ref", refKey(ref.Namespace, ref.Name),
				"error", err,
			)
		}
	}
	if len(entries) > 0 {
		s.logger.Debug("expired refs removed", "count", len(entries))
	}
	return nil
}

// enqueueTargetCheck schedules the blob at a former ref target for a
// reachability check. Failures are logged: a missed enqueue only
// delays reclamation.
func (s *Service) enqueueTargetCheck(ctx context.Context, nsID ident.NamespaceID, target ident.Locator) {
	info, _, err := s.blobByPath(ctx, nsID, target)
	if err != nil {
		if !errors.Is(err, ErrUnknownBlob) {
			s.logger.Warn("resolving former ref target failed", "target", target, "error", err)
		}
		return
	}
	s.enqueueCheck(ctx, nsID, info.ID, minutesSinceEpoch(s.clk.Now()))
}
