// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package sharedcache

import (
	"context"
	"time"
)

// Member is a sorted-set member paired with its score.
type Member struct {
	Value string
	Score float64
}

// Cache is the coordination surface shared by server replicas: keyed
// sets and sorted sets with per-key expiry, lease-style locks, and a
// publish/subscribe bus for invalidation events.
//
// Scores and set contents are advisory caches of durable state in the
// document store, never the source of truth. Consumers must tolerate
// missing keys (an expired lease mirror is rebuilt from documents).
type Cache interface {
	// SetAdd adds members to the set at key, creating it if absent.
	SetAdd(ctx context.Context, key string, members ...string) error

	// SetRemove removes members from the set at key. Removing from a
	// missing set is a no-op. An emptied set is deleted.
	SetRemove(ctx context.Context, key string, members ...string) error

	// SetMembers returns the members of the set at key, in unspecified
	// order. A missing set yields an empty slice.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SortedSetAdd adds or rescores members in the sorted set at key.
	SortedSetAdd(ctx context.Context, key string, members ...Member) error

	// SortedSetRemove removes members from the sorted set at key.
	SortedSetRemove(ctx context.Context, key string, values ...string) error

	// SortedSetRangeByScore returns up to limit members with
	// min <= score <= max, ascending by score then value. limit <= 0
	// means no limit.
	SortedSetRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]Member, error)

	// SortedSetScore returns the score of value in the sorted set at
	// key. The second result reports whether the member exists.
	SortedSetScore(ctx context.Context, key, value string) (float64, bool, error)

	// SortedSetLength returns the number of members in the sorted set
	// at key.
	SortedSetLength(ctx context.Context, key string) (int64, error)

	// Expire sets the time-to-live for key. Expired keys behave as if
	// deleted. A non-positive ttl deletes the key immediately.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key regardless of type.
	Delete(ctx context.Context, key string) error

	// TryLock attempts to acquire the lease lock named key for ttl.
	// Returns nil (and no error) when another holder owns the lock.
	// The returned lock expires on its own after ttl; Release it early
	// when the protected work finishes.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error)

	// Publish delivers message to all current subscribers of channel.
	// Delivery is best-effort: subscribers with full buffers are
	// skipped.
	Publish(ctx context.Context, channel, message string) error

	// Subscribe returns a channel of messages published to channel and
	// a cancel function that stops delivery and closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

// Lock is a held lease lock. Release is idempotent and safe to call
// after the lease has already expired.
type Lock interface {
	Release(ctx context.Context) error
}
