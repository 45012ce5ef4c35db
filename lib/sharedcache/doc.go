// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package sharedcache provides the ephemeral coordination layer shared
// by server replicas: keyed sets and sorted sets with per-key expiry,
// lease-style locks for singleton background work, and a
// publish/subscribe bus for cache invalidation.
//
// Everything in the cache is advisory. The document store remains the
// source of truth; cache entries mirror it for cheap lookups (active
// lease sets, garbage-collection check queues) and may vanish at any
// time. Consumers rebuild from documents when a key is missing.
//
// [Memory] is the in-process implementation used by single-node
// deployments and tests. Its clock is injected so tests drive expiry
// deterministically.
package sharedcache
