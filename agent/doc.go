// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the worker-fleet registry: agent
// enrollment, session lifecycle, lease tracking, and the optimistic
// concurrency protocol that serializes all mutation of a single agent.
//
// Every agent is one document in the store, revisioned by UpdateIndex.
// Mutations read the document, compute the change, and write it back
// conditionally; a concurrent writer losing the race detects the
// conflict and retries with fresh state rather than silently
// overwriting. The Try* methods expose the single-shot form (nil
// result means "lost the race, retry"), and [Registry.UpdateWithRetry]
// wraps the loop.
//
// Active leases are mirrored into the shared cache (one fleet-wide set
// plus per-parent child sets) so cross-agent queries avoid scanning
// every document. The mirror is reconciled on every authoritative
// lease change but remains advisory: the agent document is always the
// source of truth.
package agent
