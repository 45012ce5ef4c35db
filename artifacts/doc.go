// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifacts is the catalog of produced build outputs: a
// searchable index over storage refs, keyed by stream, commit, type,
// and free-form search keys.
//
// The catalog owns only the index rows. Each artifact points at a
// storage ref whose name embeds type, stream, commit, name and id for
// human traceability; deleting an artifact removes the catalog row and
// its ref, and the blobs behind it are reclaimed by the storage
// engine's garbage collector, never directly.
//
// Retention is policy-driven: a periodic sweep evaluates each
// configured artifact type's max age and per-stream keep count and
// deletes what falls outside.
package artifacts
