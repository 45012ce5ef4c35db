// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package docstore is a typed document store over SQLite with
// optimistic concurrency.
//
// A [Store] wraps one database file via lib/sqlitepool; each
// [Collection] is a typed key→document mapping backed by two tables: a
// document table (key, revision, CBOR-encoded body) and a secondary
// index table whose rows are derived from each document by a
// caller-declared extraction function.
//
// Every document carries a revision. [Collection.Insert] stores at
// revision 0; [Collection.UpdateCAS] replaces the document only when
// the stored revision matches the caller's expectation and bumps it by
// one, returning [ErrConflict] otherwise. A document's revision is
// therefore exactly the count of successful writes since insertion.
// [UpdateWithRetry] wraps the read-modify-write loop for callers that
// tolerate re-running their mutation.
//
// Keys are sorted. Collections keyed by ordered identifiers
// (lib/ident) iterate in creation order under [Collection.Scan], which
// is how lifecycle sweeps page through agents, blobs and artifacts.
package docstore
