// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the Anvil-standard SQLite connection
// pool backing the document store.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode for concurrent readers with a single writer, NORMAL
// synchronous for process-crash durability without fsync-per-commit
// overhead, memory-mapped I/O for read performance, and a busy
// timeout to absorb write contention instead of surfacing
// SQLITE_BUSY.
//
// Callers [Pool.Take] a connection, perform work, and [Pool.Put] it
// back. Connections are NOT safe for concurrent use — each goroutine
// must hold its own connection for the duration of its work.
//
// The package is intentionally thin: standard pragmas plus the
// underlying zombiezen types, no query builder. lib/docstore writes
// its SQL directly against this pool.
package sqlitepool
