// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"time"

	"github.com/anvil-build/anvil/lib/ident"
)

// BlobInfo is the metadata record for one immutable blob. The id is
// ordered (sort order approximates creation time), which the import
// discovery checkpoint depends on. (Namespace, Path) is unique.
type BlobInfo struct {
	ID        ident.BlobID      `cbor:"id"`
	Namespace ident.NamespaceID `cbor:"namespace"`
	Path      ident.Locator     `cbor:"path"`

	// Imports are the ids of blobs this blob references. Resolved
	// eagerly when the writer declares them, otherwise recovered from
	// the blob's own content by the import discovery tick.
	Imports []ident.BlobID `cbor:"imports,omitempty"`

	// ImportsResolved reports whether Imports reflects the blob's
	// content. Unresolved blobs are not yet safe GC evidence.
	ImportsResolved bool `cbor:"importsResolved,omitempty"`

	Aliases []Alias `cbor:"aliases,omitempty"`

	// GCVersion is set by a verification-mode sweep that found the blob
	// unreachable. A later access to a flagged blob is logged as a
	// consistency warning: it means the sweep would have deleted live
	// data.
	GCVersion uint64 `cbor:"gcVersion,omitempty"`
}

// Alias is a ranked secondary lookup key on a blob, optionally carrying
// a small inline payload so common lookups skip the object store.
type Alias struct {
	Name     string `cbor:"name"`
	Fragment string `cbor:"fragment,omitempty"`
	Rank     int    `cbor:"rank,omitempty"`
	Data     []byte `cbor:"data,omitempty"`
}

// AliasMatch is one FindAliases result: the blob carrying the alias
// plus the matching alias entry.
type AliasMatch struct {
	Blob  *BlobInfo
	Alias Alias
}

// Ref is a named mutable pointer to a blob within a namespace.
// (Namespace, Name) is unique. Writing a ref atomically replaces the
// prior target and schedules it for a GC reachability check.
type Ref struct {
	Namespace ident.NamespaceID `cbor:"namespace"`
	Name      ident.RefName     `cbor:"name"`
	Target    ident.Locator     `cbor:"target"`
	Hash      ident.Hash        `cbor:"hash"`

	// Lifetime, when non-zero, makes the expiry sliding: a read within
	// the last quarter of the remaining lifetime pushes ExpiresAt
	// forward by the full lifetime.
	Lifetime  time.Duration `cbor:"lifetime,omitempty"`
	ExpiresAt *time.Time    `cbor:"expiresAt,omitempty"`
}

// gcState is the single persisted document tracking background GC
// progress across restarts.
type gcState struct {
	// ImportCheckpoint is the highest blob id whose imports have been
	// verified by the discovery scan. Advances monotonically; the
	// reachability sweep only trusts blobs at or below it.
	ImportCheckpoint ident.BlobID `cbor:"importCheckpoint,omitempty"`

	// ResetImportScan forces the next discovery tick to rescan from the
	// beginning.
	ResetImportScan bool `cbor:"resetImportScan,omitempty"`

	// LastSweep records when each namespace last completed a
	// reachability sweep, keyed by namespace id.
	LastSweep map[string]time.Time `cbor:"lastSweep,omitempty"`

	// SweepCount numbers completed sweeps; verification mode stamps
	// flagged blobs with it.
	SweepCount uint64 `cbor:"sweepCount,omitempty"`
}
