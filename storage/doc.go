// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage implements the content-addressed blob engine:
// immutable blobs written under unique locators, named mutable refs
// pointing at them, ranked alias lookups, and a two-phase garbage
// collector.
//
// Blobs form a directed graph through imports. A blob is reachable if
// any ref targets it or any other blob imports it; everything else is
// garbage. Because writers may omit their import lists, a background
// discovery scan recovers the true dependency graph from blob content
// (packed blobs carry their reference list in a preamble) and advances
// a checkpoint; the reachability sweep only trusts blobs the
// checkpoint has passed. Deletion is queue-driven: whenever a ref
// stops pointing at a blob, the blob joins its namespace's check
// queue, and a deleted blob requeues its own imports, so garbage
// cascades are collected incrementally instead of by full-graph
// traversal.
//
// Each namespace gets its own object store backend and compression
// codec, built from a revision-stamped configuration snapshot.
package storage
