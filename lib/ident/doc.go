// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident defines Anvil's typed, validated identifiers.
//
// Identifiers come in three shapes:
//
//   - Names (AgentID, PoolID, NamespaceID, StreamID): single-segment,
//     lowercase, operator-chosen.
//   - Paths (Locator, RefName): slash-separated names for blob
//     addresses and ref names, with the usual path-safety rules (no
//     empty, ".", or ".." segments).
//   - Ordered ids (SessionID, LeaseID, BlobID, ArtifactID): generated
//     hex strings whose lexicographic order approximates creation
//     time. The GC import checkpoint and artifact expiry ordering
//     depend on this property.
//
// Every type is a struct wrapping an unexported string, so a validated
// value cannot be forged by casting. All types implement
// encoding.TextMarshaler/TextUnmarshaler and therefore round-trip
// through lib/codec's CBOR configuration as text strings.
//
// Hash is a 32-byte BLAKE3 digest with a lowercase hex text form.
package ident
