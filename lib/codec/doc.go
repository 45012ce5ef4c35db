// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Anvil's standard CBOR encoding configuration.
//
// All persisted documents (agents, sessions, blob metadata, refs,
// artifacts), lease task payloads, and packed-blob headers are CBOR
// (RFC 8949) with Core Deterministic Encoding, so the same logical
// value always produces identical bytes. Struct types use json struct
// tags — fxamacker/cbor falls back to json tags, so the same types
// work with both encoders.
package codec
