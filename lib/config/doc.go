// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the Anvil server configuration from a single
// YAML file: process settings, storage namespaces with their codec and
// sweep cadence, and per-type artifact retention policies.
//
// Each loaded snapshot carries a Revision derived from the file
// contents. Components that derive state from the config keep the
// revision they were built from and rebuild when a newly loaded
// snapshot carries a different one.
package config
