// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides shared process-lifecycle helpers for Anvil
// binaries.
package process
