// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Anvil packages.
//
// [RequireReceive], [RequireNoReceive], and [RequireClosed] encapsulate
// the timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. These are
// the only places in the test suite where real wall-clock timeouts are
// used; everything else runs on lib/clock.FakeClock.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Anvil-internal dependencies.
package testutil
