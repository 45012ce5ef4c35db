// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package docstore

import "errors"

// ErrNotFound is returned when no document exists under the requested
// key. Never retried automatically.
var ErrNotFound = errors.New("docstore: document not found")

// ErrExists is returned by Insert when a document already exists under
// the key (constraint violation surfaced as a conflict).
var ErrExists = errors.New("docstore: document already exists")

// ErrConflict is returned by UpdateCAS when the stored revision no
// longer matches the expected revision: another writer won the race.
// Always retryable by re-reading.
var ErrConflict = errors.New("docstore: revision conflict")
