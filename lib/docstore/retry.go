// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"errors"
	"fmt"
)

// maxUpdateAttempts bounds UpdateWithRetry so a pathological writer
// storm surfaces as an error instead of spinning forever.
const maxUpdateAttempts = 10

// UpdateWithRetry performs a read-modify-write on the document under
// key, retrying on revision conflicts. mutate receives the current
// document and its revision; it may modify the document in place.
// If mutate returns an error, the update stops and that error is
// returned unwrapped.
//
// Returns the document as written. Gives up after a bounded number of
// attempts, returning a wrapped ErrConflict.
func UpdateWithRetry[T any](ctx context.Context, coll *Collection[T], key string, mutate func(doc *T, revision uint64) error) (*T, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		doc, revision, err := coll.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := mutate(doc, revision); err != nil {
			return nil, err
		}
		err = coll.UpdateCAS(ctx, key, revision, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("docstore: update %s: gave up after %d attempts: %w", key, maxUpdateAttempts, ErrConflict)
}
