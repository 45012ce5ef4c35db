// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/anvil-build/anvil/lib/sqlitepool"
)

// Store wraps a SQLite pool and hands out typed collections. One Store
// per database file; collections share the pool.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// New creates a Store over the given pool. If logger is nil, a no-op
// logger is used.
func New(pool *sqlitepool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{pool: pool, logger: logger}
}

// validateCollectionName restricts collection names to safe SQL
// identifier characters, since they are interpolated into table names.
func validateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("docstore: collection name must not be empty")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && c != '_' {
			return fmt.Errorf("docstore: collection name %q contains invalid character %q", name, c)
		}
	}
	return nil
}
