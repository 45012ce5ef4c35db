// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/anvil-build/anvil/lib/codec"
)

// IndexEntry is one secondary index posting for a document. The
// extractor declared on the collection produces the full posting list
// for a document; the store keeps the index table in sync with the
// document table inside the same transaction on every write.
type IndexEntry struct {
	Field string
	Value string
}

// Entry is a document returned from a read, paired with the key and
// revision needed for a subsequent compare-and-swap update.
type Entry[T any] struct {
	Key      string
	Revision uint64
	Doc      T
}

// Options configures a typed collection.
type Options[T any] struct {
	// Name is the collection name, used to derive table names.
	// Lowercase letters and underscores only.
	Name string

	// Indexes extracts the secondary index postings for a document.
	// May be nil for collections that are only accessed by key.
	Indexes func(doc *T) []IndexEntry
}

// Collection is a typed key→document collection with optimistic
// concurrency. Documents are CBOR-encoded; every document carries a
// revision that increments by exactly one on each successful write,
// and conditional updates fail with ErrConflict when the stored
// revision no longer matches.
//
// Keys are ordered: Scan iterates in ascending key order, which gives
// creation order for collections keyed by ordered identifiers.
type Collection[T any] struct {
	store   *Store
	name    string
	indexes func(*T) []IndexEntry

	docsTable  string
	indexTable string
}

// NewCollection creates (if needed) the backing tables for a
// collection and returns a typed handle.
func NewCollection[T any](ctx context.Context, store *Store, opts Options[T]) (*Collection[T], error) {
	if err := validateCollectionName(opts.Name); err != nil {
		return nil, err
	}

	c := &Collection[T]{
		store:      store,
		name:       opts.Name,
		indexes:    opts.Indexes,
		docsTable:  "docs_" + opts.Name,
		indexTable: "index_" + opts.Name,
	}

	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer store.pool.Put(conn)

	schema := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			key TEXT PRIMARY KEY,
			revision INTEGER NOT NULL,
			doc BLOB NOT NULL
		)`, c.docsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			key TEXT NOT NULL,
			PRIMARY KEY (field, value, key)
		)`, c.indexTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (key)`,
			c.indexTable+"_by_key", c.indexTable),
	}
	for _, stmt := range schema {
		if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
			return nil, fmt.Errorf("docstore: creating collection %s: %w", opts.Name, err)
		}
	}

	return c, nil
}

// Insert adds a new document at revision 0. Returns ErrExists if a
// document is already stored under key.
func (c *Collection[T]) Insert(ctx context.Context, key string, doc *T) error {
	data, err := codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: encoding %s/%s: %w", c.name, key, err)
	}

	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.store.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("docstore: begin insert %s/%s: %w", c.name, key, err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn,
		fmt.Sprintf(`INSERT INTO %q (key, revision, doc) VALUES (?, 0, ?)`, c.docsTable),
		&sqlitex.ExecOptions{Args: []any{key, data}})
	if err != nil {
		if isConstraintViolation(err) {
			err = fmt.Errorf("docstore: insert %s/%s: %w", c.name, key, ErrExists)
		}
		return err
	}

	err = c.writeIndexes(conn, key, doc)
	return err
}

// Get returns the document stored under key along with its revision.
// Returns ErrNotFound if absent.
func (c *Collection[T]) Get(ctx context.Context, key string) (*T, uint64, error) {
	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer c.store.pool.Put(conn)

	return c.getLocked(conn, key)
}

func (c *Collection[T]) getLocked(conn *sqlite.Conn, key string) (*T, uint64, error) {
	var doc *T
	var revision uint64

	err := sqlitex.Execute(conn,
		fmt.Sprintf(`SELECT revision, doc FROM %q WHERE key = ?`, c.docsTable),
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				revision = uint64(stmt.ColumnInt64(0))
				data := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, data)
				decoded := new(T)
				if err := codec.Unmarshal(data, decoded); err != nil {
					return fmt.Errorf("decoding %s/%s: %w", c.name, key, err)
				}
				doc = decoded
				return nil
			},
		})
	if err != nil {
		return nil, 0, fmt.Errorf("docstore: get %s/%s: %w", c.name, key, err)
	}
	if doc == nil {
		return nil, 0, fmt.Errorf("docstore: get %s/%s: %w", c.name, key, ErrNotFound)
	}
	return doc, revision, nil
}

// UpdateCAS replaces the document under key if and only if its stored
// revision equals expected. On success the stored revision becomes
// expected+1. Returns ErrConflict if another writer got there first,
// ErrNotFound if the document no longer exists.
func (c *Collection[T]) UpdateCAS(ctx context.Context, key string, expected uint64, doc *T) error {
	data, err := codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: encoding %s/%s: %w", c.name, key, err)
	}

	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.store.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("docstore: begin update %s/%s: %w", c.name, key, err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn,
		fmt.Sprintf(`UPDATE %q SET revision = ?, doc = ? WHERE key = ? AND revision = ?`, c.docsTable),
		&sqlitex.ExecOptions{Args: []any{expected + 1, data, key, expected}})
	if err != nil {
		return fmt.Errorf("docstore: update %s/%s: %w", c.name, key, err)
	}

	if conn.Changes() == 0 {
		// Distinguish a lost race from a vanished document.
		if _, _, getErr := c.getLocked(conn, key); getErr != nil {
			err = getErr
			return err
		}
		err = fmt.Errorf("docstore: update %s/%s: %w", c.name, key, ErrConflict)
		return err
	}

	err = c.writeIndexes(conn, key, doc)
	return err
}

// Replace unconditionally inserts or overwrites the document under
// key, returning the previous document if one existed. The revision
// restarts at 0 for inserts and increments for overwrites.
func (c *Collection[T]) Replace(ctx context.Context, key string, doc *T) (*T, error) {
	data, err := codec.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("docstore: encoding %s/%s: %w", c.name, key, err)
	}

	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.store.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("docstore: begin replace %s/%s: %w", c.name, key, err)
	}
	defer endFn(&err)

	var prev *T
	if existing, _, getErr := c.getLocked(conn, key); getErr == nil {
		prev = existing
	}

	err = sqlitex.Execute(conn,
		fmt.Sprintf(`INSERT INTO %q (key, revision, doc) VALUES (?, 0, ?)
			ON CONFLICT (key) DO UPDATE SET revision = revision + 1, doc = excluded.doc`, c.docsTable),
		&sqlitex.ExecOptions{Args: []any{key, data}})
	if err != nil {
		return nil, fmt.Errorf("docstore: replace %s/%s: %w", c.name, key, err)
	}

	if err = c.writeIndexes(conn, key, doc); err != nil {
		return nil, err
	}
	return prev, nil
}

// Delete removes the document under key. Reports whether a document
// was removed.
func (c *Collection[T]) Delete(ctx context.Context, key string) (bool, error) {
	doc, err := c.DeleteReturning(ctx, key)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

// DeleteReturning removes the document under key and returns it, or
// (nil, nil) if no document existed.
func (c *Collection[T]) DeleteReturning(ctx context.Context, key string) (*T, error) {
	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.store.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("docstore: begin delete %s/%s: %w", c.name, key, err)
	}
	defer endFn(&err)

	doc, _, getErr := c.getLocked(conn, key)
	if getErr != nil {
		return nil, nil
	}

	err = sqlitex.Execute(conn,
		fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, c.docsTable),
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return nil, fmt.Errorf("docstore: delete %s/%s: %w", c.name, key, err)
	}

	err = sqlitex.Execute(conn,
		fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, c.indexTable),
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return nil, fmt.Errorf("docstore: delete index %s/%s: %w", c.name, key, err)
	}

	return doc, nil
}

// FindIndexed returns documents whose index postings contain
// (field, value), in ascending key order, up to limit (0 = no limit).
func (c *Collection[T]) FindIndexed(ctx context.Context, field, value string, limit int) ([]Entry[T], error) {
	return c.findIndexed(ctx, field, value, "", false, limit)
}

// FindIndexedRange returns documents with a posting for field whose
// value is >= min and (if max is non-empty) < max, in ascending key
// order, up to limit (0 = no limit). Values compare as strings, so
// range fields must use an order-preserving encoding (ordered ids,
// zero-padded integers, RFC 3339 UTC timestamps).
func (c *Collection[T]) FindIndexedRange(ctx context.Context, field, min, max string, limit int) ([]Entry[T], error) {
	return c.findIndexed(ctx, field, min, max, true, limit)
}

func (c *Collection[T]) findIndexed(ctx context.Context, field, value, max string, ranged bool, limit int) ([]Entry[T], error) {
	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.store.pool.Put(conn)

	where := `i.field = ? AND i.value = ?`
	args := []any{field, value}
	if ranged {
		where = `i.field = ? AND i.value >= ?`
		if max != "" {
			where += ` AND i.value < ?`
			args = append(args, max)
		}
	}
	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf(
		`SELECT DISTINCT d.key, d.revision, d.doc FROM %q i JOIN %q d ON d.key = i.key
		 WHERE %s ORDER BY d.key LIMIT ?`,
		c.indexTable, c.docsTable, where)
	args = append(args, limit)

	return c.collect(conn, query, args)
}

// Scan returns documents in ascending key order, starting after
// afterKey (exclusive; "" starts from the beginning) and stopping
// before beforeKey (exclusive; "" means no upper bound), up to limit
// (0 = no limit).
func (c *Collection[T]) Scan(ctx context.Context, afterKey, beforeKey string, limit int) ([]Entry[T], error) {
	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.store.pool.Put(conn)

	where := `key > ?`
	args := []any{afterKey}
	if beforeKey != "" {
		where += ` AND key < ?`
		args = append(args, beforeKey)
	}
	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf(`SELECT key, revision, doc FROM %q WHERE %s ORDER BY key LIMIT ?`,
		c.docsTable, where)
	args = append(args, limit)

	return c.collect(conn, query, args)
}

// ScanDescending returns documents in descending key order, starting
// below beforeKey (exclusive; "" starts from the end), up to limit
// (0 = no limit). Collections keyed by ordered ids iterate newest
// first.
func (c *Collection[T]) ScanDescending(ctx context.Context, beforeKey string, limit int) ([]Entry[T], error) {
	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.store.pool.Put(conn)

	where := `1 = 1`
	args := []any{}
	if beforeKey != "" {
		where = `key < ?`
		args = append(args, beforeKey)
	}
	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf(`SELECT key, revision, doc FROM %q WHERE %s ORDER BY key DESC LIMIT ?`,
		c.docsTable, where)
	args = append(args, limit)

	return c.collect(conn, query, args)
}

// Count returns the number of documents in the collection.
func (c *Collection[T]) Count(ctx context.Context) (int64, error) {
	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer c.store.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn,
		fmt.Sprintf(`SELECT COUNT(*) FROM %q`, c.docsTable),
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("docstore: count %s: %w", c.name, err)
	}
	return count, nil
}

func (c *Collection[T]) collect(conn *sqlite.Conn, query string, args []any) ([]Entry[T], error) {
	var entries []Entry[T]
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			key := stmt.ColumnText(0)
			revision := uint64(stmt.ColumnInt64(1))
			data := make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, data)

			var doc T
			if err := codec.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("decoding %s/%s: %w", c.name, key, err)
			}
			entries = append(entries, Entry[T]{Key: key, Revision: revision, Doc: doc})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: query %s: %w", c.name, err)
	}
	return entries, nil
}

// writeIndexes rebuilds the index postings for key from doc. Must run
// inside the same transaction as the document write.
func (c *Collection[T]) writeIndexes(conn *sqlite.Conn, key string, doc *T) error {
	if c.indexes == nil {
		return nil
	}

	if err := sqlitex.Execute(conn,
		fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, c.indexTable),
		&sqlitex.ExecOptions{Args: []any{key}}); err != nil {
		return fmt.Errorf("docstore: clearing index %s/%s: %w", c.name, key, err)
	}

	for _, entry := range c.indexes(doc) {
		if err := sqlitex.Execute(conn,
			fmt.Sprintf(`INSERT OR IGNORE INTO %q (field, value, key) VALUES (?, ?, ?)`, c.indexTable),
			&sqlitex.ExecOptions{Args: []any{entry.Field, entry.Value, key}}); err != nil {
			return fmt.Errorf("docstore: writing index %s/%s: %w", c.name, key, err)
		}
	}
	return nil
}

// isConstraintViolation reports whether err is a SQLite primary key or
// uniqueness violation.
func isConstraintViolation(err error) bool {
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintPrimaryKey || code == sqlite.ResultConstraintUnique
}
