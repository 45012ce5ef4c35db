// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/anvil-build/anvil/lib/clock"
	"github.com/anvil-build/anvil/lib/docstore"
	"github.com/anvil-build/anvil/lib/ident"
)

// Artifact is one catalog entry. Entries are immutable once added.
type Artifact struct {
	ID     ident.ArtifactID `cbor:"id"`
	Name   string           `cbor:"name"`
	Type   string           `cbor:"type"`
	Stream ident.StreamID   `cbor:"stream"`

	// Commit is the caller's logical commit identifier; CommitOrder is
	// its absolute position within the stream, resolved at add time so
	// range queries and ordering never re-resolve.
	Commit      string `cbor:"commit"`
	CommitOrder int64  `cbor:"commitOrder"`

	// Keys are search keys, normalized to lowercase at add time.
	Keys     []string `cbor:"keys,omitempty"`
	Metadata []string `cbor:"metadata,omitempty"`

	Namespace ident.NamespaceID `cbor:"namespace"`
	RefName   ident.RefName     `cbor:"refName"`
	CreatedAt time.Time         `cbor:"createdAt"`
}

// CommitResolver resolves a logical commit identifier to its absolute
// order number within a stream.
type CommitResolver interface {
	ResolveCommit(ctx context.Context, stream ident.StreamID, commit string) (int64, error)
}

// RefRemover deletes storage refs. Satisfied by *storage.Service.
type RefRemover interface {
	DeleteRef(ctx context.Context, ns ident.NamespaceID, name ident.RefName) error
}

// Catalog indexes artifacts over the document store.
type Catalog struct {
	artifacts *docstore.Collection[Artifact]
	commits   CommitResolver
	refs      RefRemover
	clk       clock.Clock
	logger    *slog.Logger
}

// NewCatalog creates the artifact collection. refs may be nil, in
// which case deleting an artifact leaves its ref for external cleanup.
func NewCatalog(ctx context.Context, store *docstore.Store, commits CommitResolver, refs RefRemover, clk clock.Clock, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	artifacts, err := docstore.NewCollection(ctx, store, docstore.Options[Artifact]{
		Name:    "artifacts",
		Indexes: artifactIndexes,
	})
	if err != nil {
		return nil, err
	}
	return &Catalog{
		artifacts: artifacts,
		commits:   commits,
		refs:      refs,
		clk:       clk,
		logger:    logger,
	}, nil
}

func artifactIndexes(a *Artifact) []docstore.IndexEntry {
	entries := []docstore.IndexEntry{
		{Field: "commit", Value: commitKey(a.Stream, a.CommitOrder)},
		{Field: "type", Value: a.Type},
	}
	for _, key := range a.Keys {
		entries = append(entries, docstore.IndexEntry{Field: "key", Value: key})
	}
	return entries
}

// commitKey is "<stream>/<order>" with a fixed-width hex order so
// lexicographic range scans follow commit order within a stream.
func commitKey(stream ident.StreamID, order int64) string {
	return fmt.Sprintf("%s/%016x", stream, uint64(order))
}

// commitKeyUpperBound bounds all commit keys of one stream: hex digits
// sort below 'g'.
func commitKeyUpperBound(stream ident.StreamID) string {
	return stream.String() + "/g"
}

// AddOptions describes a new artifact.
type AddOptions struct {
	Name      string
	Type      string
	Stream    ident.StreamID
	Commit    string
	Keys      []string
	Metadata  []string
	Namespace ident.NamespaceID
}

// Add resolves the commit order, normalizes search keys, and records
// the artifact with a traceable ref name of the form
// "{type}/{stream}/{commit}/{name}/{id}".
func (c *Catalog) Add(ctx context.Context, opts AddOptions) (*Artifact, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("artifacts: name must not be empty")
	}
	if opts.Type == "" {
		return nil, fmt.Errorf("artifacts: type must not be empty")
	}
	if opts.Stream.IsZero() {
		return nil, fmt.Errorf("artifacts: stream must not be empty")
	}

	order, err := c.commits.ResolveCommit(ctx, opts.Stream, opts.Commit)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolving commit %q: %w", opts.Commit, err)
	}
	// Commit keys encode the order as unsigned fixed-width hex; a
	// negative order would wrap past every legitimate key and corrupt
	// range-scan ordering.
	if order < 0 {
		return nil, fmt.Errorf("artifacts: commit %q resolved to negative order %d", opts.Commit, order)
	}

	keys := make([]string, 0, len(opts.Keys))
	for _, key := range opts.Keys {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)

	id := ident.NewArtifactID(c.clk.Now())
	refName, err := ident.NewRefName(strings.Join([]string{
		pathSegment(opts.Type),
		opts.Stream.String(),
		pathSegment(opts.Commit),
		pathSegment(opts.Name),
		id.String(),
	}, "/"))
	if err != nil {
		return nil, fmt.Errorf("artifacts: building ref name: %w", err)
	}

	artifact := &Artifact{
		ID:          id,
		Name:        opts.Name,
		Type:        opts.Type,
		Stream:      opts.Stream,
		Commit:      opts.Commit,
		CommitOrder: order,
		Keys:        keys,
		Metadata:    opts.Metadata,
		Namespace:   opts.Namespace,
		RefName:     refName,
		CreatedAt:   c.clk.Now().UTC(),
	}
	if err := c.artifacts.Insert(ctx, id.String(), artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// pathSegment makes an arbitrary string safe as one ref name segment.
func pathSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// Get returns the artifact with the given id.
func (c *Catalog) Get(ctx context.Context, id ident.ArtifactID) (*Artifact, error) {
	artifact, _, err := c.artifacts.Get(ctx, id.String())
	return artifact, err
}

// Query filters a Find. Zero fields do not filter.
type Query struct {
	Stream    ident.StreamID
	MinCommit *int64
	MaxCommit *int64
	Name      string
	Type      string

	// Keys requires every listed key to be present (case-insensitive).
	Keys []string

	// Limit caps the result count. 0 means no cap.
	Limit int
}

// Find returns matching artifacts newest first: commit order
// descending, ties broken by id descending.
func (c *Catalog) Find(ctx context.Context, q Query) ([]*Artifact, error) {
	entries, err := c.findCandidates(ctx, q)
	if err != nil {
		return nil, err
	}

	var matches []*Artifact
	for i := range entries {
		if q.matches(&entries[i].Doc) {
			matches = append(matches, &entries[i].Doc)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CommitOrder != matches[j].CommitOrder {
			return matches[i].CommitOrder > matches[j].CommitOrder
		}
		return matches[i].ID.String() > matches[j].ID.String()
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// findCandidates picks the most selective available index; the full
// filter is applied afterwards.
func (c *Catalog) findCandidates(ctx context.Context, q Query) ([]docstore.Entry[Artifact], error) {
	switch {
	case !q.Stream.IsZero():
		min := commitKey(q.Stream, 0)
		if q.MinCommit != nil {
			min = commitKey(q.Stream, *q.MinCommit)
		}
		max := commitKeyUpperBound(q.Stream)
		if q.MaxCommit != nil {
			max = commitKey(q.Stream, *q.MaxCommit+1)
		}
		return c.artifacts.FindIndexedRange(ctx, "commit", min, max, 0)
	case len(q.Keys) > 0:
		return c.artifacts.FindIndexed(ctx, "key", strings.ToLower(q.Keys[0]), 0)
	case q.Type != "":
		return c.artifacts.FindIndexed(ctx, "type", q.Type, 0)
	default:
		return c.artifacts.Scan(ctx, "", "", 0)
	}
}

func (q *Query) matches(a *Artifact) bool {
	if !q.Stream.IsZero() && a.Stream != q.Stream {
		return false
	}
	if q.MinCommit != nil && a.CommitOrder < *q.MinCommit {
		return false
	}
	if q.MaxCommit != nil && a.CommitOrder > *q.MaxCommit {
		return false
	}
	if q.Name != "" && a.Name != q.Name {
		return false
	}
	if q.Type != "" && a.Type != q.Type {
		return false
	}
	for _, key := range q.Keys {
		if !hasKey(a.Keys, strings.ToLower(key)) {
			return false
		}
	}
	return true
}

func hasKey(keys []string, key string) bool {
	for _, have := range keys {
		if have == key {
			return true
		}
	}
	return false
}

// FindExpired returns artifacts of the given type created before
// cutoff, strictly id descending so callers can delete incrementally.
func (c *Catalog) FindExpired(ctx context.Context, artifactType string, cutoff time.Time, limit int) ([]*Artifact, error) {
	entries, err := c.artifacts.FindIndexed(ctx, "type", artifactType, 0)
	if err != nil {
		return nil, err
	}

	bound := ident.ArtifactIDUpperBound(cutoff)
	var expired []*Artifact
	for i := range entries {
		if entries[i].Doc.ID.String() < bound.String() {
			expired = append(expired, &entries[i].Doc)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ID.String() > expired[j].ID.String()
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// Delete removes the catalog row and, when a ref remover is wired,
// the artifact's ref — the blobs behind it are left to the storage
// garbage collector. Deleting a missing artifact is a no-op.
func (c *Catalog) Delete(ctx context.Context, id ident.ArtifactID) error {
	artifact, err := c.artifacts.DeleteReturning(ctx, id.String())
	if err != nil {
		return err
	}
	if artifact == nil || c.refs == nil {
		return nil
	}
	if err := c.refs.DeleteRef(ctx, artifact.Namespace, artifact.RefName); err != nil {
		c.logger.Warn("deleting artifact ref failed",
			"artifact", id,
			"ref", artifact.RefName,
			"error", err,
		)
	}
	return nil
}
