// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/anvil-build/anvil/lib/clock"
	"github.com/anvil-build/anvil/lib/config"
	"github.com/anvil-build/anvil/lib/docstore"
	"github.com/anvil-build/anvil/lib/ident"
	"github.com/anvil-build/anvil/lib/sharedcache"
)

// ErrUnknownNamespace is returned for operations on a namespace the
// current configuration does not define.
var ErrUnknownNamespace = errors.New("storage: namespace not configured")

// ErrUnknownBlob is returned when an operation names a blob locator
// with no recorded metadata. Refs may never point at unknown blobs.
var ErrUnknownBlob = errors.New("storage: no blob recorded at locator")

// refCacheSize bounds the in-process ref cache.
const refCacheSize = 4096

const timeKeyLayout = "2006-01-02T15:04:05.000000000Z"

func timeKey(t time.Time) string {
	return t.UTC().Format(timeKeyLayout)
}

type refCacheEntry struct {
	ref       Ref
	fetchedAt time.Time
}

type namespaceState struct {
	cfg   config.NamespaceConfig
	store ObjectStore
}

// Options configures a storage Service.
type Options struct {
	Store  *docstore.Store
	Cache  sharedcache.Cache
	Clock  clock.Clock
	Logger *slog.Logger
	Config *config.Config

	// NewObjectStore builds the byte backend for one namespace.
	// Defaults to a FileStore under <dataDir>/objects/<namespace>.
	NewObjectStore func(cfg config.NamespaceConfig) (ObjectStore, error)
}

// Service is the storage engine: content-addressed immutable blobs,
// named mutable refs, alias indices, and the two-phase garbage
// collector that reclaims blobs unreachable from any ref or import
// edge.
//
// Namespace state is built from a revision-stamped config snapshot;
// ApplyConfig rebuilds it when a newly loaded snapshot carries a
// different revision.
type Service struct {
	blobs  *docstore.Collection[BlobInfo]
	refs   *docstore.Collection[Ref]
	state  *docstore.Collection[gcState]
	cache  sharedcache.Cache
	clk    clock.Clock
	logger *slog.Logger

	refCache       *lru.Cache[string, refCacheEntry]
	newObjectStore func(cfg config.NamespaceConfig) (ObjectStore, error)

	mu           sync.RWMutex
	revision     string
	namespaces   map[ident.NamespaceID]*namespaceState
	enableGC     bool
	verification bool
}

// NewService creates the storage collections and builds namespace
// state from the given config snapshot.
func NewService(ctx context.Context, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	blobs, err := docstore.NewCollection(ctx, opts.Store, docstore.Options[BlobInfo]{
		Name:    "blobs",
		Indexes: blobIndexes,
	})
	if err != nil {
		return nil, err
	}
	refs, err := docstore.NewCollection(ctx, opts.Store, docstore.Options[Ref]{
		Name:    "refs",
		Indexes: refIndexes,
	})
	if err != nil {
		return nil, err
	}
	state, err := docstore.NewCollection(ctx, opts.Store, docstore.Options[gcState]{
		Name: "gc_state",
	})
	if err != nil {
		return nil, err
	}

	refCache, err := lru.New[string, refCacheEntry](refCacheSize)
	if err != nil {
		return nil, fmt.Errorf("storage: ref cache: %w", err)
	}

	newObjectStore := opts.NewObjectStore
	if newObjectStore == nil {
		dataDir := opts.Config.Server.DataDir
		newObjectStore = func(cfg config.NamespaceConfig) (ObjectStore, error) {
			return NewFileStore(filepath.Join(dataDir, "objects", cfg.ID.String()), cfg.Codec)
		}
	}

	s := &Service{
		blobs:          blobs,
		refs:           refs,
		state:          state,
		cache:          opts.Cache,
		clk:            opts.Clock,
		logger:         logger,
		refCache:       refCache,
		newObjectStore: newObjectStore,
	}
	if err := s.ApplyConfig(opts.Config); err != nil {
		return nil, err
	}
	return s, nil
}

func blobIndexes(info *BlobInfo) []docstore.IndexEntry {
	entries := []docstore.IndexEntry{
		{Field: "path", Value: info.Namespace.String() + "/" + info.Path.String()},
		{Field: "ns", Value: info.Namespace.String()},
	}
	for _, imp := range info.Imports {
		entries = append(entries, docstore.IndexEntry{Field: "import", Value: imp.String()})
	}
	for _, alias := range info.Aliases {
		entries = append(entries, docstore.IndexEntry{
			Field: "alias",
			Value: info.Namespace.String() + "/" + alias.Name,
		})
	}
	return entries
}

func refIndexes(ref *Ref) []docstore.IndexEntry {
	entries := []docstore.IndexEntry{
		{Field: "target", Value: ref.Namespace.String() + "/" + ref.Target.String()},
	}
	if ref.ExpiresAt != nil {
		entries = append(entries, docstore.IndexEntry{Field: "expires", Value: timeKey(*ref.ExpiresAt)})
	}
	return entries
}

// ApplyConfig rebuilds namespace state when the config revision has
// changed. A no-op for snapshots with the revision already applied.
func (s *Service) ApplyConfig(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Revision == s.revision {
		return nil
	}

	namespaces := make(map[ident.NamespaceID]*namespaceState, len(cfg.Storage.Namespaces))
	for _, nsCfg := range cfg.Storage.Namespaces {
		store, err := s.newObjectStore(nsCfg)
		if err != nil {
			return fmt.Errorf("storage: namespace %s: %w", nsCfg.ID, err)
		}
		namespaces[nsCfg.ID] = &namespaceState{cfg: nsCfg, store: store}
	}

	s.namespaces = namespaces
	s.enableGC = cfg.Storage.EnableGC
	s.verification = cfg.Storage.EnableGCVerification
	s.revision = cfg.Revision
	s.logger.Info("storage configuration applied",
		"revision", cfg.Revision,
		"namespaces", len(namespaces),
		"gc", s.enableGC,
		"gc_verification", s.verification,
	)
	return nil
}

func (s *Service) namespace(id ident.NamespaceID) (*namespaceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, id)
	}
	return ns, nil
}

func (s *Service) gcFlags() (enableGC, verification bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enableGC, s.verification
}

// WriteBlob stores data and records its metadata. A caller-supplied
// prefix groups related blobs in the object store. If imports is
// non-nil, the referenced locators are resolved eagerly and the blob
// needs no discovery pass; a nil imports list defers dependency
// resolution to the background scan of the blob's own content.
func (s *Service) WriteBlob(ctx context.Context, nsID ident.NamespaceID, prefix string, data []byte, imports []ident.Locator) (*BlobInfo, error) {
	ns, err := s.namespace(nsID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	locator, err := ident.NewUniqueLocator(joinPrefix(ns.cfg.Prefix, prefix), now)
	if err != nil {
		return nil, err
	}

	var importIDs []ident.BlobID
	if imports != nil {
		importIDs, err = s.resolveImports(ctx, nsID, imports)
		if err != nil {
			return nil, err
		}
	}

	if err := ns.store.Write(ctx, locator.String(), data); err != nil {
		return nil, err
	}

	info := &BlobInfo{
		ID:              ident.NewBlobID(now),
		Namespace:       nsID,
		Path:            locator,
		Imports:         importIDs,
		ImportsResolved: imports != nil,
	}
	if err := s.blobs.Insert(ctx, info.ID.String(), info); err != nil {
		return nil, err
	}
	return info, nil
}

// WriteBlobRedirect records blob metadata and returns a direct upload
// URL, without buffering bytes through the engine. The metadata exists
// before the upload completes; the import grace window tolerates the
// in-flight state. Returns ErrNoRedirect when the backend cannot issue
// URLs.
func (s *Service) WriteBlobRedirect(ctx context.Context, nsID ident.NamespaceID, prefix string) (*BlobInfo, string, error) {
	ns, err := s.namespace(nsID)
	if err != nil {
		return nil, "", err
	}

	now := s.clk.Now()
	locator, err := ident.NewUniqueLocator(joinPrefix(ns.cfg.Prefix, prefix), now)
	if err != nil {
		return nil, "", err
	}
	url, err := ns.store.WriteRedirect(ctx, locator.String())
	if err != nil {
		return nil, "", err
	}

	info := &BlobInfo{
		ID:        ident.NewBlobID(now),
		Namespace: nsID,
		Path:      locator,
	}
	if err := s.blobs.Insert(ctx, info.ID.String(), info); err != nil {
		return nil, "", err
	}
	return info, url, nil
}

// ReadBlob returns length bytes of the blob at locator starting at
// offset (length < 0 reads to the end). Reading a blob flagged by a
// verification sweep logs a consistency warning: the sweep would have
// deleted live data.
func (s *Service) ReadBlob(ctx context.Context, nsID ident.NamespaceID, locator ident.Locator, offset, length int64) ([]byte, error) {
	ns, err := s.namespace(nsID)
	if err != nil {
		return nil, err
	}
	info, _, err := s.blobByPath(ctx, nsID, locator)
	if err != nil {
		return nil, err
	}
	if info.GCVersion != 0 {
		s.logger.Warn("access to blob flagged unreachable by gc verification",
			"namespace", nsID,
			"path", locator,
			"gc_version", info.GCVersion,
		)
	}
	return ns.store.Read(ctx, locator.String(), offset, length)
}

// ReadBlobRedirect returns a direct download URL for the blob at
// locator, or ErrNoRedirect.
func (s *Service) ReadBlobRedirect(ctx context.Context, nsID ident.NamespaceID, locator ident.Locator) (string, error) {
	ns, err := s.namespace(nsID)
	if err != nil {
		return "", err
	}
	if _, _, err := s.blobByPath(ctx, nsID, locator); err != nil {
		return "", err
	}
	return ns.store.ReadRedirect(ctx, locator.String())
}

// GetBlobInfo returns the metadata for the blob at locator.
func (s *Service) GetBlobInfo(ctx context.Context, nsID ident.NamespaceID, locator ident.Locator) (*BlobInfo, error) {
	info, _, err := s.blobByPath(ctx, nsID, locator)
	return info, err
}

func (s *Service) blobByPath(ctx context.Context, nsID ident.NamespaceID, locator ident.Locator) (*BlobInfo, uint64, error) {
	entries, err := s.blobs.FindIndexed(ctx, "path", nsID.String()+"/"+locator.String(), 1)
	if err != nil {
		return nil, 0, err
	}
	if len(entries) == 0 {
		return nil, 0, fmt.Errorf("%w: %s/%s", ErrUnknownBlob, nsID, locator)
	}
	return &entries[0].Doc, entries[0].Revision, nil
}

func (s *Service) resolveImports(ctx context.Context, nsID ident.NamespaceID, locators []ident.Locator) ([]ident.BlobID, error) {
	ids := make([]ident.BlobID, 0, len(locators))
	for _, locator := range locators {
		info, _, err := s.blobByPath(ctx, nsID, locator)
		if err != nil {
			return nil, fmt.Errorf("resolving import %s: %w", locator, err)
		}
		ids = append(ids, info.ID)
	}
	return ids, nil
}

// AddAlias tags the blob at locator with a ranked secondary lookup
// key. Adding an alias with the same name and fragment again is a
// no-op.
func (s *Service) AddAlias(ctx context.Context, nsID ident.NamespaceID, locator ident.Locator, alias Alias) error {
	if alias.Name == "" {
		return fmt.Errorf("storage: alias name must not be empty")
	}
	info, _, err := s.blobByPath(ctx, nsID, locator)
	if err != nil {
		return err
	}
	_, err = docstore.UpdateWithRetry(ctx, s.blobs, info.ID.String(), func(doc *BlobInfo, revision uint64) error {
		for _, existing := range doc.Aliases {
			if existing.Name == alias.Name && existing.Fragment == alias.Fragment {
				return nil
			}
		}
		doc.Aliases = append(doc.Aliases, alias)
		return nil
	})
	return err
}

// RemoveAlias removes the alias with the given name and fragment from
// the blob at locator. Removing a missing alias is a no-op.
func (s *Service) RemoveAlias(ctx context.Context, nsID ident.NamespaceID, locator ident.Locator, name, fragment string) error {
	info, _, err := s.blobByPath(ctx, nsID, locator)
	if err != nil {
		return err
	}
	_, err = docstore.UpdateWithRetry(ctx, s.blobs, info.ID.String(), func(doc *BlobInfo, revision uint64) error {
		kept := doc.Aliases[:0]
		for _, existing := range doc.Aliases {
			if existing.Name != name || existing.Fragment != fragment {
				kept = append(kept, existing)
			}
		}
		doc.Aliases = kept
		return nil
	})
	return err
}

// FindAliases returns the blobs tagged with the given alias name, most
// relevant (highest rank) first, up to limit (0 = no limit).
func (s *Service) FindAliases(ctx context.Context, nsID ident.NamespaceID, name string, limit int) ([]AliasMatch, error) {
	entries, err := s.blobs.FindIndexed(ctx, "alias", nsID.String()+"/"+name, 0)
	if err != nil {
		return nil, err
	}

	var matches []AliasMatch
	for i := range entries {
		info := entries[i].Doc
		for _, alias := range info.Aliases {
			if alias.Name == name {
				matches = append(matches, AliasMatch{Blob: &entries[i].Doc, Alias: alias})
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Alias.Rank > matches[j].Alias.Rank
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// IsBlobReferenced reports whether the blob is reachable: present in
// any other blob's import list or the direct target of any ref.
func (s *Service) IsBlobReferenced(ctx context.Context, info *BlobInfo) (bool, error) {
	importers, err := s.blobs.FindIndexed(ctx, "import", info.ID.String(), 1)
	if err != nil {
		return false, err
	}
	if len(importers) > 0 {
		return true, nil
	}
	targets, err := s.refs.FindIndexed(ctx, "target", info.Namespace.String()+"/"+info.Path.String(), 1)
	if err != nil {
		return false, err
	}
	return len(targets) > 0, nil
}

func joinPrefix(nsPrefix, callerPrefix string) string {
	switch {
	case nsPrefix == "":
		return callerPrefix
	case callerPrefix == "":
		return nsPrefix
	default:
		return nsPrefix + "/" + callerPrefix
	}
}
