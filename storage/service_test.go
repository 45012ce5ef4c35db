// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anvil-build/anvil/lib/clock"
	"github.com/anvil-build/anvil/lib/config"
	"github.com/anvil-build/anvil/lib/docstore"
	"github.com/anvil-build/anvil/lib/ident"
	"github.com/anvil-build/anvil/lib/sharedcache"
	"github.com/anvil-build/anvil/lib/sqlitepool"
)

type storageFixture struct {
	svc     *Service
	cache   *sharedcache.Memory
	clk     *clock.FakeClock
	ns      ident.NamespaceID
	dataDir string
}

const defaultConfigYAML = `
server:
  dataDir: %s
storage:
  enableGc: true
  namespaces:
    - id: default
      codec: none
`

const verificationConfigYAML = `
server:
  dataDir: %s
storage:
  enableGcVerification: true
  namespaces:
    - id: default
      codec: none
`

const disabledGCConfigYAML = `
server:
  dataDir: %s
storage:
  namespaces:
    - id: default
      codec: none
`

func newStorageFixture(t *testing.T, configTemplate string) *storageFixture {
	t.Helper()

	dataDir := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(configTemplate, dataDir)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "storage.db"),
		PoolSize: 4,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache := sharedcache.NewMemory(clk)

	svc, err := NewService(context.Background(), Options{
		Store:  docstore.New(pool, nil),
		Cache:  cache,
		Clock:  clk,
		Config: cfg,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	ns, err := ident.NewNamespaceID("default")
	if err != nil {
		t.Fatalf("namespace id: %v", err)
	}
	return &storageFixture{svc: svc, cache: cache, clk: clk, ns: ns, dataDir: dataDir}
}

func writeBlob(t *testing.T, f *storageFixture, data []byte, imports []ident.Locator) *BlobInfo {
	t.Helper()
	info, err := f.svc.WriteBlob(context.Background(), f.ns, "", data, imports)
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	return info
}

func refName(t *testing.T, name string) ident.RefName {
	t.Helper()
	parsed, err := ident.NewRefName(name)
	if err != nil {
		t.Fatalf("ref name %q: %v", name, err)
	}
	return parsed
}

func writeRef(t *testing.T, f *storageFixture, name string, target *BlobInfo, opts WriteRefOptions) {
	t.Helper()
	err := f.svc.WriteRef(context.Background(), f.ns, refName(t, name), target.Path, ident.Hash{}, opts)
	if err != nil {
		t.Fatalf("write ref %s: %v", name, err)
	}
}

func TestWriteReadBlob(t *testing.T) {
	ctx := context.Background()
	f := newStorageFixture(t, defaultConfigYAML)

	body := []byte("the quick brown fox jumps over the lazy dog")
	info := writeBlob(t, f, body, nil)
	if info.ImportsResolved {
		t.Error("blob written without declared imports marked resolved")
	}

	got, err := f.svc.ReadBlob(ctx, f.ns, info.Path, 0, -1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("read = %q, want %q", got, body)
	}

	got, err = f.svc.ReadBlob(ctx, f.ns, info.Path, 4, 5)
	if err != nil {
		t.Fatalf("range read: %v", err)
	}
	if string(got) != "quick" {
		t.Errorf("range read = %q, want %q", got, "quick")
	}

	loaded, err := f.svc.GetBlobInfo(ctx, f.ns, info.Path)
	if err != nil {
		t.Fatalf("get info: %v", err)
	}
	if loaded.ID != info.ID {
		t.Errorf("info id = %s, want %s", loaded.ID, info.ID)
	}

	missing, _ := ident.NewLocator("no/such/object")
	if _, err := f.svc.ReadBlob(ctx, f.ns, missing, 0, -1); !errors.Is(err, ErrUnknownBlob) {
		t.Errorf("reading unknown locator: err = %v, want ErrUnknownBlob", err)
	}

	other, _ := ident.NewNamespaceID("nowhere")
	if _, err := f.svc.ReadBlob(ctx, other, info.Path, 0, -1); !errors.Is(err, ErrUnknownNamespace) {
		t.Errorf("reading unknown namespace: err = %v, want ErrUnknownNamespace", err)
	}
}

func TestWriteBlobEagerImports(t *testing.T) {
	ctx := context.Background()
	f := newStorageFixture(t, defaultConfigYAML)

	dep := writeBlob(t, f, []byte("dependency"), nil)
	parent := writeBlob(t, f, []byte("parent"), []ident.Locator{dep.Path})

	if !parent.ImportsResolved {
		t.Error("blob with declared imports not marked resolved")
	}
	if len(parent.Imports) != 1 || parent.Imports[0] != dep.ID {
		t.Errorf("imports = %v, want [%s]", parent.Imports, dep.ID)
	}

	missing, _ := ident.NewLocator("no/such/dep")
	_, err := f.svc.WriteBlob(ctx, f.ns, "", []byte("x"), []ident.Locator{missing})
	if !errors.Is(err, ErrUnknownBlob) {
		t.Errorf("declaring unknown import: err = %v, want ErrUnknownBlob", err)
	}
}

func TestRefLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newStorageFixture(t, defaultConfigYAML)

	first := writeBlob(t, f, []byte("v1"), nil)
	second := writeBlob(t, f, []byte("v2"), nil)

	// Refs may never point at unknown blobs.
	missing, _ := ident.NewLocator("no/such/blob")
	err := f.svc.WriteRef(ctx, f.ns, refName(t, "latest"), missing, ident.Hash{}, WriteRefOptions{})
	if !errors.Is(err, ErrUnknownBlob) {
		t.Fatalf("ref to unknown blob: err = %v, want ErrUnknownBlob", err)
	}

	writeRef(t, f, "latest", first, WriteRefOptions{})
	ref, err := f.svc.ReadRef(ctx, f.ns, refName(t, "latest"), 0)
	if err != nil {
		t.Fatalf("read ref: %v", err)
	}
	if ref.Target != first.Path {
		t.Errorf("target = %s, want %s", ref.Target, first.Path)
	}

	// Repointing schedules the old target for a reachability check.
	writeRef(t, f, "latest", second, WriteRefOptions{})
	if _, ok, _ := f.cache.SortedSetScore(ctx, checkQueueKey(f.ns), first.ID.String()); !ok {
		t.Error("former target not queued for gc check after repoint")
	}

	if err := f.svc.DeleteRef(ctx, f.ns, refName(t, "latest")); err != nil {
		t.Fatalf("delete ref: %v", err)
	}
	if _, err := f.svc.ReadRef(ctx, f.ns, refName(t, "latest"), time.Minute); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("read after delete: err = %v, want ErrNotFound", err)
	}
	if _, ok, _ := f.cache.SortedSetScore(ctx, checkQueueKey(f.ns), second.ID.String()); !ok {
		t.Error("deleted ref's target not queued for gc check")
	}
}

func TestRefExpiry(t *testing.T) {
	ctx := context.Background()
	f := newStorageFixture(t, defaultConfigYAML)

	target := writeBlob(t, f, []byte("payload"), nil)
	writeRef(t, f, "short-lived", target, WriteRefOptions{Lifetime: time.Hour})

	// Untouched past its lifetime the ref is gone, even before the
	// background reaper runs.
	f.clk.Advance(2 * time.Hour)
	if _, err := f.svc.ReadRef(ctx, f.ns, refName(t, "short-lived"), 0); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("read expired ref: err = %v, want ErrNotFound", err)
	}
	if _, ok, _ := f.cache.SortedSetScore(ctx, checkQueueKey(f.ns), target.ID.String()); !ok {
		t.Error("expired ref's target not queued for gc check")
	}

	// The reaper removes expired refs that nobody reads.
	writeRef(t, f, "reaped", target, WriteRefOptions{Lifetime: time.Hour})
	f.clk.Advance(2 * time.Hour)
	if err := f.svc.RunRefExpiry(ctx); err != nil {
		t.Fatalf("ref expiry: %v", err)
	}
	if _, _, err := f.svc.refs.Get(ctx, refKey(f.ns, refName(t, "reaped"))); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("reaped ref still stored: err = %v, want ErrNotFound", err)
	}
}

func TestRefSlidingLifetime(t *testing.T) {
	ctx := context.Background()
	f := newStorageFixture(t, defaultConfigYAML)

	target := writeBlob(t, f, []byte("payload"), nil)
	writeRef(t, f, "sliding", target, WriteRefOptions{Lifetime: time.Hour})

	// A read in the final quarter of the lifetime pushes expiry out.
	f.clk.Advance(50 * time.Minute)
	if _, err := f.svc.ReadRef(ctx, f.ns, refName(t, "sliding"), 0); err != nil {
		t.Fatalf("read within lifetime: %v", err)
	}

	// 105 minutes after the write, past the original expiry but within
	// the touched one.
	f.clk.Advance(55 * time.Minute)
	if _, err := f.svc.ReadRef(ctx, f.ns, refName(t, "sliding"), 0); err != nil {
		t.Fatalf("read after touch: %v", err)
	}

	// Left alone, it still dies.
	f.clk.Advance(2 * time.Hour)
	if _, err := f.svc.ReadRef(ctx, f.ns, refName(t, "sliding"), 0); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("read long after last touch: err = %v, want ErrNotFound", err)
	}
}

func TestAliases(t *testing.T) {
	ctx := context.Background()
	f := newStorageFixture(t, defaultConfigYAML)

	low := writeBlob(t, f, []byte("low"), nil)
	high := writeBlob(t, f, []byte("high"), nil)
	mid := writeBlob(t, f, []byte("mid"), nil)

	add := func(info *BlobInfo, rank int) {
		t.Helper()
		err := f.svc.AddAlias(ctx, f.ns, info.Path, Alias{Name: "chunk", Rank: rank, Data: []byte{byte(rank)}})
		if err != nil {
			t.Fatalf("add alias: %v", err)
		}
	}
	add(low, 1)
	add(high, 3)
	add(mid, 2)

	// Same name+fragment again is a no-op, not a duplicate.
	add(high, 3)

	matches, err := f.svc.FindAliases(ctx, f.ns, "chunk", 0)
	if err != nil {
		t.Fatalf("find aliases: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("len(matches) = %d, want 3", len(matches))
	}
	if matches[0].Blob.ID != high.ID || matches[1].Blob.ID != mid.ID || matches[2].Blob.ID != low.ID {
		t.Errorf("matches not in rank order: %s, %s, %s", matches[0].Blob.ID, matches[1].Blob.ID, matches[2].Blob.ID)
	}

	limited, err := f.svc.FindAliases(ctx, f.ns, "chunk", 1)
	if err != nil {
		t.Fatalf("find aliases limited: %v", err)
	}
	if len(limited) != 1 || limited[0].Blob.ID != high.ID {
		t.Errorf("limited find returned %d matches, want the top-ranked one", len(limited))
	}

	if err := f.svc.RemoveAlias(ctx, f.ns, high.Path, "chunk", ""); err != nil {
		t.Fatalf("remove alias: %v", err)
	}
	matches, err = f.svc.FindAliases(ctx, f.ns, "chunk", 0)
	if err != nil {
		t.Fatalf("find after remove: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("len(matches) = %d after remove, want 2", len(matches))
	}
}

func TestApplyConfigRebuildsNamespaces(t *testing.T) {
	ctx := context.Background()
	f := newStorageFixture(t, defaultConfigYAML)

	expanded, err := config.Parse([]byte(fmt.Sprintf(`
server:
  dataDir: %s
storage:
  enableGc: true
  namespaces:
    - id: default
      codec: none
    - id: extra
      codec: lz4
`, f.dataDir)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if err := f.svc.ApplyConfig(expanded); err != nil {
		t.Fatalf("apply config: %v", err)
	}

	extra, _ := ident.NewNamespaceID("extra")
	info, err := f.svc.WriteBlob(ctx, extra, "", []byte("compressed"), nil)
	if err != nil {
		t.Fatalf("write to new namespace: %v", err)
	}
	got, err := f.svc.ReadBlob(ctx, extra, info.Path, 0, -1)
	if err != nil {
		t.Fatalf("read from new namespace: %v", err)
	}
	if string(got) != "compressed" {
		t.Errorf("read = %q, want %q", got, "compressed")
	}

	// Reapplying the identical snapshot is a no-op.
	if err := f.svc.ApplyConfig(expanded); err != nil {
		t.Fatalf("reapply config: %v", err)
	}
}

func TestObjectBytesLandOnDisk(t *testing.T) {
	f := newStorageFixture(t, defaultConfigYAML)

	info := writeBlob(t, f, []byte("on disk"), nil)
	path := filepath.Join(f.dataDir, "objects", f.ns.String(), filepath.FromSlash(info.Path.String()))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading object file: %v", err)
	}
	if string(data) != "on disk" {
		t.Errorf("object file = %q, want %q", data, "on disk")
	}
}
