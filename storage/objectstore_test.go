// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestFileStoreCodecs(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible content "), 64)

	for _, codecName := range []string{"none", "lz4", "zstd"} {
		t.Run(codecName, func(t *testing.T) {
			ctx := context.Background()
			store, err := NewFileStore(t.TempDir(), codecName)
			if err != nil {
				t.Fatalf("new store: %v", err)
			}

			if err := store.Write(ctx, "group/object", payload); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, err := store.Read(ctx, "group/object", 0, -1)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("round trip mismatch")
			}

			// Byte ranges address the decompressed object.
			got, err = store.Read(ctx, "group/object", 21, 13)
			if err != nil {
				t.Fatalf("range read: %v", err)
			}
			if string(got) != "compressible " {
				t.Errorf("range read = %q", got)
			}
		})
	}
}

func TestFileStoreMissingAndDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), "none")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if _, err := store.Read(ctx, "absent", 0, -1); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("read absent: err = %v, want ErrObjectNotFound", err)
	}

	if err := store.Write(ctx, "obj", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Delete(ctx, "obj"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting again is a no-op.
	if err := store.Delete(ctx, "obj"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if _, err := store.Read(ctx, "obj", 0, -1); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("read deleted: err = %v, want ErrObjectNotFound", err)
	}
}

func TestFileStoreRedirectsUnsupported(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), "none")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.WriteRedirect(ctx, "obj"); !errors.Is(err, ErrNoRedirect) {
		t.Errorf("write redirect: err = %v, want ErrNoRedirect", err)
	}
	if _, err := store.ReadRedirect(ctx, "obj"); !errors.Is(err, ErrNoRedirect) {
		t.Errorf("read redirect: err = %v, want ErrNoRedirect", err)
	}
}
