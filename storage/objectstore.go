// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrNoRedirect is returned by redirect operations on object stores
// that cannot issue direct-access URLs. Callers fall back to the
// buffered path.
var ErrNoRedirect = errors.New("storage: object store does not support redirects")

// ErrObjectNotFound is returned when no object exists under a key.
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectStore is the raw byte backend for one namespace. Keys are
// opaque locator paths; objects are immutable once written.
type ObjectStore interface {
	// Read returns length bytes starting at offset. length < 0 reads to
	// the end. Returns ErrObjectNotFound if the key is absent.
	Read(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Write stores an object. Writes are atomic: a concurrent reader
	// sees either nothing or the complete object.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes an object. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// WriteRedirect returns a URL the client can upload the object to
	// directly, or ErrNoRedirect.
	WriteRedirect(ctx context.Context, key string) (string, error)

	// ReadRedirect returns a URL the client can download the object
	// from directly, or ErrNoRedirect.
	ReadRedirect(ctx context.Context, key string) (string, error)
}

// objectCodec compresses objects at rest.
type objectCodec interface {
	encode(data []byte) ([]byte, error)
	decode(data []byte) ([]byte, error)
}

// newObjectCodec returns the codec for a config codec name. The name
// has already been validated by lib/config.
func newObjectCodec(name string) (objectCodec, error) {
	switch name {
	case "none", "":
		return rawCodec{}, nil
	case "zstd":
		return newZstdCodec()
	case "lz4":
		return lz4Codec{}, nil
	default:
		return nil, fmt.Errorf("storage: unknown codec %q", name)
	}
}

type rawCodec struct{}

func (rawCodec) encode(data []byte) ([]byte, error) { return data, nil }
func (rawCodec) decode(data []byte) ([]byte, error) { return data, nil }

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("storage: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("storage: zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) encode(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c *zstdCodec) decode(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: zstd decode: %w", err)
	}
	return out, nil
}

type lz4Codec struct{}

func (lz4Codec) encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("storage: lz4 encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("storage: lz4 encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) decode(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("storage: lz4 decode: %w", err)
	}
	return out, nil
}

// FileStore is a filesystem-backed ObjectStore with transparent
// per-object compression. Objects are written to a temp file and
// renamed into place so readers never observe partial writes.
// Redirects are not supported.
type FileStore struct {
	root  string
	codec objectCodec
}

// NewFileStore creates an object store rooted at dir, compressing
// objects with the named codec ("none", "lz4" or "zstd").
func NewFileStore(dir, codecName string) (*FileStore, error) {
	codec, err := newObjectCodec(codecName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating %s: %w", dir, err)
	}
	return &FileStore{root: dir, codec: codec}, nil
}

func (s *FileStore) objectPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FileStore) Read(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	raw, err := os.ReadFile(s.objectPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: read %s: %w", key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	data, err := s.codec.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	data = data[offset:]
	if length >= 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return data, nil
}

func (s *FileStore) Write(ctx context.Context, key string, data []byte) error {
	encoded, err := s.codec.encode(data)
	if err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}

	path := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.objectPath(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) WriteRedirect(ctx context.Context, key string) (string, error) {
	return "", ErrNoRedirect
}

func (s *FileStore) ReadRedirect(ctx context.Context, key string) (string, error) {
	return "", ErrNoRedirect
}
