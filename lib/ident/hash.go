// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a content hash in bytes.
const HashSize = 32

// Hash is a 32-byte BLAKE3 content digest. Refs carry the hash of the
// content reachable from their target blob; the filesystem object
// store also hashes packed-blob headers for integrity.
type Hash [HashSize]byte

// HashOf returns the BLAKE3 digest of data.
func HashOf(data []byte) Hash {
	return blake3.Sum256(data)
}

// ParseHash parses a 64-character lowercase hex digest.
func ParseHash(text string) (Hash, error) {
	if len(text) != HashSize*2 {
		return Hash{}, fmt.Errorf("hash %q has invalid length %d", text, len(text))
	}
	raw, err := hex.DecodeString(text)
	if err != nil {
		return Hash{}, fmt.Errorf("hash %q is not hex: %w", text, err)
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(data []byte) error {
	parsed, err := ParseHash(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal Hash: %w", err)
	}
	*h = parsed
	return nil
}
