// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Locator is the opaque path addressing an immutable blob within a
// namespace. Locators are assigned by the storage engine at write
// time; a caller-supplied prefix groups related blobs for storage
// locality.
type Locator struct{ text string }

// NewLocator validates a locator path.
func NewLocator(text string) (Locator, error) {
	if err := validatePath("locator", text); err != nil {
		return Locator{}, err
	}
	return Locator{text: text}, nil
}

// NewUniqueLocator generates a fresh locator under the given prefix
// (which may be empty). The generated leaf combines a millisecond
// timestamp with random bits so locators never collide and sort
// roughly by creation time within a prefix.
func NewUniqueLocator(prefix string, now time.Time) (Locator, error) {
	if prefix != "" {
		if err := validatePath("locator prefix", prefix); err != nil {
			return Locator{}, err
		}
	}

	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		panic("ident: reading random bytes: " + err.Error())
	}
	leaf := fmt.Sprintf("%012x-%s", now.UnixMilli(), hex.EncodeToString(suffix[:]))

	if prefix == "" {
		return Locator{text: leaf}, nil
	}
	return Locator{text: prefix + "/" + leaf}, nil
}

func (l Locator) String() string { return l.text }

// IsZero reports whether the locator is the zero value.
func (l Locator) IsZero() bool { return l.text == "" }

// MarshalText implements encoding.TextMarshaler.
func (l Locator) MarshalText() ([]byte, error) { return []byte(l.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Locator) UnmarshalText(data []byte) error {
	parsed, err := NewLocator(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal Locator: %w", err)
	}
	*l = parsed
	return nil
}

// RefName is the name of a mutable pointer to a blob within a
// namespace. Ref names are path-shaped for human traceability, e.g.
// "packaged-build/ue5-main/12345/editor/0194...".
type RefName struct{ text string }

// NewRefName validates a ref name.
func NewRefName(text string) (RefName, error) {
	if err := validatePath("ref name", text); err != nil {
		return RefName{}, err
	}
	return RefName{text: text}, nil
}

func (n RefName) String() string { return n.text }

// IsZero reports whether the name is the zero value.
func (n RefName) IsZero() bool { return n.text == "" }

// MarshalText implements encoding.TextMarshaler.
func (n RefName) MarshalText() ([]byte, error) { return []byte(n.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *RefName) UnmarshalText(data []byte) error {
	parsed, err := NewRefName(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal RefName: %w", err)
	}
	*n = parsed
	return nil
}
