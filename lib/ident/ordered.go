// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Ordered identifiers are hex strings whose lexicographic order
// approximates creation time: a 48-bit big-endian millisecond
// timestamp followed by 64 random bits, 28 hex characters total. The
// storage GC checkpoint and artifact expiry ordering both depend on
// this property.

const (
	orderedIDLength = 28
	minOrderedIDLen = 16
	maxOrderedIDLen = 32
)

// newOrderedText generates a fresh ordered identifier for the given
// creation time.
func newOrderedText(now time.Time) string {
	var buf [14]byte
	ms := uint64(now.UnixMilli())
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	binary.BigEndian.PutUint32(buf[2:6], uint32(ms))
	if _, err := rand.Read(buf[6:]); err != nil {
		panic("ident: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}

// orderedTextAt returns the smallest ordered identifier for the given
// time. Every id generated at or after t compares greater or equal.
// Used as an exclusive upper bound when scanning "ids created before
// t" (the GC import grace window, artifact expiry cutoffs).
func orderedTextAt(t time.Time) string {
	var buf [14]byte
	ms := uint64(t.UnixMilli())
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	binary.BigEndian.PutUint32(buf[2:6], uint32(ms))
	return hex.EncodeToString(buf[:])
}

// validateOrdered checks an ordered identifier: lowercase hex of even
// length within bounds.
func validateOrdered(kind, text string) error {
	if len(text) < minOrderedIDLen || len(text) > maxOrderedIDLen || len(text)%2 != 0 {
		return fmt.Errorf("%s %q has invalid length %d", kind, text, len(text))
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%s %q is not lowercase hex", kind, text)
		}
	}
	return nil
}

// SessionID identifies one continuous connection period of an agent.
type SessionID struct{ text string }

// NewSessionID generates a fresh SessionID for the given time.
func NewSessionID(now time.Time) SessionID {
	return SessionID{text: newOrderedText(now)}
}

// ParseSessionID parses and validates a SessionID.
func ParseSessionID(text string) (SessionID, error) {
	if err := validateOrdered("session id", text); err != nil {
		return SessionID{}, err
	}
	return SessionID{text: text}, nil
}

func (id SessionID) String() string { return id.text }

// IsZero reports whether the id is the zero value.
func (id SessionID) IsZero() bool { return id.text == "" }

// MarshalText implements encoding.TextMarshaler.
func (id SessionID) MarshalText() ([]byte, error) { return []byte(id.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *SessionID) UnmarshalText(data []byte) error {
	parsed, err := ParseSessionID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal SessionID: %w", err)
	}
	*id = parsed
	return nil
}

// LeaseID identifies one unit of work dispatched to an agent.
type LeaseID struct{ text string }

// NewLeaseID generates a fresh LeaseID for the given time.
func NewLeaseID(now time.Time) LeaseID {
	return LeaseID{text: newOrderedText(now)}
}

// ParseLeaseID parses and validates a LeaseID.
func ParseLeaseID(text string) (LeaseID, error) {
	if err := validateOrdered("lease id", text); err != nil {
		return LeaseID{}, err
	}
	return LeaseID{text: text}, nil
}

func (id LeaseID) String() string { return id.text }

// IsZero reports whether the id is the zero value.
func (id LeaseID) IsZero() bool { return id.text == "" }

// MarshalText implements encoding.TextMarshaler.
func (id LeaseID) MarshalText() ([]byte, error) { return []byte(id.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *LeaseID) UnmarshalText(data []byte) error {
	parsed, err := ParseLeaseID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal LeaseID: %w", err)
	}
	*id = parsed
	return nil
}

// BlobID is the internally-assigned ordered identifier for a blob
// metadata record. Sort order approximates creation time.
type BlobID struct{ text string }

// NewBlobID generates a fresh BlobID for the given time.
func NewBlobID(now time.Time) BlobID {
	return BlobID{text: newOrderedText(now)}
}

// BlobIDUpperBound returns the smallest BlobID for the given time.
// Every blob recorded at or after t has an id comparing greater or
// equal, so this serves as an exclusive scan bound.
func BlobIDUpperBound(t time.Time) BlobID {
	return BlobID{text: orderedTextAt(t)}
}

// ParseBlobID parses and validates a BlobID.
func ParseBlobID(text string) (BlobID, error) {
	if err := validateOrdered("blob id", text); err != nil {
		return BlobID{}, err
	}
	return BlobID{text: text}, nil
}

func (id BlobID) String() string { return id.text }

// IsZero reports whether the id is the zero value.
func (id BlobID) IsZero() bool { return id.text == "" }

// Less reports whether id orders before other.
func (id BlobID) Less(other BlobID) bool { return id.text < other.text }

// Compare returns -1, 0, or 1 comparing id against other.
func (id BlobID) Compare(other BlobID) int {
	switch {
	case id.text < other.text:
		return -1
	case id.text > other.text:
		return 1
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id BlobID) MarshalText() ([]byte, error) { return []byte(id.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *BlobID) UnmarshalText(data []byte) error {
	parsed, err := ParseBlobID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal BlobID: %w", err)
	}
	*id = parsed
	return nil
}

// ArtifactID identifies one artifact catalog entry. Sort order
// approximates creation time, which the expiration sweep relies on.
type ArtifactID struct{ text string }

// NewArtifactID generates a fresh ArtifactID for the given time.
func NewArtifactID(now time.Time) ArtifactID {
	return ArtifactID{text: newOrderedText(now)}
}

// ArtifactIDUpperBound returns the smallest ArtifactID for the given
// time, as an exclusive bound for "created before t" scans.
func ArtifactIDUpperBound(t time.Time) ArtifactID {
	return ArtifactID{text: orderedTextAt(t)}
}

// ParseArtifactID parses and validates an ArtifactID.
func ParseArtifactID(text string) (ArtifactID, error) {
	if err := validateOrdered("artifact id", text); err != nil {
		return ArtifactID{}, err
	}
	return ArtifactID{text: text}, nil
}

func (id ArtifactID) String() string { return id.text }

// IsZero reports whether the id is the zero value.
func (id ArtifactID) IsZero() bool { return id.text == "" }

// MarshalText implements encoding.TextMarshaler.
func (id ArtifactID) MarshalText() ([]byte, error) { return []byte(id.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ArtifactID) UnmarshalText(data []byte) error {
	parsed, err := ParseArtifactID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal ArtifactID: %w", err)
	}
	*id = parsed
	return nil
}
