// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/anvil-build/anvil/lib/codec"
	"github.com/anvil-build/anvil/lib/ident"
)

// Packed blobs carry their reference list in a small preamble so
// import discovery can recover the true dependency graph from content
// alone: magic, a uvarint header length, a CBOR header, then the body.
// Plain blobs have no preamble and therefore no imports.

var packedMagic = []byte("apk1")

type packedHeader struct {
	// References lists the locators of every blob this blob points at.
	References []ident.Locator `cbor:"references"`

	// Checksum is the BLAKE3 hash of the body, checked on read.
	Checksum ident.Hash `cbor:"checksum"`
}

// PackBlob builds a packed blob: body prefixed with a header recording
// the blobs it references.
func PackBlob(body []byte, references []ident.Locator) ([]byte, error) {
	header, err := codec.Marshal(packedHeader{
		References: references,
		Checksum:   ident.HashOf(body),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: encoding packed header: %w", err)
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(header)))

	packed := make([]byte, 0, len(packedMagic)+n+len(header)+len(body))
	packed = append(packed, packedMagic...)
	packed = append(packed, lenBuf[:n]...)
	packed = append(packed, header...)
	packed = append(packed, body...)
	return packed, nil
}

// UnpackBlob splits a packed blob into its body and reference list,
// verifying the body checksum. Returns ok=false for plain blobs (no
// packed preamble).
func UnpackBlob(data []byte) (body []byte, references []ident.Locator, ok bool, err error) {
	if !bytes.HasPrefix(data, packedMagic) {
		return data, nil, false, nil
	}
	rest := data[len(packedMagic):]

	headerLen, n := binary.Uvarint(rest)
	if n <= 0 || headerLen > uint64(len(rest)-n) {
		return nil, nil, false, fmt.Errorf("storage: malformed packed preamble")
	}
	rest = rest[n:]

	var header packedHeader
	if err := codec.Unmarshal(rest[:headerLen], &header); err != nil {
		return nil, nil, false, fmt.Errorf("storage: decoding packed header: %w", err)
	}
	body = rest[headerLen:]

	if ident.HashOf(body) != header.Checksum {
		return nil, nil, false, fmt.Errorf("storage: packed body checksum mismatch")
	}
	return body, header.References, true, nil
}

// blobReferences extracts the reference list from raw blob content.
// Plain blobs reference nothing.
func blobReferences(data []byte) ([]ident.Locator, error) {
	_, references, ok, err := UnpackBlob(data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return references, nil
}
