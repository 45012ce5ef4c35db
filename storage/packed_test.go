// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"testing"

	"github.com/anvil-build/anvil/lib/ident"
)

func TestPackedRoundTrip(t *testing.T) {
	ref1, _ := ident.NewLocator("chunks/aa")
	ref2, _ := ident.NewLocator("chunks/bb")
	body := []byte("interior node payload")

	packed, err := PackBlob(body, []ident.Locator{ref1, ref2})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	gotBody, refs, ok, err := UnpackBlob(packed)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !ok {
		t.Fatal("packed blob not recognized")
	}
	if !bytes.Equal(gotBody, body) {
		t.Errorf("body = %q, want %q", gotBody, body)
	}
	if len(refs) != 2 || refs[0] != ref1 || refs[1] != ref2 {
		t.Errorf("references = %v, want [%s %s]", refs, ref1, ref2)
	}
}

func TestPlainBlobPassesThrough(t *testing.T) {
	plain := []byte("just bytes, no preamble")
	body, refs, ok, err := UnpackBlob(plain)
	if err != nil {
		t.Fatalf("unpack plain: %v", err)
	}
	if ok {
		t.Error("plain blob misread as packed")
	}
	if !bytes.Equal(body, plain) || refs != nil {
		t.Errorf("body = %q refs = %v, want passthrough", body, refs)
	}

	got, err := blobReferences(plain)
	if err != nil {
		t.Fatalf("references: %v", err)
	}
	if got != nil {
		t.Errorf("references = %v, want none", got)
	}
}

func TestPackedCorruptionDetected(t *testing.T) {
	ref, _ := ident.NewLocator("chunks/aa")
	packed, err := PackBlob([]byte("payload"), []ident.Locator{ref})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	// Flip a body byte: the checksum must catch it.
	corrupted := append([]byte(nil), packed...)
	corrupted[len(corrupted)-1] ^= 0xff
	if _, _, _, err := UnpackBlob(corrupted); err == nil {
		t.Error("corrupted body accepted")
	}

	// Truncate inside the preamble.
	if _, _, _, err := UnpackBlob(packed[:len(packedMagic)+1]); err == nil {
		t.Error("truncated preamble accepted")
	}
}
