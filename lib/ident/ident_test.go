// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"testing"
	"time"
)

func TestNameValidation(t *testing.T) {
	valid := []string{"agent-01", "win64.builder_3", "a", "pool=x"}
	for _, text := range valid {
		if _, err := NewAgentID(text); err != nil {
			t.Errorf("NewAgentID(%q) failed: %v", text, err)
		}
	}

	invalid := []string{"", "Agent", "agent 01", "agent/01", "ügent"}
	for _, text := range invalid {
		if _, err := NewAgentID(text); err == nil {
			t.Errorf("NewAgentID(%q) should have failed", text)
		}
	}
}

func TestPathValidation(t *testing.T) {
	valid := []string{"blobs/abc", "a/b/c", "leaf"}
	for _, text := range valid {
		if _, err := NewLocator(text); err != nil {
			t.Errorf("NewLocator(%q) failed: %v", text, err)
		}
	}

	invalid := []string{"", "/abs", "trailing/", "a//b", "a/../b", "a/./b"}
	for _, text := range invalid {
		if _, err := NewLocator(text); err == nil {
			t.Errorf("NewLocator(%q) should have failed", text)
		}
	}
}

func TestOrderedIDsSortByCreationTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	earlier := NewBlobID(base)
	later := NewBlobID(base.Add(time.Second))

	if !earlier.Less(later) {
		t.Errorf("id created earlier (%s) does not sort before id created later (%s)", earlier, later)
	}

	bound := BlobIDUpperBound(base.Add(500 * time.Millisecond))
	if !earlier.Less(bound) {
		t.Errorf("earlier id %s should sort before bound %s", earlier, bound)
	}
	if later.Less(bound) {
		t.Errorf("later id %s should sort at or after bound %s", later, bound)
	}
}

func TestOrderedIDParse(t *testing.T) {
	id := NewLeaseID(time.Now())
	parsed, err := ParseLeaseID(id.String())
	if err != nil {
		t.Fatalf("ParseLeaseID round trip: %v", err)
	}
	if parsed != id {
		t.Errorf("round trip changed id: %s != %s", parsed, id)
	}

	// 24-char hex ids (external systems) are accepted.
	if _, err := ParseLeaseID("aaaaaaaaaaaaaaaaaaaaaaaa"); err != nil {
		t.Errorf("24-char hex id rejected: %v", err)
	}

	for _, text := range []string{"", "xyz", "ABCDEF0123456789", "abc"} {
		if _, err := ParseLeaseID(text); err == nil {
			t.Errorf("ParseLeaseID(%q) should have failed", text)
		}
	}
}

func TestUniqueLocator(t *testing.T) {
	now := time.Now()
	a, err := NewUniqueLocator("uploads", now)
	if err != nil {
		t.Fatalf("NewUniqueLocator: %v", err)
	}
	b, err := NewUniqueLocator("uploads", now)
	if err != nil {
		t.Fatalf("NewUniqueLocator: %v", err)
	}
	if a == b {
		t.Errorf("two generated locators collided: %s", a)
	}
	if _, err := NewLocator(a.String()); err != nil {
		t.Errorf("generated locator %q does not validate: %v", a, err)
	}

	if _, err := NewUniqueLocator("/bad/", now); err == nil {
		t.Error("invalid prefix should have been rejected")
	}
}

func TestHashRoundTrip(t *testing.T) {
	h := HashOf([]byte("the quick brown fox"))
	if h.IsZero() {
		t.Fatal("digest of non-empty input is zero")
	}

	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != h {
		t.Errorf("round trip changed hash: %s != %s", parsed, h)
	}

	if HashOf([]byte("a")) == HashOf([]byte("b")) {
		t.Error("different inputs produced identical digests")
	}
}
