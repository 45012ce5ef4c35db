// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"testing"
	"time"
)

func TestRunSessionExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{
		Version: "1.0",
		Expiry:  2 * time.Minute,
	})
	sessionID := a.SessionID

	// A fresh session survives the reaper.
	if err := f.registry.RunSessionExpiry(ctx); err != nil {
		t.Fatalf("expiry pass: %v", err)
	}
	a, err = f.registry.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.SessionID != sessionID {
		t.Fatal("unexpired session reaped")
	}

	f.clk.Advance(3 * time.Minute)
	if err := f.registry.RunSessionExpiry(ctx); err != nil {
		t.Fatalf("expiry pass: %v", err)
	}

	a, err = f.registry.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !a.SessionID.IsZero() {
		t.Error("expired session not cleared")
	}
	if a.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", a.Status)
	}
	if a.LastShutdownReason != "expired" {
		t.Errorf("shutdown reason = %q, want %q", a.LastShutdownReason, "expired")
	}

	session, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("session get: %v", err)
	}
	if session.FinishTime == nil {
		t.Error("session record not finished by the reaper")
	}
}
