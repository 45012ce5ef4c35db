// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/anvil-build/anvil/lib/clock"
	"github.com/anvil-build/anvil/lib/codec"
	"github.com/anvil-build/anvil/lib/docstore"
	"github.com/anvil-build/anvil/lib/ident"
	"github.com/anvil-build/anvil/lib/sharedcache"
	"github.com/anvil-build/anvil/lib/sqlitepool"
	"github.com/anvil-build/anvil/lib/testutil"
)

type fixture struct {
	registry *Registry
	sessions *Sessions
	cache    *sharedcache.Memory
	clk      *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "agents.db"),
		PoolSize: 4,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	ctx := context.Background()
	store := docstore.New(pool, nil)
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache := sharedcache.NewMemory(clk)

	sessions, err := NewSessions(ctx, store, nil)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	registry, err := NewRegistry(ctx, store, sessions, cache, clk, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return &fixture{registry: registry, sessions: sessions, cache: cache, clk: clk}
}

func agentID(t *testing.T, name string) ident.AgentID {
	t.Helper()
	id, err := ident.NewAgentID(name)
	if err != nil {
		t.Fatalf("agent id %q: %v", name, err)
	}
	return id
}

func mustCreateSession(t *testing.T, f *fixture, a *Agent, opts CreateSessionOptions) *Agent {
	t.Helper()
	updated, err := f.registry.TryCreateSession(context.Background(), a, opts)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if updated == nil {
		t.Fatal("create session lost a race with no concurrent writer")
	}
	return updated
}

func newLease(t *testing.T, f *fixture, name string, parent ident.LeaseID, payload codec.RawMessage) Lease {
	t.Helper()
	return Lease{
		ID:        ident.NewLeaseID(f.clk.Now()),
		ParentID:  parent,
		Name:      name,
		State:     LeaseStateActive,
		Active:    true,
		Payload:   payload,
		StartedAt: f.clk.Now(),
	}
}

func TestAddAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "enroll-key")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if a.Enabled {
		t.Error("non-ephemeral agent enabled at enrollment")
	}
	if a.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", a.Status)
	}
	if a.UpdateIndex != 0 {
		t.Errorf("UpdateIndex = %d, want 0", a.UpdateIndex)
	}

	// Duplicate registration is a conflict, not an overwrite.
	if _, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, ""); !errors.Is(err, docstore.ErrExists) {
		t.Errorf("duplicate add: err = %v, want ErrExists", err)
	}

	// Ephemeral agents start enabled.
	ephemeral, err := f.registry.Add(ctx, agentID(t, "cloud-worker"), true, "")
	if err != nil {
		t.Fatalf("add ephemeral: %v", err)
	}
	if !ephemeral.Enabled || !ephemeral.Ephemeral {
		t.Errorf("ephemeral agent = %+v", ephemeral)
	}
}

func TestUpdateIndexCountsSuccessfulWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	a = mustCreateSession(t, f, a, CreateSessionOptions{Version: "1.0"}) // write 1
	for i := 0; i < 3; i++ {                                            // writes 2..4
		lease := newLease(t, f, "work", ident.LeaseID{}, nil)
		updated, err := f.registry.TryAddLease(ctx, a, lease)
		if err != nil || updated == nil {
			t.Fatalf("add lease %d: %v %v", i, updated, err)
		}
		a = updated
	}

	if a.UpdateIndex != 4 {
		t.Errorf("UpdateIndex = %d, want 4 after 4 successful writes", a.UpdateIndex)
	}
	stored, err := f.registry.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.UpdateIndex != 4 {
		t.Errorf("stored UpdateIndex = %d, want 4", stored.UpdateIndex)
	}
}

func TestCASRaceReturnsNil(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{})

	// A second writer lands first.
	fresh, err := f.registry.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	enabled := true
	winner, err := f.registry.TryUpdateSettings(ctx, fresh, UpdateSettingsOptions{Enabled: &enabled})
	if err != nil || winner == nil {
		t.Fatalf("winner update: %v %v", winner, err)
	}

	// The stale handle loses: nil result, no error, no data loss.
	loser, err := f.registry.TryAddLease(ctx, a, newLease(t, f, "work", ident.LeaseID{}, nil))
	if err != nil {
		t.Fatalf("loser update: %v", err)
	}
	if loser != nil {
		t.Fatal("stale update succeeded instead of losing the race")
	}

	stored, err := f.registry.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Enabled {
		t.Error("winner's write was lost")
	}
	if len(stored.Leases) != 0 {
		t.Error("loser's write was applied despite the conflict")
	}
}

func TestUpdateWithRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	mustCreateSession(t, f, a, CreateSessionOptions{})

	// Interleave a conflicting write on the first attempt; the retry
	// wrapper must re-read and land the change.
	attempts := 0
	enabled := true
	updated, err := f.registry.UpdateWithRetry(ctx, a.ID, func(current *Agent) (*Agent, error) {
		attempts++
		if attempts == 1 {
			fresh, err := f.registry.Get(ctx, current.ID)
			if err != nil {
				return nil, err
			}
			comment := "intruder"
			if _, err := f.registry.TryUpdateSettings(ctx, fresh, UpdateSettingsOptions{Comment: &comment}); err != nil {
				return nil, err
			}
			// current is now stale.
		}
		return f.registry.TryUpdateSettings(ctx, current, UpdateSettingsOptions{Enabled: &enabled})
	})
	if err != nil {
		t.Fatalf("update with retry: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if !updated.Enabled || updated.Comment != "intruder" {
		t.Errorf("agent = %+v, want both writers' changes", updated)
	}
}

func TestCreateSessionResetsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{})
	a, err = f.registry.TryAddLease(ctx, a, newLease(t, f, "work", ident.LeaseID{}, nil))
	if err != nil || a == nil {
		t.Fatalf("add lease: %v %v", a, err)
	}
	restart := true
	a, err = f.registry.TryUpdateSettings(ctx, a, UpdateSettingsOptions{RequestRestart: &restart})
	if err != nil || a == nil {
		t.Fatalf("settings: %v %v", a, err)
	}
	firstSession := a.SessionID

	a = mustCreateSession(t, f, a, CreateSessionOptions{
		Properties:   []string{"OSFamily=Linux", "RequestedPools=ue5-main"},
		DynamicPools: []ident.PoolID{pool(t, "linux")},
		Version:      "1.2",
		Expiry:       time.Minute,
	})

	if a.SessionID == firstSession || a.SessionID.IsZero() {
		t.Error("new session id not assigned")
	}
	if len(a.Leases) != 0 {
		t.Error("prior leases survived session create")
	}
	if a.RequestRestart {
		t.Error("restart flag survived session create")
	}
	if a.Status != StatusOK {
		t.Errorf("status = %s, want ok", a.Status)
	}
	if a.LastShutdownReason != "unexpected" {
		t.Errorf("lastShutdownReason = %q", a.LastShutdownReason)
	}
	want := []string{"linux", "ue5-main"}
	if !slices.Equal(poolNames(a.Pools), want) {
		t.Errorf("pools = %v, want %v", poolNames(a.Pools), want)
	}

	// Prior leases are gone from the mirror.
	active, err := f.registry.FindActiveLeaseIDs(ctx)
	if err != nil {
		t.Fatalf("active leases: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("mirror still holds %v", active)
	}

	// A session record was written.
	session, err := f.sessions.Get(ctx, a.SessionID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.AgentID != a.ID || session.Version != "1.2" || session.FinishTime != nil {
		t.Errorf("session = %+v", session)
	}
}

func TestCreateSessionResetsUpgradeAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{Version: "1.0"})

	// An upgrade lease appears: attempt tracking starts.
	payload, err := NewUpgradeTask("2.0")
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	lease := newLease(t, f, "upgrade", ident.LeaseID{}, payload)
	a, err = f.registry.TryUpdateSession(ctx, a, UpdateSessionOptions{Leases: []Lease{lease}})
	if err != nil || a == nil {
		t.Fatalf("update session: %v %v", a, err)
	}
	if a.UpgradeAttemptCount == nil || *a.UpgradeAttemptCount != 1 || a.LastUpgradeVersion != "2.0" {
		t.Fatalf("upgrade tracking = %v/%q", a.UpgradeAttemptCount, a.LastUpgradeVersion)
	}

	// Reconnecting at a different version keeps the counter.
	a = mustCreateSession(t, f, a, CreateSessionOptions{Version: "1.0"})
	if a.UpgradeAttemptCount == nil {
		t.Fatal("attempt counter cleared though upgrade has not landed")
	}

	// Reconnecting at the requested version clears it.
	a = mustCreateSession(t, f, a, CreateSessionOptions{Version: "2.0"})
	if a.UpgradeAttemptCount != nil {
		t.Error("attempt counter survived a successful upgrade")
	}
}

func TestUpdateSessionHeartbeatNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{
		Properties: []string{"OSFamily=Linux"},
		Resources:  map[string]int32{"cpu": 16},
	})
	indexBefore := a.UpdateIndex

	// Identical state: no write happens.
	status := StatusOK
	same, err := f.registry.TryUpdateSession(ctx, a, UpdateSessionOptions{
		Status:     &status,
		Properties: []string{"OSFamily=Linux"},
		Resources:  map[string]int32{"cpu": 16},
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if same.UpdateIndex != indexBefore {
		t.Errorf("no-op heartbeat wrote a revision: %d -> %d", indexBefore, same.UpdateIndex)
	}

	// A real change writes exactly one revision.
	changed, err := f.registry.TryUpdateSession(ctx, a, UpdateSessionOptions{
		Resources: map[string]int32{"cpu": 16, "gpu": 1},
	})
	if err != nil || changed == nil {
		t.Fatalf("update: %v %v", changed, err)
	}
	if changed.UpdateIndex != indexBefore+1 {
		t.Errorf("UpdateIndex = %d, want %d", changed.UpdateIndex, indexBefore+1)
	}
}

func TestUpdateSessionLeaseDiff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{})

	parent := newLease(t, f, "parent", ident.LeaseID{}, nil)
	a, err = f.registry.TryUpdateSession(ctx, a, UpdateSessionOptions{Leases: []Lease{parent}})
	if err != nil || a == nil {
		t.Fatalf("update: %v %v", a, err)
	}

	conformPayload, err := NewConformTask(false)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	child := newLease(t, f, "conform", parent.ID, conformPayload)
	a, err = f.registry.TryUpdateSession(ctx, a, UpdateSessionOptions{Leases: []Lease{parent, child}})
	if err != nil || a == nil {
		t.Fatalf("update: %v %v", a, err)
	}

	// Payload sniffing counted the conform attempt.
	if a.ConformAttemptCount == nil || *a.ConformAttemptCount != 1 {
		t.Errorf("conform attempts = %v, want 1", a.ConformAttemptCount)
	}

	// Mirror has both leases, and the child is under its parent.
	active, err := f.registry.FindActiveLeaseIDs(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %v, want 2 leases", active)
	}
	children, err := f.registry.GetChildLeaseIDs(ctx, parent.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 || children[0] != child.ID {
		t.Errorf("children = %v, want [%s]", children, child.ID)
	}

	// Dropping the child removes it from the mirror; the parent stays.
	a, err = f.registry.TryUpdateSession(ctx, a, UpdateSessionOptions{Leases: []Lease{parent}})
	if err != nil || a == nil {
		t.Fatalf("update: %v %v", a, err)
	}
	active, err = f.registry.FindActiveLeaseIDs(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0] != parent.ID {
		t.Errorf("active = %v, want [%s]", active, parent.ID)
	}
	children, err = f.registry.GetChildLeaseIDs(ctx, parent.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("children = %v, want none", children)
	}
}

func TestActiveLeaseMirrorMatchesDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Three agents with a mix of active and inactive leases; the
	// mirror must equal the union of Active==true lease ids.
	want := make(map[ident.LeaseID]bool)
	for _, name := range []string{"builder-01", "builder-02", "builder-03"} {
		a, err := f.registry.Add(ctx, agentID(t, name), false, "")
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		a = mustCreateSession(t, f, a, CreateSessionOptions{})

		activeLease := newLease(t, f, "work", ident.LeaseID{}, nil)
		doneLease := newLease(t, f, "done", ident.LeaseID{}, nil)
		doneLease.Active = false
		doneLease.State = LeaseStateCompleted

		if _, err := f.registry.TryUpdateSession(ctx, a, UpdateSessionOptions{
			Leases: []Lease{activeLease, doneLease},
		}); err != nil {
			t.Fatalf("update: %v", err)
		}
		want[activeLease.ID] = true
	}

	active, err := f.registry.FindActiveLeaseIDs(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != len(want) {
		t.Fatalf("active = %v, want %d ids", active, len(want))
	}
	for _, id := range active {
		if !want[id] {
			t.Errorf("unexpected lease %s in mirror", id)
		}
	}
}

func TestCancelLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{})
	lease := newLease(t, f, "work", ident.LeaseID{}, nil)
	a, err = f.registry.TryAddLease(ctx, a, lease)
	if err != nil || a == nil {
		t.Fatalf("add lease: %v %v", a, err)
	}

	a, err = f.registry.TryCancelLease(ctx, a, lease.ID)
	if err != nil || a == nil {
		t.Fatalf("cancel: %v %v", a, err)
	}
	if a.Leases[0].State != LeaseStateCancelled || a.Leases[0].Active {
		t.Errorf("lease = %+v, want cancelled inactive", a.Leases[0])
	}

	active, err := f.registry.FindActiveLeaseIDs(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("cancelled lease still mirrored: %v", active)
	}

	// Cancelling an unknown lease is NotFound.
	if _, err := f.registry.TryCancelLease(ctx, a, ident.NewLeaseID(f.clk.Now())); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("cancel unknown: err = %v, want ErrNotFound", err)
	}
}

func TestTerminateSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{})
	sessionID := a.SessionID
	a, err = f.registry.TryAddLease(ctx, a, newLease(t, f, "work", ident.LeaseID{}, nil))
	if err != nil || a == nil {
		t.Fatalf("add lease: %v %v", a, err)
	}

	f.clk.Advance(10 * time.Minute)
	a, err = f.registry.TryTerminateSession(ctx, a, "shutdown requested")
	if err != nil || a == nil {
		t.Fatalf("terminate: %v %v", a, err)
	}

	if !a.SessionID.IsZero() || a.SessionExpiresAt != nil {
		t.Error("session survived termination")
	}
	if a.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", a.Status)
	}
	if a.LastShutdownReason != "shutdown requested" {
		t.Errorf("reason = %q", a.LastShutdownReason)
	}
	if len(a.Leases) != 0 {
		t.Error("leases survived termination")
	}

	active, err := f.registry.FindActiveLeaseIDs(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("mirror still holds %v", active)
	}

	session, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.FinishTime == nil {
		t.Error("session record not finished")
	}
}

func TestTerminateEphemeralDeletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "cloud-worker"), true, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{})

	a, err = f.registry.TryTerminateSession(ctx, a, "autoscaler scale-in")
	if err != nil || a == nil {
		t.Fatalf("terminate: %v %v", a, err)
	}
	if !a.Deleted {
		t.Error("ephemeral agent not deleted on termination")
	}

	deleted, err := f.registry.FindDeleted(ctx)
	if err != nil {
		t.Fatalf("find deleted: %v", err)
	}
	if len(deleted) != 1 || deleted[0].ID != a.ID {
		t.Errorf("deleted = %v", deleted)
	}
}

func TestFindExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{Expiry: time.Minute})

	fresh, err := f.registry.Add(ctx, agentID(t, "builder-02"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	expired, err := f.registry.FindExpired(ctx, f.clk.Now(), 0)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expired = %v before expiry", expired)
	}

	f.clk.Advance(2 * time.Minute)
	// builder-02 connects after the clock moves so it is not expired.
	mustCreateSession(t, f, fresh, CreateSessionOptions{Expiry: time.Hour})

	expired, err = f.registry.FindExpired(ctx, f.clk.Now(), 0)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != a.ID {
		t.Errorf("expired = %v, want [builder-01]", expired)
	}
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	mustCreateSession(t, f, a, CreateSessionOptions{
		Properties:   []string{"OSFamily=Linux"},
		DynamicPools: []ident.PoolID{pool(t, "linux")},
	})

	b, err := f.registry.Add(ctx, agentID(t, "builder-02"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	mustCreateSession(t, f, b, CreateSessionOptions{
		Properties:   []string{"OSFamily=Windows"},
		DynamicPools: []ident.PoolID{pool(t, "win64")},
	})

	byPool, err := f.registry.Find(ctx, Query{Pool: pool(t, "linux")})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(byPool) != 1 || byPool[0].ID != a.ID {
		t.Errorf("byPool = %v", byPool)
	}

	// Property matching is case-insensitive.
	byProperty, err := f.registry.Find(ctx, Query{Property: "osfamily=windows"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(byProperty) != 1 || byProperty[0].ID != b.ID {
		t.Errorf("byProperty = %v", byProperty)
	}

	all, err := f.registry.Find(ctx, Query{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all = %v", all)
	}

	// Soft-deleted agents are hidden unless asked for.
	stored, err := f.registry.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := f.registry.TryDelete(ctx, stored); err != nil {
		t.Fatalf("delete: %v", err)
	}
	visible, err := f.registry.Find(ctx, Query{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != a.ID {
		t.Errorf("visible = %v", visible)
	}
	withDeleted, err := f.registry.Find(ctx, Query{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(withDeleted) != 2 {
		t.Errorf("withDeleted = %v", withDeleted)
	}
}

func TestUpdateEventsPublished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{})

	events, cancel, err := f.registry.SubscribeUpdates(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	restart := true
	a, err = f.registry.TryUpdateSettings(ctx, a, UpdateSettingsOptions{RequestRestart: &restart})
	if err != nil || a == nil {
		t.Fatalf("settings: %v %v", a, err)
	}
	if got := testutil.RequireReceive(t, events, time.Second, "restart flag event"); got != a.ID.String() {
		t.Errorf("event = %q, want %s", got, a.ID)
	}

	// A change that does not touch request flags publishes nothing.
	comment := "rack 7"
	a, err = f.registry.TryUpdateSettings(ctx, a, UpdateSettingsOptions{Comment: &comment})
	if err != nil || a == nil {
		t.Fatalf("settings: %v %v", a, err)
	}
	testutil.RequireNoReceive(t, events, 10*time.Millisecond, "comment change must not publish")

	// TryReset clears the flag, which is itself a flag change.
	a, err = f.registry.TryReset(ctx, a)
	if err != nil || a == nil {
		t.Fatalf("reset: %v %v", a, err)
	}
	if got := testutil.RequireReceive(t, events, time.Second, "reset event"); got != a.ID.String() {
		t.Errorf("event = %q, want %s", got, a.ID)
	}
}

func TestForceDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{})
	if _, err := f.registry.TryAddLease(ctx, a, newLease(t, f, "work", ident.LeaseID{}, nil)); err != nil {
		t.Fatalf("add lease: %v", err)
	}

	if err := f.registry.ForceDelete(ctx, a.ID); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	if _, err := f.registry.Get(ctx, a.ID); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("get after force delete: err = %v, want ErrNotFound", err)
	}
	active, err := f.registry.FindActiveLeaseIDs(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("mirror still holds %v after force delete", active)
	}
}

func TestUpdateWorkspaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.registry.Add(ctx, agentID(t, "builder-01"), false, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	a = mustCreateSession(t, f, a, CreateSessionOptions{})

	conform := true
	a, err = f.registry.TryUpdateSettings(ctx, a, UpdateSettingsOptions{RequestConform: &conform})
	if err != nil || a == nil {
		t.Fatalf("settings: %v %v", a, err)
	}
	count := 2
	a.ConformAttemptCount = &count

	workspaces := []Workspace{{Identifier: "ue5", Stream: "//UE5/Main", Incremental: true}}
	a, err = f.registry.TryUpdateWorkspaces(ctx, a, workspaces, true)
	if err != nil || a == nil {
		t.Fatalf("workspaces: %v %v", a, err)
	}
	if len(a.Workspaces) != 1 || a.Workspaces[0].Identifier != "ue5" {
		t.Errorf("workspaces = %+v", a.Workspaces)
	}
	if a.ConformAttemptCount != nil {
		t.Error("conform attempt count survived workspace update")
	}
	if a.RequestConform {
		t.Error("conform request flag survived clear")
	}
	if a.LastConformAt.IsZero() {
		t.Error("lastConformAt not recorded")
	}
}
