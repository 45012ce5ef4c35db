// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/anvil-build/anvil/lib/clock"
	"github.com/anvil-build/anvil/lib/docstore"
	"github.com/anvil-build/anvil/lib/ident"
	"github.com/anvil-build/anvil/lib/sharedcache"
)

const (
	// updateChannel carries agent ids whose remote-control request
	// flags changed, so live connections push work instead of polling.
	updateChannel = "agent-updates"

	// activeLeasesKey is the shared-cache set mirroring every active
	// lease id across the fleet.
	activeLeasesKey = "leases/active"

	// childLeasesPrefix keys the per-parent child lease sets.
	childLeasesPrefix = "leases/children/"

	// leaseMirrorTTL bounds how long mirror entries outlive their last
	// refresh. The mirror is advisory; expiry forces a rebuild from the
	// authoritative documents.
	leaseMirrorTTL = 36 * time.Hour

	// defaultSessionExpiry is used when a session is created without an
	// explicit expiry duration.
	defaultSessionExpiry = 2 * time.Minute
)

// timeKeyLayout formats times for range-indexed fields: fixed width so
// lexicographic order equals time order.
const timeKeyLayout = "2006-01-02T15:04:05.000000000Z"

func timeKey(t time.Time) string {
	return t.UTC().Format(timeKeyLayout)
}

// Registry owns the agent lifecycle: enrollment, session
// create/update/terminate, lease tracking, and deletion. All mutation
// goes through a compare-and-swap keyed on the agent's UpdateIndex;
// the Try* methods are single-shot and return (nil, nil) when a
// concurrent writer won the race, and the WithRetry wrappers re-read
// and re-apply for callers that want the loop handled.
type Registry struct {
	agents   *docstore.Collection[Agent]
	sessions *Sessions
	cache    sharedcache.Cache
	clk      clock.Clock
	logger   *slog.Logger
}

// NewRegistry creates the agent collection and returns a registry over
// it.
func NewRegistry(ctx context.Context, store *docstore.Store, sessions *Sessions, cache sharedcache.Cache, clk clock.Clock, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	coll, err := docstore.NewCollection(ctx, store, docstore.Options[Agent]{
		Name:    "agents",
		Indexes: agentIndexes,
	})
	if err != nil {
		return nil, err
	}
	return &Registry{
		agents:   coll,
		sessions: sessions,
		cache:    cache,
		clk:      clk,
		logger:   logger,
	}, nil
}

func agentIndexes(a *Agent) []docstore.IndexEntry {
	entries := []docstore.IndexEntry{
		{Field: "status", Value: string(a.Status)},
		{Field: "deleted", Value: boolKey(a.Deleted)},
		{Field: "enabled", Value: boolKey(a.Enabled)},
		{Field: "updated", Value: timeKey(a.UpdateTime)},
	}
	for _, pool := range a.Pools {
		entries = append(entries, docstore.IndexEntry{Field: "pool", Value: pool.String()})
	}
	for _, property := range a.Properties {
		entries = append(entries, docstore.IndexEntry{Field: "property", Value: strings.ToLower(property)})
	}
	if a.SessionExpiresAt != nil && !a.Deleted {
		entries = append(entries, docstore.IndexEntry{Field: "session_expires", Value: timeKey(*a.SessionExpiresAt)})
	}
	return entries
}

func boolKey(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Add enrolls a new agent. Non-ephemeral agents start disabled and
// must be enabled by an operator before receiving work. Returns
// docstore.ErrExists if the id is already registered.
func (r *Registry) Add(ctx context.Context, id ident.AgentID, ephemeral bool, enrollmentKey string) (*Agent, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("agent: id must not be empty")
	}
	a := &Agent{
		ID:            id,
		Status:        StatusStopped,
		Enabled:       ephemeral,
		Ephemeral:     ephemeral,
		EnrollmentKey: enrollmentKey,
		UpdateTime:    r.clk.Now().UTC(),
	}
	if err := r.agents.Insert(ctx, id.String(), a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns one agent, including soft-deleted ones. Returns
// docstore.ErrNotFound if absent.
func (r *Registry) Get(ctx context.Context, id ident.AgentID) (*Agent, error) {
	a, revision, err := r.agents.Get(ctx, id.String())
	if err != nil {
		return nil, err
	}
	a.UpdateIndex = revision
	return a, nil
}

// GetMany returns the agents that exist among ids, skipping missing
// ones.
func (r *Registry) GetMany(ctx context.Context, ids []ident.AgentID) ([]*Agent, error) {
	agents := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		a, err := r.Get(ctx, id)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Query filters a Find call. Zero-valued fields do not filter.
type Query struct {
	Pool           ident.PoolID
	Property       string
	Status         Status
	Enabled        *bool
	ModifiedAfter  time.Time
	IncludeDeleted bool
	Limit          int
}

// Find returns agents matching every set filter, in id order. Deleted
// agents are excluded unless IncludeDeleted is set.
func (r *Registry) Find(ctx context.Context, query Query) ([]*Agent, error) {
	entries, err := r.findCandidates(ctx, query)
	if err != nil {
		return nil, err
	}

	var agents []*Agent
	for i := range entries {
		a := &entries[i].Doc
		a.UpdateIndex = entries[i].Revision
		if !query.matches(a) {
			continue
		}
		agents = append(agents, a)
		if query.Limit > 0 && len(agents) >= query.Limit {
			break
		}
	}
	return agents, nil
}

// findCandidates fetches from the most selective available index;
// remaining filters are applied in memory by Query.matches.
func (r *Registry) findCandidates(ctx context.Context, query Query) ([]docstore.Entry[Agent], error) {
	switch {
	case !query.Pool.IsZero():
		return r.agents.FindIndexed(ctx, "pool", query.Pool.String(), 0)
	case query.Property != "":
		return r.agents.FindIndexed(ctx, "property", strings.ToLower(query.Property), 0)
	case query.Status != "":
		return r.agents.FindIndexed(ctx, "status", string(query.Status), 0)
	case !query.ModifiedAfter.IsZero():
		return r.agents.FindIndexedRange(ctx, "updated", timeKey(query.ModifiedAfter), "", 0)
	case query.Enabled != nil:
		return r.agents.FindIndexed(ctx, "enabled", boolKey(*query.Enabled), 0)
	default:
		return r.agents.Scan(ctx, "", "", 0)
	}
}

func (q Query) matches(a *Agent) bool {
	if a.Deleted && !q.IncludeDeleted {
		return false
	}
	if !q.Pool.IsZero() && !slices.Contains(a.Pools, q.Pool) {
		return false
	}
	if q.Property != "" {
		found := false
		for _, property := range a.Properties {
			if strings.EqualFold(property, q.Property) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Status != "" && a.Status != q.Status {
		return false
	}
	if q.Enabled != nil && a.Enabled != *q.Enabled {
		return false
	}
	if !q.ModifiedAfter.IsZero() && !a.UpdateTime.After(q.ModifiedAfter) {
		return false
	}
	return true
}

// FindExpired returns agents whose session expiry has passed but whose
// session has not been terminated yet, up to limit (0 = no limit).
func (r *Registry) FindExpired(ctx context.Context, now time.Time, limit int) ([]*Agent, error) {
	entries, err := r.agents.FindIndexedRange(ctx, "session_expires", "", timeKey(now), 0)
	if err != nil {
		return nil, err
	}
	var agents []*Agent
	for i := range entries {
		a := &entries[i].Doc
		if a.SessionID.IsZero() || a.Deleted {
			continue
		}
		a.UpdateIndex = entries[i].Revision
		agents = append(agents, a)
		if limit > 0 && len(agents) >= limit {
			break
		}
	}
	return agents, nil
}

// FindDeleted returns all soft-deleted agents.
func (r *Registry) FindDeleted(ctx context.Context) ([]*Agent, error) {
	entries, err := r.agents.FindIndexed(ctx, "deleted", "1", 0)
	if err != nil {
		return nil, err
	}
	agents := make([]*Agent, len(entries))
	for i := range entries {
		agents[i] = &entries[i].Doc
		agents[i].UpdateIndex = entries[i].Revision
	}
	return agents, nil
}

// ForceDelete removes an agent document entirely, clearing any lease
// mirror entries it still owns.
func (r *Registry) ForceDelete(ctx context.Context, id ident.AgentID) error {
	a, err := r.agentsDelete(ctx, id)
	if err != nil {
		return err
	}
	if a != nil {
		r.reconcileLeaseMirror(ctx, a.Leases, nil)
	}
	return nil
}

func (r *Registry) agentsDelete(ctx context.Context, id ident.AgentID) (*Agent, error) {
	return r.agents.DeleteReturning(ctx, id.String())
}

// tryUpdate applies mutate to a copy of current and writes it back
// with a compare-and-swap on current.UpdateIndex. Returns (nil, nil)
// when a concurrent writer won; the caller re-reads and retries.
// Changes to the remote-control request flags publish the agent id on
// the update channel after a successful write.
func (r *Registry) tryUpdate(ctx context.Context, current *Agent, mutate func(*Agent) error) (*Agent, error) {
	updated := current.clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.UpdateTime = r.clk.Now().UTC()

	err := r.agents.UpdateCAS(ctx, current.ID.String(), current.UpdateIndex, updated)
	if errors.Is(err, docstore.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	updated.UpdateIndex = current.UpdateIndex + 1

	if requestFlagsChanged(current, updated) {
		if err := r.cache.Publish(ctx, updateChannel, updated.ID.String()); err != nil {
			r.logger.Warn("publishing agent update event failed",
				"agent", updated.ID,
				"error", err,
			)
		}
	}
	return updated, nil
}

func requestFlagsChanged(before, after *Agent) bool {
	return before.RequestConform != after.RequestConform ||
		before.RequestFullConform != after.RequestFullConform ||
		before.RequestRestart != after.RequestRestart ||
		before.RequestForceRestart != after.RequestForceRestart ||
		before.RequestShutdown != after.RequestShutdown
}

// CreateSessionOptions carries the agent-reported state for a new
// session.
type CreateSessionOptions struct {
	Properties   []string
	Resources    map[string]int32
	DynamicPools []ident.PoolID
	Version      string

	// Expiry is how long the session stays valid without a heartbeat.
	// Defaults to two minutes.
	Expiry time.Duration
}

// TryCreateSession starts a new session for the agent: prior leases
// are dropped (and cleared from the mirror), restart/shutdown flags
// reset, and the pool list recomputed from the reported state. The
// shutdown reason resets to "unexpected" so an eventual unclean
// disconnect is attributed correctly. Returns (nil, nil) on a CAS
// race.
func (r *Registry) TryCreateSession(ctx context.Context, current *Agent, opts CreateSessionOptions) (*Agent, error) {
	now := r.clk.Now().UTC()
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = defaultSessionExpiry
	}
	sessionID := ident.NewSessionID(now)
	expiresAt := now.Add(expiry)
	properties := sortProperties(opts.Properties)

	updated, err := r.tryUpdate(ctx, current, func(a *Agent) error {
		a.Leases = nil
		a.RequestRestart = false
		a.RequestForceRestart = false
		a.RequestShutdown = false

		a.SessionID = sessionID
		a.SessionExpiresAt = &expiresAt
		a.Status = StatusOK
		a.Properties = properties
		a.Resources = opts.Resources
		a.DynamicPools = opts.DynamicPools
		a.Version = opts.Version
		a.Pools = CreatePoolsList(a.DynamicPools, a.ExplicitPools, a.Properties)
		a.LastShutdownReason = "unexpected"

		// A session arriving at the requested upgrade version means the
		// upgrade took; stop counting attempts.
		if opts.Version != "" && opts.Version == a.LastUpgradeVersion {
			a.UpgradeAttemptCount = nil
		}
		return nil
	})
	if err != nil || updated == nil {
		return nil, err
	}

	r.reconcileLeaseMirror(ctx, current.Leases, nil)

	session := &Session{
		ID:         sessionID,
		AgentID:    updated.ID,
		StartTime:  now,
		Properties: properties,
		Resources:  opts.Resources,
		Version:    opts.Version,
	}
	if err := r.sessions.Add(ctx, session); err != nil {
		r.logger.Error("recording session failed",
			"agent", updated.ID,
			"session", sessionID,
			"error", err,
		)
	}
	return updated, nil
}

// UpdateSessionOptions carries a heartbeat's partial state. Nil fields
// leave the stored value unchanged.
type UpdateSessionOptions struct {
	Status       *Status
	ExpiresAt    *time.Time
	Properties   []string
	Resources    map[string]int32
	DynamicPools []ident.PoolID
	Leases       []Lease
}

// TryUpdateSession applies a session heartbeat. If nothing actually
// changed, the stored document is left untouched and the current agent
// is returned as-is: heartbeats are frequent and skipping the write
// avoids document churn and cache-invalidation storms. The cost of
// this optimization is that a value cycling back to its old state
// within a single heartbeat never reaches history.
//
// When the lease list changes, old and new are diffed by lease id:
// appearing leases join the mirror (and bump the conform/upgrade
// attempt counters when their payload is a recognized system task),
// disappearing leases leave it. Returns (nil, nil) on a CAS race.
func (r *Registry) TryUpdateSession(ctx context.Context, current *Agent, opts UpdateSessionOptions) (*Agent, error) {
	if !sessionChanged(current, opts) {
		return current, nil
	}

	now := r.clk.Now().UTC()
	updated, err := r.tryUpdate(ctx, current, func(a *Agent) error {
		if opts.Status != nil {
			a.Status = *opts.Status
		}
		if opts.ExpiresAt != nil {
			t := opts.ExpiresAt.UTC()
			a.SessionExpiresAt = &t
		}
		poolsInput := false
		if opts.Properties != nil {
			a.Properties = sortProperties(opts.Properties)
			poolsInput = true
		}
		if opts.Resources != nil {
			a.Resources = opts.Resources
		}
		if opts.DynamicPools != nil {
			a.DynamicPools = opts.DynamicPools
			poolsInput = true
		}
		if poolsInput {
			a.Pools = CreatePoolsList(a.DynamicPools, a.ExplicitPools, a.Properties)
		}
		if opts.Leases != nil {
			applyLeaseCounters(a, current.Leases, opts.Leases, now)
			a.Leases = opts.Leases
		}
		return nil
	})
	if err != nil || updated == nil {
		return nil, err
	}

	if opts.Leases != nil {
		r.reconcileLeaseMirror(ctx, current.Leases, updated.Leases)
	}
	return updated, nil
}

func sessionChanged(a *Agent, opts UpdateSessionOptions) bool {
	if opts.Status != nil && a.Status != *opts.Status {
		return true
	}
	if opts.ExpiresAt != nil {
		if a.SessionExpiresAt == nil || !a.SessionExpiresAt.Equal(*opts.ExpiresAt) {
			return true
		}
	}
	if opts.Properties != nil && !slices.Equal(sortProperties(opts.Properties), a.Properties) {
		return true
	}
	if opts.Resources != nil && !maps.Equal(opts.Resources, a.Resources) {
		return true
	}
	if opts.DynamicPools != nil && !slices.Equal(opts.DynamicPools, a.DynamicPools) {
		return true
	}
	if opts.Leases != nil && !leasesEqual(opts.Leases, a.Leases) {
		return true
	}
	return false
}

func leasesEqual(a, b []Lease) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.ParentID != y.ParentID || x.Name != y.Name ||
			x.State != y.State || x.Active != y.Active ||
			!x.StartedAt.Equal(y.StartedAt) ||
			!slices.Equal(x.Payload, y.Payload) {
			return false
		}
		switch {
		case (x.ExpiresAt == nil) != (y.ExpiresAt == nil):
			return false
		case x.ExpiresAt != nil && !x.ExpiresAt.Equal(*y.ExpiresAt):
			return false
		}
	}
	return true
}

// applyLeaseCounters sniffs the payload of each newly appearing lease
// and advances the agent's conform/upgrade attempt tracking. Counting
// here, at the moment the lease is recorded, avoids a second round
// trip per system task.
func applyLeaseCounters(a *Agent, oldLeases, newLeases []Lease, now time.Time) {
	existing := make(map[ident.LeaseID]struct{}, len(oldLeases))
	for _, lease := range oldLeases {
		existing[lease.ID] = struct{}{}
	}
	for _, lease := range newLeases {
		if _, ok := existing[lease.ID]; ok {
			continue
		}
		task := DecodeTask(lease.Payload)
		switch task.Kind {
		case TaskKindConform:
			count := 1
			if a.ConformAttemptCount != nil {
				count = *a.ConformAttemptCount + 1
			}
			a.ConformAttemptCount = &count
			a.LastConformAt = now
		case TaskKindUpgrade:
			count := 1
			if a.UpgradeAttemptCount != nil {
				count = *a.UpgradeAttemptCount + 1
			}
			a.UpgradeAttemptCount = &count
			a.LastUpgradeAt = now
			a.LastUpgradeVersion = task.UpgradeVersion
		}
	}
}

// TryAddLease appends a lease to the agent's lease list. Returns
// (nil, nil) on a CAS race.
func (r *Registry) TryAddLease(ctx context.Context, current *Agent, lease Lease) (*Agent, error) {
	if lease.ID.IsZero() {
		return nil, fmt.Errorf("agent: lease requires an id")
	}
	for _, existing := range current.Leases {
		if existing.ID == lease.ID {
			return nil, fmt.Errorf("agent: lease %s already present on %s", lease.ID, current.ID)
		}
	}

	updated, err := r.tryUpdate(ctx, current, func(a *Agent) error {
		a.Leases = append(a.Leases, lease)
		return nil
	})
	if err != nil || updated == nil {
		return nil, err
	}
	r.reconcileLeaseMirror(ctx, current.Leases, updated.Leases)
	return updated, nil
}

// TryCancelLease marks the lease cancelled and removes it from the
// active mirror. Returns (nil, nil) on a CAS race.
func (r *Registry) TryCancelLease(ctx context.Context, current *Agent, leaseID ident.LeaseID) (*Agent, error) {
	found := false
	for _, lease := range current.Leases {
		if lease.ID == leaseID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("agent: lease %s not found on %s: %w", leaseID, current.ID, docstore.ErrNotFound)
	}

	updated, err := r.tryUpdate(ctx, current, func(a *Agent) error {
		for i := range a.Leases {
			if a.Leases[i].ID == leaseID {
				a.Leases[i].State = LeaseStateCancelled
				a.Leases[i].Active = false
			}
		}
		return nil
	})
	if err != nil || updated == nil {
		return nil, err
	}
	r.reconcileLeaseMirror(ctx, current.Leases, updated.Leases)
	return updated, nil
}

// UpdateSettingsOptions carries operator-driven agent settings. Nil
// fields leave the stored value unchanged.
type UpdateSettingsOptions struct {
	Enabled       *bool
	Ephemeral     *bool
	Comment       *string
	ExplicitPools []ident.PoolID

	RequestConform      *bool
	RequestFullConform  *bool
	RequestRestart      *bool
	RequestForceRestart *bool
	RequestShutdown     *bool
}

// TryUpdateSettings applies operator settings, recomputing the pool
// list when the explicit pools change. Returns (nil, nil) on a CAS
// race.
func (r *Registry) TryUpdateSettings(ctx context.Context, current *Agent, opts UpdateSettingsOptions) (*Agent, error) {
	return r.tryUpdate(ctx, current, func(a *Agent) error {
		if opts.Enabled != nil {
			a.Enabled = *opts.Enabled
		}
		if opts.Ephemeral != nil {
			a.Ephemeral = *opts.Ephemeral
		}
		if opts.Comment != nil {
			a.Comment = *opts.Comment
		}
		if opts.ExplicitPools != nil {
			a.ExplicitPools = opts.ExplicitPools
			a.Pools = CreatePoolsList(a.DynamicPools, a.ExplicitPools, a.Properties)
		}
		if opts.RequestConform != nil {
			a.RequestConform = *opts.RequestConform
		}
		if opts.RequestFullConform != nil {
			a.RequestFullConform = *opts.RequestFullConform
		}
		if opts.RequestRestart != nil {
			a.RequestRestart = *opts.RequestRestart
		}
		if opts.RequestForceRestart != nil {
			a.RequestForceRestart = *opts.RequestForceRestart
		}
		if opts.RequestShutdown != nil {
			a.RequestShutdown = *opts.RequestShutdown
		}
		return nil
	})
}

// TryUpdateWorkspaces records the workspace list reported by a
// completed conform, resetting the attempt counter and optionally
// clearing the conform request flags. Returns (nil, nil) on a CAS
// race.
func (r *Registry) TryUpdateWorkspaces(ctx context.Context, current *Agent, workspaces []Workspace, clearConformRequest bool) (*Agent, error) {
	now := r.clk.Now().UTC()
	return r.tryUpdate(ctx, current, func(a *Agent) error {
		a.Workspaces = workspaces
		a.LastConformAt = now
		a.ConformAttemptCount = nil
		if clearConformRequest {
			a.RequestConform = false
			a.RequestFullConform = false
		}
		return nil
	})
}

// TryTerminateSession ends the agent's session: all leases are dropped
// (and cleared from the mirror), the status becomes stopped, and the
// shutdown reason is recorded. Ephemeral agents are soft-deleted on
// termination. Returns (nil, nil) on a CAS race.
func (r *Registry) TryTerminateSession(ctx context.Context, current *Agent, reason string) (*Agent, error) {
	if reason == "" {
		reason = "terminated"
	}
	sessionID := current.SessionID

	updated, err := r.tryUpdate(ctx, current, func(a *Agent) error {
		a.Leases = nil
		a.SessionID = ident.SessionID{}
		a.SessionExpiresAt = nil
		a.Status = StatusStopped
		a.LastShutdownReason = reason
		if a.Ephemeral {
			a.Deleted = true
		}
		return nil
	})
	if err != nil || updated == nil {
		return nil, err
	}

	r.reconcileLeaseMirror(ctx, current.Leases, nil)

	if !sessionID.IsZero() {
		if err := r.sessions.Finish(ctx, sessionID, r.clk.Now(), nil, nil); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			r.logger.Error("finishing session failed",
				"agent", updated.ID,
				"session", sessionID,
				"error", err,
			)
		}
	}
	return updated, nil
}

// TryReset clears all pending remote-control requests and attempt
// counters, abandoning in-flight conform/upgrade tracking. Returns
// (nil, nil) on a CAS race.
func (r *Registry) TryReset(ctx context.Context, current *Agent) (*Agent, error) {
	return r.tryUpdate(ctx, current, func(a *Agent) error {
		a.RequestConform = false
		a.RequestFullConform = false
		a.RequestRestart = false
		a.RequestForceRestart = false
		a.RequestShutdown = false
		a.ConformAttemptCount = nil
		a.UpgradeAttemptCount = nil
		return nil
	})
}

// TryDelete soft-deletes the agent: the deleted flag is set, the
// session dropped, and all lease mirror entries cleared. The document
// remains until ForceDelete purges it. Returns (nil, nil) on a CAS
// race.
func (r *Registry) TryDelete(ctx context.Context, current *Agent) (*Agent, error) {
	updated, err := r.tryUpdate(ctx, current, func(a *Agent) error {
		a.Deleted = true
		a.Enabled = false
		a.Leases = nil
		a.SessionID = ident.SessionID{}
		a.SessionExpiresAt = nil
		a.Status = StatusStopped
		return nil
	})
	if err != nil || updated == nil {
		return nil, err
	}
	r.reconcileLeaseMirror(ctx, current.Leases, nil)
	return updated, nil
}

// UpdateWithRetry re-reads and re-applies try until it succeeds or the
// attempt budget runs out. try receives a fresh agent each attempt and
// must call exactly one Try* mutation, returning its result.
func (r *Registry) UpdateWithRetry(ctx context.Context, id ident.AgentID, try func(*Agent) (*Agent, error)) (*Agent, error) {
	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		updated, err := try(current)
		if err != nil {
			return nil, err
		}
		if updated != nil {
			return updated, nil
		}
	}
	return nil, fmt.Errorf("agent: update %s: gave up after contention: %w", id, docstore.ErrConflict)
}

// SubscribeUpdates delivers the id of every agent whose remote-control
// request flags change. The cancel function stops delivery.
func (r *Registry) SubscribeUpdates(ctx context.Context) (<-chan string, func(), error) {
	return r.cache.Subscribe(ctx, updateChannel)
}

// FindActiveLeaseIDs returns the mirror's view of all active lease ids
// across the fleet. The mirror is eventually consistent: entries may
// briefly survive their lease or miss a just-added one, and absence
// here is not proof the lease is gone from its agent document.
func (r *Registry) FindActiveLeaseIDs(ctx context.Context) ([]ident.LeaseID, error) {
	return r.leaseSet(ctx, activeLeasesKey)
}

// GetChildLeaseIDs returns the mirror's view of the leases parented
// under parentID. Same consistency caveats as FindActiveLeaseIDs.
func (r *Registry) GetChildLeaseIDs(ctx context.Context, parentID ident.LeaseID) ([]ident.LeaseID, error) {
	return r.leaseSet(ctx, childLeasesPrefix+parentID.String())
}

func (r *Registry) leaseSet(ctx context.Context, key string) ([]ident.LeaseID, error) {
	members, err := r.cache.SetMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	ids := make([]ident.LeaseID, 0, len(members))
	for _, member := range members {
		id, err := ident.ParseLeaseID(member)
		if err != nil {
			r.logger.Warn("dropping malformed lease id from mirror", "key", key, "value", member)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// reconcileLeaseMirror updates the shared-cache mirror after an
// authoritative lease change: active leases that appeared are added,
// ones that vanished or went inactive are removed. Mirror failures are
// logged, never propagated — the mirror self-heals on the next write
// or on TTL expiry.
func (r *Registry) reconcileLeaseMirror(ctx context.Context, oldLeases, newLeases []Lease) {
	oldActive := activeByID(oldLeases)
	newActive := activeByID(newLeases)

	for id, lease := range newActive {
		if _, ok := oldActive[id]; ok {
			continue
		}
		r.mirrorOp(ctx, r.cache.SetAdd(ctx, activeLeasesKey, id.String()), id)
		r.mirrorOp(ctx, r.cache.Expire(ctx, activeLeasesKey, leaseMirrorTTL), id)
		if !lease.ParentID.IsZero() {
			key := childLeasesPrefix + lease.ParentID.String()
			r.mirrorOp(ctx, r.cache.SetAdd(ctx, key, id.String()), id)
			r.mirrorOp(ctx, r.cache.Expire(ctx, key, leaseMirrorTTL), id)
		}
	}
	for id, lease := range oldActive {
		if _, ok := newActive[id]; ok {
			continue
		}
		r.mirrorOp(ctx, r.cache.SetRemove(ctx, activeLeasesKey, id.String()), id)
		if !lease.ParentID.IsZero() {
			r.mirrorOp(ctx, r.cache.SetRemove(ctx, childLeasesPrefix+lease.ParentID.String(), id.String()), id)
		}
	}
}

func (r *Registry) mirrorOp(ctx context.Context, err error, id ident.LeaseID) {
	if err != nil {
		r.logger.Warn("lease mirror update failed", "lease", id, "error", err)
	}
}

func activeByID(leases []Lease) map[ident.LeaseID]Lease {
	active := make(map[ident.LeaseID]Lease, len(leases))
	for _, lease := range leases {
		if lease.Active {
			active[lease.ID] = lease
		}
	}
	return active
}
