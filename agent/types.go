// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"time"

	"github.com/anvil-build/anvil/lib/codec"
	"github.com/anvil-build/anvil/lib/ident"
)

// Status reports the health of an agent as of its last session update.
type Status string

const (
	// StatusOK means the agent is healthy and accepting leases.
	StatusOK Status = "ok"
	// StatusUnhealthy means the agent reported a degraded condition
	// and should not receive new leases.
	StatusUnhealthy Status = "unhealthy"
	// StatusStopping means the agent is draining before shutdown.
	StatusStopping Status = "stopping"
	// StatusStopped means the agent has no active session.
	StatusStopped Status = "stopped"
)

// LeaseState tracks one lease through its lifecycle.
type LeaseState string

const (
	LeaseStatePending   LeaseState = "pending"
	LeaseStateActive    LeaseState = "active"
	LeaseStateCancelled LeaseState = "cancelled"
	LeaseStateCompleted LeaseState = "completed"
)

// Lease is one unit of dispatched work, embedded in the owning agent's
// lease list. The agent document is the source of truth; the shared
// cache mirror exists only for cross-agent active-lease queries.
type Lease struct {
	ID       ident.LeaseID `cbor:"id"`
	ParentID ident.LeaseID `cbor:"parentId,omitempty"`
	Name     string        `cbor:"name"`
	State    LeaseState    `cbor:"state"`
	Active   bool          `cbor:"active"`

	// Payload is the opaque task description, decoded on demand with
	// DecodeTask.
	Payload codec.RawMessage `cbor:"payload,omitempty"`

	StartedAt time.Time  `cbor:"startedAt"`
	ExpiresAt *time.Time `cbor:"expiresAt,omitempty"`
}

// Workspace describes one synced workspace on the agent, reported
// during conform.
type Workspace struct {
	Identifier string `cbor:"identifier"`
	Stream     string `cbor:"stream,omitempty"`
	Incremental bool  `cbor:"incremental,omitempty"`
}

// Agent is the persisted document for one registered worker machine.
// All mutation goes through the Registry's compare-and-swap protocol;
// UpdateIndex is the document revision and is not stored in the body.
type Agent struct {
	ID ident.AgentID `cbor:"id"`

	SessionID        ident.SessionID `cbor:"sessionId,omitempty"`
	SessionExpiresAt *time.Time      `cbor:"sessionExpiresAt,omitempty"`
	Status           Status          `cbor:"status"`

	Enabled   bool `cbor:"enabled"`
	Ephemeral bool `cbor:"ephemeral,omitempty"`
	Deleted   bool `cbor:"deleted,omitempty"`

	// Properties is a free-form string set, kept sorted
	// case-insensitively. The reserved "RequestedPools=" property feeds
	// pool derivation.
	Properties []string         `cbor:"properties,omitempty"`
	Resources  map[string]int32 `cbor:"resources,omitempty"`

	// Pools is always the deduplicated sorted union of DynamicPools,
	// ExplicitPools and the pools named by the RequestedPools property.
	// Never written directly; recomputed on every change to an input.
	Pools         []ident.PoolID `cbor:"pools,omitempty"`
	DynamicPools  []ident.PoolID `cbor:"dynamicPools,omitempty"`
	ExplicitPools []ident.PoolID `cbor:"explicitPools,omitempty"`

	// Remote-control request flags. Successful changes publish the
	// agent id on the update channel so live connections can react
	// without polling.
	RequestConform      bool `cbor:"requestConform,omitempty"`
	RequestFullConform  bool `cbor:"requestFullConform,omitempty"`
	RequestRestart      bool `cbor:"requestRestart,omitempty"`
	RequestForceRestart bool `cbor:"requestForceRestart,omitempty"`
	RequestShutdown     bool `cbor:"requestShutdown,omitempty"`

	// LastShutdownReason records how the previous session ended. Set to
	// "unexpected" when a new session starts, replaced with the real
	// reason on orderly termination.
	LastShutdownReason string `cbor:"lastShutdownReason,omitempty"`

	LastConformAt       time.Time `cbor:"lastConformAt,omitempty"`
	ConformAttemptCount *int      `cbor:"conformAttemptCount,omitempty"`

	LastUpgradeAt       time.Time `cbor:"lastUpgradeAt,omitempty"`
	UpgradeAttemptCount *int      `cbor:"upgradeAttemptCount,omitempty"`
	LastUpgradeVersion  string    `cbor:"lastUpgradeVersion,omitempty"`

	Version    string      `cbor:"version,omitempty"`
	Workspaces []Workspace `cbor:"workspaces,omitempty"`
	Comment    string      `cbor:"comment,omitempty"`

	// EnrollmentKey authenticates the agent's first session after
	// registration.
	EnrollmentKey string `cbor:"enrollmentKey,omitempty"`

	Leases []Lease `cbor:"leases,omitempty"`

	UpdateTime time.Time `cbor:"updateTime"`

	// UpdateIndex is the optimistic-concurrency revision: it equals the
	// number of successful writes since the agent was added. Populated
	// from the document store on read, never persisted in the body.
	UpdateIndex uint64 `cbor:"-"`
}

// Session is the immutable record of one agent connection period.
// Updated only to set FinishTime or refresh the property snapshot;
// deleted only by administrative purge.
type Session struct {
	ID         ident.SessionID  `cbor:"id"`
	AgentID    ident.AgentID    `cbor:"agentId"`
	StartTime  time.Time        `cbor:"startTime"`
	FinishTime *time.Time       `cbor:"finishTime,omitempty"`
	Properties []string         `cbor:"properties,omitempty"`
	Resources  map[string]int32 `cbor:"resources,omitempty"`
	Version    string           `cbor:"version,omitempty"`
}

// clone returns a deep copy of the agent so mutations never alias the
// caller's slices or maps.
func (a *Agent) clone() *Agent {
	copied := *a
	copied.Properties = append([]string(nil), a.Properties...)
	copied.Pools = append([]ident.PoolID(nil), a.Pools...)
	copied.DynamicPools = append([]ident.PoolID(nil), a.DynamicPools...)
	copied.ExplicitPools = append([]ident.PoolID(nil), a.ExplicitPools...)
	copied.Workspaces = append([]Workspace(nil), a.Workspaces...)
	copied.Leases = append([]Lease(nil), a.Leases...)
	if a.Resources != nil {
		copied.Resources = make(map[string]int32, len(a.Resources))
		for k, v := range a.Resources {
			copied.Resources[k] = v
		}
	}
	if a.ConformAttemptCount != nil {
		v := *a.ConformAttemptCount
		copied.ConformAttemptCount = &v
	}
	if a.UpgradeAttemptCount != nil {
		v := *a.UpgradeAttemptCount
		copied.UpgradeAttemptCount = &v
	}
	if a.SessionExpiresAt != nil {
		v := *a.SessionExpiresAt
		copied.SessionExpiresAt = &v
	}
	return &copied
}
