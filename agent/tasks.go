// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"github.com/anvil-build/anvil/lib/codec"
)

// TaskKind discriminates the lease payload union. System tasks
// (conform, upgrade) affect the agent's attempt counters when a lease
// carrying them first appears; everything else is opaque work.
type TaskKind string

const (
	TaskKindConform TaskKind = "conform"
	TaskKindUpgrade TaskKind = "upgrade"
	TaskKindOther   TaskKind = "other"
)

// Task is the decoded form of a lease payload. Only the fields for the
// discriminated kind are populated.
type Task struct {
	Kind TaskKind `cbor:"kind"`

	// FullConform requests a clean resync rather than an incremental
	// one. Conform tasks only.
	FullConform bool `cbor:"fullConform,omitempty"`

	// UpgradeVersion is the agent software version to install. Upgrade
	// tasks only.
	UpgradeVersion string `cbor:"upgradeVersion,omitempty"`
}

// NewConformTask encodes a conform task payload.
func NewConformTask(full bool) (codec.RawMessage, error) {
	return encodeTask(Task{Kind: TaskKindConform, FullConform: full})
}

// NewUpgradeTask encodes an upgrade task payload.
func NewUpgradeTask(version string) (codec.RawMessage, error) {
	return encodeTask(Task{Kind: TaskKindUpgrade, UpgradeVersion: version})
}

func encodeTask(task Task) (codec.RawMessage, error) {
	data, err := codec.Marshal(task)
	if err != nil {
		return nil, err
	}
	return codec.RawMessage(data), nil
}

// DecodeTask decodes a lease payload into the task union. Payloads
// that are empty, undecodable, or carry an unrecognized kind decode to
// TaskKindOther: foreign work descriptions pass through the lease
// subsystem untouched.
func DecodeTask(payload codec.RawMessage) Task {
	if len(payload) == 0 {
		return Task{Kind: TaskKindOther}
	}
	var task Task
	if err := codec.Unmarshal(payload, &task); err != nil {
		return Task{Kind: TaskKindOther}
	}
	switch task.Kind {
	case TaskKindConform, TaskKindUpgrade:
		return task
	default:
		return Task{Kind: TaskKindOther}
	}
}
