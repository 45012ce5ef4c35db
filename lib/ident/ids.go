// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import "fmt"

// AgentID identifies a registered worker machine. Agent ids are
// chosen by the operator or derived from the machine hostname,
// normalized to lowercase.
type AgentID struct{ text string }

// NewAgentID creates a validated AgentID.
func NewAgentID(text string) (AgentID, error) {
	if err := validateName("agent id", text); err != nil {
		return AgentID{}, err
	}
	return AgentID{text: text}, nil
}

func (id AgentID) String() string { return id.text }

// IsZero reports whether the id is the zero value.
func (id AgentID) IsZero() bool { return id.text == "" }

// MarshalText implements encoding.TextMarshaler.
func (id AgentID) MarshalText() ([]byte, error) { return []byte(id.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AgentID) UnmarshalText(data []byte) error {
	parsed, err := NewAgentID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal AgentID: %w", err)
	}
	*id = parsed
	return nil
}

// PoolID identifies a scheduling pool that agents may belong to.
type PoolID struct{ text string }

// NewPoolID creates a validated PoolID.
func NewPoolID(text string) (PoolID, error) {
	if err := validateName("pool id", text); err != nil {
		return PoolID{}, err
	}
	return PoolID{text: text}, nil
}

func (id PoolID) String() string { return id.text }

// IsZero reports whether the id is the zero value.
func (id PoolID) IsZero() bool { return id.text == "" }

// MarshalText implements encoding.TextMarshaler.
func (id PoolID) MarshalText() ([]byte, error) { return []byte(id.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *PoolID) UnmarshalText(data []byte) error {
	parsed, err := NewPoolID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal PoolID: %w", err)
	}
	*id = parsed
	return nil
}

// NamespaceID identifies a logical partition of the storage engine's
// blob and ref space.
type NamespaceID struct{ text string }

// NewNamespaceID creates a validated NamespaceID.
func NewNamespaceID(text string) (NamespaceID, error) {
	if err := validateName("namespace id", text); err != nil {
		return NamespaceID{}, err
	}
	return NamespaceID{text: text}, nil
}

func (id NamespaceID) String() string { return id.text }

// IsZero reports whether the id is the zero value.
func (id NamespaceID) IsZero() bool { return id.text == "" }

// MarshalText implements encoding.TextMarshaler.
func (id NamespaceID) MarshalText() ([]byte, error) { return []byte(id.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NamespaceID) UnmarshalText(data []byte) error {
	parsed, err := NewNamespaceID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal NamespaceID: %w", err)
	}
	*id = parsed
	return nil
}

// StreamID identifies a source control stream that artifacts are
// produced from.
type StreamID struct{ text string }

// NewStreamID creates a validated StreamID.
func NewStreamID(text string) (StreamID, error) {
	if err := validateName("stream id", text); err != nil {
		return StreamID{}, err
	}
	return StreamID{text: text}, nil
}

func (id StreamID) String() string { return id.text }

// IsZero reports whether the id is the zero value.
func (id StreamID) IsZero() bool { return id.text == "" }

// MarshalText implements encoding.TextMarshaler.
func (id StreamID) MarshalText() ([]byte, error) { return []byte(id.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *StreamID) UnmarshalText(data []byte) error {
	parsed, err := NewStreamID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal StreamID: %w", err)
	}
	*id = parsed
	return nil
}
