// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/anvil-build/anvil/lib/docstore"
	"github.com/anvil-build/anvil/lib/ident"
)

// Sessions stores the immutable connection-period records. A session
// is written once when the agent connects, updated only to set its
// finish time or refresh the property snapshot, and removed only by
// administrative purge.
type Sessions struct {
	coll   *docstore.Collection[Session]
	logger *slog.Logger
}

// NewSessions creates the session collection.
func NewSessions(ctx context.Context, store *docstore.Store, logger *slog.Logger) (*Sessions, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	coll, err := docstore.NewCollection(ctx, store, docstore.Options[Session]{
		Name: "sessions",
		Indexes: func(session *Session) []docstore.IndexEntry {
			entries := []docstore.IndexEntry{
				{Field: "agent", Value: session.AgentID.String()},
			}
			if session.FinishTime == nil {
				entries = append(entries, docstore.IndexEntry{Field: "active", Value: "1"})
			}
			return entries
		},
	})
	if err != nil {
		return nil, err
	}
	return &Sessions{coll: coll, logger: logger}, nil
}

// Add records a new session.
func (s *Sessions) Add(ctx context.Context, session *Session) error {
	if session.ID.IsZero() || session.AgentID.IsZero() {
		return fmt.Errorf("agent: session requires id and agent id")
	}
	return s.coll.Insert(ctx, session.ID.String(), session)
}

// Get returns one session. Returns docstore.ErrNotFound if absent.
func (s *Sessions) Get(ctx context.Context, id ident.SessionID) (*Session, error) {
	session, _, err := s.coll.Get(ctx, id.String())
	return session, err
}

// FindByAgent returns an agent's sessions newest first, restricted to
// those starting within [after, before) when either bound is non-zero,
// up to limit (0 = no limit).
func (s *Sessions) FindByAgent(ctx context.Context, agentID ident.AgentID, after, before time.Time, limit int) ([]*Session, error) {
	entries, err := s.coll.FindIndexed(ctx, "agent", agentID.String(), 0)
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	// Session ids are ordered, so reverse key order is newest first.
	for i := len(entries) - 1; i >= 0; i-- {
		session := entries[i].Doc
		if !after.IsZero() && session.StartTime.Before(after) {
			continue
		}
		if !before.IsZero() && !session.StartTime.Before(before) {
			continue
		}
		sessions = append(sessions, &session)
		if limit > 0 && len(sessions) >= limit {
			break
		}
	}
	return sessions, nil
}

// FindActive returns all sessions without a finish time.
func (s *Sessions) FindActive(ctx context.Context) ([]*Session, error) {
	entries, err := s.coll.FindIndexed(ctx, "active", "1", 0)
	if err != nil {
		return nil, err
	}
	sessions := make([]*Session, len(entries))
	for i := range entries {
		sessions[i] = &entries[i].Doc
	}
	return sessions, nil
}

// Finish closes a session, recording its finish time and the final
// property/resource snapshot (nil leaves the stored snapshot alone).
// Finishing an already-finished session is a no-op.
func (s *Sessions) Finish(ctx context.Context, id ident.SessionID, finishTime time.Time, properties []string, resources map[string]int32) error {
	_, err := docstore.UpdateWithRetry(ctx, s.coll, id.String(), func(session *Session, revision uint64) error {
		if session.FinishTime == nil {
			t := finishTime.UTC()
			session.FinishTime = &t
		}
		if properties != nil {
			session.Properties = sortProperties(properties)
		}
		if resources != nil {
			session.Resources = resources
		}
		return nil
	})
	return err
}

// Delete removes a session record. Administrative purge only.
func (s *Sessions) Delete(ctx context.Context, id ident.SessionID) error {
	_, err := s.coll.Delete(ctx, id.String())
	return err
}
