// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"time"
)

const (
	// sessionExpiryInterval is how often expired sessions are reaped.
	sessionExpiryInterval = time.Minute

	// sessionExpiryBatch caps how many agents one reaper pass
	// terminates.
	sessionExpiryBatch = 100
)

// RunSessionExpiry terminates the sessions of agents whose expiry has
// passed without renewal. One pass of the background reaper;
// per-agent failures are logged and the pass continues.
func (r *Registry) RunSessionExpiry(ctx context.Context) error {
	expired, err := r.FindExpired(ctx, r.clk.Now(), sessionExpiryBatch)
	if err != nil {
		return err
	}

	var terminated int
	for _, a := range expired {
		sessionID := a.SessionID
		_, err := r.UpdateWithRetry(ctx, a.ID, func(current *Agent) (*Agent, error) {
			// Another writer may have renewed or replaced the session
			// since the scan; only the scanned session is reaped.
			if current.SessionID != sessionID {
				return current, nil
			}
			return r.TryTerminateSession(ctx, current, "expired")
		})
		if err != nil {
			r.logger.Warn("terminating expired session failed", "agent", a.ID, "error", err)
			continue
		}
		terminated++
	}
	if terminated > 0 {
		r.logger.Info("expired sessions terminated", "count", terminated)
	}
	return nil
}

// RunExpiry drives the session reaper until ctx is cancelled.
func (r *Registry) RunExpiry(ctx context.Context) error {
	ticker := r.clk.NewTicker(sessionExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.RunSessionExpiry(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("session expiry pass failed", "error", err)
			}
		}
	}
}
