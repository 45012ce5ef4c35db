// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"context"
	"fmt"
	"strconv"

	"github.com/anvil-build/anvil/lib/ident"
)

// NumericCommitResolver treats the logical commit identifier as its
// own order number, for changelist-style numeric commits. Deployments
// whose commits are opaque hashes wire a resolver backed by their
// source control system instead.
type NumericCommitResolver struct{}

func (NumericCommitResolver) ResolveCommit(ctx context.Context, stream ident.StreamID, commit string) (int64, error) {
	order, err := strconv.ParseInt(commit, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("artifacts: commit %q is not numeric: %w", commit, err)
	}
	return order, nil
}
