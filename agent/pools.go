// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"sort"
	"strings"

	"github.com/anvil-build/anvil/lib/ident"
)

// requestedPoolsPrefix is the reserved property carrying
// comma-separated pool ids the agent asks to join.
const requestedPoolsPrefix = "RequestedPools="

// CreatePoolsList derives the authoritative pool list for an agent:
// the deduplicated union of its dynamic pools, explicit pools, and any
// pools named by the RequestedPools property, sorted by textual id.
// Malformed pool ids inside the property are skipped.
//
// The result is idempotent and order-independent; it must be
// recomputed identically wherever any of the three inputs changes.
func CreatePoolsList(dynamic, explicit []ident.PoolID, properties []string) []ident.PoolID {
	seen := make(map[ident.PoolID]struct{})
	var pools []ident.PoolID

	add := func(pool ident.PoolID) {
		if pool.IsZero() {
			return
		}
		if _, ok := seen[pool]; ok {
			return
		}
		seen[pool] = struct{}{}
		pools = append(pools, pool)
	}

	for _, pool := range dynamic {
		add(pool)
	}
	for _, pool := range explicit {
		add(pool)
	}
	for _, property := range properties {
		rest, ok := strings.CutPrefix(property, requestedPoolsPrefix)
		if !ok {
			continue
		}
		for _, name := range strings.Split(rest, ",") {
			pool, err := ident.NewPoolID(strings.TrimSpace(name))
			if err != nil {
				continue
			}
			add(pool)
		}
	}

	sort.Slice(pools, func(i, j int) bool {
		return pools[i].String() < pools[j].String()
	})
	return pools
}

// sortProperties normalizes a property list: sorted
// case-insensitively, with exact duplicates removed.
func sortProperties(properties []string) []string {
	sorted := append([]string(nil), properties...)
	sort.Slice(sorted, func(i, j int) bool {
		li, lj := strings.ToLower(sorted[i]), strings.ToLower(sorted[j])
		if li != lj {
			return li < lj
		}
		return sorted[i] < sorted[j]
	})
	deduped := sorted[:0]
	for _, property := range sorted {
		if len(deduped) == 0 || deduped[len(deduped)-1] != property {
			deduped = append(deduped, property)
		}
	}
	return deduped
}
