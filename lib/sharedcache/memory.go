// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package sharedcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anvil-build/anvil/lib/clock"
)

// Memory is an in-process Cache for single-node deployments and tests.
// Time is injected so tests can drive key and lock expiry with a fake
// clock.
//
// Memory is safe for concurrent use.
type Memory struct {
	clk clock.Clock

	mu     sync.Mutex
	keys   map[string]*memoryKey
	locks  map[string]*memoryLock
	subs   map[string][]*memorySub
	nextID int
}

type memoryKey struct {
	set       map[string]struct{}
	sorted    map[string]float64
	expiresAt time.Time // zero means no expiry
}

type memoryLock struct {
	cache     *Memory
	key       string
	id        int
	expiresAt time.Time
}

type memorySub struct {
	id int
	ch chan string
}

// subscriberBuffer bounds per-subscriber backlog; publishes to a full
// subscriber are dropped rather than blocking the publisher.
const subscriberBuffer = 64

// NewMemory creates an in-process cache driven by clk.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:   clk,
		keys:  make(map[string]*memoryKey),
		locks: make(map[string]*memoryLock),
		subs:  make(map[string][]*memorySub),
	}
}

// live returns the entry for key if it exists and has not expired,
// evicting it if it has.
func (m *Memory) live(key string) *memoryKey {
	entry, ok := m.keys[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && !m.clk.Now().Before(entry.expiresAt) {
		delete(m.keys, key)
		return nil
	}
	return entry
}

func (m *Memory) SetAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil {
		entry = &memoryKey{set: make(map[string]struct{})}
		m.keys[key] = entry
	}
	if entry.set == nil {
		entry.set = make(map[string]struct{})
	}
	for _, member := range members {
		entry.set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SetRemove(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil || entry.set == nil {
		return nil
	}
	for _, member := range members {
		delete(entry.set, member)
	}
	if len(entry.set) == 0 && len(entry.sorted) == 0 {
		delete(m.keys, key)
	}
	return nil
}

func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil || entry.set == nil {
		return nil, nil
	}
	members := make([]string, 0, len(entry.set))
	for member := range entry.set {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) SortedSetAdd(ctx context.Context, key string, members ...Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil {
		entry = &memoryKey{sorted: make(map[string]float64)}
		m.keys[key] = entry
	}
	if entry.sorted == nil {
		entry.sorted = make(map[string]float64)
	}
	for _, member := range members {
		entry.sorted[member.Value] = member.Score
	}
	return nil
}

func (m *Memory) SortedSetRemove(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil || entry.sorted == nil {
		return nil
	}
	for _, value := range values {
		delete(entry.sorted, value)
	}
	if len(entry.set) == 0 && len(entry.sorted) == 0 {
		delete(m.keys, key)
	}
	return nil
}

func (m *Memory) SortedSetRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil || entry.sorted == nil {
		return nil, nil
	}

	var members []Member
	for value, score := range entry.sorted {
		if score >= min && score <= max {
			members = append(members, Member{Value: value, Score: score})
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Value < members[j].Value
	})
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

func (m *Memory) SortedSetScore(ctx context.Context, key, value string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil || entry.sorted == nil {
		return 0, false, nil
	}
	score, ok := entry.sorted[value]
	return score, ok, nil
}

func (m *Memory) SortedSetLength(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key)
	if entry == nil {
		return 0, nil
	}
	return int64(len(entry.sorted)), nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		delete(m.keys, key)
		return nil
	}
	entry := m.live(key)
	if entry == nil {
		return nil
	}
	entry.expiresAt = m.clk.Now().Add(ttl)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *Memory) TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	if held, ok := m.locks[key]; ok && now.Before(held.expiresAt) {
		return nil, nil
	}

	m.nextID++
	lock := &memoryLock{
		cache:     m,
		key:       key,
		id:        m.nextID,
		expiresAt: now.Add(ttl),
	}
	m.locks[key] = lock
	return lock, nil
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.cache.mu.Lock()
	defer l.cache.mu.Unlock()

	if held, ok := l.cache.locks[l.key]; ok && held.id == l.id {
		delete(l.cache.locks, l.key)
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, channel, message string) error {
	m.mu.Lock()
	subs := make([]*memorySub, len(m.subs[channel]))
	copy(subs, m.subs[channel])
	m.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- message:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := &memorySub{id: m.nextID, ch: make(chan string, subscriberBuffer)}
	m.subs[channel] = append(m.subs[channel], sub)

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		for i, candidate := range subs {
			if candidate.id == sub.id {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
		if len(m.subs[channel]) == 0 {
			delete(m.subs, channel)
		}
	}
	return sub.ch, cancel, nil
}
