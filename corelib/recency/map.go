// Copyright 2024 The Chainindex Authors
// This file is part of Chainindex.
//
// Chainindex is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainindex is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainindex. If not, see <http://www.gnu.org/licenses/>.

// Package recency implements the bounded, TTL-refreshing read-side cache
// used by the entity and metadata models for negative caching: a capacity
// bounded map that evicts least-recently-used entries and expires entries
// after a fixed TTL, refreshing that TTL on every read.
package recency

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Maybe represents a value that may be a confirmed-absent ("negative
// cache") marker: Found is false when the id is known not to exist in the
// database as of the time it was looked up.
type Maybe[E any] struct {
	Value E
	Found bool
}

type entry[E any] struct {
	value     Maybe[E]
	expiresAt time.Time // zero means no expiry
}

func (e *entry[E]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Map is a capacity-bounded, TTL-refreshing id -> Maybe[E] cache built on
// hashicorp/golang-lru's simplelru. The expiry deadline lives in the entry
// and is renewed on every read as well as every write; the same library's
// expirable.LRU renews only on Add, which would let a hot id that is read
// but never re-written expire out from under the read path.
type Map[E any] struct {
	mu  sync.Mutex
	ttl time.Duration
	lru *simplelru.LRU[string, *entry[E]]
}

// New builds a Map with the given capacity and TTL. capacity must be
// positive. A zero or negative ttl disables expiry; entries are then only
// ever evicted by capacity.
func New[E any](capacity int, ttl time.Duration) *Map[E] {
	lru, err := simplelru.NewLRU[string, *entry[E]](capacity, nil)
	if err != nil {
		panic(fmt.Sprintf("recency: capacity must be positive, got %d", capacity))
	}
	return &Map[E]{ttl: ttl, lru: lru}
}

func (m *Map[E]) deadline(now time.Time) time.Time {
	if m.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(m.ttl)
}

// Get returns the cached entry for id, refreshing both its recency
// position and its expiry deadline. ok is false if id is not cached
// (expired, evicted, or never set) — distinct from Maybe.Found, which
// records a confirmed-absent row.
func (m *Map[E]) Get(id string) (v Maybe[E], ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Get(id)
	if !ok {
		return v, false
	}
	now := time.Now()
	if e.expired(now) {
		m.lru.Remove(id)
		return v, false
	}
	e.expiresAt = m.deadline(now)
	return e.value, true
}

// Has reports whether id is cached and unexpired, without refreshing
// recency or the deadline.
func (m *Map[E]) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Peek(id)
	return ok && !e.expired(time.Now())
}

// Set inserts or overwrites the cached entry for id, resetting its
// deadline.
func (m *Map[E]) Set(id string, v Maybe[E]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Add(id, &entry[E]{value: v, expiresAt: m.deadline(time.Now())})
}

// Delete removes id from the cache, if present.
func (m *Map[E]) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Remove(id)
}

// Keys returns all unexpired cached ids in recency order (least to most
// recently used). Expired entries encountered on the way are dropped.
func (m *Map[E]) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	keys := m.lru.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		e, ok := m.lru.Peek(k)
		if !ok {
			continue
		}
		if e.expired(now) {
			m.lru.Remove(k)
			continue
		}
		out = append(out, k)
	}
	return out
}

// ForEach calls fn for every unexpired entry, without refreshing recency
// or deadlines. Iteration stops early if fn returns false. The snapshot
// is taken up front, so fn may safely call back into the Map.
func (m *Map[E]) ForEach(fn func(id string, v Maybe[E]) bool) {
	m.mu.Lock()
	now := time.Now()
	keys := m.lru.Keys()
	ids := make([]string, 0, len(keys))
	vals := make([]Maybe[E], 0, len(keys))
	for _, k := range keys {
		e, ok := m.lru.Peek(k)
		if !ok {
			continue
		}
		if e.expired(now) {
			m.lru.Remove(k)
			continue
		}
		ids = append(ids, k)
		vals = append(vals, e.value)
	}
	m.mu.Unlock()
	for i := range ids {
		if !fn(ids[i], vals[i]) {
			return
		}
	}
}

// Len returns the number of unexpired entries currently cached.
func (m *Map[E]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, k := range m.lru.Keys() {
		if e, ok := m.lru.Peek(k); ok && !e.expired(now) {
			n++
		}
	}
	return n
}
