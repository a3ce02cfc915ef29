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

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chainindex/corelib/recency"
	"github.com/chainindex/runtime/db"
	"github.com/chainindex/runtime/telemetry"
)

const (
	metadataTable  = "_metadata"
	metadataKeyCol = "id"
	metadataValCol = "value"
)

// Metadata is the cached scalar/singleton key-value model (C6): a
// last-writer-wins map for most keys, plus a closed set of
// increment-only keys (processedBlockCount, schemaMigrationCount, ...)
// whose writes accumulate a delta instead of overwriting.
type Metadata struct {
	mu sync.Mutex

	repo          db.Repository
	incrementKeys map[string]bool
	events        telemetry.Events

	setCache   map[string]int64 // pending last-writer-wins values, numeric-coded by caller
	incrCache  map[string]int64 // pending accumulated deltas
	getCache   *recency.Map[int64]
	writtenKey map[string]bool
	counter    int
}

// NewMetadata builds a Metadata cache. incrementKeys names the closed
// set of keys written only through SetIncrement, whose writes
// accumulate rather than overwrite.
func NewMetadata(repo db.Repository, cacheMaxEntries int, cacheTTL time.Duration, incrementKeys ...string) *Metadata {
	if cacheMaxEntries <= 0 {
		cacheMaxEntries = 500
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	keys := make(map[string]bool, len(incrementKeys))
	for _, k := range incrementKeys {
		keys[k] = true
	}
	return &Metadata{
		repo:          repo,
		incrementKeys: keys,
		events:        telemetry.NopEvents{},
		setCache:      make(map[string]int64),
		incrCache:     make(map[string]int64),
		getCache:      recency.New[int64](cacheMaxEntries, cacheTTL),
		writtenKey:    make(map[string]bool),
	}
}

// SetEvents wires an observability sink for this model's cache
// lookups. Optional: a Metadata built by NewMetadata discards cache
// lookup events until SetEvents is called.
func (m *Metadata) SetEvents(events telemetry.Events) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = events
}

// Find looks up key, consulting pending writes and the recency cache
// before falling back to the database. A pending SetIncrement delta
// always needs a known base to add to: if that base isn't cached yet,
// Find fetches it from the database rather than silently treating it
// as zero (which would understate any already-flushed amount).
func (m *Metadata) Find(ctx context.Context, key string) (value int64, found bool, err error) {
	m.mu.Lock()
	if v, ok := m.setCache[key]; ok {
		m.mu.Unlock()
		m.events.CacheLookup(metadataTable, true)
		return v, true, nil
	}
	if base, ok := m.getCache.Get(key); ok {
		delta := m.incrCache[key]
		m.mu.Unlock()
		m.events.CacheLookup(metadataTable, true)
		if !base.Found && delta == 0 {
			return 0, false, nil
		}
		return base.Value + delta, true, nil
	}
	m.mu.Unlock()
	m.events.CacheLookup(metadataTable, false)

	row, dbFound, err := m.repo.FindByPK(ctx, metadataTable, []string{metadataKeyCol, metadataValCol}, key)
	if err != nil {
		return 0, false, err
	}
	var base int64
	if dbFound {
		base, _ = row.Get(metadataValCol).(int64)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCache.Set(key, recency.Maybe[int64]{Value: base, Found: dbFound})
	delta := m.incrCache[key] // re-read: may have changed while the DB round trip was in flight
	if !dbFound && delta == 0 {
		return 0, false, nil
	}
	return base + delta, true, nil
}

// pendingLocked returns an uncommitted write for key, if any, folding
// a base increment in from the recency cache when only a delta is
// pending and the base is already warm. Used by FindMany, which only
// serves already-cached keys this way and leaves the rest to a batched
// database round trip.
func (m *Metadata) pendingLocked(key string) (int64, bool) {
	if v, ok := m.setCache[key]; ok {
		return v, true
	}
	if base, ok := m.getCache.Get(key); ok && (base.Found || m.incrCache[key] != 0) {
		return base.Value + m.incrCache[key], true
	}
	return 0, false
}

// FindMany looks up keys in bulk, merging pending writes over a
// database round trip for whatever isn't already cached.
func (m *Metadata) FindMany(ctx context.Context, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	var missing []string
	m.mu.Lock()
	for _, k := range keys {
		if v, ok := m.pendingLocked(k); ok {
			out[k] = v
			continue
		}
		missing = append(missing, k)
	}
	m.mu.Unlock()
	if len(missing) == 0 {
		return out, nil
	}

	rows, err := m.repo.FindAllWhere(ctx, metadataTable, []string{metadataKeyCol, metadataValCol},
		db.Where{{Column: metadataKeyCol, Op: db.In, Value: missing}}, len(missing), 0)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]bool, len(rows))
	for _, row := range rows {
		k, _ := row.Get(metadataKeyCol).(string)
		v, _ := row.Get(metadataValCol).(int64)
		m.getCache.Set(k, recency.Maybe[int64]{Value: v, Found: true})
		out[k] = v + m.incrCache[k]
		found[k] = true
	}
	for _, k := range missing {
		if !found[k] {
			m.getCache.Set(k, recency.Maybe[int64]{Found: false})
			if delta := m.incrCache[k]; delta != 0 {
				out[k] = delta
			}
		}
	}
	return out, nil
}

// Set overwrites key with value. Calling Set on an increment key is a
// programmer error; use SetIncrement instead.
func (m *Metadata) Set(key string, value int64) {
	if m.incrementKeys[key] {
		panic(programmerErrorf("store: Set(%s) called on an increment-only metadata key", key))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCache[key] = value
	m.getCache.Set(key, recency.Maybe[int64]{Value: value, Found: true})
	m.markWrittenLocked(key)
}

// SetBulk is repeated Set.
func (m *Metadata) SetBulk(values map[string]int64) {
	for k, v := range values {
		m.Set(k, v)
	}
}

// SetIncrement accumulates delta into key's pending value. key must be
// in the increment-key set.
func (m *Metadata) SetIncrement(key string, delta int64) {
	if !m.incrementKeys[key] {
		panic(programmerErrorf("store: SetIncrement(%s) called on a non-increment metadata key", key))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incrCache[key] += delta
	m.getCache.Delete(key) // force a fresh DB read next Find, now that a delta is pending
	m.markWrittenLocked(key)
}

func (m *Metadata) markWrittenLocked(key string) {
	if !m.writtenKey[key] {
		m.writtenKey[key] = true
		m.counter++
	}
}

// IsFlushable reports whether any writes are pending.
func (m *Metadata) IsFlushable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.setCache) > 0 || len(m.incrCache) > 0
}

// RecordCount is the number of distinct keys written since the last
// flush.
func (m *Metadata) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter
}

// Flush stages pending writes against tx and clears caches, returning
// a closure performing the actual DB round trips: a bulk-upsert for
// last-writer-wins keys and a per-key atomic add for increment keys.
func (m *Metadata) Flush(ctx context.Context, tx db.Tx) (func() error, error) {
	m.mu.Lock()
	setCache := m.setCache
	incrCache := m.incrCache
	m.setCache = make(map[string]int64)
	m.incrCache = make(map[string]int64)
	m.writtenKey = make(map[string]bool)
	m.counter = 0
	for k := range incrCache {
		m.getCache.Delete(k) // the cached base no longer includes the delta being flushed
	}
	m.mu.Unlock()

	return func() error {
		g, gctx := errgroup.WithContext(ctx)
		if len(setCache) > 0 {
			g.Go(func() error {
				rows := make([][]any, 0, len(setCache))
				for k, v := range setCache {
					rows = append(rows, []any{k, v})
				}
				if err := m.repo.BulkUpsert(gctx, tx, metadataTable, []string{metadataKeyCol, metadataValCol}, rows, metadataKeyCol, []string{metadataValCol}); err != nil {
					return fmt.Errorf("store: metadata bulk-upsert: %w", err)
				}
				return nil
			})
		}
		for k, delta := range incrCache {
			k, delta := k, delta
			g.Go(func() error {
				if err := m.repo.IncrementColumn(gctx, tx, metadataTable, metadataKeyCol, k, metadataValCol, delta); err != nil {
					return fmt.Errorf("store: metadata increment(%s): %w", k, err)
				}
				return nil
			})
		}
		return g.Wait()
	}, nil
}

var _ Flushable = (*Metadata)(nil)
