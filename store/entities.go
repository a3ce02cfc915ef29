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
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	chainmath "github.com/chainindex/corelib/common/math"
	"github.com/chainindex/corelib/recency"
	"github.com/chainindex/corelib/version"
	"github.com/chainindex/runtime/db"
	"github.com/chainindex/runtime/telemetry"
)

// Flushable is the capability Controller needs from any cached model
// (entity or metadata) to decide when and how to flush it.
type Flushable interface {
	// IsFlushable reports whether there is anything pending.
	IsFlushable() bool
	// RecordCount is the number of pending writes, summed across all
	// flushable models to decide whether the record threshold (spec
	// §4.7) has been crossed.
	RecordCount() int
	// Flush stages this model's pending writes against tx and clears
	// its in-memory caches synchronously, returning a closure the
	// caller awaits (possibly concurrently with other models' closures)
	// before committing tx.
	Flush(ctx context.Context, tx db.Tx) (func() error, error)
}

// Page windows a getByField-style query.
type Page struct {
	Offset int
	Limit  int
}

// Entities is the cached read/write model for one entity type (C5): a
// per-id version history (historical mode) or latest-value cache
// (non-historical), merged with a bounded negative-cache of recent DB
// reads, deferring writes to a flush boundary.
type Entities[E Entity] struct {
	mu sync.Mutex

	schema     *Schema[E]
	repo       db.Repository
	historical bool
	idColumn   string
	rangeCol   string
	events     telemetry.Events

	setCache         map[string]*version.SetValueModel[E]
	removeCache      map[string]uint64
	getCache         *recency.Map[E]
	writtenThisFlush map[string]bool
	counter          int

	asOf *db.AsOfReader
}

// Options configures an Entities cache.
type Options struct {
	Historical      bool
	CacheMaxEntries int
	CacheTTL        time.Duration
	// Events receives cache hit/miss observations for the getCache
	// negative cache. Defaults to telemetry.NopEvents{} if nil.
	Events telemetry.Events
}

// NewEntities builds a cache for entity type E backed by table, using
// schema to map struct fields to columns.
func NewEntities[E Entity](schema *Schema[E], repo db.Repository, opt Options) *Entities[E] {
	if opt.CacheMaxEntries <= 0 {
		opt.CacheMaxEntries = 500
	}
	if opt.CacheTTL <= 0 {
		opt.CacheTTL = time.Hour
	}
	if opt.Events == nil {
		opt.Events = telemetry.NopEvents{}
	}
	return &Entities[E]{
		schema:           schema,
		repo:             repo,
		historical:       opt.Historical,
		idColumn:         "id",
		rangeCol:         "__block_range",
		events:           opt.Events,
		setCache:         make(map[string]*version.SetValueModel[E]),
		removeCache:      make(map[string]uint64),
		getCache:         recency.New[E](opt.CacheMaxEntries, opt.CacheTTL),
		writtenThisFlush: make(map[string]bool),
		asOf:             db.NewAsOfReader(repo),
	}
}

// allCachedIDs is the set of ids the in-memory state already answers
// for: pending writes, warm reads, and pending removals. Residual DB
// queries exclude all of them — a removed id in particular must not
// resurface via a DB row that has not been deleted yet.
func (e *Entities[E]) allCachedIDs() map[string]bool {
	ids := make(map[string]bool, len(e.setCache)+e.getCache.Len()+len(e.removeCache))
	for id := range e.setCache {
		ids[id] = true
	}
	for _, id := range e.getCache.Keys() {
		ids[id] = true
	}
	for id := range e.removeCache {
		ids[id] = true
	}
	return ids
}

// Get returns the entity for id, consulting removeCache, getCache and
// setCache before falling back to the database.
func (e *Entities[E]) Get(ctx context.Context, id string) (data E, found bool, err error) {
	e.mu.Lock()
	if _, removed := e.removeCache[id]; removed {
		e.mu.Unlock()
		return data, false, nil
	}
	if v, ok := e.getCache.Get(id); ok {
		e.mu.Unlock()
		e.events.CacheLookup(e.schema.Table, true)
		return v.Value, v.Found, nil
	}
	if sv, ok := e.setCache[id]; ok {
		latest, ok := sv.GetLatest()
		e.mu.Unlock()
		if ok {
			e.events.CacheLookup(e.schema.Table, true)
			return latest, true, nil
		}
	} else {
		e.mu.Unlock()
	}

	e.events.CacheLookup(e.schema.Table, false)
	var (
		row     db.Row
		dbFound bool
	)
	if e.historical {
		// Several versions of id may exist; only the open-range row is
		// current.
		row, dbFound, err = e.repo.FindAsOf(ctx, e.schema.Table, e.schema.Columns, e.idColumn, e.rangeCol, id, chainmath.MaxInt64)
	} else {
		row, dbFound, err = e.repo.FindByPK(ctx, e.schema.Table, e.schema.Columns, id)
	}
	if err != nil {
		return data, false, err
	}
	found = dbFound
	e.mu.Lock()
	defer e.mu.Unlock()
	if !found {
		e.getCache.Set(id, recency.Maybe[E]{Found: false})
		return data, false, nil
	}
	decoded := e.schema.Decode(row)
	e.getCache.Set(id, recency.Maybe[E]{Value: decoded, Found: true})
	return decoded, true, nil
}

// GetAsOf answers a point-in-time query: the version of id valid at
// height, which may differ from the current live version once later
// heights have been indexed. Historical mode only — the per-id
// version history that makes this possible does not exist in
// non-historical mode, where only the latest value is ever kept.
//
// A pending (not yet flushed) version covering height is served from
// setCache directly; otherwise the lookup falls through to the
// database via an AsOfReader rebound to height, since the recency
// cache only ever holds the *current* value for id, not its history.
func (e *Entities[E]) GetAsOf(ctx context.Context, id string, height uint64) (data E, found bool, err error) {
	if !e.historical {
		panic(programmerErrorf("store: GetAsOf(%s) called on a non-historical Entities[%s]", id, e.schema.Table))
	}
	e.mu.Lock()
	if sv, ok := e.setCache[id]; ok {
		for _, v := range sv.GetValues() {
			if height >= v.Start && (v.Open() || height < v.End) {
				e.mu.Unlock()
				return v.Data, true, nil
			}
		}
	}
	e.mu.Unlock()

	e.asOf.SetHeight(int64(height))
	row, found, err := e.asOf.Find(ctx, e.schema.Table, e.schema.Columns, e.idColumn, e.rangeCol, id)
	if err != nil || !found {
		return data, false, err
	}
	return e.schema.Decode(row), true, nil
}

// GetByField returns entities matching field=value, windowed by page,
// merging in-memory state with a residual DB query.
func (e *Entities[E]) GetByField(ctx context.Context, field string, value any, page Page) ([]E, error) {
	e.mu.Lock()
	var inMemory []E
	seen := make(map[string]bool)
	for id, sv := range e.setCache {
		if _, removed := e.removeCache[id]; removed {
			continue
		}
		if sv.IsMatchData(func(d E) any { v, _ := e.schema.FieldValue(d, field); return v }, value) {
			latest, ok := sv.GetLatest()
			if ok {
				inMemory = append(inMemory, latest)
				seen[id] = true
			}
		}
	}
	e.getCache.ForEach(func(id string, m recency.Maybe[E]) bool {
		if seen[id] || !m.Found {
			return true
		}
		if _, removed := e.removeCache[id]; removed {
			return true
		}
		v, ok := e.schema.FieldValue(m.Value, field)
		if ok && v == value {
			inMemory = append(inMemory, m.Value)
			seen[id] = true
		}
		return true
	})
	excluded := e.allCachedIDs()
	e.mu.Unlock()

	sort.Slice(inMemory, func(i, j int) bool { return inMemory[i].EntityID() < inMemory[j].EntityID() })

	var windowed []E
	if page.Offset < len(inMemory) {
		end := len(inMemory)
		if page.Limit > 0 && page.Offset+page.Limit < end {
			end = page.Offset + page.Limit
		}
		windowed = append(windowed, inMemory[page.Offset:end]...)
	}
	remaining := 0 // no limit
	if page.Limit > 0 {
		remaining = page.Limit - len(windowed)
		if remaining <= 0 {
			return windowed, nil
		}
	}
	dbOffset := page.Offset - len(inMemory)
	if dbOffset < 0 {
		dbOffset = 0
	}

	excludeIDs := make([]string, 0, len(excluded))
	for id := range excluded {
		excludeIDs = append(excludeIDs, id)
	}
	where := db.Where{
		{Column: field, Op: db.Eq, Value: value},
		{Column: e.idColumn, Op: db.NotIn, Value: excludeIDs},
	}
	if e.historical {
		where = append(where, db.Predicate{Column: e.rangeCol, Op: db.Live})
	}
	rows, err := e.repo.FindAllWhere(ctx, e.schema.Table, e.schema.Columns, where, remaining, dbOffset)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, row := range rows {
		decoded := e.schema.Decode(row)
		e.getCache.Set(decoded.EntityID(), recency.Maybe[E]{Value: decoded, Found: true})
		windowed = append(windowed, decoded)
	}
	return windowed, nil
}

// GetOneByField returns the first entity matching field=value.
func (e *Entities[E]) GetOneByField(ctx context.Context, field string, value any) (data E, found bool, err error) {
	if field == e.idColumn {
		id, ok := value.(string)
		if !ok {
			return data, false, fmt.Errorf("store: GetOneByField(id, ...): value must be a string")
		}
		return e.Get(ctx, id)
	}
	rows, err := e.GetByField(ctx, field, value, Page{Limit: 1})
	if err != nil || len(rows) == 0 {
		return data, false, err
	}
	return rows[0], true, nil
}

// CountOptions configures Count's distinct-column behaviour.
type CountOptions struct {
	Distinct string
}

// Count returns the number of entities matching field=value (or all,
// if field is empty), combining the in-memory and DB counts.
func (e *Entities[E]) Count(ctx context.Context, field string, value any, opt CountOptions) (int64, error) {
	e.mu.Lock()
	var inMemory int64
	counted := make(map[string]bool)
	for id, sv := range e.setCache {
		if _, removed := e.removeCache[id]; removed {
			continue
		}
		if field == "" || sv.IsMatchData(func(d E) any { v, _ := e.schema.FieldValue(d, field); return v }, value) {
			inMemory++
			counted[id] = true
		}
	}
	e.getCache.ForEach(func(id string, m recency.Maybe[E]) bool {
		if counted[id] || !m.Found {
			return true
		}
		if _, removed := e.removeCache[id]; removed {
			return true
		}
		if _, pending := e.setCache[id]; pending {
			return true
		}
		if field == "" {
			inMemory++
			return true
		}
		v, ok := e.schema.FieldValue(m.Value, field)
		if ok && v == value {
			inMemory++
		}
		return true
	})
	excluded := e.allCachedIDs()
	e.mu.Unlock()

	excludeIDs := make([]string, 0, len(excluded))
	for id := range excluded {
		excludeIDs = append(excludeIDs, id)
	}
	var where db.Where
	if field != "" {
		where = append(where, db.Predicate{Column: field, Op: db.Eq, Value: value})
	}
	where = append(where, db.Predicate{Column: e.idColumn, Op: db.NotIn, Value: excludeIDs})
	if e.historical {
		where = append(where, db.Predicate{Column: e.rangeCol, Op: db.Live})
	}

	dbCount, err := e.repo.CountWhere(ctx, e.schema.Table, where, opt.Distinct)
	if err != nil {
		return 0, err
	}
	return inMemory + dbCount, nil
}

// Set upserts data at height h. Updates to an entity already mutated
// at a later height than h are a programmer error (version.Set
// enforces this).
func (e *Entities[E]) Set(id string, data E, h uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setLocked(id, data, h)
}

func (e *Entities[E]) setLocked(id string, data E, h uint64) {
	sv, ok := e.setCache[id]
	if !ok {
		sv = &version.SetValueModel[E]{}
		e.setCache[id] = sv
	}
	sv.Set(data, h)
	e.getCache.Set(id, recency.Maybe[E]{Value: data, Found: true})
	delete(e.removeCache, id)
	if !e.writtenThisFlush[id] {
		e.writtenThisFlush[id] = true
		e.counter++
	}
}

// BulkCreate is repeated Set over data, all at height h.
func (e *Entities[E]) BulkCreate(data []E, h uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range data {
		e.setLocked(d.EntityID(), d, h)
	}
}

// BulkUpdate is repeated Set over data, all at height h. Partial-field
// updates are not supported: fields must be empty.
func (e *Entities[E]) BulkUpdate(data []E, h uint64, fields []string) {
	if len(fields) > 0 {
		panic(programmerErrorf("store: BulkUpdate does not support a partial field list (got %v)", fields))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range data {
		e.setLocked(d.EntityID(), d, h)
	}
}

// Remove marks id as removed as of height h. Idempotent: a second
// Remove at the same or a later height is a no-op.
func (e *Entities[E]) Remove(id string, h uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, already := e.removeCache[id]; already {
		return
	}
	e.removeCache[id] = h
	e.getCache.Delete(id)
	if sv, ok := e.setCache[id]; ok {
		sv.MarkAsRemoved(h)
	}
	if !e.writtenThisFlush[id] {
		e.writtenThisFlush[id] = true
		e.counter++
	}
}

// IsFlushable reports whether any writes are pending.
func (e *Entities[E]) IsFlushable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.setCache) > 0 || len(e.removeCache) > 0
}

// RecordCount is the number of distinct ids written since the last
// flush.
func (e *Entities[E]) RecordCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

// Flush stages this model's pending writes against tx, clears its
// caches, and returns a closure performing the actual DB round trips.
func (e *Entities[E]) Flush(ctx context.Context, tx db.Tx) (func() error, error) {
	e.mu.Lock()
	setCache := e.setCache
	removeCache := e.removeCache
	e.setCache = make(map[string]*version.SetValueModel[E])
	e.removeCache = make(map[string]uint64)
	e.writtenThisFlush = make(map[string]bool)
	e.counter = 0
	e.mu.Unlock()

	if e.historical {
		return e.flushHistorical(ctx, tx, setCache, removeCache), nil
	}
	return e.flushLatest(ctx, tx, setCache, removeCache), nil
}

func (e *Entities[E]) flushHistorical(ctx context.Context, tx db.Tx, setCache map[string]*version.SetValueModel[E], removeCache map[string]uint64) func() error {
	return func() error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return e.closePrevious(gctx, tx, setCache, removeCache) })
		g.Go(func() error { return e.bulkInsertVersions(gctx, tx, setCache) })
		return g.Wait()
	}
}

func (e *Entities[E]) closePrevious(ctx context.Context, tx db.Tx, setCache map[string]*version.SetValueModel[E], removeCache map[string]uint64) error {
	for id, sv := range setCache {
		values := sv.GetValues()
		if len(values) == 0 {
			continue
		}
		firstStart := values[0].Start
		if firstStart == 0 {
			continue // no predecessor row can exist below height 0
		}
		if err := e.repo.CloseRange(ctx, tx, e.schema.Table, e.idColumn, e.rangeCol, id, int64(firstStart)-1, int64(firstStart)); err != nil {
			return fmt.Errorf("store: close-previous(%s): %w", id, err)
		}
	}
	for id, removedAt := range removeCache {
		if _, alsoSet := setCache[id]; alsoSet {
			continue // MarkAsRemoved already folded into that id's versions
		}
		if removedAt == 0 {
			continue
		}
		if err := e.repo.CloseRange(ctx, tx, e.schema.Table, e.idColumn, e.rangeCol, id, int64(removedAt)-1, int64(removedAt)); err != nil {
			return fmt.Errorf("store: close-previous-remove(%s): %w", id, err)
		}
	}
	return nil
}

func (e *Entities[E]) bulkInsertVersions(ctx context.Context, tx db.Tx, setCache map[string]*version.SetValueModel[E]) error {
	if len(setCache) == 0 {
		return nil
	}
	columns := append(append([]string{}, e.schema.Columns...), e.rangeCol)
	var rows [][]any
	for _, sv := range setCache {
		for _, v := range sv.GetValues() {
			row := append([]any{}, e.schema.Row(v.Data)...)
			row = append(row, db.Range{Lo: int64(v.Start), Hi: int64(v.End), HiInf: v.Open()})
			rows = append(rows, row)
		}
	}
	if err := e.repo.BulkInsert(ctx, tx, e.schema.Table, columns, rows); err != nil {
		return fmt.Errorf("store: bulk-insert-versions: %w", err)
	}
	return nil
}

func (e *Entities[E]) flushLatest(ctx context.Context, tx db.Tx, setCache map[string]*version.SetValueModel[E], removeCache map[string]uint64) func() error {
	return func() error {
		g, gctx := errgroup.WithContext(ctx)
		if len(setCache) > 0 {
			g.Go(func() error {
				var rows [][]any
				for _, sv := range setCache {
					latest, ok := sv.GetLatest()
					if !ok {
						continue
					}
					rows = append(rows, e.schema.Row(latest))
				}
				updateCols := make([]string, 0, len(e.schema.Columns))
				for _, c := range e.schema.Columns {
					if c != e.idColumn {
						updateCols = append(updateCols, c)
					}
				}
				if err := e.repo.BulkUpsert(gctx, tx, e.schema.Table, e.schema.Columns, rows, e.idColumn, updateCols); err != nil {
					return fmt.Errorf("store: bulk-upsert: %w", err)
				}
				return nil
			})
		}
		if len(removeCache) > 0 {
			g.Go(func() error {
				ids := make([]string, 0, len(removeCache))
				for id := range removeCache {
					ids = append(ids, id)
				}
				if err := e.repo.DeleteWhere(gctx, tx, e.schema.Table, db.Where{{Column: e.idColumn, Op: db.In, Value: ids}}); err != nil {
					return fmt.Errorf("store: delete-where: %w", err)
				}
				return nil
			})
		}
		return g.Wait()
	}
}

var _ Flushable = (*Entities[idOnly])(nil)

type idOnly struct{ ID string }

func (i idOnly) EntityID() string { return i.ID }
