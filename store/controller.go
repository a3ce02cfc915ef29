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
	"go.uber.org/zap"

	"github.com/chainindex/runtime/db"
	"github.com/chainindex/runtime/telemetry"
)

// Controller owns every cached entity model plus the singleton
// Metadata model, decides when a flush boundary is crossed, and runs
// one atomic flush transaction across all of them (C7). It is the
// capability dispatch.Serial holds a narrow handle to; nothing outside
// this package touches the per-entity models directly.
type Controller struct {
	mu sync.Mutex // serializes Flush; no new flush starts until the prior commits/rolls back

	repo      db.Repository
	entities  []Flushable // flush order: registration order, entities before metadata
	metadata  *Metadata
	threshold int

	events telemetry.Events
	log    *zap.Logger
	fatal  chan error
}

// NewController builds a Controller. threshold is the total pending
// record count across all models that triggers an automatic flush.
func NewController(repo db.Repository, metadata *Metadata, threshold int, events telemetry.Events, log *zap.Logger) *Controller {
	return &Controller{
		repo:      repo,
		metadata:  metadata,
		threshold: threshold,
		events:    events,
		log:       log,
		fatal:     make(chan error, 1),
	}
}

// Register adds an entity model to the controller's flush set. Call
// once per entity type at startup, before any blocks are dispatched.
func (c *Controller) Register(e Flushable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = append(c.entities, e)
}

// Fatal reports unrecoverable flush failures: because caches are
// cleared before the DB transaction commits (the "fire-and-clear"
// design, spec §9), a failed commit leaves no in-memory record of what
// was lost, and the process must be restarted to rebuild state.
func (c *Controller) Fatal() <-chan error { return c.fatal }

func (c *Controller) pendingRecords() int {
	c.mu.Lock()
	entities := append([]Flushable{}, c.entities...)
	c.mu.Unlock()
	total := c.metadata.RecordCount()
	for _, e := range entities {
		total += e.RecordCount()
	}
	return total
}

// MaybeFlush flushes if the pending record count has reached the
// configured threshold, or if force is true (a caller-imposed flush
// boundary; dispatch.Base forces one every blockCadence processed
// blocks and at no other point).
func (c *Controller) MaybeFlush(ctx context.Context, force bool) error {
	if !force && c.pendingRecords() < c.threshold {
		return nil
	}
	return c.Flush(ctx)
}

// Flush runs the atomic flush procedure: open a transaction, flush
// every flushable model (metadata last), await every returned future,
// then commit. Any failure rolls back and is also pushed to Fatal.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	err := c.repo.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var futures []func() error
		for _, e := range c.entities {
			if !e.IsFlushable() {
				continue
			}
			f, err := e.Flush(ctx, tx)
			if err != nil {
				return err
			}
			futures = append(futures, f)
		}
		if c.metadata.IsFlushable() {
			f, err := c.metadata.Flush(ctx, tx)
			if err != nil {
				return err
			}
			futures = append(futures, f)
		}
		if len(futures) == 0 {
			return nil
		}
		var g errgroup.Group
		for _, f := range futures {
			f := f
			g.Go(func() error { return f() })
		}
		return g.Wait()
	})
	c.events.FlushDuration(time.Since(start).Seconds())
	if err != nil {
		c.log.Error("flush failed; in-memory cache state was already cleared and cannot be recovered", zap.Error(err))
		select {
		case c.fatal <- fmt.Errorf("store: flush: %w", err):
		default:
		}
		return err
	}
	return nil
}
