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

// Package dispatch implements the block dispatch pipeline: height
// bookkeeping and flush gating (Base, C8) wired into the concrete
// fetch/index pipeline (Serial, C9).
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/chainindex/runtime/chain"
	"github.com/chainindex/corelib/queue"
	"github.com/chainindex/runtime/telemetry"
)

// ProgrammerError marks a dispatcher-contract violation — calling code
// indexed out of order — as distinct from a runtime failure.
type ProgrammerError struct{ msg string }

func (e ProgrammerError) Error() string { return e.msg }

// CacheController is the narrow capability Base needs from the store
// controller: the ability to decide and run a flush. It deliberately
// excludes every per-entity accessor so the dispatcher cannot reach
// into cache internals (composition over the cyclic ownership the
// source exhibits between dispatcher and controller).
type CacheController interface {
	MaybeFlush(ctx context.Context, force bool) error
}

// ProofOfIndexingSink receives the opaque proof-of-indexing input a
// user handler produces for a block, if any. Its hashing/accumulation
// logic is out of scope; Base only forwards to it.
type ProofOfIndexingSink interface {
	Submit(height uint64, input []byte)
}

// Watermarks is a point-in-time snapshot of C8's three progress
// markers.
type Watermarks struct {
	LatestProcessed uint64
	LatestBuffered  uint64
	LatestFinalised uint64
}

// Base holds the height queue and watermark bookkeeping shared by any
// concrete dispatcher, plus the pre/post-block hooks around one
// indexing task.
type Base struct {
	mu sync.Mutex

	queue *queue.Heights

	latestProcessed uint64
	latestBuffered  uint64
	latestFinalised uint64
	everProcessed   bool

	blockCadence      int
	heightsSinceFlush int

	controller CacheController
	poi        ProofOfIndexingSink
	events     telemetry.Events
	log        *zap.Logger

	shutdown atomic.Bool
}

// NewBase constructs a Base dispatcher. blockCadence, if positive,
// forces a flush every blockCadence processed blocks in addition to
// the controller's own record-count threshold.
func NewBase(q *queue.Heights, controller CacheController, poi ProofOfIndexingSink, events telemetry.Events, log *zap.Logger, blockCadence int) *Base {
	return &Base{
		queue:        q,
		controller:   controller,
		poi:          poi,
		events:       events,
		log:          log,
		blockCadence: blockCadence,
	}
}

// Watermarks returns a snapshot of the current progress markers.
func (b *Base) Watermarks() Watermarks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Watermarks{
		LatestProcessed: b.latestProcessed,
		LatestBuffered:  b.latestBuffered,
		LatestFinalised: b.latestFinalised,
	}
}

// Buffered returns the current buffered-height watermark.
func (b *Base) Buffered() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestBuffered
}

// SetBuffered advances the buffered-height watermark if h is greater
// than the current value; EnqueueBlocks uses this when it appends new
// heights, and the empty-heights bypass path uses it to move the
// watermark without touching the queue.
func (b *Base) SetBuffered(h uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h > b.latestBuffered {
		b.latestBuffered = h
	}
}

// SetFinalised records upstream's latest irreversible height.
func (b *Base) SetFinalised(h uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h > b.latestFinalised {
		b.latestFinalised = h
	}
}

// FlushQueue truncates the pending-height queue and rewinds the
// buffered watermark to height — the primary cancellation primitive
// (spec §5): any fetch currently in flight will observe this via the
// staleness check and discard its batch.
func (b *Base) FlushQueue(height uint64) {
	b.queue.Flush()
	b.mu.Lock()
	b.latestBuffered = height
	b.mu.Unlock()
}

// PreProcessBlock asserts height arrives in order and emits a progress
// event. Called immediately before a block's user handler runs.
func (b *Base) PreProcessBlock(ctx context.Context, height uint64) error {
	b.mu.Lock()
	if b.everProcessed && height <= b.latestProcessed {
		b.mu.Unlock()
		panic(ProgrammerError{msg: fmt.Sprintf("dispatch: PreProcessBlock(%d) does not exceed latestProcessed %d", height, b.latestProcessed)})
	}
	b.mu.Unlock()
	b.events.Progress(height)
	return nil
}

// PostProcessBlock applies a completed block's response, advances the
// processed watermark, and triggers a flush if a boundary was crossed.
func (b *Base) PostProcessBlock(ctx context.Context, height uint64, resp chain.ProcessBlockResponse) error {
	if len(resp.ProofOfIndexingInput) > 0 && b.poi != nil {
		b.poi.Submit(height, resp.ProofOfIndexingInput)
	}
	// Dynamic datasource additions are threaded back to the caller via
	// resp; registering them with a loader is out of scope here (see
	// chain.DatasourceAddition doc comment).

	b.mu.Lock()
	b.latestProcessed = height
	b.everProcessed = true
	b.heightsSinceFlush++
	force := b.blockCadence > 0 && b.heightsSinceFlush >= b.blockCadence
	if force {
		b.heightsSinceFlush = 0
	}
	b.mu.Unlock()

	if err := b.controller.MaybeFlush(ctx, force); err != nil {
		return fmt.Errorf("dispatch: flush after height %d: %w", height, err)
	}
	return nil
}

// IsShutdown reports whether OnApplicationShutdown has been called.
func (b *Base) IsShutdown() bool { return b.shutdown.Load() }

// MarkShutdown records a shutdown request; concrete dispatchers check
// IsShutdown at every yield point.
func (b *Base) MarkShutdown() { b.shutdown.Store(true) }
