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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chainindex/runtime/chain"
	"github.com/chainindex/corelib/queue"
	"github.com/chainindex/corelib/taskrunner"
	"github.com/chainindex/runtime/telemetry"
)

// FatalFunc is invoked when the fetch loop hits an unrecoverable
// error: a failed fetch, or a failed index task while not shutting
// down. The cache state for the height in flight is now untrusted
// (spec §7), so the host is expected to terminate the process.
type FatalFunc func(err error)

const fetchLoopYield = time.Millisecond

// ProfiledFetcher wraps a chain.Fetcher with timing instrumentation,
// used when the profiler config option is enabled.
type ProfiledFetcher struct {
	next   chain.Fetcher
	events telemetry.Events
	log    *zap.Logger
}

// NewProfiledFetcher wraps next so every FetchBlocksBatches call is
// timed and recorded.
func NewProfiledFetcher(next chain.Fetcher, events telemetry.Events, log *zap.Logger) *ProfiledFetcher {
	return &ProfiledFetcher{next: next, events: events, log: log}
}

func (p *ProfiledFetcher) FetchBlocksBatches(ctx context.Context, heights []uint64) ([]chain.Block, error) {
	start := time.Now()
	blocks, err := p.next.FetchBlocksBatches(ctx, heights)
	elapsed := time.Since(start)
	p.events.FetchDuration(elapsed.Seconds())
	p.log.Debug("fetched block batch", zap.Int("count", len(heights)), zap.Duration("elapsed", elapsed), zap.Error(err))
	return blocks, err
}

var _ chain.Fetcher = (*ProfiledFetcher)(nil)

// Serial is the concrete fetch-then-index pipeline (C9): an upstream
// height queue feeding batched fetches, with per-block indexing
// serialised through a taskrunner.Runner.
type Serial struct {
	*Base

	heights   *queue.Heights
	tasks     *taskrunner.Runner
	fetcher   chain.Fetcher
	indexer   chain.Indexer
	batchSize int

	fatal  FatalFunc
	events telemetry.Events
	log    *zap.Logger

	fetching atomic.Bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
}

// NewSerial builds a Serial dispatcher. heights must be the same
// queue.Heights instance passed to NewBase.
func NewSerial(base *Base, heights *queue.Heights, fetcher chain.Fetcher, indexer chain.Indexer, batchSize int, fatal FatalFunc, events telemetry.Events, log *zap.Logger) *Serial {
	loopCtx, loopCancel := context.WithCancel(context.Background())
	return &Serial{
		Base:       base,
		heights:    heights,
		tasks:      taskrunner.New(loopCtx, batchSize*3),
		fetcher:    fetcher,
		indexer:    indexer,
		batchSize:  batchSize,
		fatal:      fatal,
		events:     events,
		log:        log,
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
	}
}

// EnqueueBlocks appends heights to the pending-height queue and starts
// (idempotently) the fetch loop. If heights is empty and
// latestBuffered is non-nil, only the watermark advances — the bypass
// path that lets a caller move the watermark across a range it chose
// not to buffer.
func (s *Serial) EnqueueBlocks(heights []uint64, latestBuffered *uint64) {
	if len(heights) == 0 && latestBuffered != nil {
		s.SetBuffered(*latestBuffered)
		return
	}
	if len(heights) == 0 {
		return
	}
	s.heights.PutMany(heights)
	if latestBuffered != nil {
		s.SetBuffered(*latestBuffered)
	} else {
		s.SetBuffered(heights[len(heights)-1])
	}
	s.startFetchLoop()
}

// FlushQueue discards buffered heights and the C2 backlog together —
// a mid-pipeline cancellation must clear both or the in-flight
// indexing tasks for heights from before the flush would still run
// (spec §9 Open Questions).
func (s *Serial) FlushQueue(height uint64) {
	s.Base.FlushQueue(height)
	s.tasks.Flush()
}

// OnApplicationShutdown marks the dispatcher shut down and aborts the
// task runner; the fetch loop exits at its next check.
func (s *Serial) OnApplicationShutdown() {
	s.MarkShutdown()
	s.loopCancel()
	s.tasks.Abort()
}

func (s *Serial) startFetchLoop() {
	if !s.fetching.CompareAndSwap(false, true) {
		return
	}
	go s.fetchLoop()
}

func (s *Serial) fetchLoop() {
	defer func() {
		s.fetching.Store(false)
		// An EnqueueBlocks racing this exit may have appended heights and
		// lost the CompareAndSwap; restart rather than strand them.
		if !s.IsShutdown() && s.heights.Size() > 0 {
			s.startFetchLoop()
		}
	}()
	for {
		if s.IsShutdown() {
			return
		}

		n := min(s.batchSize, s.tasks.FreeSpace())
		var taken []uint64
		if n > 0 {
			taken = s.heights.TakeMany(n)
		}
		if len(taken) == 0 {
			if s.heights.Size() > 0 {
				if !s.sleepYield() {
					return
				}
				continue
			}
			return
		}

		pre := s.Buffered()
		blocks, err := s.fetcher.FetchBlocksBatches(s.loopCtx, taken)
		if err != nil {
			if s.IsShutdown() {
				return
			}
			s.log.Error("fetch failed; terminating", zap.Error(err), zap.Uint64s("heights", taken))
			s.fatal(fmt.Errorf("dispatch: fetch heights %v: %w", taken, err))
			return
		}

		if s.isStale(pre, taken) {
			s.log.Debug("discarding stale batch after queue flush", zap.Uint64s("heights", taken))
			continue
		}

		chans := s.submitBatch(blocks)
		s.events.QueueSize("heights", s.heights.Size())
		go s.watchBatch(chans)
	}
}

// isStale implements the fetch loop's staleness check (spec §4.9): a
// queue flush that raced with the in-flight fetch either rewound the
// buffered watermark below its pre-fetch snapshot, or moved the queue
// head behind the batch just fetched.
func (s *Serial) isStale(pre uint64, taken []uint64) bool {
	if pre > s.Buffered() {
		return true
	}
	head, ok := s.heights.Peek()
	if !ok {
		return false
	}
	min := taken[0]
	for _, h := range taken[1:] {
		if h < min {
			min = h
		}
	}
	return head < min
}

func (s *Serial) submitBatch(blocks []chain.Block) []<-chan error {
	tasks := make([]taskrunner.Task, len(blocks))
	for i, blk := range blocks {
		blk := blk
		tasks[i] = func(ctx context.Context) error {
			h := chain.HeightOf(blk)
			if err := s.PreProcessBlock(ctx, h); err != nil {
				return err
			}
			resp, err := s.indexer.IndexBlock(ctx, blk)
			if err != nil {
				return fmt.Errorf("dispatch: IndexBlock(%d): %w", h, err)
			}
			return s.PostProcessBlock(ctx, h, resp)
		}
	}
	return s.tasks.PutMany(tasks)
}

// watchBatch waits for a submitted batch's completion channels and
// escalates a genuine task failure to Fatal, ignoring the
// context.Canceled a Flush/Abort delivers to discarded tasks.
func (s *Serial) watchBatch(chans []<-chan error) {
	for _, ch := range chans {
		err := <-ch
		if err == nil || errors.Is(err, context.Canceled) || s.IsShutdown() {
			continue
		}
		s.log.Error("index task failed; terminating", zap.Error(err))
		s.fatal(err)
		return
	}
}

// sleepYield waits fetchLoopYield, returning false if the loop's
// context was cancelled first (shutdown), so the caller can exit
// promptly instead of waiting out the sleep.
func (s *Serial) sleepYield() bool {
	t := time.NewTimer(fetchLoopYield)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.loopCtx.Done():
		return false
	}
}
