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

package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainindex/runtime/chain"
	"github.com/chainindex/corelib/queue"
	"github.com/chainindex/runtime/dispatch"
	"github.com/chainindex/runtime/telemetry"
)

func chainResponse() chain.ProcessBlockResponse { return chain.ProcessBlockResponse{} }

func chainResponseWithPoI(input []byte) chain.ProcessBlockResponse {
	return chain.ProcessBlockResponse{ProofOfIndexingInput: input}
}

type fakeController struct {
	calls int
	force []bool
	err   error
}

func (f *fakeController) MaybeFlush(ctx context.Context, force bool) error {
	f.calls++
	f.force = append(f.force, force)
	return f.err
}

type fakePoI struct {
	heights []uint64
	inputs  [][]byte
}

func (f *fakePoI) Submit(height uint64, input []byte) {
	f.heights = append(f.heights, height)
	f.inputs = append(f.inputs, input)
}

func newBase(controller dispatch.CacheController, poi dispatch.ProofOfIndexingSink, blockCadence int) (*dispatch.Base, *queue.Heights) {
	q := queue.New(12)
	return dispatch.NewBase(q, controller, poi, telemetry.NopEvents{}, zap.NewNop(), blockCadence), q
}

func TestPreProcessBlockRejectsOutOfOrderHeight(t *testing.T) {
	base, _ := newBase(&fakeController{}, &fakePoI{}, 0)
	ctx := context.Background()

	require.NoError(t, base.PreProcessBlock(ctx, 10))
	require.NoError(t, base.PostProcessBlock(ctx, 10, chainResponse()))

	require.Panics(t, func() { _ = base.PreProcessBlock(ctx, 10) })
	require.Panics(t, func() { _ = base.PreProcessBlock(ctx, 9) })
}

func TestPostProcessBlockAdvancesWatermarkAndForwardsPoI(t *testing.T) {
	poi := &fakePoI{}
	base, _ := newBase(&fakeController{}, poi, 0)
	ctx := context.Background()

	require.NoError(t, base.PostProcessBlock(ctx, 5, chainResponseWithPoI([]byte("input-5"))))
	require.Equal(t, uint64(5), base.Watermarks().LatestProcessed)
	require.Equal(t, []uint64{5}, poi.heights)
	require.Equal(t, [][]byte{[]byte("input-5")}, poi.inputs)
}

func TestPostProcessBlockForcesFlushOnBlockCadence(t *testing.T) {
	controller := &fakeController{}
	base, _ := newBase(controller, &fakePoI{}, 2)
	ctx := context.Background()

	require.NoError(t, base.PostProcessBlock(ctx, 1, chainResponse()))
	require.NoError(t, base.PostProcessBlock(ctx, 2, chainResponse()))
	require.NoError(t, base.PostProcessBlock(ctx, 3, chainResponse()))

	require.Equal(t, []bool{false, true, false}, controller.force)
}

func TestFlushQueueRewindsBufferedWatermarkAndClearsQueue(t *testing.T) {
	base, q := newBase(&fakeController{}, &fakePoI{}, 0)
	q.PutMany([]uint64{1, 2, 3})
	base.SetBuffered(3)

	base.FlushQueue(0)

	require.Equal(t, 0, q.Size())
	require.Equal(t, uint64(0), base.Watermarks().LatestBuffered)
}

func TestSetBufferedAndSetFinalisedAreMonotone(t *testing.T) {
	base, _ := newBase(&fakeController{}, &fakePoI{}, 0)

	base.SetBuffered(10)
	base.SetBuffered(4) // must not rewind
	require.Equal(t, uint64(10), base.Watermarks().LatestBuffered)

	base.SetFinalised(7)
	base.SetFinalised(3)
	require.Equal(t, uint64(7), base.Watermarks().LatestFinalised)
}

func TestPostProcessBlockPropagatesFlushError(t *testing.T) {
	controller := &fakeController{err: context.Canceled}
	base, _ := newBase(controller, &fakePoI{}, 0)

	err := base.PostProcessBlock(context.Background(), 1, chainResponse())
	require.ErrorIs(t, err, context.Canceled)
}
