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

// Package chain defines the seam between the dispatch pipeline and its
// external collaborators: the network-specific block fetcher and the
// user-supplied handler dispatch. Neither is implemented here — that is
// out of scope (see spec §1 Non-goals) — only the interfaces the core
// depends on.
package chain

import "context"

// Block is an opaque chain block as returned by a Fetcher. The dispatch
// pipeline never inspects its contents; it only needs the block's height.
type Block interface {
	Height() uint64
}

// DatasourceAddition describes a dynamic datasource a user handler asked
// to be registered as a side effect of indexing a block. The pipeline
// threads these back out to the caller via ProcessBlockResponse; it does
// not interpret them (dynamic datasource discovery is out of scope).
type DatasourceAddition struct {
	Kind      string
	StartsAt  uint64
	Arguments map[string]string
}

// ProcessBlockResponse is what a user handler returns after indexing one
// block: any dynamic datasources it asked to add, and an opaque
// proof-of-indexing input the dispatcher forwards to its PoI sink.
type ProcessBlockResponse struct {
	DatasourceAdditions  []DatasourceAddition
	ProofOfIndexingInput []byte
}

// Fetcher retrieves a batch of blocks by height. Implementations must
// return blocks in the same order as requested; a partial or reordered
// result is a Fetcher bug, not something the pipeline corrects for.
type Fetcher interface {
	FetchBlocksBatches(ctx context.Context, heights []uint64) ([]Block, error)
}

// Indexer dispatches one block to user handler code, which may itself
// read and write through the entity/metadata store.
type Indexer interface {
	IndexBlock(ctx context.Context, b Block) (ProcessBlockResponse, error)
}

// HeightOf is the pure projection from a Block to its height, broken out
// as a standalone function (rather than requiring callers to always go
// through the Block interface) for symmetry with the source design's
// getBlockHeight(block) collaborator.
func HeightOf(b Block) uint64 { return b.Height() }
