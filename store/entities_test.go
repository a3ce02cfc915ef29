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

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainindex/runtime/db"
	"github.com/chainindex/runtime/db/dbtest"
	"github.com/chainindex/runtime/store"
)

type account struct {
	ID      string `db:"id"`
	Balance int64  `db:"balance"`
}

func (a account) EntityID() string { return a.ID }

func newAccounts(t *testing.T, repo db.Repository, historical bool) *store.Entities[account] {
	t.Helper()
	schema := store.BuildSchema[account]("accounts")
	return store.NewEntities[account](schema, repo, store.Options{Historical: historical})
}

func TestEntitiesSetGetBeforeFlush(t *testing.T) {
	repo := dbtest.New()
	accounts := newAccounts(t, repo, false)

	accounts.Set("alice", account{ID: "alice", Balance: 100}, 1)

	got, found, err := accounts.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(100), got.Balance)
	require.Equal(t, 1, accounts.RecordCount())
}

func TestEntitiesFlushLatestUpsertsAndDeletes(t *testing.T) {
	repo := dbtest.New()
	accounts := newAccounts(t, repo, false)

	accounts.Set("alice", account{ID: "alice", Balance: 100}, 1)
	accounts.Set("bob", account{ID: "bob", Balance: 50}, 1)
	require.True(t, accounts.IsFlushable())

	ctx := context.Background()
	err := repo.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		future, err := accounts.Flush(ctx, tx)
		require.NoError(t, err)
		return future()
	})
	require.NoError(t, err)
	require.False(t, accounts.IsFlushable())
	require.Equal(t, 0, accounts.RecordCount())

	rows := repo.Rows("accounts")
	require.Len(t, rows, 2)

	// A fresh cache over the same repo must see the flushed rows.
	fresh := newAccounts(t, repo, false)
	got, found, err := fresh.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(100), got.Balance)

	// Update alice and remove bob in the next flush.
	accounts.Set("alice", account{ID: "alice", Balance: 150}, 2)
	accounts.Remove("bob", 2)
	err = repo.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		future, err := accounts.Flush(ctx, tx)
		require.NoError(t, err)
		return future()
	})
	require.NoError(t, err)

	rows = repo.Rows("accounts")
	require.Len(t, rows, 1)
	require.Equal(t, "alice", rows[0]["id"])
	require.Equal(t, int64(150), rows[0]["balance"])
}

func TestEntitiesRemoveIsIdempotent(t *testing.T) {
	repo := dbtest.New()
	accounts := newAccounts(t, repo, false)

	accounts.Set("alice", account{ID: "alice", Balance: 100}, 1)
	ctx := context.Background()
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		future, err := accounts.Flush(ctx, tx)
		require.NoError(t, err)
		return future()
	}))

	accounts.Remove("alice", 2)
	accounts.Remove("alice", 3) // no-op: already removed
	require.Equal(t, 1, accounts.RecordCount())

	_, found, err := accounts.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, found)
}

func TestEntitiesHistoricalCloseAndInsertVersions(t *testing.T) {
	repo := dbtest.New()
	accounts := newAccounts(t, repo, true)
	ctx := context.Background()

	accounts.Set("alice", account{ID: "alice", Balance: 100}, 10)
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		future, err := accounts.Flush(ctx, tx)
		require.NoError(t, err)
		return future()
	}))

	rows := repo.Rows("accounts")
	require.Len(t, rows, 1)
	openRange, ok := rows[0]["__block_range"].(db.Range)
	require.True(t, ok)
	require.True(t, openRange.HiInf)
	require.Equal(t, int64(10), openRange.Lo)

	// A later Set must close the previous version and open a new one.
	accounts.Set("alice", account{ID: "alice", Balance: 200}, 20)
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		future, err := accounts.Flush(ctx, tx)
		require.NoError(t, err)
		return future()
	}))

	rows = repo.Rows("accounts")
	require.Len(t, rows, 2)

	var closed, open int
	for _, r := range rows {
		rg := r["__block_range"].(db.Range)
		if rg.HiInf {
			open++
			require.Equal(t, int64(20), rg.Lo)
		} else {
			closed++
			require.Equal(t, int64(10), rg.Lo)
			require.Equal(t, int64(20), rg.Hi)
		}
	}
	require.Equal(t, 1, closed)
	require.Equal(t, 1, open)
}

func TestEntitiesHistoricalRemoveClosesLiveRowWithoutInsert(t *testing.T) {
	repo := dbtest.New()
	accounts := newAccounts(t, repo, true)
	ctx := context.Background()

	accounts.Set("alice", account{ID: "alice", Balance: 100}, 1)
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		future, err := accounts.Flush(ctx, tx)
		require.NoError(t, err)
		return future()
	}))

	accounts.Remove("alice", 7)
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		future, err := accounts.Flush(ctx, tx)
		require.NoError(t, err)
		return future()
	}))

	rows := repo.Rows("accounts")
	require.Len(t, rows, 1)
	rg := rows[0]["__block_range"].(db.Range)
	require.False(t, rg.HiInf)
	require.Equal(t, int64(1), rg.Lo)
	require.Equal(t, int64(7), rg.Hi)

	// The id is gone from every live read path.
	fresh := newAccounts(t, repo, true)
	_, found, err := fresh.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, found)
}

func TestEntitiesGetAsOfPointInTimeQuery(t *testing.T) {
	repo := dbtest.New()
	accounts := newAccounts(t, repo, true)
	ctx := context.Background()

	accounts.Set("alice", account{ID: "alice", Balance: 100}, 10)
	accounts.Set("alice", account{ID: "alice", Balance: 200}, 20)

	// Still pending (not flushed): GetAsOf must see both versions from
	// setCache without touching the database.
	got, found, err := accounts.GetAsOf(ctx, "alice", 15)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(100), got.Balance)

	got, found, err = accounts.GetAsOf(ctx, "alice", 20)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(200), got.Balance)

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		future, err := accounts.Flush(ctx, tx)
		require.NoError(t, err)
		return future()
	}))

	// Now flushed and evicted from every in-memory cache: GetAsOf must
	// fall through to the database's block-range query.
	fresh := newAccounts(t, repo, true)
	got, found, err = fresh.GetAsOf(ctx, "alice", 12)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(100), got.Balance)

	got, found, err = fresh.GetAsOf(ctx, "alice", 25)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(200), got.Balance)

	_, found, err = fresh.GetAsOf(ctx, "alice", 5)
	require.NoError(t, err)
	require.False(t, found)
}

func TestEntitiesGetAsOfPanicsOnNonHistorical(t *testing.T) {
	repo := dbtest.New()
	accounts := newAccounts(t, repo, false)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(store.ProgrammerError)
		require.True(t, ok, "expected a store.ProgrammerError, got %T", r)
	}()
	_, _, _ = accounts.GetAsOf(context.Background(), "alice", 1)
}

// seedAccounts flushes rows through a throwaway cache so a test can
// start from a repo that already holds committed state.
func seedAccounts(t *testing.T, repo *dbtest.Repository, rows ...account) {
	t.Helper()
	seeder := newAccounts(t, repo, false)
	ctx := context.Background()
	for _, r := range rows {
		seeder.Set(r.ID, r, 1)
	}
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		future, err := seeder.Flush(ctx, tx)
		require.NoError(t, err)
		return future()
	}))
}

func TestEntitiesGetByFieldMergesCacheAndDatabase(t *testing.T) {
	repo := dbtest.New()
	seedAccounts(t, repo,
		account{ID: "carol", Balance: 5},
		account{ID: "dave", Balance: 5},
		account{ID: "erin", Balance: 7},
	)

	accounts := newAccounts(t, repo, false)
	ctx := context.Background()

	accounts.Set("alice", account{ID: "alice", Balance: 5}, 2)
	accounts.Set("bob", account{ID: "bob", Balance: 9}, 2)
	_, _, err := accounts.Get(ctx, "carol") // warm the read cache
	require.NoError(t, err)
	accounts.Remove("dave", 2)

	got, err := accounts.GetByField(ctx, "balance", int64(5), store.Page{})
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, a := range got {
		ids[i] = a.ID
	}
	// alice from pending writes, carol from the read cache; dave is
	// pending removal and must not resurface via its still-present DB
	// row; bob and erin don't match.
	require.ElementsMatch(t, []string{"alice", "carol"}, ids)

	window, err := accounts.GetByField(ctx, "balance", int64(5), store.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, window, 1)
}

func TestEntitiesGetOneByFieldFallsThroughToDatabase(t *testing.T) {
	repo := dbtest.New()
	seedAccounts(t, repo, account{ID: "erin", Balance: 7})

	accounts := newAccounts(t, repo, false)
	ctx := context.Background()

	got, found, err := accounts.GetOneByField(ctx, "balance", int64(7))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "erin", got.ID)

	_, found, err = accounts.GetOneByField(ctx, "balance", int64(404))
	require.NoError(t, err)
	require.False(t, found)
}

func TestEntitiesCountSpansCacheAndDatabase(t *testing.T) {
	repo := dbtest.New()
	seedAccounts(t, repo,
		account{ID: "carol", Balance: 5},
		account{ID: "dave", Balance: 5},
	)

	accounts := newAccounts(t, repo, false)
	ctx := context.Background()

	accounts.Set("alice", account{ID: "alice", Balance: 5}, 2)
	_, _, err := accounts.Get(ctx, "carol") // now served from the read cache
	require.NoError(t, err)

	n, err := accounts.Count(ctx, "balance", int64(5), store.CountOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(3), n) // alice pending, carol cached, dave in DB

	accounts.Remove("dave", 3)
	n, err = accounts.Count(ctx, "", nil, store.CountOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestEntitiesBulkUpdateRejectsPartialFields(t *testing.T) {
	repo := dbtest.New()
	accounts := newAccounts(t, repo, false)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(store.ProgrammerError)
		require.True(t, ok, "expected a store.ProgrammerError, got %T", r)
	}()
	accounts.BulkUpdate([]account{{ID: "alice", Balance: 1}}, 1, []string{"balance"})
}
