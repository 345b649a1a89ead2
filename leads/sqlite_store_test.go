package leads

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
)

func openTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(path, 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		store := openTestStore(t, filepath.Join(t.TempDir(), "leads.db"))

		stored, err := store.Put(ctx, janeDoe)
		require.NoError(t, err)
		assert.Equal(t, janeDoe, stored)

		got, err := store.Get(ctx, " Jane@Co.com ")
		require.NoError(t, err)
		assert.Equal(t, janeDoe, got)
	})

	t.Run("missing lead", func(t *testing.T) {
		store := openTestStore(t, filepath.Join(t.TempDir(), "leads.db"))
		_, err := store.Get(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, ErrLeadNotFound)

		all, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("upsert replaces and moves to the end", func(t *testing.T) {
		store := openTestStore(t, filepath.Join(t.TempDir(), "leads.db"))
		first := contracts.Lead{Name: "Ann Lee", Email: "ann@co.com"}
		second := contracts.Lead{Name: "Bob Ray", Email: "bob@co.com"}
		updated := first
		updated.CompanyName = "Initech"

		for _, lead := range []contracts.Lead{first, second, updated} {
			_, err := store.Put(ctx, lead)
			require.NoError(t, err)
		}

		all, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []contracts.Lead{second, updated}, all)

		n, err := store.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("survives reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "leads.db")
		store, err := OpenSQLiteStore(path, 1, nil)
		require.NoError(t, err)
		_, err = store.Put(ctx, janeDoe)
		require.NoError(t, err)
		require.NoError(t, store.Close())

		reopened := openTestStore(t, path)
		got, err := reopened.Get(ctx, janeDoe.Email)
		require.NoError(t, err)
		assert.Equal(t, janeDoe, got)
	})

	t.Run("concurrent puts", func(t *testing.T) {
		store := openTestStore(t, filepath.Join(t.TempDir(), "leads.db"))
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Put(ctx, contracts.Lead{Email: fmt.Sprintf("lead%d@co.com", i%5)})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		n, err := store.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("lookup failure is not treated as a new lead", func(t *testing.T) {
		store := openTestStore(t, filepath.Join(t.TempDir(), "leads.db"))
		conn, err := store.pool.Take(ctx)
		require.NoError(t, err)
		require.NoError(t, sqlitex.ExecuteTransient(conn, "DROP TABLE leads", nil))
		store.pool.Put(conn)

		_, err = store.Put(ctx, janeDoe)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrLeadNotFound)
		assert.Contains(t, err.Error(), "lead store: get")
		assert.NotContains(t, err.Error(), "upsert")
	})

	t.Run("path required", func(t *testing.T) {
		_, err := OpenSQLiteStore("", 0, nil)
		assert.Error(t, err)
	})
}
