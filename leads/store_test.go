package leads

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		store := NewMemoryStore(nil)

		stored, err := store.Put(ctx, janeDoe)
		require.NoError(t, err)
		assert.Equal(t, janeDoe, stored)

		got, err := store.Get(ctx, "jane@co.com")
		require.NoError(t, err)
		assert.Equal(t, janeDoe, got)
	})

	t.Run("get is case insensitive", func(t *testing.T) {
		store := NewMemoryStore(nil)
		_, err := store.Put(ctx, janeDoe)
		require.NoError(t, err)

		got, err := store.Get(ctx, " Jane@Co.com ")
		require.NoError(t, err)
		assert.Equal(t, janeDoe.Name, got.Name)
	})

	t.Run("missing lead", func(t *testing.T) {
		store := NewMemoryStore(nil)
		_, err := store.Get(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, ErrLeadNotFound)
	})

	t.Run("upsert replaces and moves to the end", func(t *testing.T) {
		store := NewMemoryStore(nil)
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
		assert.Equal(t, 2, store.Len())
	})

	t.Run("list returns a copy", func(t *testing.T) {
		store := NewMemoryStore(nil)
		_, err := store.Put(ctx, janeDoe)
		require.NoError(t, err)

		all, _ := store.List(ctx)
		all[0].Name = "changed"

		got, _ := store.Get(ctx, janeDoe.Email)
		assert.Equal(t, "Jane Doe", got.Name)
	})

	t.Run("concurrent puts", func(t *testing.T) {
		store := NewMemoryStore(nil)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _ = store.Put(ctx, contracts.Lead{Email: fmt.Sprintf("lead%d@co.com", i%10)})
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 10, store.Len())
	})
}
