package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/vigil/internal/cluster"
)

func conf(id int, flavor int64, payload string) Conf {
	return Conf{PartID: id, Kind: cluster.KindScheduler, Epoch: 1, Flavor: flavor, Payload: []byte(payload)}
}

func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()
		assert.Empty(t, store.List())
		assert.Empty(t, store.Managed())
		_, err := store.Get(0)
		assert.ErrorIs(t, err, ErrNotHeld)
	})

	t.Run("replace drops what was held", func(t *testing.T) {
		store := NewMemoryStore()
		store.Replace([]Conf{conf(0, 10, "a"), conf(1, 11, "bb")})
		store.Replace([]Conf{conf(2, 12, "ccc")})

		_, err := store.Get(0)
		assert.ErrorIs(t, err, ErrNotHeld)
		c, err := store.Get(2)
		require.NoError(t, err)
		assert.Equal(t, int64(12), c.Flavor)
		assert.Equal(t, cluster.ManagedConfs{2: 12}, store.Managed())
	})

	t.Run("list is ordered", func(t *testing.T) {
		store := NewMemoryStore()
		store.Replace([]Conf{conf(5, 1, ""), conf(1, 1, ""), conf(3, 1, "")})

		var ids []int
		for _, c := range store.List() {
			ids = append(ids, c.PartID)
		}
		assert.Equal(t, []int{1, 3, 5}, ids)
	})

	t.Run("clear", func(t *testing.T) {
		store := NewMemoryStore()
		store.Replace([]Conf{conf(0, 1, "x")})
		store.Clear()
		assert.Empty(t, store.Managed())
		assert.Equal(t, uint64(2), store.Stats().Replacements)
	})

	t.Run("stats", func(t *testing.T) {
		store := NewMemoryStore()
		store.Replace([]Conf{conf(0, 1, "abc"), conf(1, 1, "de")})
		assert.Equal(t, StoreStats{Confs: 2, Bytes: 5, Replacements: 1}, store.Stats())
	})
}

// TestMemoryStoreCopies checks that payload buffers are never shared.
func TestMemoryStoreCopies(t *testing.T) {
	store := NewMemoryStore()
	payload := []byte("original")
	store.Replace([]Conf{{PartID: 0, Payload: payload}})

	payload[0] = 'X'
	c, err := store.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "original", string(c.Payload), "input is copied")

	c.Payload[0] = 'Y'
	again, _ := store.Get(0)
	assert.Equal(t, "original", string(again.Payload), "output is copied")
}

func TestMemoryStoreConcurrent(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Replace([]Conf{conf(i, int64(i), fmt.Sprintf("part-%d", i))})
		}()
		go func() {
			defer wg.Done()
			_ = store.Managed()
			_ = store.List()
		}()
	}
	wg.Wait()

	assert.Len(t, store.List(), 1, "the last replace wins whole")
	assert.Equal(t, uint64(20), store.Stats().Replacements)
}
