package pack

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/vigil/internal/graph"
)

func hostName(i int) string {
	return fmt.Sprintf("h%02d", i)
}

func normalize(packs [][]string) [][]string {
	out := make([][]string, len(packs))
	for i, p := range packs {
		c := append([]string(nil), p...)
		sort.Strings(c)
		out[i] = c
	}
	return out
}

func equalPacks(n, size int) []graph.Pack {
	packs := make([]graph.Pack, n)
	for i := range packs {
		for j := 0; j < size; j++ {
			packs[i] = append(packs[i], hostName(i*size+j))
		}
	}
	return packs
}

func bucketOf(dist Distribution) map[string]string {
	out := make(map[string]string)
	for _, b := range dist.Buckets {
		for _, h := range b.Hosts {
			out[h] = b.Scheduler
		}
	}
	return out
}

func TestDistributeWeighted(t *testing.T) {
	d := NewDistributor(zap.NewNop())
	scheds := []Scheduler{{ID: "s1", Weight: 1}, {ID: "s2", Weight: 2}}

	dist, err := d.Distribute("All", equalPacks(5, 2), scheds)
	require.NoError(t, err)
	require.Len(t, dist.Buckets, 2)
	assert.False(t, dist.Degraded)

	light := len(dist.Buckets[0].Hosts) / 2
	heavy := len(dist.Buckets[1].Hosts) / 2
	assert.Equal(t, 5, light+heavy)
	assert.InDelta(t, 2*light, heavy, 1)
}

func TestDistributeBiggestFirst(t *testing.T) {
	d := NewDistributor(nil)
	packs := []graph.Pack{{"small"}, {"big-1", "big-2", "big-3"}, {"mid-1", "mid-2"}}

	dist, err := d.Distribute("All", packs, []Scheduler{{ID: "s1"}, {ID: "s2"}, {ID: "s3", Weight: 0}})
	require.NoError(t, err)

	assert.Equal(t, []string{"big-1", "big-2", "big-3"}, dist.Buckets[0].Hosts)
	assert.Equal(t, []string{"mid-1", "mid-2"}, dist.Buckets[1].Hosts)
	assert.Equal(t, []string{"small"}, dist.Buckets[2].Hosts)
}

func TestDistributeStable(t *testing.T) {
	d := NewDistributor(nil)
	scheds := []Scheduler{{ID: "s1", Weight: 2}, {ID: "s2", Weight: 1}, {ID: "s3", Weight: 1}}
	packs := equalPacks(9, 3)

	first, err := d.Distribute("All", packs, scheds)
	require.NoError(t, err)
	second, err := d.Distribute("All", packs, scheds)
	require.NoError(t, err)

	assert.Equal(t, bucketOf(first), bucketOf(second))
}

// TestDistributeAffinity checks that hosts stay on their scheduler when the
// pack order changes between runs.
func TestDistributeAffinity(t *testing.T) {
	d := NewDistributor(nil)
	scheds := []Scheduler{{ID: "s1"}, {ID: "s2"}}

	first, err := d.Distribute("All", []graph.Pack{{"a"}, {"b"}, {"c"}}, scheds)
	require.NoError(t, err)

	second, err := d.Distribute("All", []graph.Pack{{"c"}, {"b"}, {"a"}, {"d"}}, scheds)
	require.NoError(t, err)

	before := bucketOf(first)
	after := bucketOf(second)
	for _, h := range []string{"a", "b", "c"} {
		assert.Equal(t, before[h], after[h], h)
	}
	assert.Contains(t, after, "d")
}

func TestDistributeAffinityDroppedScheduler(t *testing.T) {
	d := NewDistributor(nil)
	_, err := d.Distribute("All", []graph.Pack{{"a"}, {"b"}}, []Scheduler{{ID: "s1"}, {ID: "s2"}})
	require.NoError(t, err)

	dist, err := d.Distribute("All", []graph.Pack{{"a"}, {"b"}}, []Scheduler{{ID: "s1"}})
	require.NoError(t, err)
	require.Len(t, dist.Buckets, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, dist.Buckets[0].Hosts)
}

func TestDistributeAffinityPerRealm(t *testing.T) {
	d := NewDistributor(nil)
	_, err := d.Distribute("eu", []graph.Pack{{"a"}, {"b"}}, []Scheduler{{ID: "s1"}, {ID: "s2"}})
	require.NoError(t, err)

	d.Forget("eu")
	dist, err := d.Distribute("eu", []graph.Pack{{"b"}, {"a"}}, []Scheduler{{ID: "s1"}, {ID: "s2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, dist.Buckets[0].Hosts, "forgotten realm starts from the pool again")
}

func TestDistributeSpares(t *testing.T) {
	d := NewDistributor(nil)

	t.Run("spares are skipped", func(t *testing.T) {
		dist, err := d.Distribute("a", equalPacks(2, 1), []Scheduler{{ID: "spare", Spare: true}, {ID: "s1"}})
		require.NoError(t, err)
		require.Len(t, dist.Buckets, 1)
		assert.Equal(t, "s1", dist.Buckets[0].Scheduler)
	})

	t.Run("only spares", func(t *testing.T) {
		dist, err := d.Distribute("b", equalPacks(2, 1), []Scheduler{{ID: "spare-1", Spare: true}, {ID: "spare-2", Spare: true}})
		require.NoError(t, err)
		assert.True(t, dist.Degraded)
		require.Len(t, dist.Buckets, 1)
		assert.Equal(t, "spare-1", dist.Buckets[0].Scheduler)
		assert.Len(t, dist.Buckets[0].Hosts, 2)
	})

	t.Run("no scheduler", func(t *testing.T) {
		_, err := d.Distribute("c", equalPacks(1, 1), nil)
		assert.ErrorIs(t, err, ErrNoScheduler)
	})

	t.Run("no scheduler and no host", func(t *testing.T) {
		dist, err := d.Distribute("d", nil, nil)
		require.NoError(t, err)
		assert.Empty(t, dist.Buckets)
	})
}
