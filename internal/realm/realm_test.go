package realm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/vigil/internal/catalog"
	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/graph"
)

func worldTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := New([]catalog.Realm{
		{Name: "World", Default: true},
		{Name: "Europe", Parent: "World"},
		{Name: "France", Parent: "Europe"},
		{Name: "Asia", Parent: "World"},
	})
	require.NoError(t, err)
	_, err = tree.FillDefault()
	require.NoError(t, err)
	require.NoError(t, tree.Linkify())
	return tree
}

func TestFillDefault(t *testing.T) {
	t.Run("declared default", func(t *testing.T) {
		tree, err := New([]catalog.Realm{{Name: "a"}, {Name: "b", Default: true}})
		require.NoError(t, err)
		created, err := tree.FillDefault()
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "b", tree.Default())
	})

	t.Run("synthesized", func(t *testing.T) {
		tree, err := New(nil)
		require.NoError(t, err)
		created, err := tree.FillDefault()
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, DefaultName, tree.Default())
		assert.True(t, tree.Has(DefaultName))
	})

	t.Run("existing All is promoted", func(t *testing.T) {
		tree, err := New([]catalog.Realm{{Name: "All"}, {Name: "x"}})
		require.NoError(t, err)
		created, err := tree.FillDefault()
		require.NoError(t, err)
		assert.False(t, created)
		r, _ := tree.Get("All")
		assert.True(t, r.Default)
	})

	t.Run("several defaults", func(t *testing.T) {
		tree, err := New([]catalog.Realm{{Name: "a", Default: true}, {Name: "b", Default: true}})
		require.NoError(t, err)
		_, err = tree.FillDefault()
		assert.Error(t, err)
	})
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]catalog.Realm{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)
}

func TestLinkify(t *testing.T) {
	tree := worldTree(t)

	world, ok := tree.Get("World")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"Europe", "Asia"}, world.Children)
	assert.Equal(t, []string{"Asia", "Europe", "France"}, world.AllSubMembers)

	europe, _ := tree.Get("Europe")
	assert.Equal(t, []string{"France"}, europe.AllSubMembers)

	france, _ := tree.Get("France")
	assert.Empty(t, france.AllSubMembers)
}

func TestLinkifyErrors(t *testing.T) {
	t.Run("parent cycle", func(t *testing.T) {
		tree, err := New([]catalog.Realm{
			{Name: "root", Default: true},
			{Name: "a", Parent: "b"},
			{Name: "b", Parent: "a"},
		})
		require.NoError(t, err)
		assert.ErrorIs(t, tree.Linkify(), ErrParentCycle)
	})

	t.Run("unknown parent", func(t *testing.T) {
		tree, err := New([]catalog.Realm{{Name: "a", Parent: "ghost"}})
		require.NoError(t, err)
		assert.ErrorIs(t, tree.Linkify(), ErrUnknownRealm)
	})
}

func TestPrepareSatellites(t *testing.T) {
	tree := worldTree(t)
	err := tree.PrepareSatellites([]cluster.SatelliteInfo{
		{ID: "sched-world", Kind: cluster.KindScheduler, Realm: "World", ManageSubRealms: true},
		{ID: "sched-eu", Kind: cluster.KindScheduler, Realm: "Europe"},
		{ID: "poller-default", Kind: cluster.KindPoller},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"sched-eu"}, tree.Satellites("Europe", cluster.KindScheduler), "direct wins over potential")
	assert.Equal(t, []string{"sched-world"}, tree.Satellites("France", cluster.KindScheduler))
	assert.Equal(t, []string{"sched-world"}, tree.Satellites("Asia", cluster.KindScheduler))
	assert.Equal(t, []string{"poller-default"}, tree.Satellites("World", cluster.KindPoller))
	assert.False(t, tree.Serves("Asia", cluster.KindPoller))

	europe, _ := tree.Get("Europe")
	assert.Equal(t, []string{"sched-world"}, europe.Potential[cluster.KindScheduler])
}

func TestPrepareSatellitesUnknownRealm(t *testing.T) {
	tree := worldTree(t)
	err := tree.PrepareSatellites([]cluster.SatelliteInfo{{ID: "s", Kind: cluster.KindScheduler, Realm: "Mars"}})
	assert.ErrorIs(t, err, ErrUnknownRealm)
}

func TestCovers(t *testing.T) {
	tree := worldTree(t)
	top := cluster.SatelliteInfo{ID: "s1", Realm: "Europe", ManageSubRealms: true}
	flat := cluster.SatelliteInfo{ID: "s2", Realm: "Europe"}

	assert.True(t, tree.Covers(top, "Europe"))
	assert.True(t, tree.Covers(top, "France"))
	assert.False(t, tree.Covers(top, "Asia"))
	assert.False(t, tree.Covers(top, "World"))
	assert.True(t, tree.Covers(flat, "Europe"))
	assert.False(t, tree.Covers(flat, "France"))
	assert.True(t, tree.Covers(cluster.SatelliteInfo{ID: "s3"}, "World"), "no realm means default realm")
}

func TestMissingSatellites(t *testing.T) {
	tree := worldTree(t)
	require.NoError(t, tree.PrepareSatellites([]cluster.SatelliteInfo{
		{ID: "sched-eu", Kind: cluster.KindScheduler, Realm: "Europe"},
	}))
	require.NoError(t, tree.AddPack("Europe", graph.Pack{"h1", "h2"}, 2))
	require.NoError(t, tree.AddPack("Asia", graph.Pack{"h3"}, 1))
	assert.Error(t, tree.AddPack("Mars", graph.Pack{"h4"}, 1))

	missing := tree.MissingSatellites([]cluster.Kind{cluster.KindScheduler, cluster.KindPoller})
	assert.Equal(t, []Missing{
		{Realm: "Europe", Kind: cluster.KindPoller},
		{Realm: "Asia", Kind: cluster.KindScheduler},
		{Realm: "Asia", Kind: cluster.KindPoller},
	}, missing)

	europe, _ := tree.Get("Europe")
	assert.Equal(t, 2, europe.HostsCount)
	assert.Len(t, europe.Packs, 1)
}
