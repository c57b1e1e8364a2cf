package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/vigil/internal/catalog"
	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/coordinator"
	"github.com/dreamware/vigil/internal/pack"
	"github.com/dreamware/vigil/internal/partition"
	"github.com/dreamware/vigil/internal/satellite"
	"github.com/dreamware/vigil/internal/storage"
)

// TestSystem is an arbiter wired to real satellite daemons served by
// httptest. The dispatch phases are driven by hand with a fake clock.
type TestSystem struct {
	t        *testing.T
	clock    *clockwork.FakeClock
	registry *coordinator.Registry
	disp     *coordinator.Dispatcher
	arbiter  *coordinator.Arbiter
	sats     map[string]*satellite.Satellite
	servers  map[string]*httptest.Server
	handlers map[string]*swapHandler
}

// swapHandler lets a test replace the process behind an address.
type swapHandler struct {
	current atomic.Pointer[http.Handler]
}

func (h *swapHandler) set(next http.Handler) {
	h.current.Store(&next)
}

func (h *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*h.current.Load()).ServeHTTP(w, r)
}

func NewTestSystem(t *testing.T, cat *catalog.Static, cfg partition.Config) *TestSystem {
	t.Helper()
	log := zap.NewNop()
	clock := clockwork.NewFakeClock()
	metrics := coordinator.NewMetrics(prometheus.NewRegistry())
	registry := coordinator.NewRegistry(log, clock, coordinator.RegistryConfig{MaxCheckAttempts: 3, CheckInterval: time.Second})
	client := cluster.NewClient(cluster.ClientConfig{PingTimeout: time.Second, PushTimeout: 5 * time.Second})
	disp := coordinator.NewDispatcher(log, clock, client, registry, metrics, coordinator.DispatcherConfig{})

	ts := &TestSystem{
		t:        t,
		clock:    clock,
		registry: registry,
		disp:     disp,
		sats:     make(map[string]*satellite.Satellite),
		servers:  make(map[string]*httptest.Server),
		handlers: make(map[string]*swapHandler),
	}

	// Satellites listen before the arbiter learns their addresses.
	for i, info := range cfg.Satellites {
		cfg.Satellites[i].Addr = ts.StartSatellite(info)
	}
	source := coordinator.SourceFunc(func(context.Context) (catalog.Catalog, partition.Config, error) {
		return cat, cfg, nil
	})
	ts.arbiter = coordinator.NewArbiter(log, source, partition.New(log, pack.NewDistributor(log)), disp, registry, metrics)
	return ts
}

// StartSatellite starts a fresh satellite process for info and returns its
// address. A previous instance with the same id is stopped.
func (ts *TestSystem) StartSatellite(info cluster.SatelliteInfo) string {
	ts.StopSatellite(info.ID)
	sat := satellite.New(zap.NewNop(), ts.clock, info, storage.NewMemoryStore(), nil)
	h := &swapHandler{}
	h.set(sat.Handler())
	srv := httptest.NewServer(h)
	ts.t.Cleanup(srv.Close)
	ts.sats[info.ID] = sat
	ts.servers[info.ID] = srv
	ts.handlers[info.ID] = h
	return srv.URL
}

// RestartInPlace replaces a satellite by a fresh process on the same
// address.
func (ts *TestSystem) RestartInPlace(id string) *satellite.Satellite {
	fresh := satellite.New(zap.NewNop(), ts.clock, ts.sats[id].Info(), nil, nil)
	ts.handlers[id].set(fresh.Handler())
	ts.sats[id] = fresh
	return fresh
}

func (ts *TestSystem) StopSatellite(id string) {
	if srv, ok := ts.servers[id]; ok {
		srv.Close()
		delete(ts.servers, id)
	}
}

// Tick advances the clock past the check interval and runs one liveness
// round.
func (ts *TestSystem) Tick() {
	ts.clock.Advance(time.Second)
	ts.disp.Health().CheckDue(context.Background())
}

func (ts *TestSystem) heldBy(id string) cluster.ManagedConfs {
	return ts.sats[id].Managed()
}

func scheduler(id, realm string) cluster.SatelliteInfo {
	return cluster.SatelliteInfo{ID: id, Kind: cluster.KindScheduler, Realm: realm, Weight: 1}
}

func testCatalog(t *testing.T) *catalog.Static {
	t.Helper()
	cat, err := catalog.NewStatic(
		[]catalog.Host{
			{ID: "router", Realm: "eu"},
			{ID: "web-1", Realm: "eu", Parents: []string{"router"}},
			{ID: "db-1", Realm: "eu"},
			{ID: "db-2", Realm: "eu", Parents: []string{"db-1"}},
		},
		[]catalog.Service{
			{ID: "web-1/http", HostID: "web-1"},
			{ID: "db-1/mysql", HostID: "db-1"},
		},
		[]catalog.Realm{{Name: "All", Default: true}, {Name: "eu", Parent: "All"}},
		nil, nil,
	)
	require.NoError(t, err)
	return cat
}

func TestDispatchEndToEnd(t *testing.T) {
	ctx := context.Background()
	broker := cluster.SatelliteInfo{ID: "broker-1", Kind: cluster.KindBroker, Realm: "All", ManageSubRealms: true}
	ts := NewTestSystem(t, testCatalog(t), partition.Config{
		Satellites:    []cluster.SatelliteInfo{scheduler("sched-1", "eu"), scheduler("sched-2", "eu"), broker},
		RequiredKinds: []cluster.Kind{cluster.KindScheduler},
	})

	res, err := ts.arbiter.Reload(ctx)
	require.NoError(t, err)
	require.Len(t, res.Parts, 2, "two independent packs over two schedulers")

	ts.Tick()
	require.Empty(t, ts.disp.Assign(ctx))

	// Every part is held by exactly one scheduler, with the flavor the
	// arbiter recorded.
	holders := map[int]string{}
	for _, st := range ts.disp.Parts().Statuses() {
		require.Equal(t, coordinator.PartAssigned, st.State)
		holders[st.PartID] = st.Scheduler
		assert.Equal(t, cluster.ManagedConfs{st.PartID: st.Flavor}, ts.heldBy(st.Scheduler))
	}
	assert.NotEqual(t, holders[0], holders[1])

	// The broker covers eu through manage_sub_realms and sees both parts.
	assert.Len(t, ts.heldBy("broker-1"), 2)
	assert.Zero(t, ts.disp.Reconcile(ctx))

	// sched-1 goes away: its part is freed once it is declared dead and
	// cannot move while sched-2 is busy.
	lost := -1
	for id, s := range holders {
		if s == "sched-1" {
			lost = id
		}
	}
	require.GreaterOrEqual(t, lost, 0)
	ts.StopSatellite("sched-1")
	for i := 0; i < 3; i++ {
		ts.Tick()
	}
	link, _ := ts.registry.Get("sched-1")
	require.False(t, link.Alive)

	fatal := ts.disp.Assign(ctx)
	require.Len(t, fatal, 1)
	assert.Len(t, ts.heldBy("broker-1"), 1, "the broker view drops the dead scheduler")

	// sched-1 comes back as a new process on a new address.
	info := scheduler("sched-1", "eu")
	info.Addr = ts.StartSatellite(info)
	require.NoError(t, ts.arbiter.Register(cluster.RegisterRequest{Satellite: info, RunningID: ts.sats["sched-1"].RunningID()}))

	require.Empty(t, ts.disp.Assign(ctx))
	st := ts.disp.Parts().Statuses()[lost]
	assert.Equal(t, coordinator.PartAssigned, st.State)
	assert.Equal(t, "sched-1", st.Scheduler, "the part returns to its last scheduler")
	assert.Equal(t, cluster.ManagedConfs{lost: st.Flavor}, ts.heldBy("sched-1"))
	assert.Len(t, ts.heldBy("broker-1"), 2)
	assert.Zero(t, ts.disp.Reconcile(ctx))
}

// TestSatelliteRestartIsDetected checks that a satellite restarting on the
// same address loses its part and gets it pushed again.
func TestSatelliteRestartIsDetected(t *testing.T) {
	ctx := context.Background()
	ts := NewTestSystem(t, testCatalog(t), partition.Config{
		Satellites:    []cluster.SatelliteInfo{scheduler("sched-1", "eu")},
		RequiredKinds: []cluster.Kind{cluster.KindScheduler},
	})
	_, err := ts.arbiter.Reload(ctx)
	require.NoError(t, err)
	ts.Tick()
	require.Empty(t, ts.disp.Assign(ctx))
	require.Len(t, ts.heldBy("sched-1"), 1)

	fresh := ts.RestartInPlace("sched-1")

	assert.Equal(t, 1, ts.disp.Reconcile(ctx), "the fresh process holds nothing")
	assert.Equal(t, coordinator.PartUnassigned, ts.disp.Parts().Statuses()[0].State)

	ts.Tick()
	link, _ := ts.registry.Get("sched-1")
	assert.Equal(t, fresh.RunningID(), link.RunningID)

	require.Empty(t, ts.disp.Assign(ctx))
	assert.Len(t, ts.heldBy("sched-1"), 1)
}
