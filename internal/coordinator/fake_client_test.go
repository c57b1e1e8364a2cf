package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/vigil/internal/cluster"
)

// fakeSatellite is the state a fake satellite keeps between calls.
type fakeSatellite struct {
	down      bool
	reject    bool
	tooLarge  bool
	runningID string
	managed   cluster.ManagedConfs
	pushes    []cluster.PushHeader
	views     []cluster.SatelliteView
}

// fakeClient answers satellite calls from an in-memory table keyed by
// address. Unknown addresses refuse connections.
type fakeClient struct {
	mu   sync.Mutex
	sats map[string]*fakeSatellite
}

func newFakeClient() *fakeClient {
	return &fakeClient{sats: make(map[string]*fakeSatellite)}
}

func (c *fakeClient) add(addr string) *fakeSatellite {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSatellite{managed: cluster.ManagedConfs{}}
	c.sats[addr] = s
	return s
}

func (c *fakeClient) set(addr string, fn func(s *fakeSatellite)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.sats[addr])
}

func (c *fakeClient) get(addr string) fakeSatellite {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := *c.sats[addr]
	s.pushes = append([]cluster.PushHeader(nil), s.pushes...)
	s.views = append([]cluster.SatelliteView(nil), s.views...)
	s.managed = cloneManaged(s.managed)
	return s
}

func (c *fakeClient) lookup(addr string) (*fakeSatellite, cluster.Result) {
	s, ok := c.sats[addr]
	if !ok || s.down {
		return nil, cluster.Result{Outcome: cluster.OutcomeConnectionFailed, Reason: "connection refused"}
	}
	return s, cluster.Result{Outcome: cluster.OutcomeOK}
}

func (c *fakeClient) Ping(_ context.Context, addr string) (cluster.PingResponse, cluster.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, res := c.lookup(addr)
	if s == nil {
		return cluster.PingResponse{}, res
	}
	return cluster.PingResponse{Pong: cluster.Pong, RunningID: s.runningID}, res
}

func (c *fakeClient) Push(_ context.Context, addr string, header cluster.PushHeader, body any) cluster.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, res := c.lookup(addr)
	if s == nil {
		return res
	}
	if s.reject {
		return cluster.Result{Outcome: cluster.OutcomeRejected, Reason: "rejected", Status: 400}
	}
	if s.tooLarge && header.PartID != cluster.NoPart {
		return cluster.Result{Outcome: cluster.OutcomeRejected, Reason: "too large", Status: 413}
	}
	s.pushes = append(s.pushes, header)
	if header.Kind == cluster.KindScheduler {
		s.managed = cluster.ManagedConfs{}
		if header.PartID != cluster.NoPart {
			s.managed[header.PartID] = header.Flavor
		}
		return res
	}
	// Round trip the view like the wire would.
	data, _ := json.Marshal(body)
	var view cluster.SatelliteView
	_ = json.Unmarshal(data, &view)
	s.views = append(s.views, view)
	s.managed = view.Managed()
	return res
}

func (c *fakeClient) Managed(_ context.Context, addr string, _ cluster.Kind) (cluster.ManagedConfs, cluster.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, res := c.lookup(addr)
	if s == nil {
		return nil, res
	}
	return cloneManaged(s.managed), res
}

type harness struct {
	clock    *clockwork.FakeClock
	client   *fakeClient
	registry *Registry
	metrics  *Metrics
	disp     *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	client := newFakeClient()
	registry := NewRegistry(zap.NewNop(), clock, RegistryConfig{MaxCheckAttempts: 3, CheckInterval: time.Second})
	metrics := NewMetrics(prometheus.NewRegistry())
	disp := NewDispatcher(zap.NewNop(), clock, client, registry, metrics, DispatcherConfig{})
	var flavors atomic.Int64
	disp.flavor = func() int64 {
		return 100 + flavors.Add(1)
	}
	return &harness{clock: clock, client: client, registry: registry, metrics: metrics, disp: disp}
}
