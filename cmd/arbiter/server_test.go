package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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
)

type testCatalog struct {
	hosts []catalog.Host
}

func newTestServer(t *testing.T, src *testCatalog) *httptest.Server {
	t.Helper()
	log := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := coordinator.NewMetrics(reg)
	clock := clockwork.NewFakeClock()
	registry := coordinator.NewRegistry(log, clock, coordinator.RegistryConfig{})
	disp := coordinator.NewDispatcher(log, clock, cluster.NewClient(cluster.ClientConfig{}), registry, metrics, coordinator.DispatcherConfig{})
	source := coordinator.SourceFunc(func(context.Context) (catalog.Catalog, partition.Config, error) {
		cat, err := catalog.NewStatic(src.hosts, nil, []catalog.Realm{{Name: "All", Default: true}}, nil, nil)
		if err != nil {
			return nil, partition.Config{}, err
		}
		return cat, partition.Config{
			Satellites: []cluster.SatelliteInfo{
				{ID: "s1", Kind: cluster.KindScheduler, Addr: "127.0.0.1:1", Realm: "All", Weight: 1},
			},
			RequiredKinds: []cluster.Kind{cluster.KindScheduler},
		}, nil
	})
	a := coordinator.NewArbiter(log, source, partition.New(log, pack.NewDistributor(log)), disp, registry, metrics)

	srv := httptest.NewServer(newServer(log, "run-test", a, registry, disp, reg).routes())
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthBeforeAndAfterReload(t *testing.T) {
	srv := newTestServer(t, &testCatalog{hosts: []catalog.Host{{ID: "h1", Realm: "All"}}})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "nothing active yet")
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/reload", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reloaded struct {
		Epoch uint64 `json:"epoch"`
		Parts int    `json:"parts"`
	}
	decode(t, resp, &reloaded)
	assert.Equal(t, uint64(1), reloaded.Epoch)
	assert.Equal(t, 1, reloaded.Parts)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health struct {
		RunID       string `json:"run_id"`
		ActiveEpoch uint64 `json:"active_epoch"`
	}
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &health)
	assert.Equal(t, "run-test", health.RunID)
	assert.Equal(t, uint64(1), health.ActiveEpoch)
}

func TestReloadInvalid(t *testing.T) {
	src := &testCatalog{hosts: []catalog.Host{{ID: "h1", Realm: "All"}}}
	srv := newTestServer(t, src)

	resp, err := http.Post(srv.URL+"/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	src.hosts = []catalog.Host{
		{ID: "a", Realm: "All", Parents: []string{"b"}},
		{ID: "b", Realm: "All", Parents: []string{"a"}},
	}
	resp, err = http.Post(srv.URL+"/reload", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "dependency_loop")

	resp, err = http.Get(srv.URL + "/report")
	require.NoError(t, err)
	var status coordinator.Status
	decode(t, resp, &status)
	assert.Equal(t, uint64(1), status.ActiveEpoch)
	assert.Equal(t, uint64(2), status.LastEpoch)
	assert.False(t, status.LastValid)
}

func TestParts(t *testing.T) {
	srv := newTestServer(t, &testCatalog{hosts: []catalog.Host{{ID: "h1", Realm: "All"}, {ID: "h2", Realm: "All"}}})
	resp, err := http.Post(srv.URL+"/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/parts")
	require.NoError(t, err)
	var parts struct {
		Epoch uint64                   `json:"epoch"`
		Parts []coordinator.PartStatus `json:"parts"`
	}
	decode(t, resp, &parts)
	assert.Equal(t, uint64(1), parts.Epoch)
	require.Len(t, parts.Parts, 1)
	assert.Equal(t, 2, parts.Parts[0].Hosts)
	assert.Equal(t, coordinator.PartUnassigned, parts.Parts[0].State, "no dispatch loop runs in this test")
}

func TestRegister(t *testing.T) {
	srv := newTestServer(t, &testCatalog{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"missing addr", `{"satellite":{"id":"p1","kind":"poller"}}`, http.StatusBadRequest},
		{"bad kind", `{"satellite":{"id":"p1","kind":"toaster","addr":"p1:7771"}}`, http.StatusBadRequest},
		{"ok", `{"satellite":{"id":"p1","kind":"poller","addr":"p1:7771"},"running_id":"r1"}`, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/register", "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp, err := http.Get(srv.URL + "/satellites?kind=poller")
	require.NoError(t, err)
	var out struct {
		Satellites []coordinator.LinkState `json:"satellites"`
	}
	decode(t, resp, &out)
	require.Len(t, out.Satellites, 1)
	assert.Equal(t, "p1", out.Satellites[0].ID)
	assert.True(t, out.Satellites[0].Alive)
	assert.Equal(t, "r1", out.Satellites[0].RunningID)

	resp, err = http.Get(srv.URL + "/satellites?kind=toaster")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &testCatalog{hosts: []catalog.Host{{ID: "h1", Realm: "All"}}})
	resp, err := http.Post(srv.URL+"/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), `vigil_reloads_total{result="ok"} 1`), string(body))
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"config", "log-level", "log-format"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
