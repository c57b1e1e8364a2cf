package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitorCheckDue(t *testing.T) {
	h := newHarness(t)
	h.client.add("s1:7768")
	h.registry.Add(sched("s1"))
	h.registry.Add(sched("s2")) // nobody listens on s2

	monitor := h.disp.Health()
	assert.Equal(t, 2, monitor.CheckDue(context.Background()))

	s1, _ := h.registry.Get("s1")
	s2, _ := h.registry.Get("s2")
	assert.True(t, s1.Alive)
	assert.False(t, s2.Alive)
	assert.Equal(t, 1, s2.Attempt)
	assert.Contains(t, s2.LastReason, "connection refused")

	// s1 was just checked, s2 failed and is due again after its interval.
	assert.Zero(t, monitor.CheckDue(context.Background()))
	h.clock.Advance(time.Second)
	assert.Equal(t, 2, monitor.CheckDue(context.Background()))

	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Pings.WithLabelValues("ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Pings.WithLabelValues("connection_failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SatellitesAlive.WithLabelValues("scheduler")))
}

// TestHealthMonitorDeadAfterMaxAttempts checks the dead transition fires
// once after three failed checks and recovery fires once.
func TestHealthMonitorDeadAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.client.add("s1:7768")
	h.registry.Add(sched("s1"))
	monitor := h.disp.Health()

	monitor.CheckDue(context.Background())
	seen := len(h.registry.RecentEvents())

	h.client.set("s1:7768", func(s *fakeSatellite) { s.down = true })
	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		monitor.CheckDue(context.Background())
	}
	events := h.registry.RecentEvents()[seen:]
	require.Len(t, events, 1)
	assert.False(t, events[0].Alive)
	seen++

	h.client.set("s1:7768", func(s *fakeSatellite) { s.down = false })
	h.clock.Advance(time.Second)
	monitor.CheckDue(context.Background())
	events = h.registry.RecentEvents()[seen:]
	require.Len(t, events, 1)
	assert.True(t, events[0].Alive)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Transitions.WithLabelValues("scheduler", "dead")))
}

func TestHealthMonitorDetectsRestart(t *testing.T) {
	h := newHarness(t)
	h.client.add("s1:7768").runningID = "run-1"
	h.registry.Add(sched("s1"))
	monitor := h.disp.Health()

	monitor.CheckDue(context.Background())
	s, _ := h.registry.Get("s1")
	assert.Equal(t, "run-1", s.RunningID)
	require.NoError(t, h.registry.SetManaged("s1", 0, 5))

	h.client.set("s1:7768", func(s *fakeSatellite) { s.runningID = "run-2" })
	h.clock.Advance(time.Second)
	monitor.CheckDue(context.Background())

	s, _ = h.registry.Get("s1")
	assert.Equal(t, "run-2", s.RunningID)
	assert.Empty(t, s.Managed)
	assert.True(t, s.Alive)
}

func TestHealthMonitorStartStop(t *testing.T) {
	h := newHarness(t)
	h.client.add("s1:7768")
	h.registry.Add(sched("s1"))
	monitor := h.disp.Health()

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		s, _ := h.registry.Get("s1")
		return s.Alive
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
