package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/vigil/internal/cluster"
)

// Pinger pings a satellite.
type Pinger interface {
	Ping(ctx context.Context, addr string) (cluster.PingResponse, cluster.Result)
}

// HealthMonitor runs the liveness phase: every tick it pings each link whose
// check interval has elapsed and feeds the outcome to the registry.
//
// Checks run concurrently, one goroutine per satellite, and each is bounded
// by the client's ping timeout, so one unreachable satellite only delays
// its own result. Any failure, whether a timeout, a refused connection or a
// wrong answer, goes through the same failed-attempt path.
type HealthMonitor struct {
	log      *zap.Logger
	clock    clockwork.Clock
	registry *Registry
	pinger   Pinger
	metrics  *Metrics
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates the liveness phase of the dispatcher.
//
// The monitor does not own the check schedule: on every tick it asks the
// registry which links are due and pings those. Results go back to the
// registry, which decides the transitions.
//
// Parameters:
//   - log: Logger for check failures
//   - clock: Time source for the ticker
//   - registry: Source of due links and sink for results
//   - pinger: Client used for the checks
//   - metrics: Check counters and link gauges
//   - interval: Tick period, normally well under the check interval
//
// Returns:
//   - Monitor ready to Start
//
// Example:
//
//	monitor := NewHealthMonitor(log, clock, reg, client, metrics, time.Second)
//	go monitor.Start(ctx)
//	defer monitor.Stop()
func NewHealthMonitor(log *zap.Logger, clock clockwork.Clock, registry *Registry, pinger Pinger, metrics *Metrics, interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		log:      log.Named("health"),
		clock:    clock,
		registry: registry,
		pinger:   pinger,
		metrics:  metrics,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start checks due links once immediately, then on every tick. It blocks
// until ctx is done or Stop is called.
//
// Parameters:
//   - ctx: Context for cancellation, also passed to every check
//
// Example:
//
//	go monitor.Start(ctx)
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", zap.Duration("interval", h.interval))
	h.CheckDue(ctx)

	for {
		select {
		case <-ticker.Chan():
			h.CheckDue(ctx)
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends Start and waits for it to return. A pass already running is
// finished first.
//
// Thread Safety:
// Safe to call more than once and from any goroutine.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckDue pings every due link and waits for all checks. It returns the
// number of links checked.
func (h *HealthMonitor) CheckDue(ctx context.Context) int {
	due := h.registry.Due(h.clock.Now())
	var g errgroup.Group
	for _, link := range due {
		g.Go(func() error {
			h.check(ctx, link)
			return nil
		})
	}
	_ = g.Wait()
	h.metrics.observeLinks(h.registry.Snapshot())
	return len(due)
}

func (h *HealthMonitor) check(ctx context.Context, link LinkState) {
	resp, res := h.pinger.Ping(ctx, link.Addr)
	h.metrics.Pings.WithLabelValues(res.Outcome.String()).Inc()
	if !res.OK() {
		if err := h.registry.RecordFailedAttempt(link.ID, res.Outcome.String()+": "+res.Reason); err != nil {
			h.log.Debug("satellite vanished during check", zap.String("id", link.ID))
		}
		return
	}
	if resp.RunningID != "" && resp.RunningID != link.RunningID {
		// A new running id means a new process behind the same address.
		h.registry.Register(link.SatelliteInfo, resp.RunningID)
		return
	}
	if err := h.registry.MarkAlive(link.ID); err != nil {
		h.log.Debug("satellite vanished during check", zap.String("id", link.ID))
	}
}
