package coordinator

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/partition"
	"github.com/dreamware/vigil/internal/realm"
	"github.com/dreamware/vigil/internal/report"
)

// SatelliteClient is what the dispatcher needs from the transport.
type SatelliteClient interface {
	Pinger
	Push(ctx context.Context, addr string, header cluster.PushHeader, body any) cluster.Result
	Managed(ctx context.Context, addr string, kind cluster.Kind) (cluster.ManagedConfs, cluster.Result)
}

// DispatcherConfig sets the cadence of the three phases.
type DispatcherConfig struct {
	LivenessInterval  time.Duration
	AssignInterval    time.Duration
	ReconcileInterval time.Duration
}

func (c *DispatcherConfig) setDefaults() {
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = time.Second
	}
	if c.AssignInterval <= 0 {
		c.AssignInterval = 5 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
}

// Dispatcher hands configuration parts to schedulers and satellite views to
// the other satellites, and keeps both in line with the registry.
//
// The registry and the part table are the source of truth. Satellites are
// only asked what they hold so that drift can be detected and fixed by a
// new push on the next assignment pass.
type Dispatcher struct {
	log      *zap.Logger
	clock    clockwork.Clock
	client   SatelliteClient
	registry *Registry
	parts    *PartTable
	metrics  *Metrics
	health   *HealthMonitor
	cfg      DispatcherConfig
	flavor   func() int64

	mu       sync.Mutex
	tree     *realm.Tree
	views    map[string]uint64
	errors   []*report.ConfigError
	declared map[string]cluster.Kind

	kick chan struct{}
}

// NewDispatcher wires a dispatcher to the registry.
//
// The dispatcher subscribes to registry transitions: a scheduler that dies
// or restarts releases its parts from the hook, before the next pass, and
// every transition kicks the loop.
//
// Parameters:
//   - log: Logger for dispatch decisions
//   - clock: Time source for the loop and the health monitor
//   - client: Transport to the satellites
//   - registry: Links of all known satellites
//   - metrics: Dispatch counters and gauges
//   - cfg: Loop periods and timeouts; zero values take the defaults
//
// Returns:
//   - Dispatcher with an empty part table, waiting for Activate
//
// Example:
//
//	disp := NewDispatcher(log, clock, client, reg, metrics, DispatcherConfig{})
//	disp.Activate(ctx, res)
//	go disp.Run(ctx)
func NewDispatcher(log *zap.Logger, clock clockwork.Clock, client SatelliteClient, registry *Registry, metrics *Metrics, cfg DispatcherConfig) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg.setDefaults()
	d := &Dispatcher{
		log:      log.Named("dispatcher"),
		clock:    clock,
		client:   client,
		registry: registry,
		parts:    NewPartTable(),
		metrics:  metrics,
		cfg:      cfg,
		flavor:   func() int64 { return rand.Int64N(math.MaxInt64-1) + 1 },
		views:    make(map[string]uint64),
		declared: make(map[string]cluster.Kind),
		kick:     make(chan struct{}, 1),
	}
	d.health = NewHealthMonitor(log, clock, registry, client, metrics, cfg.LivenessInterval)
	registry.OnTransition(d.onTransition)
	registry.OnRestart(d.onRestart)
	return d
}

func (d *Dispatcher) onTransition(ev Event) {
	state := "dead"
	if ev.Alive {
		state = "alive"
	}
	d.metrics.Transitions.WithLabelValues(string(ev.Kind), state).Inc()
	if ev.Alive {
		d.Kick()
		return
	}
	d.forget(ev.SatelliteID, ev.Kind, "satellite is dead")
}

func (d *Dispatcher) onRestart(info cluster.SatelliteInfo) {
	d.forget(info.ID, info.Kind, "satellite restarted")
	d.Kick()
}

// forget drops what a satellite was believed to hold.
func (d *Dispatcher) forget(id string, kind cluster.Kind, why string) {
	if kind == cluster.KindScheduler {
		if released := d.parts.Release(id); len(released) > 0 {
			d.log.Warn("parts returned to the pool",
				zap.String("scheduler", id),
				zap.Ints("parts", released),
				zap.String("reason", why))
			d.metrics.observeParts(d.parts)
		}
		_ = d.registry.ClearManaged(id, -1)
		// Satellite views name the scheduler, they must be rebuilt.
		d.Kick()
		return
	}
	d.mu.Lock()
	delete(d.views, id)
	d.mu.Unlock()
}

// Kick asks the assignment loop for an early pass.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Parts exposes the part table for status output.
func (d *Dispatcher) Parts() *PartTable {
	return d.parts
}

// Health exposes the liveness phase.
func (d *Dispatcher) Health() *HealthMonitor {
	return d.health
}

// Activate makes a valid partitioning result the dispatched one. The
// result's satellites are added to the registry; parts of the previous
// result are dropped and their schedulers freed. Satellites declared by the
// previous result and not by this one are told to drop what they hold, then
// removed from the registry. Satellites that only registered are kept.
func (d *Dispatcher) Activate(ctx context.Context, res *partition.Result) {
	declared := make(map[string]cluster.Kind, len(res.Satellites))
	for _, s := range res.Satellites {
		d.registry.Add(s)
		declared[s.ID] = s.Kind
	}
	for _, s := range d.registry.List(cluster.KindScheduler) {
		_ = d.registry.ClearManaged(s.ID, -1)
	}
	d.parts.Load(res.Epoch, res.Parts)

	d.mu.Lock()
	var retired []string
	for id := range d.declared {
		if _, ok := declared[id]; !ok {
			retired = append(retired, id)
		}
	}
	d.tree = res.Tree
	d.views = make(map[string]uint64)
	d.errors = nil
	d.declared = declared
	d.mu.Unlock()

	slices.Sort(retired)
	for _, id := range retired {
		d.retire(ctx, id)
	}

	d.metrics.observeParts(d.parts)
	d.log.Info("partition activated", zap.Uint64("epoch", res.Epoch), zap.Int("parts", len(res.Parts)))
	d.Kick()
}

// retire empties a satellite that left the configuration and forgets it.
func (d *Dispatcher) retire(ctx context.Context, id string) {
	link, ok := d.registry.Get(id)
	if !ok {
		return
	}
	if link.Alive {
		if link.Kind == cluster.KindScheduler {
			d.clearScheduler(ctx, link)
		} else {
			view := cluster.SatelliteView{SatelliteID: id, Epoch: d.parts.Epoch(), Schedulers: []cluster.SchedulerRef{}}
			header := cluster.PushHeader{Kind: link.Kind, PartID: cluster.NoPart, Epoch: view.Epoch}
			res := d.client.Push(ctx, link.Addr, header, view)
			d.metrics.Pushes.WithLabelValues(string(link.Kind), res.Outcome.String()).Inc()
			if !res.OK() {
				d.log.Warn("could not empty retired satellite",
					zap.String("id", id),
					zap.Stringer("outcome", res.Outcome),
					zap.String("reason", res.Reason))
			}
		}
	}
	d.registry.Remove(id)
	d.mu.Lock()
	delete(d.views, id)
	d.mu.Unlock()
	d.log.Info("satellite left the configuration", zap.String("id", id), zap.String("kind", string(link.Kind)))
}

// clearScheduler tells a scheduler that holds no part in the table to drop
// whatever it runs and wait for a new configuration. It reports whether the
// scheduler acknowledged.
func (d *Dispatcher) clearScheduler(ctx context.Context, s LinkState) bool {
	if _, held := d.parts.HeldBy(s.ID); held {
		return false
	}
	header := cluster.PushHeader{Kind: cluster.KindScheduler, PartID: cluster.NoPart, Epoch: d.parts.Epoch()}
	res := d.client.Push(ctx, s.Addr, header, nil)
	d.metrics.Pushes.WithLabelValues(string(cluster.KindScheduler), res.Outcome.String()).Inc()
	if !res.OK() {
		d.log.Warn("could not clear scheduler",
			zap.String("scheduler", s.ID),
			zap.Stringer("outcome", res.Outcome),
			zap.String("reason", res.Reason))
		_ = d.registry.RecordFailedAttempt(s.ID, "push: "+res.Reason)
		return false
	}
	_ = d.registry.ReplaceManaged(s.ID, cluster.ManagedConfs{})
	d.log.Info("scheduler cleared, waiting for a new configuration", zap.String("scheduler", s.ID))
	return true
}

// Errors returns the fatal dispatch errors of the last assignment pass.
func (d *Dispatcher) Errors() []*report.ConfigError {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.errors)
}

func (d *Dispatcher) covers(s cluster.SatelliteInfo, realmName string) bool {
	d.mu.Lock()
	tree := d.tree
	d.mu.Unlock()
	if tree == nil {
		return s.Realm == realmName
	}
	return tree.Covers(s, realmName)
}

type assignment struct {
	status PartStatus
	sched  LinkState
	ticket uint64
	spare  bool
}

// Assign runs one assignment pass.
//
// Pass steps:
//  1. Every unassigned part is reserved for a free live scheduler, the
//     last one that held it first, then its preferred one, then any
//     regular scheduler of a covering realm, then a spare
//  2. Reserved parts are pushed concurrently; failures revert the part and
//     count against the scheduler
//  3. Live non-scheduler satellites whose view changed get the new view
//
// Parameters:
//   - ctx: Context for the pushes
//
// Returns:
//   - Fatal errors of the pass: parts no live scheduler can take
//
// Thread Safety:
// Safe for concurrent use with Reconcile and Activate; the part table
// tickets keep a push from a superseded pass from landing.
//
// Example:
//
//	for _, e := range disp.Assign(ctx) {
//	    log.Error("part not dispatched", zap.String("error", e.Error()))
//	}
func (d *Dispatcher) Assign(ctx context.Context) []*report.ConfigError {
	epoch := d.parts.Epoch()
	scheds := d.registry.List(cluster.KindScheduler)
	busy := make(map[string]bool)
	for _, st := range d.parts.Statuses() {
		if st.State != PartUnassigned {
			busy[st.Scheduler] = true
		}
	}

	var plan []assignment
	var fatal []*report.ConfigError
	for _, st := range d.parts.InState(PartUnassigned) {
		sched, spare, ok := d.pick(st, scheds, busy)
		if !ok {
			fatal = append(fatal, &report.ConfigError{
				Code:    report.CodeDispatch,
				Realm:   st.Realm,
				Kind:    string(cluster.KindScheduler),
				Members: []string{fmt.Sprintf("part-%d", st.PartID)},
				Message: "no live scheduler can take the part",
			})
			continue
		}
		ticket, reserved := d.parts.Reserve(st.PartID, epoch, sched.ID)
		if !reserved {
			continue
		}
		busy[sched.ID] = true
		plan = append(plan, assignment{status: st, sched: sched, ticket: ticket, spare: spare})
	}

	var g errgroup.Group
	for _, a := range plan {
		g.Go(func() error {
			d.pushPart(ctx, epoch, a)
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range fatal {
		d.log.Error("part cannot be dispatched", zap.Error(e))
	}
	d.mu.Lock()
	d.errors = fatal
	d.mu.Unlock()

	d.pushViews(ctx)
	d.metrics.observeParts(d.parts)
	return fatal
}

// pick chooses the scheduler for an unassigned part: the one that held it
// last, then the preferred one, then any free non-spare that covers the
// realm, and only then a spare.
func (d *Dispatcher) pick(st PartStatus, scheds []LinkState, busy map[string]bool) (LinkState, bool, bool) {
	usable := func(s LinkState) bool {
		return s.Alive && !busy[s.ID] && d.covers(s.SatelliteInfo, st.Realm)
	}
	byID := make(map[string]LinkState, len(scheds))
	for _, s := range scheds {
		byID[s.ID] = s
	}
	if s, ok := byID[st.LastScheduler]; ok && !s.Spare && usable(s) {
		return s, false, true
	}
	if s, ok := byID[st.PreferredScheduler]; ok && usable(s) {
		return s, s.Spare, true
	}
	for _, s := range scheds {
		if !s.Spare && usable(s) {
			return s, false, true
		}
	}
	for _, s := range scheds {
		if s.Spare && usable(s) {
			return s, true, true
		}
	}
	return LinkState{}, false, false
}

func (d *Dispatcher) pushPart(ctx context.Context, epoch uint64, a assignment) {
	part, ok := d.parts.Part(a.status.PartID)
	if !ok {
		return
	}
	if a.spare {
		d.log.Warn("promoting spare scheduler",
			zap.String("scheduler", a.sched.ID),
			zap.Int("part", part.ID),
			zap.String("realm", part.Realm))
	}
	flavor := d.flavor()
	header := cluster.PushHeader{Kind: cluster.KindScheduler, PartID: part.ID, Epoch: epoch, Flavor: flavor}
	res := d.client.Push(ctx, a.sched.Addr, header, part)
	d.metrics.Pushes.WithLabelValues(string(cluster.KindScheduler), res.Outcome.String()).Inc()

	if !res.OK() {
		d.parts.Revert(part.ID, epoch, a.ticket)
		if res.Status == http.StatusRequestEntityTooLarge {
			// The part is the problem, not the scheduler.
			d.log.Error("part is larger than the scheduler accepts",
				zap.String("scheduler", a.sched.ID),
				zap.Int("part", part.ID),
				zap.String("reason", res.Reason))
			return
		}
		d.log.Warn("configuration push failed",
			zap.String("scheduler", a.sched.ID),
			zap.Int("part", part.ID),
			zap.Stringer("outcome", res.Outcome),
			zap.String("reason", res.Reason))
		_ = d.registry.RecordFailedAttempt(a.sched.ID, "push: "+res.Reason)
		return
	}
	if !d.parts.Confirm(part.ID, epoch, a.ticket, flavor) {
		d.log.Info("ignoring stale push acknowledgement",
			zap.String("scheduler", a.sched.ID),
			zap.Int("part", part.ID),
			zap.Uint64("epoch", epoch))
		return
	}
	_ = d.registry.ClearManaged(a.sched.ID, -1)
	_ = d.registry.SetManaged(a.sched.ID, part.ID, flavor)
	d.log.Info("part assigned",
		zap.String("scheduler", a.sched.ID),
		zap.Int("part", part.ID),
		zap.Int("hosts", len(part.Hosts)))
}

// View builds the satellite view of s from the assigned parts it covers.
func (d *Dispatcher) View(s cluster.SatelliteInfo) cluster.SatelliteView {
	view := cluster.SatelliteView{SatelliteID: s.ID, Epoch: d.parts.Epoch(), Schedulers: []cluster.SchedulerRef{}}
	for _, st := range d.parts.InState(PartAssigned) {
		if !d.covers(s, st.Realm) {
			continue
		}
		sched, ok := d.registry.Get(st.Scheduler)
		if !ok {
			continue
		}
		view.Schedulers = append(view.Schedulers, cluster.SchedulerRef{
			PartID:      st.PartID,
			Flavor:      st.Flavor,
			Realm:       st.Realm,
			SchedulerID: sched.ID,
			Addr:        sched.Addr,
		})
		if part, ok := d.parts.Part(st.PartID); ok {
			if view.HostOwners == nil {
				view.HostOwners = make(map[string]int)
			}
			for _, h := range part.Hosts {
				view.HostOwners[h.Name] = part.ID
			}
		}
	}
	return view
}

// pushViews sends its view to every live non-scheduler satellite whose view
// changed since the last successful push.
func (d *Dispatcher) pushViews(ctx context.Context) {
	var g errgroup.Group
	for _, s := range d.registry.Snapshot() {
		if !s.Alive || s.Kind == cluster.KindScheduler || s.Kind == cluster.KindArbiter {
			continue
		}
		view := d.View(s.SatelliteInfo)
		sum, err := hashstructure.Hash(view, hashstructure.FormatV2, nil)
		if err != nil {
			d.log.Error("hash satellite view", zap.String("id", s.ID), zap.Error(err))
			continue
		}
		d.mu.Lock()
		prev, seen := d.views[s.ID]
		d.mu.Unlock()
		if seen && prev == sum {
			continue
		}
		g.Go(func() error {
			header := cluster.PushHeader{Kind: s.Kind, PartID: cluster.NoPart, Epoch: view.Epoch, Flavor: int64(sum >> 1)}
			res := d.client.Push(ctx, s.Addr, header, view)
			d.metrics.Pushes.WithLabelValues(string(s.Kind), res.Outcome.String()).Inc()
			if !res.OK() {
				d.log.Warn("satellite view push failed",
					zap.String("id", s.ID),
					zap.Stringer("outcome", res.Outcome),
					zap.String("reason", res.Reason))
				_ = d.registry.RecordFailedAttempt(s.ID, "push: "+res.Reason)
				return nil
			}
			d.mu.Lock()
			d.views[s.ID] = sum
			d.mu.Unlock()
			_ = d.registry.ReplaceManaged(s.ID, view.Managed())
			d.log.Debug("satellite view pushed", zap.String("id", s.ID), zap.Int("schedulers", len(view.Schedulers)))
			return nil
		})
	}
	_ = g.Wait()
}

// Reconcile asks every live satellite what it holds and compares with the
// registry.
//
// Drift is logged and the satellite is forgotten, so the next Assign pushes
// to it again. A scheduler that holds nothing in the part table but reports
// parts is told to drop them right away. Schedulers with a push in flight
// are skipped.
//
// Parameters:
//   - ctx: Context for the queries
//
// Returns:
//   - Number of satellites whose configuration drifted
//
// Thread Safety:
// Safe for concurrent use. Queries run concurrently, one per satellite.
//
// Example:
//
//	if n := disp.Reconcile(ctx); n > 0 {
//	    disp.Kick()
//	}
func (d *Dispatcher) Reconcile(ctx context.Context) int {
	var mu sync.Mutex
	mismatches := 0
	var g errgroup.Group
	for _, s := range d.registry.Snapshot() {
		if !s.Alive || s.Kind == cluster.KindArbiter {
			continue
		}
		if s.Kind == cluster.KindScheduler {
			if st, ok := d.parts.HeldBy(s.ID); ok && st.State == PartPendingPush {
				continue
			}
		}
		g.Go(func() error {
			got, res := d.client.Managed(ctx, s.Addr, s.Kind)
			if !res.OK() {
				_ = d.registry.RecordFailedAttempt(s.ID, "managed: "+res.Reason)
				return nil
			}
			want := d.registry.Managed(s.ID)
			if got.Equal(want) {
				return nil
			}
			mu.Lock()
			mismatches++
			mu.Unlock()
			d.metrics.Mismatches.WithLabelValues(string(s.Kind)).Inc()
			d.log.Warn("satellite configuration drifted",
				zap.String("id", s.ID),
				zap.String("kind", string(s.Kind)),
				zap.Any("reported", got),
				zap.Any("expected", want))
			d.forget(s.ID, s.Kind, "managed configuration mismatch")
			// A scheduler left with nothing in the part table must stop
			// running what it reported, or its hosts are checked twice.
			if s.Kind == cluster.KindScheduler && len(got) > 0 {
				d.clearScheduler(ctx, s)
			}
			return nil
		})
	}
	_ = g.Wait()
	return mismatches
}

// Run drives the three phases until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.health.Start(ctx)
		return nil
	})
	g.Go(func() error {
		ticker := d.clock.NewTicker(d.cfg.AssignInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
			case <-d.kick:
			}
			d.Assign(ctx)
		}
	})
	g.Go(func() error {
		ticker := d.clock.NewTicker(d.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				d.Reconcile(ctx)
			}
		}
	})
	return g.Wait()
}
