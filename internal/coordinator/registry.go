package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/vigil/internal/cluster"
)

// ErrUnknownSatellite is returned for operations on an id that was never
// added or registered.
var ErrUnknownSatellite = errors.New("unknown satellite")

// InFlight holds work queued for a satellite that must survive a reconnect.
type InFlight struct {
	ExternalCommands []string `json:"external_commands,omitempty"`
}

// LinkState is a point-in-time copy of a satellite link.
type LinkState struct {
	cluster.SatelliteInfo
	Alive            bool                 `json:"alive"`
	Reachable        bool                 `json:"reachable"`
	Attempt          int                  `json:"attempt"`
	MaxCheckAttempts int                  `json:"max_check_attempts"`
	CheckInterval    time.Duration        `json:"check_interval"`
	LastCheck        time.Time            `json:"last_check"`
	LastReason       string               `json:"last_reason,omitempty"`
	RunningID        string               `json:"running_id,omitempty"`
	Managed          cluster.ManagedConfs `json:"managed"`
	InFlight         InFlight             `json:"in_flight"`
}

// Event is emitted on every alive/dead transition of a link.
type Event struct {
	SatelliteID string       `json:"satellite_id"`
	Kind        cluster.Kind `json:"kind"`
	Alive       bool         `json:"alive"`
	Reason      string       `json:"reason,omitempty"`
	At          time.Time    `json:"at"`
}

// link is the mutable state of one satellite. Its fields are only touched
// with mu held.
type link struct {
	mu    sync.Mutex
	state LinkState
}

// RegistryConfig sets the defaults given to new links.
type RegistryConfig struct {
	MaxCheckAttempts int
	CheckInterval    time.Duration
}

// Registry is the single owner of satellite link state.
//
// Transitions are edge-triggered: a link going dead produces one event no
// matter how many checks keep failing afterwards, and one successful check
// brings it back with one event. Each link has its own lock, so checks of
// different satellites never wait on each other. Transition hooks run on
// the caller's goroutine after the link lock has been released.
type Registry struct {
	log   *zap.Logger
	clock clockwork.Clock
	cfg   RegistryConfig

	mu    sync.RWMutex
	links map[string]*link

	// events is a ring of the last maxEvents transitions, next is the slot
	// the following one goes to.
	eventsMu  sync.Mutex
	events    []Event
	next      int
	maxEvents int

	hooksMu   sync.RWMutex
	onChange  []func(Event)
	onRestart []func(cluster.SatelliteInfo)
}

// NewRegistry returns an empty registry of satellite links.
//
// Links enter the registry two ways: Add for satellites declared by the
// active configuration, Register for daemons announcing themselves. Both
// start from the check settings in cfg.
//
// Parameters:
//   - log: Logger for link transitions
//   - clock: Time source for check scheduling; nil means the real clock
//   - cfg: Default attempt budget and check interval of every link
//
// Returns:
//   - Registry with no links and no hooks
//
// Example:
//
//	reg := NewRegistry(log, nil, RegistryConfig{MaxCheckAttempts: 3, CheckInterval: time.Minute})
//	reg.OnTransition(func(ev Event) { log.Info("link changed", zap.String("id", ev.SatelliteID)) })
func NewRegistry(log *zap.Logger, clock clockwork.Clock, cfg RegistryConfig) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxCheckAttempts < 1 {
		cfg.MaxCheckAttempts = 3
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &Registry{
		log:       log.Named("registry"),
		clock:     clock,
		cfg:       cfg,
		links:     make(map[string]*link),
		maxEvents: 256,
	}
}

// OnTransition adds a hook called for every alive/dead transition.
func (r *Registry) OnTransition(fn func(Event)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// OnRestart adds a hook called when a satellite registers again with a new
// running id, meaning the process restarted and lost its configuration.
func (r *Registry) OnRestart(fn func(cluster.SatelliteInfo)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onRestart = append(r.onRestart, fn)
}

// Add declares a satellite from configuration. It starts dead and becomes
// alive on its first successful check. Adding a known id only refreshes its
// static description.
func (r *Registry) Add(info cluster.SatelliteInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.links[info.ID]; ok {
		l.mu.Lock()
		l.state.SatelliteInfo = info
		l.mu.Unlock()
		return
	}
	r.links[info.ID] = &link{state: r.newState(info)}
}

func (r *Registry) newState(info cluster.SatelliteInfo) LinkState {
	return LinkState{
		SatelliteInfo:    info,
		MaxCheckAttempts: r.cfg.MaxCheckAttempts,
		CheckInterval:    r.cfg.CheckInterval,
		Managed:          cluster.ManagedConfs{},
	}
}

// Register records a satellite that contacted the arbiter and marks it
// alive.
//
// Registration cases:
//  1. Unknown id: a fresh link is created
//  2. Known id, same running id: a reconnect, the new link keeps the
//     liveness and managed state of the old one
//  3. Known id, new running id: the daemon restarted, its managed
//     configurations are dropped and the restart hooks run
//
// Parameters:
//   - info: Identity and address announced by the satellite
//   - runningID: Process instance id; empty when the daemon sent none
//
// Returns:
//   - true when a restart was detected
//
// Thread Safety:
// Safe for concurrent use. Hooks run on the calling goroutine after every
// registry lock has been released, so they may call back into the registry.
//
// Example:
//
//	if reg.Register(info, req.RunningID) {
//	    log.Warn("satellite restarted", zap.String("id", info.ID))
//	}
func (r *Registry) Register(info cluster.SatelliteInfo, runningID string) bool {
	r.mu.Lock()
	old, known := r.links[info.ID]
	fresh := &link{state: r.newState(info)}
	fresh.state.RunningID = runningID

	restarted := false
	if known {
		old.mu.Lock()
		prev := old.state
		old.mu.Unlock()

		fresh.state.Alive = prev.Alive
		fresh.state.Reachable = prev.Reachable
		fresh.state.Attempt = prev.Attempt
		fresh.state.LastCheck = prev.LastCheck
		fresh.state.LastReason = prev.LastReason
		fresh.state.InFlight = prev.InFlight
		if prev.RunningID != "" && prev.RunningID != runningID {
			restarted = true
		} else {
			fresh.state.Managed = cloneManaged(prev.Managed)
		}
	}
	r.links[info.ID] = fresh
	r.mu.Unlock()

	r.log.Info("satellite registered",
		zap.String("id", info.ID),
		zap.String("kind", string(info.Kind)),
		zap.String("addr", info.Addr),
		zap.Bool("reconnect", known),
		zap.Bool("restarted", restarted))

	if restarted {
		r.hooksMu.RLock()
		hooks := slices.Clone(r.onRestart)
		r.hooksMu.RUnlock()
		for _, fn := range hooks {
			fn(info)
		}
	}
	if err := r.MarkAlive(info.ID); err != nil {
		r.log.Error("mark registered satellite alive", zap.Error(err))
	}
	return restarted
}

// Remove forgets a satellite.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, id)
}

func (r *Registry) get(id string) (*link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSatellite, id)
	}
	return l, nil
}

// MarkAlive records a successful check.
func (r *Registry) MarkAlive(id string) error {
	l, err := r.get(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.state.Attempt = 0
	l.state.Reachable = true
	l.state.LastCheck = r.clock.Now()
	l.state.LastReason = ""
	var ev *Event
	if !l.state.Alive {
		l.state.Alive = true
		ev = &Event{SatelliteID: id, Kind: l.state.Kind, Alive: true, At: l.state.LastCheck}
	}
	l.mu.Unlock()

	if ev != nil {
		r.log.Info("satellite is alive", zap.String("id", id), zap.String("kind", string(ev.Kind)))
		r.emit(*ev)
	}
	return nil
}

// MarkDead forces a link dead.
func (r *Registry) MarkDead(id, reason string) error {
	l, err := r.get(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.state.Attempt = l.state.MaxCheckAttempts
	l.state.Reachable = false
	l.state.LastReason = reason
	ev := r.dieLocked(l, id, reason)
	l.mu.Unlock()

	r.fire(ev)
	return nil
}

// RecordFailedAttempt counts a failed check or call against a link.
//
// The link stays alive while attempts remain. When the count first reaches
// MaxCheckAttempts the link goes dead and a transition event fires; later
// failures of a dead link only refresh its reason.
//
// Parameters:
//   - id: Satellite id
//   - reason: Short description kept as the link's last failure
//
// Returns:
//   - nil on success
//   - ErrUnknownSatellite if id is not registered
//
// Thread Safety:
// Safe for concurrent use. Change hooks run after the link lock is released.
//
// Example:
//
//	if !res.OK() {
//	    _ = reg.RecordFailedAttempt(s.ID, "push: "+res.Reason)
//	}
func (r *Registry) RecordFailedAttempt(id, reason string) error {
	l, err := r.get(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.state.Reachable = false
	l.state.LastCheck = r.clock.Now()
	l.state.LastReason = reason
	if l.state.Attempt < l.state.MaxCheckAttempts {
		l.state.Attempt++
	}
	attempt := l.state.Attempt
	var ev *Event
	if attempt >= l.state.MaxCheckAttempts {
		ev = r.dieLocked(l, id, reason)
	}
	l.mu.Unlock()

	r.log.Debug("satellite check failed",
		zap.String("id", id),
		zap.Int("attempt", attempt),
		zap.String("reason", reason))
	r.fire(ev)
	return nil
}

// dieLocked flips the link to dead and returns the event, or nil when it
// was already dead. l.mu must be held.
func (r *Registry) dieLocked(l *link, id, reason string) *Event {
	if !l.state.Alive {
		return nil
	}
	l.state.Alive = false
	return &Event{SatelliteID: id, Kind: l.state.Kind, Alive: false, Reason: reason, At: r.clock.Now()}
}

func (r *Registry) fire(ev *Event) {
	if ev == nil {
		return
	}
	r.log.Error("satellite is dead",
		zap.String("id", ev.SatelliteID),
		zap.String("kind", string(ev.Kind)),
		zap.String("reason", ev.Reason))
	r.emit(*ev)
}

func (r *Registry) emit(ev Event) {
	r.eventsMu.Lock()
	if len(r.events) < r.maxEvents {
		r.events = append(r.events, ev)
	} else {
		r.events[r.next] = ev
	}
	r.next = (r.next + 1) % r.maxEvents
	r.eventsMu.Unlock()

	r.hooksMu.RLock()
	hooks := slices.Clone(r.onChange)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

// RecentEvents returns a copy of the last transitions, oldest first. Reading
// does not consume them: every caller sees the same history until newer
// transitions push the oldest out.
func (r *Registry) RecentEvents() []Event {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

// SetManaged records that satellite id holds part partID with flavor.
func (r *Registry) SetManaged(id string, partID int, flavor int64) error {
	l, err := r.get(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Managed[partID] = flavor
	return nil
}

// ReplaceManaged overwrites every managed entry of satellite id.
func (r *Registry) ReplaceManaged(id string, confs cluster.ManagedConfs) error {
	l, err := r.get(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Managed = cloneManaged(confs)
	return nil
}

// ClearManaged forgets part partID for satellite id. A negative partID
// clears everything.
func (r *Registry) ClearManaged(id string, partID int) error {
	l, err := r.get(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if partID < 0 {
		l.state.Managed = cluster.ManagedConfs{}
		return nil
	}
	delete(l.state.Managed, partID)
	return nil
}

// Managed returns what the registry believes satellite id holds.
func (r *Registry) Managed(id string) cluster.ManagedConfs {
	l, err := r.get(id)
	if err != nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneManaged(l.state.Managed)
}

// QueueCommand keeps an external command for satellite id until it is
// taken, across reconnects.
func (r *Registry) QueueCommand(id, cmd string) error {
	l, err := r.get(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.InFlight.ExternalCommands = append(l.state.InFlight.ExternalCommands, cmd)
	return nil
}

// TakeCommands returns and clears the queued commands of satellite id.
func (r *Registry) TakeCommands(id string) []string {
	l, err := r.get(id)
	if err != nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.state.InFlight.ExternalCommands
	l.state.InFlight.ExternalCommands = nil
	return out
}

// Get returns a copy of one link.
func (r *Registry) Get(id string) (LinkState, bool) {
	l, err := r.get(id)
	if err != nil {
		return LinkState{}, false
	}
	return l.snapshot(), true
}

// Snapshot returns a copy of every link, sorted by id.
func (r *Registry) Snapshot() []LinkState {
	r.mu.RLock()
	links := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.RUnlock()

	out := make([]LinkState, 0, len(links))
	for _, l := range links {
		out = append(out, l.snapshot())
	}
	slices.SortFunc(out, func(a, b LinkState) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// List returns the links of one kind, sorted by id.
func (r *Registry) List(kind cluster.Kind) []LinkState {
	var out []LinkState
	for _, s := range r.Snapshot() {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Due returns the links whose check interval has elapsed at now.
func (r *Registry) Due(now time.Time) []LinkState {
	var out []LinkState
	for _, s := range r.Snapshot() {
		if s.LastCheck.IsZero() || now.Sub(s.LastCheck) >= s.CheckInterval {
			out = append(out, s)
		}
	}
	return out
}

func (l *link) snapshot() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state
	s.Managed = cloneManaged(l.state.Managed)
	s.InFlight.ExternalCommands = slices.Clone(l.state.InFlight.ExternalCommands)
	return s
}

func cloneManaged(in cluster.ManagedConfs) cluster.ManagedConfs {
	out := make(cluster.ManagedConfs, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
