package coordinator

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/vigil/internal/partition"
)

// PartState is the dispatch state of a configuration part.
type PartState int

const (
	// PartUnassigned parts wait for a free scheduler.
	PartUnassigned PartState = iota
	// PartPendingPush parts are reserved for a scheduler while the push is
	// in flight. Only the ticket of that push may move them on.
	PartPendingPush
	// PartAssigned parts are held by a scheduler that acknowledged them.
	PartAssigned
)

// String returns the lower case name used in logs, metrics labels and the
// status report.
func (s PartState) String() string {
	switch s {
	case PartUnassigned:
		return "unassigned"
	case PartPendingPush:
		return "pending_push"
	case PartAssigned:
		return "assigned"
	}
	return "unknown"
}

// MarshalText makes states readable in JSON status output.
func (s PartState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PartStatus is a copy of one row of the part table.
type PartStatus struct {
	PartID             int       `json:"part_id"`
	Epoch              uint64    `json:"epoch"`
	Realm              string    `json:"realm"`
	State              PartState `json:"state"`
	Scheduler          string    `json:"scheduler,omitempty"`
	LastScheduler      string    `json:"last_scheduler,omitempty"`
	PreferredScheduler string    `json:"preferred_scheduler"`
	Flavor             int64     `json:"flavor,omitempty"`
	Hosts              int       `json:"hosts"`
}

type partEntry struct {
	part   *partition.Part
	status PartStatus
	ticket uint64
}

// PartTable tracks the dispatch state of the active parts.
//
// The parts themselves never change; only their state row does. Moving a
// part out of Unassigned is a compare-and-set that hands out a ticket, and
// only the holder of the current ticket may confirm or revert the push, so
// a stale acknowledgement from a superseded push or an older epoch is
// ignored.
type PartTable struct {
	mu      sync.RWMutex
	epoch   uint64
	entries map[int]*partEntry
	order   []int
	tickets uint64
}

// NewPartTable returns an empty table.
func NewPartTable() *PartTable {
	return &PartTable{entries: make(map[int]*partEntry)}
}

// Load replaces the active parts. Every part starts unassigned; the
// scheduler that held the same part id before is remembered as the
// preferred target.
func (t *PartTable) Load(epoch uint64, parts []*partition.Part) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make(map[int]*partEntry, len(parts))
	order := make([]int, 0, len(parts))
	for _, p := range parts {
		last := ""
		if old, ok := t.entries[p.ID]; ok {
			last = old.status.Scheduler
			if last == "" {
				last = old.status.LastScheduler
			}
		}
		entries[p.ID] = &partEntry{
			part: p,
			status: PartStatus{
				PartID:             p.ID,
				Epoch:              epoch,
				Realm:              p.Realm,
				State:              PartUnassigned,
				LastScheduler:      last,
				PreferredScheduler: p.PreferredScheduler,
				Hosts:              len(p.Hosts),
			},
		}
		order = append(order, p.ID)
	}
	slices.Sort(order)
	t.epoch = epoch
	t.entries = entries
	t.order = order
}

// Epoch returns the epoch of the active parts.
func (t *PartTable) Epoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// Part returns the content of an active part.
func (t *PartTable) Part(id int) (*partition.Part, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.part, true
}

// Parts returns every active part in id order.
func (t *PartTable) Parts() []*partition.Part {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*partition.Part, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id].part)
	}
	return out
}

// Reserve claims an unassigned part for a scheduler before its push.
//
// Every reservation gets a new ticket. Confirm and Revert must present it,
// so an acknowledgement from an older push, or from before a reload, cannot
// move the part.
//
// Parameters:
//   - id: Part id
//   - epoch: Epoch the caller read the part from
//   - scheduler: Scheduler the part will be pushed to
//
// Returns:
//   - The ticket of the push and true on success
//   - false when the part is not Unassigned or epoch is not the active one
//
// Thread Safety:
// Safe for concurrent use. Two callers never both reserve the same part.
//
// Example:
//
//	ticket, ok := parts.Reserve(st.PartID, epoch, s.ID)
//	if !ok {
//	    return
//	}
//	if res := client.Push(ctx, s.Addr, header, part); !res.OK() {
//	    parts.Revert(st.PartID, epoch, ticket)
//	}
func (t *PartTable) Reserve(id int, epoch uint64, scheduler string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || t.epoch != epoch || e.status.State != PartUnassigned {
		return 0, false
	}
	t.tickets++
	e.ticket = t.tickets
	e.status.State = PartPendingPush
	e.status.Scheduler = scheduler
	return e.ticket, true
}

func (t *PartTable) pending(id int, epoch, ticket uint64) *partEntry {
	e, ok := t.entries[id]
	if !ok || t.epoch != epoch || e.ticket != ticket || e.status.State != PartPendingPush {
		return nil
	}
	return e
}

// Confirm marks a reserved part assigned once the scheduler acknowledged
// the push.
//
// Parameters:
//   - id: Part id
//   - epoch: Epoch of the reservation
//   - ticket: Ticket returned by Reserve
//   - flavor: Flavor sent with the push, later compared during reconciling
//
// Returns:
//   - true when the part moved to PartAssigned
//   - false for a stale epoch or ticket, the part is left untouched
//
// Thread Safety:
// Safe for concurrent use.
func (t *PartTable) Confirm(id int, epoch, ticket uint64, flavor int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.pending(id, epoch, ticket)
	if e == nil {
		return false
	}
	e.status.State = PartAssigned
	e.status.Flavor = flavor
	e.status.LastScheduler = e.status.Scheduler
	return true
}

// Revert puts a reserved part back to Unassigned after a failed push.
//
// Parameters:
//   - id: Part id
//   - epoch: Epoch of the reservation
//   - ticket: Ticket returned by Reserve
//
// Returns:
//   - true when the part went back to PartUnassigned
//   - false for a stale epoch or ticket
//
// Thread Safety:
// Safe for concurrent use.
func (t *PartTable) Revert(id int, epoch, ticket uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.pending(id, epoch, ticket)
	if e == nil {
		return false
	}
	e.status.State = PartUnassigned
	e.status.Scheduler = ""
	return true
}

// Release returns every part held by a scheduler to Unassigned, whether
// pending or assigned. Tickets of pending pushes become stale.
//
// Parameters:
//   - scheduler: Scheduler id
//
// Returns:
//   - Ids of the released parts in table order, empty when it held none
//
// Thread Safety:
// Safe for concurrent use. Called from registry hooks when a scheduler
// dies or restarts.
//
// Example:
//
//	if released := parts.Release(id); len(released) > 0 {
//	    log.Warn("parts returned to the pool", zap.Ints("parts", released))
//	}
func (t *PartTable) Release(scheduler string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for _, id := range t.order {
		e := t.entries[id]
		if e.status.Scheduler != scheduler || e.status.State == PartUnassigned {
			continue
		}
		if e.status.State == PartAssigned {
			e.status.LastScheduler = scheduler
		}
		e.status.State = PartUnassigned
		e.status.Scheduler = ""
		e.status.Flavor = 0
		e.ticket = 0
		out = append(out, id)
	}
	return out
}

// HeldBy returns the part a scheduler holds or is being pushed.
func (t *PartTable) HeldBy(scheduler string) (PartStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range t.order {
		e := t.entries[id]
		if e.status.Scheduler == scheduler && e.status.State != PartUnassigned {
			return e.status, true
		}
	}
	return PartStatus{}, false
}

// Statuses returns a copy of every row in id order.
func (t *PartTable) Statuses() []PartStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PartStatus, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id].status)
	}
	return out
}

// InState returns the rows currently in state s.
func (t *PartTable) InState(s PartState) []PartStatus {
	var out []PartStatus
	for _, st := range t.Statuses() {
		if st.State == s {
			out = append(out, st)
		}
	}
	return out
}
