package storage

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/vigil/internal/cluster"
)

// ErrNotHeld is returned when the satellite holds no configuration for a part.
var ErrNotHeld = errors.New("configuration not held")

// Conf is one configuration held by a satellite: a whole part for a
// scheduler, or one scheduler reference of a satellite view.
type Conf struct {
	PartID     int          `json:"part_id"`
	Kind       cluster.Kind `json:"kind"`
	Epoch      uint64       `json:"epoch"`
	Flavor     int64        `json:"flavor"`
	Payload    []byte       `json:"-"`
	ReceivedAt time.Time    `json:"received_at"`
}

// Store holds the configurations a satellite received. A push replaces the
// whole content; nothing is merged.
// All implementations must be safe for concurrent use.
type Store interface {
	// Get returns the configuration of a part, or ErrNotHeld.
	Get(partID int) (Conf, error)

	// Replace drops everything held and keeps confs instead.
	Replace(confs []Conf)

	// Clear drops everything held.
	Clear()

	// List returns the held configurations ordered by part id.
	List() []Conf

	// Managed returns part id to flavor, as reported to the arbiter.
	Managed() cluster.ManagedConfs

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Confs        int    `json:"confs"`
	Bytes        int    `json:"bytes"`
	Replacements uint64 `json:"replacements"`
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu           sync.RWMutex
	confs        map[int]Conf
	replacements uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		confs: make(map[int]Conf),
	}
}

// Get returns a copy of the held configuration.
func (m *MemoryStore) Get(partID int) (Conf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.confs[partID]
	if !ok {
		return Conf{}, ErrNotHeld
	}
	return clone(c), nil
}

// Replace swaps the content. Payloads are copied so callers may reuse
// their buffers.
func (m *MemoryStore) Replace(confs []Conf) {
	next := make(map[int]Conf, len(confs))
	for _, c := range confs {
		next[c.PartID] = clone(c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.confs = next
	m.replacements++
}

// Clear is Replace with nothing.
func (m *MemoryStore) Clear() {
	m.Replace(nil)
}

func (m *MemoryStore) List() []Conf {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Conf, 0, len(m.confs))
	for _, c := range m.confs {
		out = append(out, clone(c))
	}
	slices.SortFunc(out, func(a, b Conf) int { return a.PartID - b.PartID })
	return out
}

func (m *MemoryStore) Managed() cluster.ManagedConfs {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(cluster.ManagedConfs, len(m.confs))
	for id, c := range m.confs {
		out[id] = c.Flavor
	}
	return out
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, c := range m.confs {
		total += len(c.Payload)
	}
	return StoreStats{
		Confs:        len(m.confs),
		Bytes:        total,
		Replacements: m.replacements,
	}
}

func clone(c Conf) Conf {
	c.Payload = slices.Clone(c.Payload)
	return c
}
