package pack

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/vigil/internal/graph"
)

// ErrNoScheduler is returned when a realm holds hosts but has no scheduler,
// not even a spare.
var ErrNoScheduler = errors.New("no scheduler available")

// Scheduler is the part of a scheduler link the distributor needs.
type Scheduler struct {
	ID     string
	Weight int
	Spare  bool
}

// Bucket is the set of hosts meant for one scheduler.
type Bucket struct {
	Scheduler string
	Hosts     []string
}

// Distribution is the outcome of one realm's distribution.
type Distribution struct {
	Buckets []Bucket
	// Degraded is set when the realm only had spares and the first one was
	// used.
	Degraded bool
}

// Distributor spreads packs over schedulers with weighted round-robin.
//
// It remembers which scheduler each host went to, per realm, and reuses that
// choice on the next run when every host of a pack agrees on a scheduler
// that is still part of the realm. The memory lives as long as the
// Distributor, so keeping one Distributor across reloads keeps hosts on
// their scheduler across reloads.
type Distributor struct {
	log *zap.Logger

	mu       sync.Mutex
	affinity map[string]map[string]string // realm -> host -> scheduler id
}

// NewDistributor returns a Distributor with empty affinity.
func NewDistributor(log *zap.Logger) *Distributor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Distributor{
		log:      log.Named("pack-distributor"),
		affinity: make(map[string]map[string]string),
	}
}

// Distribute assigns every host of packs to exactly one bucket. There is one
// bucket per non-spare scheduler, in the order given. With no non-spare
// scheduler the first spare gets a single bucket and the distribution is
// flagged degraded. With no scheduler at all and at least one host it
// returns ErrNoScheduler and the packs are dropped.
func (d *Distributor) Distribute(realm string, packs []graph.Pack, scheds []Scheduler) (Distribution, error) {
	var active []Scheduler
	for _, s := range scheds {
		if !s.Spare {
			active = append(active, s)
		}
	}

	var dist Distribution
	if len(active) == 0 {
		hosts := 0
		for _, p := range packs {
			hosts += len(p)
		}
		if len(scheds) == 0 {
			if hosts == 0 {
				return dist, nil
			}
			return dist, fmt.Errorf("realm %q holds %d hosts: %w", realm, hosts, ErrNoScheduler)
		}
		spare := scheds[0]
		spare.Weight = 1
		active = []Scheduler{spare}
		dist.Degraded = true
		d.log.Warn("realm only has spare schedulers, using the first one",
			zap.String("realm", realm),
			zap.String("scheduler", spare.ID))
	}

	dist.Buckets = make([]Bucket, len(active))
	bucketOf := make(map[string]int, len(active))
	var pool []int
	for i, s := range active {
		dist.Buckets[i].Scheduler = s.ID
		bucketOf[s.ID] = i
		w := s.Weight
		if w < 1 {
			w = 1
		}
		for j := 0; j < w; j++ {
			pool = append(pool, i)
		}
	}

	ordered := slices.Clone(packs)
	slices.SortStableFunc(ordered, func(a, b graph.Pack) int {
		return len(b) - len(a)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	previous := d.affinity[realm]
	current := make(map[string]string)
	next := 0
	reused := 0
	for _, p := range ordered {
		if len(p) == 0 {
			continue
		}
		idx, ok := stickyBucket(p, previous, bucketOf)
		if ok {
			reused++
		} else {
			idx = pool[next%len(pool)]
			next++
		}
		b := &dist.Buckets[idx]
		b.Hosts = append(b.Hosts, p...)
		for _, h := range p {
			current[h] = b.Scheduler
		}
	}
	d.affinity[realm] = current

	d.log.Debug("packs distributed",
		zap.String("realm", realm),
		zap.Int("packs", len(ordered)),
		zap.Int("buckets", len(dist.Buckets)),
		zap.Int("reused", reused))
	return dist, nil
}

// stickyBucket returns the bucket every host of p was last put in, if they
// all agree and that scheduler still has a bucket.
func stickyBucket(p graph.Pack, previous map[string]string, bucketOf map[string]int) (int, bool) {
	if previous == nil {
		return 0, false
	}
	var sched string
	for i, h := range p {
		s, ok := previous[h]
		if !ok {
			return 0, false
		}
		if i == 0 {
			sched = s
		} else if s != sched {
			return 0, false
		}
	}
	idx, ok := bucketOf[sched]
	return idx, ok
}

// Forget drops the affinity of a realm.
func (d *Distributor) Forget(realm string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.affinity, realm)
}
