package satellite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/partition"
	"github.com/dreamware/vigil/internal/storage"
)

var (
	// ErrWrongKind is returned when a push is meant for another kind of
	// satellite.
	ErrWrongKind = errors.New("configuration is for another satellite kind")
	// ErrBadPart is returned when a scheduler push carries no valid part.
	ErrBadPart = errors.New("invalid configuration part")
)

// Registrar announces a satellite to the arbiter.
type Registrar interface {
	Register(ctx context.Context, arbiterAddr string, req cluster.RegisterRequest) cluster.Result
}

// Satellite is the state of one satellite daemon. Whatever its kind, it
// holds what the arbiter last pushed and nothing else.
type Satellite struct {
	log       *zap.Logger
	clock     clockwork.Clock
	info      cluster.SatelliteInfo
	runningID string
	store     storage.Store
	startedAt time.Time

	mu       sync.RWMutex
	epoch    uint64
	hosts    int
	lastPush time.Time

	maxPush    int64
	maxDecoded uint64

	pushes *prometheus.CounterVec
}

// New creates a satellite with an empty store and a fresh running id.
func New(log *zap.Logger, clock clockwork.Clock, info cluster.SatelliteInfo, store storage.Store, reg prometheus.Registerer) *Satellite {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Satellite{
		log:        log.Named(string(info.Kind)).With(zap.String("id", info.ID)),
		clock:      clock,
		info:       info,
		runningID:  uuid.NewString(),
		store:      store,
		startedAt:  clock.Now(),
		maxPush:    maxPushBytes,
		maxDecoded: cluster.MaxDecodedSize,
		pushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "satellite",
			Name:      "pushes_total",
			Help:      "Configuration pushes received, by result.",
		}, []string{"result"}),
	}
}

// RunningID changes every time the process starts.
func (s *Satellite) RunningID() string {
	return s.runningID
}

// Info returns the static description sent at registration.
func (s *Satellite) Info() cluster.SatelliteInfo {
	return s.info
}

// Managed returns what the satellite holds, as reported to the arbiter.
func (s *Satellite) Managed() cluster.ManagedConfs {
	return s.store.Managed()
}

// Apply replaces the held configuration with the content of a push.
func (s *Satellite) Apply(req cluster.PushRequest) error {
	if req.Header.Kind != s.info.Kind {
		return fmt.Errorf("%w: got %s, this is a %s", ErrWrongKind, req.Header.Kind, s.info.Kind)
	}

	now := s.clock.Now()
	var confs []storage.Conf
	hosts := 0
	switch {
	case s.info.Kind == cluster.KindScheduler && req.Header.PartID == cluster.NoPart:
		s.log.Info("dropping the held part, waiting for a new configuration")
	case s.info.Kind == cluster.KindScheduler:
		var part partition.Part
		if err := json.Unmarshal(req.Body, &part); err != nil {
			return fmt.Errorf("%w: %w", ErrBadPart, err)
		}
		if req.Header.PartID < 0 || part.ID != req.Header.PartID {
			return fmt.Errorf("%w: header names part %d, body part %d", ErrBadPart, req.Header.PartID, part.ID)
		}
		hosts = len(part.Hosts)
		confs = append(confs, storage.Conf{
			PartID:     part.ID,
			Kind:       s.info.Kind,
			Epoch:      req.Header.Epoch,
			Flavor:     req.Header.Flavor,
			Payload:    req.Body,
			ReceivedAt: now,
		})
	default:
		var view cluster.SatelliteView
		if err := json.Unmarshal(req.Body, &view); err != nil {
			return fmt.Errorf("decode satellite view: %w", err)
		}
		for _, ref := range view.Schedulers {
			raw, err := json.Marshal(ref)
			if err != nil {
				return fmt.Errorf("encode scheduler reference: %w", err)
			}
			confs = append(confs, storage.Conf{
				PartID:     ref.PartID,
				Kind:       s.info.Kind,
				Epoch:      view.Epoch,
				Flavor:     ref.Flavor,
				Payload:    raw,
				ReceivedAt: now,
			})
		}
		hosts = len(view.HostOwners)
	}

	s.store.Replace(confs)
	s.mu.Lock()
	s.epoch = req.Header.Epoch
	s.hosts = hosts
	s.lastPush = now
	s.mu.Unlock()

	s.log.Info("configuration received",
		zap.Uint64("epoch", req.Header.Epoch),
		zap.Int("parts", len(confs)),
		zap.Int("hosts", hosts))
	return nil
}

// Status is what GET /info returns.
type Status struct {
	Satellite cluster.SatelliteInfo `json:"satellite"`
	RunningID string                `json:"running_id"`
	Epoch     uint64                `json:"epoch"`
	Hosts     int                   `json:"hosts"`
	Held      []storage.Conf        `json:"held"`
	Stats     storage.StoreStats    `json:"stats"`
	StartedAt time.Time             `json:"started_at"`
	LastPush  *time.Time            `json:"last_push,omitempty"`
}

// Status reports what the satellite holds.
func (s *Satellite) Status() Status {
	s.mu.RLock()
	st := Status{
		Satellite: s.info,
		RunningID: s.runningID,
		Epoch:     s.epoch,
		Hosts:     s.hosts,
		StartedAt: s.startedAt,
	}
	if !s.lastPush.IsZero() {
		last := s.lastPush
		st.LastPush = &last
	}
	s.mu.RUnlock()

	st.Held = s.store.List()
	st.Stats = s.store.Stats()
	return st
}

// Register announces the satellite to the arbiter, retrying with the given
// backoff policy until it succeeds, the policy gives up or ctx is done. A
// 4xx answer is not retried.
func (s *Satellite) Register(ctx context.Context, r Registrar, arbiterAddr string, policy backoff.BackOff) error {
	req := cluster.RegisterRequest{Satellite: s.info, RunningID: s.runningID}
	op := func() error {
		res := r.Register(ctx, arbiterAddr, req)
		if res.OK() {
			return nil
		}
		if res.Outcome == cluster.OutcomeRejected && res.Status >= http.StatusBadRequest && res.Status < http.StatusInternalServerError {
			return backoff.Permanent(res.Err())
		}
		return res.Err()
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn("register retry", zap.String("arbiter", arbiterAddr), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("register with arbiter %s: %w", arbiterAddr, err)
	}
	s.log.Info("registered with arbiter", zap.String("arbiter", arbiterAddr), zap.String("running_id", s.runningID))
	return nil
}
