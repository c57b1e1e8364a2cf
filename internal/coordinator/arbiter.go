package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/vigil/internal/catalog"
	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/partition"
	"github.com/dreamware/vigil/internal/report"
)

// ErrInvalidConfiguration is returned by Reload when partitioning found
// structural errors. The previous configuration stays active.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Source loads the objects and settings of a reload.
type Source interface {
	Load(ctx context.Context) (catalog.Catalog, partition.Config, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (catalog.Catalog, partition.Config, error)

func (f SourceFunc) Load(ctx context.Context) (catalog.Catalog, partition.Config, error) {
	return f(ctx)
}

// Arbiter ties reloads to dispatch. A reload is partitioned completely
// before anything is exposed to the dispatcher, and only a valid result
// replaces the active one.
type Arbiter struct {
	log         *zap.Logger
	source      Source
	partitioner *partition.Partitioner
	dispatcher  *Dispatcher
	registry    *Registry
	metrics     *Metrics

	mu     sync.Mutex
	epoch  uint64
	active *partition.Result
	last   *partition.Result
}

// NewArbiter returns an arbiter with nothing active yet.
func NewArbiter(log *zap.Logger, source Source, partitioner *partition.Partitioner, dispatcher *Dispatcher, registry *Registry, metrics *Metrics) *Arbiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Arbiter{
		log:         log.Named("arbiter"),
		source:      source,
		partitioner: partitioner,
		dispatcher:  dispatcher,
		registry:    registry,
		metrics:     metrics,
	}
}

// Reload loads and partitions the configuration and activates it when it
// is valid. The returned result is the attempted one, valid or not.
func (a *Arbiter) Reload(ctx context.Context) (*partition.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cat, cfg, err := a.source.Load(ctx)
	if err != nil {
		a.metrics.Reloads.WithLabelValues("load_error").Inc()
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	a.epoch++
	res := a.partitioner.Partition(cat, cfg, a.epoch)
	a.last = res
	a.metrics.ReloadErrors.Set(float64(len(res.Report.Errors)))

	if !res.Valid() {
		a.metrics.Reloads.WithLabelValues("invalid").Inc()
		kept := uint64(0)
		if a.active != nil {
			kept = a.active.Epoch
		}
		a.log.Error("configuration rejected, keeping the active one",
			zap.Uint64("epoch", res.Epoch),
			zap.Uint64("active_epoch", kept),
			zap.Int("errors", len(res.Report.Errors)))
		for _, e := range res.Report.Errors {
			a.log.Error("configuration error", zap.Error(e))
		}
		return res, fmt.Errorf("%w: %w", ErrInvalidConfiguration, res.Report.Err())
	}

	for _, w := range res.Report.Warnings {
		a.log.Warn("configuration warning", zap.String("code", string(w.Code)), zap.String("message", w.Error()))
	}
	a.active = res
	a.dispatcher.Activate(ctx, res)
	a.metrics.Reloads.WithLabelValues("ok").Inc()
	return res, nil
}

// Active returns the dispatched result, nil before the first valid reload.
func (a *Arbiter) Active() *partition.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Status is the operator view of the last reload and of dispatch.
type Status struct {
	ActiveEpoch uint64                `json:"active_epoch"`
	LastEpoch   uint64                `json:"last_epoch"`
	LastValid   bool                  `json:"last_valid"`
	Report      *report.Report        `json:"report,omitempty"`
	Dispatch    []*report.ConfigError `json:"dispatch_errors"`
	Events      []Event               `json:"events,omitempty"`
}

// Status reports the last reload and the dispatch errors of the last pass.
// The recent link transitions are included and stay there for the next
// caller.
func (a *Arbiter) Status() Status {
	a.mu.Lock()
	st := Status{}
	if a.active != nil {
		st.ActiveEpoch = a.active.Epoch
	}
	if a.last != nil {
		st.LastEpoch = a.last.Epoch
		st.LastValid = a.last.Valid()
		st.Report = a.last.Report
	}
	a.mu.Unlock()

	st.Dispatch = a.dispatcher.Errors()
	st.Events = a.registry.RecentEvents()
	return st
}

// Register handles a satellite announcing itself.
func (a *Arbiter) Register(req cluster.RegisterRequest) error {
	if req.Satellite.ID == "" {
		return errors.New("satellite id is required")
	}
	if _, err := cluster.ParseKind(string(req.Satellite.Kind)); err != nil {
		return err
	}
	a.registry.Register(req.Satellite, req.RunningID)
	a.dispatcher.Kick()
	return nil
}
