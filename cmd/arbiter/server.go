package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/vigil/internal/cluster"
	"github.com/dreamware/vigil/internal/coordinator"
)

const maxRegisterBytes = 1 << 20

// server exposes the arbiter over HTTP.
type server struct {
	log      *zap.Logger
	runID    string
	arbiter  *coordinator.Arbiter
	registry *coordinator.Registry
	disp     *coordinator.Dispatcher
	gatherer prometheus.Gatherer
}

func newServer(log *zap.Logger, runID string, a *coordinator.Arbiter, r *coordinator.Registry, d *coordinator.Dispatcher, g prometheus.Gatherer) *server {
	return &server{log: log, runID: runID, arbiter: a, registry: r, disp: d, gatherer: g}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /satellites", s.handleSatellites)
	mux.HandleFunc("GET /parts", s.handleParts)
	mux.HandleFunc("GET /report", s.handleReport)
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBytes)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Satellite.Addr == "" {
		http.Error(w, "missing addr", http.StatusBadRequest)
		return
	}
	if err := s.arbiter.Register(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSatellites(w http.ResponseWriter, r *http.Request) {
	links := s.registry.Snapshot()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		k, err := cluster.ParseKind(kind)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		links = s.registry.List(k)
	}
	writeJSON(w, http.StatusOK, struct {
		Satellites []coordinator.LinkState `json:"satellites"`
	}{Satellites: links})
}

func (s *server) handleParts(w http.ResponseWriter, _ *http.Request) {
	table := s.disp.Parts()
	writeJSON(w, http.StatusOK, struct {
		Epoch uint64                   `json:"epoch"`
		Parts []coordinator.PartStatus `json:"parts"`
	}{Epoch: table.Epoch(), Parts: table.Statuses()})
}

func (s *server) handleReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.arbiter.Status())
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	res, err := s.arbiter.Reload(r.Context())
	switch {
	case errors.Is(err, coordinator.ErrInvalidConfiguration):
		writeJSON(w, http.StatusUnprocessableEntity, struct {
			Error  string `json:"error"`
			Epoch  uint64 `json:"epoch"`
			Report any    `json:"report"`
		}{Error: err.Error(), Epoch: res.Epoch, Report: res.Report})
	case err != nil:
		s.log.Error("reload failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, struct {
			Epoch    uint64 `json:"epoch"`
			Parts    int    `json:"parts"`
			Warnings int    `json:"warnings"`
		}{Epoch: res.Epoch, Parts: len(res.Parts), Warnings: len(res.Report.Warnings)})
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := s.arbiter.Active()
	status := http.StatusOK
	var epoch uint64
	if active == nil {
		status = http.StatusServiceUnavailable
	} else {
		epoch = active.Epoch
	}
	writeJSON(w, status, struct {
		RunID       string `json:"run_id"`
		ActiveEpoch uint64 `json:"active_epoch"`
	}{RunID: s.runID, ActiveEpoch: epoch})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
