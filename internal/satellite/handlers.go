package satellite

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/vigil/internal/cluster"
)

// maxPushBytes bounds the size of an encoded push as read from the wire.
const maxPushBytes = 64 << 20

// Handler returns the HTTP API of the satellite:
//
//	GET  /ping            liveness, answers "pong" and the running id
//	POST /push            replace the held configuration
//	GET  /managed         part id → flavor (schedulers)
//	GET  /what_i_managed  part id → flavor (other kinds)
//	GET  /info            held configuration and counters
//	GET  /health          200 while the process serves
func (s *Satellite) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("POST /push", s.handlePush)
	mux.HandleFunc("GET /managed", s.handleManaged)
	mux.HandleFunc("GET /what_i_managed", s.handleManaged)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Satellite) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, cluster.PingResponse{Pong: cluster.Pong, RunningID: s.runningID})
}

func (s *Satellite) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPush))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.pushes.WithLabelValues("too_large").Inc()
			s.log.Warn("push refused", zap.String("reason", "too_large"), zap.Int64("limit", tooLarge.Limit))
			http.Error(w, cluster.ErrTooLarge.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		s.pushes.WithLabelValues("read_error").Inc()
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var req cluster.PushRequest
	if err := cluster.DecodeLimit(data, &req, s.maxDecoded); err != nil {
		result, status := "decode_error", http.StatusBadRequest
		switch {
		case errors.Is(err, cluster.ErrVersionMismatch):
			result = "version_mismatch"
		case errors.Is(err, cluster.ErrTooLarge):
			result, status = "too_large", http.StatusRequestEntityTooLarge
		}
		s.pushes.WithLabelValues(result).Inc()
		s.log.Warn("push refused", zap.String("reason", result), zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	if err := s.Apply(req); err != nil {
		s.pushes.WithLabelValues("rejected").Inc()
		s.log.Warn("push refused", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.pushes.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Satellite) handleManaged(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Managed())
}

func (s *Satellite) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
