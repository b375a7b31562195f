package payoutd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PomeGroup/ontonbot-sub004/integrations/exports"
)

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	processor *Processor
	store     Store
	logger    *slog.Logger
	router    chi.Router
}

// NewAdminServer constructs a server wrapping the provided processor. Every route except
// /metrics passes through auth when it is non-nil.
func NewAdminServer(processor *Processor, store Store, auth *Authenticator, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	server := &AdminServer{processor: processor, store: store, logger: logger}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware)
		}
		r.Post("/pause", server.handlePause)
		r.Post("/resume", server.handleResume)
		r.Post("/run", server.handleRun)
		r.Get("/status", server.handleStatus)
		r.Post("/jobs/{jobID}/release", server.handleRelease)
		r.Get("/jobs/{jobID}/settlements", server.handleSettlements)
	})
	server.router = r
	return server
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.processor.Pause()
	s.logger.Info("payout processor paused by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.processor.Resume()
	s.logger.Info("payout processor resumed by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.processor.RunOnce(r.Context())
	if errors.Is(err, ErrProcessorPaused) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.processor.Status())
}

func (s *AdminServer) handleRelease(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.processor.Release(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleSettlements(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	rows, err := SettlementRows(r.Context(), s.store, jobID)
	if errors.Is(err, ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var (
		data        []byte
		sum         string
		contentType string
	)
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))) {
	case "", "csv":
		data, sum, err = exports.SettlementsCSV(rows)
		contentType = "text/csv"
	case "jsonl":
		data, sum, err = exports.SettlementsJSONL(rows)
		contentType = "application/x-ndjson"
	default:
		http.Error(w, "unsupported format", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Checksum-SHA256", sum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
