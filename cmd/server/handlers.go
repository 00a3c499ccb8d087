package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/omni-pipeline/internal/coordinator"
	"github.com/yourorg/omni-pipeline/internal/export"
	"github.com/yourorg/omni-pipeline/internal/model"
	"github.com/yourorg/omni-pipeline/internal/store"
)

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleRun starts a manual processing run over all pending tokens.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	runID, err := s.coord.StartRun(model.TriggerManual)
	switch {
	case errors.Is(err, coordinator.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, coordinator.ErrNoPendingTokens):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

// handleStop requests a graceful stop of the active run.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	err := s.coord.Stop()
	switch {
	case errors.Is(err, coordinator.ErrNoActiveRun):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	}
}

// handleStatus reports the active (or most recent) run plus service info.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "operational",
		"uptime":    time.Since(startTime).String(),
		"in_flight": s.coord.InFlight(),
		"export":    s.exporter.Status(),
	}
	if run, ok := s.coord.Status(); ok {
		status["run"] = run
	}
	writeJSON(w, http.StatusOK, status)
}

// handleProcess runs the pipeline for a single token synchronously.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"address\": \"...\"}")
		return
	}

	evals, err := s.coord.ProcessToken(r.Context(), req.Address)
	switch {
	case errors.Is(err, coordinator.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coordinator.ErrTokenInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, coordinator.ErrProviderLockout):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"token":       req.Address,
			"evaluations": evals,
		})
	}
}

// handleTokens lists registered tokens (GET, with an optional state
// filter) or submits a new one (POST).
func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var states []model.ProcessingState
		if state := r.URL.Query().Get("state"); state != "" {
			states = append(states, model.ProcessingState(state))
		}
		tokens, err := s.store.TokensByState(r.Context(), states...)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":  len(tokens),
			"tokens": tokens,
		})

	case http.MethodPost:
		var req struct {
			Address string `json:"address"`
			Name    string `json:"name"`
			Symbol  string `json:"symbol"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
			writeError(w, http.StatusBadRequest, "body must include an address")
			return
		}
		if err := model.ValidateAddress(req.Address); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		name := req.Name
		if name == "" {
			name = "UNKNOWN"
		}
		err := s.store.UpsertToken(r.Context(), model.Token{
			Address:      req.Address,
			Name:         name,
			Symbol:       req.Symbol,
			DiscoveredAt: time.Now().UTC(),
			State:        model.StatePending,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"address": req.Address})

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

// handleRuns lists recent processing runs, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.store.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(runs),
		"runs":  runs,
	})
}

// handleDiscover triggers an immediate trending-token discovery pass.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	registered, err := s.disc.Discover(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"registered": registered})
}

// handleExportCSV streams the latest evaluations for a token as CSV.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("token")
	if addr == "" {
		writeError(w, http.StatusBadRequest, "token query parameter required")
		return
	}

	evals, err := s.store.EvaluationsForToken(r.Context(), addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(evals) == 0 {
		if _, err := s.store.Token(r.Context(), addr); errors.Is(err, store.ErrTokenNotFound) {
			writeError(w, http.StatusNotFound, "unknown token")
			return
		}
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "evaluations_"+addr+".csv"))
	if err := export.WriteCSV(w, evals); err != nil {
		logrus.WithError(err).Error("CSV export failed")
	}
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
