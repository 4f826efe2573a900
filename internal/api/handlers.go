package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/verityops/verity/internal/breaker"
	"github.com/verityops/verity/internal/models"
	"github.com/verityops/verity/internal/storage"
)

// StatusSource is the orchestrator-facing read surface the API serves
// from.
type StatusSource interface {
	Health() models.HealthState
	CircuitStats() map[string]breaker.Stats
	Stages() []string
}

// Response is the uniform JSON envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError carries a machine-readable code and a human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type handlers struct {
	src    StatusSource
	cycles storage.CycleStore
	logger zerolog.Logger
}

func newHandlers(src StatusSource, cycles storage.CycleStore, logger zerolog.Logger) *handlers {
	return &handlers{
		src:    src,
		cycles: cycles,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, Response{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
	})
}

// handleHealth is the liveness endpoint. 200 healthy, 200 with degraded
// body when running on degraded data, nothing else: the process being up
// is what load balancers care about.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.src.Health()
	status := "healthy"
	if health.Degraded || len(health.CircuitOpen) > 0 {
		status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]string{"status": status},
	})
}

type statusPayload struct {
	Health models.HealthState `json:"health"`
	Stages []string           `json:"stages"`
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: statusPayload{
			Health: h.src.Health(),
			Stages: h.src.Stages(),
		},
	})
}

type circuitPayload struct {
	Stage               string `json:"stage"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	ProbeSuccesses      int    `json:"probe_successes"`
}

func (h *handlers) handleCircuits(w http.ResponseWriter, r *http.Request) {
	stats := h.src.CircuitStats()
	out := make([]circuitPayload, 0, len(stats))
	for stage, s := range stats {
		out = append(out, circuitPayload{
			Stage:               stage,
			State:               s.State.String(),
			ConsecutiveFailures: s.ConsecutiveFailures,
			ProbeSuccesses:      s.ProbeSuccesses,
		})
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: out})
}

func (h *handlers) handleListCycles(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	cycles, err := h.cycles.ListCycles(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list cycles")
		h.writeError(w, http.StatusInternalServerError, "storage_error", "failed to list cycles")
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: cycles})
}

func (h *handlers) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cycle, err := h.cycles.GetCycle(r.Context(), id)
	if errors.Is(err, models.ErrCycleNotFound) {
		h.writeError(w, http.StatusNotFound, "cycle_not_found", "no cycle with id "+id)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("cycle_id", id).Msg("Failed to load cycle")
		h.writeError(w, http.StatusInternalServerError, "storage_error", "failed to load cycle")
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: cycle})
}
