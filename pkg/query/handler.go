package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nicktill/flightreduce/pkg/config"
	"github.com/nicktill/flightreduce/pkg/httpx"
	"github.com/nicktill/flightreduce/pkg/storage"
)

// Handler serves reduced flight logs: record queries, phases, statistics,
// summaries, log listing and deletion.
type Handler struct {
	store    storage.Store
	executor *Executor
}

// NewHandler creates a new query handler
func NewHandler(store storage.Store) *Handler {
	return &Handler{
		store:    store,
		executor: NewExecutor(store),
	}
}

// LogsResponse lists stored logs.
type LogsResponse struct {
	Logs  []storage.LogInfo `json:"logs"`
	Count int               `json:"count"`
}

// HandleLogs handles GET /v1/logs.
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.LogListTimeout)
	defer cancel()

	logs, err := h.store.Logs(ctx)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	if logs == nil {
		logs = []storage.LogInfo{}
	}
	httpx.RespondJSON(w, http.StatusOK, LogsResponse{Logs: logs, Count: len(logs)})
}

// HandleRecords handles GET /v1/logs/{log_id}/records.
// Query parameters: kind, message_type, phase, start, end (log seconds), limit.
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	result, err := h.executor.Execute(ctx, req)
	if err != nil {
		if isRequestError(err) {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		httpx.RespondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// HandleOverview handles GET /v1/logs/{log_id}.
func (h *Handler) HandleOverview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	overview, err := h.executor.Overview(ctx, mux.Vars(r)["log_id"])
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, overview)
}

// HandleSummaryText handles GET /v1/logs/{log_id}/summary as plain text.
func (h *Handler) HandleSummaryText(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	overview, err := h.executor.Overview(ctx, mux.Vars(r)["log_id"])
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := WriteText(w, overview); err != nil {
		log.Printf("Failed to write summary for %s: %v", overview.LogID, err)
	}
}

// HandlePhases handles GET /v1/logs/{log_id}/phases.
func (h *Handler) HandlePhases(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	logID := mux.Vars(r)["log_id"]
	phases, err := h.store.Phases(ctx, logID)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}

	// ?track= narrows to one detection track
	if track := r.URL.Query().Get("track"); track != "" {
		filtered := phases[:0]
		for _, p := range phases {
			if p.Track == track {
				filtered = append(filtered, p)
			}
		}
		phases = filtered
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"log_id": logID,
		"phases": phases,
		"count":  len(phases),
	})
}

// HandleStatistics handles GET /v1/logs/{log_id}/statistics.
func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	logID := mux.Vars(r)["log_id"]
	stats, err := h.store.Statistics(ctx, logID)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"log_id":     logID,
		"statistics": stats,
	})
}

// HandleSummaries handles GET /v1/logs/{log_id}/summaries.
func (h *Handler) HandleSummaries(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	logID := mux.Vars(r)["log_id"]
	summaries, err := h.store.Summaries(ctx, logID)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"log_id":    logID,
		"summaries": summaries,
	})
}

// HandleDelete handles DELETE /v1/logs/{log_id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	logID := mux.Vars(r)["log_id"]
	if err := h.store.DeleteLog(ctx, logID); err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	log.Printf("Deleted log %s", logID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats handles GET /v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		httpx.RespondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

// parseRequest reads a record query from the route and URL parameters.
func parseRequest(r *http.Request) (Request, error) {
	params := r.URL.Query()
	req := Request{
		LogID:       mux.Vars(r)["log_id"],
		Kind:        Kind(params.Get("kind")),
		MessageType: params.Get("message_type"),
		Phase:       params.Get("phase"),
	}

	var err error
	if req.Start, err = parseSeconds(params.Get("start")); err != nil {
		return Request{}, fmt.Errorf("invalid start: %w", err)
	}
	if req.End, err = parseSeconds(params.Get("end")); err != nil {
		return Request{}, fmt.Errorf("invalid end: %w", err)
	}
	if v := params.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			return Request{}, fmt.Errorf("invalid limit: %w", err)
		}
	}
	return req, nil
}

func parseSeconds(v string) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%q is not a finite number of seconds", v)
	}
	return &f, nil
}

func isRequestError(err error) bool {
	return errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrMissingMessageType) ||
		errors.Is(err, ErrMissingPhase) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidLimit)
}
