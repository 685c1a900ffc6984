package trigger

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"
)

const maxLimit = 10000

// Handler exposes a Runner over HTTP.
type Handler struct {
	base         context.Context
	runner       *Runner
	defaultLimit int
	runTimeout   time.Duration
}

// NewHandler returns a Handler publishing defaultLimit records per run unless
// the request asks for fewer or more. Runs are derived from base, so
// cancelling it (process shutdown) aborts a run in progress.
func NewHandler(base context.Context, runner *Runner, defaultLimit int, runTimeout time.Duration) *Handler {
	return &Handler{base: base, runner: runner, defaultLimit: defaultLimit, runTimeout: runTimeout}
}

// RegisterRoutes mounts the routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ingest", h.handleIngest)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/watermark/reset", h.handleReset)
}

type ingestResponse struct {
	Result
	Error string `json:"error,omitempty"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := h.defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLimit {
			jsonError(w, "limit must be an integer between 1 and 10000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	// The run outlives a client that hangs up but not the process; it is
	// bounded by runTimeout.
	ctx := h.base
	if h.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.runTimeout)
		defer cancel()
	}

	res, err := h.runner.IngestNow(ctx, limit)
	switch {
	case err != nil:
		log.Printf("[trigger] ingest run failed after %d records: %v", res.Published, err)
		jsonWrite(w, http.StatusServiceUnavailable, ingestResponse{Result: res, Error: "ingest run aborted"})
	case res.Busy:
		jsonWrite(w, http.StatusConflict, ingestResponse{Result: res})
	default:
		jsonWrite(w, http.StatusAccepted, ingestResponse{Result: res})
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := h.runner.Status(r.Context())
	if err != nil {
		log.Printf("[trigger] status error: %v", err)
		jsonError(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	jsonWrite(w, http.StatusOK, st)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Marker *int64 `json:"marker"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Marker == nil {
		jsonError(w, `body must be {"marker": <int>}`, http.StatusBadRequest)
		return
	}

	busy, err := h.runner.ResetWatermark(r.Context(), *body.Marker)
	switch {
	case err != nil:
		log.Printf("[trigger] watermark reset error: %v", err)
		jsonError(w, "reset failed", http.StatusInternalServerError)
	case busy:
		jsonError(w, "ingest run in progress", http.StatusConflict)
	default:
		jsonWrite(w, http.StatusOK, map[string]int64{"marker": max(*body.Marker, 0)})
	}
}

func jsonWrite(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonWrite(w, code, map[string]string{"error": msg})
}
