// Package admin exposes the operator-facing HTTP API for allocation
// control and inspection.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/scheduler"
)

// Handler serves the admin endpoints.
type Handler struct {
	sched   *scheduler.Scheduler
	reg     *registry.Registry
	stagger time.Duration
	log     logger.Logger
}

// NewHandler creates a Handler. The stagger duration feeds the completion
// estimate returned by trigger responses.
func NewHandler(sched *scheduler.Scheduler, reg *registry.Registry, stagger time.Duration, log logger.Logger) (*Handler, error) {
	if sched == nil || reg == nil || log == nil {
		return nil, fmt.Errorf("scheduler, registry and logger are required")
	}
	return &Handler{sched: sched, reg: reg, stagger: stagger, log: log}, nil
}

// Routes builds the admin router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/allocation", func(r chi.Router) {
		r.Post("/trigger", h.Trigger)
		r.Get("/snapshot", h.Snapshot)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

type triggerRequest struct {
	Scope     string `json:"scope"`
	TargetID  string `json:"targetId"`
	Source    string `json:"source"`
	Immediate bool   `json:"immediate"`
}

type triggerResponse struct {
	Success                    bool   `json:"success"`
	ScheduledUpdates           int    `json:"scheduledUpdates"`
	OnlineStations             int    `json:"onlineStations"`
	EstimatedCompletionSeconds int    `json:"estimatedCompletionSeconds"`
	Error                      string `json:"error,omitempty"`
}

// Trigger forces an allocation cycle for the requested scope. A trigger
// over an empty fleet still succeeds; only malformed targets are rejected.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, triggerResponse{Error: "invalid request body"})
		return
	}
	if req.Scope == "" {
		req.Scope = string(scheduler.ScopeFleet)
	}
	scope := scheduler.Scope(strings.ToLower(req.Scope))
	if scope != scheduler.ScopeFleet && req.TargetID == "" {
		writeJSON(w, http.StatusBadRequest, triggerResponse{Error: "targetId is required for scoped triggers"})
		return
	}

	count, err := h.sched.TriggerNow(r.Context(), scope, req.TargetID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrUnknownScope) || strings.HasPrefix(err.Error(), "unknown") {
			status = http.StatusBadRequest
		}
		h.log.Warnf("trigger %s/%s failed: %v", scope, req.TargetID, err)
		writeJSON(w, status, triggerResponse{Error: err.Error()})
		return
	}

	source := req.Source
	if source == "" {
		source = "manual"
	}
	h.log.Infof("allocation trigger scope=%s target=%s source=%s count=%d", scope, req.TargetID, source, count)
	writeJSON(w, http.StatusOK, triggerResponse{
		Success:                    true,
		ScheduledUpdates:           count,
		OnlineStations:             len(h.reg.OnlineStations()),
		EstimatedCompletionSeconds: h.estimate(count),
	})
}

type snapshotResponse struct {
	Results    []model.AllocationResult `json:"results"`
	ComputedAt time.Time                `json:"computedAt"`
}

// Snapshot computes the current allocation without pushing profiles.
// An optional cpid query parameter narrows the response to one connector.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	results, err := h.sched.Compute(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrNoSettings) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		h.log.Errorf("snapshot compute failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "allocation compute failed"})
		return
	}
	if cpid := r.URL.Query().Get("cpid"); cpid != "" {
		filtered := results[:0]
		for _, res := range results {
			if res.CPID == cpid {
				filtered = append(filtered, res)
			}
		}
		if len(filtered) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown connector %q", cpid)})
			return
		}
		results = filtered
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Results: results, ComputedAt: time.Now().UTC()})
}

func (h *Handler) estimate(count int) int {
	if count == 0 {
		return 0
	}
	d := time.Duration(count) * h.stagger
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs == 0 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
