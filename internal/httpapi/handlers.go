package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"dispatchq/internal/domain"
	"dispatchq/internal/schedule"
	"dispatchq/internal/service"
	"dispatchq/internal/util"
)

type RateConfigStore interface {
	GetRateLimitConfig(ctx context.Context, tenantID string, now time.Time) (domain.RateLimitConfig, error)
	UpdateRateLimitConfig(ctx context.Context, cfg domain.RateLimitConfig, now time.Time) error
}

type API struct {
	Enqueuer    *service.Enqueuer
	RateConfigs RateConfigStore
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/notifications", a.handleEnqueue).Methods(http.MethodPost)
	mux.HandleFunc("/v1/notifications/{id}", a.handleGetEntry).Methods(http.MethodGet)
	mux.HandleFunc("/v1/tenants/{tenantId}/rate-limit", a.handleGetRateLimit).Methods(http.MethodGet)
	mux.HandleFunc("/v1/tenants/{tenantId}/rate-limit", a.handlePutRateLimit).Methods(http.MethodPut)
}

// recurrencePayload lets template-driven callers pass a weekly rule instead of
// a concrete scheduled_at; the due-time is resolved here, at the boundary.
type recurrencePayload struct {
	Days []string `json:"days"`
	Time string   `json:"time"`
}

type enqueuePayload struct {
	domain.EnqueueRequest
	Recurrence *recurrencePayload `json:"recurrence,omitempty"`
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueuePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Recurrence != nil && req.ScheduledAt == nil {
		rule, err := schedule.ParseRule(req.Recurrence.Days, req.Recurrence.Time)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		due := rule.NextDueTime(util.NowUTC())
		req.ScheduledAt = &due
	}

	entryID, err := a.Enqueuer.Enqueue(r.Context(), req.EnqueueRequest)
	if err == domain.ErrMissingFields {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("enqueue failed",
			"err", err,
			"tenant_id", req.TenantID,
			"template_id", req.TemplateID,
			"subject_id", req.SubjectID,
		)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	resp := domain.EnqueueResponse{EntryID: entryID, Status: string(domain.StatusPending)}
	if entry, found, err := a.Enqueuer.GetEntry(r.Context(), entryID); err == nil && found {
		resp.Status = string(entry.Status)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *API) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	entry, found, err := a.Enqueuer.GetEntry(r.Context(), id)
	if err != nil {
		slog.Error("get entry failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entry)
}

// rateLimitPayload carries the delay in milliseconds on the wire, matching
// the stored column, instead of a raw time.Duration.
type rateLimitPayload struct {
	TenantID            string `json:"tenantId"`
	MessagesPerMinute   int    `json:"messagesPerMinute"`
	MessagesPerHour     int    `json:"messagesPerHour"`
	InterMessageDelayMs int    `json:"interMessageDelayMs"`
	Enabled             bool   `json:"enabled"`
}

func (a *API) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	cfg, err := a.RateConfigs.GetRateLimitConfig(r.Context(), tenantID, util.NowUTC())
	if err != nil {
		slog.Error("get rate limit config failed", "err", err, "tenant_id", tenantID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rateLimitPayload{
		TenantID:            cfg.TenantID,
		MessagesPerMinute:   cfg.MessagesPerMinute,
		MessagesPerHour:     cfg.MessagesPerHour,
		InterMessageDelayMs: int(cfg.InterMessageDelay / time.Millisecond),
		Enabled:             cfg.Enabled,
	})
}

func (a *API) handlePutRateLimit(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	var in rateLimitPayload
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if in.MessagesPerMinute <= 0 || in.MessagesPerHour <= 0 || in.InterMessageDelayMs < 0 {
		http.Error(w, "limits must be positive", http.StatusBadRequest)
		return
	}
	cfg := domain.RateLimitConfig{
		TenantID:          tenantID,
		MessagesPerMinute: in.MessagesPerMinute,
		MessagesPerHour:   in.MessagesPerHour,
		InterMessageDelay: time.Duration(in.InterMessageDelayMs) * time.Millisecond,
		Enabled:           in.Enabled,
	}
	if err := a.RateConfigs.UpdateRateLimitConfig(r.Context(), cfg, util.NowUTC()); err != nil {
		slog.Error("update rate limit config failed", "err", err, "tenant_id", tenantID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
