// Package api exposes the engine over HTTP (data plane) and a small gRPC
// probe server for health checks.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opsignal/correlate/internal/engine"
	"github.com/opsignal/correlate/internal/models"
)

// Correlator is the engine surface the HTTP layer needs.
type Correlator interface {
	Ingest(alert models.AlertEvent) models.IngestAck
	ListIncidents(req models.ListIncidentsRequest) []*models.Incident
	GetIncident(tenantID, incidentID string) (*models.Incident, error)
	ResolveIncident(tenantID, incidentID string) error
}

// Response helpers
type errorResponse struct {
	Error errorBody `json:"error"`
}
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
type dataResponse struct {
	Data any `json:"data"`
}

const (
	errCodeBadRequest    = "BAD_REQUEST"
	errCodeNotFound      = "NOT_FOUND"
	errCodeConflict      = "CONFLICT"
	errCodeOverloaded    = "QUEUE_FULL"
	errCodeInternalError = "INTERNAL_ERROR"
)

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errorBody{Code: code, Message: message}})
}

func jsonStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(dataResponse{Data: data})
}

func jsonOK(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

// Handler serves the correlation API.
type Handler struct {
	engine Correlator
	logger *slog.Logger
}

// NewHandler constructs the HTTP handler over the engine.
func NewHandler(eng Correlator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: eng, logger: logger}
}

// Router assembles the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		jsonOK(w, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", h.ingestAlert)
		r.Route("/tenants/{tenantID}/incidents", func(r chi.Router) {
			r.Get("/", h.listIncidents)
			r.Get("/{incidentID}", h.getIncident)
			r.Post("/{incidentID}/resolve", h.resolveIncident)
		})
	})
	return r
}

// ingestAlert accepts one normalized alert. Acceptance means queued for
// correlation, not incident membership.
func (h *Handler) ingestAlert(w http.ResponseWriter, r *http.Request) {
	var alert models.AlertEvent
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid alert payload: "+err.Error())
		return
	}

	ack := h.engine.Ingest(alert)
	switch {
	case ack.Accepted:
		jsonStatus(w, http.StatusAccepted, ack)
	case strings.Contains(ack.Reason, engine.ErrQueueFull.Error()):
		jsonStatus(w, http.StatusTooManyRequests, ack)
	default:
		jsonStatus(w, http.StatusBadRequest, ack)
	}
}

func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "tenant id required")
		return
	}

	req := models.ListIncidentsRequest{TenantID: tenantID}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := models.IncidentStatus(strings.ToUpper(strings.TrimSpace(s)))
			switch status {
			case models.IncidentOpen, models.IncidentStale, models.IncidentResolved, models.IncidentMerged:
				req.Statuses = append(req.Statuses, status)
			default:
				jsonError(w, http.StatusBadRequest, errCodeBadRequest, "unknown status "+s)
				return
			}
		}
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			jsonError(w, http.StatusBadRequest, errCodeBadRequest, "since must be RFC3339")
			return
		}
		req.Since = since
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			jsonError(w, http.StatusBadRequest, errCodeBadRequest, "limit must be a non-negative integer")
			return
		}
		req.Limit = limit
	}

	incidents := h.engine.ListIncidents(req)
	if incidents == nil {
		incidents = []*models.Incident{}
	}
	jsonOK(w, incidents)
}

func (h *Handler) getIncident(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	incidentID := chi.URLParam(r, "incidentID")

	inc, err := h.engine.GetIncident(tenantID, incidentID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			jsonError(w, http.StatusNotFound, errCodeNotFound, "incident not found")
			return
		}
		h.logger.Error("get incident failed", slog.String("incident_id", incidentID), slog.Any("error", err))
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "lookup failed")
		return
	}
	jsonOK(w, inc)
}

// resolveIncident queues the acknowledgment; the tenant worker applies it in
// arrival order, so the response is 202 rather than the final state.
func (h *Handler) resolveIncident(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	incidentID := chi.URLParam(r, "incidentID")

	err := h.engine.ResolveIncident(tenantID, incidentID)
	switch {
	case err == nil:
		jsonStatus(w, http.StatusAccepted, map[string]string{"incident_id": incidentID, "status": "resolving"})
	case errors.Is(err, engine.ErrNotFound):
		jsonError(w, http.StatusNotFound, errCodeNotFound, "incident not found")
	case errors.Is(err, engine.ErrQueueFull):
		jsonError(w, http.StatusTooManyRequests, errCodeOverloaded, "tenant queue full, retry later")
	default:
		h.logger.Error("resolve failed", slog.String("incident_id", incidentID), slog.Any("error", err))
		jsonError(w, http.StatusConflict, errCodeConflict, err.Error())
	}
}
