package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"telemetry-pipeline/internal/models"
	"telemetry-pipeline/internal/services"
	"telemetry-pipeline/pkg/database"
	"telemetry-pipeline/pkg/logging"
	"telemetry-pipeline/pkg/metrics"
)

// ObservationHandler serves the read-only observation API.
type ObservationHandler struct {
	queryService *services.QueryService
	db           *database.DB
	logger       *logging.StructuredLogger
	metrics      *metrics.Collector
}

// NewObservationHandler creates an observation handler. db may be nil
// when the process persists to flat files; the health check then skips
// the database ping.
func NewObservationHandler(
	queryService *services.QueryService,
	db *database.DB,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *ObservationHandler {
	return &ObservationHandler{
		queryService: queryService,
		db:           db,
		logger:       logger,
		metrics:      metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// timeLayouts accepted in start/end query parameters, most specific
// first.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimeParam(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognized time format")
}

// ListGroups handles GET /api/v1/groups
func (h *ObservationHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	timer := h.metrics.NewTimer(h.metrics.APIRequestDuration.WithLabelValues("/api/v1/groups"))
	defer timer.ObserveDuration()

	groups := h.queryService.ListGroups(ctx)
	h.metrics.RecordAPIRequest("/api/v1/groups", "GET", "200")
	h.sendJSON(w, map[string]interface{}{"data": groups, "total": len(groups)}, http.StatusOK)
}

// GetObservations handles GET /api/v1/groups/{id}/observations
func (h *ObservationHandler) GetObservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	timer := h.metrics.NewTimer(h.metrics.APIRequestDuration.WithLabelValues("/api/v1/groups/observations"))
	defer timer.ObserveDuration()

	groupID := mux.Vars(r)["id"]
	start, end, limit, ok := h.parseWindow(w, r)
	if !ok {
		return
	}

	rows, err := h.queryService.GetObservations(ctx, groupID, start, end, limit)
	if err != nil {
		h.handleQueryError(w, r, "/api/v1/groups/observations", groupID, err)
		return
	}

	h.metrics.RecordAPIRequest("/api/v1/groups/observations", "GET", "200")
	h.sendJSON(w, map[string]interface{}{
		"group_id": groupID,
		"data":     rows,
		"total":    len(rows),
	}, http.StatusOK)
}

// GetCoverage handles GET /api/v1/groups/{id}/coverage
func (h *ObservationHandler) GetCoverage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	timer := h.metrics.NewTimer(h.metrics.APIRequestDuration.WithLabelValues("/api/v1/groups/coverage"))
	defer timer.ObserveDuration()

	groupID := mux.Vars(r)["id"]
	start, end, _, ok := h.parseWindow(w, r)
	if !ok {
		return
	}

	stats, err := h.queryService.GetCoverage(ctx, groupID, start, end)
	if err != nil {
		h.handleQueryError(w, r, "/api/v1/groups/coverage", groupID, err)
		return
	}

	h.metrics.RecordAPIRequest("/api/v1/groups/coverage", "GET", "200")
	h.sendJSON(w, stats, http.StatusOK)
}

// parseWindow extracts start, end and limit query parameters, writing
// the error response itself when they do not parse.
func (h *ObservationHandler) parseWindow(w http.ResponseWriter, r *http.Request) (start, end time.Time, limit int, ok bool) {
	// a missing window defaults to everything
	start = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	end = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
	limit = 1000

	if s := r.URL.Query().Get("start"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			h.sendError(w, r, "invalid start, expected YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", http.StatusBadRequest)
			return start, end, limit, false
		}
		start = t
	}
	if s := r.URL.Query().Get("end"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			h.sendError(w, r, "invalid end, expected YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", http.StatusBadRequest)
			return start, end, limit, false
		}
		end = t
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l < 1 || l > 100000 {
			h.sendError(w, r, "invalid limit, expected integer between 1 and 100000", http.StatusBadRequest)
			return start, end, limit, false
		}
		limit = l
	}
	if end.Before(start) {
		h.sendError(w, r, "end precedes start", http.StatusBadRequest)
		return start, end, limit, false
	}
	return start, end, limit, true
}

func (h *ObservationHandler) handleQueryError(w http.ResponseWriter, r *http.Request, endpoint, groupID string, err error) {
	var notFound *models.NotFoundError
	if errors.As(err, &notFound) {
		h.sendError(w, r, notFound.Error(), http.StatusNotFound)
		return
	}
	h.logger.Error(r.Context(), "[API_QUERY_ERROR] Failed to read observations", logging.Fields{
		"group": groupID,
	}, err)
	h.metrics.RecordAPIError("internal_error", endpoint)
	h.sendError(w, r, "failed to retrieve observations", http.StatusInternalServerError)
}

// HealthCheck handles GET /health
func (h *ObservationHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			status["status"] = "unhealthy"
			status["reason"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, code)
}

// sendJSON sends a JSON response
func (h *ObservationHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *ObservationHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all observation API routes
func (h *ObservationHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/groups", h.ListGroups).Methods("GET")
	router.HandleFunc("/api/v1/groups/{id}/observations", h.GetObservations).Methods("GET")
	router.HandleFunc("/api/v1/groups/{id}/coverage", h.GetCoverage).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
