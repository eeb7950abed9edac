package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/posdesk/posdesk/internal/catalog"
	"github.com/posdesk/posdesk/internal/domain"
	"github.com/posdesk/posdesk/internal/snapshot"
)

// Handlers serves the REST surface over the latest snapshot and the catalog
// store. All position reads are lock-free loads of the active snapshot.
type Handlers struct {
	publisher *snapshot.Publisher
	store     *catalog.Store
	metrics   *MetricsRegistry
	limiter   *rate.Limiter
	started   time.Time
}

// NewHandlers wires the endpoint handlers. publishPerMinute bounds catalog
// publishes; zero disables the limit.
func NewHandlers(publisher *snapshot.Publisher, store *catalog.Store, metrics *MetricsRegistry, publishPerMinute int) *Handlers {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if publishPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(publishPerMinute)/60), publishPerMinute)
	}
	return &Handlers{
		publisher: publisher,
		store:     store,
		metrics:   metrics,
		limiter:   limiter,
		started:   time.Now().UTC(),
	}
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Details   []string  `json:"details,omitempty"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details ...string) {
	requestID, _ := r.Context().Value(requestIDKey).(string)
	if requestID == "" {
		requestID = "unknown"
	}
	h.writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		Details:   details,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
}

// NotFound handles 404 responses.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// latest returns the current snapshot. It replies 503 when the catalog is in
// a latched failure state (stale snapshots must not be served as live) or
// when no tick has completed yet.
func (h *Handlers) latest(w http.ResponseWriter, r *http.Request) *domain.Snapshot {
	if err := h.store.Err(); err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "catalog_unserviceable", err.Error())
		return nil
	}
	snap := h.publisher.Latest()
	if snap == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "no_snapshot",
			"No snapshot published yet; the ingestion loop has not completed a tick")
		return nil
	}
	return snap
}

// Stocks handles GET /positions/stocks.
func (h *Handlers) Stocks(w http.ResponseWriter, r *http.Request) {
	snap := h.latest(w, r)
	if snap == nil {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":    snap.Positions.Stocks,
		"as_of":   snap.Timestamp,
		"session": snap.Session,
	})
}

// Options handles GET /positions/options.
func (h *Handlers) Options(w http.ResponseWriter, r *http.Request) {
	snap := h.latest(w, r)
	if snap == nil {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"combos":  snap.Positions.Combos,
		"legs":    snap.Positions.Orphans,
		"as_of":   snap.Timestamp,
		"session": snap.Session,
	})
}

// RulesSummary handles GET /rules/summary.
func (h *Handlers) RulesSummary(w http.ResponseWriter, r *http.Request) {
	snap := h.latest(w, r)
	if snap == nil {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"as_of":           snap.Timestamp,
		"catalog_version": snap.CatalogVersion,
		"breaches":        snap.Counters,
		"top":             snap.TopBreaches,
		"focus_symbols":   snap.FocusSymbols,
	})
}

// RulesCatalog handles GET /rules/catalog.
func (h *Handlers) RulesCatalog(w http.ResponseWriter, r *http.Request) {
	active := h.store.Active()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    active.Catalog.Version,
		"updated_at": active.Catalog.UpdatedAt,
		"updated_by": active.Catalog.UpdatedBy,
		"rules":      active.Catalog.Rules,
		"text":       active.Text,
	})
}

// catalogRequest carries a catalog submission. BaseVersion is a pointer so an
// omitted field is distinguishable from an explicit 0: clients that omit it
// publish against whatever version is active, clients that send it get
// optimistic concurrency.
type catalogRequest struct {
	CatalogText string `json:"catalog_text"`
	Author      string `json:"author"`
	BaseVersion *int   `json:"base_version"`
}

func (h *Handlers) decodeCatalogRequest(w http.ResponseWriter, r *http.Request) (catalogRequest, bool) {
	var req catalogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request_body",
			"Request body must be JSON with a catalog_text field")
		return req, false
	}
	return req, true
}

// RulesValidate handles POST /rules/validate. Pure: the active catalog is
// never touched.
func (h *Handlers) RulesValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCatalogRequest(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.store.Validate(req.CatalogText))
}

// RulesPreview handles POST /rules/preview.
func (h *Handlers) RulesPreview(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCatalogRequest(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.store.Preview(req.CatalogText))
}

// RulesPublish handles POST /rules/publish.
func (h *Handlers) RulesPublish(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		h.writeError(w, r, http.StatusTooManyRequests, "publish_rate_limited",
			"Too many catalog publishes; retry shortly")
		return
	}

	req, ok := h.decodeCatalogRequest(w, r)
	if !ok {
		return
	}

	baseVersion := h.store.Active().Catalog.Version
	if req.BaseVersion != nil {
		baseVersion = *req.BaseVersion
	}

	published, result, err := h.store.Publish(r.Context(), req.CatalogText, req.Author, baseVersion)
	if err != nil {
		var conflict *catalog.ConflictError
		var consistency *catalog.ConsistencyError
		switch {
		case errors.As(err, &conflict):
			h.writeError(w, r, http.StatusConflict, "publish_conflict", err.Error())
		case errors.As(err, &consistency):
			h.writeError(w, r, http.StatusServiceUnavailable, "catalog_unserviceable", err.Error())
		case !result.OK:
			h.writeJSON(w, http.StatusUnprocessableEntity, result)
		default:
			h.writeError(w, r, http.StatusInternalServerError, "publish_failed", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    published.Catalog.Version,
		"updated_at": published.Catalog.UpdatedAt,
		"updated_by": published.Catalog.UpdatedBy,
		"counters":   result.Counters,
	})
}

// RulesReload handles POST /rules/reload.
func (h *Handlers) RulesReload(w http.ResponseWriter, r *http.Request) {
	published, err := h.store.Reload(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "catalog_unserviceable", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    published.Catalog.Version,
		"updated_at": published.Catalog.UpdatedAt,
		"updated_by": published.Catalog.UpdatedBy,
		"rules":      published.Catalog.Rules,
	})
}

// State handles GET /state: the full current snapshot.
func (h *Handlers) State(w http.ResponseWriter, r *http.Request) {
	snap := h.latest(w, r)
	if snap == nil {
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	problems := []string{}

	if err := h.store.Err(); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		problems = append(problems, err.Error())
	}
	snap := h.publisher.Latest()
	if snap == nil {
		if status == "healthy" {
			status = "degraded"
		}
		problems = append(problems, "no snapshot published yet")
	}

	completed, skipped := 0.0, 0.0
	if h.metrics != nil {
		completed, skipped = h.metrics.TickStats()
	}

	body := map[string]interface{}{
		"status":          status,
		"uptime_seconds":  int(time.Since(h.started).Seconds()),
		"ticks_completed": completed,
		"ticks_skipped":   skipped,
		"subscribers":     h.publisher.SubscriberCount(),
		"catalog_version": h.store.Active().Catalog.Version,
		"timestamp":       time.Now().UTC(),
	}
	if snap != nil {
		body["snapshot_at"] = snap.Timestamp
		body["session"] = snap.Session
	}
	if len(problems) > 0 {
		body["problems"] = problems
	}
	h.writeJSON(w, httpStatus, body)
}
