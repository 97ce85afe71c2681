package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// SourceAPI labels records ingested over HTTP.
const SourceAPI = "api"

// Submitter accepts transactions for evaluation.
type Submitter interface {
	Submit(ctx context.Context, tx *domain.Transaction) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *rules.Engine
	reloader  *rules.Reloader
	submitter Submitter
	version   string
	now       func() time.Time
}

// NewHandler creates a new API handler. Any dependency may be nil; the
// endpoints needing it answer 503.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, reloader *rules.Reloader, submitter Submitter, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		engine:    engine,
		reloader:  reloader,
		submitter: submitter,
		version:   version,
		now:       time.Now,
	}
}

// SubmitResponse is the response for POST /transactions.
type SubmitResponse struct {
	TransactionID string `json:"transactionId"`
	AssessmentID  string `json:"assessmentId"`
	Status        string `json:"status"`
	Metadata      struct {
		TraceID  string `json:"traceId"`
		IngestMs int64  `json:"ingestMs"`
		Version  string `json:"version"`
	} `json:"metadata"`
}

// SubmitTransaction handles POST /transactions. Evaluation is asynchronous;
// the assessment id in the response can be polled.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if h.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not available")
		return
	}

	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if tx.ReceivedAt.IsZero() {
		tx.ReceivedAt = h.now().UTC()
	}
	tagIngest(ctx, SourceAPI, &tx)

	if err := h.submitter.Submit(ctx, &tx); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransaction):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, pipeline.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "pipeline is shutting down")
		default:
			slog.Error("failed to submit transaction", "tx_id", tx.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to submit transaction")
		}
		return
	}
	metrics.TransactionsIngested.WithLabelValues(SourceAPI).Inc()

	resp := SubmitResponse{
		TransactionID: tx.ID,
		AssessmentID:  domain.DeterministicID("assessment", tx.ID),
		Status:        "ACCEPTED",
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.IngestMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusAccepted, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether a rule set is active.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil || h.engine.Active() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready":          "true",
		"ruleSetVersion": h.engine.Active().Version,
	})
}

// GetAssessment retrieves an assessment by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	a, err := h.repo.GetAssessment(r.Context(), id)
	if err != nil {
		h.storeError(w, "assessment", id, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAssessments handles GET /assessments with optional entityId, level,
// from, to and limit query parameters. level may be repeated or comma
// separated; from and to are RFC 3339.
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.repo.ListAssessments(r.Context(), filter)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to list assessments", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list assessments")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"assessments": list,
		"count":       len(list),
	})
}

func parseFilter(r *http.Request) (domain.AssessmentFilter, error) {
	q := r.URL.Query()
	filter := domain.AssessmentFilter{EntityID: q.Get("entityId")}

	for _, raw := range q["level"] {
		for _, l := range strings.Split(raw, ",") {
			if l = strings.TrimSpace(l); l != "" {
				filter.Levels = append(filter.Levels, domain.RiskLevel(strings.ToUpper(l)))
			}
		}
	}

	var err error
	if v := q.Get("from"); v != "" {
		if filter.From, err = time.Parse(time.RFC3339, v); err != nil {
			return filter, errors.New("from must be an RFC 3339 timestamp")
		}
	}
	if v := q.Get("to"); v != "" {
		if filter.To, err = time.Parse(time.RFC3339, v); err != nil {
			return filter, errors.New("to must be an RFC 3339 timestamp")
		}
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
	}
	return filter, nil
}

// LatestAssessment handles GET /entities/{id}/assessments/latest.
func (h *Handler) LatestAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	a, err := h.repo.LatestAssessment(r.Context(), id)
	if err != nil {
		h.storeError(w, "assessment", id, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListDetections handles GET /entities/{id}/detections.
func (h *Handler) ListDetections(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	list, err := h.repo.ListDetections(r.Context(), id)
	if err != nil {
		h.storeError(w, "detections", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detections": list,
		"count":      len(list),
	})
}

// ListRules returns the rules of the active rule set.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "rule engine not available")
		return
	}

	set := h.engine.Active()
	if set == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"rules": []*domain.RuleConfig{},
			"count": 0,
		})
		return
	}

	configs := set.Configs()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  set.Version,
		"loadedAt": set.LoadedAt,
		"rules":    configs,
		"count":    len(configs),
	})
}

// CreateRule validates a rule and saves it to the rule store. The active
// rule set is unchanged until POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil || h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "rule store not available")
		return
	}

	var rule domain.RuleConfig
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if rule.Version == "" {
		rule.Version = "1"
	}
	rule.UpdatedAt = h.now().UTC()

	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.ValidateRule(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if err := h.repo.SaveRuleConfig(r.Context(), &rule); err != nil {
		slog.Error("failed to save rule config", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule saved", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules loads the rule store into the engine. A rule set that fails to
// compile is rejected and the active set keeps serving.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "rule reloader not available")
		return
	}

	reloaded, err := h.reloader.Reload(r.Context())
	if err != nil {
		slog.Error("rule reload failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, "rule set rejected, active set kept: "+err.Error())
		return
	}

	resp := map[string]any{"reloaded": reloaded}
	if set := h.engine.Active(); set != nil {
		resp["version"] = set.Version
		resp["count"] = len(set.Rules)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) storeError(w http.ResponseWriter, kind, id string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, kind+" not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("repository lookup failed", "kind", kind, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load "+kind)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
