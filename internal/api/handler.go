package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/repository"
)

const maxBodyBytes = 1 << 20

// Predictor produces a decision for one request.
type Predictor interface {
	Predict(ctx context.Context, req *domain.PredictionRequest) (*domain.Decision, error)
}

// RuleLister exposes the loaded domain rules.
type RuleLister interface {
	Rules() []domain.RuleConfig
}

// Deps are the components the handlers serve. Predictor and History are
// required; the rest may be nil and their endpoints answer 503.
type Deps struct {
	Predictor Predictor
	History   domain.HistoryStore
	Audit     domain.DecisionLog
	Bus       domain.EventBus
	Rules     RuleLister
}

// Handler contains HTTP handlers for the API.
type Handler struct {
	deps           Deps
	validate       *validator.Validate
	requestTimeout time.Duration
	version        string
}

// NewHandler creates a new handler.
func NewHandler(deps Deps, requestTimeout time.Duration, version string) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		deps:           deps,
		validate:       v,
		requestTimeout: requestTimeout,
		version:        version,
	}
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// Predict scores one transaction synchronously.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	d, err := h.deps.Predictor.Predict(ctx, req)
	if err != nil {
		status := predictionStatus(err)
		writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}

	w.Header().Set(DecisionIDHeader, d.ID)
	writeJSON(w, http.StatusOK, d.ToResponse())
}

// predictionStatus maps a prediction failure onto an HTTP status.
func predictionStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrScoringFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Enqueue publishes a transaction for asynchronous scoring by the worker.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event bus not configured"})
		return
	}

	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to encode transaction"})
		return
	}

	if err := h.deps.Bus.Publish(r.Context(), domain.TopicTransactionReceived, req.Transaction.SenderID, payload); err != nil {
		slog.Error("failed to enqueue transaction",
			"entity_id", req.Transaction.SenderID,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "failed to enqueue transaction"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "queued",
		"entity_id": req.Transaction.SenderID,
	})
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (*domain.PredictionRequest, bool) {
	var req domain.PredictionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return nil, false
	}

	if err := h.validate.Struct(&req); err != nil {
		resp := ErrorResponse{Error: "validation failed"}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				resp.Details = append(resp.Details, fieldMessage(fe))
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return nil, false
	}
	return &req, true
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "PredictionRequest.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt", "gte", "lt", "lte", "min", "max":
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

// ClearHistory purges an entity's stored history.
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")

	if err := h.deps.History.Clear(r.Context(), entityID); err != nil {
		slog.Error("failed to clear history", "entity_id", entityID, "error", err)
		writeJSON(w, storeStatus(err), ErrorResponse{Error: err.Error()})
		return
	}

	slog.Info("entity history cleared", "entity_id", entityID)
	w.WriteHeader(http.StatusNoContent)
}

// EntityStats summarizes an entity's stored history.
func (h *Handler) EntityStats(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")

	stats, err := h.deps.History.Stats(r.Context(), entityID)
	if err != nil {
		writeJSON(w, storeStatus(err), ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func storeStatus(err error) int {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// GetDecision retrieves a decision from the audit log.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	decisionID := chi.URLParam(r, "id")

	if h.deps.Audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "decision log not configured"})
		return
	}

	d, err := h.deps.Audit.GetDecision(r.Context(), decisionID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "decision not found"})
		return
	}
	if err != nil {
		slog.Error("failed to get decision", "id", decisionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load decision"})
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// ListEntityDecisions lists an entity's recent decisions, newest first.
// Query parameters: since (RFC 3339) and limit.
func (h *Handler) ListEntityDecisions(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")

	if h.deps.Audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "decision log not configured"})
		return
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "since must be RFC 3339"})
			return
		}
		since = t
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	decisions, err := h.deps.Audit.ListDecisionsByEntity(r.Context(), entityID, since, limit)
	if err != nil {
		slog.Error("failed to list decisions", "entity_id", entityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to list decisions"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": entityID,
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// ListRules returns the loaded domain rules in execution order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "rule engine not configured"})
		return
	}

	rs := h.deps.Rules.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rs,
		"count": len(rs),
	})
}

// HealthResponse reports the state of each component.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}

// Health returns server health status. A failing dependency degrades the
// service without taking it down: predictions still answer.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Components: make(map[string]string, 3),
	}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			resp.Components[name] = "degraded"
			resp.Status = "degraded"
			return
		}
		resp.Components[name] = "online"
	}

	if h.deps.History.Enabled() {
		check("history", h.deps.History.Ping)
	} else {
		resp.Components["history"] = "disabled"
		resp.Status = "degraded"
	}
	if h.deps.Audit != nil {
		check("decision_log", h.deps.Audit.Ping)
	}
	if h.deps.Bus != nil {
		check("event_bus", h.deps.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
