package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/opensource-finance/claimscope/internal/analysis"
	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/repository"
	"github.com/opensource-finance/claimscope/internal/rules"
	"github.com/opensource-finance/claimscope/internal/scoring"
)

// maxSnapshotBytes bounds the size of an uploaded snapshot body.
const maxSnapshotBytes = 64 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *analysis.Service
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler. cache and bus may be nil.
func NewHandler(svc *analysis.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		svc:     svc,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if h.repo != nil {
		checks["repository"] = pingStatus(h.repo.Ping(r.Context()))
	}
	if h.cache != nil {
		checks["cache"] = pingStatus(h.cache.Ping(r.Context()))
	}
	if h.bus != nil {
		checks["bus"] = pingStatus(h.bus.Ping(r.Context()))
	}
	for _, c := range checks {
		if c != "ok" {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

func pingStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Ready reports whether every risk flag has an active rule.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	loaded := len(h.svc.Rules())
	if loaded != len(domain.AllFlags) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready": false,
			"rules": loaded,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":   true,
		"rules":   loaded,
		"ruleSet": h.svc.RuleSetID(),
	})
}

// ListPortfolios returns the stored portfolios and their current revisions.
func (h *Handler) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Portfolios(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.PortfolioInfo{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"portfolios": list,
		"count":      len(list),
	})
}

// LoadSnapshot handles POST /portfolios/{portfolio}/snapshot.
// The body holds the four tables as JSON arrays.
func (h *Handler) LoadSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	portfolioID := GetPortfolioID(ctx)

	var tables domain.Tables
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSnapshotBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tables); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return
	}

	info, err := h.svc.Load(ctx, portfolioID, &tables)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// ScoresResponse is a page of the risk score table.
type ScoresResponse struct {
	PortfolioID string                   `json:"portfolioId"`
	Revision    string                   `json:"revision"`
	RuleSet     string                   `json:"ruleSet"`
	Total       int                      `json:"total"`
	Scored      int                      `json:"scored"`
	Offset      int                      `json:"offset"`
	Limit       int                      `json:"limit"`
	Customers   []scoring.ScoredCustomer `json:"customers"`
}

// GetScores handles GET /portfolios/{portfolio}/scores?limit=&offset=.
func (h *Handler) GetScores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit <= 0 || limit > 10000 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "limit must be between 1 and 10000",
		})
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "offset must be a non-negative integer",
		})
		return
	}

	ev, err := h.svc.Evaluate(ctx, GetPortfolioID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}

	all := ev.Result.Customers
	start := min(offset, len(all))
	end := min(start+limit, len(all))

	writeJSON(w, http.StatusOK, ScoresResponse{
		PortfolioID: ev.PortfolioID,
		Revision:    ev.Revision,
		RuleSet:     ev.RuleSet,
		Total:       len(all),
		Scored:      len(ev.Result.Scored()),
		Offset:      offset,
		Limit:       limit,
		Customers:   all[start:end],
	})
}

// GetFaults handles GET /portfolios/{portfolio}/faults.
func (h *Handler) GetFaults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ev, err := h.svc.Evaluate(ctx, GetPortfolioID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}

	missing := ev.Result.Faults
	if missing == nil {
		missing = []domain.MissingJoinFault{}
	}
	ruleErrors := ev.Result.RuleErrors
	if ruleErrors == nil {
		ruleErrors = []domain.RuleFault{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"portfolioId":  ev.PortfolioID,
		"revision":     ev.Revision,
		"missingJoins": missing,
		"ruleErrors":   ruleErrors,
		"unscored":     ev.Result.Unscored(),
	})
}

// ListRules returns the active flag rules in flag order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.svc.Rules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":   loaded,
		"count":   len(loaded),
		"ruleSet": h.svc.RuleSetID(),
	})
}

// CreateRule stores a flag rule and activates it. Scores computed under the
// previous rule set are not reused.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.FlagRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if rule.Version == "" {
		rule.Version = "1.0.0"
	}

	if err := h.svc.SaveRule(ctx, &rule); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("flag rule saved", "id", rule.ID, "version", rule.Version)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"ruleSet": h.svc.RuleSetID(),
	})
}

// ReloadRules reactivates the stored flag rules over the defaults.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	stored, err := h.svc.ReloadRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"stored":  stored,
		"count":   len(h.svc.Rules()),
		"ruleSet": h.svc.RuleSetID(),
	})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var sv *domain.SchemaViolation
	switch {
	case errors.As(err, &sv):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      domain.ErrSchemaViolation.Error(),
			"violations": sv.Violations,
		})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "portfolio not found",
		})
	case errors.Is(err, analysis.ErrUnknownReport):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, analysis.ErrInvalidParams),
		errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, rules.ErrIncompleteRuleSet):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{
			"error": "request timed out",
		})
	default:
		slog.Error("request failed",
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
