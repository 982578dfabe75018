// Package riskapi exposes the risk engine over HTTP.
package riskapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/riskwatch/internal/authmw"
	"github.com/linnemanlabs/riskwatch/internal/risk"
	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// Lifecycle is the risk register surface the API needs.
type Lifecycle interface {
	Ingest(ctx context.Context, category trigger.Category, body []byte) (*risk.IngestResult, error)
	Get(ctx context.Context, id string) (*risk.DynamicRisk, bool, error)
	List(ctx context.Context, f risk.RiskFilter) ([]*risk.DynamicRisk, error)
	History(ctx context.Context, id string) ([]risk.Transition, error)
	Triggers(ctx context.Context, id string, limit int) ([]*trigger.Record, error)
	Transition(ctx context.Context, id string, to risk.State, actor, reason string) (*risk.DynamicRisk, error)
}

// Workflow is the review queue surface the API needs.
type Workflow interface {
	Get(ctx context.Context, id string) (*risk.ValidationRequest, bool, error)
	List(ctx context.Context, f risk.ValidationFilter) ([]*risk.ValidationRequest, error)
	Stats(ctx context.Context) (*risk.ValidationStats, error)
	Assign(ctx context.Context, id, reviewer string) (*risk.ValidationRequest, error)
	Decide(ctx context.Context, id string, in risk.DecisionInput) (*risk.DecisionResult, error)
	Escalations(ctx context.Context, id string) ([]risk.Escalation, error)
}

// Sweeper runs the escalation sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (*risk.SweepReport, error)
}

// Profiler serves aggregated service risk.
type Profiler interface {
	Profile(ctx context.Context, serviceID string) (*risk.ServiceRiskProfile, error)
}

// Correlator discovers and lists correlations.
type Correlator interface {
	Correlate(ctx context.Context, riskIDs []string) ([]risk.CorrelationChange, error)
	List(ctx context.Context, kind risk.EntityKind, entityID string) ([]*risk.Correlation, error)
}

// Deps are the engine components behind the API.
type Deps struct {
	Lifecycle  Lifecycle
	Workflow   Workflow
	Sweeper    Sweeper
	Profiler   Profiler
	Correlator Correlator
}

// FromEngine adapts a risk.Engine into Deps.
func FromEngine(e *risk.Engine) Deps {
	return Deps{
		Lifecycle:  e.Lifecycle,
		Workflow:   e.Workflow,
		Sweeper:    e.Sweeper,
		Profiler:   e.Aggregator,
		Correlator: e.Correlator,
	}
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	Deps
}

// New creates a new API handler. Every dependency is required.
func New(logger log.Logger, d Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	switch {
	case d.Lifecycle == nil:
		panic(xerrors.New("risk lifecycle is required"))
	case d.Workflow == nil:
		panic(xerrors.New("validation workflow is required"))
	case d.Sweeper == nil:
		panic(xerrors.New("escalation sweeper is required"))
	case d.Profiler == nil:
		panic(xerrors.New("risk aggregator is required"))
	case d.Correlator == nil:
		panic(xerrors.New("risk correlator is required"))
	}
	return &API{logger: logger, Deps: d}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/triggers/{category}", a.handleIngestTrigger)

		r.Get("/risks", a.handleListRisks)
		r.Post("/risks/correlate", a.handleCorrelate)
		r.Get("/risks/{id}", a.handleGetRisk)
		r.Get("/risks/{id}/triggers", a.handleRiskTriggers)
		r.Get("/risks/{id}/correlations", a.handleRiskCorrelations)
		r.Patch("/risks/{id}/state", a.handleTransition)

		r.Get("/services/{id}/risk-profile", a.handleServiceProfile)
		r.Get("/services/{id}/correlations", a.handleServiceCorrelations)

		r.Get("/validations", a.handleListValidations)
		r.Get("/validations/metrics", a.handleValidationMetrics)
		r.Post("/validations/sweep-overdue", a.handleSweep)
		r.Get("/validations/{id}", a.handleGetValidation)
		r.Post("/validations/{id}/assign", a.handleAssign)
		r.Post("/validations/{id}/decision", a.handleDecision)
		r.Get("/validations/{id}/escalations", a.handleEscalations)
	})
}

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorCodes maps domain errors to a status and stable code. Order matters:
// the first match wins.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{risk.ErrInvalidTrigger, http.StatusBadRequest, "invalid_trigger"},
	{risk.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{risk.ErrInvalidDecision, http.StatusBadRequest, "invalid_decision"},
	{risk.ErrInvalidAdjustment, http.StatusBadRequest, "invalid_adjustment"},
	{risk.ErrNotFound, http.StatusNotFound, "not_found"},
	{risk.ErrNotAssignee, http.StatusForbidden, "not_assignee"},
	{risk.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{risk.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{risk.ErrAlreadyAssigned, http.StatusConflict, "already_assigned"},
	{risk.ErrValidationNotPending, http.StatusConflict, "validation_not_pending"},
	{risk.ErrValidationConflict, http.StatusConflict, "validation_conflict"},
	{risk.ErrScoringUnavailable, http.StatusServiceUnavailable, "scoring_unavailable"},
	{risk.ErrStorage, http.StatusInternalServerError, "storage_error"},
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status, code := http.StatusInternalServerError, "internal"
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			status, code = c.status, c.code
			break
		}
	}
	body := errorBody{Error: err.Error(), Code: code}
	if status >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, "code", code)
		if code == "internal" {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "invalid_request"})
}

func notFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: msg, Code: "not_found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	return err
}

// actor is the acting user for workflow actions.
func actor(r *http.Request) string {
	if u := authmw.UserFrom(r.Context()); u != "" {
		return u
	}
	return authmw.Anonymous
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// pageParams reads limit and offset query parameters.
func pageParams(r *http.Request) (limit, offset int, err error) {
	limit, offset = defaultLimit, 0
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(limit, maxLimit)
	}
	if s := q.Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
