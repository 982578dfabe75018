package riskapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/riskwatch/internal/authmw"
	"github.com/linnemanlabs/riskwatch/internal/risk"
)

func (a *API) handleListValidations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f risk.ValidationFilter

	for _, s := range splitList(q["status"]) {
		st := risk.ValidationStatus(s)
		switch st {
		case risk.ValidationPending, risk.ValidationInProgress, risk.ValidationCompleted, risk.ValidationRejected:
		default:
			badRequest(w, fmt.Sprintf("unknown validation status %q", s))
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	f.AssignedTo = strings.TrimSpace(q.Get("assigned_to"))
	f.RiskID = strings.TrimSpace(q.Get("risk_id"))
	limit, offset, err := pageParams(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	f.Limit, f.Offset = limit, offset

	vs, err := a.Workflow.List(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err, "failed to list validations")
		return
	}
	if vs == nil {
		vs = []*risk.ValidationRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"validations": vs,
		"limit":       limit,
		"offset":      offset,
	})
}

func (a *API) handleValidationMetrics(w http.ResponseWriter, r *http.Request) {
	st, err := a.Workflow.Stats(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to compute validation metrics")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, ok, err := a.Workflow.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get validation")
		return
	}
	if !ok {
		notFound(w, "validation "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type assignRequest struct {
	// Reviewer is honoured only for anonymous callers; authenticated
	// callers always claim the request for themselves.
	Reviewer string `json:"reviewer"`
}

func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req assignRequest
	if err := decodeBody(r, &req, true); err != nil {
		badRequest(w, "invalid payload")
		return
	}
	reviewer := actor(r)
	if reviewer == authmw.Anonymous && strings.TrimSpace(req.Reviewer) != "" {
		reviewer = strings.TrimSpace(req.Reviewer)
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("riskwatch.validation.id", id),
		attribute.String("riskwatch.validation.reviewer", reviewer),
	)

	v, err := a.Workflow.Assign(r.Context(), id, reviewer)
	if err != nil {
		a.writeError(w, r, err, "failed to assign validation")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type decisionRequest struct {
	Decision    risk.Decision     `json:"decision"`
	Notes       string            `json:"notes"`
	Adjustments *risk.Adjustments `json:"risk_adjustments"`
	// Reviewer is honoured only for anonymous callers; authenticated
	// callers always decide as themselves.
	Reviewer string `json:"reviewer"`
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req decisionRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "invalid payload")
		return
	}

	reviewer := actor(r)
	if reviewer == authmw.Anonymous && strings.TrimSpace(req.Reviewer) != "" {
		reviewer = strings.TrimSpace(req.Reviewer)
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("riskwatch.validation.id", id),
		attribute.String("riskwatch.validation.decision", string(req.Decision)),
	)

	res, err := a.Workflow.Decide(r.Context(), id, risk.DecisionInput{
		Reviewer:    reviewer,
		Decision:    req.Decision,
		Notes:       req.Notes,
		Adjustments: req.Adjustments,
	})
	if err != nil {
		a.writeError(w, r, err, "failed to record decision")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleEscalations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	es, err := a.Workflow.Escalations(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to list escalations")
		return
	}
	if es == nil {
		es = []risk.Escalation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": es})
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Sweeper.Sweep(r.Context())
	if err != nil {
		a.writeError(w, r, err, "escalation sweep failed")
		return
	}
	a.logger.Info(r.Context(), "manual escalation sweep", "actor", actor(r), "escalated", rep.Escalated, "failed", rep.Failed)
	writeJSON(w, http.StatusOK, rep)
}
