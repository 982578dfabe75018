package riskapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/riskwatch/internal/risk"
	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// ingestResponse is the reply to a submitted trigger.
type ingestResponse struct {
	RiskID       string       `json:"risk_id,omitempty"`
	TriggerID    string       `json:"trigger_id"`
	Outcome      risk.Outcome `json:"outcome"`
	State        risk.State   `json:"state,omitempty"`
	Confidence   float64      `json:"confidence"`
	Urgency      risk.Urgency `json:"urgency,omitempty"`
	Score        float64      `json:"score"`
	ValidationID string       `json:"validation_id,omitempty"`
	Duplicate    bool         `json:"duplicate"`
	Degraded     bool         `json:"degraded"`
	Reason       string       `json:"reason,omitempty"`
	Fingerprint  string       `json:"fingerprint"`
}

func (a *API) handleIngestTrigger(w http.ResponseWriter, r *http.Request) {
	category := trigger.Category(chi.URLParam(r, "category"))
	if !category.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: fmt.Sprintf("unknown trigger category %q", category),
			Code:  "invalid_trigger",
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Error: fmt.Sprintf("trigger body exceeds %d bytes", tooLarge.Limit),
				Code:  "payload_too_large",
			})
			return
		}
		badRequest(w, "could not read request body")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("riskwatch.trigger.category", string(category)))

	res, err := a.Lifecycle.Ingest(r.Context(), category, body)
	if err != nil {
		a.writeError(w, r, err, "failed to ingest trigger")
		return
	}

	out := ingestResponse{
		TriggerID:   res.TriggerID,
		Outcome:     res.Outcome,
		Duplicate:   res.Duplicate,
		Degraded:    res.DegradedReason != "",
		Reason:      res.Reason,
		Fingerprint: res.Fingerprint,
	}
	if res.Risk != nil {
		out.RiskID = res.Risk.ID
		out.State = res.Risk.State
		out.Confidence = res.Risk.Confidence
		out.Urgency = res.Risk.Urgency
		out.Score = res.Risk.Score
		span.SetAttributes(attribute.String("riskwatch.risk.id", res.Risk.ID))
	}
	if res.Validation != nil {
		out.ValidationID = res.Validation.ID
	}
	span.SetAttributes(attribute.String("riskwatch.ingest.outcome", string(res.Outcome)))

	status := http.StatusOK
	if res.Outcome == risk.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

func (a *API) handleListRisks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f risk.RiskFilter

	for _, s := range splitList(q["state"]) {
		st := risk.State(s)
		if !st.Valid() {
			badRequest(w, fmt.Sprintf("unknown state %q", s))
			return
		}
		f.States = append(f.States, st)
	}
	f.ServiceID = strings.TrimSpace(q.Get("service"))
	if s := q.Get("confidence_min"); s != "" {
		c, err := strconv.ParseFloat(s, 64)
		if err != nil || c < 0 || c > 1 {
			badRequest(w, "confidence_min must be a number in [0,1]")
			return
		}
		f.MinConfidence = c
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	f.Limit, f.Offset = limit, offset

	risks, err := a.Lifecycle.List(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err, "failed to list risks")
		return
	}
	if risks == nil {
		risks = []*risk.DynamicRisk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"risks":  risks,
		"limit":  limit,
		"offset": offset,
	})
}

// riskDetail is a risk with its history and open review.
type riskDetail struct {
	*risk.DynamicRisk
	Transitions []risk.Transition       `json:"transitions"`
	Validation  *risk.ValidationRequest `json:"validation,omitempty"`
}

func (a *API) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("riskwatch.risk.id", id))

	rk, ok, err := a.Lifecycle.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get risk")
		return
	}
	if !ok {
		notFound(w, "risk "+id+" not found")
		return
	}

	hist, err := a.Lifecycle.History(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to load transitions")
		return
	}
	open, err := a.Workflow.List(r.Context(), risk.ValidationFilter{
		RiskID:   id,
		Statuses: []risk.ValidationStatus{risk.ValidationPending, risk.ValidationInProgress},
		Limit:    1,
	})
	if err != nil {
		a.writeError(w, r, err, "failed to load validation")
		return
	}

	out := riskDetail{DynamicRisk: rk, Transitions: hist}
	if out.Transitions == nil {
		out.Transitions = []risk.Transition{}
	}
	if len(open) > 0 {
		out.Validation = open[0]
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleRiskTriggers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _, err := pageParams(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	recs, err := a.Lifecycle.Triggers(r.Context(), id, limit)
	if err != nil {
		a.writeError(w, r, err, "failed to list risk triggers")
		return
	}
	if recs == nil {
		recs = []*trigger.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": recs})
}

type transitionRequest struct {
	State  risk.State `json:"state"`
	Reason string     `json:"reason"`
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req transitionRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "invalid payload")
		return
	}
	if req.State == "" {
		badRequest(w, "state is required")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("riskwatch.risk.id", id),
		attribute.String("riskwatch.risk.target_state", string(req.State)),
	)

	rk, err := a.Lifecycle.Transition(r.Context(), id, req.State, actor(r), strings.TrimSpace(req.Reason))
	if err != nil {
		a.writeError(w, r, err, "failed to transition risk")
		return
	}
	writeJSON(w, http.StatusOK, rk)
}

type correlateRequest struct {
	RiskIDs []string `json:"risk_ids"`
}

func (a *API) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	var req correlateRequest
	if err := decodeBody(r, &req, false); err != nil {
		badRequest(w, "invalid payload")
		return
	}
	changes, err := a.Correlator.Correlate(r.Context(), req.RiskIDs)
	if err != nil {
		a.writeError(w, r, err, "failed to correlate risks")
		return
	}
	if changes == nil {
		changes = []risk.CorrelationChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"correlations": changes})
}

func (a *API) handleRiskCorrelations(w http.ResponseWriter, r *http.Request) {
	a.listCorrelations(w, r, risk.EntityRisk)
}

func (a *API) handleServiceCorrelations(w http.ResponseWriter, r *http.Request) {
	a.listCorrelations(w, r, risk.EntityService)
}

func (a *API) listCorrelations(w http.ResponseWriter, r *http.Request, kind risk.EntityKind) {
	id := chi.URLParam(r, "id")
	cs, err := a.Correlator.List(r.Context(), kind, id)
	if err != nil {
		a.writeError(w, r, err, "failed to list correlations")
		return
	}
	if cs == nil {
		cs = []*risk.Correlation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"correlations": cs})
}

func (a *API) handleServiceProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("riskwatch.service.id", id))

	p, err := a.Profiler.Profile(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to aggregate service risk")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// splitList flattens repeated and comma-separated query values.
func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
