package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

var tracer = otel.Tracer("github.com/linnemanlabs/riskwatch/internal/risk")

// Score paths reported to hooks and spans.
const (
	PathBlended       = "blended"
	PathHeuristicOnly = "heuristic_only"
	PathOracleOnly    = "oracle_only"
)

// Assessment is the scored outcome for one trigger.
type Assessment struct {
	Confidence float64
	Urgency    Urgency
	Reasoning  string
	Path       string
	Heuristic  *Estimate
	Verdict    *Verdict
	// DegradedReason is set when the oracle could not contribute.
	DegradedReason string
}

// Scorer blends a deterministic heuristic with an optional oracle verdict.
type Scorer struct {
	oracle Oracle
	cfg    Config
	logger log.Logger
	hooks  Hooks
}

// NewScorer creates a Scorer. A nil oracle scores on heuristics alone.
func NewScorer(oracle Oracle, cfg Config, logger log.Logger, hooks Hooks) *Scorer {
	return &Scorer{oracle: oracle, cfg: cfg.withDefaults(), logger: logger, hooks: hooks}
}

// Score assesses rec. existing is the risk being re-scored, if any. When the
// oracle fails the heuristic stands alone and urgency is capped at high; when
// both fail ErrScoringUnavailable is returned.
func (s *Scorer) Score(ctx context.Context, rec *trigger.Record, existing *DynamicRisk) (*Assessment, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "risk.score", trace.WithAttributes(
		attribute.String("riskwatch.trigger.category", string(rec.Category)),
		attribute.String("riskwatch.trigger.type", rec.Type),
		attribute.String("riskwatch.trigger.fingerprint", rec.Fingerprint),
	))
	defer span.End()

	L := s.logger.With("trigger_id", rec.ID, "category", rec.Category, "fingerprint", rec.Fingerprint)

	h, herr := Heuristic(rec)
	if herr != nil {
		L.Warn(ctx, "heuristic scoring failed", "err", herr)
	}

	v, oerr := s.consult(ctx, rec, h, existing)
	if oerr != nil {
		L.Warn(ctx, "scoring oracle unavailable, falling back", "reason", oerr.Error())
	}

	a := &Assessment{Heuristic: h, Verdict: v}
	switch {
	case h != nil && v != nil:
		w := s.cfg.Rules.For(rec.Category).HeuristicWeight
		a.Path = PathBlended
		a.Confidence = clamp01(w*h.Confidence + (1-w)*v.Confidence)
		a.Urgency = h.Urgency
		if v.Urgency.Valid() {
			a.Urgency = MaxUrgency(h.Urgency, v.Urgency)
		}
		a.Reasoning = v.Reasoning
	case h != nil:
		a.Path = PathHeuristicOnly
		a.Confidence = h.Confidence
		a.Urgency = MinUrgency(h.Urgency, UrgencyHigh)
		a.Reasoning = "heuristic only: " + h.Basis
		a.DegradedReason = oerr.Error()
	case v != nil:
		a.Path = PathOracleOnly
		a.Confidence = clamp01(v.Confidence)
		a.Urgency = v.Urgency
		if !a.Urgency.Valid() {
			a.Urgency = UrgencyMedium
		}
		a.Reasoning = v.Reasoning
	default:
		err := fmt.Errorf("%w: heuristic: %v; oracle: %w", ErrScoringUnavailable, herr, oerr)
		span.RecordError(err)
		span.SetStatus(codes.Error, "scoring unavailable")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("riskwatch.score.path", a.Path),
		attribute.Float64("riskwatch.score.confidence", a.Confidence),
		attribute.String("riskwatch.score.urgency", string(a.Urgency)),
	)
	if s.hooks.OnScore != nil {
		s.hooks.OnScore(string(rec.Category), a.Path, time.Since(start).Seconds())
	}
	return a, nil
}

// consult calls the oracle under the configured timeout and rejects
// verdicts whose confidence falls outside [0,1].
func (s *Scorer) consult(ctx context.Context, rec *trigger.Record, h *Estimate, existing *DynamicRisk) (*Verdict, error) {
	if s.oracle == nil {
		return nil, fmt.Errorf("%w: not configured", ErrScoringOracleUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
	defer cancel()

	start := time.Now()
	v, err := s.oracle.Assess(ctx, &OracleRequest{Trigger: rec, Heuristic: h, Existing: existing})
	result := "ok"
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
		err = fmt.Errorf("%w: timed out after %s", ErrScoringOracleUnavailable, s.cfg.OracleTimeout)
	case err != nil:
		result = "error"
		err = fmt.Errorf("%w: %w", ErrScoringOracleUnavailable, err)
	case v == nil:
		result = "error"
		err = fmt.Errorf("%w: empty verdict", ErrScoringOracleUnavailable)
	case math.IsNaN(v.Confidence) || v.Confidence < 0 || v.Confidence > 1:
		result = "out_of_range"
		err = fmt.Errorf("%w: confidence %v outside [0,1]", ErrScoringOracleUnavailable, v.Confidence)
	case v.Urgency != "" && !v.Urgency.Valid():
		result = "out_of_range"
		err = fmt.Errorf("%w: unknown urgency %q", ErrScoringOracleUnavailable, v.Urgency)
	}
	if s.hooks.OnOracle != nil {
		s.hooks.OnOracle(result, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
