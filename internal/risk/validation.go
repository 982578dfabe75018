package risk

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
)

// DecisionInput is a reviewer's submission for a validation request.
type DecisionInput struct {
	Reviewer    string       `json:"reviewer"`
	Decision    Decision     `json:"decision"`
	Notes       string       `json:"notes,omitempty"`
	Adjustments *Adjustments `json:"adjustments,omitempty"`
}

// DecisionResult is the state after a decision was committed.
type DecisionResult struct {
	Validation *ValidationRequest `json:"validation"`
	Risk       *DynamicRisk       `json:"risk"`
}

// Workflow drives human review of draft risks.
type Workflow struct {
	*base
}

// Get returns a validation request by ID.
func (w *Workflow) Get(ctx context.Context, id string) (*ValidationRequest, bool, error) {
	v, ok, err := w.store.GetValidation(ctx, id)
	return v, ok, storageErr("get validation", err)
}

// List returns validation requests matching f.
func (w *Workflow) List(ctx context.Context, f ValidationFilter) ([]*ValidationRequest, error) {
	vs, err := w.store.ListValidations(ctx, f)
	return vs, storageErr("list validations", err)
}

// Stats summarizes the review queue.
func (w *Workflow) Stats(ctx context.Context) (*ValidationStats, error) {
	st, err := w.store.ValidationStats(ctx, w.cfg.now())
	return st, storageErr("validation stats", err)
}

// Assign binds a pending request to reviewer. Exactly one of several
// concurrent assignments succeeds; the rest get ErrAlreadyAssigned.
func (w *Workflow) Assign(ctx context.Context, id, reviewer string) (*ValidationRequest, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", ErrInvalidRequest)
	}
	peek, ok, err := w.store.GetValidation(ctx, id)
	if err != nil {
		return nil, storageErr("get validation", err)
	}
	if !ok {
		return nil, fmt.Errorf("validation %s: %w", id, ErrNotFound)
	}

	var out *ValidationRequest
	err = w.withLock(ctx, "risk:"+peek.RiskID, func() error {
		v, ok, err := w.store.GetValidation(ctx, id)
		if err != nil {
			return storageErr("get validation", err)
		}
		if !ok {
			return fmt.Errorf("validation %s: %w", id, ErrNotFound)
		}
		switch v.Status {
		case ValidationPending:
		case ValidationInProgress:
			return fmt.Errorf("%w: held by %s", ErrAlreadyAssigned, v.AssignedTo)
		default:
			return fmt.Errorf("%w: status is %s", ErrValidationNotPending, v.Status)
		}

		now := w.cfg.now()
		expect := v.Version
		v.Status = ValidationInProgress
		v.AssignedTo = reviewer
		v.AssignedAt = &now
		if err := w.commit(ctx, &Mutation{Validation: v, ExpectedValidationVersion: expect}); err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info(ctx, "validation assigned", "validation_id", id, "risk_id", out.RiskID, "reviewer", reviewer)
	return out, nil
}

// Decide records a reviewer's decision. Approval advances the risk to
// validated and, when unblocked, active; rejection moves it to rejected;
// needs_review returns the request to the pending queue. The risk and
// request are written together or not at all.
func (w *Workflow) Decide(ctx context.Context, id string, in DecisionInput) (*DecisionResult, error) {
	if !in.Decision.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, in.Decision)
	}
	if err := in.Adjustments.validate(); err != nil {
		return nil, err
	}
	peek, ok, err := w.store.GetValidation(ctx, id)
	if err != nil {
		return nil, storageErr("get validation", err)
	}
	if !ok {
		return nil, fmt.Errorf("validation %s: %w", id, ErrNotFound)
	}

	var prev, cur *DynamicRisk
	var out *ValidationRequest
	err = w.withLock(ctx, "risk:"+peek.RiskID, func() error {
		v, ok, err := w.store.GetValidation(ctx, id)
		if err != nil {
			return storageErr("get validation", err)
		}
		if !ok {
			return fmt.Errorf("validation %s: %w", id, ErrNotFound)
		}
		if v.Status != ValidationInProgress {
			return fmt.Errorf("%w: status is %s, a reviewer must be assigned first", ErrValidationNotPending, v.Status)
		}
		if v.AssignedTo != in.Reviewer {
			return fmt.Errorf("%w: assigned to %s", ErrNotAssignee, v.AssignedTo)
		}

		r, ok, err := w.store.GetRisk(ctx, v.RiskID)
		if err != nil {
			return storageErr("get risk", err)
		}
		if !ok {
			return fmt.Errorf("risk %s: %w", v.RiskID, ErrNotFound)
		}
		if r.State != StateDraft {
			return fmt.Errorf("%w: risk %s is %s, not draft", ErrInvalidStateTransition, r.ID, r.State)
		}

		now := w.cfg.now()
		prev = r.Clone()
		expectV := v.Version
		m := &Mutation{Validation: v, ExpectedValidationVersion: expectV}
		v.Notes = in.Notes

		switch in.Decision {
		case DecisionApproved:
			in.Adjustments.apply(r)
			r.Score = ScoreOf(r.Confidence, r.Urgency, w.cfg.Rules.For(r.Category).ImpactWeight)
			tr, err := advance(r, StateValidated, CauseValidation, in.Reviewer, in.Notes, now)
			if err != nil {
				return err
			}
			m.Transitions = append(m.Transitions, tr)
			act, err := w.maybeActivate(ctx, r, CauseValidation, in.Reviewer)
			if err != nil {
				return err
			}
			if act != nil {
				m.Transitions = append(m.Transitions, *act)
			}
			v.Status = ValidationCompleted
			v.Decision = DecisionApproved
			v.Adjustments = in.Adjustments
			v.DecidedAt = &now
		case DecisionRejected:
			reason := "rejected in validation"
			if in.Notes != "" {
				reason += ": " + in.Notes
			}
			tr, err := advance(r, StateRejected, CauseValidation, in.Reviewer, reason, now)
			if err != nil {
				return err
			}
			m.Transitions = append(m.Transitions, tr)
			v.Status = ValidationRejected
			v.Decision = DecisionRejected
			v.DecidedAt = &now
		case DecisionNeedsReview:
			v.Status = ValidationPending
			v.Decision = ""
			v.AssignedTo = ""
			v.AssignedAt = nil
		}

		if len(m.Transitions) > 0 || in.Decision == DecisionApproved {
			m.Risk = r
			m.ExpectedVersion = prev.Version
		}
		if err := w.commit(ctx, m); err != nil {
			return err
		}
		cur, out = r, v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if w.hooks.OnDecision != nil {
		w.hooks.OnDecision(in.Decision)
	}
	w.logger.Info(ctx, "validation decided",
		"validation_id", id,
		"risk_id", cur.ID,
		"reviewer", in.Reviewer,
		"decision", in.Decision,
		"state", cur.State,
	)
	if cur.State != prev.State {
		w.afterStateChange(ctx, prev, cur)
	}
	if !slices.Equal(cur.Services(), prev.Services()) || cur.AssetID != prev.AssetID {
		w.refresh(ctx, prev, cur)
	}
	return &DecisionResult{Validation: out, Risk: cur}, nil
}

func (a *Adjustments) validate() error {
	if a == nil {
		return nil
	}
	if a.Confidence != nil {
		c := *a.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidAdjustment, c)
		}
	}
	if a.Title != nil && strings.TrimSpace(*a.Title) == "" {
		return fmt.Errorf("%w: title must not be blank", ErrInvalidAdjustment)
	}
	return nil
}

func (a *Adjustments) apply(r *DynamicRisk) {
	if a == nil {
		return
	}
	if a.Title != nil {
		r.Title = strings.TrimSpace(*a.Title)
	}
	if a.Description != nil {
		r.Description = *a.Description
	}
	if a.ServiceID != nil {
		r.SetServices(*a.ServiceID)
	}
	if a.AssetID != nil {
		r.AssetID = strings.TrimSpace(*a.AssetID)
	}
	if a.Confidence != nil {
		r.Confidence = *a.Confidence
	}
}

// Escalations returns the escalation audit trail for a request.
func (w *Workflow) Escalations(ctx context.Context, id string) ([]Escalation, error) {
	es, err := w.store.ListEscalations(ctx, id)
	return es, storageErr("list escalations", err)
}
