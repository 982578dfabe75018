package risk

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// Outcome is what ingesting a trigger did.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeUpdated    Outcome = "updated"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeRetired    Outcome = "retired"
	OutcomeInvalid    Outcome = "invalid"
	OutcomeFailed     Outcome = "failed"
)

// IngestResult is the outcome of ingesting one trigger.
type IngestResult struct {
	Outcome     Outcome            `json:"outcome"`
	TriggerID   string             `json:"trigger_id"`
	Fingerprint string             `json:"fingerprint"`
	Duplicate   bool               `json:"duplicate"`
	Risk        *DynamicRisk       `json:"risk,omitempty"`
	Validation  *ValidationRequest `json:"validation,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	// DegradedReason explains a heuristic-only score.
	DegradedReason string `json:"degraded_reason,omitempty"`

	events  []Event
	touched []*DynamicRisk
}

// Service owns the risk lifecycle: trigger ingestion, deduplication,
// creation, re-scoring and state transitions.
type Service struct {
	*base
	scorer     *Scorer
	normalizer *trigger.Normalizer
}

// errNoChange aborts a mutation without writing.
var errNoChange = errors.New("no change")

// Ingest normalizes a raw trigger body and folds it into the risk register.
func (s *Service) Ingest(ctx context.Context, category trigger.Category, body []byte) (*IngestResult, error) {
	n, err := s.Normalize(ctx, category, body)
	if err != nil {
		return nil, err
	}
	return s.Process(ctx, n)
}

// Normalize validates and records a raw trigger body without touching the
// register. Callers that retry should keep the result and retry Process
// only, so the trigger is audited once.
func (s *Service) Normalize(ctx context.Context, category trigger.Category, body []byte) (*trigger.Normalized, error) {
	n, err := s.normalizer.Normalize(ctx, category, body)
	if err != nil {
		return nil, s.ingestFailed(ctx, category, err)
	}
	return n, nil
}

// IngestPayload is Ingest for an already decoded payload.
func (s *Service) IngestPayload(ctx context.Context, p trigger.Payload, raw []byte) (*IngestResult, error) {
	n, err := s.normalizer.NormalizePayload(ctx, p, raw)
	if err != nil {
		var category trigger.Category
		if p != nil {
			category = p.Category()
		}
		return nil, s.ingestFailed(ctx, category, err)
	}
	return s.Process(ctx, n)
}

func (s *Service) ingestFailed(ctx context.Context, category trigger.Category, err error) error {
	outcome := OutcomeFailed
	if errors.Is(err, ErrInvalidTrigger) {
		outcome = OutcomeInvalid
		s.logger.Info(ctx, "trigger rejected", "category", category, "reason", err.Error())
	}
	if s.hooks.OnIngest != nil {
		s.hooks.OnIngest(string(category), outcome)
	}
	return storageErr("ingest", err)
}

// Process folds a normalized trigger into the register. A failed call
// leaves the register unchanged and may be repeated with the same n.
func (s *Service) Process(ctx context.Context, n *trigger.Normalized) (*IngestResult, error) {
	rec := n.Record
	L := s.logger.With("trigger_id", rec.ID, "category", rec.Category, "fingerprint", rec.Fingerprint)

	var res *IngestResult
	err := s.retry(ctx, "ingest "+rec.Fingerprint, func() error {
		var err error
		if rec.Resolved {
			res, err = s.resolve(ctx, rec)
		} else {
			res, err = s.apply(ctx, rec, n.Duplicate)
		}
		return err
	})
	if err != nil {
		if s.hooks.OnIngest != nil {
			s.hooks.OnIngest(string(rec.Category), OutcomeFailed)
		}
		L.Error(ctx, err, "trigger ingestion failed")
		return nil, err
	}

	res.TriggerID = rec.ID
	res.Fingerprint = rec.Fingerprint
	res.Duplicate = n.Duplicate

	for _, ev := range res.events {
		s.emit(ctx, ev)
	}
	s.refresh(ctx, res.touched...)
	if res.Outcome == OutcomeRetired {
		s.promoteFingerprint(ctx, rec.Fingerprint)
	}

	if s.hooks.OnIngest != nil {
		s.hooks.OnIngest(string(rec.Category), res.Outcome)
	}
	kv := []any{"outcome", res.Outcome, "duplicate", n.Duplicate}
	if res.Risk != nil {
		kv = append(kv, "risk_id", res.Risk.ID, "state", res.Risk.State, "confidence", res.Risk.Confidence, "urgency", res.Risk.Urgency)
	}
	if res.DegradedReason != "" {
		kv = append(kv, "degraded_reason", res.DegradedReason)
	}
	L.Info(ctx, "trigger ingested", kv...)
	return res, nil
}

// apply routes a live trigger to an update of the existing risk for its
// fingerprint or to the creation of a new one.
func (s *Service) apply(ctx context.Context, rec *trigger.Record, duplicate bool) (*IngestResult, error) {
	existing, found, err := s.store.FindRiskByFingerprint(ctx, rec.Fingerprint)
	if err != nil {
		return nil, storageErr("find risk by fingerprint", err)
	}
	switch {
	case found && !existing.State.Terminal():
		return s.update(ctx, rec, existing)
	case found && duplicate:
		return &IngestResult{
			Outcome: OutcomeSuppressed,
			Risk:    existing,
			Reason:  fmt.Sprintf("duplicate of %s risk %s", existing.State, existing.ID),
		}, nil
	}
	return s.create(ctx, rec)
}

func (s *Service) create(ctx context.Context, rec *trigger.Record) (*IngestResult, error) {
	a, err := s.scorer.Score(ctx, rec, nil)
	if err != nil {
		return nil, err
	}

	var res *IngestResult
	err = s.withLock(ctx, "fingerprint:"+rec.Fingerprint, func() error {
		// another writer may have created the risk while we were scoring
		if cur, found, err := s.store.FindRiskByFingerprint(ctx, rec.Fingerprint); err != nil {
			return storageErr("find risk by fingerprint", err)
		} else if found && !cur.State.Terminal() {
			return errRetry
		}

		now := s.cfg.now()
		rule := s.cfg.Rules.For(rec.Category)
		r := &DynamicRisk{
			ID:            ulid.Make().String(),
			Fingerprint:   rec.Fingerprint,
			Category:      rec.Category,
			TriggerType:   rec.Type,
			AssetID:       rec.AssetID,
			Title:         rec.Title,
			Description:   rec.Description,
			Confidence:    a.Confidence,
			Urgency:       a.Urgency,
			State:         StateDetected,
			Score:         ScoreOf(a.Confidence, a.Urgency, rule.ImpactWeight),
			Reasoning:     a.Reasoning,
			TriggerCount:  1,
			LastTriggerAt: rec.ReceivedAt,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		r.SetServices(rec.ServiceIDs...)

		m := &Mutation{Risk: r}
		tr, err := advance(r, StateDraft, CauseAutomatic, "", "", now)
		if err != nil {
			return err
		}
		m.Transitions = append(m.Transitions, tr)

		if a.Confidence >= rule.AutoAcceptThreshold && a.Urgency != UrgencyCritical {
			reason := fmt.Sprintf("auto-accepted at confidence %.2f", a.Confidence)
			tr, err := advance(r, StateValidated, CauseAutomatic, "", reason, now)
			if err != nil {
				return err
			}
			m.Transitions = append(m.Transitions, tr)
			act, err := s.maybeActivate(ctx, r, CauseAutomatic, "")
			if err != nil {
				return err
			}
			if act != nil {
				m.Transitions = append(m.Transitions, *act)
			}
		} else {
			m.Validation = &ValidationRequest{
				ID:                     ulid.Make().String(),
				RiskID:                 r.ID,
				Status:                 ValidationPending,
				ConfidenceAtSubmission: r.Confidence,
				UrgencyAtSubmission:    r.Urgency,
				CreatedAt:              now,
				DueBy:                  now.Add(rule.SLA(r.Urgency)),
			}
		}

		if err := s.commit(ctx, m); err != nil {
			return err
		}
		res = &IngestResult{
			Outcome:        OutcomeCreated,
			Risk:           r.Clone(),
			Validation:     m.Validation.Clone(),
			DegradedReason: a.DegradedReason,
			events:         []Event{newEvent(EventRiskCreated, r, now)},
			touched:        []*DynamicRisk{r},
		}
		return nil
	})
	return res, err
}

// update folds a corroborating trigger into an existing live risk.
// Confidence and urgency only ever move up.
func (s *Service) update(ctx context.Context, rec *trigger.Record, existing *DynamicRisk) (*IngestResult, error) {
	a, err := s.scorer.Score(ctx, rec, existing)
	if err != nil {
		return nil, err
	}

	var res *IngestResult
	err = s.withLock(ctx, "risk:"+existing.ID, func() error {
		cur, ok, err := s.store.GetRisk(ctx, existing.ID)
		if err != nil {
			return storageErr("get risk", err)
		}
		if !ok || cur.Version != existing.Version {
			return errRetry
		}

		now := s.cfg.now()
		prev := cur.Clone()
		cur.Confidence = math.Max(cur.Confidence, a.Confidence)
		cur.Urgency = MaxUrgency(cur.Urgency, a.Urgency)
		cur.TriggerCount++
		if rec.ReceivedAt.After(cur.LastTriggerAt) {
			cur.LastTriggerAt = rec.ReceivedAt
		}
		if a.Verdict != nil && a.Reasoning != "" {
			cur.Reasoning = a.Reasoning
		}
		cur.Score = ScoreOf(cur.Confidence, cur.Urgency, s.cfg.Rules.For(cur.Category).ImpactWeight)
		cur.UpdatedAt = now

		m := &Mutation{Risk: cur, ExpectedVersion: prev.Version}
		act, err := s.maybeActivate(ctx, cur, CauseAutomatic, "")
		if err != nil {
			return err
		}
		if act != nil {
			m.Transitions = append(m.Transitions, *act)
		}
		if err := s.commit(ctx, m); err != nil {
			return err
		}

		ev := newEvent(EventRiskUpdated, cur, now)
		ev.PrevUrgency = prev.Urgency
		res = &IngestResult{
			Outcome:        OutcomeUpdated,
			Risk:           cur.Clone(),
			DegradedReason: a.DegradedReason,
			events:         []Event{ev},
			touched:        []*DynamicRisk{cur},
		}
		if act != nil {
			sc := newEvent(EventRiskStateChanged, cur, now)
			sc.PrevState = prev.State
			res.events = append(res.events, sc)
		}
		return nil
	})
	return res, err
}

// resolve retires the active risk matching a recovery signal.
func (s *Service) resolve(ctx context.Context, rec *trigger.Record) (*IngestResult, error) {
	existing, found, err := s.store.FindRiskByFingerprint(ctx, rec.Fingerprint)
	if err != nil {
		return nil, storageErr("find risk by fingerprint", err)
	}
	if !found || existing.State != StateActive {
		return &IngestResult{Outcome: OutcomeSuppressed, Risk: existing, Reason: "no active risk matches resolved signal"}, nil
	}

	prev, cur, err := s.mutateRisk(ctx, existing.ID, func(cur *DynamicRisk) ([]Transition, error) {
		if cur.State != StateActive {
			return nil, errNoChange
		}
		tr, err := advance(cur, StateRetired, CauseResolution, "", "condition resolved", s.cfg.now())
		if err != nil {
			return nil, err
		}
		cur.TriggerCount++
		if rec.ReceivedAt.After(cur.LastTriggerAt) {
			cur.LastTriggerAt = rec.ReceivedAt
		}
		return []Transition{tr}, nil
	})
	if errors.Is(err, errNoChange) {
		return &IngestResult{Outcome: OutcomeSuppressed, Risk: prev, Reason: "risk no longer active"}, nil
	}
	if err != nil {
		return nil, err
	}

	ev := newEvent(EventRiskStateChanged, cur, cur.UpdatedAt)
	ev.PrevState = prev.State
	ev.Reason = cur.RetirementReason
	return &IngestResult{
		Outcome: OutcomeRetired,
		Risk:    cur.Clone(),
		Reason:  cur.RetirementReason,
		events:  []Event{ev},
		touched: []*DynamicRisk{cur},
	}, nil
}

// Get returns a risk by ID.
func (s *Service) Get(ctx context.Context, id string) (*DynamicRisk, bool, error) {
	r, ok, err := s.store.GetRisk(ctx, id)
	return r, ok, storageErr("get risk", err)
}

// List returns risks matching f.
func (s *Service) List(ctx context.Context, f RiskFilter) ([]*DynamicRisk, error) {
	rs, err := s.store.ListRisks(ctx, f)
	return rs, storageErr("list risks", err)
}

// History returns the state transitions recorded for a risk.
func (s *Service) History(ctx context.Context, id string) ([]Transition, error) {
	ts, err := s.store.ListTransitions(ctx, id)
	return ts, storageErr("list transitions", err)
}

// Triggers returns the audit records that fed a risk, newest first.
func (s *Service) Triggers(ctx context.Context, id string, limit int) ([]*trigger.Record, error) {
	r, ok, err := s.store.GetRisk(ctx, id)
	if err != nil {
		return nil, storageErr("get risk", err)
	}
	if !ok {
		return nil, fmt.Errorf("risk %s: %w", id, ErrNotFound)
	}
	recs, err := s.store.ListTriggers(ctx, r.Fingerprint, limit)
	return recs, storageErr("list triggers", err)
}

// Transition applies an explicit state change. Edges reserved for the
// validation workflow and activations blocked by an active duplicate are
// refused with ErrInvalidStateTransition.
func (s *Service) Transition(ctx context.Context, id string, to State, actor, reason string) (*DynamicRisk, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidStateTransition, to)
	}

	prev, cur, err := s.mutateRisk(ctx, id, func(cur *DynamicRisk) ([]Transition, error) {
		if !CanTransition(cur.State, to) {
			return nil, fmt.Errorf("%w: %s -> %s is not a lifecycle edge", ErrInvalidStateTransition, cur.State, to)
		}
		if requiresValidation(cur.State, to) {
			return nil, fmt.Errorf("%w: %s -> %s requires a validation decision", ErrInvalidStateTransition, cur.State, to)
		}
		if to == StateActive {
			isBlocked, err := s.blocked(ctx, cur)
			if err != nil {
				return nil, err
			}
			if isBlocked {
				return nil, fmt.Errorf("%w: another active risk shares fingerprint %s", ErrInvalidStateTransition, cur.Fingerprint)
			}
		}
		if to == StateRetired && reason == "" {
			reason = "retired manually"
			if actor != "" {
				reason = "retired by " + actor
			}
		}
		tr, err := advance(cur, to, CauseExplicit, actor, reason, s.cfg.now())
		if err != nil {
			return nil, err
		}
		return []Transition{tr}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "risk state changed", "risk_id", id, "from", prev.State, "to", cur.State, "actor", actor)
	s.afterStateChange(ctx, prev, cur)
	return cur, nil
}

// RetireInactive retires active risks with no trigger inside the
// inactivity timeout. It returns how many were retired.
func (s *Service) RetireInactive(ctx context.Context) (int, error) {
	cutoff := s.cfg.now().Add(-s.cfg.InactivityTimeout)
	stale, err := s.store.ListRisks(ctx, RiskFilter{States: []State{StateActive}, LastTriggerBefore: cutoff})
	if err != nil {
		return 0, storageErr("list inactive risks", err)
	}

	reason := fmt.Sprintf("no corroborating trigger for %d days", int(s.cfg.InactivityTimeout.Hours()/24))
	var retired int
	var errs []error
	for _, r := range stale {
		prev, cur, err := s.mutateRisk(ctx, r.ID, func(cur *DynamicRisk) ([]Transition, error) {
			if cur.State != StateActive || !cur.LastTriggerAt.Before(cutoff) {
				return nil, errNoChange
			}
			tr, err := advance(cur, StateRetired, CauseInactivity, "", reason, s.cfg.now())
			if err != nil {
				return nil, err
			}
			return []Transition{tr}, nil
		})
		if errors.Is(err, errNoChange) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("retire %s: %w", r.ID, err))
			continue
		}
		retired++
		s.logger.Info(ctx, "risk retired for inactivity", "risk_id", cur.ID, "last_trigger_at", cur.LastTriggerAt)
		s.afterStateChange(ctx, prev, cur)
	}
	return retired, errors.Join(errs...)
}

// PromoteUnblocked activates validated risks whose blocking duplicate is gone.
func (s *Service) PromoteUnblocked(ctx context.Context) (int, error) {
	waiting, err := s.store.ListRisks(ctx, RiskFilter{States: []State{StateValidated}})
	if err != nil {
		return 0, storageErr("list validated risks", err)
	}
	var promoted int
	var errs []error
	for _, r := range waiting {
		ok, err := s.promote(ctx, r.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("promote %s: %w", r.ID, err))
			continue
		}
		if ok {
			promoted++
		}
	}
	return promoted, errors.Join(errs...)
}

func (s *Service) promote(ctx context.Context, id string) (bool, error) {
	prev, cur, err := s.mutateRisk(ctx, id, func(cur *DynamicRisk) ([]Transition, error) {
		tr, err := s.maybeActivate(ctx, cur, CauseAutomatic, "")
		if err != nil {
			return nil, err
		}
		if tr == nil {
			return nil, errNoChange
		}
		return []Transition{*tr}, nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.afterStateChange(ctx, prev, cur)
	return true, nil
}

// promoteFingerprint activates the oldest validated risk sharing fp, if any.
func (b *base) promoteFingerprint(ctx context.Context, fp string) {
	waiting, err := b.store.ListRisks(ctx, RiskFilter{Fingerprint: fp, States: []State{StateValidated}})
	if err != nil {
		b.logger.Warn(ctx, "list blocked risks failed", "fingerprint", fp, "err", err)
		return
	}
	for i := len(waiting) - 1; i >= 0; i-- {
		prev, cur, err := b.mutateRisk(ctx, waiting[i].ID, func(cur *DynamicRisk) ([]Transition, error) {
			tr, err := b.maybeActivate(ctx, cur, CauseAutomatic, "")
			if err != nil {
				return nil, err
			}
			if tr == nil {
				return nil, errNoChange
			}
			return []Transition{*tr}, nil
		})
		if errors.Is(err, errNoChange) {
			continue
		}
		if err != nil {
			b.logger.Warn(ctx, "promote blocked risk failed", "risk_id", waiting[i].ID, "err", err)
			return
		}
		b.emitStateChange(ctx, prev, cur)
		b.refresh(ctx, cur)
		return
	}
}

// mutateRisk reloads a risk under its lock, applies fn and commits the
// result with an optimistic version check. fn returning errNoChange skips
// the write.
func (b *base) mutateRisk(ctx context.Context, id string, fn func(cur *DynamicRisk) ([]Transition, error)) (prev, cur *DynamicRisk, err error) {
	err = b.retry(ctx, "mutate risk "+id, func() error {
		return b.withLock(ctx, "risk:"+id, func() error {
			r, ok, err := b.store.GetRisk(ctx, id)
			if err != nil {
				return storageErr("get risk", err)
			}
			if !ok {
				return fmt.Errorf("risk %s: %w", id, ErrNotFound)
			}
			prev = r.Clone()
			trs, err := fn(r)
			if err != nil {
				return err
			}
			if err := b.commit(ctx, &Mutation{Risk: r, ExpectedVersion: prev.Version, Transitions: trs}); err != nil {
				return err
			}
			cur = r
			return nil
		})
	})
	return prev, cur, err
}

func (b *base) emitStateChange(ctx context.Context, prev, cur *DynamicRisk) {
	ev := newEvent(EventRiskStateChanged, cur, cur.UpdatedAt)
	ev.PrevState = prev.State
	ev.Reason = cur.RetirementReason
	b.emit(ctx, ev)
}

// afterStateChange notifies, refreshes profiles and, when a risk left the
// active state, promotes the next validated duplicate.
func (b *base) afterStateChange(ctx context.Context, prev, cur *DynamicRisk) {
	b.emitStateChange(ctx, prev, cur)
	b.refresh(ctx, cur)
	if prev.State == StateActive && cur.State != StateActive {
		b.promoteFingerprint(ctx, cur.Fingerprint)
	}
}
