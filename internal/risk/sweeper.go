package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SweepReport summarizes one escalation sweep.
type SweepReport struct {
	Examined  int      `json:"examined"`
	Escalated int      `json:"escalated"`
	Failed    int      `json:"failed"`
	IDs       []string `json:"escalated_ids"`
}

// Sweeper escalates overdue validation requests.
type Sweeper struct {
	*base
	mu   sync.Mutex
	next int
}

// Sweep escalates every open request whose due-by has passed: it raises the
// risk's urgency one level, reassigns the request from the reviewer pool,
// extends due-by by the new urgency's SLA and writes an audit row. Each
// escalation emits exactly one notification.
func (sw *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	now := sw.cfg.now()
	overdue, err := sw.store.ListValidations(ctx, ValidationFilter{
		Statuses:  []ValidationStatus{ValidationPending, ValidationInProgress},
		DueBefore: now,
	})
	if err != nil {
		return nil, storageErr("list overdue validations", err)
	}

	rep := &SweepReport{Examined: len(overdue), IDs: []string{}}
	for _, v := range overdue {
		esc, r, err := sw.escalate(ctx, v.ID, v.RiskID)
		if err != nil {
			rep.Failed++
			sw.logger.Error(ctx, err, "validation escalation failed", "validation_id", v.ID, "risk_id", v.RiskID)
			continue
		}
		if esc == nil {
			continue
		}
		rep.Escalated++
		rep.IDs = append(rep.IDs, v.ID)

		sw.logger.Info(ctx, "validation escalated",
			"audit", true,
			"validation_id", esc.ValidationID,
			"risk_id", esc.RiskID,
			"from_urgency", esc.FromUrgency,
			"to_urgency", esc.ToUrgency,
			"from_assignee", esc.FromAssignee,
			"to_assignee", esc.ToAssignee,
			"new_due_by", esc.NewDueBy,
		)
		if sw.hooks.OnEscalation != nil {
			sw.hooks.OnEscalation(esc.ToUrgency)
		}
		ev := newEvent(EventValidationEscalated, r, esc.At)
		ev.ValidationID = esc.ValidationID
		ev.PrevUrgency = esc.FromUrgency
		ev.AssignedTo = esc.ToAssignee
		ev.Reason = fmt.Sprintf("review overdue, due by %s", esc.PrevDueBy.Format(time.RFC3339))
		sw.emit(ctx, ev)
		sw.refresh(ctx, r)
	}
	return rep, nil
}

func (sw *Sweeper) escalate(ctx context.Context, validationID, riskID string) (*Escalation, *DynamicRisk, error) {
	var esc *Escalation
	var risk *DynamicRisk
	err := sw.withLock(ctx, "risk:"+riskID, func() error {
		now := sw.cfg.now()
		v, ok, err := sw.store.GetValidation(ctx, validationID)
		if err != nil {
			return storageErr("get validation", err)
		}
		if !ok || !v.Status.Open() || !v.DueBy.Before(now) {
			return nil
		}
		r, ok, err := sw.store.GetRisk(ctx, riskID)
		if err != nil {
			return storageErr("get risk", err)
		}
		if !ok {
			return fmt.Errorf("risk %s: %w", riskID, ErrNotFound)
		}

		expectR, expectV := r.Version, v.Version
		e := &Escalation{
			ID:           ulid.Make().String(),
			ValidationID: v.ID,
			RiskID:       r.ID,
			FromUrgency:  r.Urgency,
			ToUrgency:    r.Urgency.Raise(),
			FromAssignee: v.AssignedTo,
			PrevDueBy:    v.DueBy,
			At:           now,
		}

		r.Urgency = e.ToUrgency
		r.Score = ScoreOf(r.Confidence, r.Urgency, sw.cfg.Rules.For(r.Category).ImpactWeight)
		r.UpdatedAt = now

		if next := sw.nextReviewer(v.AssignedTo); next != "" {
			v.AssignedTo = next
			v.AssignedAt = &now
			v.Status = ValidationInProgress
		}
		e.ToAssignee = v.AssignedTo
		v.DueBy = now.Add(sw.cfg.Rules.For(r.Category).SLA(r.Urgency))
		v.EscalationCount++
		e.NewDueBy = v.DueBy

		if err := sw.commit(ctx, &Mutation{
			Risk:                      r,
			ExpectedVersion:           expectR,
			Validation:                v,
			ExpectedValidationVersion: expectV,
			Escalation:                e,
		}); err != nil {
			return err
		}
		esc, risk = e, r
		return nil
	})
	return esc, risk, err
}

// nextReviewer picks the next pool member round-robin, skipping current.
func (sw *Sweeper) nextReviewer(current string) string {
	pool := sw.cfg.ReviewerPool
	if len(pool) == 0 {
		return ""
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for range pool {
		cand := pool[sw.next%len(pool)]
		sw.next++
		if cand != current || len(pool) == 1 {
			return cand
		}
	}
	return current
}
