package risk_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/riskwatch/internal/risk"
	"github.com/linnemanlabs/riskwatch/internal/risk/memstore"
)

func TestAssign_ExactlyOneWins(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, v := h.draftRisk(t, "ledger")
	ctx := context.Background()

	reviewers := []string{"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi"}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for _, who := range reviewers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Workflow.Assign(ctx, v.ID, who)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, who)
			case errors.Is(err, risk.ErrAlreadyAssigned):
				losers++
			default:
				t.Errorf("Assign(%s): unexpected error %v", who, err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	if losers != len(reviewers)-1 {
		t.Errorf("losers = %d, want %d", losers, len(reviewers)-1)
	}
	got, _, _ := h.engine.Workflow.Get(ctx, v.ID)
	if got.Status != risk.ValidationInProgress || got.AssignedTo != winners[0] {
		t.Errorf("validation = %s/%s, want in_progress/%s", got.Status, got.AssignedTo, winners[0])
	}
	if got.AssignedAt == nil {
		t.Error("assigned_at not set")
	}
}

func TestAssign_Errors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, v := h.draftRisk(t, "ledger")
	ctx := context.Background()

	if _, err := h.engine.Workflow.Assign(ctx, v.ID, "  "); !errors.Is(err, risk.ErrInvalidRequest) {
		t.Errorf("blank reviewer err = %v, want ErrInvalidRequest", err)
	}
	if _, err := h.engine.Workflow.Assign(ctx, "nope", "alice"); !errors.Is(err, risk.ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}

	if _, err := h.engine.Workflow.Assign(ctx, v.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Workflow.Decide(ctx, v.ID, risk.DecisionInput{Reviewer: "alice", Decision: risk.DecisionApproved}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Workflow.Assign(ctx, v.ID, "bob"); !errors.Is(err, risk.ErrValidationNotPending) {
		t.Errorf("assign completed err = %v, want ErrValidationNotPending", err)
	}
}

func TestDecide_ApproveWithAdjustments(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r, v := h.draftRisk(t, "ledger")
	ctx := context.Background()

	if _, err := h.engine.Workflow.Assign(ctx, v.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(30 * time.Minute)

	res, err := h.engine.Workflow.Decide(ctx, v.ID, risk.DecisionInput{
		Reviewer: "alice",
		Decision: risk.DecisionApproved,
		Notes:    "confirmed by audit",
		Adjustments: &risk.Adjustments{
			Title:      ptr("SOC2 CC6.1 access review gap"),
			Confidence: ptr(0.9),
		},
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if res.Risk.State != risk.StateActive {
		t.Errorf("risk state = %s, want active", res.Risk.State)
	}
	if res.Risk.Title != "SOC2 CC6.1 access review gap" || res.Risk.Confidence != 0.9 {
		t.Errorf("adjustments not applied: %q %v", res.Risk.Title, res.Risk.Confidence)
	}
	if want := risk.ScoreOf(0.9, r.Urgency, 1); res.Risk.Score != want {
		t.Errorf("score = %v, want %v", res.Risk.Score, want)
	}
	if res.Validation.Status != risk.ValidationCompleted || res.Validation.Decision != risk.DecisionApproved {
		t.Errorf("validation = %s/%s", res.Validation.Status, res.Validation.Decision)
	}
	if res.Validation.DecidedAt == nil || !res.Validation.DecidedAt.Equal(h.clock.Now()) {
		t.Errorf("decided_at = %v", res.Validation.DecidedAt)
	}

	hist, _ := h.engine.Lifecycle.History(ctx, r.ID)
	if len(hist) != 3 {
		t.Fatalf("history = %d entries, want 3", len(hist))
	}
	for _, tr := range hist[1:] {
		if tr.Cause != risk.CauseValidation || tr.Actor != "alice" {
			t.Errorf("transition %s->%s cause=%s actor=%q", tr.From, tr.To, tr.Cause, tr.Actor)
		}
	}

	st, err := h.engine.Workflow.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.ByStatus[risk.ValidationCompleted] != 1 || st.MeanDecisionSeconds != 1800 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDecide_Reject(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r, v := h.draftRisk(t, "ledger")
	ctx := context.Background()
	if _, err := h.engine.Workflow.Assign(ctx, v.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	res, err := h.engine.Workflow.Decide(ctx, v.ID, risk.DecisionInput{Reviewer: "alice", Decision: risk.DecisionRejected, Notes: "scanner misfire"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Risk.State != risk.StateRejected {
		t.Errorf("state = %s, want rejected", res.Risk.State)
	}
	if res.Risk.RetirementReason != "rejected in validation: scanner misfire" {
		t.Errorf("reason = %q", res.Risk.RetirementReason)
	}
	if res.Validation.Status != risk.ValidationRejected {
		t.Errorf("validation status = %s, want rejected", res.Validation.Status)
	}
	if got := h.events.count(risk.EventRiskStateChanged); got != 1 {
		t.Errorf("state change events = %d, want 1", got)
	}
	if h.risk(t, r.ID).State != risk.StateRejected {
		t.Error("stored risk not rejected")
	}
}

func TestDecide_NeedsReviewRequeues(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r, v := h.draftRisk(t, "ledger")
	ctx := context.Background()
	if _, err := h.engine.Workflow.Assign(ctx, v.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	res, err := h.engine.Workflow.Decide(ctx, v.ID, risk.DecisionInput{Reviewer: "alice", Decision: risk.DecisionNeedsReview, Notes: "need owner input"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Validation.Status != risk.ValidationPending || res.Validation.AssignedTo != "" {
		t.Errorf("validation = %s/%q, want pending and unassigned", res.Validation.Status, res.Validation.AssignedTo)
	}
	if res.Risk.State != risk.StateDraft {
		t.Errorf("risk state = %s, want draft", res.Risk.State)
	}
	if h.risk(t, r.ID).Version != r.Version {
		t.Error("needs_review should not write the risk")
	}

	if _, err := h.engine.Workflow.Assign(ctx, v.ID, "bob"); err != nil {
		t.Errorf("reassign after needs_review: %v", err)
	}
}

func TestDecide_Errors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, v := h.draftRisk(t, "ledger")
	ctx := context.Background()

	if _, err := h.engine.Workflow.Decide(ctx, v.ID, risk.DecisionInput{Reviewer: "alice", Decision: risk.DecisionApproved}); !errors.Is(err, risk.ErrValidationNotPending) {
		t.Errorf("unassigned decide err = %v, want ErrValidationNotPending", err)
	}

	if _, err := h.engine.Workflow.Assign(ctx, v.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		in   risk.DecisionInput
		want error
	}{
		{"wrong reviewer", risk.DecisionInput{Reviewer: "mallory", Decision: risk.DecisionApproved}, risk.ErrNotAssignee},
		{"unknown decision", risk.DecisionInput{Reviewer: "alice", Decision: "maybe"}, risk.ErrInvalidDecision},
		{"confidence above one", risk.DecisionInput{Reviewer: "alice", Decision: risk.DecisionApproved, Adjustments: &risk.Adjustments{Confidence: ptr(1.5)}}, risk.ErrInvalidAdjustment},
		{"blank title", risk.DecisionInput{Reviewer: "alice", Decision: risk.DecisionApproved, Adjustments: &risk.Adjustments{Title: ptr(" ")}}, risk.ErrInvalidAdjustment},
	}
	for _, tt := range tests {
		if _, err := h.engine.Workflow.Decide(ctx, v.ID, tt.in); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}

	if _, err := h.engine.Workflow.Decide(ctx, "nope", risk.DecisionInput{Reviewer: "alice", Decision: risk.DecisionApproved}); !errors.Is(err, risk.ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestDecide_StorageFailureLeavesNothingChanged(t *testing.T) {
	t.Parallel()

	fs := &failingStore{Store: memstore.New()}
	h := newHarness(t, withStore(fs))
	r, v := h.draftRisk(t, "ledger")
	ctx := context.Background()
	if _, err := h.engine.Workflow.Assign(ctx, v.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	fs.arm()
	_, err := h.engine.Workflow.Decide(ctx, v.ID, risk.DecisionInput{Reviewer: "alice", Decision: risk.DecisionApproved})
	if !errors.Is(err, risk.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}

	got := h.risk(t, r.ID)
	if got.State != risk.StateDraft {
		t.Errorf("risk state = %s, want draft", got.State)
	}
	gv, _, _ := h.engine.Workflow.Get(ctx, v.ID)
	if gv.Status != risk.ValidationInProgress || gv.DecidedAt != nil {
		t.Errorf("validation = %s, decided_at %v; want untouched", gv.Status, gv.DecidedAt)
	}
	hist, _ := h.engine.Lifecycle.History(ctx, r.ID)
	if len(hist) != 1 {
		t.Errorf("history = %d entries, want 1", len(hist))
	}
}
