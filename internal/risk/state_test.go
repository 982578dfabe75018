package risk

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition_ExactTable(t *testing.T) {
	t.Parallel()

	legal := map[[2]State]bool{
		{StateDetected, StateDraft}:     true,
		{StateDraft, StateValidated}:    true,
		{StateDraft, StateRejected}:     true,
		{StateValidated, StateRejected}: true,
		{StateValidated, StateActive}:   true,
		{StateActive, StateRetired}:     true,
	}

	var count int
	for _, from := range States {
		for _, to := range States {
			got := CanTransition(from, to)
			want := legal[[2]State{from, to}]
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
			if got {
				count++
			}
		}
	}
	if count != 6 {
		t.Errorf("legal edges = %d, want 6", count)
	}
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	for _, s := range States {
		want := s == StateRetired || s == StateRejected
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
		for _, to := range States {
			if s.Terminal() && CanTransition(s, to) {
				t.Errorf("terminal state %s has outgoing edge to %s", s, to)
			}
		}
	}
}

func TestAdvance(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := &DynamicRisk{ID: "r-1", State: StateActive}

	tr, err := advance(r, StateRetired, CauseExplicit, "alice", "fixed upstream", at)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if r.State != StateRetired {
		t.Errorf("state = %q, want retired", r.State)
	}
	if r.RetirementReason != "fixed upstream" {
		t.Errorf("retirement reason = %q", r.RetirementReason)
	}
	if tr.From != StateActive || tr.To != StateRetired || tr.Actor != "alice" || !tr.At.Equal(at) {
		t.Errorf("transition = %+v", tr)
	}

	_, err = advance(r, StateActive, CauseExplicit, "", "", at)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
	if r.State != StateRetired {
		t.Errorf("failed advance changed state to %q", r.State)
	}
}

func TestRequiresValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{StateDraft, StateValidated, true},
		{StateDraft, StateRejected, true},
		{StateValidated, StateRejected, true},
		{StateValidated, StateActive, false},
		{StateActive, StateRetired, false},
		{StateDetected, StateDraft, false},
	}
	for _, tt := range tests {
		if got := requiresValidation(tt.from, tt.to); got != tt.want {
			t.Errorf("requiresValidation(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestUrgency_Raise(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want Urgency
	}{
		{UrgencyLow, UrgencyMedium},
		{UrgencyMedium, UrgencyHigh},
		{UrgencyHigh, UrgencyCritical},
		{UrgencyCritical, UrgencyCritical},
	}
	for _, tt := range tests {
		if got := tt.in.Raise(); got != tt.want {
			t.Errorf("%s.Raise() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewCorrelation_Canonical(t *testing.T) {
	t.Parallel()

	c, err := NewCorrelation(EntityRisk, "zzz", "aaa")
	if err != nil {
		t.Fatalf("NewCorrelation: %v", err)
	}
	if c.A != "aaa" || c.B != "zzz" {
		t.Errorf("pair = (%s, %s), want (aaa, zzz)", c.A, c.B)
	}
	if _, err := NewCorrelation(EntityRisk, "x", "x"); err == nil {
		t.Error("self-correlation should be rejected")
	}
}

func TestScoreOf(t *testing.T) {
	t.Parallel()

	if got := ScoreOf(0.5, UrgencyCritical, 1); got != 5 {
		t.Errorf("ScoreOf(0.5, critical, 1) = %v, want 5", got)
	}
	if got := ScoreOf(1, UrgencyLow, 2); got != 5 {
		t.Errorf("ScoreOf(1, low, 2) = %v, want 5", got)
	}
	if got := ScoreOf(1, UrgencyHigh, 0); got != 7.5 {
		t.Errorf("ScoreOf with zero weight = %v, want 7.5", got)
	}
}

func TestStorageErr(t *testing.T) {
	t.Parallel()

	if storageErr("op", nil) != nil {
		t.Error("nil error should stay nil")
	}
	err := storageErr("commit", errors.New("connection reset"))
	if !errors.Is(err, ErrStorage) {
		t.Errorf("err = %v, want ErrStorage", err)
	}
	err = storageErr("commit", ErrConcurrentModification)
	if errors.Is(err, ErrStorage) || !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("domain error was rewrapped: %v", err)
	}
}
