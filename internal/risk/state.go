package risk

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// transitions is the complete set of legal lifecycle edges.
var transitions = map[State][]State{
	StateDetected:  {StateDraft},
	StateDraft:     {StateValidated, StateRejected},
	StateValidated: {StateRejected, StateActive},
	StateActive:    {StateRetired},
}

// CanTransition reports whether moving from one state to another is a legal
// lifecycle edge. It is a pure function of the two states.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateRetired || s == StateRejected
}

// Live reports whether a risk in state s counts toward aggregate exposure.
func (s State) Live() bool {
	return s.Valid() && !s.Terminal()
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDetected, StateDraft, StateValidated, StateActive, StateRetired, StateRejected:
		return true
	}
	return false
}

// requiresValidation reports whether an edge may only be taken as the
// outcome of a validation decision.
func requiresValidation(from, to State) bool {
	switch {
	case from == StateDraft && to == StateValidated:
		return true
	case to == StateRejected:
		return true
	}
	return false
}

// advance moves r to state to, returning the history row. It enforces the
// transition table and stamps retirement reasons on terminal states.
func advance(r *DynamicRisk, to State, cause TransitionCause, actor, reason string, at time.Time) (Transition, error) {
	if !CanTransition(r.State, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, r.State, to)
	}
	tr := Transition{
		ID:     ulid.Make().String(),
		RiskID: r.ID,
		From:   r.State,
		To:     to,
		Cause:  cause,
		Actor:  actor,
		Reason: reason,
		At:     at,
	}
	r.State = to
	r.UpdatedAt = at
	if to.Terminal() {
		r.RetirementReason = reason
	}
	return tr, nil
}
