package risk

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventKind names a notification-worthy change.
type EventKind string

const (
	EventRiskCreated         EventKind = "risk_created"
	EventRiskUpdated         EventKind = "risk_updated"
	EventRiskStateChanged    EventKind = "risk_state_changed"
	EventValidationEscalated EventKind = "validation_escalated"
)

// Event describes a committed change for downstream notifiers.
type Event struct {
	ID           string    `json:"id"`
	Kind         EventKind `json:"kind"`
	RiskID       string    `json:"risk_id"`
	ValidationID string    `json:"validation_id,omitempty"`
	Title        string    `json:"title"`
	Category     string    `json:"category"`
	ServiceID    string    `json:"service_id,omitempty"`
	ServiceIDs   []string  `json:"service_ids,omitempty"`
	State        State     `json:"state"`
	PrevState    State     `json:"prev_state,omitempty"`
	Urgency      Urgency   `json:"urgency"`
	PrevUrgency  Urgency   `json:"prev_urgency,omitempty"`
	Confidence   float64   `json:"confidence"`
	Score        float64   `json:"score"`
	AssignedTo   string    `json:"assigned_to,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

func newEvent(kind EventKind, r *DynamicRisk, at time.Time) Event {
	return Event{
		ID:         ulid.Make().String(),
		Kind:       kind,
		RiskID:     r.ID,
		Title:      r.Title,
		Category:   string(r.Category),
		ServiceID:  r.ServiceID,
		ServiceIDs: slices.Clone(r.Services()),
		State:      r.State,
		Urgency:    r.Urgency,
		Confidence: r.Confidence,
		Score:      r.Score,
		At:         at,
	}
}

// Notifier delivers events to an external channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Notifiers fans an event out to every member. All members are attempted.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
