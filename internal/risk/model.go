// internal/risk/model.go
package risk

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// State is the lifecycle state of a DynamicRisk.
type State string

const (
	StateDetected  State = "detected"
	StateDraft     State = "draft"
	StateValidated State = "validated"
	StateActive    State = "active"
	StateRetired   State = "retired"
	StateRejected  State = "rejected"
)

// States lists every lifecycle state in lifecycle order.
var States = []State{StateDetected, StateDraft, StateValidated, StateActive, StateRetired, StateRejected}

// Urgency ranks how quickly a risk needs attention.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Urgencies lists every urgency from lowest to highest.
var Urgencies = []Urgency{UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical}

// Rank orders urgencies; unknown values rank below low.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyLow:
		return 1
	case UrgencyMedium:
		return 2
	case UrgencyHigh:
		return 3
	case UrgencyCritical:
		return 4
	}
	return 0
}

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool { return u.Rank() > 0 }

// Raise returns the next urgency level, capped at critical.
func (u Urgency) Raise() Urgency {
	switch u {
	case UrgencyLow:
		return UrgencyMedium
	case UrgencyMedium:
		return UrgencyHigh
	}
	return UrgencyCritical
}

// ImpactWeight maps urgency onto a 0..10 score scale.
func (u Urgency) ImpactWeight() float64 {
	return float64(u.Rank()) * 2.5
}

// MaxUrgency returns the higher of a and b.
func MaxUrgency(a, b Urgency) Urgency {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// MinUrgency returns the lower of a and b.
func MinUrgency(a, b Urgency) Urgency {
	if b.Rank() < a.Rank() {
		return b
	}
	return a
}

// ParseUrgency converts s into an Urgency.
func ParseUrgency(s string) (Urgency, error) {
	u := Urgency(s)
	if !u.Valid() {
		return "", fmt.Errorf("unknown urgency %q", s)
	}
	return u, nil
}

// DynamicRisk is a continuously re-scored risk record derived from triggers.
// ServiceID mirrors the first entry of ServiceIDs.
type DynamicRisk struct {
	ID               string           `json:"id"`
	Fingerprint      string           `json:"fingerprint"`
	Category         trigger.Category `json:"category"`
	TriggerType      string           `json:"trigger_type"`
	ServiceID        string           `json:"service_id,omitempty"`
	ServiceIDs       []string         `json:"service_ids,omitempty"`
	AssetID          string           `json:"asset_id,omitempty"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	Confidence       float64          `json:"confidence"`
	Urgency          Urgency          `json:"urgency"`
	State            State            `json:"state"`
	Score            float64          `json:"score"`
	Reasoning        string           `json:"reasoning,omitempty"`
	TriggerCount     int              `json:"trigger_count"`
	LastTriggerAt    time.Time        `json:"last_trigger_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	RetirementReason string           `json:"retirement_reason,omitempty"`
	Version          int64            `json:"version"`
}

// Clone returns a copy of r.
func (r *DynamicRisk) Clone() *DynamicRisk {
	if r == nil {
		return nil
	}
	c := *r
	c.ServiceIDs = slices.Clone(r.ServiceIDs)
	return &c
}

// Services returns every service r names directly, sorted. Records that
// predate ServiceIDs fall back to ServiceID.
func (r *DynamicRisk) Services() []string {
	if len(r.ServiceIDs) > 0 {
		return r.ServiceIDs
	}
	if r.ServiceID != "" {
		return []string{r.ServiceID}
	}
	return nil
}

// NamesService reports whether serviceID is one of r's services.
func (r *DynamicRisk) NamesService(serviceID string) bool {
	return serviceID != "" && slices.Contains(r.Services(), serviceID)
}

// SetServices replaces r's services with ids, trimmed, sorted and
// deduplicated. ServiceID follows the first entry.
func (r *DynamicRisk) SetServices(ids ...string) {
	set := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set = append(set, id)
		}
	}
	slices.Sort(set)
	set = slices.Compact(set)
	r.ServiceIDs, r.ServiceID = nil, ""
	if len(set) > 0 {
		r.ServiceIDs, r.ServiceID = set, set[0]
	}
}

// TransitionCause records what drove a state change.
type TransitionCause string

const (
	CauseAutomatic  TransitionCause = "automatic"
	CauseValidation TransitionCause = "validation"
	CauseExplicit   TransitionCause = "explicit"
	CauseResolution TransitionCause = "resolution"
	CauseInactivity TransitionCause = "inactivity"
)

// Transition is one row of a risk's state history.
type Transition struct {
	ID     string          `json:"id"`
	RiskID string          `json:"risk_id"`
	From   State           `json:"from"`
	To     State           `json:"to"`
	Cause  TransitionCause `json:"cause"`
	Actor  string          `json:"actor,omitempty"`
	Reason string          `json:"reason,omitempty"`
	At     time.Time       `json:"at"`
}

// ValidationStatus is the state of a ValidationRequest.
type ValidationStatus string

const (
	ValidationPending    ValidationStatus = "pending"
	ValidationInProgress ValidationStatus = "in_progress"
	ValidationCompleted  ValidationStatus = "completed"
	ValidationRejected   ValidationStatus = "rejected"
)

// Open reports whether the request still awaits a final decision.
func (s ValidationStatus) Open() bool {
	return s == ValidationPending || s == ValidationInProgress
}

// Decision is a reviewer's verdict on a draft risk.
type Decision string

const (
	DecisionApproved    Decision = "approved"
	DecisionRejected    Decision = "rejected"
	DecisionNeedsReview Decision = "needs_review"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionNeedsReview:
		return true
	}
	return false
}

// Adjustments are reviewer corrections applied to a risk on approval. A
// ServiceID adjustment replaces every service the risk names.
type Adjustments struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	ServiceID   *string  `json:"service_id,omitempty"`
	AssetID     *string  `json:"asset_id,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// ValidationRequest is a human review task for a draft risk.
type ValidationRequest struct {
	ID                     string           `json:"id"`
	RiskID                 string           `json:"risk_id"`
	Status                 ValidationStatus `json:"status"`
	AssignedTo             string           `json:"assigned_to,omitempty"`
	ConfidenceAtSubmission float64          `json:"confidence_at_submission"`
	UrgencyAtSubmission    Urgency          `json:"urgency_at_submission"`
	Decision               Decision         `json:"decision,omitempty"`
	Notes                  string           `json:"notes,omitempty"`
	Adjustments            *Adjustments     `json:"adjustments,omitempty"`
	EscalationCount        int              `json:"escalation_count"`
	CreatedAt              time.Time        `json:"created_at"`
	AssignedAt             *time.Time       `json:"assigned_at,omitempty"`
	DecidedAt              *time.Time       `json:"decided_at,omitempty"`
	DueBy                  time.Time        `json:"due_by"`
	Version                int64            `json:"version"`
}

// Clone returns a deep copy of v.
func (v *ValidationRequest) Clone() *ValidationRequest {
	if v == nil {
		return nil
	}
	c := *v
	if v.AssignedAt != nil {
		t := *v.AssignedAt
		c.AssignedAt = &t
	}
	if v.DecidedAt != nil {
		t := *v.DecidedAt
		c.DecidedAt = &t
	}
	if v.Adjustments != nil {
		a := *v.Adjustments
		c.Adjustments = &a
	}
	return &c
}

// Escalation is the audit row written when an overdue review is escalated.
type Escalation struct {
	ID           string    `json:"id"`
	ValidationID string    `json:"validation_id"`
	RiskID       string    `json:"risk_id"`
	FromUrgency  Urgency   `json:"from_urgency"`
	ToUrgency    Urgency   `json:"to_urgency"`
	FromAssignee string    `json:"from_assignee,omitempty"`
	ToAssignee   string    `json:"to_assignee,omitempty"`
	PrevDueBy    time.Time `json:"prev_due_by"`
	NewDueBy     time.Time `json:"new_due_by"`
	At           time.Time `json:"at"`
}

// EntityKind distinguishes risk-to-risk from service-to-service correlations.
type EntityKind string

const (
	EntityRisk    EntityKind = "risk"
	EntityService EntityKind = "service"
)

// CorrelationType classifies why two entities are linked.
type CorrelationType string

const (
	CorrelationSharedAsset      CorrelationType = "shared-asset"
	CorrelationSharedSource     CorrelationType = "shared-trigger-source"
	CorrelationTemporal         CorrelationType = "temporal-co-occurrence"
	CorrelationCausalHypothesis CorrelationType = "causal-hypothesis"
)

// Correlation links two entities of the same kind. The pair is unordered and
// always stored with A < B.
type Correlation struct {
	Kind         EntityKind      `json:"kind"`
	A            string          `json:"entity_a"`
	B            string          `json:"entity_b"`
	Type         CorrelationType `json:"type"`
	Strength     float64         `json:"strength"`
	Signals      []string        `json:"signals"`
	DiscoveredAt time.Time       `json:"discovered_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewCorrelation builds a correlation with the pair in canonical order.
func NewCorrelation(kind EntityKind, a, b string) (*Correlation, error) {
	if a == "" || b == "" {
		return nil, fmt.Errorf("correlation endpoints must be non-empty")
	}
	if a == b {
		return nil, fmt.Errorf("cannot correlate %s %q with itself", kind, a)
	}
	if b < a {
		a, b = b, a
	}
	return &Correlation{Kind: kind, A: a, B: b}, nil
}

// UpsertResult reports what UpsertCorrelation did.
type UpsertResult string

const (
	UpsertCreated   UpsertResult = "created"
	UpsertUpdated   UpsertResult = "updated"
	UpsertUnchanged UpsertResult = "unchanged"
)

// Criticality ranks how important a service is to the business.
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Weight multiplies a service's summed risk score.
func (c Criticality) Weight() float64 {
	switch c {
	case CriticalityLow:
		return 0.5
	case CriticalityHigh:
		return 1.5
	case CriticalityCritical:
		return 2.0
	}
	return 1.0
}

// ServiceRiskProfile is the aggregated risk posture of one service.
type ServiceRiskProfile struct {
	ServiceID        string        `json:"service_id"`
	Criticality      Criticality   `json:"criticality"`
	AggregateScore   float64       `json:"aggregate_score"`
	MaxRiskScore     float64       `json:"max_risk_score"`
	LiveRiskCount    int           `json:"live_risk_count"`
	CountsByState    map[State]int `json:"counts_by_state"`
	LastAggregatedAt time.Time     `json:"last_aggregated_at"`
}

// Clone returns a deep copy of p.
func (p *ServiceRiskProfile) Clone() *ServiceRiskProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.CountsByState = make(map[State]int, len(p.CountsByState))
	for k, v := range p.CountsByState {
		c.CountsByState[k] = v
	}
	return &c
}
