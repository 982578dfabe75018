// Package trigger decodes, validates and fingerprints inbound risk signals.
//
// Each category has its own payload type. A payload is normalized into a
// Record carrying a stable fingerprint, which downstream deduplication and
// risk lookup key on.
package trigger

import (
	"errors"
	"time"
)

// Category identifies the family a trigger belongs to.
type Category string

const (
	CategorySecurity    Category = "security"
	CategoryOperational Category = "operational"
	CategoryCompliance  Category = "compliance"
	CategoryStrategic   Category = "strategic"
)

// Categories lists every supported category.
var Categories = []Category{CategorySecurity, CategoryOperational, CategoryCompliance, CategoryStrategic}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySecurity, CategoryOperational, CategoryCompliance, CategoryStrategic:
		return true
	}
	return false
}

// ErrInvalidTrigger is returned when a payload is malformed or misses required fields.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Envelope holds the fields every category accepts in addition to its own.
type Envelope struct {
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	AssetID     string    `json:"asset_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	OccurredAt  time.Time `json:"occurred_at,omitempty"`
	// Resolved marks the signal as a recovery for a previously reported condition.
	Resolved bool `json:"resolved,omitempty"`
}

// Payload is one of Security, Operational, Compliance or Strategic.
type Payload interface {
	Category() Category
	envelope() *Envelope
}

// Security is a vulnerability or intrusion signal.
type Security struct {
	Envelope
	Type             string   `json:"type" validate:"required"`
	SeverityScore    *float64 `json:"severity_score" validate:"required,gte=0,lte=10"`
	AffectedServices []string `json:"affected_services" validate:"required,min=1,dive,required"`
	CVEID            string   `json:"cve_id,omitempty"`
	ExploitAvailable bool     `json:"exploit_available,omitempty"`
}

// Operational is an availability or performance signal for one service.
type Operational struct {
	Envelope
	Type        string   `json:"type" validate:"required"`
	ServiceID   string   `json:"service_id" validate:"required"`
	ImpactScope string   `json:"impact_scope" validate:"required,oneof=component service multi_service organization"`
	ErrorRate   *float64 `json:"error_rate,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Compliance is a control gap against a framework.
type Compliance struct {
	Envelope
	Type             string   `json:"type" validate:"required"`
	ControlFramework string   `json:"control_framework" validate:"required"`
	ControlID        string   `json:"control_id,omitempty"`
	ServiceIDs       []string `json:"service_ids" validate:"required,min=1,dive,required"`
	GapPercent       *float64 `json:"gap_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// Strategic is a business-level exposure with an estimated cost and horizon.
type Strategic struct {
	Envelope
	Type                   string   `json:"type" validate:"required"`
	BusinessImpactEstimate *float64 `json:"business_impact_estimate" validate:"required,gte=0"`
	TimelineDays           *int     `json:"timeline_days" validate:"required,gte=0"`
	Initiative             string   `json:"initiative,omitempty"`
	ServiceID              string   `json:"service_id,omitempty"`
}

func (*Security) Category() Category    { return CategorySecurity }
func (*Operational) Category() Category { return CategoryOperational }
func (*Compliance) Category() Category  { return CategoryCompliance }
func (*Strategic) Category() Category   { return CategoryStrategic }

func (p *Security) envelope() *Envelope    { return &p.Envelope }
func (p *Operational) envelope() *Envelope { return &p.Envelope }
func (p *Compliance) envelope() *Envelope  { return &p.Envelope }
func (p *Strategic) envelope() *Envelope   { return &p.Envelope }

// Record is a normalized trigger as persisted in the audit log.
type Record struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	Type        string    `json:"type"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	ServiceIDs  []string  `json:"service_ids,omitempty"`
	AssetID     string    `json:"asset_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source,omitempty"`
	Resolved    bool      `json:"resolved,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	ReceivedAt  time.Time `json:"received_at"`
	// RejectReason is set when the payload failed validation. Such records
	// are kept for audit only and carry no fingerprint.
	RejectReason string `json:"reject_reason,omitempty"`
	Raw          []byte `json:"-"`
	// Payload is the decoded category payload; nil for rejected records.
	Payload Payload `json:"-"`
}

// PrimaryServiceID is the first of the record's services, or empty.
func (r *Record) PrimaryServiceID() string {
	if len(r.ServiceIDs) == 0 {
		return ""
	}
	return r.ServiceIDs[0]
}
