package risk

import (
	"context"
	"time"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// RiskFilter selects risks. Zero fields do not constrain the result.
type RiskFilter struct {
	IDs         []string
	States      []State
	Fingerprint string
	// ServiceID and AssetIDs match risks linked to the service directly or
	// through any of the listed assets.
	ServiceID         string
	AssetIDs          []string
	MinConfidence     float64
	LastTriggerBefore time.Time
	Limit             int
	Offset            int
}

// ValidationFilter selects validation requests.
type ValidationFilter struct {
	Statuses   []ValidationStatus
	AssignedTo string
	RiskID     string
	DueBefore  time.Time
	Limit      int
	Offset     int
}

// ValidationStats summarizes the review queue.
type ValidationStats struct {
	ByStatus map[ValidationStatus]int `json:"by_status"`
	Overdue  int                      `json:"overdue"`
	// MeanDecisionSeconds averages created->decided time over closed requests.
	MeanDecisionSeconds float64 `json:"mean_decision_seconds"`
	Escalations         int     `json:"escalations"`
}

// Mutation is one all-or-nothing write. Stores apply every part or none.
type Mutation struct {
	// Risk is inserted when ExpectedVersion is 0, otherwise updated only if
	// the stored version equals ExpectedVersion.
	Risk            *DynamicRisk
	ExpectedVersion int64
	Transitions     []Transition
	// Validation is inserted when ExpectedValidationVersion is 0, otherwise
	// updated under the same optimistic check as Risk.
	Validation                *ValidationRequest
	ExpectedValidationVersion int64
	Escalation                *Escalation
}

// RiskStore persists risks and their state history.
type RiskStore interface {
	GetRisk(ctx context.Context, id string) (*DynamicRisk, bool, error)
	// FindRiskByFingerprint returns the most recently created risk with fp.
	FindRiskByFingerprint(ctx context.Context, fp string) (*DynamicRisk, bool, error)
	// ListRisks returns matches newest first.
	ListRisks(ctx context.Context, f RiskFilter) ([]*DynamicRisk, error)
	ListTransitions(ctx context.Context, riskID string) ([]Transition, error)
	// ListTriggers returns audit records for fp, newest first.
	ListTriggers(ctx context.Context, fp string, limit int) ([]*trigger.Record, error)
	// LinkedServiceIDs returns every service referenced by a live risk.
	LinkedServiceIDs(ctx context.Context) ([]string, error)
	// Commit applies m atomically. On success the new versions are written
	// back into m.Risk and m.Validation.
	Commit(ctx context.Context, m *Mutation) error
}

// ValidationStore persists the review queue.
type ValidationStore interface {
	GetValidation(ctx context.Context, id string) (*ValidationRequest, bool, error)
	OpenValidationForRisk(ctx context.Context, riskID string) (*ValidationRequest, bool, error)
	ListValidations(ctx context.Context, f ValidationFilter) ([]*ValidationRequest, error)
	ValidationStats(ctx context.Context, now time.Time) (*ValidationStats, error)
	ListEscalations(ctx context.Context, validationID string) ([]Escalation, error)
}

// CorrelationStore persists correlations keyed by (kind, A, B).
type CorrelationStore interface {
	// UpsertCorrelation inserts c, updates it in place when its type or
	// strength changed, or leaves it untouched.
	UpsertCorrelation(ctx context.Context, c *Correlation) (UpsertResult, error)
	ListCorrelations(ctx context.Context, kind EntityKind, entityID string) ([]*Correlation, error)
}

// ProfileStore persists service risk profiles.
type ProfileStore interface {
	PutProfile(ctx context.Context, p *ServiceRiskProfile) error
	GetProfile(ctx context.Context, serviceID string) (*ServiceRiskProfile, bool, error)
}

// Store is the full persistence contract.
type Store interface {
	trigger.Log
	RiskStore
	ValidationStore
	CorrelationStore
	ProfileStore
}

// Locker serializes writers per key across the deployment.
type Locker interface {
	// Lock blocks until key is held or ctx ends. The returned func releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Catalog resolves service metadata.
type Catalog interface {
	Criticality(ctx context.Context, serviceID string) (Criticality, error)
	AssetsOf(ctx context.Context, serviceID string) ([]string, error)
	ServicesOfAsset(ctx context.Context, assetID string) ([]string, error)
}

type emptyCatalog struct{}

func (emptyCatalog) Criticality(context.Context, string) (Criticality, error) {
	return CriticalityMedium, nil
}
func (emptyCatalog) AssetsOf(context.Context, string) ([]string, error)        { return nil, nil }
func (emptyCatalog) ServicesOfAsset(context.Context, string) ([]string, error) { return nil, nil }
