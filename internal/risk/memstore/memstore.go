// Package memstore provides an in-memory implementation of risk.Store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/riskwatch/internal/risk"
	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// Store holds the risk register in memory. Suitable for dev/testing.
type Store struct {
	mu           sync.RWMutex
	triggers     []*trigger.Record
	risks        map[string]*risk.DynamicRisk // risk ID -> risk
	transitions  map[string][]risk.Transition // risk ID -> history
	validations  map[string]*risk.ValidationRequest
	escalations  []risk.Escalation
	correlations map[string]*risk.Correlation // kind/a/b -> correlation
	profiles     map[string]*risk.ServiceRiskProfile
}

var _ risk.Store = (*Store)(nil)

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		risks:        make(map[string]*risk.DynamicRisk),
		transitions:  make(map[string][]risk.Transition),
		validations:  make(map[string]*risk.ValidationRequest),
		correlations: make(map[string]*risk.Correlation),
		profiles:     make(map[string]*risk.ServiceRiskProfile),
	}
}

// AppendTrigger records a copy of rec.
func (s *Store) AppendTrigger(_ context.Context, rec *trigger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.ServiceIDs = slices.Clone(rec.ServiceIDs)
	s.triggers = append(s.triggers, &cp)
	return nil
}

// FingerprintSeenSince reports whether a valid trigger with fp arrived at or after since.
func (s *Store) FingerprintSeenSince(_ context.Context, fp string, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.triggers) - 1; i >= 0; i-- {
		t := s.triggers[i]
		if t.Fingerprint == fp && t.RejectReason == "" && !t.ReceivedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// ListTriggers returns copies of the audit records for fp, newest first.
func (s *Store) ListTriggers(_ context.Context, fp string, limit int) ([]*trigger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*trigger.Record
	for i := len(s.triggers) - 1; i >= 0; i-- {
		if s.triggers[i].Fingerprint != fp {
			continue
		}
		cp := *s.triggers[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetRisk retrieves a risk by ID. Returns a copy.
func (s *Store) GetRisk(_ context.Context, id string) (*risk.DynamicRisk, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.risks[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// FindRiskByFingerprint returns the most recently created risk with fp. Returns a copy.
func (s *Store) FindRiskByFingerprint(_ context.Context, fp string) (*risk.DynamicRisk, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *risk.DynamicRisk
	for _, r := range s.risks {
		if r.Fingerprint != fp {
			continue
		}
		if best == nil || newer(r, best) {
			best = r
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.Clone(), true, nil
}

func newer(a, b *risk.DynamicRisk) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// ListRisks returns copies of matching risks, newest first.
func (s *Store) ListRisks(_ context.Context, f risk.RiskFilter) ([]*risk.DynamicRisk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*risk.DynamicRisk
	for _, r := range s.risks {
		if matchRisk(r, f) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *risk.DynamicRisk) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return page(out, f.Offset, f.Limit), nil
}

func matchRisk(r *risk.DynamicRisk, f risk.RiskFilter) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, r.ID) {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
		return false
	}
	if f.Fingerprint != "" && r.Fingerprint != f.Fingerprint {
		return false
	}
	if f.ServiceID != "" || len(f.AssetIDs) > 0 {
		linked := r.NamesService(f.ServiceID) ||
			(r.AssetID != "" && slices.Contains(f.AssetIDs, r.AssetID))
		if !linked {
			return false
		}
	}
	if f.MinConfidence > 0 && r.Confidence < f.MinConfidence {
		return false
	}
	if !f.LastTriggerBefore.IsZero() && !r.LastTriggerAt.Before(f.LastTriggerBefore) {
		return false
	}
	return true
}

func page[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

// ListTransitions returns a risk's history, oldest first.
func (s *Store) ListTransitions(_ context.Context, riskID string) ([]risk.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.transitions[riskID]), nil
}

// LinkedServiceIDs returns services referenced by live risks or holding a profile.
func (s *Store) LinkedServiceIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, r := range s.risks {
		if r.State.Live() {
			ids = append(ids, r.Services()...)
		}
	}
	for id := range s.profiles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Commit applies m atomically.
func (s *Store) Commit(_ context.Context, m *risk.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := m.Risk; r != nil {
		cur, ok := s.risks[r.ID]
		switch {
		case m.ExpectedVersion == 0 && ok:
			return fmt.Errorf("risk %s already exists: %w", r.ID, risk.ErrConcurrentModification)
		case m.ExpectedVersion != 0 && !ok:
			return fmt.Errorf("risk %s: %w", r.ID, risk.ErrNotFound)
		case m.ExpectedVersion != 0 && cur.Version != m.ExpectedVersion:
			return fmt.Errorf("risk %s at version %d, expected %d: %w", r.ID, cur.Version, m.ExpectedVersion, risk.ErrConcurrentModification)
		}
	}

	if v := m.Validation; v != nil {
		cur, ok := s.validations[v.ID]
		switch {
		case m.ExpectedValidationVersion == 0 && ok:
			return fmt.Errorf("validation %s already exists: %w", v.ID, risk.ErrConcurrentModification)
		case m.ExpectedValidationVersion != 0 && !ok:
			return fmt.Errorf("validation %s: %w", v.ID, risk.ErrNotFound)
		case m.ExpectedValidationVersion != 0 && cur.Version != m.ExpectedValidationVersion:
			return fmt.Errorf("validation %s at version %d, expected %d: %w", v.ID, cur.Version, m.ExpectedValidationVersion, risk.ErrConcurrentModification)
		}
		if v.Status.Open() {
			for _, o := range s.validations {
				if o.ID != v.ID && o.RiskID == v.RiskID && o.Status.Open() {
					return fmt.Errorf("risk %s has open validation %s: %w", v.RiskID, o.ID, risk.ErrValidationConflict)
				}
			}
		}
		if _, ok := s.risks[v.RiskID]; !ok && (m.Risk == nil || m.Risk.ID != v.RiskID) {
			return fmt.Errorf("validation references risk %s: %w", v.RiskID, risk.ErrNotFound)
		}
	}

	for _, t := range m.Transitions {
		if _, ok := s.risks[t.RiskID]; !ok && (m.Risk == nil || m.Risk.ID != t.RiskID) {
			return fmt.Errorf("transition references risk %s: %w", t.RiskID, risk.ErrNotFound)
		}
	}

	if r := m.Risk; r != nil {
		r.Version = m.ExpectedVersion + 1
		s.risks[r.ID] = r.Clone()
	}
	if v := m.Validation; v != nil {
		v.Version = m.ExpectedValidationVersion + 1
		s.validations[v.ID] = v.Clone()
	}
	for _, t := range m.Transitions {
		s.transitions[t.RiskID] = append(s.transitions[t.RiskID], t)
	}
	if e := m.Escalation; e != nil {
		s.escalations = append(s.escalations, *e)
	}
	return nil
}

// GetValidation retrieves a validation request by ID. Returns a copy.
func (s *Store) GetValidation(_ context.Context, id string) (*risk.ValidationRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validations[id]
	if !ok {
		return nil, false, nil
	}
	return v.Clone(), true, nil
}

// OpenValidationForRisk returns the pending or in-progress request for riskID.
func (s *Store) OpenValidationForRisk(_ context.Context, riskID string) (*risk.ValidationRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.validations {
		if v.RiskID == riskID && v.Status.Open() {
			return v.Clone(), true, nil
		}
	}
	return nil, false, nil
}

// ListValidations returns matching requests ordered by due-by, earliest first.
func (s *Store) ListValidations(_ context.Context, f risk.ValidationFilter) ([]*risk.ValidationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*risk.ValidationRequest
	for _, v := range s.validations {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, v.Status) {
			continue
		}
		if f.AssignedTo != "" && v.AssignedTo != f.AssignedTo {
			continue
		}
		if f.RiskID != "" && v.RiskID != f.RiskID {
			continue
		}
		if !f.DueBefore.IsZero() && !v.DueBy.Before(f.DueBefore) {
			continue
		}
		out = append(out, v.Clone())
	}
	slices.SortFunc(out, func(a, b *risk.ValidationRequest) int {
		return cmp.Or(a.DueBy.Compare(b.DueBy), strings.Compare(a.ID, b.ID))
	})
	return page(out, f.Offset, f.Limit), nil
}

// ValidationStats summarizes the review queue as of now.
func (s *Store) ValidationStats(_ context.Context, now time.Time) (*risk.ValidationStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &risk.ValidationStats{ByStatus: map[risk.ValidationStatus]int{}, Escalations: len(s.escalations)}
	var total float64
	var decided int
	for _, v := range s.validations {
		st.ByStatus[v.Status]++
		if v.Status.Open() && v.DueBy.Before(now) {
			st.Overdue++
		}
		if v.DecidedAt != nil {
			total += v.DecidedAt.Sub(v.CreatedAt).Seconds()
			decided++
		}
	}
	if decided > 0 {
		st.MeanDecisionSeconds = total / float64(decided)
	}
	return st, nil
}

// ListEscalations returns the escalation audit rows for a request, oldest first.
func (s *Store) ListEscalations(_ context.Context, validationID string) ([]risk.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []risk.Escalation
	for _, e := range s.escalations {
		if e.ValidationID == validationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func corrKey(kind risk.EntityKind, a, b string) string {
	return string(kind) + "/" + a + "/" + b
}

// UpsertCorrelation inserts or updates c keyed by its canonical pair.
func (s *Store) UpsertCorrelation(_ context.Context, c *risk.Correlation) (risk.UpsertResult, error) {
	if c.A >= c.B {
		return "", fmt.Errorf("correlation pair %q/%q is not canonical", c.A, c.B)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := corrKey(c.Kind, c.A, c.B)
	cur, ok := s.correlations[key]
	if !ok {
		cp := *c
		cp.Signals = slices.Clone(c.Signals)
		s.correlations[key] = &cp
		return risk.UpsertCreated, nil
	}
	c.DiscoveredAt = cur.DiscoveredAt
	if cur.Type == c.Type && cur.Strength == c.Strength && slices.Equal(cur.Signals, c.Signals) {
		c.UpdatedAt = cur.UpdatedAt
		return risk.UpsertUnchanged, nil
	}
	cur.Type = c.Type
	cur.Strength = c.Strength
	cur.Signals = slices.Clone(c.Signals)
	cur.UpdatedAt = c.UpdatedAt
	return risk.UpsertUpdated, nil
}

// ListCorrelations returns correlations of kind touching entityID.
func (s *Store) ListCorrelations(_ context.Context, kind risk.EntityKind, entityID string) ([]*risk.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*risk.Correlation
	for _, c := range s.correlations {
		if c.Kind != kind || (c.A != entityID && c.B != entityID) {
			continue
		}
		cp := *c
		cp.Signals = slices.Clone(c.Signals)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *risk.Correlation) int {
		return cmp.Or(cmp.Compare(b.Strength, a.Strength), strings.Compare(a.A, b.A), strings.Compare(a.B, b.B))
	})
	return out, nil
}

// PutProfile stores a copy of p.
func (s *Store) PutProfile(_ context.Context, p *risk.ServiceRiskProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ServiceID] = p.Clone()
	return nil
}

// GetProfile retrieves a service profile. Returns a copy.
func (s *Store) GetProfile(_ context.Context, serviceID string) (*risk.ServiceRiskProfile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[serviceID]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}
