package risk

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// Correlation signals.
const (
	SignalSharedService = "shared_service"
	SignalSharedAsset   = "shared_asset"
	SignalSameSource    = "same_source"
	SignalTemporal      = "temporal"
)

// relatedCategories lists unordered category pairs that may co-occur meaningfully.
var relatedCategories = map[[2]trigger.Category]bool{
	{trigger.CategoryOperational, trigger.CategorySecurity}:  true,
	{trigger.CategoryCompliance, trigger.CategorySecurity}:   true,
	{trigger.CategoryOperational, trigger.CategoryStrategic}: true,
	{trigger.CategoryCompliance, trigger.CategoryStrategic}:  true,
}

func related(a, b trigger.Category) bool {
	if a == b {
		return true
	}
	if b < a {
		a, b = b, a
	}
	return relatedCategories[[2]trigger.Category{a, b}]
}

// CorrelationChange is one correlation evaluated by a Correlate call.
type CorrelationChange struct {
	Correlation *Correlation `json:"correlation"`
	Result      UpsertResult `json:"result"`
}

// Correlator discovers links between risks and between their services.
// A risk is linked to the services it names and to the owners of its asset.
type Correlator struct {
	store   Store
	catalog Catalog
	cfg     Config
}

// NewCorrelator creates a Correlator.
func NewCorrelator(store Store, catalog Catalog, cfg Config) *Correlator {
	if catalog == nil {
		catalog = emptyCatalog{}
	}
	return &Correlator{store: store, catalog: catalog, cfg: cfg.withDefaults()}
}

// Correlate evaluates every pair in riskIDs and upserts the correlations
// found. Re-running with unchanged inputs reports every row unchanged.
func (c *Correlator) Correlate(ctx context.Context, riskIDs []string) ([]CorrelationChange, error) {
	ids := slices.Clone(riskIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) < 2 {
		return nil, fmt.Errorf("%w: at least two distinct risk ids are required", ErrInvalidRequest)
	}

	risks, err := c.store.ListRisks(ctx, RiskFilter{IDs: ids})
	if err != nil {
		return nil, storageErr("list risks", err)
	}
	if len(risks) != len(ids) {
		found := make(map[string]bool, len(risks))
		for _, r := range risks {
			found[r.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				return nil, fmt.Errorf("risk %s: %w", id, ErrNotFound)
			}
		}
	}
	slices.SortFunc(risks, func(a, b *DynamicRisk) int { return strings.Compare(a.ID, b.ID) })

	linked := make([][]string, len(risks))
	for i, r := range risks {
		if linked[i], err = c.linkedServices(ctx, r); err != nil {
			return nil, err
		}
	}

	now := c.cfg.now()
	services := map[[2]string]*Correlation{}
	var out []CorrelationChange

	for i := 0; i < len(risks); i++ {
		for j := i + 1; j < len(risks); j++ {
			corr, ok := c.evaluate(risks[i], risks[j], linked[i], linked[j])
			if !ok {
				continue
			}
			corr.DiscoveredAt, corr.UpdatedAt = now, now
			res, err := c.store.UpsertCorrelation(ctx, corr)
			if err != nil {
				return out, storageErr("upsert correlation", err)
			}
			out = append(out, CorrelationChange{Correlation: corr, Result: res})

			for _, sa := range linked[i] {
				for _, sb := range linked[j] {
					if sa == sb {
						continue
					}
					sc, _ := NewCorrelation(EntityService, sa, sb)
					key := [2]string{sc.A, sc.B}
					if prev, ok := services[key]; !ok || corr.Strength > prev.Strength {
						sc.Type = corr.Type
						sc.Strength = corr.Strength
						sc.Signals = corr.Signals
						sc.DiscoveredAt, sc.UpdatedAt = now, now
						services[key] = sc
					}
				}
			}
		}
	}

	keys := make([][2]string, 0, len(services))
	for k := range services {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b [2]string) int {
		return cmp.Or(strings.Compare(a[0], b[0]), strings.Compare(a[1], b[1]))
	})
	for _, k := range keys {
		sc := services[k]
		res, err := c.store.UpsertCorrelation(ctx, sc)
		if err != nil {
			return out, storageErr("upsert service correlation", err)
		}
		out = append(out, CorrelationChange{Correlation: sc, Result: res})
	}
	return out, nil
}

// List returns stored correlations touching entityID.
func (c *Correlator) List(ctx context.Context, kind EntityKind, entityID string) ([]*Correlation, error) {
	cs, err := c.store.ListCorrelations(ctx, kind, entityID)
	return cs, storageErr("list correlations", err)
}

// linkedServices returns the sorted services r names plus the catalog
// owners of its asset.
func (c *Correlator) linkedServices(ctx context.Context, r *DynamicRisk) ([]string, error) {
	out := slices.Clone(r.Services())
	if r.AssetID != "" {
		owners, err := c.catalog.ServicesOfAsset(ctx, r.AssetID)
		if err != nil {
			return nil, fmt.Errorf("owners of asset %s: %w", r.AssetID, err)
		}
		out = append(out, owners...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// evaluate scores one risk pair given each side's linked services. It is
// symmetric in a and b.
func (c *Correlator) evaluate(a, b *DynamicRisk, la, lb []string) (*Correlation, bool) {
	var signals []string
	sharedService := slices.ContainsFunc(la, func(s string) bool { return slices.Contains(lb, s) })
	sharedAsset := a.AssetID != "" && a.AssetID == b.AssetID
	sameSource := a.Category == b.Category && a.TriggerType == b.TriggerType
	gap := a.CreatedAt.Sub(b.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	temporal := gap <= c.cfg.CorrelationWindow && related(a.Category, b.Category)

	if !sharedService && !sharedAsset && !temporal {
		return nil, false
	}
	if sharedService {
		signals = append(signals, SignalSharedService)
	}
	if sharedAsset {
		signals = append(signals, SignalSharedAsset)
	}
	if sameSource {
		signals = append(signals, SignalSameSource)
	}
	if temporal {
		signals = append(signals, SignalTemporal)
	}

	corr, err := NewCorrelation(EntityRisk, a.ID, b.ID)
	if err != nil {
		return nil, false
	}
	corr.Signals = signals
	corr.Strength = strength(len(signals))
	switch {
	case sharedService && temporal && a.Category != b.Category:
		corr.Type = CorrelationCausalHypothesis
	case sharedService || sharedAsset:
		corr.Type = CorrelationSharedAsset
	case sameSource:
		corr.Type = CorrelationSharedSource
	default:
		corr.Type = CorrelationTemporal
	}
	return corr, true
}

// strength grows with the number of independent signals and stays in (0,1).
func strength(n int) float64 {
	return math.Round((1-math.Pow(0.5, float64(n)))*10000) / 10000
}
