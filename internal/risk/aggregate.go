package risk

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/linnemanlabs/go-core/log"
)

// Aggregator derives ServiceRiskProfiles from the risks linked to a service.
type Aggregator struct {
	store   Store
	catalog Catalog
	cfg     Config
	logger  log.Logger
	hooks   Hooks
	group   singleflight.Group
}

// NewAggregator creates an Aggregator.
func NewAggregator(store Store, catalog Catalog, cfg Config, logger log.Logger, hooks Hooks) *Aggregator {
	if catalog == nil {
		catalog = emptyCatalog{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Aggregator{store: store, catalog: catalog, cfg: cfg.withDefaults(), logger: logger, hooks: hooks}
}

// Profile recomputes and persists the profile for serviceID. Concurrent
// calls for the same service share one computation.
func (a *Aggregator) Profile(ctx context.Context, serviceID string) (*ServiceRiskProfile, error) {
	if serviceID == "" {
		return nil, fmt.Errorf("service id: %w", ErrNotFound)
	}
	v, err, _ := a.group.Do(serviceID, func() (any, error) {
		return a.compute(ctx, serviceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ServiceRiskProfile).Clone(), nil
}

// Cached returns the last persisted profile without recomputing.
func (a *Aggregator) Cached(ctx context.Context, serviceID string) (*ServiceRiskProfile, bool, error) {
	p, ok, err := a.store.GetProfile(ctx, serviceID)
	return p, ok, storageErr("get profile", err)
}

// Refresh recomputes profiles for the given services.
func (a *Aggregator) Refresh(ctx context.Context, serviceIDs ...string) error {
	var errs []error
	for _, id := range serviceIDs {
		if _, err := a.Profile(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// RefreshAll recomputes every service referenced by a live risk or already
// holding a profile, with bounded parallelism.
func (a *Aggregator) RefreshAll(ctx context.Context) (int, error) {
	ids, err := a.store.LinkedServiceIDs(ctx)
	if err != nil {
		return 0, storageErr("list linked services", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.AggregateConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := a.Profile(gctx, id); err != nil {
				return fmt.Errorf("service %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (a *Aggregator) compute(ctx context.Context, serviceID string) (*ServiceRiskProfile, error) {
	crit, err := a.catalog.Criticality(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("criticality: %w", err)
	}
	assets, err := a.catalog.AssetsOf(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("assets: %w", err)
	}
	risks, err := a.store.ListRisks(ctx, RiskFilter{ServiceID: serviceID, AssetIDs: assets})
	if err != nil {
		return nil, storageErr("list service risks", err)
	}

	p := &ServiceRiskProfile{
		ServiceID:        serviceID,
		Criticality:      crit,
		CountsByState:    make(map[State]int, len(States)),
		LastAggregatedAt: a.cfg.now(),
	}
	var sum float64
	for _, r := range risks {
		p.CountsByState[r.State]++
		if !r.State.Live() {
			continue
		}
		p.LiveRiskCount++
		sum += r.Score
		p.MaxRiskScore = math.Max(p.MaxRiskScore, r.Score)
	}
	p.AggregateScore = math.Round(sum*crit.Weight()*1000) / 1000

	if err := a.store.PutProfile(ctx, p); err != nil {
		return nil, storageErr("put profile", err)
	}
	if a.hooks.OnAggregate != nil {
		a.hooks.OnAggregate(serviceID, p.AggregateScore)
	}
	return p, nil
}
