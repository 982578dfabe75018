package risk

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// Deps are the collaborators shared by every engine component.
type Deps struct {
	Store  Store
	Locker Locker
	// Oracle is optional; without it scoring runs on heuristics alone.
	Oracle Oracle
	// Notifier is optional.
	Notifier Notifier
	// Catalog is optional; without it every service has medium criticality
	// and no assets.
	Catalog Catalog
	Logger  log.Logger
	Hooks   Hooks
}

// Engine bundles the components built from one Deps and Config.
type Engine struct {
	Lifecycle  *Service
	Scorer     *Scorer
	Workflow   *Workflow
	Sweeper    *Sweeper
	Aggregator *Aggregator
	Correlator *Correlator
}

// New wires an Engine.
func New(d Deps, cfg Config) *Engine {
	if d.Store == nil {
		panic(xerrors.New("risk store is required"))
	}
	if d.Locker == nil {
		panic(xerrors.New("risk locker is required"))
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Catalog == nil {
		d.Catalog = emptyCatalog{}
	}
	cfg = cfg.withDefaults()

	agg := NewAggregator(d.Store, d.Catalog, cfg, d.Logger, d.Hooks)
	b := &base{
		store:    d.Store,
		locker:   d.Locker,
		catalog:  d.Catalog,
		notifier: d.Notifier,
		logger:   d.Logger,
		hooks:    d.Hooks,
		cfg:      cfg,
		agg:      agg,
	}
	scorer := NewScorer(d.Oracle, cfg, d.Logger, d.Hooks)

	return &Engine{
		Lifecycle: &Service{
			base:       b,
			scorer:     scorer,
			normalizer: trigger.NewNormalizer(d.Store, cfg.DedupWindow, cfg.Now),
		},
		Scorer:     scorer,
		Workflow:   &Workflow{base: b},
		Sweeper:    &Sweeper{base: b},
		Aggregator: agg,
		Correlator: NewCorrelator(d.Store, d.Catalog, cfg),
	}
}

// errRetry signals that the read snapshot went stale before the write.
var errRetry = errors.New("snapshot changed")

// base carries shared plumbing for the lifecycle, workflow and sweeper.
type base struct {
	store    Store
	locker   Locker
	catalog  Catalog
	notifier Notifier
	logger   log.Logger
	hooks    Hooks
	cfg      Config
	agg      *Aggregator
}

// withLock runs fn while holding key. Failing to acquire within LockWait is
// reported as a concurrent modification.
func (b *base) withLock(ctx context.Context, key string, fn func() error) error {
	lctx, cancel := context.WithTimeout(ctx, b.cfg.LockWait)
	defer cancel()
	unlock, err := b.locker.Lock(lctx, key)
	if err != nil {
		return fmt.Errorf("%w: lock %s: %w", ErrConcurrentModification, key, err)
	}
	defer unlock()
	return fn()
}

// retry runs fn and repeats it once when the snapshot went stale or the
// store reported a version conflict. A second conflict is surfaced.
func (b *base) retry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := range 2 {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errRetry) && !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		if attempt == 0 {
			b.logger.Warn(ctx, "concurrent modification, retrying", "op", what)
		}
	}
	if errors.Is(err, errRetry) {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, what)
	}
	return err
}

// commit persists m, firing transition hooks on success.
func (b *base) commit(ctx context.Context, m *Mutation) error {
	if err := b.store.Commit(ctx, m); err != nil {
		return storageErr("commit", err)
	}
	if b.hooks.OnTransition != nil {
		for _, t := range m.Transitions {
			b.hooks.OnTransition(t.From, t.To, t.Cause)
		}
	}
	return nil
}

// blocked reports whether another active risk shares r's fingerprint.
func (b *base) blocked(ctx context.Context, r *DynamicRisk) (bool, error) {
	active, err := b.store.ListRisks(ctx, RiskFilter{Fingerprint: r.Fingerprint, States: []State{StateActive}})
	if err != nil {
		return false, storageErr("list active duplicates", err)
	}
	for _, o := range active {
		if o.ID != r.ID {
			return true, nil
		}
	}
	return false, nil
}

// maybeActivate advances a validated risk to active unless blocked.
func (b *base) maybeActivate(ctx context.Context, r *DynamicRisk, cause TransitionCause, actor string) (*Transition, error) {
	if r.State != StateValidated {
		return nil, nil
	}
	isBlocked, err := b.blocked(ctx, r)
	if err != nil || isBlocked {
		return nil, err
	}
	tr, err := advance(r, StateActive, cause, actor, "", b.cfg.now())
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// emit delivers ev, logging rather than surfacing failures.
func (b *base) emit(ctx context.Context, ev Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, ev); err != nil {
		b.logger.Warn(ctx, "notification failed", "kind", ev.Kind, "risk_id", ev.RiskID, "err", err)
		if b.hooks.OnNotifyFail != nil {
			b.hooks.OnNotifyFail(ev.Kind)
		}
	}
}

// refresh recomputes profiles for every service the given risks touch.
func (b *base) refresh(ctx context.Context, risks ...*DynamicRisk) {
	var services []string
	for _, r := range risks {
		if r == nil {
			continue
		}
		services = append(services, r.Services()...)
		if r.AssetID != "" {
			owners, err := b.catalog.ServicesOfAsset(ctx, r.AssetID)
			if err != nil {
				b.logger.Warn(ctx, "asset owner lookup failed", "asset_id", r.AssetID, "err", err)
				continue
			}
			services = append(services, owners...)
		}
	}
	slices.Sort(services)
	services = slices.Compact(services)
	if err := b.agg.Refresh(ctx, services...); err != nil {
		b.logger.Warn(ctx, "service profile refresh failed", "services", services, "err", err)
	}
}
