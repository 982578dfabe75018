package risk_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/riskwatch/internal/lock"
	"github.com/linnemanlabs/riskwatch/internal/risk"
	"github.com/linnemanlabs/riskwatch/internal/risk/memstore"
	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures emitted events.
type recorder struct {
	mu     sync.Mutex
	events []risk.Event
	err    error
}

func (r *recorder) Notify(_ context.Context, ev risk.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) kinds() []risk.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]risk.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) count(kind risk.EventKind) int {
	var n int
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// staticCatalog is a fixed service catalog.
type staticCatalog struct {
	criticality map[string]risk.Criticality
	assets      map[string][]string
}

func (c staticCatalog) Criticality(_ context.Context, id string) (risk.Criticality, error) {
	if v, ok := c.criticality[id]; ok {
		return v, nil
	}
	return risk.CriticalityMedium, nil
}

func (c staticCatalog) AssetsOf(_ context.Context, id string) ([]string, error) {
	return c.assets[id], nil
}

func (c staticCatalog) ServicesOfAsset(_ context.Context, asset string) ([]string, error) {
	var out []string
	for svc, as := range c.assets {
		for _, a := range as {
			if a == asset {
				out = append(out, svc)
			}
		}
	}
	return out, nil
}

type harness struct {
	engine *risk.Engine
	store  *memstore.Store
	clock  *clock
	oracle *risk.TableOracle
	events *recorder
}

type option func(*risk.Deps, *risk.Config)

func withCatalog(c risk.Catalog) option {
	return func(d *risk.Deps, _ *risk.Config) { d.Catalog = c }
}

func withReviewers(pool ...string) option {
	return func(_ *risk.Deps, c *risk.Config) { c.ReviewerPool = pool }
}

func withStore(s risk.Store) option {
	return func(d *risk.Deps, _ *risk.Config) { d.Store = s }
}

func withConfig(fn func(*risk.Config)) option {
	return func(_ *risk.Deps, c *risk.Config) { fn(c) }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		clock:  newClock(),
		oracle: risk.NewTableOracle(),
		events: &recorder{},
	}
	deps := risk.Deps{
		Store:    h.store,
		Locker:   lock.NewLocal(),
		Oracle:   h.oracle,
		Notifier: h.events,
	}
	cfg := risk.DefaultConfig()
	cfg.Now = h.clock.Now
	cfg.OracleTimeout = 50 * time.Millisecond
	for _, o := range opts {
		o(&deps, &cfg)
	}
	h.engine = risk.New(deps, cfg)
	return h
}

func (h *harness) ingest(t *testing.T, p trigger.Payload) *risk.IngestResult {
	t.Helper()
	res, err := h.engine.Lifecycle.IngestPayload(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("IngestPayload: %v", err)
	}
	return res
}

func (h *harness) risk(t *testing.T, id string) *risk.DynamicRisk {
	t.Helper()
	r, ok, err := h.engine.Lifecycle.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Get(%s) = %v, %v", id, ok, err)
	}
	return r
}

func (h *harness) validationFor(t *testing.T, riskID string) *risk.ValidationRequest {
	t.Helper()
	vs, err := h.engine.Workflow.List(context.Background(), risk.ValidationFilter{RiskID: riskID})
	if err != nil {
		t.Fatalf("List validations: %v", err)
	}
	if len(vs) != 1 {
		t.Fatalf("validations for %s = %d, want 1", riskID, len(vs))
	}
	return vs[0]
}

func ptr[T any](v T) *T { return &v }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func securityTrigger(severity float64, services ...string) *trigger.Security {
	return &trigger.Security{
		Type:             "sql_injection",
		SeverityScore:    ptr(severity),
		AffectedServices: services,
	}
}

func strategicTrigger(impact float64, days int, service string) *trigger.Strategic {
	return &trigger.Strategic{
		Type:                   "market_shift",
		BusinessImpactEstimate: ptr(impact),
		TimelineDays:           ptr(days),
		Initiative:             "emea-expansion",
		ServiceID:              service,
	}
}

func complianceTrigger(gap float64, services ...string) *trigger.Compliance {
	return &trigger.Compliance{
		Type:             "control_gap",
		ControlFramework: "SOC2",
		ControlID:        "CC6.1",
		ServiceIDs:       services,
		GapPercent:       ptr(gap),
	}
}

// draftRisk ingests a trigger that always lands in review and returns the
// risk and its pending validation.
func (h *harness) draftRisk(t *testing.T, service string) (*risk.DynamicRisk, *risk.ValidationRequest) {
	t.Helper()
	res := h.ingest(t, complianceTrigger(30, service))
	if res.Risk.State != risk.StateDraft || res.Validation == nil {
		t.Fatalf("expected draft risk with validation, got %s", res.Risk.State)
	}
	return res.Risk, res.Validation
}

// failingStore fails every Commit once armed.
type failingStore struct {
	*memstore.Store
	mu    sync.Mutex
	armed bool
}

func (f *failingStore) arm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = true
}

func (f *failingStore) Commit(ctx context.Context, m *risk.Mutation) error {
	f.mu.Lock()
	armed := f.armed
	f.mu.Unlock()
	if armed {
		return errors.New("connection reset by peer")
	}
	return f.Store.Commit(ctx, m)
}

// conflictStore reports a version conflict for the next n commits.
type conflictStore struct {
	*memstore.Store
	mu        sync.Mutex
	conflicts int
	commits   int
}

func (c *conflictStore) conflict(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts, c.commits = n, 0
}

func (c *conflictStore) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

func (c *conflictStore) Commit(ctx context.Context, m *risk.Mutation) error {
	c.mu.Lock()
	c.commits++
	fail := c.conflicts > 0
	if fail {
		c.conflicts--
	}
	c.mu.Unlock()
	if fail {
		return risk.ErrConcurrentModification
	}
	return c.Store.Commit(ctx, m)
}
