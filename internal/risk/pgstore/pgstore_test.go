package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/riskwatch/internal/postgres"
	"github.com/linnemanlabs/riskwatch/internal/risk"
	"github.com/linnemanlabs/riskwatch/internal/risk/pgstore"
	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

func openStore(t *testing.T) (*pgstore.Store, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("RISKWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RISKWATCH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s, pool
}

// uid keeps rows from separate runs against the same database apart.
func uid(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

func newRisk(fp string, now time.Time) *risk.DynamicRisk {
	return &risk.DynamicRisk{
		ID:            uid("risk"),
		Fingerprint:   fp,
		Category:      trigger.CategorySecurity,
		TriggerType:   "sql_injection",
		ServiceID:     uid("svc"),
		Title:         "SQL injection in checkout",
		Confidence:    0.72,
		Urgency:       risk.UrgencyHigh,
		State:         risk.StateDraft,
		Score:         risk.ScoreOf(0.72, risk.UrgencyHigh, 1),
		TriggerCount:  1,
		LastTriggerAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestCommitAndGetRisk(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	r := newRisk(uid("fp"), now)
	m := &risk.Mutation{
		Risk: r,
		Transitions: []risk.Transition{
			{ID: uid("tr"), RiskID: r.ID, From: risk.StateDetected, To: risk.StateDraft, Cause: risk.CauseAutomatic, At: now},
		},
	}
	if err := s.Commit(ctx, m); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	assertEqual(t, "Version", int64(1), r.Version)

	got, ok, err := s.GetRisk(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("GetRisk = %v, %v", ok, err)
	}
	assertEqual(t, "Fingerprint", r.Fingerprint, got.Fingerprint)
	assertEqual(t, "Category", r.Category, got.Category)
	assertEqual(t, "Urgency", r.Urgency, got.Urgency)
	assertEqual(t, "State", r.State, got.State)
	assertEqual(t, "Confidence", r.Confidence, got.Confidence)
	assertEqual(t, "Score", r.Score, got.Score)
	assertEqual(t, "CreatedAt", r.CreatedAt, got.CreatedAt.UTC())

	hist, err := s.ListTransitions(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].To != risk.StateDraft {
		t.Errorf("history = %+v", hist)
	}

	// update under the right version
	r.State = risk.StateValidated
	r.UpdatedAt = now.Add(time.Minute)
	if err := s.Commit(ctx, &risk.Mutation{Risk: r, ExpectedVersion: 1}); err != nil {
		t.Fatalf("update: %v", err)
	}
	assertEqual(t, "Version after update", int64(2), r.Version)

	// stale version
	stale := *r
	err = s.Commit(ctx, &risk.Mutation{Risk: &stale, ExpectedVersion: 1})
	if !errors.Is(err, risk.ErrConcurrentModification) {
		t.Errorf("stale update err = %v, want ErrConcurrentModification", err)
	}

	// duplicate insert
	dup := *r
	if err := s.Commit(ctx, &risk.Mutation{Risk: &dup}); !errors.Is(err, risk.ErrConcurrentModification) {
		t.Errorf("duplicate insert err = %v, want ErrConcurrentModification", err)
	}

	// update of a missing row
	ghost := newRisk(uid("fp"), now)
	if err := s.Commit(ctx, &risk.Mutation{Risk: ghost, ExpectedVersion: 3}); !errors.Is(err, risk.ErrNotFound) {
		t.Errorf("missing update err = %v, want ErrNotFound", err)
	}
}

func TestCommit_OneOpenValidationPerRisk(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	r := newRisk(uid("fp"), now)
	v := &risk.ValidationRequest{
		ID: uid("val"), RiskID: r.ID, Status: risk.ValidationPending,
		ConfidenceAtSubmission: r.Confidence, UrgencyAtSubmission: r.Urgency,
		CreatedAt: now, DueBy: now.Add(24 * time.Hour),
	}
	if err := s.Commit(ctx, &risk.Mutation{Risk: r, Validation: v}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	second := &risk.ValidationRequest{
		ID: uid("val"), RiskID: r.ID, Status: risk.ValidationPending,
		ConfidenceAtSubmission: r.Confidence, UrgencyAtSubmission: r.Urgency,
		CreatedAt: now, DueBy: now.Add(24 * time.Hour),
	}
	r.Title = "should not persist"
	err := s.Commit(ctx, &risk.Mutation{Risk: r, ExpectedVersion: 1, Validation: second})
	if !errors.Is(err, risk.ErrValidationConflict) {
		t.Fatalf("second open validation err = %v, want ErrValidationConflict", err)
	}
	got, _, _ := s.GetRisk(ctx, r.ID)
	assertEqual(t, "Title after rollback", "SQL injection in checkout", got.Title)
	assertEqual(t, "Version after rollback", int64(1), got.Version)

	open, ok, err := s.OpenValidationForRisk(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("OpenValidationForRisk = %v, %v", ok, err)
	}
	assertEqual(t, "open ID", v.ID, open.ID)

	// decide with adjustments and an escalation row
	title := "Confirmed SQL injection"
	decided := now.Add(30 * time.Minute)
	open.Status = risk.ValidationCompleted
	open.Decision = risk.DecisionApproved
	open.AssignedTo = "alice"
	open.Adjustments = &risk.Adjustments{Title: &title}
	open.DecidedAt = &decided
	esc := &risk.Escalation{
		ID: uid("esc"), ValidationID: open.ID, RiskID: r.ID,
		FromUrgency: risk.UrgencyHigh, ToUrgency: risk.UrgencyCritical,
		PrevDueBy: open.DueBy, NewDueBy: open.DueBy.Add(4 * time.Hour), At: now,
	}
	if err := s.Commit(ctx, &risk.Mutation{Validation: open, ExpectedValidationVersion: 1, Escalation: esc}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	gv, _, _ := s.GetValidation(ctx, open.ID)
	assertEqual(t, "Status", risk.ValidationCompleted, gv.Status)
	assertEqual(t, "Adjusted title", title, *gv.Adjustments.Title)
	assertEqual(t, "DecidedAt", decided, gv.DecidedAt.UTC())

	escs, err := s.ListEscalations(ctx, open.ID)
	if err != nil || len(escs) != 1 {
		t.Fatalf("escalations = %v, %v", escs, err)
	}
	assertEqual(t, "ToUrgency", risk.UrgencyCritical, escs[0].ToUrgency)

	if _, ok, _ := s.OpenValidationForRisk(ctx, r.ID); ok {
		t.Error("closed request still reported open")
	}
}

func TestTriggerLog(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()
	fp := uid("fp")

	for i, rejected := range []string{"", "", "missing severity_score"} {
		rec := &trigger.Record{
			ID: uid("trg"), Category: trigger.CategorySecurity, Type: "sql_injection",
			ServiceIDs: []string{"checkout"}, Title: "t", OccurredAt: now,
			ReceivedAt: now.Add(time.Duration(i) * time.Minute), RejectReason: rejected,
			Raw: []byte(`{"title":"t"}`),
		}
		if rejected == "" {
			rec.Fingerprint = fp
		}
		if err := s.AppendTrigger(ctx, rec); err != nil {
			t.Fatalf("AppendTrigger: %v", err)
		}
	}

	seen, err := s.FingerprintSeenSince(ctx, fp, now.Add(30*time.Second))
	if err != nil || !seen {
		t.Errorf("seen since = %v, %v; want true", seen, err)
	}
	seen, _ = s.FingerprintSeenSince(ctx, fp, now.Add(time.Hour))
	if seen {
		t.Error("seen after the last trigger")
	}

	recs, err := s.ListTriggers(ctx, fp, 1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListTriggers = %d, %v", len(recs), err)
	}
	assertEqual(t, "newest ReceivedAt", now.Add(time.Minute), recs[0].ReceivedAt.UTC())
	assertEqual(t, "ServiceIDs[0]", "checkout", recs[0].ServiceIDs[0])
}

func TestListRisksFilters(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()
	fp := uid("fp")

	a := newRisk(fp, now)
	b := newRisk(fp, now.Add(time.Second))
	b.ServiceID = a.ServiceID
	b.State = risk.StateActive
	b.Confidence = 0.95
	c := newRisk(fp, now.Add(2*time.Second))
	c.ServiceID = ""
	c.AssetID = uid("asset")
	for _, r := range []*risk.DynamicRisk{a, b, c} {
		if err := s.Commit(ctx, &risk.Mutation{Risk: r}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		f    risk.RiskFilter
		want []string
	}{
		{"fingerprint newest first", risk.RiskFilter{Fingerprint: fp}, []string{c.ID, b.ID, a.ID}},
		{"state", risk.RiskFilter{Fingerprint: fp, States: []risk.State{risk.StateActive}}, []string{b.ID}},
		{"service or asset", risk.RiskFilter{Fingerprint: fp, ServiceID: a.ServiceID, AssetIDs: []string{c.AssetID}}, []string{c.ID, b.ID, a.ID}},
		{"asset only", risk.RiskFilter{AssetIDs: []string{c.AssetID}}, []string{c.ID}},
		{"min confidence", risk.RiskFilter{Fingerprint: fp, MinConfidence: 0.9}, []string{b.ID}},
		{"paged", risk.RiskFilter{Fingerprint: fp, Limit: 1, Offset: 1}, []string{b.ID}},
	}
	for _, tt := range tests {
		got, err := s.ListRisks(ctx, tt.f)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		assertEqual(t, tt.name, len(tt.want), len(ids))
		for i := range min(len(ids), len(tt.want)) {
			assertEqual(t, tt.name, tt.want[i], ids[i])
		}
	}

	newest, ok, err := s.FindRiskByFingerprint(ctx, fp)
	if err != nil || !ok {
		t.Fatalf("FindRiskByFingerprint = %v, %v", ok, err)
	}
	assertEqual(t, "newest", c.ID, newest.ID)
}

func TestListRisks_MatchesEveryNamedService(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	r := newRisk(uid("fp"), now)
	api, billing := uid("api"), uid("billing")
	r.SetServices(billing, api)
	r.State = risk.StateActive
	if err := s.Commit(ctx, &risk.Mutation{Risk: r}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.GetRisk(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("GetRisk = %v, %v", ok, err)
	}
	assertEqual(t, "service count", 2, len(got.ServiceIDs))
	assertEqual(t, "ServiceID", r.ServiceID, got.ServiceID)

	for _, svc := range []string{api, billing} {
		rs, err := s.ListRisks(ctx, risk.RiskFilter{ServiceID: svc})
		if err != nil {
			t.Fatalf("ListRisks(%s): %v", svc, err)
		}
		if len(rs) != 1 || rs[0].ID != r.ID {
			t.Errorf("ListRisks(%s) = %d risks", svc, len(rs))
		}
	}

	ids, err := s.LinkedServiceIDs(ctx)
	if err != nil {
		t.Fatalf("LinkedServiceIDs: %v", err)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen[api] || !seen[billing] {
		t.Errorf("LinkedServiceIDs missing %s or %s", api, billing)
	}
}

func TestUpsertCorrelation(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	c, err := risk.NewCorrelation(risk.EntityService, uid("svc-b"), uid("svc-a"))
	if err != nil {
		t.Fatal(err)
	}
	c.Type = risk.CorrelationSharedAsset
	c.Strength = 0.6
	c.Signals = []string{"db-1"}
	c.DiscoveredAt, c.UpdatedAt = now, now

	res, err := s.UpsertCorrelation(ctx, c)
	assertEqual(t, "first", risk.UpsertCreated, res)
	if err != nil {
		t.Fatal(err)
	}

	again := *c
	again.DiscoveredAt, again.UpdatedAt = now.Add(time.Hour), now.Add(time.Hour)
	res, _ = s.UpsertCorrelation(ctx, &again)
	assertEqual(t, "repeat", risk.UpsertUnchanged, res)
	assertEqual(t, "repeat keeps discovered", now, again.DiscoveredAt.UTC())

	again.Strength = 0.8
	res, _ = s.UpsertCorrelation(ctx, &again)
	assertEqual(t, "stronger", risk.UpsertUpdated, res)
	assertEqual(t, "update keeps discovered", now, again.DiscoveredAt.UTC())

	list, err := s.ListCorrelations(ctx, risk.EntityService, c.B)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListCorrelations = %d, %v", len(list), err)
	}
	assertEqual(t, "stored strength", 0.8, list[0].Strength)

	swapped := *c
	swapped.A, swapped.B = c.B, c.A
	if _, err := s.UpsertCorrelation(ctx, &swapped); err == nil {
		t.Error("non-canonical pair accepted")
	}
}

func TestProfilesAndRules(t *testing.T) {
	s, pool := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	p := &risk.ServiceRiskProfile{
		ServiceID: uid("svc"), Criticality: risk.CriticalityHigh, AggregateScore: 12.5,
		MaxRiskScore: 7.5, LiveRiskCount: 2,
		CountsByState: map[risk.State]int{risk.StateActive: 2, risk.StateRetired: 1}, LastAggregatedAt: now,
	}
	if err := s.PutProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetProfile(ctx, p.ServiceID)
	if err != nil || !ok {
		t.Fatalf("GetProfile = %v, %v", ok, err)
	}
	assertEqual(t, "AggregateScore", p.AggregateScore, got.AggregateScore)
	assertEqual(t, "retired count", 1, got.CountsByState[risk.StateRetired])

	ids, err := s.LinkedServiceIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range ids {
		found = found || id == p.ServiceID
	}
	if !found {
		t.Errorf("LinkedServiceIDs missing %s", p.ServiceID)
	}

	if _, err := pool.Exec(ctx, `INSERT INTO risk_creation_rules (category, auto_accept_threshold, review_sla_seconds)
		VALUES ('compliance', 0.95, '{"critical": 3600}')
		ON CONFLICT (category) DO UPDATE SET auto_accept_threshold = EXCLUDED.auto_accept_threshold,
			review_sla_seconds = EXCLUDED.review_sla_seconds`); err != nil {
		t.Fatal(err)
	}
	rules, err := s.LoadRules(ctx, risk.DefaultRules())
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	rule := rules.For(trigger.CategoryCompliance)
	assertEqual(t, "threshold", 0.95, rule.AutoAcceptThreshold)
	assertEqual(t, "critical sla", time.Hour, rule.SLA(risk.UrgencyCritical))
	assertEqual(t, "inherited weight", risk.DefaultRules().Defaults.HeuristicWeight, rule.HeuristicWeight)
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %v, got %v", field, want, got)
	}
}
