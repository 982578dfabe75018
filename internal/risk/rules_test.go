package risk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

func TestRules_ForInheritsDefaults(t *testing.T) {
	t.Parallel()

	r := DefaultRules().Merge(map[trigger.Category]Rule{
		trigger.CategoryStrategic: {
			AutoAcceptThreshold: 0.95,
			ReviewSLA:           map[Urgency]time.Duration{UrgencyCritical: time.Hour},
		},
	})

	got := r.For(trigger.CategoryStrategic)
	if got.AutoAcceptThreshold != 0.95 {
		t.Errorf("threshold = %v, want 0.95", got.AutoAcceptThreshold)
	}
	if got.HeuristicWeight != 0.4 {
		t.Errorf("heuristic weight = %v, want inherited 0.4", got.HeuristicWeight)
	}
	if got.SLA(UrgencyCritical) != time.Hour {
		t.Errorf("critical SLA = %v, want 1h", got.SLA(UrgencyCritical))
	}
	if got.SLA(UrgencyHigh) != 24*time.Hour {
		t.Errorf("high SLA = %v, want inherited 24h", got.SLA(UrgencyHigh))
	}

	// overriding one category leaves the defaults untouched
	if d := r.For(trigger.CategorySecurity); d.SLA(UrgencyCritical) != 4*time.Hour {
		t.Errorf("security critical SLA = %v, want 4h", d.SLA(UrgencyCritical))
	}
}

func TestRules_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultRules().Validate(); err != nil {
		t.Fatalf("default rules invalid: %v", err)
	}

	bad := DefaultRules()
	bad.Categories = map[trigger.Category]Rule{
		"weather":                  {},
		trigger.CategorySecurity:   {HeuristicWeight: 1.5},
		trigger.CategoryCompliance: {ReviewSLA: map[Urgency]time.Duration{"soon": time.Hour}},
	}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"weather", "heuristic_weight", "unknown urgency"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadRulesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	body := `
defaults:
  auto_accept_threshold: 0.9
categories:
  security:
    heuristic_weight: 0.3
    review_sla:
      critical: 2h
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := LoadRulesFile(path, DefaultRules())
	if err != nil {
		t.Fatalf("LoadRulesFile: %v", err)
	}
	sec := r.For(trigger.CategorySecurity)
	if sec.AutoAcceptThreshold != 0.9 {
		t.Errorf("threshold = %v, want 0.9", sec.AutoAcceptThreshold)
	}
	if sec.HeuristicWeight != 0.3 {
		t.Errorf("heuristic weight = %v, want 0.3", sec.HeuristicWeight)
	}
	if sec.SLA(UrgencyCritical) != 2*time.Hour {
		t.Errorf("critical SLA = %v, want 2h", sec.SLA(UrgencyCritical))
	}
}

func TestLoadRulesFile_Invalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("defaults:\n  auto_accept_threshold: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	base := DefaultRules()
	got, err := LoadRulesFile(path, base)
	if err == nil {
		t.Fatal("expected error for out-of-range threshold")
	}
	if got.Defaults.AutoAcceptThreshold != base.Defaults.AutoAcceptThreshold {
		t.Error("base rules should be returned on error")
	}

	if _, err := LoadRulesFile(filepath.Join(t.TempDir(), "missing.yaml"), base); err == nil {
		t.Error("expected error for missing file")
	}
}
