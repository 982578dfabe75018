package risk

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// Rule holds the tunable creation parameters for one category. Zero values
// inherit from Rules.Defaults.
type Rule struct {
	// HeuristicWeight is the heuristic share of a blended confidence.
	HeuristicWeight float64 `yaml:"heuristic_weight"`
	// AutoAcceptThreshold is the confidence at or above which a draft skips review.
	AutoAcceptThreshold float64 `yaml:"auto_accept_threshold"`
	// ImpactWeight scales the risk score for the category.
	ImpactWeight float64                   `yaml:"impact_weight"`
	ReviewSLA    map[Urgency]time.Duration `yaml:"review_sla"`
}

// Rules are the creation rules for every category.
type Rules struct {
	Defaults   Rule                      `yaml:"defaults"`
	Categories map[trigger.Category]Rule `yaml:"categories"`
}

// DefaultRules returns the built-in rules.
func DefaultRules() Rules {
	return Rules{
		Defaults: Rule{
			HeuristicWeight:     0.4,
			AutoAcceptThreshold: 0.85,
			ImpactWeight:        1.0,
			ReviewSLA: map[Urgency]time.Duration{
				UrgencyCritical: 4 * time.Hour,
				UrgencyHigh:     24 * time.Hour,
				UrgencyMedium:   72 * time.Hour,
				UrgencyLow:      168 * time.Hour,
			},
		},
		Categories: map[trigger.Category]Rule{},
	}
}

// For resolves the effective rule for category c.
func (r Rules) For(c trigger.Category) Rule {
	out := r.Defaults
	out.ReviewSLA = maps.Clone(r.Defaults.ReviewSLA)
	o, ok := r.Categories[c]
	if !ok {
		return out
	}
	if o.HeuristicWeight > 0 {
		out.HeuristicWeight = o.HeuristicWeight
	}
	if o.AutoAcceptThreshold > 0 {
		out.AutoAcceptThreshold = o.AutoAcceptThreshold
	}
	if o.ImpactWeight > 0 {
		out.ImpactWeight = o.ImpactWeight
	}
	if out.ReviewSLA == nil {
		out.ReviewSLA = map[Urgency]time.Duration{}
	}
	for u, d := range o.ReviewSLA {
		out.ReviewSLA[u] = d
	}
	return out
}

// SLA returns the review window for urgency u.
func (r Rule) SLA(u Urgency) time.Duration {
	if d, ok := r.ReviewSLA[u]; ok && d > 0 {
		return d
	}
	return DefaultRules().Defaults.ReviewSLA[UrgencyLow]
}

// Merge overlays per-category overrides onto r and returns the result.
func (r Rules) Merge(overrides map[trigger.Category]Rule) Rules {
	out := r
	out.Categories = maps.Clone(r.Categories)
	if out.Categories == nil {
		out.Categories = map[trigger.Category]Rule{}
	}
	for c, o := range overrides {
		cur := out.Categories[c]
		if o.HeuristicWeight > 0 {
			cur.HeuristicWeight = o.HeuristicWeight
		}
		if o.AutoAcceptThreshold > 0 {
			cur.AutoAcceptThreshold = o.AutoAcceptThreshold
		}
		if o.ImpactWeight > 0 {
			cur.ImpactWeight = o.ImpactWeight
		}
		if len(o.ReviewSLA) > 0 {
			cur.ReviewSLA = maps.Clone(o.ReviewSLA)
		}
		out.Categories[c] = cur
	}
	return out
}

// Validate checks every rule is within range.
func (r Rules) Validate() error {
	var errs []error
	check := func(name string, rule Rule, isDefault bool) {
		if rule.HeuristicWeight < 0 || rule.HeuristicWeight > 1 {
			errs = append(errs, fmt.Errorf("%s: heuristic_weight %v outside [0,1]", name, rule.HeuristicWeight))
		}
		if rule.AutoAcceptThreshold < 0 || rule.AutoAcceptThreshold > 1 {
			errs = append(errs, fmt.Errorf("%s: auto_accept_threshold %v outside [0,1]", name, rule.AutoAcceptThreshold))
		}
		if rule.ImpactWeight < 0 {
			errs = append(errs, fmt.Errorf("%s: impact_weight %v must not be negative", name, rule.ImpactWeight))
		}
		if isDefault && rule.AutoAcceptThreshold == 0 {
			errs = append(errs, fmt.Errorf("%s: auto_accept_threshold must be set", name))
		}
		for u, d := range rule.ReviewSLA {
			if !u.Valid() {
				errs = append(errs, fmt.Errorf("%s: review_sla has unknown urgency %q", name, u))
			}
			if d <= 0 {
				errs = append(errs, fmt.Errorf("%s: review_sla %s must be positive", name, u))
			}
		}
	}
	check("defaults", r.Defaults, true)
	for c, rule := range r.Categories {
		if !c.Valid() {
			errs = append(errs, fmt.Errorf("unknown category %q", c))
			continue
		}
		check(string(c), rule, false)
	}
	return errors.Join(errs...)
}

// LoadRulesFile reads YAML overrides from path and overlays them on base.
func LoadRulesFile(path string, base Rules) (Rules, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return base, fmt.Errorf("read rules: %w", err)
	}
	var file Rules
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return base, fmt.Errorf("parse rules %s: %w", path, err)
	}
	out := base
	if file.Defaults.HeuristicWeight > 0 {
		out.Defaults.HeuristicWeight = file.Defaults.HeuristicWeight
	}
	if file.Defaults.AutoAcceptThreshold > 0 {
		out.Defaults.AutoAcceptThreshold = file.Defaults.AutoAcceptThreshold
	}
	if file.Defaults.ImpactWeight > 0 {
		out.Defaults.ImpactWeight = file.Defaults.ImpactWeight
	}
	if len(file.Defaults.ReviewSLA) > 0 {
		out.Defaults.ReviewSLA = maps.Clone(out.Defaults.ReviewSLA)
		maps.Copy(out.Defaults.ReviewSLA, file.Defaults.ReviewSLA)
	}
	out = out.Merge(file.Categories)
	if err := out.Validate(); err != nil {
		return base, fmt.Errorf("rules %s: %w", path, err)
	}
	return out, nil
}
