package risk

import (
	"fmt"
	"math"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// Heuristic computes a deterministic estimate from the trigger payload alone.
func Heuristic(rec *trigger.Record) (*Estimate, error) {
	switch p := rec.Payload.(type) {
	case *trigger.Security:
		return securityHeuristic(p), nil
	case *trigger.Operational:
		return operationalHeuristic(p), nil
	case *trigger.Compliance:
		return complianceHeuristic(p), nil
	case *trigger.Strategic:
		return strategicHeuristic(p), nil
	case nil:
		return nil, fmt.Errorf("trigger %s has no payload", rec.ID)
	default:
		return nil, fmt.Errorf("no heuristic for payload %T", p)
	}
}

func securityHeuristic(p *trigger.Security) *Estimate {
	sev := *p.SeverityScore
	conf := sev / 10
	if p.ExploitAvailable {
		conf += 0.05
	}

	u := UrgencyLow
	switch {
	case sev >= 9 && (len(p.AffectedServices) >= 3 || p.ExploitAvailable):
		u = UrgencyCritical
	case sev >= 7:
		u = UrgencyHigh
	case sev >= 4:
		u = UrgencyMedium
	}
	return &Estimate{
		Confidence: clamp01(conf),
		Urgency:    u,
		Basis:      fmt.Sprintf("severity %.1f across %d service(s)", sev, len(p.AffectedServices)),
	}
}

var scopeBands = map[string]struct {
	conf    float64
	urgency Urgency
}{
	"component":     {0.45, UrgencyLow},
	"service":       {0.6, UrgencyMedium},
	"multi_service": {0.75, UrgencyHigh},
	"organization":  {0.85, UrgencyCritical},
}

func operationalHeuristic(p *trigger.Operational) *Estimate {
	band, ok := scopeBands[p.ImpactScope]
	if !ok {
		band = scopeBands["component"]
	}
	conf := band.conf
	if p.ErrorRate != nil {
		conf += 0.1 * *p.ErrorRate
	}
	return &Estimate{
		Confidence: clamp01(conf),
		Urgency:    band.urgency,
		Basis:      "impact scope " + p.ImpactScope,
	}
}

func complianceHeuristic(p *trigger.Compliance) *Estimate {
	conf := 0.5
	u := UrgencyMedium
	basis := "control gap, extent unknown"
	if p.GapPercent != nil {
		gap := *p.GapPercent
		conf = 0.3 + 0.6*gap/100
		switch {
		case gap >= 60:
			u = UrgencyHigh
		case gap >= 25:
			u = UrgencyMedium
		default:
			u = UrgencyLow
		}
		basis = fmt.Sprintf("%.0f%% control gap", gap)
	}
	if len(p.ServiceIDs) >= 3 {
		conf += 0.05
	}
	return &Estimate{Confidence: clamp01(conf), Urgency: u, Basis: basis}
}

func strategicHeuristic(p *trigger.Strategic) *Estimate {
	impact := *p.BusinessImpactEstimate
	days := *p.TimelineDays

	impactFactor := clamp01(math.Log10(1+impact) / 7)
	timeFactor := 1 / (1 + float64(days)/30)
	conf := 0.3 + 0.7*impactFactor*timeFactor

	u := UrgencyLow
	switch {
	case impact >= 1_000_000 && days <= 7:
		u = UrgencyCritical
	case impact >= 1_000_000 || (impact >= 250_000 && days <= 30):
		u = UrgencyHigh
	case impact >= 50_000:
		u = UrgencyMedium
	}
	return &Estimate{
		Confidence: clamp01(conf),
		Urgency:    u,
		Basis:      fmt.Sprintf("impact %.0f within %d day(s)", impact, days),
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ScoreOf computes the numeric risk score for a confidence and urgency.
func ScoreOf(confidence float64, u Urgency, impactWeight float64) float64 {
	if impactWeight <= 0 {
		impactWeight = 1
	}
	return math.Round(confidence*u.ImpactWeight()*impactWeight*1000) / 1000
}
