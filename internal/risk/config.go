package risk

import (
	"time"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// Config carries the engine's tunables. It is built once at process start
// and shared by every component.
type Config struct {
	Rules             Rules
	OracleTimeout     time.Duration
	DedupWindow       time.Duration
	InactivityTimeout time.Duration
	CorrelationWindow time.Duration
	// LockWait bounds how long a writer waits for a per-risk lock.
	LockWait time.Duration
	// ReviewerPool receives round-robin reassignments on escalation.
	ReviewerPool []string
	// AggregateConcurrency bounds parallel recomputes in a full sweep.
	AggregateConcurrency int
	Now                  func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Rules:                DefaultRules(),
		OracleTimeout:        5 * time.Second,
		DedupWindow:          trigger.DefaultDedupWindow,
		InactivityTimeout:    90 * 24 * time.Hour,
		CorrelationWindow:    time.Hour,
		LockWait:             5 * time.Second,
		AggregateConcurrency: 4,
		Now:                  time.Now,
	}
}

func (c Config) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Rules.Defaults.AutoAcceptThreshold == 0 {
		c.Rules = d.Rules
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = d.OracleTimeout
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = d.InactivityTimeout
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = d.CorrelationWindow
	}
	if c.LockWait <= 0 {
		c.LockWait = d.LockWait
	}
	if c.AggregateConcurrency <= 0 {
		c.AggregateConcurrency = d.AggregateConcurrency
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}
