package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

// Estimate is a heuristic assessment derived from a trigger's own fields.
type Estimate struct {
	Confidence float64 `json:"confidence"`
	Urgency    Urgency `json:"urgency"`
	Basis      string  `json:"basis"`
}

// OracleRequest is the context handed to an Oracle.
type OracleRequest struct {
	Trigger   *trigger.Record
	Heuristic *Estimate
	// Existing is the risk being re-scored, nil on first sight.
	Existing *DynamicRisk
}

// Verdict is an oracle's assessment of a trigger.
type Verdict struct {
	Confidence float64 `json:"confidence"`
	// Urgency is optional; empty means the oracle expressed no opinion.
	Urgency   Urgency `json:"urgency,omitempty"`
	Reasoning string  `json:"reasoning"`
	Model     string  `json:"model,omitempty"`
}

// Oracle is an external scoring capability. Implementations must honor ctx.
type Oracle interface {
	Assess(ctx context.Context, req *OracleRequest) (*Verdict, error)
}

// TableOracle returns fixed verdicts keyed by category and trigger type.
// It is deterministic and used where a real model is unavailable or
// undesirable, such as tests and local development.
type TableOracle struct {
	mu       sync.Mutex
	verdicts map[string]Verdict
	// Default answers unknown keys; nil makes them fail.
	Default *Verdict
	// Err, when set, is returned for every call.
	Err error
	// Delay holds each call before answering, bounded by ctx.
	Delay time.Duration
	calls int
}

// NewTableOracle creates an empty TableOracle.
func NewTableOracle() *TableOracle {
	return &TableOracle{verdicts: make(map[string]Verdict)}
}

// Set registers the verdict for a category and trigger type.
func (o *TableOracle) Set(c trigger.Category, triggerType string, v Verdict) *TableOracle {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verdicts[string(c)+"/"+triggerType] = v
	return o
}

// Calls returns how many times Assess ran.
func (o *TableOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// Assess implements Oracle.
func (o *TableOracle) Assess(ctx context.Context, req *OracleRequest) (*Verdict, error) {
	o.mu.Lock()
	o.calls++
	v, ok := o.verdicts[string(req.Trigger.Category)+"/"+req.Trigger.Type]
	def, err, delay := o.Default, o.Err, o.Delay
	o.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		if def == nil {
			return nil, errors.New("no verdict for " + string(req.Trigger.Category) + "/" + req.Trigger.Type)
		}
		v = *def
	}
	return &v, nil
}
