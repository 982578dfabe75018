// Package risk is the business boundary for dynamic risk intelligence.
// It defines the lifecycle Service (ingest, dedup, state machine), the
// Scorer (heuristic plus oracle blend), the validation Workflow and its
// escalation Sweeper, the service-level Aggregator, the Correlator, the
// Store contract (persistence) and the domain models.
package risk
