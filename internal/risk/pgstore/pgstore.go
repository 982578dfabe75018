// Package pgstore provides a PostgreSQL implementation of risk.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/riskwatch/internal/risk"
	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

var tracer = otel.Tracer("github.com/linnemanlabs/riskwatch/internal/risk/pgstore")

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	openValidationIndex = "risk_validations_open_uniq"
)

// Store persists the risk register in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ risk.Store = (*Store)(nil)

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable. Used as a readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// params numbers positional arguments while a query is assembled.
type params struct {
	clauses []string
	args    []any
}

// add appends clause, replacing each "?" with the next placeholder.
func (p *params) add(clause string, args ...any) {
	var b strings.Builder
	i := 0
	for _, r := range clause {
		if r == '?' && i < len(args) {
			p.args = append(p.args, args[i])
			b.WriteString("$" + strconv.Itoa(len(p.args)))
			i++
			continue
		}
		b.WriteRune(r)
	}
	p.clauses = append(p.clauses, b.String())
}

func (p *params) where() string {
	if len(p.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.clauses, " AND ")
}

func (p *params) page(limit, offset int) string {
	var out string
	if limit > 0 {
		p.args = append(p.args, limit)
		out += " LIMIT $" + strconv.Itoa(len(p.args))
	}
	if offset > 0 {
		p.args = append(p.args, offset)
		out += " OFFSET $" + strconv.Itoa(len(p.args))
	}
	return out
}

func strs[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// ---- triggers ----

const triggerColumns = `id, category, type, fingerprint, service_ids, asset_id, title, description,
	source, resolved, occurred_at, received_at, reject_reason, raw`

// AppendTrigger writes rec to the audit log.
func (s *Store) AppendTrigger(ctx context.Context, rec *trigger.Record) error {
	ctx, span := startSpan(ctx, "AppendTrigger", "INSERT")
	defer span.End()

	serviceIDs := rec.ServiceIDs
	if serviceIDs == nil {
		serviceIDs = []string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO triggers (`+triggerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, string(rec.Category), rec.Type, rec.Fingerprint, serviceIDs, rec.AssetID,
		rec.Title, rec.Description, rec.Source, rec.Resolved, rec.OccurredAt, rec.ReceivedAt,
		rec.RejectReason, rec.Raw,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert trigger: %w", err))
	}
	return nil
}

// FingerprintSeenSince reports whether a valid trigger with fp arrived at or after since.
func (s *Store) FingerprintSeenSince(ctx context.Context, fp string, since time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "FingerprintSeenSince", "SELECT")
	defer span.End()

	var seen bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM triggers WHERE fingerprint = $1 AND reject_reason = '' AND received_at >= $2
	)`, fp, since).Scan(&seen)
	if err != nil {
		return false, fail(span, fmt.Errorf("query trigger log: %w", err))
	}
	return seen, nil
}

// ListTriggers returns audit records for fp, newest first.
func (s *Store) ListTriggers(ctx context.Context, fp string, limit int) ([]*trigger.Record, error) {
	ctx, span := startSpan(ctx, "ListTriggers", "SELECT")
	defer span.End()

	var p params
	p.add("fingerprint = ?", fp)
	query := `SELECT ` + triggerColumns + ` FROM triggers` + p.where() +
		` ORDER BY received_at DESC, id DESC` + p.page(limit, 0)

	rows, err := s.pool.Query(ctx, query, p.args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query triggers: %w", err))
	}
	defer rows.Close()

	var out []*trigger.Record
	for rows.Next() {
		var (
			rec      trigger.Record
			category string
		)
		if err := rows.Scan(&rec.ID, &category, &rec.Type, &rec.Fingerprint, &rec.ServiceIDs,
			&rec.AssetID, &rec.Title, &rec.Description, &rec.Source, &rec.Resolved,
			&rec.OccurredAt, &rec.ReceivedAt, &rec.RejectReason, &rec.Raw); err != nil {
			return nil, fail(span, fmt.Errorf("scan trigger: %w", err))
		}
		rec.Category = trigger.Category(category)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate triggers: %w", err))
	}
	return out, nil
}

// ---- risks ----

const riskColumns = `id, fingerprint, category, trigger_type, service_id, asset_id, title,
	description, confidence, urgency, state, score, reasoning, trigger_count, last_trigger_at,
	created_at, updated_at, retirement_reason, version, service_ids`

func scanRisk(row pgx.Row) (*risk.DynamicRisk, error) {
	var (
		r                        risk.DynamicRisk
		category, urgency, state string
	)
	err := row.Scan(&r.ID, &r.Fingerprint, &category, &r.TriggerType, &r.ServiceID, &r.AssetID,
		&r.Title, &r.Description, &r.Confidence, &urgency, &state, &r.Score, &r.Reasoning,
		&r.TriggerCount, &r.LastTriggerAt, &r.CreatedAt, &r.UpdatedAt, &r.RetirementReason, &r.Version,
		&r.ServiceIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan risk: %w", err)
	}
	r.Category = trigger.Category(category)
	r.Urgency = risk.Urgency(urgency)
	r.State = risk.State(state)
	return &r, nil
}

// GetRisk retrieves a risk by ID.
func (s *Store) GetRisk(ctx context.Context, id string) (*risk.DynamicRisk, bool, error) {
	ctx, span := startSpan(ctx, "GetRisk", "SELECT")
	defer span.End()

	r, err := scanRisk(s.pool.QueryRow(ctx, `SELECT `+riskColumns+` FROM dynamic_risks WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// FindRiskByFingerprint returns the most recently created risk with fp.
func (s *Store) FindRiskByFingerprint(ctx context.Context, fp string) (*risk.DynamicRisk, bool, error) {
	ctx, span := startSpan(ctx, "FindRiskByFingerprint", "SELECT")
	defer span.End()

	r, err := scanRisk(s.pool.QueryRow(ctx, `SELECT `+riskColumns+` FROM dynamic_risks
		WHERE fingerprint = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, fp))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// ListRisks returns matching risks, newest first.
func (s *Store) ListRisks(ctx context.Context, f risk.RiskFilter) ([]*risk.DynamicRisk, error) {
	ctx, span := startSpan(ctx, "ListRisks", "SELECT")
	defer span.End()

	var p params
	if len(f.IDs) > 0 {
		p.add("id = ANY(?)", f.IDs)
	}
	if len(f.States) > 0 {
		p.add("state = ANY(?)", strs(f.States))
	}
	if f.Fingerprint != "" {
		p.add("fingerprint = ?", f.Fingerprint)
	}
	switch {
	case f.ServiceID != "" && len(f.AssetIDs) > 0:
		p.add("(? = ANY(service_ids) OR (asset_id <> '' AND asset_id = ANY(?)))", f.ServiceID, f.AssetIDs)
	case f.ServiceID != "":
		p.add("? = ANY(service_ids)", f.ServiceID)
	case len(f.AssetIDs) > 0:
		p.add("asset_id <> '' AND asset_id = ANY(?)", f.AssetIDs)
	}
	if f.MinConfidence > 0 {
		p.add("confidence >= ?", f.MinConfidence)
	}
	if !f.LastTriggerBefore.IsZero() {
		p.add("last_trigger_at < ?", f.LastTriggerBefore)
	}
	query := `SELECT ` + riskColumns + ` FROM dynamic_risks` + p.where() +
		` ORDER BY created_at DESC, id DESC` + p.page(f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, p.args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query risks: %w", err))
	}
	defer rows.Close()

	var out []*risk.DynamicRisk
	for rows.Next() {
		r, err := scanRisk(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate risks: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// ListTransitions returns a risk's history, oldest first.
func (s *Store) ListTransitions(ctx context.Context, riskID string) ([]risk.Transition, error) {
	ctx, span := startSpan(ctx, "ListTransitions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, risk_id, from_state, to_state, cause, actor, reason, at
		FROM risk_transitions WHERE risk_id = $1 ORDER BY seq`, riskID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query transitions: %w", err))
	}
	defer rows.Close()

	var out []risk.Transition
	for rows.Next() {
		var (
			t               risk.Transition
			from, to, cause string
		)
		if err := rows.Scan(&t.ID, &t.RiskID, &from, &to, &cause, &t.Actor, &t.Reason, &t.At); err != nil {
			return nil, fail(span, fmt.Errorf("scan transition: %w", err))
		}
		t.From, t.To, t.Cause = risk.State(from), risk.State(to), risk.TransitionCause(cause)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate transitions: %w", err))
	}
	return out, nil
}

// LinkedServiceIDs returns services referenced by live risks or holding a profile.
func (s *Store) LinkedServiceIDs(ctx context.Context) ([]string, error) {
	ctx, span := startSpan(ctx, "LinkedServiceIDs", "SELECT")
	defer span.End()

	var live []string
	for _, st := range risk.States {
		if st.Live() {
			live = append(live, string(st))
		}
	}
	rows, err := s.pool.Query(ctx, `SELECT unnest(service_ids) FROM dynamic_risks WHERE state = ANY($1)
		UNION SELECT service_id FROM service_risk_profiles
		ORDER BY 1`, live)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query linked services: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fail(span, fmt.Errorf("collect linked services: %w", err))
	}
	return ids, nil
}

// Commit applies m in one transaction.
func (s *Store) Commit(ctx context.Context, m *risk.Mutation) error {
	ctx, span := startSpan(ctx, "Commit", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if m.Risk != nil {
		if err := writeRisk(ctx, tx, m.Risk, m.ExpectedVersion); err != nil {
			return fail(span, err)
		}
	}
	if m.Validation != nil {
		if err := writeValidation(ctx, tx, m.Validation, m.ExpectedValidationVersion); err != nil {
			return fail(span, err)
		}
	}
	for _, t := range m.Transitions {
		_, err := tx.Exec(ctx, `INSERT INTO risk_transitions (id, risk_id, from_state, to_state, cause, actor, reason, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.ID, t.RiskID, string(t.From), string(t.To), string(t.Cause), t.Actor, t.Reason, t.At)
		if err != nil {
			return fail(span, mapWriteErr(fmt.Sprintf("transition for risk %s", t.RiskID), err))
		}
	}
	if e := m.Escalation; e != nil {
		_, err := tx.Exec(ctx, `INSERT INTO risk_escalations (id, validation_id, risk_id, from_urgency, to_urgency,
			from_assignee, to_assignee, prev_due_by, new_due_by, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, e.ValidationID, e.RiskID, string(e.FromUrgency), string(e.ToUrgency),
			e.FromAssignee, e.ToAssignee, e.PrevDueBy, e.NewDueBy, e.At)
		if err != nil {
			return fail(span, mapWriteErr(fmt.Sprintf("escalation for validation %s", e.ValidationID), err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit tx: %w", err))
	}

	if m.Risk != nil {
		m.Risk.Version = m.ExpectedVersion + 1
	}
	if m.Validation != nil {
		m.Validation.Version = m.ExpectedValidationVersion + 1
	}
	return nil
}

// mapWriteErr converts constraint violations into domain errors.
func mapWriteErr(what string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == openValidationIndex:
			return fmt.Errorf("%s: %w", what, risk.ErrValidationConflict)
		case pgErr.Code == pgUniqueViolation:
			return fmt.Errorf("%s already exists: %w", what, risk.ErrConcurrentModification)
		case pgErr.Code == pgForeignKeyViolation:
			return fmt.Errorf("%s references a missing row: %w", what, risk.ErrNotFound)
		}
	}
	return fmt.Errorf("write %s: %w", what, err)
}

// staleOrMissing tells apart a lost optimistic race from a missing row after
// an update matched nothing.
func staleOrMissing(ctx context.Context, tx pgx.Tx, table, what, id string, expected int64) error {
	var current int64
	err := tx.QueryRow(ctx, `SELECT version FROM `+table+` WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, risk.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check %s version: %w", what, err)
	}
	return fmt.Errorf("%s %s at version %d, expected %d: %w", what, id, current, expected, risk.ErrConcurrentModification)
}

func writeRisk(ctx context.Context, tx pgx.Tx, r *risk.DynamicRisk, expected int64) error {
	// a nil slice would encode as NULL
	services := append([]string{}, r.Services()...)
	if expected == 0 {
		_, err := tx.Exec(ctx, `INSERT INTO dynamic_risks (`+riskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1, $19)`,
			r.ID, r.Fingerprint, string(r.Category), r.TriggerType, r.ServiceID, r.AssetID, r.Title,
			r.Description, r.Confidence, string(r.Urgency), string(r.State), r.Score, r.Reasoning,
			r.TriggerCount, r.LastTriggerAt, r.CreatedAt, r.UpdatedAt, r.RetirementReason, services)
		if err != nil {
			return mapWriteErr("risk "+r.ID, err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `UPDATE dynamic_risks SET
			service_id = $2, asset_id = $3, title = $4, description = $5, confidence = $6,
			urgency = $7, state = $8, score = $9, reasoning = $10, trigger_count = $11,
			last_trigger_at = $12, updated_at = $13, retirement_reason = $14, service_ids = $16,
			version = version + 1
		WHERE id = $1 AND version = $15`,
		r.ID, r.ServiceID, r.AssetID, r.Title, r.Description, r.Confidence, string(r.Urgency),
		string(r.State), r.Score, r.Reasoning, r.TriggerCount, r.LastTriggerAt, r.UpdatedAt,
		r.RetirementReason, expected, services)
	if err != nil {
		return mapWriteErr("risk "+r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return staleOrMissing(ctx, tx, "dynamic_risks", "risk", r.ID, expected)
	}
	return nil
}

// ---- validations ----

const validationColumns = `id, risk_id, status, assigned_to, assigned_at, decision, notes, adjustments,
	confidence_at_submission, urgency_at_submission, escalation_count, created_at, due_by,
	decided_at, version`

func writeValidation(ctx context.Context, tx pgx.Tx, v *risk.ValidationRequest, expected int64) error {
	var adjustments []byte
	if v.Adjustments != nil {
		b, err := json.Marshal(v.Adjustments)
		if err != nil {
			return fmt.Errorf("marshal adjustments: %w", err)
		}
		adjustments = b
	}

	what := "validation " + v.ID
	if expected == 0 {
		_, err := tx.Exec(ctx, `INSERT INTO risk_validations (`+validationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)`,
			v.ID, v.RiskID, string(v.Status), v.AssignedTo, v.AssignedAt, string(v.Decision), v.Notes,
			adjustments, v.ConfidenceAtSubmission, string(v.UrgencyAtSubmission), v.EscalationCount,
			v.CreatedAt, v.DueBy, v.DecidedAt)
		if err != nil {
			return mapWriteErr(what, err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `UPDATE risk_validations SET
			status = $2, assigned_to = $3, assigned_at = $4, decision = $5, notes = $6,
			adjustments = $7, urgency_at_submission = $8, escalation_count = $9, due_by = $10,
			decided_at = $11, version = version + 1
		WHERE id = $1 AND version = $12`,
		v.ID, string(v.Status), v.AssignedTo, v.AssignedAt, string(v.Decision), v.Notes, adjustments,
		string(v.UrgencyAtSubmission), v.EscalationCount, v.DueBy, v.DecidedAt, expected)
	if err != nil {
		return mapWriteErr(what, err)
	}
	if tag.RowsAffected() == 0 {
		return staleOrMissing(ctx, tx, "risk_validations", "validation", v.ID, expected)
	}
	return nil
}

func scanValidation(row pgx.Row) (*risk.ValidationRequest, error) {
	var (
		v                         risk.ValidationRequest
		status, decision, urgency string
		adjustments               []byte
	)
	err := row.Scan(&v.ID, &v.RiskID, &status, &v.AssignedTo, &v.AssignedAt, &decision, &v.Notes,
		&adjustments, &v.ConfidenceAtSubmission, &urgency, &v.EscalationCount, &v.CreatedAt,
		&v.DueBy, &v.DecidedAt, &v.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan validation: %w", err)
	}
	v.Status = risk.ValidationStatus(status)
	v.Decision = risk.Decision(decision)
	v.UrgencyAtSubmission = risk.Urgency(urgency)
	if len(adjustments) > 0 {
		v.Adjustments = &risk.Adjustments{}
		if err := json.Unmarshal(adjustments, v.Adjustments); err != nil {
			return nil, fmt.Errorf("unmarshal adjustments: %w", err)
		}
	}
	return &v, nil
}

// GetValidation retrieves a validation request by ID.
func (s *Store) GetValidation(ctx context.Context, id string) (*risk.ValidationRequest, bool, error) {
	ctx, span := startSpan(ctx, "GetValidation", "SELECT")
	defer span.End()

	v, err := scanValidation(s.pool.QueryRow(ctx, `SELECT `+validationColumns+` FROM risk_validations WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return v, v != nil, nil
}

// OpenValidationForRisk returns the pending or in-progress request for riskID.
func (s *Store) OpenValidationForRisk(ctx context.Context, riskID string) (*risk.ValidationRequest, bool, error) {
	ctx, span := startSpan(ctx, "OpenValidationForRisk", "SELECT")
	defer span.End()

	v, err := scanValidation(s.pool.QueryRow(ctx, `SELECT `+validationColumns+` FROM risk_validations
		WHERE risk_id = $1 AND status IN ('pending', 'in_progress')`, riskID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return v, v != nil, nil
}

// ListValidations returns matching requests ordered by due-by, earliest first.
func (s *Store) ListValidations(ctx context.Context, f risk.ValidationFilter) ([]*risk.ValidationRequest, error) {
	ctx, span := startSpan(ctx, "ListValidations", "SELECT")
	defer span.End()

	var p params
	if len(f.Statuses) > 0 {
		p.add("status = ANY(?)", strs(f.Statuses))
	}
	if f.AssignedTo != "" {
		p.add("assigned_to = ?", f.AssignedTo)
	}
	if f.RiskID != "" {
		p.add("risk_id = ?", f.RiskID)
	}
	if !f.DueBefore.IsZero() {
		p.add("due_by < ?", f.DueBefore)
	}
	query := `SELECT ` + validationColumns + ` FROM risk_validations` + p.where() +
		` ORDER BY due_by, id` + p.page(f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, p.args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query validations: %w", err))
	}
	defer rows.Close()

	var out []*risk.ValidationRequest
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate validations: %w", err))
	}
	return out, nil
}

// ValidationStats summarizes the review queue as of now.
func (s *Store) ValidationStats(ctx context.Context, now time.Time) (*risk.ValidationStats, error) {
	ctx, span := startSpan(ctx, "ValidationStats", "SELECT")
	defer span.End()

	st := &risk.ValidationStats{ByStatus: map[risk.ValidationStatus]int{}}

	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM risk_validations GROUP BY status`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query validation counts: %w", err))
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fail(span, fmt.Errorf("scan validation count: %w", err))
		}
		st.ByStatus[risk.ValidationStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate validation counts: %w", err))
	}

	var mean *float64
	err = s.pool.QueryRow(ctx, `SELECT
			(SELECT count(*) FROM risk_validations WHERE status IN ('pending', 'in_progress') AND due_by < $1),
			(SELECT avg(EXTRACT(EPOCH FROM decided_at - created_at))::float8 FROM risk_validations WHERE decided_at IS NOT NULL),
			(SELECT count(*) FROM risk_escalations)`, now).
		Scan(&st.Overdue, &mean, &st.Escalations)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query validation stats: %w", err))
	}
	if mean != nil {
		st.MeanDecisionSeconds = *mean
	}
	return st, nil
}

// ListEscalations returns the escalation audit rows for a request, oldest first.
func (s *Store) ListEscalations(ctx context.Context, validationID string) ([]risk.Escalation, error) {
	ctx, span := startSpan(ctx, "ListEscalations", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, validation_id, risk_id, from_urgency, to_urgency,
			from_assignee, to_assignee, prev_due_by, new_due_by, at
		FROM risk_escalations WHERE validation_id = $1 ORDER BY at, id`, validationID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query escalations: %w", err))
	}
	defer rows.Close()

	var out []risk.Escalation
	for rows.Next() {
		var (
			e        risk.Escalation
			from, to string
		)
		if err := rows.Scan(&e.ID, &e.ValidationID, &e.RiskID, &from, &to, &e.FromAssignee,
			&e.ToAssignee, &e.PrevDueBy, &e.NewDueBy, &e.At); err != nil {
			return nil, fail(span, fmt.Errorf("scan escalation: %w", err))
		}
		e.FromUrgency, e.ToUrgency = risk.Urgency(from), risk.Urgency(to)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate escalations: %w", err))
	}
	return out, nil
}

// ---- correlations ----

// UpsertCorrelation inserts or updates c keyed by its canonical pair.
func (s *Store) UpsertCorrelation(ctx context.Context, c *risk.Correlation) (risk.UpsertResult, error) {
	ctx, span := startSpan(ctx, "UpsertCorrelation", "UPSERT")
	defer span.End()

	if c.A >= c.B {
		return "", fail(span, fmt.Errorf("correlation pair %q/%q is not canonical", c.A, c.B))
	}
	signals := c.Signals
	if signals == nil {
		signals = []string{}
	}

	// xmax = 0 only for freshly inserted rows. The WHERE on DO UPDATE skips
	// the write entirely when nothing changed, in which case no row returns.
	var (
		inserted   bool
		discovered time.Time
	)
	err := s.pool.QueryRow(ctx, `INSERT INTO correlations (kind, entity_a, entity_b, type, strength, signals, discovered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (kind, entity_a, entity_b) DO UPDATE SET
			type = EXCLUDED.type, strength = EXCLUDED.strength,
			signals = EXCLUDED.signals, updated_at = EXCLUDED.updated_at
		WHERE correlations.type <> EXCLUDED.type
			OR correlations.strength <> EXCLUDED.strength
			OR correlations.signals <> EXCLUDED.signals
		RETURNING (xmax = 0), discovered_at`,
		string(c.Kind), c.A, c.B, string(c.Type), c.Strength, signals, c.DiscoveredAt, c.UpdatedAt,
	).Scan(&inserted, &discovered)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		var updated time.Time
		if err := s.pool.QueryRow(ctx, `SELECT discovered_at, updated_at FROM correlations
			WHERE kind = $1 AND entity_a = $2 AND entity_b = $3`, string(c.Kind), c.A, c.B).
			Scan(&discovered, &updated); err != nil {
			return "", fail(span, fmt.Errorf("reload correlation: %w", err))
		}
		c.DiscoveredAt, c.UpdatedAt = discovered, updated
		return risk.UpsertUnchanged, nil
	case err != nil:
		return "", fail(span, fmt.Errorf("upsert correlation: %w", err))
	}

	c.DiscoveredAt = discovered
	if inserted {
		return risk.UpsertCreated, nil
	}
	return risk.UpsertUpdated, nil
}

// ListCorrelations returns correlations of kind touching entityID, strongest first.
func (s *Store) ListCorrelations(ctx context.Context, kind risk.EntityKind, entityID string) ([]*risk.Correlation, error) {
	ctx, span := startSpan(ctx, "ListCorrelations", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT kind, entity_a, entity_b, type, strength, signals, discovered_at, updated_at
		FROM correlations WHERE kind = $1 AND (entity_a = $2 OR entity_b = $2)
		ORDER BY strength DESC, entity_a, entity_b`, string(kind), entityID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query correlations: %w", err))
	}
	defer rows.Close()

	var out []*risk.Correlation
	for rows.Next() {
		var (
			c      risk.Correlation
			k, typ string
		)
		if err := rows.Scan(&k, &c.A, &c.B, &typ, &c.Strength, &c.Signals, &c.DiscoveredAt, &c.UpdatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan correlation: %w", err))
		}
		c.Kind, c.Type = risk.EntityKind(k), risk.CorrelationType(typ)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate correlations: %w", err))
	}
	return out, nil
}

// ---- profiles ----

// PutProfile upserts a service profile.
func (s *Store) PutProfile(ctx context.Context, p *risk.ServiceRiskProfile) error {
	ctx, span := startSpan(ctx, "PutProfile", "UPSERT")
	defer span.End()

	counts, err := json.Marshal(p.CountsByState)
	if err != nil {
		return fail(span, fmt.Errorf("marshal counts: %w", err))
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO service_risk_profiles (service_id, criticality, aggregate_score,
			max_risk_score, live_risk_count, counts_by_state, last_aggregated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (service_id) DO UPDATE SET
			criticality = EXCLUDED.criticality, aggregate_score = EXCLUDED.aggregate_score,
			max_risk_score = EXCLUDED.max_risk_score, live_risk_count = EXCLUDED.live_risk_count,
			counts_by_state = EXCLUDED.counts_by_state, last_aggregated_at = EXCLUDED.last_aggregated_at`,
		p.ServiceID, string(p.Criticality), p.AggregateScore, p.MaxRiskScore, p.LiveRiskCount,
		counts, p.LastAggregatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("upsert profile: %w", err))
	}
	return nil
}

// GetProfile retrieves a service profile.
func (s *Store) GetProfile(ctx context.Context, serviceID string) (*risk.ServiceRiskProfile, bool, error) {
	ctx, span := startSpan(ctx, "GetProfile", "SELECT")
	defer span.End()

	var (
		p           risk.ServiceRiskProfile
		criticality string
		counts      []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT service_id, criticality, aggregate_score, max_risk_score,
			live_risk_count, counts_by_state, last_aggregated_at
		FROM service_risk_profiles WHERE service_id = $1`, serviceID).
		Scan(&p.ServiceID, &criticality, &p.AggregateScore, &p.MaxRiskScore, &p.LiveRiskCount, &counts, &p.LastAggregatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("query profile: %w", err))
	}
	p.Criticality = risk.Criticality(criticality)
	p.CountsByState = map[risk.State]int{}
	if err := json.Unmarshal(counts, &p.CountsByState); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal counts: %w", err))
	}
	return &p, true, nil
}

// ---- rules ----

// LoadRules overlays the per-category rows of risk_creation_rules on base.
// NULL columns inherit from base.
func (s *Store) LoadRules(ctx context.Context, base risk.Rules) (risk.Rules, error) {
	ctx, span := startSpan(ctx, "LoadRules", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT category, heuristic_weight, auto_accept_threshold, impact_weight, review_sla_seconds
		FROM risk_creation_rules ORDER BY category`)
	if err != nil {
		return base, fail(span, fmt.Errorf("query rules: %w", err))
	}
	defer rows.Close()

	overrides := map[trigger.Category]risk.Rule{}
	for rows.Next() {
		var (
			category                string
			weight, threshold, impt *float64
			slaRaw                  []byte
		)
		if err := rows.Scan(&category, &weight, &threshold, &impt, &slaRaw); err != nil {
			return base, fail(span, fmt.Errorf("scan rule: %w", err))
		}
		var rule risk.Rule
		if weight != nil {
			rule.HeuristicWeight = *weight
		}
		if threshold != nil {
			rule.AutoAcceptThreshold = *threshold
		}
		if impt != nil {
			rule.ImpactWeight = *impt
		}
		var sla map[risk.Urgency]int64
		if len(slaRaw) > 0 {
			if err := json.Unmarshal(slaRaw, &sla); err != nil {
				return base, fail(span, fmt.Errorf("rule %s: review_sla_seconds: %w", category, err))
			}
		}
		if len(sla) > 0 {
			rule.ReviewSLA = make(map[risk.Urgency]time.Duration, len(sla))
			for u, secs := range sla {
				rule.ReviewSLA[u] = time.Duration(secs) * time.Second
			}
		}
		overrides[trigger.Category(category)] = rule
	}
	if err := rows.Err(); err != nil {
		return base, fail(span, fmt.Errorf("iterate rules: %w", err))
	}

	out := base.Merge(overrides)
	if err := out.Validate(); err != nil {
		return base, fail(span, fmt.Errorf("stored rules: %w", err))
	}
	return out, nil
}
