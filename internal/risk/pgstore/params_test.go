package pgstore

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/riskwatch/internal/risk"
)

func TestParams(t *testing.T) {
	t.Parallel()

	var p params
	if p.where() != "" {
		t.Errorf("empty where = %q", p.where())
	}
	p.add("state = ANY(?)", []string{"draft"})
	p.add("(service_id = ? OR asset_id = ANY(?))", "ledger", []string{"db-1"})
	tail := p.page(10, 20)

	if got, want := p.where(), " WHERE state = ANY($1) AND (service_id = $2 OR asset_id = ANY($3))"; got != want {
		t.Errorf("where = %q, want %q", got, want)
	}
	if want := " LIMIT $4 OFFSET $5"; tail != want {
		t.Errorf("page = %q, want %q", tail, want)
	}
	if len(p.args) != 5 || p.args[3] != 10 || p.args[4] != 20 {
		t.Errorf("args = %v", p.args)
	}

	var q params
	if got := q.page(0, 0); got != "" || len(q.args) != 0 {
		t.Errorf("unbounded page = %q, args %v", got, q.args)
	}
}

func TestMapWriteErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"open validation index", &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: openValidationIndex}, risk.ErrValidationConflict},
		{"primary key", &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "dynamic_risks_pkey"}, risk.ErrConcurrentModification},
		{"foreign key", &pgconn.PgError{Code: pgForeignKeyViolation}, risk.ErrNotFound},
	}
	for _, tt := range tests {
		if got := mapWriteErr("thing", tt.err); !errors.Is(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}

	plain := errors.New("connection reset by peer")
	got := mapWriteErr("thing", plain)
	if !errors.Is(got, plain) {
		t.Errorf("plain error not wrapped: %v", got)
	}
	for _, sentinel := range []error{risk.ErrValidationConflict, risk.ErrConcurrentModification, risk.ErrNotFound} {
		if errors.Is(got, sentinel) {
			t.Errorf("plain error mapped to %v", sentinel)
		}
	}
}
