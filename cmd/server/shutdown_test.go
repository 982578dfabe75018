package main

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func TestStopAll_RunsEveryStepInOrder(t *testing.T) {
	t.Parallel()

	var ran []string
	step := func(name string, err error) stopFn {
		return stopFn{name, func(context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}
	stopAll(log.Nop(), time.Second, []stopFn{
		step("api", nil),
		step("worker", errors.New("boom")),
		{"otel", nil},
		step("ops", nil),
	})

	if want := []string{"api", "worker", "ops"}; !slices.Equal(ran, want) {
		t.Errorf("ran = %v, want %v", ran, want)
	}
}

func TestStopAll_SlicesBudget(t *testing.T) {
	t.Parallel()

	var deadlines []time.Duration
	step := stopFn{"step", func(ctx context.Context) error {
		d, ok := ctx.Deadline()
		if !ok {
			t.Error("step context has no deadline")
		}
		deadlines = append(deadlines, time.Until(d))
		return nil
	}}
	stopAll(log.Nop(), 4*time.Second, []stopFn{step, step, step, step})

	for i, d := range deadlines {
		if d > time.Second {
			t.Errorf("step %d got %s, want at most a quarter of the budget", i, d)
		}
	}
}

func TestStopAll_HungStepTimesOut(t *testing.T) {
	t.Parallel()

	next := false
	start := time.Now()
	stopAll(log.Nop(), 100*time.Millisecond, []stopFn{
		{"hung", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		{"next", func(context.Context) error {
			next = true
			return nil
		}},
	})
	if !next {
		t.Error("step after a hung step did not run")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stopAll took %s", elapsed)
	}
}
