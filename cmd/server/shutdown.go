package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// drain holds the process while load balancers notice the failing
// readiness probe. A second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	ctx := context.Background()
	L.Info(ctx, "draining", "drain", d)

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// stopAll runs stops in order. Each gets an equal slice of budget and a
// failure does not prevent the rest from running. Nil stops are skipped.
func stopAll(L log.Logger, budget time.Duration, stops []stopFn) {
	if len(stops) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	slice := budget / time.Duration(len(stops))

	for _, s := range stops {
		if s.fn == nil {
			continue
		}
		sctx, scancel := context.WithTimeout(ctx, slice)
		if err := s.fn(sctx); err != nil {
			L.Error(context.Background(), err, "shutdown step failed", "step", s.name)
		}
		scancel()
	}
}
