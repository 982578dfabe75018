// Riskwatch ingests risk triggers, scores them and drives dynamic risks
// through their lifecycle and human review.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/riskwatch/internal/postgres"
)

const (
	appName   = "riskwatch"
	component = "server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var s settings
	s.register(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// flags win; RISKWATCH_* env vars only fill what the command line left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}
	cfg.FillFromEnv(flag.CommandLine, "RISKWATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := s.validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	appCfg := &s.app
	apiTokens, err := appCfg.Tokens()
	if err != nil {
		return fmt.Errorf("api tokens: %w", err)
	}

	lg, err := log.New(s.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting riskwatch",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"api_port", appCfg.APIPort,
		"ops_port", s.ops.Port,
		"persistent_store", appCfg.DatabaseURL != "",
		"shared_locks", appCfg.RedisAddr != "",
		"oracle_enabled", appCfg.ClaudeAPIKey != "",
		"kafka_brokers", appCfg.KafkaBrokers,
		"auth_enabled", len(apiTokens) > 0,
		"tracing", s.trace.EnableTracing,
		"pyroscope", s.prof.EnablePyroscope,
		"pprof", s.ops.EnablePprof,
		"trusted_proxy_hops", s.httpmw.TrustedProxyHops,
	)

	// profiling starts before any component so it covers the whole run
	profOpts := s.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", s.prof.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := s.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && s.prof.EnablePyroscope)
	observeQueries(m.Registry())

	app, err := wire(ctx, L, appCfg, m.Registry())
	if err != nil {
		return err
	}
	defer app.close()

	app.worker.Start(postgres.WithOrigin(ctx, "worker"))

	consumerDone := make(chan struct{})
	if app.consumer != nil {
		go func() {
			defer close(consumerDone)
			if err := app.consumer.Run(ctx); err != nil {
				L.Error(ctx, err, "kafka trigger consumer stopped")
			}
		}()
		L.Info(ctx, "kafka trigger consumer started", "topic", appCfg.KafkaTriggersTopic, "group", appCfg.KafkaGroupID)
	} else {
		close(consumerDone)
	}

	// readiness fails once the gate closes so load balancers stop routing here
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := s.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// the ops listener rejects public and forwarded traffic
	opsStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	r := newRouter(L, app.engine, apiTokens)
	r.Get(healthyPath, health.HealthzHandler(liveness))
	r.Get(readyPath, health.ReadyzHandler(readiness))
	h := wrapHandler(r, L, m.Middleware, s.httpmw)

	srvOpts, err := s.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		_ = opsStop(context.Background())
		return err
	}
	apiStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, srvOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		_ = opsStop(context.Background())
		return err
	}

	if err := notifySystemd(); err != nil {
		// not fatal: systemd falls back to its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	drain(L, time.Duration(appCfg.DrainSeconds)*time.Second)

	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []stopFn{
		{"api http server", apiStop},
		{"maintenance worker", func(context.Context) error {
			app.worker.Stop()
			return nil
		}},
		{"kafka trigger consumer", func(ctx context.Context) error {
			if app.consumer == nil {
				return nil
			}
			select {
			case <-consumerDone:
			case <-ctx.Done():
				return ctx.Err()
			}
			return app.consumer.Close()
		}},
		{"kafka event publisher", func(context.Context) error {
			return app.publisher.Close()
		}},
		{"ops http server", opsStop},
		{"otel", shutdownOtelx},
	})

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// notifySystemd sends READY=1 when running as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
