package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/riskwatch/internal/catalog"
	rc "github.com/linnemanlabs/riskwatch/internal/cfg"
	kafkaingest "github.com/linnemanlabs/riskwatch/internal/ingest/kafka"
	"github.com/linnemanlabs/riskwatch/internal/llm/claude"
	"github.com/linnemanlabs/riskwatch/internal/lock"
	kafkanotify "github.com/linnemanlabs/riskwatch/internal/notify/kafka"
	"github.com/linnemanlabs/riskwatch/internal/notify/slack"
	"github.com/linnemanlabs/riskwatch/internal/postgres"
	"github.com/linnemanlabs/riskwatch/internal/risk"
	"github.com/linnemanlabs/riskwatch/internal/risk/memstore"
	"github.com/linnemanlabs/riskwatch/internal/risk/pgstore"
)

const pingInterval = 30 * time.Second

// components is everything wire builds that main has to start or stop.
type components struct {
	engine    *risk.Engine
	worker    *risk.Worker
	consumer  *kafkaingest.Consumer
	publisher *kafkanotify.Publisher
	closers   []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// wire builds the store, locks, catalog, oracle, notifiers and the engine
// from appCfg. On error everything opened so far is closed.
func wire(ctx context.Context, L log.Logger, appCfg *rc.Config, reg prometheus.Registerer) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	// rules resolve in order: flags, rules file, database table
	rules := baseRules(appCfg)
	if appCfg.RulesFile != "" {
		if rules, err = risk.LoadRulesFile(appCfg.RulesFile, rules); err != nil {
			return nil, fmt.Errorf("risk rules: %w", err)
		}
		L.Info(ctx, "loaded risk rules", "path", appCfg.RulesFile, "category_overrides", len(rules.Categories))
	}

	var pings []risk.Job

	var store risk.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolOptions{})
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		c.closers = append(c.closers, pool.Close)
		pg, err := pgstore.New(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("pgstore init: %w", err)
		}
		if rules, err = pg.LoadRules(ctx, rules); err != nil {
			return nil, fmt.Errorf("risk rules from database: %w", err)
		}
		store = pg
		pings = append(pings, risk.Job{Name: "postgres_ping", Interval: pingInterval, Run: pg.Ping})
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// a shared database needs cross-instance locks
	var locker risk.Locker
	if appCfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: appCfg.RedisAddr})
		c.closers = append(c.closers, func() { _ = rdb.Close() })
		rl := lock.NewRedis(rdb, appCfg.LockTTL, 0, L)
		if err := rl.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		locker = rl
		pings = append(pings, risk.Job{Name: "redis_ping", Interval: pingInterval, Run: rl.Ping})
		L.Info(ctx, "using redis locks", "addr", appCfg.RedisAddr, "ttl", appCfg.LockTTL)
	} else {
		locker = lock.NewLocal()
		L.Info(ctx, "using in-process locks (no redis-addr configured)")
	}

	var services risk.Catalog
	if appCfg.CatalogFile != "" {
		cat, err := catalog.Load(appCfg.CatalogFile)
		if err != nil {
			return nil, fmt.Errorf("service catalog: %w", err)
		}
		services = cat
		L.Info(ctx, "loaded service catalog", "path", appCfg.CatalogFile, "services", cat.Len())
	}

	var oracle risk.Oracle
	if appCfg.ClaudeAPIKey != "" {
		oracle = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
		L.Info(ctx, "initialized scoring oracle", "provider", "claude", "model", appCfg.ClaudeModel)
	} else {
		L.Warn(ctx, "no claude-api-key configured, scoring runs on heuristics only")
	}

	var notifiers risk.Notifiers
	if appCfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if brokers := appCfg.Brokers(); len(brokers) > 0 && appCfg.KafkaEventsTopic != "" {
		c.publisher, err = kafkanotify.NewPublisher(kafkanotify.Config{Brokers: brokers, Topic: appCfg.KafkaEventsTopic})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		notifiers = append(notifiers, c.publisher)
		L.Info(ctx, "notifier enabled", "type", "kafka", "topic", appCfg.KafkaEventsTopic)
	}
	var notifier risk.Notifier
	if len(notifiers) > 0 {
		notifier = notifiers
	}

	c.engine = risk.New(risk.Deps{
		Store:    store,
		Locker:   locker,
		Oracle:   oracle,
		Notifier: notifier,
		Catalog:  services,
		Logger:   L,
		Hooks:    risk.NewMetrics(reg).Hooks(),
	}, engineConfig(appCfg, rules))

	jobs := c.engine.MaintenanceJobs(appCfg.SweepInterval, appCfg.AggregationInterval)
	c.worker = risk.NewWorker(L, append(jobs, pings...)...)

	if appCfg.KafkaTriggersTopic != "" {
		c.consumer, err = kafkaingest.NewConsumer(kafkaingest.Config{
			Brokers: appCfg.Brokers(),
			Topic:   appCfg.KafkaTriggersTopic,
			GroupID: appCfg.KafkaGroupID,
		}, c.engine.Lifecycle, L)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
	}
	return c, nil
}

// baseRules applies the flag-level heuristic weight and auto-accept
// threshold to the built-in rules.
func baseRules(c *rc.Config) risk.Rules {
	rules := risk.DefaultRules()
	rules.Defaults.HeuristicWeight = c.HeuristicWeight
	rules.Defaults.AutoAcceptThreshold = c.AutoAcceptThreshold
	return rules
}

func engineConfig(c *rc.Config, rules risk.Rules) risk.Config {
	ec := risk.DefaultConfig()
	ec.Rules = rules
	ec.OracleTimeout = c.OracleTimeout
	ec.DedupWindow = c.DedupWindow
	ec.InactivityTimeout = c.InactivityTimeout
	ec.CorrelationWindow = c.CorrelationWindow
	ec.ReviewerPool = c.Reviewers()
	return ec
}

// observeQueries feeds every traced DB query into a labelled histogram.
func observeQueries(reg prometheus.Registerer) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskwatch_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "route", "operation", "outcome"})
	reg.MustRegister(hist)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, q postgres.QueryInfo) {
			hist.WithLabelValues(q.Origin, q.Route, q.Operation, q.Outcome).Observe(q.Duration.Seconds())
		},
	))
}
