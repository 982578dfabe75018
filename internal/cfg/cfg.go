package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/riskwatch/internal/authmw"
)

// Config adds riskwatch-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL string
	RedisAddr   string
	LockTTL     time.Duration

	KafkaBrokers       string
	KafkaEventsTopic   string
	KafkaTriggersTopic string
	KafkaGroupID       string
	SlackWebhookURL    string

	ClaudeAPIKey  string
	ClaudeModel   string
	OracleTimeout time.Duration

	HeuristicWeight     float64
	AutoAcceptThreshold float64
	DedupWindow         time.Duration
	InactivityTimeout   time.Duration
	CorrelationWindow   time.Duration
	SweepInterval       time.Duration
	AggregationInterval time.Duration
	ReviewerPool        string
	RulesFile           string
	CatalogFile         string
	APITokens           string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for cross-instance risk locks (empty = in-process locks)")
	fs.DurationVar(&c.LockTTL, "lock-ttl", 30*time.Second, "expiry of a held Redis risk lock")

	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers (empty = Kafka disabled)")
	fs.StringVar(&c.KafkaEventsTopic, "kafka-events-topic", "riskwatch.events", "Kafka topic risk events are published to")
	fs.StringVar(&c.KafkaTriggersTopic, "kafka-triggers-topic", "", "Kafka topic to consume triggers from (empty = no consumer)")
	fs.StringVar(&c.KafkaGroupID, "kafka-group-id", "riskwatch", "Kafka consumer group for trigger ingestion")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude scoring oracle (empty = heuristics only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model used for scoring")
	fs.DurationVar(&c.OracleTimeout, "oracle-timeout", 5*time.Second, "bound on one scoring oracle call")

	fs.Float64Var(&c.HeuristicWeight, "heuristic-weight", 0.4, "weight of the heuristic estimate in the blended confidence (0..1)")
	fs.Float64Var(&c.AutoAcceptThreshold, "auto-accept-threshold", 0.85, "confidence at or above which non-critical risks skip review (0..1)")
	fs.DurationVar(&c.DedupWindow, "dedup-window", 24*time.Hour, "window in which a repeated fingerprint updates the existing risk")
	fs.DurationVar(&c.InactivityTimeout, "inactivity-timeout", 90*24*time.Hour, "active risks with no trigger for this long are retired")
	fs.DurationVar(&c.CorrelationWindow, "correlation-window", time.Hour, "detection gap under which risks count as co-occurring")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Hour, "escalation sweep and lifecycle maintenance interval")
	fs.DurationVar(&c.AggregationInterval, "aggregation-interval", 15*time.Minute, "full service risk re-aggregation interval")
	fs.StringVar(&c.ReviewerPool, "reviewer-pool", "", "comma-separated reviewers that overdue reviews are reassigned to")
	fs.StringVar(&c.RulesFile, "rules-file", "", "YAML file with per-category risk creation rules")
	fs.StringVar(&c.CatalogFile, "catalog-file", "", "YAML service catalog (criticality and assets)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated user:token pairs (empty = open API as anonymous)")
}

// Brokers returns the configured Kafka brokers.
func (c *Config) Brokers() []string { return splitList(c.KafkaBrokers) }

// Reviewers returns the escalation reviewer pool.
func (c *Config) Reviewers() []string { return splitList(c.ReviewerPool) }

// Tokens returns the API token to user map.
func (c *Config) Tokens() (map[string]string, error) { return authmw.ParseTokens(c.APITokens) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if !(c.HeuristicWeight >= 0 && c.HeuristicWeight <= 1) {
		errs = append(errs, fmt.Errorf("invalid HEURISTIC_WEIGHT %v (must be 0..1)", c.HeuristicWeight))
	}
	if !(c.AutoAcceptThreshold > 0 && c.AutoAcceptThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid AUTO_ACCEPT_THRESHOLD %v (must be in (0,1])", c.AutoAcceptThreshold))
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"LOCK_TTL", c.LockTTL},
		{"ORACLE_TIMEOUT", c.OracleTimeout},
		{"DEDUP_WINDOW", c.DedupWindow},
		{"INACTIVITY_TIMEOUT", c.InactivityTimeout},
		{"CORRELATION_WINDOW", c.CorrelationWindow},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"AGGREGATION_INTERVAL", c.AggregationInterval},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s %s (must be positive)", d.name, d.v))
		}
	}

	// Claude model is required once the oracle is enabled
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	// The trigger consumer needs brokers and a group
	if c.KafkaTriggersTopic != "" {
		if len(c.Brokers()) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_TRIGGERS_TOPIC is set"))
		}
		if c.KafkaGroupID == "" {
			errs = append(errs, errors.New("KAFKA_GROUP_ID is required when KAFKA_TRIGGERS_TOPIC is set"))
		}
	}
	if len(c.Brokers()) > 0 && c.KafkaEventsTopic == "" && c.KafkaTriggersTopic == "" {
		errs = append(errs, errors.New("KAFKA_BROKERS is set but neither KAFKA_EVENTS_TOPIC nor KAFKA_TRIGGERS_TOPIC is"))
	}

	if _, err := c.Tokens(); err != nil {
		errs = append(errs, fmt.Errorf("invalid API_TOKENS: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
