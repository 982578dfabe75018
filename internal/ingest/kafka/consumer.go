// Package kafka feeds triggers read from a Kafka topic into the risk engine.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/riskwatch/internal/postgres"
	"github.com/linnemanlabs/riskwatch/internal/risk"
	"github.com/linnemanlabs/riskwatch/internal/trigger"
)

const (
	maxAttempts = 5
	baseBackoff = 200 * time.Millisecond
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester is the part of the lifecycle service the consumer drives.
// Normalize records the trigger in the audit log, so a retried message
// only repeats Process.
type Ingester interface {
	Normalize(ctx context.Context, category trigger.Category, body []byte) (*trigger.Normalized, error)
	Process(ctx context.Context, n *trigger.Normalized) (*risk.IngestResult, error)
}

// Config selects the brokers, topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// envelope is the wire format of a trigger message.
type envelope struct {
	Category trigger.Category `json:"category"`
	Payload  json.RawMessage  `json:"payload"`
}

// Consumer reads trigger envelopes and ingests them one at a time.
// Offsets are committed after a message is handled, including messages
// rejected as invalid.
type Consumer struct {
	reader kafkaReader
	ingest Ingester
	logger log.Logger
	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewConsumer creates a consumer group reader for cfg.
func NewConsumer(cfg Config, ingest Ingester, logger log.Logger) (*Consumer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("kafka group id required")
	}
	if ingest == nil {
		return nil, errors.New("ingester required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newConsumer(r, ingest, logger), nil
}

func newConsumer(r kafkaReader, ingest Ingester, logger log.Logger) *Consumer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Consumer{reader: r, ingest: ingest, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run consumes until ctx is cancelled or the reader fails. A cancelled ctx
// returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	ctx = postgres.WithOrigin(ctx, "kafka")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch trigger message: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Leave the offset uncommitted so the message is redelivered
			// after a restart.
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// handle ingests one message. It returns an error only when the message
// could not be processed after retries and must not be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	L := c.logger.With("partition", msg.Partition, "offset", msg.Offset)

	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		L.Warn(ctx, "skipping malformed trigger message", "err", err)
		return nil
	}
	if !env.Category.Valid() || len(env.Payload) == 0 {
		L.Warn(ctx, "skipping trigger message without category or payload", "category", env.Category)
		return nil
	}

	var n *trigger.Normalized
	backoff := baseBackoff
	for attempt := 1; ; attempt++ {
		var (
			res *risk.IngestResult
			err error
		)
		if n == nil {
			n, err = c.ingest.Normalize(ctx, env.Category, env.Payload)
		}
		if err == nil {
			res, err = c.ingest.Process(ctx, n)
		}
		switch {
		case err == nil:
			L.Info(ctx, "trigger ingested", "category", env.Category, "outcome", res.Outcome, "fingerprint", res.Fingerprint)
			return nil
		case errors.Is(err, risk.ErrInvalidTrigger):
			L.Warn(ctx, "skipping invalid trigger", "category", env.Category, "err", err)
			return nil
		case attempt >= maxAttempts:
			L.Error(ctx, err, "trigger ingest failed, giving up", "attempts", attempt)
			return fmt.Errorf("ingest offset %d: %w", msg.Offset, err)
		}
		L.Warn(ctx, "trigger ingest failed, retrying", "attempt", attempt, "err", err)
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
}

// Close releases the reader.
func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
