// Package kafka publishes risk events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/riskwatch/internal/risk"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers and topic for published events.
type Config struct {
	Brokers []string
	Topic   string
}

// Publisher writes every risk event as a JSON message keyed by risk ID, so
// events for one risk stay ordered within a partition. It implements
// risk.Notifier.
type Publisher struct {
	writer kafkaWriter
	topic  string
}

var _ risk.Notifier = (*Publisher)(nil)

// NewPublisher creates a Publisher. Brokers are trimmed and blanks dropped.
func NewPublisher(cfg Config) (*Publisher, error) {
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
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
	return &Publisher{writer: w, topic: cfg.Topic}, nil
}

// Notify implements risk.Notifier.
func (p *Publisher) Notify(ctx context.Context, ev risk.Event) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka publisher not initialized")
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.RiskID),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_kind", Value: []byte(ev.Kind)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending writes and releases the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
