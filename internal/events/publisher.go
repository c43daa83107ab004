// Package events publishes query lifecycle events to Kafka so downstream
// consumers (alerting, usage accounting, audit) can observe terminal query
// transitions and run completions without polling the ledger.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/abacus-io/abacus/internal/config"
	"github.com/abacus-io/abacus/internal/query"
)

// EventKind distinguishes the published event payloads.
type EventKind string

// Event kinds.
const (
	KindQueryFinished EventKind = "query.finished"
	KindRunFinished   EventKind = "run.finished"
)

type (
	// QueryEvent is the JSON payload published per event. Query text is
	// intentionally omitted; it may embed literals derived from warehouse
	// data.
	QueryEvent struct {
		Kind         EventKind    `json:"kind"`
		Organization string       `json:"organization"`
		Datasource   string       `json:"datasource"`
		QueryID      string       `json:"queryId,omitempty"`
		RunID        string       `json:"runId,omitempty"`
		QueryType    query.Type   `json:"queryType,omitempty"`
		Status       query.Status `json:"status"`
		Error        string       `json:"error,omitempty"`
		OccurredAt   time.Time    `json:"occurredAt"`
	}

	// Publisher is the lifecycle event sink. The runner treats it as
	// fire-and-forget; publish failures are logged, never propagated.
	Publisher interface {
		Publish(ctx context.Context, event QueryEvent) error
		Close() error
	}

	// KafkaPublisher writes lifecycle events to a Kafka topic.
	KafkaPublisher struct {
		writer *kafka.Writer
		logger *slog.Logger
	}

	// NoopPublisher discards events. Used when no broker is configured.
	NoopPublisher struct{}

	// KafkaConfig holds broker connection settings.
	KafkaConfig struct {
		Brokers []string
		Topic   string
	}
)

// Compile-time interface assertions.
var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = (*NoopPublisher)(nil)
)

const defaultTopic = "abacus.query-events"

// LoadKafkaConfig reads broker settings from the environment. An empty
// broker list means event publishing is disabled.
func LoadKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("KAFKA_TOPIC", defaultTopic),
	}
}

// Enabled reports whether a broker is configured.
func (c *KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// NewKafkaPublisher creates a publisher writing to the configured topic.
// Messages are keyed by organization so one org's events stay ordered.
func NewKafkaPublisher(cfg *KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event QueryEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal query event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Organization),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish query event: %w", err)
	}

	return nil
}

// Close implements Publisher.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Publish implements Publisher.
func (NoopPublisher) Publish(context.Context, QueryEvent) error { return nil }

// Close implements Publisher.
func (NoopPublisher) Close() error { return nil }
