// Package events publishes backtest lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"factorlab/internal/backtest"
	"factorlab/internal/domain"
)

var _ backtest.ResultPublisher = (*Publisher)(nil)

// DefaultTopic carries one message per completed backtest.
const DefaultTopic = "backtest.completed"

// EventBacktestCompleted is the event type header value.
const EventBacktestCompleted = "backtest.completed"

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CompletedEvent is the JSON payload of a backtest.completed message. It
// carries the summary only; consumers fetch the full result by ID.
type CompletedEvent struct {
	ResultID        string         `json:"result_id"`
	ConfigID        string         `json:"config_id"`
	CombinationID   string         `json:"combination_id"`
	CombinationName string         `json:"combination_name"`
	StockCode       string         `json:"stock_code"`
	StartDate       string         `json:"start_date"`
	EndDate         string         `json:"end_date"`
	FinalValue      float64        `json:"final_value"`
	Metrics         domain.Metrics `json:"metrics"`
	RunTimeMillis   int64          `json:"run_time_ms"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// NewCompletedEvent summarizes r.
func NewCompletedEvent(r *domain.BacktestResult) CompletedEvent {
	return CompletedEvent{
		ResultID:        r.ID,
		ConfigID:        r.ConfigID,
		CombinationID:   r.CombinationID,
		CombinationName: r.CombinationName,
		StockCode:       r.StockCode,
		StartDate:       domain.DateKey(r.StartDate),
		EndDate:         domain.DateKey(r.EndDate),
		FinalValue:      r.FinalValue,
		Metrics:         r.Metrics,
		RunTimeMillis:   r.RunTime.Milliseconds(),
		CompletedAt:     r.CompletedAt,
	}
}

// Publisher writes backtest.completed events keyed by stock code, so all
// events for one stock land on the same partition.
type Publisher struct {
	writer MessageWriter
	topic  string
	log    *slog.Logger
}

// NewPublisher creates a Publisher writing to topic on the given brokers.
func NewPublisher(brokers []string, topic, clientID string, log *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
	return NewPublisherWithWriter(w, topic, log)
}

// NewPublisherWithWriter creates a Publisher over an existing writer.
func NewPublisherWithWriter(w MessageWriter, topic string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{writer: w, topic: topic, log: log.With("component", "events")}
}

// PublishResult sends one backtest.completed event for r.
func (p *Publisher) PublishResult(ctx context.Context, r *domain.BacktestResult) error {
	payload, err := json.Marshal(NewCompletedEvent(r))
	if err != nil {
		return fmt.Errorf("encoding event for %s: %w", r.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(r.StockCode),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventBacktestCompleted)},
			{Key: "result_id", Value: []byte(r.ID)},
		},
		Time: r.CompletedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", r.ID, p.topic, err)
	}
	p.log.Debug("event published", "topic", p.topic, "result", r.ID, "code", r.StockCode)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
