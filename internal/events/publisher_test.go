package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"factorlab/internal/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testResult() *domain.BacktestResult {
	return &domain.BacktestResult{
		ID:              "res-1",
		ConfigID:        "cfg-1",
		CombinationName: "momentum",
		StockCode:       "600519",
		StartDate:       time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		EndDate:         time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC),
		InitialCapital:  decimal.NewFromInt(100000),
		FinalValue:      112500,
		Metrics:         domain.Metrics{TotalReturn: 0.125, TotalTrades: 4},
		RunTime:         1500 * time.Millisecond,
		CompletedAt:     time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestPublishResult(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisherWithWriter(w, DefaultTopic, nil)

	if err := p.PublishResult(context.Background(), testResult()); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "600519" {
		t.Errorf("Key = %q, want %q", msg.Key, "600519")
	}
	if len(msg.Headers) == 0 || string(msg.Headers[0].Value) != EventBacktestCompleted {
		t.Errorf("Headers = %v, want event_type header", msg.Headers)
	}

	var ev CompletedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if ev.ResultID != "res-1" || ev.StartDate != "2024-01-02" {
		t.Errorf("event = %+v, want result res-1 starting 2024-01-02", ev)
	}
	if ev.RunTimeMillis != 1500 {
		t.Errorf("RunTimeMillis = %d, want 1500", ev.RunTimeMillis)
	}
	if ev.Metrics.TotalTrades != 4 {
		t.Errorf("Metrics.TotalTrades = %d, want 4", ev.Metrics.TotalTrades)
	}
}

func TestPublishResultWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewPublisherWithWriter(&fakeWriter{err: boom}, DefaultTopic, nil)
	if err := p.PublishResult(context.Background(), testResult()); !errors.Is(err, boom) {
		t.Errorf("PublishResult error = %v, want %v", err, boom)
	}
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	if err := NewPublisherWithWriter(w, DefaultTopic, nil).Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
}
