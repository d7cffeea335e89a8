// Package eventbus publishes settlement events to Kafka for downstream
// consumers (analytics, statistics, accounting exports). Publishing is
// asynchronous and best effort: the ledger is the source of truth and a
// dropped event never affects a balance.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/admarket/internal/ledger"
	"github.com/mbd888/admarket/internal/orders"
	"github.com/segmentio/kafka-go"
)

// Event types.
const (
	TypeMovementApplied = "ledger.movement_applied"
	TypeOrderCompleted  = "order.completed"
)

// Envelope is the JSON value of every message.
type Envelope struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Writer is the subset of *kafka.Writer the bus needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that keys partitions by message key, so
// events of one user or order stay ordered.
func NewKafkaWriter(brokers []string, topic string, logger *slog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
	}
}

const (
	defaultBuffer = 1024
	maxBatch      = 100
	flushInterval = 50 * time.Millisecond
)

// Bus buffers events and writes them in batches from Run.
type Bus struct {
	writer  Writer
	queue   chan kafka.Message
	logger  *slog.Logger
	running atomic.Bool
}

// New creates a bus over w.
func New(w Writer, logger *slog.Logger) *Bus {
	return &Bus{
		writer: w,
		queue:  make(chan kafka.Message, defaultBuffer),
		logger: logger,
	}
}

// Running reports whether Run is draining the queue.
func (b *Bus) Running() bool {
	return b.running.Load()
}

// Publish enqueues an event. It never blocks; a full queue drops the event.
func (b *Bus) Publish(eventType, id, key string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("failed to encode event", "type", eventType, "id", id, "error", err)
		return
	}
	value, err := json.Marshal(Envelope{Type: eventType, ID: id, OccurredAt: time.Now().UTC(), Data: raw})
	if err != nil {
		b.logger.Warn("failed to encode event", "type", eventType, "id", id, "error", err)
		return
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: "type", Value: []byte(eventType)}},
	}
	select {
	case b.queue <- msg:
	default:
		eventsTotal.WithLabelValues(eventType, "dropped").Inc()
		b.logger.Warn("event queue full, dropping event", "type", eventType, "id", id)
	}
}

// MovementApplied implements ledger.Observer.
func (b *Bus) MovementApplied(_ context.Context, m *ledger.Movement) {
	b.Publish(TypeMovementApplied, m.ID, m.UserID, m)
}

// OrderCompleted implements orders.CompletionHook. Tokens are stripped.
func (b *Bus) OrderCompleted(_ context.Context, o *orders.Order) {
	b.Publish(TypeOrderCompleted, o.ID, o.ID, o.ViewFor(""))
}

// Run drains the queue until ctx is done, then flushes what is left and
// closes the writer. Call in a goroutine.
func (b *Bus) Run(ctx context.Context) {
	b.running.Store(true)
	defer b.running.Store(false)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case msg := <-b.queue:
					batch = append(batch, msg)
				default:
					break drain
				}
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.flush(flushCtx, batch)
			cancel()
			if err := b.writer.Close(); err != nil {
				b.logger.Warn("failed to close event writer", "error", err)
			}
			return
		case msg := <-b.queue:
			batch = append(batch, msg)
			if len(batch) >= maxBatch {
				b.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (b *Bus) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	err := b.writer.WriteMessages(ctx, batch...)
	for _, m := range batch {
		result := "published"
		if err != nil {
			result = "failed"
		}
		eventsTotal.WithLabelValues(headerType(m), result).Inc()
	}
	if err != nil {
		b.logger.Warn("failed to publish events", "count", len(batch), "error", err)
	}
}

func headerType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "type" {
			return string(h.Value)
		}
	}
	return "unknown"
}
