package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/everesthood/payments/internal/money"
)

// TransferChannel is the pub/sub channel carrying completed-transfer events.
const TransferChannel = "events:transfer_completed"

// TransferCompleted is emitted after a transfer commits. Delivery is
// at-least-once and fire-and-forget: a publish failure never rolls back the
// transfer. SenderOwnerID is empty when the sender chose to stay anonymous.
type TransferCompleted struct {
	TransferID      string       `json:"transfer_id"`
	SenderOwnerID   string       `json:"sender_owner_id,omitempty"`
	ReceiverOwnerID string       `json:"receiver_owner_id"`
	Amount          money.Amount `json:"amount"`
	Currency        string       `json:"currency"`
	Kind            string       `json:"kind"`
	Anonymous       bool         `json:"anonymous"`
	Message         string       `json:"message,omitempty"`
	CompletedAt     time.Time    `json:"completed_at"`
}

// Publisher hands domain events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev TransferCompleted) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, ev TransferCompleted) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev TransferCompleted) error {
	return f(ctx, ev)
}

// LoggerPublisher writes events to the structured logger. It stands in for a
// real delivery mechanism in development and tests.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish logs the event.
func (p *LoggerPublisher) Publish(_ context.Context, ev TransferCompleted) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("transfer completed",
		"transfer_id", ev.TransferID,
		"receiver", ev.ReceiverOwnerID,
		"amount", ev.Amount.String(),
		"currency", ev.Currency,
		"kind", ev.Kind,
		"anonymous", ev.Anonymous,
	)
	return nil
}

// RedisPublisher pushes events onto a Redis pub/sub channel for the
// notification consumer.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher constructs a Redis-backed publisher.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, channel: TransferChannel}
}

// Publish serializes the event and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, ev TransferCompleted) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// Fanout publishes to every wrapped publisher, returning the first error
// after all have been attempted.
type Fanout []Publisher

// Publish delivers to all members.
func (f Fanout) Publish(ctx context.Context, ev TransferCompleted) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
