// Package amqpstream implements events.Stream on a RabbitMQ fanout exchange.
// Each instance binds its own exclusive queue, so every published message
// reaches every instance.
package amqpstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/job-engine/internal/events"
	"github.com/cuongbtq/job-engine/shared/rabbitmq"
)

var _ events.Stream = (*Stream)(nil)

const contentType = "application/json"

// Broker is the subset of the RabbitMQ client the stream needs
type Broker interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Close() error
}

var _ Broker = (*rabbitmq.Client)(nil)

// acknowledger acks one delivery; amqp.Delivery satisfies it
type acknowledger interface {
	Ack(multiple bool) error
}

// Stream is a RabbitMQ backed events.Stream
type Stream struct {
	broker     Broker
	instanceID string
	batch      int
	wait       time.Duration
	logger     *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	pending    map[string]acknowledger
}

// New creates a Stream consuming as instanceID
func New(broker Broker, instanceID string, logger *slog.Logger) *Stream {
	return &Stream{
		broker:     broker,
		instanceID: instanceID,
		batch:      10,
		wait:       time.Second,
		logger:     logger,
		pending:    make(map[string]acknowledger),
	}
}

// Connect (re)establishes the connection and starts consuming
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deliveries != nil && s.broker.IsConnected() {
		return nil
	}

	if err := s.broker.Connect(ctx); err != nil {
		return err
	}

	deliveries, err := s.broker.Consume(s.instanceID)
	if err != nil {
		return err
	}
	s.deliveries = deliveries
	// tags of the old channel cannot be acked on the new one
	s.pending = make(map[string]acknowledger)
	return nil
}

// Publish sends msg to the fanout exchange
func (s *Stream) Publish(ctx context.Context, msg events.StreamMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode stream message: %w", err)
	}
	return s.broker.PublishWithRetry(ctx, body, contentType)
}

// Read waits up to one second for a delivery and then drains whatever else
// is already buffered, up to the batch size
func (s *Stream) Read(ctx context.Context) ([]events.StreamMessage, error) {
	s.mu.Lock()
	deliveries := s.deliveries
	s.mu.Unlock()
	if deliveries == nil {
		return nil, events.ErrStreamClosed
	}

	timer := time.NewTimer(s.wait)
	defer timer.Stop()

	var out []events.StreamMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-deliveries:
		if !ok {
			s.markClosed()
			return nil, events.ErrStreamClosed
		}
		out = append(out, s.accept(d))
	}

	for len(out) < s.batch {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return out, nil
			}
			out = append(out, s.accept(d))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (s *Stream) accept(d amqp.Delivery) events.StreamMessage {
	id := strconv.FormatUint(d.DeliveryTag, 10)

	s.mu.Lock()
	s.pending[id] = d
	s.mu.Unlock()

	var msg events.StreamMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		s.logger.Warn("Malformed message body on event queue",
			slog.String("delivery_tag", id),
			slog.Any("error", err),
		)
	}
	msg.ID = id
	return msg
}

func (s *Stream) markClosed() {
	s.mu.Lock()
	s.deliveries = nil
	s.mu.Unlock()
}

// Ack acknowledges deliveries returned by Read
func (s *Stream) Ack(_ context.Context, ids ...string) error {
	for _, id := range ids {
		s.mu.Lock()
		d, ok := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()

		if !ok {
			continue
		}
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack delivery %s: %w", id, err)
		}
	}
	return nil
}

// Close closes the broker connection; the exclusive queue goes with it
func (s *Stream) Close() error {
	s.markClosed()
	return s.broker.Close()
}
