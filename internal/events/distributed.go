package events

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/job-engine/internal/breaker"
	"github.com/google/uuid"
)

// ErrStreamClosed is returned by a Stream whose underlying connection is gone
var ErrStreamClosed = errors.New("event stream closed")

// Stream is a shared append-only log that every instance reads in full
type Stream interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, msg StreamMessage) error
	// Read blocks for a short, backend defined interval and may return no messages
	Read(ctx context.Context) ([]StreamMessage, error)
	Ack(ctx context.Context, ids ...string) error
	Close() error
}

// DistributedOptions configures a DistributedBus
type DistributedOptions struct {
	InstanceID        string
	ReconnectInterval time.Duration
	Breaker           *breaker.Breaker
	Logger            *slog.Logger
}

// DistributedBus delivers locally first and then mirrors every event to the
// shared stream. Its listener delivers other instances' events locally.
type DistributedBus struct {
	local             *Bus
	stream            Stream
	breaker           *breaker.Breaker
	instanceID        string
	reconnectInterval time.Duration
	logger            *slog.Logger

	published atomic.Int64
	skipped   atomic.Int64
	received  atomic.Int64
	ignored   atomic.Int64
}

// Stats is a snapshot for the events stats endpoint
type Stats struct {
	InstanceID  string         `json:"instance_id"`
	Distributed bool           `json:"distributed"`
	Connections int            `json:"connections"`
	Published   int64          `json:"published"`
	Skipped     int64          `json:"skipped"`
	Received    int64          `json:"received"`
	Ignored     int64          `json:"ignored_own"`
	Breaker     *breaker.Stats `json:"circuit_breaker,omitempty"`
}

// NewDistributedBus wraps local. A nil stream makes the bus local only.
func NewDistributedBus(local *Bus, stream Stream, opts DistributedOptions) *DistributedBus {
	d := &DistributedBus{
		local:             local,
		stream:            stream,
		breaker:           opts.Breaker,
		instanceID:        opts.InstanceID,
		reconnectInterval: opts.ReconnectInterval,
		logger:            opts.Logger,
	}
	if d.instanceID == "" {
		d.instanceID = uuid.NewString()[:8]
	}
	if d.reconnectInterval <= 0 {
		d.reconnectInterval = 5 * time.Second
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.breaker == nil {
		d.breaker = breaker.New("event-stream", breaker.Options{Logger: d.logger})
	}
	return d
}

// Local returns the wrapped local bus
func (d *DistributedBus) Local() *Bus {
	return d.local
}

// InstanceID returns the id stamped on published messages
func (d *DistributedBus) InstanceID() string {
	return d.instanceID
}

// Distributed reports whether a stream backend is configured
func (d *DistributedBus) Distributed() bool {
	return d.stream != nil
}

// BroadcastLog publishes a job log line
func (d *DistributedBus) BroadcastLog(ctx context.Context, p LogPayload) {
	d.broadcast(ctx, p)
}

// BroadcastStatus publishes a subsystem status change
func (d *DistributedBus) BroadcastStatus(ctx context.Context, p StatusPayload) {
	d.broadcast(ctx, p)
}

// BroadcastJobComplete publishes a terminal job result
func (d *DistributedBus) BroadcastJobComplete(ctx context.Context, p JobCompletePayload) {
	d.broadcast(ctx, p)
}

func (d *DistributedBus) broadcast(ctx context.Context, p Payload) {
	d.local.Broadcast(ctx, NewEnvelope(p))

	if d.stream == nil {
		return
	}

	msg, err := NewStreamMessage(p, d.instanceID)
	if err != nil {
		d.logger.Error("Failed to encode stream message", slog.Any("error", err))
		return
	}

	published := false
	_ = d.breaker.Execute(ctx,
		func(ctx context.Context) error {
			if err := d.stream.Publish(ctx, msg); err != nil {
				return err
			}
			published = true
			return nil
		},
		func(context.Context) error { return nil },
	)
	if published {
		d.published.Add(1)
	} else {
		d.skipped.Add(1)
	}
}

// Run consumes the shared stream until ctx is cancelled. Without a stream it
// just waits for ctx.
func (d *DistributedBus) Run(ctx context.Context) error {
	if d.stream == nil {
		<-ctx.Done()
		return nil
	}

	d.logger.Info("Distributed event listener started", slog.String("instance_id", d.instanceID))
	defer d.logger.Info("Distributed event listener stopped", slog.String("instance_id", d.instanceID))

	connected := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !connected {
			if err := d.stream.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Warn("Event stream unavailable, retrying",
					slog.Any("error", err),
					slog.Duration("retry_in", d.reconnectInterval),
				)
				if !sleepCtx(ctx, d.reconnectInterval) {
					return nil
				}
				continue
			}
			connected = true
			d.logger.Info("Connected to event stream")
		}

		msgs, err := d.stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn("Event stream connection lost",
				slog.Any("error", err),
				slog.Duration("retry_in", d.reconnectInterval),
			)
			connected = false
			if !sleepCtx(ctx, d.reconnectInterval) {
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			d.handle(ctx, msg)
		}
	}
}

// handle delivers one stream entry locally and acknowledges it even when
// delivery fails, so a bad entry never blocks the consumer.
func (d *DistributedBus) handle(ctx context.Context, msg StreamMessage) {
	if msg.Source == d.instanceID {
		d.ignored.Add(1)
	} else {
		d.received.Add(1)
		env, err := msg.Envelope()
		if err != nil {
			d.logger.Warn("Discarding malformed stream message",
				slog.String("message_id", msg.ID),
				slog.String("source", msg.Source),
				slog.Any("error", err),
			)
		} else {
			d.local.Broadcast(ctx, env)
		}
	}

	if err := d.stream.Ack(ctx, msg.ID); err != nil {
		d.logger.Warn("Failed to acknowledge stream message",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
	}
}

// Close releases the stream backend
func (d *DistributedBus) Close() error {
	if d.stream == nil {
		return nil
	}
	return d.stream.Close()
}

// Stats returns listener and breaker counters
func (d *DistributedBus) Stats() Stats {
	s := Stats{
		InstanceID:  d.instanceID,
		Distributed: d.stream != nil,
		Connections: d.local.Count(),
		Published:   d.published.Load(),
		Skipped:     d.skipped.Load(),
		Received:    d.received.Load(),
		Ignored:     d.ignored.Load(),
	}
	if d.stream != nil {
		bs := d.breaker.Stats()
		s.Breaker = &bs
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
