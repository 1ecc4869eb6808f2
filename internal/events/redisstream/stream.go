// Package redisstream implements events.Stream on a capped Redis stream.
// Every instance reads through its own consumer group so each entry reaches
// every instance once.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/job-engine/internal/events"
)

var _ events.Stream = (*Stream)(nil)

// Defaults for Config zero values
const (
	DefaultPrefix = "engine"
	DefaultGroup  = "engine-listeners"
	DefaultMaxLen = 10000
	DefaultCount  = 10
	DefaultBlock  = time.Second
)

// Config describes the stream layout
type Config struct {
	Prefix     string
	Group      string
	InstanceID string
	MaxLen     int64
	Count      int64
	Block      time.Duration
}

// Stream is a Redis Streams backed events.Stream
type Stream struct {
	client   redis.Cmdable
	logger   *slog.Logger
	key      string
	group    string
	consumer string
	maxLen   int64
	count    int64
	block    time.Duration
}

// New creates a Stream. The caller owns the Redis client lifecycle.
func New(client redis.Cmdable, cfg Config, logger *slog.Logger) *Stream {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.Count <= 0 {
		cfg.Count = DefaultCount
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}

	return &Stream{
		client:   client,
		logger:   logger,
		key:      cfg.Prefix + ":events",
		group:    cfg.Group + ":" + cfg.InstanceID,
		consumer: cfg.InstanceID,
		maxLen:   cfg.MaxLen,
		count:    cfg.Count,
		block:    cfg.Block,
	}
}

// Key returns the stream key
func (s *Stream) Key() string {
	return s.key
}

// Group returns this instance's consumer group
func (s *Stream) Group() string {
	return s.group
}

// Connect checks the server and creates the instance group at the stream
// tail; an existing group is reused
func (s *Stream) Connect(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	err := s.client.XGroupCreateMkStream(ctx, s.key, s.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", s.group, err)
	}

	s.logger.Debug("Redis stream group ready",
		slog.String("stream", s.key),
		slog.String("group", s.group),
	)
	return nil
}

// Publish appends msg, trimming the stream to roughly MaxLen entries
func (s *Stream) Publish(ctx context.Context, msg events.StreamMessage) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(msg.Type),
			"payload": string(msg.Payload),
			"source":  msg.Source,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.key, err)
	}
	return nil
}

// Read returns new entries for this instance, blocking up to Block
func (s *Stream) Read(ctx context.Context) ([]events.StreamMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.key, ">"},
		Count:    s.count,
		Block:    s.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", s.key, err)
	}

	var out []events.StreamMessage
	for _, stream := range streams {
		for _, m := range stream.Messages {
			out = append(out, decode(m))
		}
	}
	return out, nil
}

func decode(m redis.XMessage) events.StreamMessage {
	field := func(name string) string {
		v, _ := m.Values[name].(string)
		return v
	}
	return events.StreamMessage{
		ID:      m.ID,
		Type:    events.MessageType(field("type")),
		Payload: []byte(field("payload")),
		Source:  field("source"),
	}
}

// Ack acknowledges entries for this instance's group
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.key, s.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", s.key, err)
	}
	return nil
}

// Close destroys the instance group so the stream does not keep pending
// entries for an instance that is gone
func (s *Stream) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.client.XGroupDestroy(ctx, s.key, s.group).Err(); err != nil {
		s.logger.Warn("Failed to destroy consumer group",
			slog.String("group", s.group),
			slog.Any("error", err),
		)
		return fmt.Errorf("destroy consumer group %s: %w", s.group, err)
	}
	return nil
}
