package redisclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr          string
	Password      string
	DB            int
	SocketTimeout time.Duration
	RetryAttempts int
	RetryInterval time.Duration
}

// Client wraps a go-redis client with the connection bookkeeping used by
// the rest of the service
type Client struct {
	config *Config
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient creates a Redis client and verifies the connection, retrying
// RetryAttempts times
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	timeout := config.SocketTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	c := &Client{config: config, rdb: rdb, logger: logger}

	attempts := config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Info("Connecting to Redis",
			slog.String("addr", config.Addr),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		if err = c.Ping(ctx); err == nil {
			logger.Info("Successfully connected to Redis", slog.String("addr", config.Addr))
			return c, nil
		}

		logger.Error("Failed to connect to Redis",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				rdb.Close()
				return nil, ctx.Err()
			case <-time.After(config.RetryInterval):
			}
		}
	}

	rdb.Close()
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", attempts, err)
}

// Redis returns the underlying go-redis client
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")

	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis connection", slog.Any("error", err))
		return err
	}
	return nil
}
