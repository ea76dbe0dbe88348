// Package stream wraps Redis Streams with the durability semantics the mesh
// relies on: consumer groups, acknowledge-after-handle, and at-least-once
// delivery. Handlers must tolerate duplicates.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler processes one delivered record. deliveryID is the store-assigned
// stream entry id; payload is the raw JSON the producer published. Returning
// an error leaves the delivery unacknowledged in the pending-entries set.
type Handler func(ctx context.Context, deliveryID string, payload []byte) error

// Client is a durable stream client over Redis Streams.
type Client struct {
	rdb    *redis.Client
	batch  int64
	block  time.Duration
	logger *zap.Logger
}

// Option adjusts client behavior.
type Option func(*Client)

// WithBatchSize sets how many records a single block-read may return.
func WithBatchSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.batch = n
		}
	}
}

// WithBlockTimeout sets the server-side block timeout for reads.
func WithBlockTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.block = d
		}
	}
}

// New creates a stream client from a Redis URL.
func New(redisURL string, logger *zap.Logger, opts ...Option) (*Client, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(parsed)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(rdb, logger, opts...), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(rdb *redis.Client, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		rdb:    rdb,
		batch:  10,
		block:  2 * time.Second,
		logger: logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Publish appends a payload to a stream under a generated event id.
// Returns the logical event id.
func (c *Client) Publish(ctx context.Context, stream string, payload any) (string, error) {
	return c.PublishWithID(ctx, stream, uuid.New().String(), payload)
}

// PublishWithID appends a payload under a caller-supplied event id.
func (c *Client) PublishWithID(ctx context.Context, stream, eventID string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %s: %w", stream, err)
	}

	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"event_id": eventID,
			"data":     string(data),
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}

	c.logger.Debug("published event",
		zap.String("stream", stream),
		zap.String("event_id", eventID))
	return eventID, nil
}

// CreateConsumerGroup creates a consumer group at startID, creating the
// stream if needed. An already-existing group is treated as success.
func (c *Client) CreateConsumerGroup(ctx context.Context, stream, group, startID string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Subscribe reads new records for consumerName in group and feeds them to h.
// A record is acknowledged only after h returns nil; a handler error leaves
// it pending for redelivery or manual recovery. Malformed records are
// acknowledged and dropped. Runs until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, stream, group, consumerName string, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumerName,
			Streams:  []string{stream, ">"},
			Count:    c.batch,
			Block:    c.block,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue // block timeout, nothing new
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("stream read failed, retrying",
				zap.String("stream", stream),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * c.block):
			}
			continue
		}

		for _, r := range results {
			for _, msg := range r.Messages {
				c.handleDelivery(ctx, stream, group, msg, h)
			}
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, stream, group string, msg redis.XMessage, h Handler) {
	data, ok := msg.Values["data"].(string)
	if !ok || !json.Valid([]byte(data)) {
		c.logger.Warn("dropping malformed record",
			zap.String("stream", stream),
			zap.String("delivery_id", msg.ID))
		c.ack(ctx, stream, group, msg.ID)
		return
	}

	if err := h(ctx, msg.ID, []byte(data)); err != nil {
		// Left unacknowledged: stays in the pending-entries set.
		c.logger.Warn("handler failed, delivery left pending",
			zap.String("stream", stream),
			zap.String("delivery_id", msg.ID),
			zap.Error(err))
		return
	}
	c.ack(ctx, stream, group, msg.ID)
}

func (c *Client) ack(ctx context.Context, stream, group, deliveryID string) {
	if err := c.rdb.XAck(ctx, stream, group, deliveryID).Err(); err != nil {
		c.logger.Warn("ack failed",
			zap.String("stream", stream),
			zap.String("delivery_id", deliveryID),
			zap.Error(err))
	}
}

// Close shuts down the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
