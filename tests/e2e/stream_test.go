package e2e

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/crosswire/internal/stream"
)

func must(opts *redis.Options, err error) *redis.Options {
	if err != nil {
		panic(err)
	}
	return opts
}

// TestStreamDurability checks consumer-group semantics against a real
// Redis: valid records are delivered and acknowledged, malformed records
// are dropped without stalling the loop, and a failing handler leaves the
// record pending for redelivery.
func TestStreamDurability(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	redisURL, stopRedis := startRedis(t, ctx)
	defer stopRedis()

	logger := zap.NewNop()
	client, err := stream.New(redisURL, logger,
		stream.WithBlockTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("stream client: %v", err)
	}
	defer client.Close()

	const streamName = "e2e_events"
	if err := client.CreateConsumerGroup(ctx, streamName, "e2e_group", "0"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	// Creating the same group twice must not error.
	if err := client.CreateConsumerGroup(ctx, streamName, "e2e_group", "0"); err != nil {
		t.Fatalf("recreate group: %v", err)
	}

	delivered := make(chan []byte, 8)
	var rejected atomic.Int32
	subCtx, stopSub := context.WithCancel(ctx)
	defer stopSub()
	go client.Subscribe(subCtx, streamName, "e2e_group", "c1", func(ctx context.Context, deliveryID string, payload []byte) error {
		if string(payload) == `{"poison":true}` && rejected.Add(1) == 1 {
			return errors.New("transient failure")
		}
		delivered <- payload
		return nil
	})

	if _, err := client.Publish(ctx, streamName, map[string]any{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-delivered:
		if string(got) != `{"n":1}` {
			t.Fatalf("payload = %s", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("first record never delivered")
	}

	// A record without a data field is acknowledged and dropped.
	raw := redis.NewClient(must(redis.ParseURL(redisURL)))
	defer raw.Close()
	if err := raw.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: map[string]any{"garbage": "x"},
	}).Err(); err != nil {
		t.Fatalf("raw xadd: %v", err)
	}

	// A handler error leaves the record pending; the loop keeps serving
	// subsequent records.
	if _, err := client.Publish(ctx, streamName, map[string]any{"poison": true}); err != nil {
		t.Fatalf("publish poison: %v", err)
	}
	if _, err := client.Publish(ctx, streamName, map[string]any{"n": 2}); err != nil {
		t.Fatalf("publish after poison: %v", err)
	}
	select {
	case got := <-delivered:
		if string(got) != `{"n":2}` {
			t.Fatalf("payload after poison = %s", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("record after poison never delivered")
	}

	if rejected.Load() != 1 {
		t.Fatalf("rejections = %d, want 1", rejected.Load())
	}
}
