package mesh

import (
	"context"

	"github.com/nidhogg/crosswire/internal/stream"
)

// Stream names the mesh publishes to and consumes from.
const (
	StreamMessages   = "agent_messages"
	StreamBroadcasts = "agent_broadcasts"
	StreamDiscovery  = "agent_discovery"
	StreamHealth     = "agent_health"
)

// Bus is the durable stream transport the mesh runs on. *stream.Client is
// the production implementation; tests substitute an in-memory one.
type Bus interface {
	Publish(ctx context.Context, streamName string, payload any) (string, error)
	CreateConsumerGroup(ctx context.Context, streamName, group, startID string) error
	Subscribe(ctx context.Context, streamName, group, consumerName string, h stream.Handler) error
}

// sharedGroup names the consumer group for point-to-point streams, where
// each record must reach exactly one consumer.
func sharedGroup(streamName string) string {
	return streamName + "_group"
}

// nodeGroup names a per-node consumer group for fan-out streams, so every
// node observes every record.
func nodeGroup(streamName, nodeID string) string {
	return streamName + "_group_" + nodeID
}
