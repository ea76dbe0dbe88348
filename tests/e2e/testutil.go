package e2e

import (
	"context"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/crosswire/internal/mesh"
	"github.com/nidhogg/crosswire/internal/stream"
	"github.com/nidhogg/crosswire/internal/taskrouter"
)

// startRedis starts a Redis testcontainer, returning its URL and a cleanup
// func. Tests are skipped when no container runtime is available.
func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	url, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("redis connection string: %v", err)
	}
	return url, func() { container.Terminate(ctx) }
}

// startPostgres starts a PostgreSQL testcontainer, returning its DSN and a
// cleanup func.
func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("crosswire"),
		tcpg.WithUsername("crosswire"),
		tcpg.WithPassword("crosswire"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("postgres connection string: %v", err)
	}
	return dsn, func() { container.Terminate(ctx) }
}

// node bundles one in-process mesh participant.
type node struct {
	id       string
	bus      *stream.Client
	registry *mesh.Registry
	router   *mesh.Router
	tasks    *taskrouter.Router
}

// startNode wires a registry, mesh router, and task router over the given
// Redis URL and starts the subscriber loops.
func startNode(t *testing.T, ctx context.Context, redisURL, id string, transport mesh.TransportClass) *node {
	t.Helper()
	logger := zap.NewNop()

	bus, err := stream.New(redisURL, logger,
		stream.WithBlockTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("stream client for %s: %v", id, err)
	}

	registry := mesh.NewRegistry(id, transport, bus, time.Minute, 5*time.Minute, logger)
	router := mesh.NewRouter(registry, bus, logger)
	if err := router.Start(ctx); err != nil {
		t.Fatalf("router start for %s: %v", id, err)
	}
	tasks := taskrouter.New(id, registry, router, logger,
		taskrouter.WithPollInterval(20*time.Millisecond),
		taskrouter.WithResultPollInterval(10*time.Millisecond),
		taskrouter.WithEventPublisher(bus))

	return &node{id: id, bus: bus, registry: registry, router: router, tasks: tasks}
}

func (n *node) close() {
	n.router.Close()
	n.bus.Close()
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
