package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/crosswire/internal/api"
	"github.com/nidhogg/crosswire/internal/archive"
	"github.com/nidhogg/crosswire/internal/config"
	"github.com/nidhogg/crosswire/internal/mesh"
	"github.com/nidhogg/crosswire/internal/notify"
	"github.com/nidhogg/crosswire/internal/stream"
	"github.com/nidhogg/crosswire/internal/taskrouter"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting crosswire node...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/crosswire.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	nodeID := cfg.Mesh.NodeID
	if nodeID == "" {
		nodeID = "node-" + uuid.New().String()[:8]
	}
	transport := mesh.TransportClass(cfg.Mesh.TransportClass)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The stream bus is the substrate everything else runs on.
	bus, err := stream.New(cfg.Redis.URL, logger,
		stream.WithBatchSize(int64(cfg.Mesh.ReadBatchSize)),
		stream.WithBlockTimeout(time.Duration(cfg.Mesh.BlockMillis)*time.Millisecond),
	)
	if err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}

	// Registry and mesh router
	registry := mesh.NewRegistry(nodeID, transport, bus,
		cfg.Mesh.SweepInterval(), cfg.Mesh.LivenessTimeout(), logger)
	meshRouter := mesh.NewRouter(registry, bus, logger)

	// Notification hub (optional)
	hub := notify.NewHub(logger)
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		hub.Register(notify.NewSlackNotifier(
			cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		dn, dErr := notify.NewDiscordNotifier(
			cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("discord notifier unavailable", zap.Error(dErr))
		} else {
			hub.Register(dn)
		}
	}
	if len(hub.Platforms()) > 0 {
		meshRouter.SetNotifier(notify.NewEnvelopeNotifier(hub, logger))
	}

	// Task archive (optional)
	var store *archive.Store
	if cfg.Archive.PostgresDSN != "" {
		st, aErr := archive.New(cfg.Archive.PostgresDSN, logger)
		if aErr != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(aErr))
		} else {
			migrationsDir := cfg.Archive.MigrationsDir
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if mErr := st.Migrate(ctx, migrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = st
		}
	}

	// Task router
	taskOpts := []taskrouter.Option{
		taskrouter.WithPollInterval(time.Duration(cfg.Router.PollMillis) * time.Millisecond),
		taskrouter.WithResultPollInterval(time.Duration(cfg.Router.ResultPollMillis) * time.Millisecond),
		taskrouter.WithEventPublisher(bus),
	}
	if store != nil {
		taskOpts = append(taskOpts, taskrouter.WithResultSink(store))
	}
	tasks := taskrouter.New(nodeID, registry, meshRouter, logger, taskOpts...)

	// Subscriber loops, then register this node as an agent so completion
	// envelopes addressed to it reach the task router.
	if err := meshRouter.Start(ctx); err != nil {
		logger.Fatal("mesh router start failed", zap.Error(err))
	}
	meshRouter.RegisterHandler(nodeID, func(hctx context.Context, env *mesh.Envelope) {
		if env.Type == mesh.MsgTaskCompletion {
			tasks.HandleCompletion(hctx, env)
		}
	})
	if err := registry.Register(ctx, mesh.AgentInfo{
		ID:        nodeID,
		Type:      "router",
		Transport: transport,
		Language:  "go",
	}); err != nil {
		logger.Fatal("self registration failed", zap.Error(err))
	}

	if _, err := bus.Publish(ctx, taskrouter.StreamControlEvents, map[string]any{
		"eventType":    "node_online",
		"nodeId":       nodeID,
		"timestampIso": time.Now().UTC(),
	}); err != nil {
		logger.Warn("control event publish failed", zap.Error(err))
	}

	go registry.RunSweeper(ctx)
	go registry.RunHeartbeat(ctx, cfg.Mesh.HeartbeatInterval())
	go tasks.Run(ctx)
	if store != nil {
		go store.RunAgentSnapshots(ctx, cfg.Mesh.SweepInterval(), registry.List)
	}

	// Build HTTP handler
	handler := api.NewHandler(registry, meshRouter, tasks, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("crosswire listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down crosswire...")
	if _, err := bus.Publish(context.Background(), taskrouter.StreamControlEvents, map[string]any{
		"eventType":    "node_offline",
		"nodeId":       nodeID,
		"timestampIso": time.Now().UTC(),
	}); err != nil {
		logger.Warn("control event publish failed", zap.Error(err))
	}
	if err := registry.Unregister(context.Background(), nodeID); err != nil {
		logger.Warn("self unregistration failed", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	meshRouter.Close()
	if store != nil {
		store.Close()
	}
	hub.Close()
	bus.Close()
}
