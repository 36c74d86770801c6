package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/MartianGreed/marathon/internal/config"
	"github.com/MartianGreed/marathon/internal/dispatch"
	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/metrics"
	"github.com/MartianGreed/marathon/internal/observability"
	"github.com/MartianGreed/marathon/internal/ratelimit"
	"github.com/MartianGreed/marathon/internal/registry"
	"github.com/MartianGreed/marathon/internal/scheduler"
	"github.com/MartianGreed/marathon/internal/store"
)

// nodeTimeout is how long a registered node may go without a heartbeat
// before the registry prunes it (spec §4.2: unhealthy nodes score zero
// but a node that never comes back must eventually be forgotten).
const nodeTimeout = 30 * time.Second

// envTokenSource reads the Anthropic API key from the environment rather
// than the config file, so the secret never round-trips through a config
// dump or a version-controlled settings file (spec §9).
type envTokenSource struct{}

func (envTokenSource) AnthropicKey() *string {
	v, ok := os.LookupEnv("MARATHON_ANTHROPIC_API_KEY")
	if !ok || v == "" {
		return nil
	}
	return &v
}

func daemonCmd() *cobra.Command {
	var (
		clientAddr string
		nodeAddr   string
		pgDSN      string
		redisAddr  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestrator daemon",
		Long:  "Run the orchestrator: client-facing task API, node-facing heartbeat/dispatch, scheduler and registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("client-addr") {
				cfg.Orchestrator.ClientAddr = clientAddr
			}
			if cmd.Flags().Changed("node-addr") {
				cfg.Orchestrator.NodeAddr = nodeAddr
			}
			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("redis-addr") {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if cfg.Observability.Tracing.ServiceName == "" || cfg.Observability.Tracing.ServiceName == "marathon" {
				cfg.Observability.Tracing.ServiceName = "marathon-orchestrator"
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			pgStore, err := store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pgStore.Close()

			taskRepo := store.NewPostgresTaskRepository(pgStore)
			usageRepo := store.NewPostgresUsageRepository(pgStore)
			nodeRepo := store.NewPostgresNodeRepository(pgStore)

			var limiter *ratelimit.Limiter
			if cfg.RateLimit.Enabled {
				var backend ratelimit.Backend = ratelimit.NewLocalTokenBucketBackend()
				if cfg.Redis.Addr != "" {
					rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
					backend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(rc))
				}
				limiter = ratelimit.New(backend, ratelimit.TierConfig{
					RequestsPerSecond: cfg.RateLimit.Default.RequestsPerSecond,
					BurstSize:         cfg.RateLimit.Default.BurstSize,
				})
			}

			reg := registry.New()
			sched := scheduler.New(reg, scheduler.WithTaskRepository(taskRepo), scheduler.WithUsageRepository(usageRepo))

			var hmacSecret []byte
			if cfg.Orchestrator.HeartbeatHMACSecret != "" {
				hmacSecret = []byte(cfg.Orchestrator.HeartbeatHMACSecret)
			}

			clientSrv := dispatch.NewClientServer(sched, usageRepo, limiter)
			nodeSrv := dispatch.NewNodeServer(reg, sched, envTokenSource{}, hmacSecret, nodeRepo)

			clientLn, err := net.Listen("tcp", cfg.Orchestrator.ClientAddr)
			if err != nil {
				return fmt.Errorf("listen client addr: %w", err)
			}
			nodeLn, err := net.Listen("tcp", cfg.Orchestrator.NodeAddr)
			if err != nil {
				return fmt.Errorf("listen node addr: %w", err)
			}

			go func() {
				if err := clientSrv.Serve(clientLn); err != nil {
					logging.Op().Error("client listener stopped", "error", err)
				}
			}()
			go func() {
				if err := nodeSrv.Serve(nodeLn); err != nil {
					logging.Op().Error("node listener stopped", "error", err)
				}
			}()

			logging.Op().Info("orchestrator started",
				"client_addr", cfg.Orchestrator.ClientAddr,
				"node_addr", cfg.Orchestrator.NodeAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			pruneTicker := time.NewTicker(10 * time.Second)
			defer pruneTicker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					clientLn.Close()
					nodeLn.Close()
					return nil
				case <-pruneTicker.C:
					for _, id := range reg.Prune(time.Now(), nodeTimeout) {
						logging.Op().Warn("pruned unresponsive node", "node_id", id.String())
						if err := nodeRepo.MarkUnhealthy(context.Background(), id); err != nil {
							logging.Op().Warn("persist node unhealthy failed", "node_id", id.String(), "error", err)
						}
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&clientAddr, "client-addr", ":7100", "Client-facing listen address")
	cmd.Flags().StringVar(&nodeAddr, "node-addr", ":7101", "Node-facing listen address")
	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address for distributed rate limiting")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}
