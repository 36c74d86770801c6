package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MartianGreed/marathon/internal/config"
	"github.com/MartianGreed/marathon/internal/dispatch"
	"github.com/MartianGreed/marathon/internal/firecracker"
	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/metrics"
	"github.com/MartianGreed/marathon/internal/observability"
	"github.com/MartianGreed/marathon/internal/vmpool"
	"github.com/MartianGreed/marathon/internal/wire"
)

// bootstrapCID is the throwaway guest CID used only while creating a
// node's base snapshot, before vmpool.Pool has allocated any real ones.
const bootstrapCID = 3

// reconnectBackoff is how long the heartbeat loop waits before redialing
// the orchestrator after a connection failure.
const reconnectBackoff = 3 * time.Second

func daemonCmd() *cobra.Command {
	var (
		orchestratorAddr string
		hostname         string
		totalVMSlots     uint32
		warmPoolTarget   uint32
		logLevel         string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the node daemon",
		Long:  "Run a node: warm VM pool, heartbeat client, and task dispatch",
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

			if cmd.Flags().Changed("orchestrator-addr") {
				cfg.Node.OrchestratorAddr = orchestratorAddr
			}
			if cmd.Flags().Changed("hostname") {
				cfg.Node.Hostname = hostname
			}
			if cmd.Flags().Changed("total-vm-slots") {
				cfg.Node.TotalVMSlots = totalVMSlots
			}
			if cmd.Flags().Changed("warm-pool-target") {
				cfg.Node.WarmPoolTarget = warmPoolTarget
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if cfg.Observability.Tracing.ServiceName == "" || cfg.Observability.Tracing.ServiceName == "marathon" {
				cfg.Observability.Tracing.ServiceName = "marathon-node"
			}
			if cfg.Node.Hostname == "" {
				if h, err := os.Hostname(); err == nil {
					cfg.Node.Hostname = h
				}
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx := context.Background()
			if err := observability.Init(ctx, observability.Config{
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

			nodeID, err := loadOrCreateNodeID(cfg.Node.SocketDir)
			if err != nil {
				return fmt.Errorf("load node id: %w", err)
			}

			fcCfg := &firecracker.Config{
				FirecrackerBin: cfg.Node.FirecrackerBin,
				KernelPath:     cfg.Node.KernelPath,
				RootfsPath:     filepath.Join(cfg.Node.RootfsDir, "agent.ext4"),
				SnapshotDir:    cfg.Node.SnapshotDir,
				SocketDir:      cfg.Node.SocketDir,
				VsockPort:      cfg.Node.VsockPort,
				LogDir:         cfg.Node.LogDir,
				BridgeName:     cfg.Node.BridgeName,
				Subnet:         cfg.Node.Subnet,
				BootTimeout:    cfg.Node.BootTimeout,
			}
			manager, err := firecracker.NewManager(fcCfg)
			if err != nil {
				return fmt.Errorf("init firecracker manager: %w", err)
			}

			snapPath := filepath.Join(cfg.Node.SnapshotDir, "base.snap")
			if _, err := os.Stat(snapPath); err != nil {
				logging.Op().Info("no base snapshot found, bootstrapping one")
				if err := manager.CreateBaseSnapshot(ctx, ids.NewVMID(), bootstrapCID); err != nil {
					return fmt.Errorf("create base snapshot: %w", err)
				}
			}

			backend := firecracker.NewBackend(manager)
			pool := vmpool.New(backend, cfg.Node.TotalVMSlots, cfg.Node.SocketDir)
			pool.SetNodeLabel(nodeID.String())

			logging.Op().Info("filling warm pool", "target", cfg.Node.WarmPoolTarget)
			pool.RefillTo(ctx, cfg.Node.WarmPoolTarget)

			startTime := time.Now()
			var hmacSecret []byte
			if cfg.Orchestrator.HeartbeatHMACSecret != "" {
				hmacSecret = []byte(cfg.Orchestrator.HeartbeatHMACSecret)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			stopCh := make(chan struct{})

			go runHeartbeatLoop(ctx, heartbeatDeps{
				cfg:        cfg,
				nodeID:     nodeID,
				pool:       pool,
				manager:    manager,
				startTime:  startTime,
				hmacSecret: hmacSecret,
			}, stopCh)

			refillTicker := time.NewTicker(2 * time.Second)
			defer refillTicker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					close(stopCh)
					manager.Shutdown(context.Background())
					return nil
				case <-refillTicker.C:
					pool.RefillTo(ctx, cfg.Node.WarmPoolTarget)
				}
			}
		},
	}

	cmd.Flags().StringVar(&orchestratorAddr, "orchestrator-addr", "localhost:7101", "Orchestrator node-facing address")
	cmd.Flags().StringVar(&hostname, "hostname", "", "Hostname reported in heartbeats (defaults to os.Hostname)")
	cmd.Flags().Uint32Var(&totalVMSlots, "total-vm-slots", 8, "Total concurrent VM capacity")
	cmd.Flags().Uint32Var(&warmPoolTarget, "warm-pool-target", 4, "Warm VM pool size to maintain")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

// heartbeatDeps bundles what the heartbeat loop needs to build a status
// report and dispatch the commands it gets back.
type heartbeatDeps struct {
	cfg        *config.Config
	nodeID     ids.NodeID
	pool       *vmpool.Pool
	manager    *firecracker.Manager
	startTime  time.Time
	hmacSecret []byte
}

// runHeartbeatLoop owns the node's single outbound connection to the
// orchestrator: it dials, sends a heartbeat on every tick, and feeds the
// response's commands to a freshly wrapped NodeAgent. On a connection
// failure it redials after reconnectBackoff rather than giving up (spec
// §4.5: a node that drops its heartbeat link must rejoin, not exit).
func runHeartbeatLoop(ctx context.Context, deps heartbeatDeps, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if err := heartbeatSession(ctx, deps, stopCh); err != nil {
			logging.Op().Warn("heartbeat session ended, reconnecting", "error", err)
		}

		select {
		case <-stopCh:
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func heartbeatSession(ctx context.Context, deps heartbeatDeps, stopCh <-chan struct{}) error {
	netConn, err := net.Dial("tcp", deps.cfg.Node.OrchestratorAddr)
	if err != nil {
		return fmt.Errorf("dial orchestrator: %w", err)
	}
	defer netConn.Close()

	conn := wire.NewConn(netConn)
	uplink := newNodeUplink(conn)
	agent := dispatch.NewNodeAgent(deps.pool, uplink, deps.cfg.Node.VsockPort)

	ticker := time.NewTicker(deps.cfg.Node.HeartbeatInterval)
	defer ticker.Stop()

	var reqID uint32
	for {
		select {
		case <-stopCh:
			return nil
		case <-ticker.C:
			reqID++
			if err := sendHeartbeat(ctx, uplink, conn, agent, deps, reqID); err != nil {
				return err
			}
		}
	}
}

func sendHeartbeat(ctx context.Context, uplink *nodeUplink, conn *wire.Conn, agent *dispatch.NodeAgent, deps heartbeatDeps, reqID uint32) error {
	req := buildHeartbeatRequest(deps)

	if err := uplink.WriteMessage(wire.MsgHeartbeatRequest, reqID, req); err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(deps.cfg.Node.HeartbeatInterval * 3)); err != nil {
		logging.Op().Warn("heartbeat read deadline unavailable", "error", err)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read heartbeat response: %w", err)
	}

	switch p := msg.Payload.(type) {
	case *wire.HeartbeatResponse:
		agent.HandleCommands(ctx, p)
		return nil
	case *wire.ErrorResponse:
		return fmt.Errorf("heartbeat rejected: %s: %s", p.Code, p.Message)
	default:
		return fmt.Errorf("unexpected heartbeat reply type")
	}
}

func buildHeartbeatRequest(deps heartbeatDeps) *wire.HeartbeatRequest {
	status := wire.NodeStatus{
		NodeID:             deps.nodeID,
		Hostname:           deps.cfg.Node.Hostname,
		TotalVMSlots:       deps.cfg.Node.TotalVMSlots,
		ActiveVMs:          uint32(deps.pool.ActiveCount()),
		WarmVMs:            uint32(deps.pool.WarmCount()),
		CPUUsage:           cpuUsage(),
		MemoryUsage:        memUsage(),
		DiskAvailableBytes: diskAvailableBytes(deps.cfg.Node.SnapshotDir),
		Healthy:            true,
		Draining:           false,
		UptimeSeconds:      uint64(time.Since(deps.startTime).Seconds()),
	}

	req := &wire.HeartbeatRequest{
		Status:      status,
		TimestampMs: time.Now().UnixMilli(),
	}
	if len(deps.hmacSecret) > 0 {
		req.HasHMAC = true
		req.HMAC = signHeartbeat(deps.hmacSecret, status.NodeID, req.TimestampMs)
	}
	return req
}
