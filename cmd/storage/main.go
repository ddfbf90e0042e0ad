package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/config"
	"github.com/devrev/ringkv/internal/coordination"
	"github.com/devrev/ringkv/internal/health"
	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/node"
)

func main() {
	// The coordinator's launcher passes -name, -port and -zk
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the storage node config file")
	name := flag.String("name", "", "node name as listed in the fleet config")
	port := flag.Int("port", 0, "KV port")
	zkServers := flag.String("zk", "", "comma separated ZooKeeper servers")
	flag.Parse()

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *name != "" {
		cfg.Server.Name = *name
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *zkServers != "" {
		cfg.ZooKeeper.Servers = strings.Split(*zkServers, ",")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node", cfg.Server.Name),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("engine", cfg.Storage.Engine),
		zap.Strings("zookeeper", cfg.ZooKeeper.Servers))

	zk, err := coordination.NewZooKeeper(coordination.ZooKeeperConfig{
		Servers:        cfg.ZooKeeper.Servers,
		SessionTimeout: cfg.ZooKeeper.SessionTimeout,
		ConnectTimeout: cfg.ZooKeeper.ConnectTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to coordination service", zap.Error(err))
	}
	defer zk.Close()

	nodeMetrics := metrics.NewNodeMetrics(prometheus.DefaultRegisterer)

	proc, err := node.StartProcess(context.Background(), node.ProcessConfig{
		Server: node.Config{
			Name:              cfg.Server.Name,
			Host:              cfg.Server.Host,
			Port:              cfg.Server.Port,
			ReplicationFactor: cfg.Server.ReplicationFactor,
			Transfer: node.TransferConfig{
				ProgressInterval: cfg.Transfer.ProgressInterval,
				AcceptTimeout:    cfg.Transfer.AcceptTimeout,
				DialTimeout:      cfg.Transfer.DialTimeout,
			},
		},
		Engine:          cfg.Storage.Engine,
		DataDir:         cfg.Storage.DataDir,
		ForwardWorkers:  cfg.Forwarding.Workers,
		ForwardQueue:    cfg.Forwarding.QueueSize,
		ForwardTimeout:  cfg.Forwarding.Timeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, zk, nodeMetrics, logger)
	if err != nil {
		logger.Fatal("Failed to start storage node", zap.Error(err))
	}

	// Metrics and health share one side port
	if cfg.Metrics.Enabled {
		checker := health.NewChecker(0, logger)
		checker.Register("coordination", zk)
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		checker.Mount(mux)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-proc.Done():
		logger.Info("Shut down by coordinator")
	case err := <-proc.Errors():
		logger.Error("KV server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	proc.Close()
	logger.Info("Storage node stopped")
}
