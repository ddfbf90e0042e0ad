package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/config"
	"github.com/devrev/ringkv/internal/coordination"
	"github.com/devrev/ringkv/internal/handler"
	"github.com/devrev/ringkv/internal/health"
	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/middleware"
	"github.com/devrev/ringkv/internal/service"
	"github.com/devrev/ringkv/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting ECS coordinator",
		zap.Int("http_port", cfg.Server.Port),
		zap.Strings("zookeeper", cfg.ZooKeeper.Servers),
		zap.String("fleet_file", cfg.Cluster.FleetFile),
		zap.Int("replication_factor", cfg.Cluster.ReplicationFactor),
		zap.String("launch_mode", cfg.Cluster.LaunchMode))

	zk, err := coordination.NewZooKeeper(coordination.ZooKeeperConfig{
		Servers:        cfg.ZooKeeper.Servers,
		SessionTimeout: cfg.ZooKeeper.SessionTimeout,
		ConnectTimeout: cfg.ZooKeeper.ConnectTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to coordination service", zap.Error(err))
	}
	defer zk.Close()
	logger.Info("Coordination service connected")

	restoreStore, err := newRestoreStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize restore store", zap.Error(err))
	}
	defer restoreStore.Close()
	logger.Info("Restore store initialized", zap.String("backend", cfg.Restore.Backend))

	idempotencyStore, err := newIdempotencyStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize idempotency store", zap.Error(err))
	}
	defer idempotencyStore.Close()
	logger.Info("Idempotency store initialized", zap.String("backend", cfg.Idempotency.Backend))

	coordMetrics := metrics.NewCoordinatorMetrics(prometheus.DefaultRegisterer)

	var launcher service.Launcher
	var local *localNodes
	switch cfg.Cluster.LaunchMode {
	case config.LaunchModeLocal:
		local, err = newLocalNodes(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to prepare local launcher", zap.Error(err))
		}
		launcher = service.NewLocalLauncher(local.start, logger)
	default:
		launcher = service.NewSSHLauncher(cfg.Cluster.SSHUser, cfg.Cluster.NodeBinary, cfg.ZooKeeper.Servers, logger)
	}

	multicaster := service.NewMulticaster(zk, cfg.Cluster.MulticastTimeout, coordMetrics, logger)
	issuer := service.NewTransferIssuer(zk, multicaster,
		cfg.Cluster.TransferIdleTimeout, cfg.Cluster.TransferMaxTimeout, coordMetrics, logger)
	detector := service.NewFailureDetector(zk, coordMetrics, logger)
	ecs := service.NewECSService(
		service.ECSConfig{
			ReplicationFactor: cfg.Cluster.ReplicationFactor,
			AwaitTimeout:      cfg.Cluster.AwaitTimeout,
		},
		zk, multicaster, issuer, detector, launcher, restoreStore, coordMetrics, logger,
	)
	defer ecs.Close()

	ctx := context.Background()
	if err := ecs.Initialize(ctx); err != nil {
		logger.Fatal("Failed to initialize coordination tree", zap.Error(err))
	}

	fleet, err := store.LoadFleetFile(cfg.Cluster.FleetFile, cfg.Cluster.AdvertiseHost, logger)
	if err != nil {
		logger.Fatal("Failed to load fleet", zap.Error(err))
	}
	ecs.LoadFleet(fleet)
	logger.Info("Fleet loaded", zap.Int("nodes", len(fleet)))

	checker := health.NewChecker(0, logger)
	checker.Register("coordination", zk)
	checker.Register("restore_store", restoreStore)
	checker.Register("idempotency_store", idempotencyStore)

	router := mux.NewRouter()
	router.HandleFunc("/health/live", checker.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.ReadinessHandler).Methods(http.MethodGet)
	handler.NewAdminHandler(ecs, idempotencyStore, cfg.Idempotency.TTL, logger).RegisterRoutes(router)

	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.Logging(logger),
		middleware.CORS(cfg.Server.AllowedOrigins),
	}
	if cfg.RateLimiter.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimiter.RequestsPerSecond, cfg.RateLimiter.BurstSize, logger)
		chain = append(chain, limiter.Limit)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           middleware.Chain(chain...)(router),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting admin HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown error", zap.Error(err))
	}
	if local != nil {
		local.closeAll()
	}
	logger.Info("ECS coordinator stopped")
}

func newRestoreStore(cfg *config.Config, logger *zap.Logger) (store.RestoreStore, error) {
	if cfg.Restore.Backend == config.BackendPostgres {
		return store.NewPostgresRestoreStore(
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.MaxConnections,
			cfg.Database.MinConnections,
			logger,
		)
	}
	return store.NewFileRestoreStore(cfg.Restore.Path, logger)
}

func newIdempotencyStore(cfg *config.Config, logger *zap.Logger) (store.IdempotencyStore, error) {
	if cfg.Idempotency.Backend == config.BackendRedis {
		return store.NewRedisIdempotencyStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, logger)
	}
	return store.NewMemoryIdempotencyStore(), nil
}
