package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"127.0.0.1:2181"}, cfg.ZooKeeper.Servers)
	assert.Equal(t, 10*time.Second, cfg.ZooKeeper.SessionTimeout)
	assert.Equal(t, 2, cfg.Cluster.ReplicationFactor)
	assert.Equal(t, 2*time.Second, cfg.Cluster.MulticastTimeout)
	assert.Equal(t, 5*time.Second, cfg.Cluster.TransferIdleTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Cluster.TransferMaxTimeout)
	assert.Equal(t, LaunchModeSSH, cfg.Cluster.LaunchMode)
	assert.Equal(t, BackendFile, cfg.Restore.Backend)
	assert.Equal(t, BackendMemory, cfg.Idempotency.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.True(t, cfg.RateLimiter.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 9000
zookeeper:
  servers: ["zk1:2181", "zk2:2181"]
cluster:
  fleet_file: /etc/ringkv/ecs.config
  replication_factor: 1
  launch_mode: local
  transfer_idle_timeout: 10s
idempotency:
  backend: redis
  ttl: 1h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.ZooKeeper.Servers)
	assert.Equal(t, "/etc/ringkv/ecs.config", cfg.Cluster.FleetFile)
	assert.Equal(t, 1, cfg.Cluster.ReplicationFactor)
	assert.Equal(t, LaunchModeLocal, cfg.Cluster.LaunchMode)
	assert.Equal(t, 10*time.Second, cfg.Cluster.TransferIdleTimeout)
	assert.Equal(t, BackendRedis, cfg.Idempotency.Backend)
	assert.Equal(t, time.Hour, cfg.Idempotency.TTL)
	// untouched keys keep their defaults
	assert.Equal(t, 2*time.Second, cfg.Cluster.MulticastTimeout)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ZK_SERVERS", "zk1:2181, zk2:2181,")
	t.Setenv("ECS_CONFIG_FILE", "/tmp/fleet")
	t.Setenv("HTTP_PORT", "8181")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ECS_CLUSTER_REPLICATION_FACTOR", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.ZooKeeper.Servers)
	assert.Equal(t, "/tmp/fleet", cfg.Cluster.FleetFile)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "cache", cfg.Redis.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Cluster.ReplicationFactor)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "invalid server port"},
		{name: "no zookeeper", mutate: func(c *Config) { c.ZooKeeper.Servers = nil }, wantErr: "zookeeper.servers"},
		{name: "no fleet", mutate: func(c *Config) { c.Cluster.FleetFile = "" }, wantErr: "fleet_file"},
		{name: "negative replication", mutate: func(c *Config) { c.Cluster.ReplicationFactor = -1 }, wantErr: "replication_factor"},
		{name: "no replicas", mutate: func(c *Config) { c.Cluster.ReplicationFactor = 0 }, wantErr: "replication_factor must be at least 1"},
		{name: "unknown launch mode", mutate: func(c *Config) { c.Cluster.LaunchMode = "docker" }, wantErr: "launch_mode"},
		{name: "ssh without binary", mutate: func(c *Config) { c.Cluster.NodeBinary = "" }, wantErr: "node_binary"},
		{name: "local without binary", mutate: func(c *Config) {
			c.Cluster.LaunchMode = LaunchModeLocal
			c.Cluster.NodeBinary = ""
		}},
		{name: "unknown restore backend", mutate: func(c *Config) { c.Restore.Backend = "s3" }, wantErr: "restore.backend"},
		{name: "postgres without database", mutate: func(c *Config) {
			c.Restore.Backend = BackendPostgres
			c.Database.Database = ""
		}, wantErr: "postgres"},
		{name: "unknown idempotency backend", mutate: func(c *Config) { c.Idempotency.Backend = "etcd" }, wantErr: "idempotency.backend"},
		{name: "zero rate", mutate: func(c *Config) { c.RateLimiter.RequestsPerSecond = 0 }, wantErr: "requests per second"},
		{name: "zero rate when disabled", mutate: func(c *Config) {
			c.RateLimiter.Enabled = false
			c.RateLimiter.RequestsPerSecond = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadNodeConfig_Defaults(t *testing.T) {
	cfg, err := LoadNodeConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 2, cfg.Server.ReplicationFactor)
	assert.Equal(t, EngineMemory, cfg.Storage.Engine)
	assert.Equal(t, 4, cfg.Forwarding.Workers)
	assert.Equal(t, 200*time.Millisecond, cfg.Transfer.ProgressInterval)

	// name and port come from flags
	assert.Error(t, cfg.Validate())
	cfg.Server.Name = "server1"
	cfg.Server.Port = 50001
	assert.NoError(t, cfg.Validate())

	cfg.Server.ReplicationFactor = 0
	assert.ErrorContains(t, cfg.Validate(), "replication_factor must be at least 1")
}

func TestLoadNodeConfig_FromFile(t *testing.T) {
	path := writeFile(t, "storage.yaml", `
server:
  name: server7
  port: 50007
storage:
  engine: badger
  data_dir: /data/server7
forwarding:
  workers: 8
  timeout: 500ms
transfer:
  progress_interval: 1s
`)
	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "server7", cfg.Server.Name)
	assert.Equal(t, EngineBadger, cfg.Storage.Engine)
	assert.Equal(t, "/data/server7", cfg.Storage.DataDir)
	assert.Equal(t, 8, cfg.Forwarding.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Forwarding.Timeout)
	assert.Equal(t, time.Second, cfg.Transfer.ProgressInterval)
	assert.Equal(t, 1024, cfg.Forwarding.QueueSize)
}

func TestLoadNodeConfig_Errors(t *testing.T) {
	_, err := LoadNodeConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	path := writeFile(t, "broken.yaml", "server: [unterminated")
	_, err = LoadNodeConfig(path)
	assert.ErrorContains(t, err, "failed to parse config file")

	path = writeFile(t, "engine.yaml", "server: {name: s, port: 1}\nstorage: {engine: rocksdb}\n")
	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "storage.engine")
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoggingConfig
		wantErr string
	}{
		{name: "defaults", cfg: LoggingConfig{}},
		{name: "console debug", cfg: LoggingConfig{Level: "debug", Format: "console"}},
		{name: "bad level", cfg: LoggingConfig{Level: "loud"}, wantErr: "invalid log level"},
		{name: "bad format", cfg: LoggingConfig{Format: "xml"}, wantErr: "unknown log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := tt.cfg.NewLogger()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}
