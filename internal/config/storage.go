package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig represents the complete configuration of a storage node
type NodeConfig struct {
	Server     NodeServerConfig `yaml:"server"`
	ZooKeeper  ZooKeeperConfig  `yaml:"zookeeper"`
	Storage    StorageConfig    `yaml:"storage"`
	Forwarding ForwardingConfig `yaml:"forwarding"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// NodeServerConfig identifies the node and its KV endpoint
type NodeServerConfig struct {
	Name              string        `yaml:"name"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReplicationFactor int           `yaml:"replication_factor"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the storage engine
type StorageConfig struct {
	Engine  string `yaml:"engine"`
	DataDir string `yaml:"data_dir"`
}

// ForwardingConfig sizes replica forwarding
type ForwardingConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TransferConfig tunes range transfers
type TransferConfig struct {
	ProgressInterval time.Duration `yaml:"progress_interval"`
	AcceptTimeout    time.Duration `yaml:"accept_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
}

// Storage engines
const (
	EngineMemory = "memory"
	EngineBadger = "badger"
)

// LoadNodeConfig reads filePath when given; an empty path yields the defaults.
// Flags are applied by the caller, so the result is not validated here.
func LoadNodeConfig(filePath string) (*NodeConfig, error) {
	var cfg NodeConfig
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	setNodeDefaults(&cfg)
	return &cfg, nil
}

// setNodeDefaults sets default values for unspecified configuration
func setNodeDefaults(cfg *NodeConfig) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.ReplicationFactor == 0 {
		cfg.Server.ReplicationFactor = 2
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if len(cfg.ZooKeeper.Servers) == 0 {
		cfg.ZooKeeper.Servers = []string{"127.0.0.1:2181"}
	}
	if cfg.ZooKeeper.SessionTimeout == 0 {
		cfg.ZooKeeper.SessionTimeout = 10 * time.Second
	}

	if cfg.Storage.Engine == "" {
		cfg.Storage.Engine = EngineMemory
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/ringkv"
	}

	if cfg.Forwarding.Workers == 0 {
		cfg.Forwarding.Workers = 4
	}
	if cfg.Forwarding.QueueSize == 0 {
		cfg.Forwarding.QueueSize = 1024
	}
	if cfg.Forwarding.Timeout == 0 {
		cfg.Forwarding.Timeout = 2 * time.Second
	}

	if cfg.Transfer.ProgressInterval == 0 {
		cfg.Transfer.ProgressInterval = 200 * time.Millisecond
	}
	if cfg.Transfer.AcceptTimeout == 0 {
		cfg.Transfer.AcceptTimeout = 30 * time.Second
	}
	if cfg.Transfer.DialTimeout == 0 {
		cfg.Transfer.DialTimeout = 5 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *NodeConfig) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.ReplicationFactor < 1 {
		return fmt.Errorf("server.replication_factor must be at least 1")
	}
	switch c.Storage.Engine {
	case EngineMemory, EngineBadger:
	default:
		return fmt.Errorf("storage.engine must be one of: memory, badger (got %q)", c.Storage.Engine)
	}
	if c.Forwarding.Workers < 1 {
		return fmt.Errorf("forwarding.workers must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
