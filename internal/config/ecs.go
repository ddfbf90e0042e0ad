// Package config loads the settings of the coordinator and the storage node.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the coordinator (ECS) configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	ZooKeeper   ZooKeeperConfig   `mapstructure:"zookeeper"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Restore     RestoreConfig     `mapstructure:"restore"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents the admin HTTP server
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// ZooKeeperConfig represents the coordination ensemble
type ZooKeeperConfig struct {
	Servers        []string      `mapstructure:"servers" yaml:"servers"`
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// ClusterConfig represents fleet and orchestration settings
type ClusterConfig struct {
	FleetFile           string        `mapstructure:"fleet_file"`
	ReplicationFactor   int           `mapstructure:"replication_factor"`
	MulticastTimeout    time.Duration `mapstructure:"multicast_timeout"`
	AwaitTimeout        time.Duration `mapstructure:"await_timeout"`
	TransferIdleTimeout time.Duration `mapstructure:"transfer_idle_timeout"`
	TransferMaxTimeout  time.Duration `mapstructure:"transfer_max_timeout"`
	LaunchMode          string        `mapstructure:"launch_mode"`
	NodeBinary          string        `mapstructure:"node_binary"`
	SSHUser             string        `mapstructure:"ssh_user"`
	// AdvertiseHost replaces loopback hosts of fleet entries when set
	AdvertiseHost string `mapstructure:"advertise_host"`
	// DataDir is where in-process nodes keep badger data; empty means memory
	DataDir string `mapstructure:"data_dir"`
}

// RestoreConfig selects where the restore list survives coordinator restarts
type RestoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// DatabaseConfig represents the PostgreSQL restore store
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig represents the Redis idempotency store
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// IdempotencyConfig selects the Idempotency-Key backend
type IdempotencyConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RateLimiterConfig throttles the admin API
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Launch modes
const (
	LaunchModeSSH   = "ssh"
	LaunchModeLocal = "local"
)

// Backends
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Load reads configPath (optional), applies environment overrides and
// validates the result
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix("ECS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvironmentOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("zookeeper.servers", []string{"127.0.0.1:2181"})
	v.SetDefault("zookeeper.session_timeout", "10s")
	v.SetDefault("zookeeper.connect_timeout", "15s")

	v.SetDefault("cluster.fleet_file", "ecs.config")
	v.SetDefault("cluster.replication_factor", 2)
	v.SetDefault("cluster.multicast_timeout", "2s")
	v.SetDefault("cluster.await_timeout", "30s")
	v.SetDefault("cluster.transfer_idle_timeout", "5s")
	v.SetDefault("cluster.transfer_max_timeout", "2h")
	v.SetDefault("cluster.launch_mode", LaunchModeSSH)
	v.SetDefault("cluster.node_binary", "ringkv-storage")
	v.SetDefault("cluster.ssh_user", "")
	v.SetDefault("cluster.advertise_host", "")
	v.SetDefault("cluster.data_dir", "")

	v.SetDefault("restore.backend", BackendFile)
	v.SetDefault("restore.path", "restore.json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "ringkv")
	v.SetDefault("database.user", "ringkv")
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.min_connections", 1)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("idempotency.backend", BackendMemory)
	v.SetDefault("idempotency.ttl", "24h")

	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 50.0)
	v.SetDefault("rate_limiter.burst_size", 20)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyEnvironmentOverrides applies the unprefixed variables used by
// deployment scripts; these take precedence over the file
func applyEnvironmentOverrides(cfg *Config) {
	if servers := os.Getenv("ZK_SERVERS"); servers != "" {
		cfg.ZooKeeper.Servers = splitList(servers)
	}
	if fleet := os.Getenv("ECS_CONFIG_FILE"); fleet != "" {
		cfg.Cluster.FleetFile = fleet
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = p
		}
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Database.Password = dbPassword
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.ZooKeeper.Servers) == 0 {
		return errors.New("zookeeper.servers is required")
	}
	if c.Cluster.FleetFile == "" {
		return errors.New("cluster.fleet_file is required")
	}
	if c.Cluster.ReplicationFactor < 1 {
		return errors.New("cluster.replication_factor must be at least 1")
	}
	switch c.Cluster.LaunchMode {
	case LaunchModeSSH:
		if c.Cluster.NodeBinary == "" {
			return errors.New("cluster.node_binary is required for ssh launch mode")
		}
	case LaunchModeLocal:
	default:
		return fmt.Errorf("cluster.launch_mode must be one of: ssh, local (got %q)", c.Cluster.LaunchMode)
	}

	switch c.Restore.Backend {
	case BackendFile:
		if c.Restore.Path == "" {
			return errors.New("restore.path is required for the file backend")
		}
	case BackendPostgres:
		if c.Database.Host == "" || c.Database.Database == "" || c.Database.User == "" {
			return errors.New("database.host, database.database and database.user are required for the postgres backend")
		}
	default:
		return fmt.Errorf("restore.backend must be one of: file, postgres (got %q)", c.Restore.Backend)
	}

	switch c.Idempotency.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Host == "" {
			return errors.New("redis.host is required for the redis backend")
		}
	default:
		return fmt.Errorf("idempotency.backend must be one of: memory, redis (got %q)", c.Idempotency.Backend)
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return errors.New("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return errors.New("rate limiter burst size must be positive")
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
