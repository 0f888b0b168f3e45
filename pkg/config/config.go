// Package config loads the Mimic server configuration.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (MIMIC_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Example: MIMIC_LOGGING_LEVEL=DEBUG overrides logging.level.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full static configuration of a Mimic server.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the HTTP listener and the WebSocket protocol
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Document tunes the per-document runtime
	Document DocumentConfig `mapstructure:"document" yaml:"document"`

	// Snapshot tunes the snapshot scheduler
	Snapshot SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`

	// Registry tunes document lifecycle (idle eviction)
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`

	// Store selects and configures the storage drivers
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Auth selects and configures the authentication provider
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Metrics configures Prometheus metrics collection
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Cluster configures the sharded deployment; disabled by default
	Cluster ClusterConfig `mapstructure:"cluster" yaml:"cluster"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP listener and the WebSocket protocol.
type ServerConfig struct {
	// Listen is the address the HTTP server binds to.
	// Default: ":8080"
	Listen string `mapstructure:"listen" validate:"required" yaml:"listen"`

	// BasePath prefixes the document route.
	// Default: "/mimic"
	BasePath string `mapstructure:"base_path" validate:"required,startswith=/" yaml:"base_path"`

	// Presence enables the presence message set.
	// Default: false (opt-in, zero value)
	Presence bool `mapstructure:"presence" yaml:"presence"`

	// HeartbeatInterval is the server ping cadence.
	// Default: 30s
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0" yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long to wait for a pong before declaring the
	// connection dead.
	// Default: 10s
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" validate:"gt=0" yaml:"heartbeat_timeout"`

	// SendQueueSize bounds the per-connection outbound queue.
	// Default: 256
	SendQueueSize int `mapstructure:"send_queue_size" validate:"gt=0" yaml:"send_queue_size"`
}

// DocumentConfig tunes the per-document runtime.
type DocumentConfig struct {
	// MaxTransactionHistory bounds the duplicate-detection window.
	// Default: 1000
	MaxTransactionHistory int `mapstructure:"max_transaction_history" validate:"gt=0" yaml:"max_transaction_history"`

	// SubscriberQueueSize bounds each broadcast subscriber's queue.
	// Default: 256
	SubscriberQueueSize int `mapstructure:"subscriber_queue_size" validate:"gt=0" yaml:"subscriber_queue_size"`

	// StorageTimeout caps each storage call on the submit path.
	// Default: 10s
	StorageTimeout time.Duration `mapstructure:"storage_timeout" validate:"gt=0" yaml:"storage_timeout"`
}

// SnapshotConfig tunes the snapshot scheduler.
type SnapshotConfig struct {
	// Interval is the time-based snapshot trigger.
	// Default: 5m
	Interval time.Duration `mapstructure:"interval" validate:"gt=0" yaml:"interval"`

	// TransactionThreshold is the count-based snapshot trigger.
	// Default: 100
	TransactionThreshold int `mapstructure:"transaction_threshold" validate:"gt=0" yaml:"transaction_threshold"`
}

// RegistryConfig tunes document lifecycle.
type RegistryConfig struct {
	// MaxIdleTime is how long a document with no subscribers may sit idle
	// before eviction.
	// Default: 5m
	MaxIdleTime time.Duration `mapstructure:"max_idle_time" validate:"gt=0" yaml:"max_idle_time"`

	// SweepInterval is how often the eviction loop runs.
	// Default: 1m
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0" yaml:"sweep_interval"`
}

// StoreConfig selects and configures the storage drivers.
type StoreConfig struct {
	// Hot configures the write-ahead log store
	Hot HotStoreConfig `mapstructure:"hot" yaml:"hot"`

	// Cold configures the snapshot store
	Cold ColdStoreConfig `mapstructure:"cold" yaml:"cold"`
}

// HotStoreConfig configures the write-ahead log store.
type HotStoreConfig struct {
	// Driver selects the implementation.
	// Valid values: memory, badger
	Driver string `mapstructure:"driver" validate:"required,oneof=memory badger" yaml:"driver"`

	// Path is the badger database directory (badger driver only)
	Path string `mapstructure:"path" validate:"required_if=Driver badger" yaml:"path,omitempty"`
}

// ColdStoreConfig configures the snapshot store.
type ColdStoreConfig struct {
	// Driver selects the implementation.
	// Valid values: memory, badger, s3
	Driver string `mapstructure:"driver" validate:"required,oneof=memory badger s3" yaml:"driver"`

	// Path is the badger database directory (badger driver only)
	Path string `mapstructure:"path" validate:"required_if=Driver badger" yaml:"path,omitempty"`

	// S3 configures the s3 driver
	S3 S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

// S3Config configures the S3 cold storage driver.
type S3Config struct {
	// Bucket is the snapshot bucket name (required for the s3 driver)
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// KeyPrefix prefixes every snapshot object key.
	// Default: "mimic/snapshots"
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// Region is the AWS region
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint (MinIO and friends)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// ForcePathStyle enables path-style addressing, required by most
	// S3-compatible servers
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`

	// AccessKeyID and SecretAccessKey override the ambient credential chain
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
}

// AuthConfig selects and configures the authentication provider.
type AuthConfig struct {
	// Provider selects the implementation.
	// Valid values: static, jwt
	Provider string `mapstructure:"provider" validate:"required,oneof=static jwt" yaml:"provider"`

	// Tokens maps opaque tokens to identities (static provider only)
	Tokens map[string]TokenIdentity `mapstructure:"tokens" yaml:"tokens,omitempty"`

	// JWT configures the jwt provider
	JWT JWTConfig `mapstructure:"jwt" yaml:"jwt,omitempty"`
}

// TokenIdentity is one static token's identity.
type TokenIdentity struct {
	// UserID identifies the token's user
	UserID string `mapstructure:"user_id" yaml:"user_id"`

	// Permission is "read" or "write"
	Permission string `mapstructure:"permission" validate:"omitempty,oneof=read write" yaml:"permission"`
}

// JWTConfig configures the JWT authentication provider.
type JWTConfig struct {
	// Secret is the HMAC signing secret.
	// Override: MIMIC_AUTH_JWT_SECRET
	Secret string `mapstructure:"secret" yaml:"secret,omitempty"`
}

// MetricsConfig configures Prometheus metrics collection.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled.
	// Default: false (opt-in, zero value)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ClusterConfig configures the sharded deployment.
type ClusterConfig struct {
	// Enabled turns on sharded mode. With sharding enabled the hot store
	// uses optimistic version checks on every append.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ShardGroup names the logical document partition.
	// Default: "mimic-documents"
	ShardGroup string `mapstructure:"shard_group" yaml:"shard_group"`

	// Self identifies this node
	Self PeerConfig `mapstructure:"self" yaml:"self"`

	// Peers lists the other cluster members
	Peers []PeerConfig `mapstructure:"peers" yaml:"peers,omitempty"`

	// VirtualNodes is the per-node point count on the hash ring.
	// Default: 128
	VirtualNodes int `mapstructure:"virtual_nodes" yaml:"virtual_nodes"`

	// MailboxSize bounds the per-document local broadcast queues.
	// Default: 4096
	MailboxSize int `mapstructure:"mailbox_size" yaml:"mailbox_size"`

	// RequestTimeout caps each forwarded RPC.
	// Default: 10s
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// PeerConfig identifies one cluster member.
type PeerConfig struct {
	// ID is the member's stable identifier
	ID string `mapstructure:"id" yaml:"id"`

	// Addr is the member's HTTP base URL, e.g. "http://10.0.0.5:8080"
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath loads pure defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	// A missing config file is fine: the registered defaults plus MIMIC_*
	// overrides still apply.
	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Store.Cold.Driver == "s3" && cfg.Store.Cold.S3.Bucket == "" {
		return fmt.Errorf("store.cold.s3.bucket is required with the s3 driver")
	}
	if cfg.Auth.Provider == "jwt" && cfg.Auth.JWT.Secret == "" {
		return fmt.Errorf("auth.jwt.secret is required with the jwt provider")
	}
	if cfg.Cluster.Enabled {
		if cfg.Cluster.Self.ID == "" || cfg.Cluster.Self.Addr == "" {
			return fmt.Errorf("cluster.self.id and cluster.self.addr are required with clustering enabled")
		}
		for i, p := range cfg.Cluster.Peers {
			if p.ID == "" || p.Addr == "" {
				return fmt.Errorf("cluster.peers[%d] requires both id and addr", i)
			}
		}
	}
	return nil
}

// SaveConfig writes the configuration as YAML. Restricted permissions, the
// file may hold credentials.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Mimic server configuration.\n# Every value can be overridden with a MIMIC_* environment variable,\n# e.g. MIMIC_LOGGING_LEVEL=DEBUG.\n\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("MIMIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("mimic")
		v.SetConfigType("yaml")
	}
}

// setDefaults registers every known key with viper. AutomaticEnv only
// resolves keys viper has seen, so without this an environment override
// for a key absent from the config file (or with no file at all) would
// never reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/mimic")
	v.SetDefault("server.presence", false)
	v.SetDefault("server.heartbeat_interval", "30s")
	v.SetDefault("server.heartbeat_timeout", "10s")
	v.SetDefault("server.send_queue_size", 256)

	v.SetDefault("document.max_transaction_history", 1000)
	v.SetDefault("document.subscriber_queue_size", 256)
	v.SetDefault("document.storage_timeout", "10s")

	v.SetDefault("snapshot.interval", "5m")
	v.SetDefault("snapshot.transaction_threshold", 100)

	v.SetDefault("registry.max_idle_time", "5m")
	v.SetDefault("registry.sweep_interval", "1m")

	v.SetDefault("store.hot.driver", "memory")
	v.SetDefault("store.hot.path", "")
	v.SetDefault("store.cold.driver", "memory")
	v.SetDefault("store.cold.path", "")
	v.SetDefault("store.cold.s3.bucket", "")
	v.SetDefault("store.cold.s3.key_prefix", "mimic/snapshots")
	v.SetDefault("store.cold.s3.region", "")
	v.SetDefault("store.cold.s3.endpoint", "")
	v.SetDefault("store.cold.s3.force_path_style", false)
	v.SetDefault("store.cold.s3.access_key_id", "")
	v.SetDefault("store.cold.s3.secret_access_key", "")

	v.SetDefault("auth.provider", "static")
	v.SetDefault("auth.jwt.secret", "")

	v.SetDefault("metrics.enabled", false)

	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.shard_group", "mimic-documents")
	v.SetDefault("cluster.virtual_nodes", 128)
	v.SetDefault("cluster.mailbox_size", 4096)
	v.SetDefault("cluster.request_timeout", "10s")

	v.SetDefault("shutdown_timeout", "30s")
}

// configDecodeHooks parses durations ("5m", "30s") and comma-separated
// lists from both the config file and environment variables.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}
