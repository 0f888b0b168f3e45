package config

import (
	"strings"
	"time"
)

// GetDefaultConfig returns a configuration with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with their defaults. Zero values are
// replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyDocumentDefaults(&cfg.Document)
	applySnapshotDefaults(&cfg.Snapshot)
	applyRegistryDefaults(&cfg.Registry)
	applyStoreDefaults(&cfg.Store)
	applyAuthDefaults(&cfg.Auth)
	applyClusterDefaults(&cfg.Cluster)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/mimic"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = 256
	}
}

func applyDocumentDefaults(cfg *DocumentConfig) {
	if cfg.MaxTransactionHistory == 0 {
		cfg.MaxTransactionHistory = 1000
	}
	if cfg.SubscriberQueueSize == 0 {
		cfg.SubscriberQueueSize = 256
	}
	if cfg.StorageTimeout == 0 {
		cfg.StorageTimeout = 10 * time.Second
	}
}

func applySnapshotDefaults(cfg *SnapshotConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.TransactionThreshold == 0 {
		cfg.TransactionThreshold = 100
	}
}

func applyRegistryDefaults(cfg *RegistryConfig) {
	if cfg.MaxIdleTime == 0 {
		cfg.MaxIdleTime = 5 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Hot.Driver == "" {
		cfg.Hot.Driver = "memory"
	}
	if cfg.Cold.Driver == "" {
		cfg.Cold.Driver = "memory"
	}
	if cfg.Cold.S3.KeyPrefix == "" {
		cfg.Cold.S3.KeyPrefix = "mimic/snapshots"
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.Provider == "" {
		cfg.Provider = "static"
	}
	for token, id := range cfg.Tokens {
		if id.Permission == "" {
			id.Permission = "read"
			cfg.Tokens[token] = id
		}
	}
}

func applyClusterDefaults(cfg *ClusterConfig) {
	if cfg.ShardGroup == "" {
		cfg.ShardGroup = "mimic-documents"
	}
	if cfg.VirtualNodes == 0 {
		cfg.VirtualNodes = 128
	}
	if cfg.MailboxSize == 0 {
		cfg.MailboxSize = 4096
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
}
