package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	Instances   InstancesConfig   `mapstructure:"instances"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Standby     StandbyConfig     `mapstructure:"standby"`
	Serverless  ServerlessConfig  `mapstructure:"serverless"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Usage       UsageConfig       `mapstructure:"usage"`
	SSH         SSHConfig         `mapstructure:"ssh"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	DemoMode    bool     `mapstructure:"demo_mode"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path      string `mapstructure:"path"`
	UsersFile string `mapstructure:"users_file"` // file-backed user/settings store
}

// ProvidersConfig holds configuration for GPU and CPU providers
type ProvidersConfig struct {
	VastAI VastAIConfig `mapstructure:"vastai"`
	GCloud GCloudConfig `mapstructure:"gcloud"`
}

// VastAIConfig holds spot GPU marketplace configuration
type VastAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Enabled bool   `mapstructure:"enabled"`
}

// GCloudConfig holds stable-cloud CPU VM configuration
type GCloudConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"` // service-account JSON
	Project         string `mapstructure:"project"`
	DefaultZone     string `mapstructure:"default_zone"`
	MachineType     string `mapstructure:"machine_type"`
	DiskGB          int    `mapstructure:"disk_gb"`
	ImageFamily     string `mapstructure:"image_family"`
	Spot            bool   `mapstructure:"spot"`
	Enabled         bool   `mapstructure:"enabled"`
}

// InstancesConfig holds instance provisioning defaults
type InstancesConfig struct {
	DefaultImage     string        `mapstructure:"default_image"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
	SSHPublicKey     string        `mapstructure:"ssh_public_key"`
}

// ObjectStoreConfig holds S3-compatible object store credentials for
// snapshots and checkpoint mirrors
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Password  string `mapstructure:"password"` // backup repository encryption password
}

// StandbyConfig holds standby manager configuration
type StandbyConfig struct {
	AutoStandby         bool          `mapstructure:"auto_standby"`
	AutoFailover        bool          `mapstructure:"auto_failover"`
	AutoRecovery        bool          `mapstructure:"auto_recovery"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	FailoverThreshold   int           `mapstructure:"failover_threshold"`
	RecoveryMaxAttempts int           `mapstructure:"recovery_max_attempts"`
	RecoveryMinVRAM     int           `mapstructure:"recovery_min_vram"`
	RecoveryMaxPrice    float64       `mapstructure:"recovery_max_price"`
	PreferredRegions    []string      `mapstructure:"preferred_regions"`
	WorkspacePath       string        `mapstructure:"workspace_path"`
	RelayDir            string        `mapstructure:"relay_dir"`
}

// ServerlessConfig holds serverless scheduler configuration
type ServerlessConfig struct {
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	MinRuntime       time.Duration `mapstructure:"min_runtime"`
	SSHVerifyTimeout time.Duration `mapstructure:"ssh_verify_timeout"`
	IdleRateFraction float64       `mapstructure:"idle_rate_fraction"` // paused cost as a fraction of the running rate
	FallbackMaxPrice float64       `mapstructure:"fallback_max_price"`
}

// SyncConfig holds workspace sync configuration
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	BandwidthLimit int64         `mapstructure:"bandwidth_limit"` // bytes/sec, 0 = unlimited
	MinFreeGB      float64       `mapstructure:"min_free_gb"`     // standby free-space floor per round
}

// UsageConfig holds usage ledger configuration
type UsageConfig struct {
	AccrualInterval time.Duration `mapstructure:"accrual_interval"`
}

// SSHConfig holds SSH verification configuration
type SSHConfig struct {
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	User          string        `mapstructure:"user"`
	PrivateKey    string        `mapstructure:"private_key"` // PEM, or path via PRIVATE_KEY_FILE
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.demo_mode", false)

	// Database defaults
	v.SetDefault("database.path", "./data/fleet.db")
	v.SetDefault("database.users_file", "./data/users.json")

	// Provider defaults
	v.SetDefault("providers.vastai.enabled", true)
	v.SetDefault("providers.gcloud.enabled", true)
	v.SetDefault("providers.gcloud.default_zone", "us-central1-a")
	v.SetDefault("providers.gcloud.machine_type", "e2-small")
	v.SetDefault("providers.gcloud.disk_gb", 50)
	v.SetDefault("providers.gcloud.image_family", "debian-12")
	v.SetDefault("providers.gcloud.spot", false)

	// Standby defaults
	v.SetDefault("standby.auto_standby", true)
	v.SetDefault("standby.auto_failover", true)
	v.SetDefault("standby.auto_recovery", true)
	v.SetDefault("standby.health_check_interval", 10*time.Second)
	v.SetDefault("standby.failover_threshold", 3)
	v.SetDefault("standby.recovery_max_attempts", 10)
	v.SetDefault("standby.recovery_min_vram", 8)
	v.SetDefault("standby.recovery_max_price", 2.0)
	v.SetDefault("standby.workspace_path", "/workspace")
	v.SetDefault("standby.relay_dir", "./data/relay")

	// Serverless defaults
	v.SetDefault("serverless.check_interval", time.Second)
	v.SetDefault("serverless.min_runtime", 60*time.Second)
	v.SetDefault("serverless.ssh_verify_timeout", 5*time.Minute)
	v.SetDefault("serverless.idle_rate_fraction", 0.02)
	v.SetDefault("serverless.fallback_max_price", 2.0)

	// Instance defaults
	v.SetDefault("instances.default_image", "pytorch/pytorch:latest")
	v.SetDefault("instances.provision_timeout", 5*time.Minute)

	// Sync defaults
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.bandwidth_limit", 0)
	v.SetDefault("sync.min_free_gb", 5.0)

	// Usage defaults
	v.SetDefault("usage.accrual_interval", time.Minute)

	// SSH verification defaults
	v.SetDefault("ssh.verify_timeout", 5*time.Minute)
	v.SetDefault("ssh.check_interval", 15*time.Second)
	v.SetDefault("ssh.user", "root")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Provider credentials from environment
	bindEnv("providers.vastai.api_key", "VASTAI_API_KEY")
	bindEnv("providers.gcloud.credentials_file", "GCP_CREDENTIALS_FILE")
	bindEnv("providers.gcloud.project", "GCP_PROJECT")
	bindEnv("providers.gcloud.default_zone", "GCP_DEFAULT_ZONE")

	// Object store credentials
	bindEnv("object_store.endpoint", "S3_ENDPOINT")
	bindEnv("object_store.bucket", "S3_BUCKET")
	bindEnv("object_store.access_key", "S3_ACCESS_KEY")
	bindEnv("object_store.secret_key", "S3_SECRET_KEY")
	bindEnv("object_store.password", "BACKUP_PASSWORD")

	// Database path
	bindEnv("database.path", "DATABASE_PATH")
	bindEnv("database.users_file", "USERS_FILE")

	// Server config
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")
	bindEnv("server.demo_mode", "DEMO_MODE")

	// Sync
	bindEnv("sync.interval", "SYNC_INTERVAL")

	// Instances
	bindEnv("instances.default_image", "DEFAULT_IMAGE")
	bindEnv("instances.ssh_public_key", "SSH_PUBLIC_KEY")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Providers.VastAI.Enabled && !c.Providers.GCloud.Enabled {
		return fmt.Errorf("at least one provider must be enabled")
	}

	if c.Providers.VastAI.Enabled && c.Providers.VastAI.APIKey == "" && !c.Server.DemoMode {
		return fmt.Errorf("VASTAI_API_KEY is required when Vast.ai is enabled")
	}

	if c.Standby.AutoStandby && c.Providers.GCloud.Enabled {
		if c.Providers.GCloud.CredentialsFile == "" && !c.Server.DemoMode {
			return fmt.Errorf("GCP_CREDENTIALS_FILE is required for auto-standby")
		}
		if c.Providers.GCloud.Project == "" && !c.Server.DemoMode {
			return fmt.Errorf("GCP_PROJECT is required for auto-standby")
		}
	}

	if c.Sync.Interval < 2*time.Second || c.Sync.Interval > time.Hour {
		return fmt.Errorf("sync.interval must be between 2s and 1h, got %s", c.Sync.Interval)
	}

	if c.Standby.FailoverThreshold < 1 {
		return fmt.Errorf("standby.failover_threshold must be at least 1")
	}

	return nil
}
