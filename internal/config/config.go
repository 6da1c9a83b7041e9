// Package config provides configuration management for the artifact store.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/prn-tf/artifact-store/internal/domain"
)

// Storage backends.
const (
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
)

// Coordination drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config represents the complete application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Upload       UploadConfig       `mapstructure:"upload"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	GC           GCConfig           `mapstructure:"gc"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
}

// Addr returns the listen address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds blob persistence settings.
type StorageConfig struct {
	// Backend is "filesystem" (single instance) or "s3" (multi instance).
	Backend string `mapstructure:"backend"`

	// DataDir is the base of the default local layout.
	DataDir string `mapstructure:"data_dir"`

	// CacheDir, TempDir and ArtifactsDir override the directories derived from DataDir.
	CacheDir     string `mapstructure:"cache_dir"`
	TempDir      string `mapstructure:"temp_dir"`
	ArtifactsDir string `mapstructure:"artifacts_dir"`

	S3 S3StorageConfig `mapstructure:"s3"`
}

// Dirs returns the local directories, applying the per-directory overrides.
func (c StorageConfig) Dirs() domain.Dirs {
	dirs := domain.NewDirs(c.DataDir)
	if c.CacheDir != "" {
		dirs.Cache = filepath.Clean(c.CacheDir)
	}
	if c.TempDir != "" {
		dirs.Temp = filepath.Clean(c.TempDir)
	}
	if c.ArtifactsDir != "" {
		dirs.Artifacts = filepath.Clean(c.ArtifactsDir)
	}
	return dirs
}

// S3StorageConfig holds S3 backend settings.
type S3StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
}

// CoordinationConfig selects the store for reference counts and upload tokens.
type CoordinationConfig struct {
	// Driver is one of "memory", "sqlite", "postgres" or "redis".
	// Only "postgres" and "redis" can be shared between instances.
	Driver string `mapstructure:"driver"`
}

// IsShared returns true if the driver can coordinate several instances.
func (c CoordinationConfig) IsShared() bool {
	return c.Driver == DriverPostgres || c.Driver == DriverRedis
}

// DatabaseConfig holds SQL connection settings for the postgres and sqlite drivers.
type DatabaseConfig struct {
	// PostgreSQL settings (used when the driver is "postgres")
	URL             string        `mapstructure:"url"` // Overrides the discrete fields below
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// SQLite settings (used when the driver is "sqlite")
	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UploadConfig holds upload token settings.
type UploadConfig struct {
	// TokenTTL is how long an upload token stays redeemable.
	TokenTTL time.Duration `mapstructure:"token_ttl"`

	// Secret is the input keying material for the token signing key.
	// All instances sharing a coordination store must use the same secret.
	Secret string `mapstructure:"secret"`
}

// AuthConfig holds the admin credentials guarding upload preparation.
type AuthConfig struct {
	// AdminUsername enables basic auth on prepare-upload when set.
	AdminUsername string `mapstructure:"admin_username"`

	// AdminPasswordHash is the bcrypt hash of the admin password.
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
}

// Enabled returns true if admin credentials are configured.
func (c AuthConfig) Enabled() bool {
	return c.AdminUsername != ""
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Port is the port for the metrics HTTP server.
	Port int `mapstructure:"port"`

	// Path is the URL path for the metrics endpoint.
	Path string `mapstructure:"path"`
}

// GCConfig holds garbage collection settings.
type GCConfig struct {
	// Enabled determines if automatic garbage collection runs.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to run garbage collection.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout bounds a single run.
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with ARTIFACT_STORE_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("ARTIFACT_STORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file configuration
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/artifact-store")
	}

	// Read config file (optional - environment variables can be used instead)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7890)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_size", 1024*1024*1024) // 1GB

	// Storage defaults
	v.SetDefault("storage.backend", BackendFilesystem)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.cache_dir", "")
	v.SetDefault("storage.temp_dir", "")
	v.SetDefault("storage.artifacts_dir", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.s3.max_attempts", 3)

	// Coordination defaults
	v.SetDefault("coordination.driver", DriverMemory)

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "artifacts")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "artifacts")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	// SQLite defaults
	v.SetDefault("database.path", "./data/coordination.db")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.busy_timeout", 5000)
	v.SetDefault("database.synchronous_mode", "NORMAL")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.max_retries", 3)

	// Upload defaults
	v.SetDefault("upload.token_ttl", 5*time.Minute)
	v.SetDefault("upload.secret", "") // Must be provided

	// Auth defaults
	v.SetDefault("auth.admin_username", "")
	v.SetDefault("auth.admin_password_hash", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)
	v.SetDefault("metrics.path", "/metrics")

	// Garbage collection defaults
	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.interval", 10*time.Minute)
	v.SetDefault("gc.timeout", 5*time.Minute)
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.MaxBodySize <= 0 {
		return fmt.Errorf("server.max_body_size must be positive")
	}

	// Validate storage configuration
	switch c.Storage.Backend {
	case BackendFilesystem:
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for s3 backend")
		}
		// Several instances share the bucket, so counts and tokens must be shared too.
		if !c.Coordination.IsShared() {
			return fmt.Errorf("storage.backend 's3' requires coordination.driver 'redis' or 'postgres'")
		}
	default:
		return fmt.Errorf("storage.backend must be 'filesystem' or 's3'")
	}
	if c.Storage.DataDir == "" && (c.Storage.CacheDir == "" || c.Storage.TempDir == "" || c.Storage.ArtifactsDir == "") {
		return fmt.Errorf("storage.data_dir is required unless every directory is set explicitly")
	}

	// Validate coordination configuration
	switch c.Coordination.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			if c.Database.Host == "" {
				return fmt.Errorf("database.host is required for postgres driver")
			}
			if c.Database.User == "" {
				return fmt.Errorf("database.user is required for postgres driver")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database.database is required for postgres driver")
			}
		}
	default:
		return fmt.Errorf("coordination.driver must be one of: memory, sqlite, postgres, redis")
	}

	// Validate upload configuration
	if c.Upload.Secret == "" {
		return fmt.Errorf("upload.secret is required")
	}
	if c.Upload.TokenTTL <= 0 {
		return fmt.Errorf("upload.token_ttl must be positive")
	}

	// Validate auth configuration
	if c.Auth.AdminUsername != "" && c.Auth.AdminPasswordHash == "" {
		return fmt.Errorf("auth.admin_password_hash is required when auth.admin_username is set")
	}

	// Validate GC configuration
	if c.GC.Enabled && c.GC.Interval <= 0 {
		return fmt.Errorf("gc.interval must be positive when gc is enabled")
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
