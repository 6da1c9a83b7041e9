package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeConfig(t, "upload:\n  secret: s3cret\n")

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 7890, cfg.Server.Port)
	assert.Equal(t, BackendFilesystem, cfg.Storage.Backend)
	assert.Equal(t, DriverMemory, cfg.Coordination.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Upload.TokenTTL)
	assert.Equal(t, "s3cret", cfg.Upload.Secret)
	assert.False(t, cfg.Auth.Enabled())

	dirs := cfg.Storage.Dirs()
	assert.Equal(t, filepath.Join("data", "cache"), dirs.Cache)
	assert.Equal(t, filepath.Join("data", "tmp"), dirs.Temp)
	assert.Equal(t, filepath.Join("data", "artifacts"), dirs.Artifacts)
}

func TestLoad_EnvOverride(t *testing.T) {
	p := writeConfig(t, "upload:\n  secret: from-file\n")
	t.Setenv("ARTIFACT_STORE_UPLOAD_SECRET", "from-env")
	t.Setenv("ARTIFACT_STORE_COORDINATION_DRIVER", "redis")

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Upload.Secret)
	assert.Equal(t, DriverRedis, cfg.Coordination.Driver)
	assert.True(t, cfg.Coordination.IsShared())
}

func TestStorageConfig_DirOverrides(t *testing.T) {
	c := StorageConfig{DataDir: "/srv/data", CacheDir: "/mnt/cache/"}

	dirs := c.Dirs()
	assert.Equal(t, "/mnt/cache", dirs.Cache)
	assert.Equal(t, "/srv/data/tmp", dirs.Temp)
	assert.Equal(t, "/srv/data/artifacts", dirs.Artifacts)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:       ServerConfig{Port: 7890, MaxBodySize: 1024},
			Storage:      StorageConfig{Backend: BackendFilesystem, DataDir: "./data"},
			Coordination: CoordinationConfig{Driver: DriverMemory},
			Upload:       UploadConfig{Secret: "secret", TokenTTL: time.Minute},
			Logging:      LoggingConfig{Level: "info"},
			GC:           GCConfig{Enabled: true, Interval: time.Minute},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "s3 with memory coordination",
			mutate:  func(c *Config) { c.Storage.Backend = BackendS3; c.Storage.S3.Bucket = "b" },
			wantErr: "requires coordination.driver",
		},
		{
			name: "s3 with redis coordination",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendS3
				c.Storage.S3.Bucket = "b"
				c.Coordination.Driver = DriverRedis
			},
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Config) { c.Storage.Backend = BackendS3; c.Coordination.Driver = DriverRedis },
			wantErr: "storage.s3.bucket",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "tape" },
			wantErr: "storage.backend",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Coordination.Driver = "etcd" },
			wantErr: "coordination.driver",
		},
		{
			name:    "missing secret",
			mutate:  func(c *Config) { c.Upload.Secret = "" },
			wantErr: "upload.secret",
		},
		{
			name:    "admin user without hash",
			mutate:  func(c *Config) { c.Auth.AdminUsername = "admin" },
			wantErr: "auth.admin_password_hash",
		},
		{
			name:    "postgres without host",
			mutate:  func(c *Config) { c.Coordination.Driver = DriverPostgres },
			wantErr: "database.host",
		},
		{
			name: "postgres with url",
			mutate: func(c *Config) {
				c.Coordination.Driver = DriverPostgres
				c.Database.URL = "postgres://localhost/artifacts"
			},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", c.DSN())

	c.URL = "postgres://x"
	assert.Equal(t, "postgres://x", c.DSN())
}
