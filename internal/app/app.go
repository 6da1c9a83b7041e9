// Package app builds the artifact store and its dependencies from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/artifact-store/internal/auth"
	"github.com/prn-tf/artifact-store/internal/config"
	"github.com/prn-tf/artifact-store/internal/metrics"
	"github.com/prn-tf/artifact-store/internal/repository"
	"github.com/prn-tf/artifact-store/internal/repository/memory"
	"github.com/prn-tf/artifact-store/internal/repository/postgres"
	"github.com/prn-tf/artifact-store/internal/repository/redis"
	"github.com/prn-tf/artifact-store/internal/repository/sqlite"
	"github.com/prn-tf/artifact-store/internal/service"
	"github.com/prn-tf/artifact-store/internal/storage"
	"github.com/prn-tf/artifact-store/internal/storage/filesystem"
	"github.com/prn-tf/artifact-store/internal/storage/s3"
)

// ErrSchemaOutdated indicates the postgres schema is behind the binary.
var ErrSchemaOutdated = errors.New("database schema is outdated, run artifact-migrate up")

// =============================================================================
// Persistence
// =============================================================================

// NewPersistence creates the blob backend selected by storage.backend.
func NewPersistence(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (storage.Persistence, error) {
	dirs := cfg.Storage.Dirs()

	switch cfg.Storage.Backend {
	case config.BackendFilesystem:
		return filesystem.New(dirs, logger)

	case config.BackendS3:
		s3Cfg := s3.Config{
			Bucket:          cfg.Storage.S3.Bucket,
			Prefix:          cfg.Storage.S3.Prefix,
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			UsePathStyle:    cfg.Storage.S3.UsePathStyle,
			MaxAttempts:     cfg.Storage.S3.MaxAttempts,
		}
		client, err := s3.NewClient(ctx, s3Cfg)
		if err != nil {
			return nil, err
		}
		return s3.New(client, s3Cfg, dirs, m, logger)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// =============================================================================
// Coordination
// =============================================================================

// NewRefCounter creates the reference counter selected by coordination.driver.
// The returned counter owns its connection.
func NewRefCounter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository.RefCounter, error) {
	switch cfg.Coordination.Driver {
	case config.DriverMemory:
		return memory.NewRefCounter(), nil

	case config.DriverSQLite:
		db, err := openSQLite(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return sqlite.NewRefCounter(db), nil

	case config.DriverPostgres:
		db, err := openPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return postgres.NewRefCounter(db), nil

	case config.DriverRedis:
		client, err := redis.NewClient(ctx, redisConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		return redis.NewRefCounter(client, logger), nil

	default:
		return nil, fmt.Errorf("unknown coordination driver %q", cfg.Coordination.Driver)
	}
}

// NewUploadURLStore creates the upload URL store selected by coordination.driver.
// The returned store owns its connection.
func NewUploadURLStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository.UploadURLStore, error) {
	switch cfg.Coordination.Driver {
	case config.DriverMemory:
		return memory.NewUploadURLStore(memory.DefaultCleanupInterval), nil

	case config.DriverSQLite:
		db, err := openSQLite(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return sqlite.NewUploadURLStore(db), nil

	case config.DriverPostgres:
		db, err := openPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return postgres.NewUploadURLStore(db), nil

	case config.DriverRedis:
		client, err := redis.NewClient(ctx, redisConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		return redis.NewUploadURLStore(client, logger), nil

	default:
		return nil, fmt.Errorf("unknown coordination driver %q", cfg.Coordination.Driver)
	}
}

// openSQLite opens the database file and applies pending migrations.
// A SQLite file belongs to a single instance, so migrating on open is safe.
func openSQLite(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sqlite.DB, error) {
	sqlCfg := sqlite.DefaultConfig(cfg.Database.Path)
	if cfg.Database.JournalMode != "" {
		sqlCfg.JournalMode = cfg.Database.JournalMode
	}
	if cfg.Database.BusyTimeout > 0 {
		sqlCfg.BusyTimeout = cfg.Database.BusyTimeout
	}
	if cfg.Database.SynchronousMode != "" {
		sqlCfg.SynchronousMode = cfg.Database.SynchronousMode
	}

	db, err := sqlite.NewDB(ctx, sqlCfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// openPostgres connects and checks that the schema is current. Migrations
// are applied by artifact-migrate so that instances never race on them.
func openPostgres(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*postgres.DB, error) {
	db, err := postgres.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	current, err := db.Version(ctx)
	if err == nil {
		var latest int
		latest, err = postgres.LatestVersion()
		if err == nil && current < latest {
			err = fmt.Errorf("%w: at version %d, want %d", ErrSchemaOutdated, current, latest)
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func redisConfig(cfg *config.Config) redis.Config {
	return redis.Config{
		Addr:        cfg.Redis.Addr(),
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
		MaxRetries:  cfg.Redis.MaxRetries,
	}
}

// =============================================================================
// Artifact Store
// =============================================================================

// NewArtifactStore builds persistence, the upload endpoints and the ref
// counter, in that order, and hands them to a new ArtifactStore. On failure
// the components built so far are closed.
func NewArtifactStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*service.ArtifactStore, error) {
	issuer, err := auth.NewTokenIssuer(cfg.Upload.Secret, cfg.Upload.TokenTTL)
	if err != nil {
		return nil, err
	}

	persistence, err := NewPersistence(ctx, cfg, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create persistence: %w", err)
	}

	urls, err := NewUploadURLStore(ctx, cfg, logger)
	if err != nil {
		_ = persistence.Close()
		return nil, fmt.Errorf("failed to create upload URL store: %w", err)
	}
	uploads := service.NewUploadEndpoints(issuer, urls, m, logger)

	refCounter, err := NewRefCounter(ctx, cfg, logger)
	if err != nil {
		_ = uploads.Close()
		_ = persistence.Close()
		return nil, fmt.Errorf("failed to create ref counter: %w", err)
	}

	logger.Info().
		Str("backend", cfg.Storage.Backend).
		Str("coordination", cfg.Coordination.Driver).
		Stringer("dirs", persistence.Dirs()).
		Msg("Artifact store ready")

	return service.NewArtifactStore(persistence, uploads, refCounter, m, logger), nil
}

// AuthConfig converts the admin credentials into the middleware configuration.
func AuthConfig(cfg config.AuthConfig) auth.Config {
	authCfg := auth.DefaultConfig()
	authCfg.Username = cfg.AdminUsername
	authCfg.PasswordHash = cfg.AdminPasswordHash
	return authCfg
}
