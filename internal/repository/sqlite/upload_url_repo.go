package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/artifact-store/internal/repository"
)

// uploadURLRepository implements repository.UploadURLStore for SQLite.
type uploadURLRepository struct {
	db  *DB
	now func() time.Time
}

// NewUploadURLStore creates a new SQLite upload URL store. It owns db.
func NewUploadURLStore(db *DB) repository.UploadURLStore {
	return &uploadURLRepository{db: db, now: time.Now}
}

// Put purges expired tokens and stores meta under token.
func (r *uploadURLRepository) Put(ctx context.Context, token string, meta []byte, ttl time.Duration) error {
	now := r.now()
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM artifact_upload_urls WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
			return fmt.Errorf("failed to purge expired upload tokens: %w", err)
		}

		query := `
			INSERT INTO artifact_upload_urls (token, meta, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT (token) DO UPDATE
			SET meta = excluded.meta, expires_at = excluded.expires_at
		`
		if _, err := tx.ExecContext(ctx, query, token, meta, now.Add(ttl).UnixMilli()); err != nil {
			return fmt.Errorf("failed to store upload token: %w", err)
		}
		return nil
	})
}

// Take deletes the live row for token in a single statement and returns its meta.
func (r *uploadURLRepository) Take(ctx context.Context, token string) ([]byte, error) {
	var meta []byte
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM artifact_upload_urls WHERE token = ? AND expires_at > ? RETURNING meta`,
		token, r.now().UnixMilli(),
	).Scan(&meta)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to take upload token: %w", err)
	}
	return meta, nil
}

// Close closes the database.
func (r *uploadURLRepository) Close() error {
	return r.db.Close()
}
