package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/artifact-store/internal/repository"
)

// uploadURLRepository implements repository.UploadURLStore.
type uploadURLRepository struct {
	db  *DB
	now func() time.Time
}

// NewUploadURLStore creates a new PostgreSQL upload URL store. It owns db.
func NewUploadURLStore(db *DB) repository.UploadURLStore {
	return &uploadURLRepository{db: db, now: time.Now}
}

// Put purges expired tokens and stores meta under token.
func (r *uploadURLRepository) Put(ctx context.Context, token string, meta []byte, ttl time.Duration) error {
	now := r.now()
	return r.db.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM artifact_upload_urls WHERE expires_at <= $1`, now.UnixMilli()); err != nil {
			return fmt.Errorf("failed to purge expired upload tokens: %w", err)
		}

		query := `
			INSERT INTO artifact_upload_urls (token, meta, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (token) DO UPDATE
			SET meta = EXCLUDED.meta, expires_at = EXCLUDED.expires_at
		`
		if _, err := tx.Exec(ctx, query, token, meta, now.Add(ttl).UnixMilli()); err != nil {
			return fmt.Errorf("failed to store upload token: %w", err)
		}
		return nil
	})
}

// Take deletes the live row for token in a single statement and returns its meta.
func (r *uploadURLRepository) Take(ctx context.Context, token string) ([]byte, error) {
	var meta []byte
	err := r.db.Pool.QueryRow(ctx,
		`DELETE FROM artifact_upload_urls WHERE token = $1 AND expires_at > $2 RETURNING meta`,
		token, r.now().UnixMilli(),
	).Scan(&meta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to take upload token: %w", err)
	}
	return meta, nil
}

// Close closes the pool.
func (r *uploadURLRepository) Close() error {
	return r.db.Close()
}
