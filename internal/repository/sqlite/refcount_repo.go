package sqlite

import (
	"context"
	"fmt"

	"github.com/prn-tf/artifact-store/internal/repository"
)

// refCountRepository implements repository.RefCounter for SQLite.
type refCountRepository struct {
	db *DB
}

// NewRefCounter creates a new SQLite ref counter. It owns db.
func NewRefCounter(db *DB) repository.RefCounter {
	return &refCountRepository{db: db}
}

// Increment adds one to the score of hash.
func (r *refCountRepository) Increment(ctx context.Context, hash string) error {
	return r.add(ctx, hash, 1)
}

// Decrement subtracts one from the score of hash.
func (r *refCountRepository) Decrement(ctx context.Context, hash string) error {
	return r.add(ctx, hash, -1)
}

func (r *refCountRepository) add(ctx context.Context, hash string, delta int) error {
	query := `
		INSERT INTO artifact_refcounts (hash, score)
		VALUES (?, ?)
		ON CONFLICT (hash) DO UPDATE
		SET score = artifact_refcounts.score + excluded.score
	`
	if _, err := r.db.ExecContext(ctx, query, hash, delta); err != nil {
		return fmt.Errorf("failed to update ref count of %s: %w", hash, err)
	}
	return nil
}

// TakeGarbage deletes the non-positive rows in a single statement and
// returns their hashes.
func (r *refCountRepository) TakeGarbage(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `DELETE FROM artifact_refcounts WHERE score <= 0 RETURNING hash`)
	if err != nil {
		return nil, fmt.Errorf("failed to take garbage: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to take garbage: %w", err)
	}
	return hashes, nil
}

// ResetAll deletes every row.
func (r *refCountRepository) ResetAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM artifact_refcounts`); err != nil {
		return fmt.Errorf("failed to reset ref counts: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *refCountRepository) Close() error {
	return r.db.Close()
}
