package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/artifact-store/internal/auth"
	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/metrics"
	"github.com/prn-tf/artifact-store/internal/repository"
	"github.com/prn-tf/artifact-store/internal/storage"
)

// UploadEndpoints issues single-use upload tokens and redeems them.
// A token maps to the ArtifactMeta it was issued for until it is taken
// or its lifetime ends.
type UploadEndpoints struct {
	issuer  *auth.TokenIssuer
	urls    repository.UploadURLStore
	metrics *metrics.Metrics
	logger  zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewUploadEndpoints creates a new UploadEndpoints. It owns urls.
func NewUploadEndpoints(
	issuer *auth.TokenIssuer,
	urls repository.UploadURLStore,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *UploadEndpoints {
	return &UploadEndpoints{
		issuer:  issuer,
		urls:    urls,
		metrics: m,
		logger:  logger.With().Str("service", "upload").Logger(),
	}
}

// PrepareUpload returns a token for uploading meta, or nil when the blob is
// already present in persistence.
func (u *UploadEndpoints) PrepareUpload(ctx context.Context, meta domain.ArtifactMeta, persistence storage.Persistence) (*string, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	exists, err := persistence.Has(ctx, meta.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to check artifact %s: %w", meta.Hash, err)
	}
	if exists {
		u.logger.Debug().
			Str("typegraph", meta.TypegraphName).
			Str("hash", meta.Hash).
			Msg("Artifact already stored, no upload needed")
		return nil, nil
	}

	token, claims, err := u.issuer.Issue()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact meta: %w", err)
	}

	if err := u.urls.Put(ctx, token, data, u.issuer.TTL()); err != nil {
		return nil, fmt.Errorf("failed to register upload token: %w", err)
	}

	if u.metrics != nil {
		u.metrics.TokensIssuedTotal.Inc()
	}

	u.logger.Debug().
		Str("typegraph", meta.TypegraphName).
		Str("hash", meta.Hash).
		Str("token_id", claims.ID).
		Time("expires_at", claims.Expiry()).
		Msg("Upload token issued")

	return &token, nil
}

// TakeArtifactMeta redeems token and returns the meta it was issued for.
// A token can be taken once. Expired tokens are reported as expired,
// unknown or already taken tokens as unknown.
func (u *UploadEndpoints) TakeArtifactMeta(ctx context.Context, token string) (domain.ArtifactMeta, error) {
	if _, err := u.issuer.Validate(token); err != nil {
		return domain.ArtifactMeta{}, err
	}

	data, err := u.urls.Take(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ArtifactMeta{}, domain.NewInvalidUploadTokenError(domain.TokenUnknown, nil)
		}
		return domain.ArtifactMeta{}, fmt.Errorf("failed to redeem upload token: %w", err)
	}

	var meta domain.ArtifactMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.ArtifactMeta{}, fmt.Errorf("failed to decode artifact meta: %w", err)
	}
	return meta, nil
}

// Close closes the upload URL store. It is safe to call more than once.
func (u *UploadEndpoints) Close() error {
	u.closeOnce.Do(func() {
		u.closeErr = u.urls.Close()
	})
	return u.closeErr
}
