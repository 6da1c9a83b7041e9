package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/artifact-store/internal/auth"
	"github.com/prn-tf/artifact-store/internal/domain"
)

// ArtifactService is the part of the artifact store served over HTTP.
type ArtifactService interface {
	PrepareUpload(ctx context.Context, meta domain.ArtifactMeta) (*string, error)
	UploadArtifact(ctx context.Context, typegraphName, token string, body io.Reader, sizeHint int64) (domain.ArtifactMeta, error)
}

// ArtifactHandler handles the artifact upload protocol.
type ArtifactHandler struct {
	service     ArtifactService
	maxBodySize int64
	logger      zerolog.Logger
}

// NewArtifactHandler creates a new ArtifactHandler.
// maxBodySize bounds request bodies, zero disables the limit.
func NewArtifactHandler(svc ArtifactService, maxBodySize int64, logger zerolog.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		service:     svc,
		maxBodySize: maxBodySize,
		logger:      logger.With().Str("handler", "artifact").Logger(),
	}
}

// RegisterRoutes registers the artifact routes. prepareAuth guards the
// prepare-upload route; uploads are authorized by their token.
func (h *ArtifactHandler) RegisterRoutes(r chi.Router, prepareAuth func(http.Handler) http.Handler) {
	r.Route("/{typegraphName}/artifacts", func(r chi.Router) {
		r.With(prepareAuth).Post("/prepare-upload", h.PrepareUpload)
		r.Post("/", h.UploadArtifact)
	})
}

// =============================================================================
// Prepare Upload
// =============================================================================

// PrepareUpload handles POST /{typegraphName}/artifacts/prepare-upload.
// The body is a JSON array of artifact metas; the response holds one token
// per meta, null when the artifact is already stored.
func (h *ArtifactHandler) PrepareUpload(w http.ResponseWriter, r *http.Request) {
	typegraphName := chi.URLParam(r, "typegraphName")

	var metas []domain.ArtifactMeta
	if err := json.NewDecoder(h.limitBody(w, r)).Decode(&metas); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, mapError(err))
			return
		}
		writeError(w, APIError{Error: "request body must be a JSON array of artifact metas", Code: ErrorCodeInvalidBody, HTTPStatusCode: http.StatusBadRequest})
		return
	}

	// The whole request fails if any meta belongs to another typegraph.
	for _, meta := range metas {
		if meta.TypegraphName != typegraphName {
			writeError(w, mapError(domain.NewDomainError(domain.ErrTypegraphNameMismatch, "artifact meta names another typegraph", meta.TypegraphName)))
			return
		}
	}
	for _, meta := range metas {
		if err := meta.Validate(); err != nil {
			writeError(w, mapError(err))
			return
		}
	}

	tokens := make([]*string, len(metas))
	g, ctx := errgroup.WithContext(r.Context())
	for i, meta := range metas {
		g.Go(func() error {
			token, err := h.service.PrepareUpload(ctx, meta)
			if err != nil {
				return err
			}
			tokens[i] = token
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.logger.Error().Err(err).Str("typegraph", typegraphName).Msg("Failed to prepare uploads")
		writeError(w, mapError(err))
		return
	}

	issued := 0
	for _, token := range tokens {
		if token != nil {
			issued++
		}
	}
	h.logger.Info().
		Str("typegraph", typegraphName).
		Int("artifacts", len(metas)).
		Int("tokens", issued).
		Msg("Upload prepared")

	writeJSON(w, http.StatusOK, tokens)
}

// =============================================================================
// Upload
// =============================================================================

// UploadArtifact handles POST /{typegraphName}/artifacts?token=<token>.
// The raw body is the artifact content.
func (h *ArtifactHandler) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	typegraphName := chi.URLParam(r, "typegraphName")
	token := r.URL.Query().Get(auth.TokenQueryParam)

	meta, err := h.service.UploadArtifact(r.Context(), typegraphName, token, h.limitBody(w, r), r.ContentLength)
	if err != nil {
		apiErr := mapError(err)
		event := h.logger.Warn()
		if apiErr.HTTPStatusCode >= http.StatusInternalServerError {
			event = h.logger.Error()
		}
		event.Err(err).
			Str("typegraph", typegraphName).
			Int("status", apiErr.HTTPStatusCode).
			Msg("Upload failed")
		writeError(w, apiErr)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "ok",
		"hash":   meta.Hash,
	})
}

func (h *ArtifactHandler) limitBody(w http.ResponseWriter, r *http.Request) io.Reader {
	if h.maxBodySize <= 0 {
		return r.Body
	}
	return http.MaxBytesReader(w, r.Body, h.maxBodySize)
}
