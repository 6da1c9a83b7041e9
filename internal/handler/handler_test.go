package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/prn-tf/artifact-store/internal/auth"
	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/metrics"
	"github.com/prn-tf/artifact-store/internal/pkg/crypto"
	"github.com/prn-tf/artifact-store/internal/repository/memory"
	"github.com/prn-tf/artifact-store/internal/service"
	"github.com/prn-tf/artifact-store/internal/storage/filesystem"
)

// =============================================================================
// Fixtures
// =============================================================================

type testServer struct {
	handler     http.Handler
	persistence *filesystem.Backend
	metrics     *metrics.Metrics
}

type serverOptions struct {
	maxBodySize int64
	auth        auth.Config
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	persistence, err := filesystem.New(domain.NewDirs(t.TempDir()), zerolog.Nop())
	require.NoError(t, err)

	issuer, err := auth.NewTokenIssuer("handler-test-secret", time.Minute)
	require.NoError(t, err)

	m := metrics.New("")
	uploads := service.NewUploadEndpoints(issuer, memory.NewUploadURLStore(time.Minute), m, zerolog.Nop())
	store := service.NewArtifactStore(persistence, uploads, memory.NewRefCounter(), m, zerolog.Nop())
	t.Cleanup(func() { _ = store.Close() })

	router := NewRouter(RouterConfig{
		ArtifactHandler: NewArtifactHandler(store, opts.maxBodySize, zerolog.Nop()),
		AuthMiddleware:  auth.BasicAuth(opts.auth),
		Metrics:         m,
		Logger:          zerolog.Nop(),
	})

	return &testServer{handler: router.Handler(), persistence: persistence, metrics: m}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) prepare(t *testing.T, typegraph string, metas []domain.ArtifactMeta) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(metas)
	require.NoError(t, err)
	return s.do(httptest.NewRequest(http.MethodPost, "/"+typegraph+"/artifacts/prepare-upload", bytes.NewReader(body)))
}

func (s *testServer) upload(typegraph, token string, content []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/"+typegraph+"/artifacts?token="+token, bytes.NewReader(content))
	return s.do(req)
}

func metaFor(typegraph, relPath string, content []byte) domain.ArtifactMeta {
	return domain.ArtifactMeta{
		TypegraphName: typegraph,
		RelativePath:  relPath,
		Hash:          crypto.ComputeSHA256(content),
		SizeInBytes:   uint64(len(content)),
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func decodeTokens(t *testing.T, rec *httptest.ResponseRecorder) []*string {
	t.Helper()
	var tokens []*string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	return tokens
}

// =============================================================================
// Prepare Upload
// =============================================================================

func TestPrepareUpload(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	stored := []byte("already here")
	_, err := srv.persistence.Save(context.Background(), bytes.NewReader(stored), int64(len(stored)))
	require.NoError(t, err)

	fresh := []byte("new artifact")
	rec := srv.prepare(t, "tg", []domain.ArtifactMeta{
		metaFor("tg", "fresh.py", fresh),
		metaFor("tg", "stored.py", stored),
	})

	require.Equal(t, http.StatusOK, rec.Code)
	tokens := decodeTokens(t, rec)
	require.Len(t, tokens, 2)
	require.NotNil(t, tokens[0])
	assert.Nil(t, tokens[1])
}

func TestPrepareUpload_Errors(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	content := []byte("x")

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   ErrorCode
	}{
		{
			name:       "name mismatch",
			body:       mustJSON(t, []domain.ArtifactMeta{metaFor("tg", "a.py", content), metaFor("other", "b.py", content)}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeNameMismatch,
		},
		{
			name:       "invalid meta",
			body:       mustJSON(t, []domain.ArtifactMeta{metaFor("tg", "../../etc/passwd", content)}),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidMeta,
		},
		{
			name:       "not json",
			body:       "{{{",
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidBody,
		},
		{
			name:       "object instead of array",
			body:       `{"hash":"abc"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(httptest.NewRequest(http.MethodPost, "/tg/artifacts/prepare-upload", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestPrepareUpload_RequiresAdminCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	authCfg := auth.DefaultConfig()
	authCfg.Username = "admin"
	authCfg.PasswordHash = string(hash)
	srv := newTestServer(t, serverOptions{auth: authCfg})

	content := []byte("guarded")
	body := mustJSON(t, []domain.ArtifactMeta{metaFor("tg", "a.py", content)})

	rec := srv.do(httptest.NewRequest(http.MethodPost, "/tg/artifacts/prepare-upload", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/tg/artifacts/prepare-upload", strings.NewReader(body))
	req.SetBasicAuth("admin", "s3cret")
	rec = srv.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	tokens := decodeTokens(t, rec)
	require.Len(t, tokens, 1)
	require.NotNil(t, tokens[0])

	// Uploads are authorized by the token alone.
	rec = srv.upload("tg", *tokens[0], content)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

// =============================================================================
// Upload
// =============================================================================

func TestUploadArtifact(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	ctx := context.Background()
	content := []byte("print('hello')")
	meta := metaFor("tg", "main.py", content)

	rec := srv.prepare(t, "tg", []domain.ArtifactMeta{meta})
	require.Equal(t, http.StatusOK, rec.Code)
	token := *decodeTokens(t, rec)[0]

	rec = srv.upload("tg", token, content)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"status":"ok","hash":"`+meta.Hash+`"}`, rec.Body.String())

	ok, err := srv.persistence.Has(ctx, meta.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	// Replaying the token fails.
	rec = srv.upload("tg", token, content)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrorCode(domain.TokenUnknown), decodeError(t, rec).Code)

	// Deduplicated now.
	rec = srv.prepare(t, "tg", []domain.ArtifactMeta{meta})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeTokens(t, rec)[0])

	assert.Equal(t, float64(1), testutil.ToFloat64(
		srv.metrics.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/{typegraphName}/artifacts", "201"),
	))
}

func TestUploadArtifact_HashMismatch(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	ctx := context.Background()
	declared := []byte("declared content")
	sent := []byte("different content")

	rec := srv.prepare(t, "tg", []domain.ArtifactMeta{metaFor("tg", "main.py", declared)})
	require.Equal(t, http.StatusOK, rec.Code)
	token := *decodeTokens(t, rec)[0]

	rec = srv.upload("tg", token, sent)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrorCodeHashMismatch, decodeError(t, rec).Code)

	for _, content := range [][]byte{declared, sent} {
		ok, err := srv.persistence.Has(ctx, crypto.ComputeSHA256(content))
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestUploadArtifact_TokenForOtherTypegraph(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	content := []byte("scoped")

	rec := srv.prepare(t, "tg", []domain.ArtifactMeta{metaFor("tg", "main.py", content)})
	require.Equal(t, http.StatusOK, rec.Code)
	token := *decodeTokens(t, rec)[0]

	rec = srv.upload("other", token, content)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrorCode(domain.TokenUnknown), decodeError(t, rec).Code)
}

func TestUploadArtifact_UnknownToken(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.upload("tg", "not-a-token", []byte("x"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrorCode(domain.TokenUnknown), decodeError(t, rec).Code)
}

func TestMaxBodySize(t *testing.T) {
	srv := newTestServer(t, serverOptions{maxBodySize: 8})
	content := []byte("this body is larger than eight bytes")

	rec := srv.prepare(t, "tg", []domain.ArtifactMeta{metaFor("tg", "big.bin", content)})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// =============================================================================
// Error Mapping
// =============================================================================

// stubService returns fixed results.
type stubService struct {
	err error
}

func (s *stubService) PrepareUpload(ctx context.Context, meta domain.ArtifactMeta) (*string, error) {
	return nil, s.err
}

func (s *stubService) UploadArtifact(ctx context.Context, typegraphName, token string, body io.Reader, sizeHint int64) (domain.ArtifactMeta, error) {
	_, _ = io.Copy(io.Discard, body)
	return domain.ArtifactMeta{}, s.err
}

func TestUploadArtifact_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
	}{
		{
			name:       "expired",
			err:        domain.NewInvalidUploadTokenError(domain.TokenExpired, nil),
			wantStatus: http.StatusForbidden,
			wantCode:   ErrorCode(domain.TokenExpired),
		},
		{
			name:       "backend failure",
			err:        domain.NewArtifactError("save", "", errors.New("bucket gone")),
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrorCodeInternal,
		},
		{
			name:       "store closed",
			err:        service.ErrStoreClosed,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrorCodeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(RouterConfig{
				ArtifactHandler: NewArtifactHandler(&stubService{err: tt.err}, 0, zerolog.Nop()),
				Logger:          zerolog.Nop(),
			})

			rec := httptest.NewRecorder()
			router.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tg/artifacts?token=t", strings.NewReader("body")))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

// =============================================================================
// Misc
// =============================================================================

func TestHealth(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/tg/artifacts/prepare-upload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
