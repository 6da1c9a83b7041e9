package domain

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestArtifactMeta_Validate(t *testing.T) {
	tests := []struct {
		name    string
		meta    ArtifactMeta
		wantErr bool
	}{
		{
			name: "valid",
			meta: ArtifactMeta{TypegraphName: "tg", RelativePath: "scripts/main.ts", Hash: testHash, SizeInBytes: 5},
		},
		{
			name:    "uppercase hash",
			meta:    ArtifactMeta{TypegraphName: "tg", RelativePath: "main.ts", Hash: strings.ToUpper(testHash)},
			wantErr: true,
		},
		{
			name:    "short hash",
			meta:    ArtifactMeta{TypegraphName: "tg", RelativePath: "main.ts", Hash: "abc"},
			wantErr: true,
		},
		{
			name:    "empty typegraph",
			meta:    ArtifactMeta{RelativePath: "main.ts", Hash: testHash},
			wantErr: true,
		},
		{
			name:    "typegraph with separator",
			meta:    ArtifactMeta{TypegraphName: "a/b", RelativePath: "main.ts", Hash: testHash},
			wantErr: true,
		},
		{
			name:    "absolute path",
			meta:    ArtifactMeta{TypegraphName: "tg", RelativePath: "/etc/passwd", Hash: testHash},
			wantErr: true,
		},
		{
			name:    "escaping path",
			meta:    ArtifactMeta{TypegraphName: "tg", RelativePath: "scripts/../../x", Hash: testHash},
			wantErr: true,
		},
		{
			name:    "empty path",
			meta:    ArtifactMeta{TypegraphName: "tg", Hash: testHash},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.meta.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidArtifactMeta)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestParentDirHash_OrderIndependent(t *testing.T) {
	entry := ArtifactMeta{TypegraphName: "tg", RelativePath: "main.ts", Hash: testHash}
	a := ArtifactMeta{TypegraphName: "tg", RelativePath: "a.ts", Hash: strings.Repeat("a", 64)}
	b := ArtifactMeta{TypegraphName: "tg", RelativePath: "b.ts", Hash: strings.Repeat("b", 64)}

	h1 := ParentDirHash(entry, []ArtifactMeta{a, b})
	h2 := ParentDirHash(entry, []ArtifactMeta{b, a})
	assert.Equal(t, h1, h2)
	assert.True(t, IsValidHash(h1))

	// A different dependency set must not share the directory.
	h3 := ParentDirHash(entry, []ArtifactMeta{a})
	assert.NotEqual(t, h1, h3)
}

func TestDirs_Layout(t *testing.T) {
	dirs := NewDirs("/data")
	meta := ArtifactMeta{TypegraphName: "tg", RelativePath: "scripts/main.ts", Hash: testHash}

	assert.Equal(t, filepath.Join("/data", "cache", testHash), dirs.CachePath(testHash))
	assert.Equal(t, filepath.Join("/data", "cache", "inline", "tg", testHash+".ts"), dirs.InlinePath("tg", testHash, ".ts"))
	assert.Equal(t, filepath.Join("/data", "artifacts", "p", "tg", "scripts", "main.ts"), dirs.ArtifactPath("p", meta))
}

func TestInvalidUploadTokenError(t *testing.T) {
	err := error(NewInvalidUploadTokenError(TokenExpired, nil))
	wrapped := errors.Join(errors.New("ctx"), err)

	assert.ErrorIs(t, wrapped, ErrInvalidUploadToken)
	kind, ok := TokenErrorKindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, TokenExpired, kind)

	_, ok = TokenErrorKindOf(ErrHashMismatch)
	assert.False(t, ok)
}
