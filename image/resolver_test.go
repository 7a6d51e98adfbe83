package image

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tehasdf/pbcr/domain"
	"github.com/tehasdf/pbcr/registry"
	"github.com/tehasdf/pbcr/store"
)

func TestParseReferenceDefaultsTagAndNamespace(t *testing.T) {
	ref := ParseReference("alpine")
	assert.Equal(t, "docker.io", ref.Registry)
	assert.Equal(t, "library/alpine", ref.Repo)
	assert.Equal(t, "latest", ref.Tag)
	assert.Equal(t, "docker.io/library/alpine", ref.Name())
}

func TestParseReferenceExplicitTag(t *testing.T) {
	ref := ParseReference("library/nginx:1.25")
	assert.Equal(t, "library/nginx", ref.Repo)
	assert.Equal(t, "1.25", ref.Tag)
}

func TestParseReferenceNamespacedNoTag(t *testing.T) {
	ref := ParseReference("someuser/myapp")
	assert.Equal(t, "someuser/myapp", ref.Repo)
	assert.Equal(t, "latest", ref.Tag)
}

func TestParseReferenceStripsDockerIOPrefix(t *testing.T) {
	ref := ParseReference("docker.io/library/alpine:latest")
	assert.Equal(t, "docker.io", ref.Registry)
	assert.Equal(t, "library/alpine", ref.Repo)
	assert.Equal(t, "latest", ref.Tag)
}

func TestScanIDsReadsLastLayerWins(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/layers/l1/etc/passwd", []byte("root:x:0:0::/root:/bin/sh\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/layers/l2/etc/passwd", []byte("root:x:0:0::/root:/bin/sh\napp:x:1000:1000::/home/app:/bin/sh\n"), 0o644))

	layers := []domain.ImageLayer{{Path: "/layers/l1"}, {Path: "/layers/l2"}}
	uids, _, err := scanIDs(fs, layers)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1000"}, uids)
}

func TestLoadCachedMissingManifestReturnsFalse(t *testing.T) {
	fs := afero.NewMemMapFs()
	images, err := store.NewImageStore(fs, "/images.json")
	require.NoError(t, err)
	tokens, err := store.NewTokenStore(fs, "/pull_tokens.json")
	require.NoError(t, err)
	r := NewResolver(fs, nil, images, tokens, "/layers")

	_, ok, err := r.loadCached(Reference{}, domain.ImageSummary{Digest: "sha256:" + zeros()})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistAndLoadCachedRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	images, err := store.NewImageStore(fs, "/images.json")
	require.NoError(t, err)
	tokens, err := store.NewTokenStore(fs, "/pull_tokens.json")
	require.NoError(t, err)
	r := NewResolver(fs, nil, images, tokens, "/layers")

	manifest := domain.Manifest{
		Digest: domain.Digest("sha256:" + zeros()),
		Layers: []domain.MediaDescriptor{{Digest: domain.Digest("sha256:" + ones())}},
	}
	cfg := domain.ImageConfig{Architecture: "amd64"}

	require.NoError(t, r.persistMetadata(manifest, cfg))
	require.NoError(t, fs.MkdirAll("/layers/"+ones(), 0o755))

	img, ok, err := r.loadCached(Reference{Registry: "docker.io"}, domain.ImageSummary{Digest: manifest.Digest})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "amd64", img.Config.Architecture)
	require.Len(t, img.Layers, 1)
	assert.Equal(t, "/layers/"+ones(), img.Layers[0].Path)
}

func TestTokenForReusesCachedUnexpiredToken(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"token":"fresh","expires_in":300}`))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	tokens, err := store.NewTokenStore(fs, "/pull_tokens.json")
	require.NoError(t, err)

	client := registry.NewClient()
	client.AuthBase = srv.URL
	client.HTTP = srv.Client()

	r := NewResolver(fs, client, nil, tokens, "/layers")

	tok1, err := r.tokenFor(context.Background(), "library/alpine")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok1.Token)

	tok2, err := r.tokenFor(context.Background(), "library/alpine")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok2.Token)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "second call should reuse the cached token without hitting the network")
}

func TestTokenForRefetchesExpiredToken(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"token":"fresh","expires_in":300}`))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	tokens, err := store.NewTokenStore(fs, "/pull_tokens.json")
	require.NoError(t, err)
	require.NoError(t, tokens.Upsert("library/alpine", domain.PullToken{
		Token:     "stale",
		ExpiresIn: 300,
		IssuedAt:  time.Now().Add(-time.Hour),
	}))

	client := registry.NewClient()
	client.AuthBase = srv.URL
	client.HTTP = srv.Client()

	r := NewResolver(fs, client, nil, tokens, "/layers")

	tok, err := r.tokenFor(context.Background(), "library/alpine")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.Token)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func zeros() string {
	s := ""
	for i := 0; i < 64; i++ {
		s += "0"
	}
	return s
}

func ones() string {
	s := ""
	for i := 0; i < 64; i++ {
		s += "1"
	}
	return s
}
