package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tehasdf/pbcr/domain"
)

func TestTokenParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.Contains(t, r.URL.RawQuery, "repository:library/alpine:pull")
		w.Write([]byte(`{"token":"abc123","expires_in":300}`))
	}))
	defer srv.Close()

	c := NewClient()
	c.AuthBase = srv.URL
	c.HTTP = srv.Client()

	tok, err := c.Token(context.Background(), "library/alpine")
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok.Token)
	assert.Equal(t, 300, tok.ExpiresIn)
}

func TestTokenFallsBackToAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"xyz"}`))
	}))
	defer srv.Close()

	c := NewClient()
	c.AuthBase = srv.URL
	c.HTTP = srv.Client()

	tok, err := c.Token(context.Background(), "library/alpine")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok.Token)
	assert.Equal(t, 300, tok.ExpiresIn, "zero expires_in should default to 300s")
}

func TestSelectPlatformPicksAmd64Linux(t *testing.T) {
	manifests := []platformManifest{
		{Digest: "sha256:arm", Platform: struct {
			Architecture string `json:"architecture"`
			OS           string `json:"os"`
		}{Architecture: "arm64", OS: "linux"}},
		{Digest: "sha256:amd", Platform: struct {
			Architecture string `json:"architecture"`
			OS           string `json:"os"`
		}{Architecture: "amd64", OS: "linux"}},
	}

	digest, err := selectPlatform(manifests)
	require.NoError(t, err)
	assert.Equal(t, "sha256:amd", digest)
}

func TestSelectPlatformMissing(t *testing.T) {
	_, err := selectPlatform(nil)
	assert.Error(t, err)
}

func TestManifestNotFoundWrapsErrNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient()
	c.RegistryBase = srv.URL
	c.HTTP = srv.Client()

	_, err := c.Manifest(context.Background(), "library/nonexistent", "latest", domain.PullToken{Token: "tok"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFetchBlobStreamsBody(t *testing.T) {
	digest, err := domain.NewDigest("sha256:" + strings.Repeat("a", 64))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/library/alpine/blobs/"+string(digest), r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte("layer-bytes"))
	}))
	defer srv.Close()

	c := NewClient()
	c.RegistryBase = srv.URL
	c.HTTP = srv.Client()

	var got []byte
	err = c.FetchBlob(context.Background(), "library/alpine", digest, domain.PullToken{Token: "tok"}, func(b []byte) error {
		got = append(got, b...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "layer-bytes", string(got))
}
