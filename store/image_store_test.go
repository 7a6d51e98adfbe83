package store

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tehasdf/pbcr/domain"
)

var (
	digestA = domain.Digest("sha256:" + strings.Repeat("a", 64))
	digestB = domain.Digest("sha256:" + strings.Repeat("b", 64))
)

func TestImageStoreUpsertGetList(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewImageStore(fs, "/var/lib/pbcr/images.json")
	require.NoError(t, err)

	require.NoError(t, s.Upsert(domain.ImageSummary{
		Digest: digestA, Name: "docker.io/library/alpine", Tags: []string{"latest"},
	}))

	img, ok := s.Get(digestA)
	require.True(t, ok)
	assert.Equal(t, []string{"latest"}, img.Tags)
	assert.Len(t, s.List(), 1)
}

func TestImageStoreUpsertDistinctDigestsDoNotCollide(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewImageStore(fs, "/images.json")
	require.NoError(t, err)

	require.NoError(t, s.Upsert(domain.ImageSummary{
		Digest: digestA, Name: "docker.io/library/alpine", Tags: []string{"3.18"},
	}))
	require.NoError(t, s.Upsert(domain.ImageSummary{
		Digest: digestB, Name: "docker.io/library/alpine", Tags: []string{"3.19"},
	}))

	assert.Len(t, s.List(), 2)

	a, ok := s.Get(digestA)
	require.True(t, ok)
	assert.Equal(t, []string{"3.18"}, a.Tags)

	b, ok := s.Get(digestB)
	require.True(t, ok)
	assert.Equal(t, []string{"3.19"}, b.Tags)
}

func TestImageStoreUpsertMergesTagsForSameDigest(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewImageStore(fs, "/images.json")
	require.NoError(t, err)

	require.NoError(t, s.Upsert(domain.ImageSummary{Digest: digestA, Tags: []string{"latest"}}))
	require.NoError(t, s.Upsert(domain.ImageSummary{Digest: digestA, Tags: []string{"3.18"}}))

	img, ok := s.Get(digestA)
	require.True(t, ok)
	assert.Equal(t, []string{"latest", "3.18"}, img.Tags)
}

func TestImageStoreLoadsExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	raw := `{"` + string(digestA) + `":{"digest":"` + string(digestA) + `","name":"docker.io/library/alpine","tags":["latest"]}}`
	require.NoError(t, afero.WriteFile(fs, "/images.json", []byte(raw), 0o644))

	s, err := NewImageStore(fs, "/images.json")
	require.NoError(t, err)

	img, ok := s.Get(digestA)
	require.True(t, ok)
	assert.Equal(t, []string{"latest"}, img.Tags)
}
