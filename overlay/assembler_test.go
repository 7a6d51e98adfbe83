package overlay

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tehasdf/pbcr/domain"
)

func TestPrepareCreatesTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := New(fs, "/var/lib/pbcr/containers")

	d, err := a.Prepare("abc123")
	require.NoError(t, err)

	for _, dir := range []string{d.Upper, d.Work, d.Chroot, d.Volumes} {
		ok, err := afero.DirExists(fs, dir)
		require.NoError(t, err)
		assert.True(t, ok, "expected %s to exist", dir)
	}
	assert.Equal(t, "/var/lib/pbcr/containers/abc123", d.Root)
}

func TestLinkVolumeCreatesParentsAndLinks(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := New(fs, "/containers")
	d, err := a.Prepare("c1")
	require.NoError(t, err)

	var gotSrc, gotDst string
	a.Link = func(src, dst string) error {
		gotSrc, gotDst = src, dst
		return nil
	}

	err = a.LinkVolume(d, domain.Volume{Source: "/host/data", Target: "nested/dir/file"})
	require.NoError(t, err)
	assert.Equal(t, "/host/data", gotSrc)
	assert.Equal(t, "/containers/c1/volumes/nested/dir/file", gotDst)

	ok, err := afero.DirExists(fs, "/containers/c1/volumes/nested/dir")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLowerDirsTopToBottomWithVolumes(t *testing.T) {
	d := Dirs{Volumes: "/containers/c1/volumes"}
	layers := []domain.ImageLayer{
		{Path: "/layers/l1"},
		{Path: "/layers/l2"},
		{Path: "/layers/l3"},
	}

	lower := LowerDirs(layers, d, true)
	assert.Equal(t, []string{"/layers/l3", "/layers/l2", "/layers/l1", "/containers/c1/volumes"}, lower)
}

func TestLowerDirsNoVolumes(t *testing.T) {
	d := Dirs{Volumes: "/containers/c1/volumes"}
	layers := []domain.ImageLayer{{Path: "/layers/l1"}, {Path: "/layers/l2"}}

	lower := LowerDirs(layers, d, false)
	assert.Equal(t, []string{"/layers/l2", "/layers/l1"}, lower)
}

func TestMountOptionsFormat(t *testing.T) {
	d := Dirs{Upper: "/c/upper", Work: "/c/workdir"}
	opts := MountOptions([]string{"/l2", "/l1"}, d)
	assert.Equal(t, "lowerdir=/l2:/l1,upperdir=/c/upper,workdir=/c/workdir", opts)
}
