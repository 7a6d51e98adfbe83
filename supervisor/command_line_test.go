package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tehasdf/pbcr/domain"
)

func imageWithRuntime(entrypoint, cmd []string) domain.Image {
	return domain.Image{
		Manifest: domain.Manifest{Repo: "library/alpine"},
		Config: domain.ImageConfig{
			Config: domain.ImageRuntimeConfig{Entrypoint: entrypoint, Cmd: cmd},
		},
	}
}

func TestDeriveCommandLineEntrypointOverride(t *testing.T) {
	cfg := domain.ContainerConfig{Entrypoint: "/bin/sh -c", Command: []string{"echo hi"}}
	argv, err := deriveCommandLine(cfg, imageWithRuntime(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, argv)
}

func TestDeriveCommandLineQuotedOverride(t *testing.T) {
	cfg := domain.ContainerConfig{Entrypoint: `/bin/sh -c "echo hi there"`}
	argv, err := deriveCommandLine(cfg, imageWithRuntime(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi there"}, argv)
}

func TestDeriveCommandLineImageEntrypointAndCmd(t *testing.T) {
	cfg := domain.ContainerConfig{}
	img := imageWithRuntime([]string{"/entry"}, []string{"--flag"})
	argv, err := deriveCommandLine(cfg, img)
	require.NoError(t, err)
	assert.Equal(t, []string{"/entry", "--flag"}, argv)
}

func TestDeriveCommandLineCmdOnly(t *testing.T) {
	cfg := domain.ContainerConfig{}
	img := imageWithRuntime(nil, []string{"/bin/sh"})
	argv, err := deriveCommandLine(cfg, img)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh"}, argv)
}

func TestDeriveCommandLineNothingAvailable(t *testing.T) {
	cfg := domain.ContainerConfig{}
	_, err := deriveCommandLine(cfg, imageWithRuntime(nil, nil))
	assert.Error(t, err)
}
