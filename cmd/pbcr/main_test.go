package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tehasdf/pbcr/domain"
)

func TestParseVolumesValid(t *testing.T) {
	vols, err := parseVolumes([]string{"/host/data:/data", "/host/logs:/var/log"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Volume{
		{Source: "/host/data", Target: "/data"},
		{Source: "/host/logs", Target: "/var/log"},
	}, vols)
}

func TestParseVolumesMalformed(t *testing.T) {
	_, err := parseVolumes([]string{"justonepath"})
	assert.Error(t, err)
}

func TestParseVolumesEmptySide(t *testing.T) {
	_, err := parseVolumes([]string{":/data"})
	assert.Error(t, err)
}

func TestProcessAliveCurrentProcess(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}
