package process

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPidFileMissingIsOK(t *testing.T) {
	err := CheckPidFile("pbcr", filepath.Join(t.TempDir(), "pbcr.pid"))
	assert.NoError(t, err)
}

func TestCheckPidFileStaleIsOK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbcr.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

	err := CheckPidFile("pbcr", path)
	assert.NoError(t, err)
}

func TestCheckPidFileLiveProcessFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbcr.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	err := CheckPidFile("pbcr", path)
	assert.Error(t, err)
}

func TestCreateAndDestroyPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "pbcr.pid")

	require.NoError(t, CreatePidFile("pbcr", path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(raw))

	require.NoError(t, DestroyPidFile(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDestroyPidFileMissingIsOK(t *testing.T) {
	assert.NoError(t, DestroyPidFile(filepath.Join(t.TempDir(), "missing.pid")))
}
