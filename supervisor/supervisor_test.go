package supervisor

import (
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdRangeComputesFirstAndSize(t *testing.T) {
	first, size := idRange([]string{"1000", "0", "1"})
	assert.Equal(t, uint32(0), first)
	assert.Equal(t, uint32(1001), size)
}

func TestIdRangeEmpty(t *testing.T) {
	first, size := idRange(nil)
	assert.Equal(t, uint32(0), first)
	assert.Equal(t, uint32(0), size)
}

func TestExitCodeFromErrorNil(t *testing.T) {
	assert.Equal(t, 0, exitCodeFromError(nil))
}

func TestExitCodeFromErrorExitError(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	assert.Equal(t, 7, exitCodeFromError(err))
}

func TestExitCodeFromErrorOther(t *testing.T) {
	assert.Equal(t, 1, exitCodeFromError(fmt.Errorf("boom")))
}
