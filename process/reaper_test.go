package process

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperReapsUnwaitedChild(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	r := StartReaper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.Request()
		time.Sleep(20 * time.Millisecond)

		var ws syscall.WaitStatus
		_, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
		if err == syscall.ECHILD {
			return
		}
	}

	t.Fatalf("child pid %d was never reaped", pid)
}

func TestReaperRequestIsNonBlocking(t *testing.T) {
	r := StartReaper()
	assert.NotPanics(t, func() {
		r.Request()
		r.Request()
		r.Request()
	})
}
