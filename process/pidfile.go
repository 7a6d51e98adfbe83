// Package process holds pbcr's process lifecycle glue: the per-name
// pidfile guard `pbcr run --name` uses, and a zombie reaper.
// CheckPidFile/CreatePidFile/DestroyPidFile are a small,
// self-contained triad built directly on os/unix rather than a
// third-party pidfile library, since none surfaced that fits this shape.
package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// CheckPidFile fails if path names a still-live process, guarding
// against a second process starting under the same pidfile (for `pbcr
// run`, the same container name).
func CheckPidFile(name, path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("process: reading pidfile %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		// A garbled pidfile can't name a live process; treat it as stale.
		return nil
	}

	if err := unix.Kill(pid, 0); err == nil {
		return fmt.Errorf("process: %s already running with pid %d (pidfile %s)", name, pid, path)
	}

	return nil
}

// CreatePidFile writes the current process's pid to path, creating parent
// directories as needed.
func CreatePidFile(name, path string) error {
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return fmt.Errorf("process: creating pidfile dir for %s: %w", name, err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// DestroyPidFile removes path. A missing file is not an error.
func DestroyPidFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("process: removing pidfile %s: %w", path, err)
	}
	return nil
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
