package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tehasdf/pbcr/netns"
	"github.com/tehasdf/pbcr/overlay"
)

// RunChild is the entry point cmd/pbcr wires to the hidden
// "__supervisor-child" subcommand, the re-exec target for the pre-flight
// fork, the main fork and the tun helper. It reads its task from the environment
// rather than argv, since the task (overlay paths, lowerdir list) doesn't
// fit cleanly on a command line.
func RunChild() error {
	raw := os.Getenv(envTask)
	if raw == "" {
		return fmt.Errorf("supervisor: missing %s in child environment", envTask)
	}
	var task childTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return fmt.Errorf("supervisor: decoding child task: %w", err)
	}

	log := logrus.WithFields(logrus.Fields{"container": task.ContainerID, "stage": task.Stage})

	// The tun-helper joins namespaces that already exist; it never waits
	// on a fork barrier because no uid/gid map needs installing for it.
	if task.Stage == stageTunHelper {
		return runTunHelper(task, log)
	}

	parentPid, err := strconv.Atoi(os.Getenv(envParentPid))
	if err != nil {
		return fmt.Errorf("supervisor: missing/invalid %s: %w", envParentPid, err)
	}

	barrier := netns.NewForkBarrier(true)
	defer barrier.Close()
	barrier.SetPeer(parentPid)

	log.Debug("child waiting for namespace maps")
	if err := barrier.Wait(context.Background()); err != nil {
		return fmt.Errorf("supervisor: waiting for id maps: %w", err)
	}
	log.Debug("child released, maps installed")

	switch task.Stage {
	case stagePreflight:
		return runPreflight(task, log)
	case stageInit:
		return runInit(task, log)
	default:
		return fmt.Errorf("supervisor: unknown child stage %q", task.Stage)
	}
}

// runTunHelper joins the init child's user and network namespaces, opens
// and configures the tun device inside them, and sends its fd back to the
// parent over the socket inherited as fd 3.
func runTunHelper(task childTask, log *logrus.Entry) error {
	if err := netns.JoinNamespaces(task.TargetPid, []string{"user", "net"}); err != nil {
		return fmt.Errorf("supervisor: tun helper joining namespaces: %w", err)
	}

	tun, err := netns.OpenTun(netns.TunName)
	if err != nil {
		return fmt.Errorf("supervisor: tun helper opening tun: %w", err)
	}
	defer tun.Close()

	if err := netns.ConfigureInterfaces(netns.TunName); err != nil {
		return fmt.Errorf("supervisor: tun helper configuring interfaces: %w", err)
	}

	rawConn, err := net.FileConn(os.NewFile(tunSocketFD, "tun-socket"))
	if err != nil {
		return fmt.Errorf("supervisor: tun helper opening socket: %w", err)
	}
	conn, ok := rawConn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("supervisor: tun helper socket is not a unix conn")
	}
	defer conn.Close()

	if err := netns.SendTunFD(conn, int(tun.Fd())); err != nil {
		return fmt.Errorf("supervisor: tun helper sending fd: %w", err)
	}

	log.Debug("tun helper handed off fd")
	return nil
}

// runPreflight mounts the overlay, scans the merged root for /etc/passwd
// and /etc/group, and writes what it found to task.DiscoveryFile for the
// parent to read after this process exits.
func runPreflight(task childTask, log *logrus.Entry) error {
	if err := overlay.Mount(task.LowerDirs, task.Dirs); err != nil {
		return fmt.Errorf("supervisor: preflight mount: %w", err)
	}

	ids := discoveredIDs{
		Uids: readIDColumn(filepath.Join(task.Dirs.Chroot, "etc", "passwd")),
		Gids: readIDColumn(filepath.Join(task.Dirs.Chroot, "etc", "group")),
	}

	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("supervisor: marshaling discovered ids: %w", err)
	}
	if err := os.WriteFile(task.DiscoveryFile, raw, 0o644); err != nil {
		return fmt.Errorf("supervisor: writing discovery file: %w", err)
	}

	log.WithFields(logrus.Fields{"uids": len(ids.Uids), "gids": len(ids.Gids)}).Debug("preflight discovery complete")
	return nil
}

// runInit mounts the overlay, chroots into it, and execve's the
// container's command. On success this never returns: execve replaces
// the process image.
func runInit(task childTask, log *logrus.Entry) error {
	if err := overlay.Mount(task.LowerDirs, task.Dirs); err != nil {
		return fmt.Errorf("supervisor: init mount: %w", err)
	}
	if err := overlay.Chroot(task.Dirs); err != nil {
		return fmt.Errorf("supervisor: init chroot: %w", err)
	}

	if len(task.Argv) == 0 {
		return fmt.Errorf("supervisor: empty command line")
	}

	bin, err := resolveInChrootPath(task.Argv[0])
	if err != nil {
		return fmt.Errorf("supervisor: resolving %q: %w", task.Argv[0], err)
	}

	log.WithField("argv", task.Argv).Info("execve'ing container entrypoint")
	return syscall.Exec(bin, task.Argv, task.Env)
}

// resolveInChrootPath looks up name on PATH as seen from inside the
// chroot (the process has already chrooted by the time this runs).
func resolveInChrootPath(name string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	for _, dir := range strings.Split(path, ":") {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%q not found in PATH", name)
}

// readIDColumn is the child-side, plain-os-package equivalent of the
// image package's layer-scanning helper of the same shape, since a
// re-exec'd child operates on real files, never an afero.Fs.
func readIDColumn(path string) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var ids []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			continue
		}
		ids = append(ids, fields[2])
	}
	return ids
}
