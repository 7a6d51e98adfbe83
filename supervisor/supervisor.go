// Package supervisor implements the container launch pipeline: image
// resolution, overlay construction, the pre-flight and main forks, TUN
// handoff, and foreground/daemon lifecycle. It is the orchestration root:
// construct every service, then drive the operation end to end.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/tehasdf/pbcr/domain"
	"github.com/tehasdf/pbcr/idmap"
	"github.com/tehasdf/pbcr/image"
	"github.com/tehasdf/pbcr/metrics"
	"github.com/tehasdf/pbcr/netns"
	"github.com/tehasdf/pbcr/overlay"
	"github.com/tehasdf/pbcr/store"
	"github.com/tehasdf/pbcr/tcpstack"
)

// unshareFlags is the namespace set both the pre-flight and the init
// child unshare into.
const unshareFlags = unix.CLONE_NEWUSER | unix.CLONE_NEWCGROUP | unix.CLONE_NEWNS | unix.CLONE_NEWNET

// Supervisor drives run(config) end to end.
type Supervisor struct {
	fs         afero.Fs
	containers *store.ContainerStore
	resolver   *image.Resolver
	assembler  *overlay.Assembler
	metrics    *metrics.Registry
	selfPath   string
}

// New builds a Supervisor. selfPath is this binary's own path, used to
// re-exec the pre-flight/init/tun-helper child stages.
func New(fs afero.Fs, containers *store.ContainerStore, resolver *image.Resolver, assembler *overlay.Assembler, m *metrics.Registry) (*Supervisor, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("supervisor: resolving own executable path: %w", err)
	}
	return &Supervisor{fs: fs, containers: containers, resolver: resolver, assembler: assembler, metrics: m, selfPath: self}, nil
}

// Run drives a container from image resolution through to the init
// process exiting. It always waits for the init process, daemon run or
// not, and returns that process's exit code.
func (s *Supervisor) Run(ctx context.Context, cfg domain.ContainerConfig) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 1, err
	}

	img, err := s.resolver.Resolve(ctx, cfg.ImageName)
	if err != nil {
		return 1, fmt.Errorf("supervisor: resolving image: %w", err)
	}

	id := cfg.Name
	if id == "" {
		id = xid.New().String()
	}

	container := domain.Container{ContainerID: id, ImageRegistry: img.Registry, ImageName: img.Name()}
	if err := s.containers.Upsert(container); err != nil {
		return 1, fmt.Errorf("supervisor: persisting container record: %w", err)
	}

	dirs, err := s.assembler.Prepare(id)
	if err != nil {
		return 1, fmt.Errorf("supervisor: preparing overlay tree: %w", err)
	}

	hasVolumes := len(cfg.Volumes) > 0
	for _, v := range cfg.Volumes {
		if err := s.assembler.LinkVolume(dirs, v); err != nil {
			s.cleanupBestEffort(id, dirs)
			return 1, fmt.Errorf("supervisor: linking volume %s: %w", v.Target, err)
		}
	}
	lower := overlay.LowerDirs(img.Layers, dirs, hasVolumes)

	argv, err := deriveCommandLine(cfg, img)
	if err != nil {
		s.cleanupBestEffort(id, dirs)
		return 1, fmt.Errorf("supervisor: %w", err)
	}

	u, err := user.Current()
	if err != nil {
		s.cleanupBestEffort(id, dirs)
		return 1, fmt.Errorf("supervisor: looking up current user: %w", err)
	}
	mapper, err := idmap.NewMapper(u.Username, uint32(os.Getuid()), uint32(os.Getgid()))
	if err != nil {
		s.cleanupBestEffort(id, dirs)
		return 1, fmt.Errorf("supervisor: building id mapper: %w", err)
	}

	discovered, err := s.runPreflightFork(ctx, id, dirs, lower, mapper)
	if err != nil {
		s.cleanupBestEffort(id, dirs)
		return 1, fmt.Errorf("supervisor: pre-flight: %w", err)
	}
	container.UidFirst, container.UidSize = idRange(discovered.Uids)
	container.GidFirst, container.GidSize = idRange(discovered.Gids)
	if err := s.containers.Upsert(container); err != nil {
		s.cleanupBestEffort(id, dirs)
		return 1, fmt.Errorf("supervisor: persisting discovered ids: %w", err)
	}

	initCmd, err := s.startInitFork(ctx, id, dirs, lower, argv, img, mapper, discovered)
	if err != nil {
		s.cleanupBestEffort(id, dirs)
		return 1, fmt.Errorf("supervisor: main fork: %w", err)
	}

	pid := initCmd.Process.Pid
	container.Pid = &pid
	if err := s.containers.Upsert(container); err != nil {
		logrus.WithError(err).Warn("supervisor: failed recording init pid")
	}

	stackCtx, cancelStack := context.WithCancel(ctx)
	defer cancelStack()
	if err := s.startNetworking(stackCtx, pid); err != nil {
		logrus.WithError(err).Error("supervisor: tun setup failed, container has no network")
	}

	// Whether the *CLI invocation* detaches and returns immediately for a
	// daemon run is cmd/pbcr's concern (it re-execs itself under Setsid
	// before ever constructing a Supervisor). By the time Run is driving a
	// real container, this process — foreground or the detached daemon
	// process alike — is this container's sole supervisor and always
	// waits for its init to exit.
	signal.Ignore(syscall.SIGINT)
	defer signal.Reset(syscall.SIGINT)

	waitErr := initCmd.Wait()
	exitCode := exitCodeFromError(waitErr)

	if cfg.Remove {
		if err := s.containers.Remove(id); err != nil {
			logrus.WithError(err).Warn("supervisor: failed removing container record")
		}
		if err := overlay.Remove(dirs.Root); err != nil {
			logrus.WithError(err).Warn("supervisor: failed removing container directory")
		}
	}

	return exitCode, nil
}

// runPreflightFork runs a first child that mounts the overlay and scans
// it for uid/gid material, gated by a minimal identity map so the child
// can mount at all.
func (s *Supervisor) runPreflightFork(ctx context.Context, id string, dirs overlay.Dirs, lower []string, mapper *idmap.Mapper) (discoveredIDs, error) {
	discoveryFile := filepath.Join(dirs.Root, "discovered_ids.json")
	task := childTask{Stage: stagePreflight, ContainerID: id, Dirs: dirs, LowerDirs: lower, DiscoveryFile: discoveryFile}

	cmd, barrier, err := s.spawnNamespacedChild(task)
	if err != nil {
		return discoveredIDs{}, err
	}
	defer barrier.Close()

	if err := mapper.ApplyUID(cmd.Process.Pid, nil); err != nil {
		return discoveredIDs{}, fmt.Errorf("installing minimal uid map: %w", err)
	}
	if err := mapper.ApplyGID(cmd.Process.Pid, nil); err != nil {
		return discoveredIDs{}, fmt.Errorf("installing minimal gid map: %w", err)
	}
	if err := barrier.Signal(); err != nil {
		return discoveredIDs{}, fmt.Errorf("releasing pre-flight child: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		return discoveredIDs{}, fmt.Errorf("pre-flight child failed: %w", err)
	}

	raw, err := afero.ReadFile(s.fs, discoveryFile)
	if err != nil {
		return discoveredIDs{}, fmt.Errorf("reading discovery file: %w", err)
	}
	var ids discoveredIDs
	if err := json.Unmarshal(raw, &ids); err != nil {
		return discoveredIDs{}, fmt.Errorf("parsing discovery file: %w", err)
	}
	return ids, nil
}

// startInitFork runs the main fork. It installs full id maps using the
// ids discovered in pre-flight, releases the child, and returns without
// waiting for it; Run waits for it once networking is started.
func (s *Supervisor) startInitFork(ctx context.Context, id string, dirs overlay.Dirs, lower, argv []string, img domain.Image, mapper *idmap.Mapper, discovered discoveredIDs) (*exec.Cmd, error) {
	task := childTask{
		Stage:       stageInit,
		ContainerID: id,
		Dirs:        dirs,
		LowerDirs:   lower,
		Argv:        argv,
		Env:         img.Config.Config.Env,
	}

	cmd, barrier, err := s.spawnNamespacedChild(task)
	if err != nil {
		return nil, err
	}
	defer barrier.Close()

	uids := idmap.ParseIDStrings(discovered.Uids)
	gids := idmap.ParseIDStrings(discovered.Gids)

	if err := mapper.ApplyUID(cmd.Process.Pid, uids); err != nil {
		return nil, fmt.Errorf("installing full uid map: %w", err)
	}
	if err := mapper.ApplyGID(cmd.Process.Pid, gids); err != nil {
		return nil, fmt.Errorf("installing full gid map: %w", err)
	}
	if err := barrier.Signal(); err != nil {
		return nil, fmt.Errorf("releasing init child: %w", err)
	}

	return cmd, nil
}

// spawnNamespacedChild re-execs the supervisor binary into the hidden
// child subcommand, unsharing unshareFlags, and returns once the child
// has started (but before it's released from the fork barrier).
func (s *Supervisor) spawnNamespacedChild(task childTask) (*exec.Cmd, *netns.ForkBarrier, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding child task: %w", err)
	}

	cmd := exec.Command(s.selfPath, childSubcommand, string(task.Stage))
	cmd.Env = append(os.Environ(), envTask+"="+string(raw), fmt.Sprintf("%s=%d", envParentPid, os.Getpid()))
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: unshareFlags}

	barrier := netns.NewForkBarrier(false)

	if err := cmd.Start(); err != nil {
		barrier.Close()
		return nil, nil, fmt.Errorf("starting %s child: %w", task.Stage, err)
	}
	barrier.SetPeer(cmd.Process.Pid)

	return cmd, barrier, nil
}

// startNetworking launches the tun-helper to join childPid's namespaces
// and hand back a tun fd, then starts the TCP stack reading/writing it.
func (s *Supervisor) startNetworking(ctx context.Context, childPid int) error {
	tun, err := s.spawnTunHelper(childPid)
	if err != nil {
		return err
	}

	stack := tcpstack.New(tun, s.metrics, logrus.WithField("component", "tcpstack"))
	go func() {
		<-ctx.Done()
		stack.Close()
		tun.Close()
	}()

	go func() {
		buf := make([]byte, 65536)
		for {
			n, err := tun.Read(buf)
			if err != nil {
				return
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			stack.Enqueue(pkt)
		}
	}()

	go func() {
		if err := stack.Run(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("tcp stack stopped unexpectedly")
		}
	}()

	return nil
}

// spawnTunHelper launches the tun-helper child with one end of an
// anonymous socketpair inherited across exec() (ExtraFiles), and receives
// the tun fd back over the other end via the SCM_RIGHTS primitive
// netns.SendTunFD/RecvTunFD implement.
func (s *Supervisor) spawnTunHelper(childPid int) (*os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("supervisor: socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "tun-parent")
	childFile := os.NewFile(uintptr(fds[1]), "tun-child")

	task := childTask{Stage: stageTunHelper, TargetPid: childPid}
	raw, err := json.Marshal(task)
	if err != nil {
		parentFile.Close()
		childFile.Close()
		return nil, fmt.Errorf("supervisor: encoding tun helper task: %w", err)
	}

	cmd := exec.Command(s.selfPath, childSubcommand, string(stageTunHelper))
	cmd.Env = append(os.Environ(), envTask+"="+string(raw))
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr

	if err := cmd.Start(); err != nil {
		parentFile.Close()
		childFile.Close()
		return nil, fmt.Errorf("supervisor: starting tun helper: %w", err)
	}
	childFile.Close()

	rawConn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening tun helper conn: %w", err)
	}
	conn, ok := rawConn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("supervisor: tun helper conn is not unix")
	}
	defer conn.Close()

	fd, err := netns.RecvTunFD(conn)
	if err != nil {
		return nil, fmt.Errorf("supervisor: receiving tun fd: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		logrus.WithError(err).Warn("supervisor: tun helper exited with error after handoff")
	}

	return os.NewFile(uintptr(fd), netns.TunName), nil
}

// idRange reduces a set of decimal id strings to the (first, size) pair
// domain.Container persists for the discovered uid/gid range.
func idRange(ids []string) (uint32, uint32) {
	parsed := idmap.ParseIDStrings(ids)
	if len(parsed) == 0 {
		return 0, 0
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i] < parsed[j] })
	first := parsed[0]
	last := parsed[len(parsed)-1]
	return first, last - first + 1
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// cleanupBestEffort removes a partially-constructed container's record
// and directory tree on a namespace/mount failure, best-effort.
func (s *Supervisor) cleanupBestEffort(id string, dirs overlay.Dirs) {
	if err := s.containers.Remove(id); err != nil {
		logrus.WithError(err).Warn("supervisor: cleanup: failed removing container record")
	}
	if err := overlay.Remove(dirs.Root); err != nil {
		logrus.WithError(err).Warn("supervisor: cleanup: failed removing container directory")
	}
}

