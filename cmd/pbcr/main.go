// Command pbcr is pbcr's CLI front-end: a urfave/cli.App with global
// logging flags, an app.Before hook that configures logrus from them, a
// hidden re-exec subcommand, and one cli.Command per verb.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/tehasdf/pbcr/domain"
	"github.com/tehasdf/pbcr/image"
	"github.com/tehasdf/pbcr/metrics"
	"github.com/tehasdf/pbcr/overlay"
	"github.com/tehasdf/pbcr/process"
	"github.com/tehasdf/pbcr/registry"
	"github.com/tehasdf/pbcr/store"
	"github.com/tehasdf/pbcr/supervisor"
)

const (
	usage = `pbcr: a rootless, OCI-compatible container runtime

pbcr launches containers in their own user/mount/net/cgroup namespaces
and bridges their network traffic to the host through a userspace TCP
stack, without requiring root or a setuid helper.
`

	defaultBaseDirName = ".pbcr"

	envReexecMarker = "PBCR_CLI_REEXEC"
)

func main() {
	app := cli.NewApp()
	app.Name = "pbcr"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "base-dir",
			Usage: "state directory for images/containers (default: ~/.pbcr)",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Value: "",
			Usage: "if set, serve Prometheus metrics at this address (e.g. :9090)",
		},
	}

	// Hidden re-exec target for the supervisor's pre-flight/init/tun-helper
	// child stages.
	app.Commands = []cli.Command{
		{
			Name:   "__supervisor-child",
			Hidden: true,
			Action: func(c *cli.Context) error {
				return supervisor.RunChild()
			},
		},
		imagesCommand(),
		pullCommand(),
		runCommand(),
		psCommand(),
		rmCommand(),
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o666)
			if err != nil {
				logrus.Fatalf("error opening log file %v: %v. Exiting ...", path, err)
				return err
			}
			logrus.SetOutput(f)
			log.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
			log.SetOutput(os.Stderr)
		}

		if logFormat := ctx.GlobalString("log-format"); logFormat == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch logLevel := ctx.GlobalString("log-level"); logLevel {
		case "debug":
			flag.Set("tcpstack.debug", "true")
			logrus.SetLevel(logrus.DebugLevel)
		case "info", "":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.Fatalf("log-level option %q not recognized. Exiting ...", logLevel)
		}

		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// deps bundles the services every non-hidden command builds from the
// global flags, constructed and wired inline.
type deps struct {
	fs         afero.Fs
	baseDir    string
	containers *store.ContainerStore
	images     *store.ImageStore
	resolver   *image.Resolver
	assembler  *overlay.Assembler
	metrics    *metrics.Registry
}

func buildDeps(ctx *cli.Context) (*deps, error) {
	base := ctx.GlobalString("base-dir")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("pbcr: resolving home directory: %w", err)
		}
		base = filepath.Join(home, defaultBaseDirName)
	}

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("pbcr: creating base dir %s: %w", base, err)
	}

	containersStore, err := store.NewContainerStore(fs, filepath.Join(base, "containers.json"))
	if err != nil {
		return nil, fmt.Errorf("pbcr: %w", err)
	}
	imagesStore, err := store.NewImageStore(fs, filepath.Join(base, "images.json"))
	if err != nil {
		return nil, fmt.Errorf("pbcr: %w", err)
	}
	tokenStore, err := store.NewTokenStore(fs, filepath.Join(base, "pull_tokens.json"))
	if err != nil {
		return nil, fmt.Errorf("pbcr: %w", err)
	}

	client := registry.NewClient()
	resolver := image.NewResolver(fs, client, imagesStore, tokenStore, filepath.Join(base, "images"))
	assembler := overlay.New(fs, filepath.Join(base, "containers"))

	m := metrics.New()
	if addr := ctx.GlobalString("metrics-addr"); addr != "" {
		go func() {
			if err := m.Serve(addr); err != nil {
				logrus.WithError(err).Warn("pbcr: metrics server stopped")
			}
		}()
	}

	return &deps{
		fs:         fs,
		baseDir:    base,
		containers: containersStore,
		images:     imagesStore,
		resolver:   resolver,
		assembler:  assembler,
		metrics:    m,
	}, nil
}

func imagesCommand() cli.Command {
	return cli.Command{
		Name:  "images",
		Usage: "list locally available images",
		Action: func(ctx *cli.Context) error {
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			printImagesTable(os.Stdout, d.images.List())
			return nil
		},
	}
}

func printImagesTable(w *os.File, summaries []domain.ImageSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Digest", "Registry", "Name", "Tags"})

	for _, s := range summaries {
		digest := s.Digest.Hex()
		if len(digest) > 12 {
			digest = digest[:12]
		}
		table.Append([]string{digest, s.Registry, s.Name, strings.Join(s.Tags, ", ")})
	}

	table.Render()
}

func pullCommand() cli.Command {
	return cli.Command{
		Name:      "pull",
		Usage:     "fetch one or more images from the registry",
		ArgsUsage: "<ref> [<ref>...]",
		Action: func(ctx *cli.Context) error {
			refs := ctx.Args()
			if len(refs) == 0 {
				return fmt.Errorf("pbcr: pull requires at least one image reference")
			}
			for _, ref := range refs {
				if !strings.HasPrefix(ref, "docker.io/") {
					return fmt.Errorf("pbcr: pull: %q must be prefixed with docker.io/", ref)
				}
			}

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}

			for _, ref := range refs {
				img, err := d.resolver.Resolve(context.Background(), ref)
				if err != nil {
					return fmt.Errorf("pbcr: pulling %s: %w", ref, err)
				}
				logrus.WithField("image", img.Name()).Info("pulled")
			}
			return nil
		},
	}
}

func runCommand() cli.Command {
	return cli.Command{
		Name:      "run",
		Usage:     "launch a container from an image",
		ArgsUsage: "<ref>",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "name", Usage: "container name/id (default: generated)"},
			cli.StringFlag{Name: "entrypoint", Usage: "override the image entrypoint"},
			cli.BoolFlag{Name: "daemon, d", Usage: "run detached in the background"},
			cli.BoolFlag{Name: "rm", Usage: "remove the container's state on exit"},
			cli.StringSliceFlag{Name: "volume, v", Usage: "bind mount SRC:DST (repeatable)"},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() == 0 {
				return fmt.Errorf("pbcr: run requires an image reference")
			}

			volumes, err := parseVolumes(ctx.StringSlice("volume"))
			if err != nil {
				return err
			}

			cfg := domain.ContainerConfig{
				ImageName:  ctx.Args().First(),
				Entrypoint: ctx.String("entrypoint"),
				Command:    ctx.Args().Tail(),
				Name:       ctx.String("name"),
				Daemon:     ctx.Bool("daemon"),
				Remove:     ctx.Bool("rm"),
				Volumes:    volumes,
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if cfg.Daemon && os.Getenv(envReexecMarker) == "" {
				return launchDetached(ctx)
			}

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}

			// Named containers get a pidfile guard against a second
			// concurrent `run` under the same --name. Auto-generated names
			// (xid) are always unique, so there's nothing to guard.
			var pidFile string
			if cfg.Name != "" {
				pidFile = filepath.Join(d.baseDir, "pids", cfg.Name+".pid")
				if err := process.CheckPidFile(cfg.Name, pidFile); err != nil {
					return err
				}
				if err := process.CreatePidFile(cfg.Name, pidFile); err != nil {
					return fmt.Errorf("pbcr: %w", err)
				}
				defer func() {
					if err := process.DestroyPidFile(pidFile); err != nil {
						logrus.WithError(err).Warn("pbcr: failed destroying pidfile")
					}
				}()
			}

			sup, err := supervisor.New(d.fs, d.containers, d.resolver, d.assembler, d.metrics)
			if err != nil {
				return fmt.Errorf("pbcr: %w", err)
			}

			systemd.SdNotify(false, systemd.SdNotifyReady)
			d.metrics.ContainersRun.Inc()

			code, err := sup.Run(context.Background(), cfg)
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
}

// launchDetached re-execs this same command under a new session, with
// stdio redirected away from the caller's terminal, then exits
// immediately. By the time control reaches the real supervisor.Run (in
// the detached child, where envReexecMarker is set), that process is the
// container's sole, long-lived owner — see supervisor.Run's comment on
// why daemon detachment can't happen inside it.
func launchDetached(ctx *cli.Context) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("pbcr: resolving own executable path: %w", err)
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envReexecMarker+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("pbcr: opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("pbcr: starting detached container process: %w", err)
	}

	logrus.WithField("pid", cmd.Process.Pid).Info("container started in background")
	return nil
}

func parseVolumes(raw []string) ([]domain.Volume, error) {
	volumes := make([]domain.Volume, 0, len(raw))
	for _, v := range raw {
		parts := strings.SplitN(v, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("pbcr: malformed -v %q, want SRC:DST", v)
		}
		volumes = append(volumes, domain.Volume{Source: parts[0], Target: parts[1]})
	}
	return volumes, nil
}

func psCommand() cli.Command {
	return cli.Command{
		Name:  "ps",
		Usage: "list container records",
		Action: func(ctx *cli.Context) error {
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			printContainersTable(os.Stdout, d.containers.List())
			return nil
		},
	}
}

func printContainersTable(w *os.File, containers []domain.Container) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "PID", "Image", "Status"})

	for _, c := range containers {
		pid := "-"
		status := "stopped"
		if c.Pid != nil {
			pid = strconv.Itoa(*c.Pid)
			if processAlive(*c.Pid) {
				status = "running"
			}
		}
		table.Append([]string{c.ContainerID, pid, c.ImageRegistry + "/" + c.ImageName, status})
	}

	table.Render()
}

func rmCommand() cli.Command {
	return cli.Command{
		Name:      "rm",
		Usage:     "remove a container record",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			cli.BoolFlag{Name: "force, f", Usage: "SIGTERM then SIGKILL a running container before removing it"},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return fmt.Errorf("pbcr: rm requires exactly one container id")
			}
			id := ctx.Args().First()

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}

			c, ok := d.containers.Get(id)
			if !ok {
				return fmt.Errorf("pbcr: no such container: %s", id)
			}

			running := c.Pid != nil && processAlive(*c.Pid)
			if running {
				if !ctx.Bool("force") {
					return fmt.Errorf("pbcr: container %s is running (use --force)", id)
				}
				if err := killAndWait(*c.Pid); err != nil {
					return fmt.Errorf("pbcr: stopping %s: %w", id, err)
				}
			}

			if err := d.containers.Remove(id); err != nil {
				return fmt.Errorf("pbcr: removing container record: %w", err)
			}
			if err := overlay.Remove(filepath.Join(d.baseDir, "containers", id)); err != nil {
				logrus.WithError(err).Warn("pbcr: failed removing container directory")
			}
			return nil
		},
	}
}

// killAndWait runs `rm --force`'s SIGTERM→poll→SIGKILL sequence: give the
// init process five seconds to exit cleanly, then force it.
func killAndWait(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
