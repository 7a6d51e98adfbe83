// Package overlay builds and mounts a container's root filesystem. It
// uses a single service with a constructor-and-method layout: directory-
// tree construction runs through an afero.Fs so it is unit-testable
// without real mounts, while the mount(2)/chroot(2) calls themselves are
// thin, untested wrappers kept separate from the testable logic.
package overlay

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/tehasdf/pbcr/domain"
)

// Dirs is the directory tree for one container:
// container_dir/{upper,workdir,chroot,volumes}.
type Dirs struct {
	Root    string
	Upper   string
	Work    string
	Chroot  string
	Volumes string
}

// Assembler prepares and mounts overlay root filesystems. Link is the
// hardlink primitive volumes use; it defaults to os.Link and is
// overridable so tests can exercise LinkVolume without real inodes.
type Assembler struct {
	fs            afero.Fs
	containersDir string
	Link          func(src, dst string) error
}

// New builds an Assembler rooted at containersDir (typically
// "<base>/containers").
func New(fs afero.Fs, containersDir string) *Assembler {
	return &Assembler{
		fs:            fs,
		containersDir: containersDir,
		Link:          os.Link,
	}
}

// Prepare creates the directory tree for containerID and returns it.
func (a *Assembler) Prepare(containerID string) (Dirs, error) {
	root := filepath.Join(a.containersDir, containerID)
	d := Dirs{
		Root:    root,
		Upper:   filepath.Join(root, "upper"),
		Work:    filepath.Join(root, "workdir"),
		Chroot:  filepath.Join(root, "chroot"),
		Volumes: filepath.Join(root, "volumes"),
	}

	for _, dir := range []string{d.Upper, d.Work, d.Chroot, d.Volumes} {
		if err := a.fs.MkdirAll(dir, 0o755); err != nil {
			return Dirs{}, fmt.Errorf("overlay: creating %s: %w", dir, err)
		}
	}

	return d, nil
}

// LinkVolume materializes a "source:target" volume inside d.Volumes by
// hardlinking source under the target subpath, creating parent
// directories as needed.
func (a *Assembler) LinkVolume(d Dirs, vol domain.Volume) error {
	dst := filepath.Join(d.Volumes, vol.Target)
	if err := a.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("overlay: creating volume parent for %s: %w", vol.Target, err)
	}
	if err := a.Link(vol.Source, dst); err != nil {
		return fmt.Errorf("overlay: hardlinking volume %s -> %s: %w", vol.Source, dst, err)
	}
	return nil
}

// LowerDirs renders the overlayfs lowerdir list: layers listed
// top-to-bottom (the last-applied layer first), with the volumes
// directory appended when any volume was linked.
func LowerDirs(layers []domain.ImageLayer, d Dirs, hasVolumes bool) []string {
	lower := make([]string, 0, len(layers)+1)
	for i := len(layers) - 1; i >= 0; i-- {
		lower = append(lower, layers[i].Path)
	}
	if hasVolumes {
		lower = append(lower, d.Volumes)
	}
	return lower
}

// MountOptions renders the overlayfs mount option string for d given the
// already-ordered lowerdir list.
func MountOptions(lower []string, d Dirs) string {
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(lower, ":"), d.Upper, d.Work)
}

// Mount mounts the overlayfs at d.Chroot. The caller MUST already be
// running inside a mount namespace owned by the supervised process tree;
// mounting from the host process leaks mounts that outlive the
// container.
func Mount(lower []string, d Dirs) error {
	opts := MountOptions(lower, d)
	if err := unix.Mount("overlay", d.Chroot, "overlay", 0, opts); err != nil {
		return fmt.Errorf("overlay: mount at %s: %w", d.Chroot, err)
	}
	return nil
}

// Chroot changes root to d.Chroot and cwd to "/".
func Chroot(d Dirs) error {
	if err := unix.Chroot(d.Chroot); err != nil {
		return fmt.Errorf("overlay: chroot %s: %w", d.Chroot, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("overlay: chdir /: %w", err)
	}
	return nil
}

// Remove deletes a container's directory tree out-of-process, via `rm
// -rf`: unmount+unlink sequencing inside the same process is unreliable
// while layers may still be referenced by an overlay mount that hasn't
// fully torn down.
func Remove(containerDir string) error {
	cmd := exec.Command("rm", "-rf", containerDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("overlay: rm -rf %s: %w (output: %s)", containerDir, err, strings.TrimSpace(string(out)))
	}
	logrus.WithField("dir", containerDir).Debug("removed container directory")
	return nil
}
