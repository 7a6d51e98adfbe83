package domain

import "fmt"

// Container is the persisted record of one launched or launching
// container. Pid is nil before the init process is forked, set once it
// has, and is what `ps`/`rm` use to probe liveness.
type Container struct {
	ContainerID   string `json:"container_id"`
	Pid           *int   `json:"pid,omitempty"`
	ImageRegistry string `json:"image_registry"`
	ImageName     string `json:"image_name"`

	// UidFirst/UidSize/GidFirst/GidSize record the discovered image ids
	// (see image.Resolver) once the pre-flight child has probed them; the
	// supervisor needs these to compute the full uid/gid maps.
	UidFirst uint32 `json:"uid_first,omitempty"`
	UidSize  uint32 `json:"uid_size,omitempty"`
	GidFirst uint32 `json:"gid_first,omitempty"`
	GidSize  uint32 `json:"gid_size,omitempty"`
}

// IsRunning reports whether the container has a recorded pid. It does not
// check that the pid is still alive; callers that care (e.g. `rm`) probe
// that separately (cmd/pbcr's processAlive).
func (c Container) IsRunning() bool {
	return c.Pid != nil
}

func (c Container) String() string {
	pid := "none"
	if c.Pid != nil {
		pid = fmt.Sprintf("%d", *c.Pid)
	}
	return fmt.Sprintf("%s (pid=%s image=%s/%s)", c.ContainerID, pid, c.ImageRegistry, c.ImageName)
}

// Volume is one `-v SRC:DST` bind request.
type Volume struct {
	Source string
	Target string
}

// ContainerConfig is the desired state for `run`.
//
// Invariant: Daemon && Remove is rejected at config-validation time, before
// any namespace or filesystem work begins.
type ContainerConfig struct {
	ImageName  string
	Entrypoint string
	Command    []string
	Name       string
	Daemon     bool
	Remove     bool
	Volumes    []Volume
}

// Validate enforces the Daemon/Remove invariant.
func (c ContainerConfig) Validate() error {
	if c.Daemon && c.Remove {
		return fmt.Errorf("domain: --daemon and --rm cannot be combined")
	}
	if c.ImageName == "" {
		return fmt.Errorf("domain: image name is required")
	}
	return nil
}
