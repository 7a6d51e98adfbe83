package supervisor

import "github.com/tehasdf/pbcr/overlay"

// stage selects which step of the supervisor's fork sequence a re-exec'd
// child process runs.
type stage string

const (
	stagePreflight stage = "preflight"
	stageInit      stage = "init"
	stageTunHelper stage = "tunhelper"

	childSubcommand = "__supervisor-child"
	envTask         = "PBCR_TASK"
	envParentPid    = "PBCR_PARENT_PID"

	// tunSocketFD is the fd the tun-helper's inherited socket lands on:
	// ExtraFiles[0] always becomes fd 3, after stdin/stdout/stderr.
	tunSocketFD = 3
)

// childTask is the JSON-encoded descriptor a re-exec'd child reads from
// its environment; it carries everything the child needs without sharing
// any in-process state with the parent, since the two are separate OS
// processes by the time Cloneflags takes effect.
type childTask struct {
	Stage         stage        `json:"stage"`
	ContainerID   string       `json:"container_id"`
	Dirs          overlay.Dirs `json:"dirs"`
	LowerDirs     []string     `json:"lower_dirs"`
	DiscoveryFile string       `json:"discovery_file"`
	Argv          []string     `json:"argv,omitempty"`
	Env           []string     `json:"env,omitempty"`

	// TargetPid is set only for stageTunHelper: the pid whose user+net
	// namespaces the helper should join.
	TargetPid int `json:"target_pid,omitempty"`
}

// discoveredIDs is what the preflight child writes to task.DiscoveryFile
// for the parent to read back after the child exits.
type discoveredIDs struct {
	Uids []string `json:"uids"`
	Gids []string `json:"gids"`
}
