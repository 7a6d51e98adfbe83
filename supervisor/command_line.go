package supervisor

import (
	"fmt"
	"strings"

	"github.com/google/shlex"

	"github.com/tehasdf/pbcr/domain"
)

// deriveCommandLine resolves the argv a container's init process runs: an
// explicit --entrypoint override wins outright (shell-quoting tokenized
// via shlex), otherwise the image's own Entrypoint+Cmd is used, falling
// back to Cmd alone when the image sets no Entrypoint.
func deriveCommandLine(cfg domain.ContainerConfig, img domain.Image) ([]string, error) {
	if cfg.Entrypoint != "" {
		combined := cfg.Entrypoint
		if len(cfg.Command) > 0 {
			combined += " " + strings.Join(cfg.Command, " ")
		}
		argv, err := shlex.Split(combined)
		if err != nil {
			return nil, fmt.Errorf("supervisor: tokenizing entrypoint override: %w", err)
		}
		return argv, nil
	}

	rtc := img.Config.Config
	if len(rtc.Entrypoint) > 0 {
		argv := make([]string, 0, len(rtc.Entrypoint)+len(rtc.Cmd))
		argv = append(argv, rtc.Entrypoint...)
		argv = append(argv, rtc.Cmd...)
		return argv, nil
	}

	if len(rtc.Cmd) == 0 {
		return nil, fmt.Errorf("supervisor: image %s has no Entrypoint or Cmd", img.Name())
	}
	return rtc.Cmd, nil
}
