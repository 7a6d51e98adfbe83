// Package idmap builds the newuidmap/newgidmap argument lists that map a
// container's interior uids/gids to subordinate ranges the invoking user
// owns. The subuid/subgid line format it parses is the same one
// docker/docker/pkg/idtools consumes ("name:start:count"); this package
// is the pbcr-local equivalent of that responsibility, scoped down to a
// lookup-then-format rule.
package idmap

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrNoSubordinateRange is returned when no matching entry exists for the
// requested user in the subuid/subgid file.
var ErrNoSubordinateRange = fmt.Errorf("idmap: no subordinate id range found")

// Range is one "name:start:count" entry.
type Range struct {
	Name  string
	Start uint32
	Count uint32
}

// ParseRangeFile parses /etc/subuid or /etc/subgid formatted content.
func ParseRangeFile(r *bufio.Scanner) ([]Range, error) {
	var ranges []Range
	for r.Scan() {
		line := strings.TrimSpace(r.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 3 {
			continue
		}
		start, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			continue
		}
		count, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		ranges = append(ranges, Range{Name: fields[0], Start: uint32(start), Count: uint32(count)})
	}
	return ranges, r.Err()
}

// LookupBase returns the Start of the first range entry matching name.
func LookupBase(ranges []Range, name string) (uint32, error) {
	for _, r := range ranges {
		if r.Name == name {
			return r.Start, nil
		}
	}
	return 0, ErrNoSubordinateRange
}

// Mapper holds the outer uid/gid bases discovered for the invoking user.
type Mapper struct {
	User     string
	RootUID  uint32
	RootGID  uint32
	UidBase  uint32
	GidBase  uint32
	UidMapBinary string
	GidMapBinary string
}

// NewMapper parses /etc/subuid and /etc/subgid for the named user.
func NewMapper(user string, rootUID, rootGID uint32) (*Mapper, error) {
	uidBase, err := lookupFile("/etc/subuid", user)
	if err != nil {
		return nil, fmt.Errorf("idmap: subuid lookup for %q: %w", user, err)
	}
	gidBase, err := lookupFile("/etc/subgid", user)
	if err != nil {
		return nil, fmt.Errorf("idmap: subgid lookup for %q: %w", user, err)
	}

	return &Mapper{
		User:         user,
		RootUID:      rootUID,
		RootGID:      rootGID,
		UidBase:      uidBase,
		GidBase:      gidBase,
		UidMapBinary: "newuidmap",
		GidMapBinary: "newgidmap",
	}, nil
}

func lookupFile(path, user string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	ranges, err := ParseRangeFile(bufio.NewScanner(f))
	if err != nil {
		return 0, err
	}
	return LookupBase(ranges, user)
}

// FormatArgs renders the map-formatting rule: the tuple
// (0, rootOuter, 1) is always first; 0 is excluded from ids, and if any
// ids remain a single (min(ids), base, max(ids)-min(ids)+1) tuple is
// appended. The result alternates "inside outside length".
func FormatArgs(ids []uint32, base uint32, rootOuter uint32) []string {
	args := []string{"0", strconv.FormatUint(uint64(rootOuter), 10), "1"}

	filtered := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		return args
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i] < filtered[j] })
	min := filtered[0]
	max := filtered[len(filtered)-1]
	length := max - min + 1

	args = append(args,
		strconv.FormatUint(uint64(min), 10),
		strconv.FormatUint(uint64(base), 10),
		strconv.FormatUint(uint64(length), 10),
	)
	return args
}

// ParseIDStrings converts the decimal-string uids/gids discovered by the
// pre-flight probe (ImageConfig.Uids/Gids) into uint32 for FormatArgs.
func ParseIDStrings(ss []string) []uint32 {
	out := make([]uint32, 0, len(ss))
	for _, s := range ss {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	return out
}

// ApplyUID runs newuidmap for pid with ids mapped through m.UidBase.
// Failures are fatal: the child cannot proceed without maps.
func (m *Mapper) ApplyUID(pid int, ids []uint32) error {
	return m.apply(m.UidMapBinary, pid, ids, m.UidBase, m.RootUID)
}

// ApplyGID runs newgidmap for pid with ids mapped through m.GidBase.
func (m *Mapper) ApplyGID(pid int, ids []uint32) error {
	return m.apply(m.GidMapBinary, pid, ids, m.GidBase, m.RootGID)
}

func (m *Mapper) apply(binary string, pid int, ids []uint32, base, rootOuter uint32) error {
	args := append([]string{strconv.Itoa(pid)}, FormatArgs(ids, base, rootOuter)...)

	logrus.WithFields(logrus.Fields{
		"binary": binary,
		"pid":    pid,
		"args":   args[1:],
	}).Debug("applying id map")

	cmd := exec.Command(binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("idmap: %s failed: %w (output: %s)", binary, err, strings.TrimSpace(string(out)))
	}
	return nil
}
