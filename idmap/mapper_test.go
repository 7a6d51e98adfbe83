package idmap

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRangeFile(t *testing.T) {
	s := bufio.NewScanner(strings.NewReader("alice:100000:65536\n# comment\nbob:165536:65536\n"))
	ranges, err := ParseRangeFile(s)
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, "alice", ranges[0].Name)
	assert.Equal(t, uint32(100000), ranges[0].Start)
}

func TestLookupBaseFirstMatch(t *testing.T) {
	ranges := []Range{
		{Name: "alice", Start: 100000, Count: 65536},
		{Name: "alice", Start: 200000, Count: 65536},
	}
	base, err := LookupBase(ranges, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(100000), base)
}

func TestLookupBaseMissing(t *testing.T) {
	_, err := LookupBase(nil, "nobody")
	assert.ErrorIs(t, err, ErrNoSubordinateRange)
}

// TestFormatArgsScenario exercises a realistic discovered-ids set mapped
// against a non-trivial subordinate base.
func TestFormatArgsScenario(t *testing.T) {
	ids := ParseIDStrings([]string{"0", "1", "1000"})
	args := FormatArgs(ids, 100000, 1000)
	assert.Equal(t, []string{"0", "1000", "1", "1", "100000", "1000"}, args)
}

func TestFormatArgsAlwaysStartsWithRoot(t *testing.T) {
	args := FormatArgs(nil, 100000, 1000)
	assert.Equal(t, []string{"0", "1000", "1"}, args)
}

func TestFormatArgsExcludesZero(t *testing.T) {
	ids := ParseIDStrings([]string{"0"})
	args := FormatArgs(ids, 100000, 1000)
	assert.Equal(t, []string{"0", "1000", "1"}, args)
}
