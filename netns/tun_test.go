package netns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIfreqFlags(t *testing.T) {
	req, err := newIfreqFlags(TunName, iffTun|iffNoPI)
	require.NoError(t, err)
	assert.Equal(t, "tun0\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00", string(req.name[:]))
	assert.Equal(t, uint16(iffTun|iffNoPI), req.flags)
}

func TestNewIfreqFlagsRejectsLongNames(t *testing.T) {
	_, err := newIfreqFlags("this-name-is-way-too-long-for-ifreq", 0)
	assert.Error(t, err)
}
