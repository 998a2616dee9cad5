package dlb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsc-pm/dlb/policy"
	"github.com/bsc-pm/dlb/subprocess"
)

func TestDefaultOptions(t *testing.T) {
	opt := DefaultOptions()
	assert.False(t, opt.LewiEnabled)
	assert.Equal(t, subprocess.ModePolling, opt.Mode)
	assert.Equal(t, MpiCallsAll, opt.MpiCalls)
	assert.True(t, opt.KeepCPUBlocked)
	assert.Equal(t, policy.Any, opt.Priority)
}

func TestParseOptionsEmptyArgsKeepsDefaults(t *testing.T) {
	opt, err := ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opt)
}

func TestParseOptionsSetsRecognizedFlags(t *testing.T) {
	opt, err := ParseOptions([]string{
		"--lewi",
		"--mode=async",
		"--lewi-mpi-calls=barrier",
		"--lewi-keep-cpu-on-blocking=false",
		"--lewi-greedy",
		"--lewi-warmup",
		"--priority=nearby-first",
		"--shm-key=foo",
	})
	require.NoError(t, err)
	assert.True(t, opt.LewiEnabled)
	assert.Equal(t, subprocess.ModeAsync, opt.Mode)
	assert.Equal(t, MpiCallsBarrier, opt.MpiCalls)
	assert.False(t, opt.KeepCPUBlocked)
	assert.True(t, opt.Greedy)
	assert.True(t, opt.Warmup)
	assert.Equal(t, policy.NearbyFirst, opt.Priority)
	assert.Equal(t, "foo", opt.ShmKey)
}

func TestParseOptionsUnrecognizedKeyIsIgnored(t *testing.T) {
	_, err := ParseOptions([]string{"--talp-summary=regions"})
	assert.NoError(t, err) // keys for other DLB subsystems must not make parsing fail
}

func TestParseOptionsRejectsBadMode(t *testing.T) {
	_, err := ParseOptions([]string{"--mode=bogus"})
	assert.Error(t, err)
}

func TestParseOptionsRejectsBadMpiCalls(t *testing.T) {
	_, err := ParseOptions([]string{"--lewi-mpi-calls=bogus"})
	assert.Error(t, err)
}

func TestParseOptionsRejectsBadPriority(t *testing.T) {
	_, err := ParseOptions([]string{"--priority=bogus"})
	assert.Error(t, err)
}

func TestLendModeTranslation(t *testing.T) {
	opt := DefaultOptions()
	opt.KeepCPUBlocked = true
	assert.Equal(t, policy.OneCpu, opt.lendMode())

	opt.KeepCPUBlocked = false
	assert.Equal(t, policy.Block, opt.lendMode())
}

func TestMpiCallsString(t *testing.T) {
	assert.Equal(t, "all", MpiCallsAll.String())
	assert.Equal(t, "barrier", MpiCallsBarrier.String())
	assert.Equal(t, "collectives", MpiCallsCollectives.String())
}
