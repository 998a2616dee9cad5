package subprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/status"
	"github.com/bsc-pm/dlb/policy"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	return Config{
		NCPUs:       4,
		LewiEnabled: true,
		LendMode:    policy.OneCpu,
		Priority:    policy.Any,
	}
}

func maskOf(cpus ...int) cpuset.Mask {
	var m cpuset.Mask
	for _, c := range cpus {
		m.Set(c)
	}
	return m
}

func TestInitInstallsDefault(t *testing.T) {
	cfg := testConfig(t)
	d, code := Init(101, maskOf(0, 1), cfg)
	require.Equal(t, status.Success, code)
	defer Finalize(d)

	got, code := Default()
	assert.Equal(t, status.Success, code)
	assert.Same(t, d, got)
}

func TestInitTwiceWithSamePidFails(t *testing.T) {
	cfg := testConfig(t)
	d, code := Init(102, maskOf(0), cfg)
	require.Equal(t, status.Success, code)
	defer Finalize(d)

	_, code = Init(102, maskOf(0), cfg)
	assert.Equal(t, status.AlreadyInit, code)
}

func TestDefaultWithoutInitFails(t *testing.T) {
	_, code := Default()
	assert.Equal(t, status.NoInit, code)
}

func TestInitSpDoesNotInstallDefault(t *testing.T) {
	cfg := testConfig(t)
	d, code := InitSp(103, maskOf(0, 1), cfg)
	require.Equal(t, status.Success, code)
	defer Finalize(d)

	_, code = Default()
	assert.Equal(t, status.NoInit, code)
}

func TestFinalizeRemovesFromRegistry(t *testing.T) {
	cfg := testConfig(t)
	d, code := Init(104, maskOf(0), cfg)
	require.Equal(t, status.Success, code)

	code = Finalize(d)
	assert.False(t, code.IsError())

	_, code = Default()
	assert.Equal(t, status.NoInit, code)
}

func TestDescriptorPolicyAndContextAccessors(t *testing.T) {
	cfg := testConfig(t)
	d, code := Init(105, maskOf(0, 1, 2, 3), cfg)
	require.Equal(t, status.Success, code)
	defer Finalize(d)

	assert.NotNil(t, d.Policy())
	assert.Equal(t, 105, d.Context().PID)
	assert.Equal(t, "", d.ShmKey())
}

func TestMaskAwareSelectsLeWIMask(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaskAware = true
	d, code := Init(106, maskOf(0), cfg)
	require.Equal(t, status.Success, code)
	defer Finalize(d)

	_, ok := d.Policy().(*policy.LeWIMask)
	assert.True(t, ok)
}

func TestCountOnlySelectsLeWI(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaskAware = false
	d, code := Init(107, maskOf(0), cfg)
	require.Equal(t, status.Success, code)
	defer Finalize(d)

	_, ok := d.Policy().(*policy.LeWI)
	assert.True(t, ok)
}

func TestLewiDisabledSelectsNoOpPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.LewiEnabled = false
	d, code := Init(109, maskOf(0), cfg)
	require.Equal(t, status.Success, code)
	defer Finalize(d)

	_, ok := d.Policy().(*policy.NoOp)
	assert.True(t, ok)

	assert.Equal(t, status.NoPolicy, d.Policy().Lend(d.Context()))
}

func TestStringIncludesPidAndMask(t *testing.T) {
	cfg := testConfig(t)
	d, code := Init(108, maskOf(0, 1), cfg)
	require.Equal(t, status.Success, code)
	defer Finalize(d)

	assert.Contains(t, d.String(), "108")
}
