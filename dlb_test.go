package dlb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/pmi"
	"github.com/bsc-pm/dlb/internal/status"
)

func maskOf(cpus ...int) cpuset.Mask {
	var m cpuset.Mask
	for _, c := range cpus {
		m.Set(c)
	}
	return m
}

// lewiArgs turns on the LeWI policy (off by default, per DefaultOptions)
// for tests that exercise actual lend/reclaim/acquire/borrow behavior.
var lewiArgs = []string{"--lewi"}

func TestInitRegistersExplicitMask(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0, 1), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	m, code := GetProcessMask(h)
	assert.Equal(t, status.Success, code)
	assert.True(t, cpuset.Equal(m, maskOf(0, 1)))
}

func TestInitWithEmptyMaskUsesOwnAffinity(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(cpuset.Mask{}, nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	m, _ := GetProcessMask(h)
	assert.Greater(t, m.Count(), 0)
}

func TestInitRejectsBadOptions(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	_, code := Init(maskOf(0), []string{"--mode=bogus"})
	assert.Equal(t, status.NotComposable, code)
}

func TestPreInitLeavesPolicyDisabled(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := PreInit(maskOf(0, 1), lewiArgs)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	code = IntoBlockingCall(h)
	assert.Equal(t, status.Disabled, code)
}

func TestEnableDisableRoundtrip(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := PreInit(maskOf(0, 1), lewiArgs)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	require.Equal(t, status.Success, Enable(h))
	assert.False(t, IntoBlockingCall(h).IsError())

	require.Equal(t, status.Success, Disable(h))
	assert.Equal(t, status.Disabled, IntoBlockingCall(h))
}

func TestResolveFallsBackToProcessDefault(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0, 1), lewiArgs)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	// nil handle resolves to the process default installed by Init, whose
	// policy Init already enabled, so Enable changes nothing.
	code = Enable(nil)
	assert.Equal(t, status.NoUpdate, code)
}

func TestResolveWithoutInitFails(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	_, code := GetProcessMask(nil)
	assert.Equal(t, status.NoInit, code)
}

func TestSetAndUnsetMaxParallelism(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0, 1, 2, 3), lewiArgs)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	code = SetMaxParallelism(h, 2)
	assert.False(t, code.IsError())

	code = UnsetMaxParallelism(h)
	assert.Equal(t, status.Success, code)
}

func TestCallbackSetAndGet(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0, 1), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	assert.False(t, CallbackGet(h, pmi.EnableCPU))

	code = CallbackSet(h, pmi.EnableCPU, pmi.CPUFunc(func(int) {}))
	assert.Equal(t, status.Success, code)
	assert.True(t, CallbackGet(h, pmi.EnableCPU))
}

func TestCallbackSetRejectsWrongFuncType(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0, 1), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	code = CallbackSet(h, pmi.EnableCPU, func() {})
	assert.True(t, code.IsError())
}

func TestLendReclaimRoundtripThroughPublicAPI(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0, 1, 2, 3), lewiArgs)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	code = Lend(h)
	assert.False(t, code.IsError())

	code = Reclaim(h)
	assert.False(t, code.IsError())
}

func TestLendReclaimThroughPublicAPIWithLeWICountOnly(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0, 1, 2, 3), []string{"--lewi", "--lewi-mask=false"})
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	code = Lend(h)
	assert.False(t, code.IsError())

	code = Reclaim(h)
	assert.False(t, code.IsError())
}

func TestLendCPUThenAcquireCPU(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	owner, code := Init(maskOf(0, 1), lewiArgs)
	require.Equal(t, status.Success, code)
	defer Finalize(owner)

	code = LendCPU(owner, 1)
	assert.False(t, code.IsError())

	code = AcquireCPU(owner, 1)
	assert.False(t, code.IsError())
}

func TestBorrowCPUsWithNothingLentIsNoUpdate(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0), lewiArgs)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	code = BorrowCPUs(h, 1)
	assert.Equal(t, status.NoUpdate, code)
}

func TestCheckCpuAvailabilityReflectsGuestState(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0), lewiArgs)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	assert.True(t, CheckCpuAvailability(h, 0))
	assert.False(t, CheckCpuAvailability(h, 1))
}

func TestCheckCpuAvailabilityWithoutInitIsFalse(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	assert.False(t, CheckCpuAvailability(nil, 0))
}

func TestPollDROMReportsNoUpdateThenSuccessOnChange(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	_, code = PollDROM(h)
	assert.Equal(t, status.NoUpdate, code)

	code = SetProcessMask(h, maskOf(0, 1))
	require.False(t, code.IsError())

	m, code := PollDROM(h)
	assert.Equal(t, status.Success, code)
	assert.True(t, cpuset.Equal(m, maskOf(0, 1)))
}

func TestGetProcessMaskWithoutInitFails(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	_, code := GetProcessMask(nil)
	assert.Equal(t, status.NoInit, code)
}

func TestGetAndSetVariableRoundtrip(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0, 1), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	v, code := GetVariable(h, "--lewi-greedy")
	assert.Equal(t, status.Success, code)
	assert.Equal(t, "false", v)

	code = SetVariable(h, "--lewi-greedy", "true")
	assert.Equal(t, status.Success, code)

	v, code = GetVariable(h, "--lewi-greedy")
	assert.Equal(t, status.Success, code)
	assert.Equal(t, "true", v)
}

func TestGetVariableUnknownKeyIsNoEntry(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	_, code = GetVariable(h, "--bogus")
	assert.Equal(t, status.NoEntry, code)
}

func TestSetVariableRejectsBadBool(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	code = SetVariable(h, "--lewi-greedy", "not-a-bool")
	assert.Equal(t, status.Unknown, code)
}

func TestSetVariableKeepCpuOnBlockingTogglesLendMode(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	code = SetVariable(h, "--lewi-keep-cpu-on-blocking", "false")
	assert.Equal(t, status.Success, code)

	v, _ := GetVariable(h, "--lewi-keep-cpu-on-blocking")
	assert.Equal(t, "false", v)
}

func TestPrintVariablesAndPrintShmemDoNotPanic(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0, 1), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	assert.NotPanics(t, func() { PrintVariables(h) })
	assert.NotPanics(t, func() { PrintShmem(h) })
}

func TestPrintVariablesWithoutInitWarnsAndDoesNotPanic(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	assert.NotPanics(t, func() { PrintVariables(nil) })
}

func TestSetLoggerNilFallsBackToNullLogger(t *testing.T) {
	SetLogger(nil)
	assert.NotNil(t, logger)
}

func TestFinalizeTornDownHandleIsNotReusable(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0), nil)
	require.Equal(t, status.Success, code)

	code = Finalize(h)
	assert.False(t, code.IsError())

	_, code = resolve(nil)
	assert.Equal(t, status.NoInit, code)
}
