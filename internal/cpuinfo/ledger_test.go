package cpuinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/shmem"
	"github.com/bsc-pm/dlb/internal/status"
)

func openTestLedger(t *testing.T, ncpus int) *Ledger {
	t.Helper()
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	seg, err := shmem.Open("cpuinfo", "", PayloadSize(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close(0, shmem.CloseDelete) })
	l, err := Open(seg, ncpus, nil)
	require.NoError(t, err)
	return l
}

func maskOf(cpus ...int) cpuset.Mask {
	var m cpuset.Mask
	for _, c := range cpus {
		m.Set(c)
	}
	return m
}

func TestRegisterOwnsAndGuests(t *testing.T) {
	l := openTestLedger(t, 4)
	code := l.Register(100, maskOf(0, 1), false)
	assert.Equal(t, status.Success, code)

	s := l.Snapshot(0)
	assert.Equal(t, 100, s.Owner)
	assert.Equal(t, 100, s.Guest)
	assert.Equal(t, Busy, s.State)
}

func TestRegisterRejectsForeignOwnership(t *testing.T) {
	l := openTestLedger(t, 4)
	require.Equal(t, status.Success, l.Register(100, maskOf(0), false))
	code := l.Register(200, maskOf(0), false)
	assert.Equal(t, status.Permission, code)
}

func TestRegisterStealOverridesOwnership(t *testing.T) {
	l := openTestLedger(t, 4)
	require.Equal(t, status.Success, l.Register(100, maskOf(0), false))
	code := l.Register(200, maskOf(0), true)
	assert.Equal(t, status.Success, code)
	assert.Equal(t, 200, l.Snapshot(0).Owner)
}

func TestDeregisterDisabledByDefault(t *testing.T) {
	l := openTestLedger(t, 4)
	l.Register(100, maskOf(0, 1), false)
	_, empty := l.Deregister(100, false)
	assert.True(t, empty)

	s := l.Snapshot(0)
	assert.Equal(t, NobodyPID, s.Owner)
	assert.Equal(t, Disabled, s.State)
}

func TestDeregisterPostMortemPublicLendsOwnerless(t *testing.T) {
	l := openTestLedger(t, 4)
	l.Register(100, maskOf(0), false)
	l.Deregister(100, true)

	s := l.Snapshot(0)
	assert.Equal(t, NobodyPID, s.Owner)
	assert.Equal(t, Lent, s.State)
}

func TestDeregisterNotEmptyWhenOtherOwnerRemains(t *testing.T) {
	l := openTestLedger(t, 4)
	l.Register(100, maskOf(0), false)
	l.Register(200, maskOf(1), false)
	_, empty := l.Deregister(100, false)
	assert.False(t, empty)
}

func TestCheckCpuAvailability(t *testing.T) {
	l := openTestLedger(t, 4)
	l.Register(100, maskOf(0), false)
	assert.True(t, l.CheckCpuAvailability(100, 0))
	assert.False(t, l.CheckCpuAvailability(200, 0))
}
