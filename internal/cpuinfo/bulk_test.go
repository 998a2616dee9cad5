package cpuinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsc-pm/dlb/internal/status"
)

func TestAcquireCPUsPrefersOwnedThenQueuesShortfall(t *testing.T) {
	l := openTestLedger(t, 4)
	require.Equal(t, status.Success, l.Register(100, maskOf(0, 1), false))
	l.AddCPU(100, 0)
	l.AddCPU(100, 1) // both idle, lent

	res := l.AcquireCPUs(100, []int{0, 1}, 3)
	assert.ElementsMatch(t, []int{0, 1}, res.Granted)
	assert.Equal(t, status.Noted, res.Code) // shortfall of 1 queued globally
}

func TestAcquireCPUsZeroCancelsGlobalRequest(t *testing.T) {
	l := openTestLedger(t, 4)
	require.Equal(t, status.Success, l.Register(100, maskOf(0), false))
	l.AddCPU(100, 0)
	l.AcquireCPUs(200, []int{0}, 2) // 200 gets cpu0, queues 1 globally

	res := l.AcquireCPUs(200, nil, 0)
	assert.Equal(t, status.Success, res.Code)
	assert.Nil(t, res.Granted)
}

func TestBorrowCPUsNeverQueuesShortfall(t *testing.T) {
	l := openTestLedger(t, 4)
	require.Equal(t, status.Success, l.Register(100, maskOf(0), false))
	l.AddCPU(100, 0)

	res := l.BorrowCPUs(200, []int{0, 1, 2}, 3)
	assert.Equal(t, []int{0}, res.Granted)
	assert.NotEqual(t, status.Noted, res.Code)
}

func TestBorrowCPUsNonPositiveIsNoop(t *testing.T) {
	l := openTestLedger(t, 4)
	res := l.BorrowCPUs(100, []int{0, 1}, 0)
	assert.Equal(t, status.Success, res.Code)
	assert.Empty(t, res.Granted)

	res = l.BorrowCPUs(100, []int{0, 1}, -1)
	assert.Equal(t, status.Success, res.Code)
	assert.Empty(t, res.Granted)
}

func TestRecoverAllReclaimsEveryOwnedCPU(t *testing.T) {
	l := openTestLedger(t, 4)
	require.Equal(t, status.Success, l.Register(100, maskOf(0, 1, 2), false))
	l.AddCPU(100, 0) // lent, nobody took it: recover should find it idle
	l.AddCPU(100, 1)
	l.AcquireCPU(200, 1) // 200 borrows it: recover must reclaim from 200
	// cpu 2 never lent: stays owned+guested by 100 the whole time

	res := l.RecoverAll(100)
	assert.Equal(t, []int{0}, res.Granted) // only the idle CPU counts as a fresh grant
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, 1, res.Notifications[0].CPU)
	assert.Equal(t, 200, res.Notifications[0].Pid)
	assert.Equal(t, Reclaim, res.Notifications[0].Kind)
}

func TestReturnAllYieldsGuestedNotOwnedCPUs(t *testing.T) {
	l := openTestLedger(t, 4)
	require.Equal(t, status.Success, l.Register(100, maskOf(0), false))
	l.AddCPU(100, 0)
	l.AcquireCPU(200, 0)
	l.AcquireCPU(100, 0) // owner reclaims, 200 is now the Busy-state guest

	res := l.ReturnAll(200)
	assert.Equal(t, []int{0}, res.Granted)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, 100, res.Notifications[0].Pid)
	assert.Equal(t, Grant, res.Notifications[0].Kind)
}
