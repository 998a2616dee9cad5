package helper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/pmi"
	"github.com/bsc-pm/dlb/internal/shmem"
)

func TestPostLocalDispatchesEnableCPU(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	reg, err := Open("", nil)
	require.NoError(t, err)
	defer reg.Close(1, shmem.CloseDelete)

	table := pmi.NewTable(4, nil)
	enabled := make(chan int, 1)
	table.Set(pmi.EnableCPU, pmi.CPUFunc(func(cpu int) { enabled <- cpu }))

	th := New(1, reg, table, nil)
	th.Start()
	defer th.Join()

	th.PostLocal(EnableCPU, 2, cpuset.Mask{})

	select {
	case cpu := <-enabled:
		assert.Equal(t, 2, cpu)
	case <-time.After(time.Second):
		t.Fatal("enable_cpu callback was not dispatched")
	}
}

func TestCrossProcessPostDispatches(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	reg, err := Open("", nil)
	require.NoError(t, err)
	defer reg.Close(1, shmem.CloseDelete)

	table := pmi.NewTable(4, nil)
	var mask cpuset.Mask
	mask.Set(0)
	mask.Set(1)
	got := make(chan cpuset.Mask, 1)
	table.Set(pmi.SetActiveMask, pmi.MaskFunc(func(m cpuset.Mask) { got <- m }))

	th := New(1, reg, table, nil)
	th.Start()
	defer th.Join()

	require.NoError(t, reg.Post(1, SetMask, 0, mask))

	select {
	case m := <-got:
		assert.True(t, m.IsSet(0))
		assert.True(t, m.IsSet(1))
	case <-time.After(time.Second):
		t.Fatal("set_active_mask callback was not dispatched from a cross-process post")
	}
}

func TestJoinStopsTheLoop(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	reg, err := Open("", nil)
	require.NoError(t, err)
	defer reg.Close(1, shmem.CloseDelete)

	table := pmi.NewTable(4, nil)
	th := New(1, reg, table, nil)
	th.Start()

	done := make(chan struct{})
	go func() {
		th.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Join did not return")
	}
}
