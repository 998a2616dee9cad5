package helper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/shmem"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	r, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(0, shmem.CloseDelete) })
	return r
}

func TestPollEmptyMailbox(t *testing.T) {
	r := openTestRegistry(t)
	mb := r.Poll(12345)
	assert.Equal(t, None, mb.Action)
}

func TestPostThenPoll(t *testing.T) {
	r := openTestRegistry(t)
	var mask cpuset.Mask
	mask.Set(3)

	require.NoError(t, r.Post(999, DisableCPU, 3, mask))

	mb := r.Poll(999)
	assert.Equal(t, DisableCPU, mb.Action)
	assert.Equal(t, 3, mb.CPU)
	assert.True(t, mb.Mask.IsSet(3))
	assert.Equal(t, uint32(1), mb.Seq)
}

func TestPostIncrementsSequenceAcrossCalls(t *testing.T) {
	r := openTestRegistry(t)
	r.Post(42, EnableCPU, 1, cpuset.Mask{})
	r.Post(42, EnableCPU, 2, cpuset.Mask{})

	mb := r.Poll(42)
	assert.Equal(t, uint32(2), mb.Seq)
	assert.Equal(t, 2, mb.CPU)
}

func TestWaitForChangeWakesOnPost(t *testing.T) {
	r := openTestRegistry(t)
	r.Post(7, EnableCPU, 0, cpuset.Mask{}) // allocate the slot, seq=1

	done := make(chan struct{})
	go func() {
		r.waitForChange(7, 1, time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Post(7, EnableCPU, 0, cpuset.Mask{}) // seq=2, should wake the waiter

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForChange did not wake on Post")
	}
}
