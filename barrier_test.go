package dlb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsc-pm/dlb/internal/status"
	"github.com/bsc-pm/dlb/policy"
	"github.com/bsc-pm/dlb/subprocess"
)

func TestBarrierNamedRegisterIsIdempotentPerProcess(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	slot1, code := BarrierNamedRegister(h, "region-a")
	require.Equal(t, status.Success, code)

	slot2, code := BarrierNamedRegister(h, "region-a")
	require.Equal(t, status.Success, code)
	assert.Equal(t, slot1, slot2)
}

func TestBarrierAttachDetachDefaultSlot(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	require.Equal(t, status.Success, BarrierAttach(h))
	assert.Equal(t, status.Success, BarrierDetach(h))
}

func TestBarrierDetachWithoutAttachIsNoUpdate(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	h, code := Init(maskOf(0), nil)
	require.Equal(t, status.Success, code)
	defer Finalize(h)

	assert.Equal(t, status.NoUpdate, BarrierDetach(h))
}

func TestBarrierTwoProcessesReleaseTogether(t *testing.T) {
	t.Setenv("DLB_SHM_DIR", t.TempDir())
	cfg := subprocess.Config{NCPUs: 4, LendMode: policy.OneCpu, LewiEnabled: true, MaskAware: true}

	h1, code := subprocess.InitSp(201, maskOf(0), cfg)
	require.Equal(t, status.Success, code)
	defer subprocess.Finalize(h1)

	h2, code := subprocess.InitSp(202, maskOf(1), cfg)
	require.Equal(t, status.Success, code)
	defer subprocess.Finalize(h2)

	slot1, code := BarrierNamedRegister(h1, "round")
	require.Equal(t, status.Success, code)
	slot2, code := BarrierNamedRegister(h2, "round")
	require.Equal(t, status.Success, code)

	done := make(chan StatusCode, 2)
	go func() { done <- BarrierNamed(h1, slot1) }()
	go func() { done <- BarrierNamed(h2, slot2) }()

	for i := 0; i < 2; i++ {
		select {
		case code := <-done:
			assert.Equal(t, status.Success, code)
		case <-time.After(2 * time.Second):
			t.Fatal("barrier did not release both waiters")
		}
	}
}
