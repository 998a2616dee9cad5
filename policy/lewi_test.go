package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsc-pm/dlb/internal/status"
)

func TestLeWIInitForcesAnyPriority(t *testing.T) {
	tp := newTestProcess(t, 100, 4, maskOf(0, 1, 2, 3))
	tp.ctx.Tuning.Priority = NearbyOnly
	p := NewLeWI(nil, nil)

	require.Equal(t, status.Success, p.Init(tp.ctx))
	assert.Equal(t, Any, tp.ctx.Tuning.Priority)
}

func TestLeWIAcquireCPUIgnoresRequestedID(t *testing.T) {
	owner := newTestProcess(t, 100, 4, maskOf(0, 1))
	p := NewLeWI(nil, nil)
	require.Equal(t, status.Success, p.Init(owner.ctx))
	p.Lend(owner.ctx) // frees everything but one cpu back to the node

	code := p.AcquireCPU(owner.ctx, 999) // id is out of range, must be ignored
	assert.False(t, code.IsError())
	assert.Equal(t, 2, owner.ctx.ActiveMask.Count())
}

func TestLeWILendCPUTargetsLastActiveNotRequestedID(t *testing.T) {
	tp := newTestProcess(t, 100, 4, maskOf(0, 1, 2))
	p := NewLeWI(nil, nil)
	require.Equal(t, status.Success, p.Init(tp.ctx))

	code := p.LendCPU(tp.ctx, 0) // requested id 0, but cpu2 (last active) should be the one released
	assert.False(t, code.IsError())
	assert.False(t, tp.ctx.ActiveMask.IsSet(2))
	assert.True(t, tp.ctx.ActiveMask.IsSet(0))
	assert.True(t, tp.ctx.ActiveMask.IsSet(1))
}

func TestLeWIMaskOperationsTranslateToCounts(t *testing.T) {
	owner := newTestProcess(t, 100, 4, maskOf(0, 1, 2, 3))
	p := NewLeWI(nil, nil)
	require.Equal(t, status.Success, p.Init(owner.ctx))

	code := p.AcquireCPUMask(owner.ctx, maskOf(0, 1)) // 2 already-owned+active cpus requested
	assert.False(t, code.IsError())
}

func TestLastActiveOnEmptyMask(t *testing.T) {
	ctx := &ProcessContext{}
	assert.Equal(t, -1, lastActive(ctx))
}
