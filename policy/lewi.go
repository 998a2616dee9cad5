package policy

import (
	"github.com/hashicorp/go-hclog"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/helper"
	"github.com/bsc-pm/dlb/internal/status"
)

// LeWI is the count-only policy: callers reason in number-of-CPUs, not CPU
// ids, and the engine is free to pick whichever CPU satisfies a count. It
// shares its entire mechanism with LeWIMask (same ledger primitives, same
// delivery path) and differs only in candidate ordering (always Any,
// ignoring topology) and in how the explicit single-CPU entry points pick
// their target when the caller's requested id isn't actually load-bearing.
type LeWI struct {
	*LeWIMask
}

// NewLeWI constructs the count-only policy. reg may be nil for synchronous
// (polling) mode.
func NewLeWI(reg *helper.Registry, log hclog.Logger) *LeWI {
	return &LeWI{LeWIMask: NewLeWIMask(reg, log)}
}

var _ Policy = (*LeWI)(nil)

func (p *LeWI) Init(ctx *ProcessContext) status.Code {
	ctx.Tuning.Priority = Any
	return p.LeWIMask.Init(ctx)
}

// AcquireCPU ignores the specific id in favor of a one-CPU count request:
// count-only policies don't target individual CPUs, just totals.
func (p *LeWI) AcquireCPU(ctx *ProcessContext, cpu int) status.Code {
	return p.AcquireCPUs(ctx, 1)
}

// ReclaimCPU is likewise translated into a one-CPU count reclaim.
func (p *LeWI) ReclaimCPU(ctx *ProcessContext, cpu int) status.Code {
	return p.ReclaimCPUs(ctx, 1)
}

// LendCPU ignores the requested id and lends whichever active CPU is
// currently least useful to keep (the last one cpuset.Range would visit).
func (p *LeWI) LendCPU(ctx *ProcessContext, cpu int) status.Code {
	target := lastActive(ctx)
	if target < 0 {
		return status.NoUpdate
	}
	return p.LeWIMask.LendCPU(ctx, target)
}

func (p *LeWI) LendCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	worst := status.NoUpdate
	for i := 0; i < mask.Count(); i++ {
		worst = status.Max(worst, p.LendCPU(ctx, 0))
	}
	return worst
}

func (p *LeWI) AcquireCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	return p.AcquireCPUs(ctx, mask.Count())
}

func (p *LeWI) ReclaimCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	return p.ReclaimCPUs(ctx, mask.Count())
}

func (p *LeWI) BorrowCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	return p.BorrowCPUs(ctx, mask.Count())
}

func (p *LeWI) ReturnCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	worst := status.NoUpdate
	cpuset.Range(mask, func(cpu int) {
		worst = status.Max(worst, p.ReturnCPU(ctx, cpu))
	})
	return worst
}

func lastActive(ctx *ProcessContext) int {
	last := -1
	cpuset.Range(ctx.ActiveMask, func(cpu int) { last = cpu })
	return last
}
