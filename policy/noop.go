package policy

import (
	"github.com/hashicorp/go-hclog"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/status"
)

// NoOp is the canonical "no" policy: no load balancing, every LeWI entry
// point is a deliberate no-op returning NoPolicy. Lifecycle and DROM still
// work normally, since registering with the ledger and renegotiating a
// process's mask are independent of whether any balancing policy is
// running on top.
type NoOp struct {
	log hclog.Logger
}

// NewNoOp constructs the no-policy balancer, selected when the caller asks
// for LeWI to stay off (--lewi=false, or --lewi not given).
func NewNoOp(log hclog.Logger) *NoOp {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &NoOp{log: log.Named("dlb.policy.noop")}
}

var _ Policy = (*NoOp)(nil)

func (p *NoOp) Init(ctx *ProcessContext) status.Code {
	ctx.ActiveMask = ctx.ProcessMask
	ctx.NThreads = ctx.ProcessMask.Count()
	ctx.InitialNThreads = ctx.NThreads
	ctx.Enabled = false
	return status.Success
}

func (p *NoOp) Finalize(ctx *ProcessContext) status.Code {
	ctx.Enabled = false
	return status.Success
}

func (p *NoOp) Enable(ctx *ProcessContext) status.Code { return status.NoPolicy }

func (p *NoOp) Disable(ctx *ProcessContext) status.Code { return status.NoPolicy }

func (p *NoOp) IntoBlockingCall(ctx *ProcessContext) status.Code { return status.NoPolicy }

func (p *NoOp) OutOfBlockingCall(ctx *ProcessContext) status.Code { return status.NoPolicy }

func (p *NoOp) Lend(ctx *ProcessContext) status.Code { return status.NoPolicy }

func (p *NoOp) LendCPU(ctx *ProcessContext, cpu int) status.Code { return status.NoPolicy }

func (p *NoOp) LendCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code { return status.NoPolicy }

func (p *NoOp) Reclaim(ctx *ProcessContext) status.Code { return status.NoPolicy }

func (p *NoOp) ReclaimCPU(ctx *ProcessContext, cpu int) status.Code { return status.NoPolicy }

func (p *NoOp) ReclaimCPUs(ctx *ProcessContext, n int) status.Code { return status.NoPolicy }

func (p *NoOp) ReclaimCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	return status.NoPolicy
}

func (p *NoOp) Acquire(ctx *ProcessContext) status.Code { return status.NoPolicy }

func (p *NoOp) AcquireCPU(ctx *ProcessContext, cpu int) status.Code { return status.NoPolicy }

func (p *NoOp) AcquireCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	return status.NoPolicy
}

func (p *NoOp) AcquireCPUs(ctx *ProcessContext, n int) status.Code { return status.NoPolicy }

func (p *NoOp) Borrow(ctx *ProcessContext) status.Code { return status.NoPolicy }

func (p *NoOp) BorrowCPUs(ctx *ProcessContext, n int) status.Code { return status.NoPolicy }

func (p *NoOp) BorrowCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	return status.NoPolicy
}

func (p *NoOp) Return(ctx *ProcessContext) status.Code { return status.NoPolicy }

func (p *NoOp) ReturnCPU(ctx *ProcessContext, cpu int) status.Code { return status.NoPolicy }

func (p *NoOp) ReturnCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	return status.NoPolicy
}

func (p *NoOp) MaxParallelism(ctx *ProcessContext, k int) status.Code {
	ctx.MaxParallelism = k
	return status.NoPolicy
}

func (p *NoOp) UnsetMaxParallelism(ctx *ProcessContext) status.Code {
	ctx.MaxParallelism = 0
	return status.NoPolicy
}

// CheckCpuAvailability is always true: with no policy running, nothing
// ever reclaims a CPU out from under the process that owns it.
func (p *NoOp) CheckCpuAvailability(ctx *ProcessContext, cpu int) bool {
	return true
}

// PollDROM still works: mask renegotiation is independent of the balancing
// policy running on top of it.
func (p *NoOp) PollDROM(ctx *ProcessContext) status.Code {
	mask, changed := ctx.Ledger.PollDROM(ctx.PID)
	if !changed {
		return status.NoUpdate
	}
	ctx.ProcessMask = mask
	ctx.Table.SetProcessMaskCb(mask)
	return status.Success
}
