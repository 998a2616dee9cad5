package policy

import (
	"github.com/hashicorp/go-hclog"

	"github.com/bsc-pm/dlb/internal/cpuinfo"
	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/helper"
	"github.com/bsc-pm/dlb/internal/status"
)

// LeWIMask is the affinity-aware LeWI policy: every entry point reasons
// about specific CPU ids (and, for the bulk acquire/borrow forms, the
// topology-ordered candidate list from priority.go).
type LeWIMask struct {
	log hclog.Logger
	reg *helper.Registry // nil in synchronous (polling) mode
}

// NewLeWIMask constructs the affinity-aware policy. reg may be nil; pass
// a non-nil helper.Registry to run in asynchronous mode (§6 --mode=async).
func NewLeWIMask(reg *helper.Registry, log hclog.Logger) *LeWIMask {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &LeWIMask{log: log.Named("dlb.policy.lewimask"), reg: reg}
}

var _ Policy = (*LeWIMask)(nil)

func (p *LeWIMask) deliver(ctx *ProcessContext, n cpuinfo.Notification) {
	deliver(ctx, p.reg, n)
}

func (p *LeWIMask) deliverAll(ctx *ProcessContext, ns []cpuinfo.Notification) {
	deliverAll(ctx, p.reg, ns)
}

func (p *LeWIMask) Init(ctx *ProcessContext) status.Code {
	ctx.ActiveMask = ctx.ProcessMask
	ctx.NThreads = ctx.ProcessMask.Count()
	ctx.InitialNThreads = ctx.NThreads
	ctx.Enabled = true
	if ctx.Tuning.Warmup {
		ctx.Table.SetMask(ctx.ActiveMask)
	}
	ctx.Table.UpdateThreads(ctx.NThreads)
	return status.Success
}

func (p *LeWIMask) Finalize(ctx *ProcessContext) status.Code {
	ctx.Enabled = false
	return status.Success
}

func (p *LeWIMask) Enable(ctx *ProcessContext) status.Code {
	if ctx.Enabled {
		return status.NoUpdate
	}
	ctx.Enabled = true
	return status.Success
}

func (p *LeWIMask) Disable(ctx *ProcessContext) status.Code {
	if !ctx.Enabled {
		return status.NoUpdate
	}
	ctx.Enabled = false
	return status.Success
}

// IntoBlockingCall implements §4.6.2 "Into": release CPUs the calling
// thread won't need while blocked.
func (p *LeWIMask) IntoBlockingCall(ctx *ProcessContext) status.Code {
	if !ctx.Enabled {
		return status.Disabled
	}
	released := ctx.ActiveMask
	if ctx.Tuning.LendMode == OneCpu {
		ctx.MasterCPU = cpuset.CurrentCPU(ctx.ActiveMask)
		released.Clr(ctx.MasterCPU)
		var keep cpuset.Mask
		keep.Set(ctx.MasterCPU)
		ctx.Table.SetMask(keep)
		ctx.ActiveMask = keep
	} else {
		ctx.Table.SetMask(cpuset.Mask{})
		ctx.ActiveMask = cpuset.Mask{}
	}

	worst := status.NoUpdate
	cpuset.Range(released, func(cpu int) {
		code, notif := ctx.Ledger.AddCPU(ctx.PID, cpu)
		worst = status.Max(worst, code)
		if notif != nil {
			p.deliver(ctx, *notif)
		}
	})
	return worst
}

// OutOfBlockingCall implements §4.6.2 "Out": reclaim every CPU owned by
// this process before resuming useful work.
func (p *LeWIMask) OutOfBlockingCall(ctx *ProcessContext) status.Code {
	if !ctx.Enabled {
		return status.Disabled
	}
	res := ctx.Ledger.RecoverAll(ctx.PID)
	p.deliverAll(ctx, res.Notifications)

	if ctx.Single {
		// Sticky single sub-state: reclaim only the master CPU plus, at
		// most, one more.
		var keep cpuset.Mask
		keep.Set(ctx.MasterCPU)
		if len(res.Granted) > 0 {
			keep.Set(res.Granted[0])
		}
		ctx.ActiveMask = keep
		ctx.Table.SetMask(keep)
		ctx.NThreads = keep.Count()
	} else {
		ctx.ActiveMask = ctx.ProcessMask
		ctx.Table.SetMask(ctx.ActiveMask)
		ctx.NThreads = ctx.ProcessMask.Count()
	}
	ctx.Table.UpdateThreads(ctx.NThreads)
	return res.Code
}

// Lend releases every CPU but the one the process needs to keep making
// progress, matching the documented scenario (Lend() -> nthreads == 1).
func (p *LeWIMask) Lend(ctx *ProcessContext) status.Code {
	if ctx.ActiveMask.Count() <= 1 {
		return status.NoUpdate
	}
	keepCPU := cpuset.CurrentCPU(ctx.ActiveMask)
	released := ctx.ActiveMask
	var keep cpuset.Mask
	keep.Set(keepCPU)
	released.Clr(keepCPU)

	ctx.Table.SetMask(keep)
	ctx.ActiveMask = keep
	ctx.NThreads = 1
	ctx.Table.UpdateThreads(1)

	worst := status.Success
	cpuset.Range(released, func(cpu int) {
		code, notif := ctx.Ledger.AddCPU(ctx.PID, cpu)
		worst = status.Max(worst, code)
		if notif != nil {
			p.deliver(ctx, *notif)
		}
	})
	return worst
}

func (p *LeWIMask) LendCPU(ctx *ProcessContext, cpu int) status.Code {
	if !ctx.ActiveMask.IsSet(cpu) {
		return status.NoUpdate
	}
	code, notif := ctx.Ledger.AddCPU(ctx.PID, cpu)
	if code.IsError() {
		return code
	}
	ctx.ActiveMask.Clr(cpu)
	ctx.Table.DisableCPUCb(cpu, ctx.ActiveMask)
	ctx.NThreads = ctx.ActiveMask.Count()
	if notif != nil {
		p.deliver(ctx, *notif)
	}
	return code
}

func (p *LeWIMask) LendCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	worst := status.NoUpdate
	cpuset.Range(mask, func(cpu int) {
		worst = status.Max(worst, p.LendCPU(ctx, cpu))
	})
	return worst
}

// Reclaim mirrors Lend: recover the full process mask.
func (p *LeWIMask) Reclaim(ctx *ProcessContext) status.Code {
	res := ctx.Ledger.RecoverAll(ctx.PID)
	p.deliverAll(ctx, res.Notifications)
	ctx.ActiveMask = ctx.ProcessMask
	ctx.Table.SetMask(ctx.ActiveMask)
	ctx.NThreads = ctx.ProcessMask.Count()
	ctx.Table.UpdateThreads(ctx.NThreads)
	return res.Code
}

func (p *LeWIMask) ReclaimCPU(ctx *ProcessContext, cpu int) status.Code {
	code, notif := ctx.Ledger.RecoverCPU(ctx.PID, cpu)
	if code == status.Success {
		ctx.ActiveMask.Set(cpu)
		ctx.Table.EnableCPUCb(cpu)
		ctx.NThreads = ctx.ActiveMask.Count()
	}
	if notif != nil {
		p.deliver(ctx, *notif)
	}
	return code
}

func (p *LeWIMask) ReclaimCPUs(ctx *ProcessContext, n int) status.Code {
	if n <= 0 {
		return status.NoUpdate
	}
	worst := status.NoUpdate
	reclaimed := 0
	for cpu := 0; cpu < ctx.Ledger.NumCPUs() && reclaimed < n; cpu++ {
		s := ctx.Ledger.Snapshot(cpu)
		if s.Owner != ctx.PID || s.Guest == ctx.PID {
			continue
		}
		code := p.ReclaimCPU(ctx, cpu)
		worst = status.Max(worst, code)
		if code == status.Success {
			reclaimed++
		}
	}
	return worst
}

func (p *LeWIMask) ReclaimCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	worst := status.NoUpdate
	cpuset.Range(mask, func(cpu int) {
		worst = status.Max(worst, p.ReclaimCPU(ctx, cpu))
	})
	return worst
}

func (p *LeWIMask) Acquire(ctx *ProcessContext) status.Code {
	want := ctx.ProcessMask.Count() - ctx.ActiveMask.Count()
	return p.AcquireCPUs(ctx, want)
}

func (p *LeWIMask) AcquireCPU(ctx *ProcessContext, cpu int) status.Code {
	if clampParallelism(ctx, 1) <= 0 {
		return status.NoUpdate
	}
	code, notif := ctx.Ledger.AcquireCPU(ctx.PID, cpu)
	if code == status.Success {
		ctx.ActiveMask.Set(cpu)
		ctx.Table.EnableCPUCb(cpu)
		ctx.NThreads = ctx.ActiveMask.Count()
	}
	if notif != nil {
		p.deliver(ctx, *notif)
	}
	return code
}

func (p *LeWIMask) AcquireCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	worst := status.NoUpdate
	cpuset.Range(mask, func(cpu int) {
		worst = status.Max(worst, p.AcquireCPU(ctx, cpu))
	})
	return worst
}

func (p *LeWIMask) AcquireCPUs(ctx *ProcessContext, n int) status.Code {
	n = clampParallelism(ctx, n)
	if n <= 0 {
		return status.NoUpdate
	}
	res := ctx.Ledger.AcquireCPUs(ctx.PID, candidates(ctx), n)
	for _, cpu := range res.Granted {
		ctx.ActiveMask.Set(cpu)
		ctx.Table.EnableCPUCb(cpu)
	}
	ctx.NThreads = ctx.ActiveMask.Count()
	p.deliverAll(ctx, res.Notifications)
	return res.Code
}

func (p *LeWIMask) Borrow(ctx *ProcessContext) status.Code {
	want := ctx.ProcessMask.Count() - ctx.ActiveMask.Count()
	if ctx.Tuning.Greedy {
		want = idleMask(ctx).Count()
	}
	return p.BorrowCPUs(ctx, want)
}

func (p *LeWIMask) BorrowCPUs(ctx *ProcessContext, n int) status.Code {
	n = clampParallelism(ctx, n)
	// Greedy underflow rejection (§9 Open Question 1): a miscounted or
	// already-satisfied request must not wrap negative, it's simply a
	// no-op.
	if n <= 0 {
		return status.NoUpdate
	}
	res := ctx.Ledger.BorrowCPUs(ctx.PID, candidates(ctx), n)
	for _, cpu := range res.Granted {
		ctx.ActiveMask.Set(cpu)
		ctx.Table.EnableCPUCb(cpu)
	}
	ctx.NThreads = ctx.ActiveMask.Count()
	p.deliverAll(ctx, res.Notifications)
	return res.Code
}

func (p *LeWIMask) BorrowCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	worst := status.NoUpdate
	cpuset.Range(mask, func(cpu int) {
		if clampParallelism(ctx, 1) <= 0 {
			worst = status.Max(worst, status.NoUpdate)
			return
		}
		code, notif := ctx.Ledger.BorrowCPU(ctx.PID, cpu)
		if code == status.Success {
			ctx.ActiveMask.Set(cpu)
			ctx.Table.EnableCPUCb(cpu)
			ctx.NThreads = ctx.ActiveMask.Count()
		}
		if notif != nil {
			p.deliver(ctx, *notif)
		}
		worst = status.Max(worst, code)
	})
	return worst
}

func (p *LeWIMask) Return(ctx *ProcessContext) status.Code {
	res := ctx.Ledger.ReturnAll(ctx.PID)
	for _, cpu := range res.Granted {
		ctx.ActiveMask.Clr(cpu)
	}
	ctx.NThreads = ctx.ActiveMask.Count()
	p.deliverAll(ctx, res.Notifications)
	return res.Code
}

func (p *LeWIMask) ReturnCPU(ctx *ProcessContext, cpu int) status.Code {
	code, notif := ctx.Ledger.ReturnCPU(ctx.PID, cpu)
	if code == status.Success {
		ctx.ActiveMask.Clr(cpu)
		ctx.NThreads = ctx.ActiveMask.Count()
	}
	if notif != nil {
		p.deliver(ctx, *notif)
	}
	return code
}

func (p *LeWIMask) ReturnCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code {
	worst := status.NoUpdate
	cpuset.Range(mask, func(cpu int) {
		worst = status.Max(worst, p.ReturnCPU(ctx, cpu))
	})
	return worst
}

func (p *LeWIMask) MaxParallelism(ctx *ProcessContext, k int) status.Code {
	ctx.MaxParallelism = k
	if k <= 0 || ctx.ActiveMask.Count() <= k {
		return status.Success
	}
	// Shrink down to the cap: release non-owned (borrowed) CPUs first,
	// then owned ones, so a process never loses its own cores just to
	// satisfy a cap it could meet by giving back what it borrowed.
	over := ctx.ActiveMask.Count() - k
	var borrowed, owned []int
	cpuset.Range(ctx.ActiveMask, func(cpu int) {
		s := ctx.Ledger.Snapshot(cpu)
		if s.Owner == ctx.PID {
			owned = append(owned, cpu)
		} else {
			borrowed = append(borrowed, cpu)
		}
	})
	toRelease := append(borrowed, owned...)
	worst := status.Success
	for i := 0; i < over && i < len(toRelease); i++ {
		worst = status.Max(worst, p.LendCPU(ctx, toRelease[i]))
	}
	return worst
}

func (p *LeWIMask) UnsetMaxParallelism(ctx *ProcessContext) status.Code {
	ctx.MaxParallelism = 0
	return status.Success
}

func (p *LeWIMask) CheckCpuAvailability(ctx *ProcessContext, cpu int) bool {
	return ctx.Ledger.CheckCpuAvailability(ctx.PID, cpu)
}

func (p *LeWIMask) PollDROM(ctx *ProcessContext) status.Code {
	mask, changed := ctx.Ledger.PollDROM(ctx.PID)
	if !changed {
		return status.NoUpdate
	}
	ctx.ProcessMask = mask
	ctx.Table.SetProcessMaskCb(mask)
	return status.Success
}
