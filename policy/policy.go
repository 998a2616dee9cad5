// Package policy implements the LeWI entry points (§4.6): the layer that
// turns application events (into/out of a blocking call, lend, reclaim,
// acquire, borrow, return) into ledger transactions and PM callbacks. Three
// concrete policies are provided, lewi (count-only), lewimask
// (affinity-aware) and noop (no balancing); all satisfy the same Policy
// interface.
package policy

import (
	"github.com/hashicorp/go-hclog"

	"github.com/bsc-pm/dlb/internal/cpuinfo"
	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/helper"
	"github.com/bsc-pm/dlb/internal/pmi"
	"github.com/bsc-pm/dlb/internal/status"
)

// LendMode controls what IntoBlockingCall lends.
type LendMode int

const (
	// OneCpu keeps the calling thread's current CPU and lends the rest;
	// OutOfBlockingCall reclaims the remainder. The default.
	OneCpu LendMode = iota
	// Block lends every CPU on IntoBlockingCall.
	Block
)

// Priority controls how AcquireCPUs/BorrowCPUs order their candidate list.
type Priority int

const (
	// Any ignores topology entirely.
	Any Priority = iota
	// NearbyFirst orders candidates by topological distance to the
	// process's current mask, closest first.
	NearbyFirst
	// NearbyOnly excludes non-adjacent CPUs entirely.
	NearbyOnly
	// SpreadIfempty additionally prefers CPUs in fully-free sockets.
	SpreadIfempty
)

// Tuning is the subset of the option string (§6) the policy layer
// consults.
type Tuning struct {
	LendMode LendMode
	Greedy   bool
	Priority Priority
	Warmup   bool
}

// ProcessContext is the mutable, per-process state every policy entry
// point operates on: the engine half of the subprocess descriptor (§4.7).
// It is exported so the subprocess package can embed it directly instead
// of duplicating these fields, without policy importing subprocess (which
// would cycle back here).
type ProcessContext struct {
	PID int

	ProcessMask cpuset.Mask // owned mask; replaced when PollDROM observes a DROM change
	ActiveMask  cpuset.Mask // current affinity mask
	MasterCPU   int         // the CPU kept in OneCpu mode while in a blocking call

	Ledger   *cpuinfo.Ledger
	Table    *pmi.Table
	Helper   *helper.Thread // nil in synchronous (polling) mode
	Topology *cpuset.Topology

	Tuning Tuning

	NThreads        int
	InitialNThreads int

	Enabled        bool
	Single         bool
	MaxParallelism int // 0 means unset
}

// Policy is the LeWI entry-point surface (§4.6), implemented by lewi,
// lewimask and noop. lewi and lewimask differ in how they pick CPUs, not in
// which operations they expose; noop answers the balancing entry points
// with NoPolicy.
type Policy interface {
	Init(ctx *ProcessContext) status.Code
	Finalize(ctx *ProcessContext) status.Code
	Enable(ctx *ProcessContext) status.Code
	Disable(ctx *ProcessContext) status.Code

	IntoBlockingCall(ctx *ProcessContext) status.Code
	OutOfBlockingCall(ctx *ProcessContext) status.Code

	Lend(ctx *ProcessContext) status.Code
	LendCPU(ctx *ProcessContext, cpu int) status.Code
	LendCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code

	Reclaim(ctx *ProcessContext) status.Code
	ReclaimCPU(ctx *ProcessContext, cpu int) status.Code
	ReclaimCPUs(ctx *ProcessContext, n int) status.Code
	ReclaimCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code

	Acquire(ctx *ProcessContext) status.Code
	AcquireCPU(ctx *ProcessContext, cpu int) status.Code
	AcquireCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code
	AcquireCPUs(ctx *ProcessContext, n int) status.Code

	Borrow(ctx *ProcessContext) status.Code
	BorrowCPUs(ctx *ProcessContext, n int) status.Code
	BorrowCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code

	Return(ctx *ProcessContext) status.Code
	ReturnCPU(ctx *ProcessContext, cpu int) status.Code
	ReturnCPUMask(ctx *ProcessContext, mask cpuset.Mask) status.Code

	MaxParallelism(ctx *ProcessContext, k int) status.Code
	UnsetMaxParallelism(ctx *ProcessContext) status.Code

	CheckCpuAvailability(ctx *ProcessContext, cpu int) bool
	PollDROM(ctx *ProcessContext) status.Code
}

// deliver turns ledger notifications into PM callbacks: a Grant is
// delivered to the process that was just handed the CPU (enable it, or
// nudge its helper thread if the grant is for a different process than
// the caller); a Reclaim tells the victim to yield. Same-process
// notifications are dispatched directly since ctx is right here; other
// processes are cross-posted through the shared helper registry when one
// is configured (asynchronous mode), and otherwise left for the victim to
// discover on its own next CheckCpuAvailability poll (synchronous mode).
func deliver(ctx *ProcessContext, reg *helper.Registry, n cpuinfo.Notification) {
	if n.Pid == ctx.PID {
		switch n.Kind {
		case cpuinfo.Grant:
			ctx.ActiveMask.Set(n.CPU)
			ctx.Table.EnableCPUCb(n.CPU)
			if ctx.Helper != nil {
				ctx.Helper.PostLocal(helper.EnableCPU, n.CPU, ctx.ActiveMask)
			}
		case cpuinfo.Reclaim:
			ctx.ActiveMask.Clr(n.CPU)
			ctx.Table.DisableCPUCb(n.CPU, ctx.ActiveMask)
			if ctx.Helper != nil {
				ctx.Helper.PostLocal(helper.DisableCPU, n.CPU, ctx.ActiveMask)
			}
		}
		return
	}
	if reg == nil {
		// Synchronous mode: the other process will notice on its next
		// CheckCpuAvailability call.
		return
	}
	switch n.Kind {
	case cpuinfo.Grant:
		reg.Post(n.Pid, helper.EnableCPU, n.CPU, cpuset.Mask{})
	case cpuinfo.Reclaim:
		reg.Post(n.Pid, helper.DisableCPU, n.CPU, cpuset.Mask{})
	}
}

func deliverAll(ctx *ProcessContext, reg *helper.Registry, notifications []cpuinfo.Notification) {
	for _, n := range notifications {
		deliver(ctx, reg, n)
	}
}

func clampParallelism(ctx *ProcessContext, want int) int {
	if ctx.MaxParallelism <= 0 {
		return want
	}
	have := ctx.ActiveMask.Count()
	room := ctx.MaxParallelism - have
	if room < 0 {
		room = 0
	}
	if want > room {
		return room
	}
	return want
}
