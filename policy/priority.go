package policy

import (
	"sort"

	"github.com/bsc-pm/dlb/internal/cpuinfo"
	"github.com/bsc-pm/dlb/internal/cpuset"
)

// candidates builds the priority-ordered CPU list AcquireCPUs/BorrowCPUs
// feed to the ledger's bulk ops (§4.1, consumed as described in §4.6's
// Priority option).
func candidates(ctx *ProcessContext) []int {
	ncpus := ctx.Ledger.NumCPUs()
	all := make([]int, ncpus)
	for i := range all {
		all[i] = i
	}

	switch ctx.Tuning.Priority {
	case Any:
		return all

	case NearbyFirst:
		return sortByDistance(ctx, all)

	case NearbyOnly:
		out := all[:0:0]
		for _, cpu := range all {
			if ctx.Topology.Distance(ctx.ActiveMask, cpu) == 0 {
				out = append(out, cpu)
			}
		}
		return out

	case SpreadIfempty:
		idle := idleMask(ctx)
		freeGroups := ctx.Topology.ParentsInside(idle)
		var free, rest []int
		for _, cpu := range all {
			if freeGroups.IsSet(cpu) {
				free = append(free, cpu)
			} else {
				rest = append(rest, cpu)
			}
		}
		return append(free, sortByDistance(ctx, rest)...)

	default:
		return all
	}
}

func sortByDistance(ctx *ProcessContext, cpus []int) []int {
	out := make([]int, len(cpus))
	copy(out, cpus)
	sort.SliceStable(out, func(i, j int) bool {
		return ctx.Topology.Distance(ctx.ActiveMask, out[i]) < ctx.Topology.Distance(ctx.ActiveMask, out[j])
	})
	return out
}

func idleMask(ctx *ProcessContext) cpuset.Mask {
	var idle cpuset.Mask
	for cpu := 0; cpu < ctx.Ledger.NumCPUs(); cpu++ {
		s := ctx.Ledger.Snapshot(cpu)
		if s.Guest == cpuinfo.NobodyPID {
			idle.Set(cpu)
		}
	}
	return idle
}
