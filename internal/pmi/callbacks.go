// Package pmi implements the programming-model interface: the typed
// callback table a host thread runtime registers so the LeWI core can tell
// it to change thread count or affinity (§4.4). DLB never talks to a
// runtime directly — every effect crosses this boundary.
package pmi

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/status"
)

// Which identifies one callback slot.
type Which int

const (
	SetNumThreads Which = iota
	SetActiveMask
	SetProcessMask
	AddActiveMask
	AddProcessMask
	EnableCPU
	DisableCPU

	numCallbacks
)

func (w Which) String() string {
	switch w {
	case SetNumThreads:
		return "set_num_threads"
	case SetActiveMask:
		return "set_active_mask"
	case SetProcessMask:
		return "set_process_mask"
	case AddActiveMask:
		return "add_active_mask"
	case AddProcessMask:
		return "add_process_mask"
	case EnableCPU:
		return "enable_cpu"
	case DisableCPU:
		return "disable_cpu"
	default:
		return fmt.Sprintf("which(%d)", int(w))
	}
}

type (
	// NumThreadsFunc is the legacy, coarse-grained thread-count callback.
	NumThreadsFunc func(nthreads int)
	// MaskFunc replaces or augments a mask (active or process).
	MaskFunc func(mask cpuset.Mask)
	// CPUFunc targets a single CPU (enable/disable).
	CPUFunc func(cpu int)
)

// Table is the per-subprocess callback table. The zero Table has every
// slot unset; invoking an unset slot returns NoCallback.
type Table struct {
	numThreads  NumThreadsFunc
	setActive   MaskFunc
	setProcess  MaskFunc
	addActive   MaskFunc
	addProcess  MaskFunc
	enableCPU   CPUFunc
	disableCPU  CPUFunc
	log         hclog.Logger
	maxNThreads int
}

// NewTable constructs an empty callback table. maxNThreads is N_sys, the
// upper clamp for UpdateThreads.
func NewTable(maxNThreads int, log hclog.Logger) *Table {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Table{log: log.Named("dlb.pmi"), maxNThreads: maxNThreads}
}

// Set registers fn (of the matching Go type for which) in the table,
// replacing the prior callback if any.
func (t *Table) Set(which Which, fn interface{}) status.Code {
	switch which {
	case SetNumThreads:
		f, ok := fn.(NumThreadsFunc)
		if !ok {
			return status.Unknown
		}
		t.numThreads = f
	case SetActiveMask:
		f, ok := fn.(MaskFunc)
		if !ok {
			return status.Unknown
		}
		t.setActive = f
	case SetProcessMask:
		f, ok := fn.(MaskFunc)
		if !ok {
			return status.Unknown
		}
		t.setProcess = f
	case AddActiveMask:
		f, ok := fn.(MaskFunc)
		if !ok {
			return status.Unknown
		}
		t.addActive = f
	case AddProcessMask:
		f, ok := fn.(MaskFunc)
		if !ok {
			return status.Unknown
		}
		t.addProcess = f
	case EnableCPU:
		f, ok := fn.(CPUFunc)
		if !ok {
			return status.Unknown
		}
		t.enableCPU = f
	case DisableCPU:
		f, ok := fn.(CPUFunc)
		if !ok {
			return status.Unknown
		}
		t.disableCPU = f
	default:
		return status.NoEntry
	}
	return status.Success
}

// Get reports whether which has a registered callback.
func (t *Table) Get(which Which) bool {
	switch which {
	case SetNumThreads:
		return t.numThreads != nil
	case SetActiveMask:
		return t.setActive != nil
	case SetProcessMask:
		return t.setProcess != nil
	case AddActiveMask:
		return t.addActive != nil
	case AddProcessMask:
		return t.addProcess != nil
	case EnableCPU:
		return t.enableCPU != nil
	case DisableCPU:
		return t.disableCPU != nil
	default:
		return false
	}
}

// UpdateThreads invokes set_num_threads, clamped to [1, maxNThreads], and
// logs an instrumentation event.
func (t *Table) UpdateThreads(n int) status.Code {
	if t.numThreads == nil {
		return status.NoCallback
	}
	if n < 1 {
		n = 1
	}
	if n > t.maxNThreads {
		n = t.maxNThreads
	}
	t.log.Debug("update_threads", "nthreads", n)
	t.numThreads(n)
	return status.Success
}

// SetMask invokes set_active_mask.
func (t *Table) SetMask(mask cpuset.Mask) status.Code {
	if t.setActive == nil {
		return status.NoCallback
	}
	t.log.Debug("set_active_mask", "mask", cpuset.String(mask))
	t.setActive(mask)
	return status.Success
}

// AddMask invokes add_active_mask.
func (t *Table) AddMask(mask cpuset.Mask) status.Code {
	if t.addActive == nil {
		return status.NoCallback
	}
	t.log.Debug("add_active_mask", "mask", cpuset.String(mask))
	t.addActive(mask)
	return status.Success
}

// SetProcessMaskCb invokes set_process_mask (DROM).
func (t *Table) SetProcessMaskCb(mask cpuset.Mask) status.Code {
	if t.setProcess == nil {
		return status.NoCallback
	}
	t.log.Debug("set_process_mask", "mask", cpuset.String(mask))
	t.setProcess(mask)
	return status.Success
}

// AddProcessMaskCb invokes add_process_mask (DROM).
func (t *Table) AddProcessMaskCb(mask cpuset.Mask) status.Code {
	if t.addProcess == nil {
		return status.NoCallback
	}
	t.addProcess(mask)
	return status.Success
}

// EnableCPUCb invokes enable_cpu if set, else emulates it with
// add_active_mask so policies can always call EnableCPUCb regardless of
// which granularity the host runtime registered.
func (t *Table) EnableCPUCb(cpu int) status.Code {
	if t.enableCPU != nil {
		t.log.Debug("enable_cpu", "cpu", cpu)
		t.enableCPU(cpu)
		return status.Success
	}
	if t.addActive != nil {
		var m cpuset.Mask
		m.Set(cpu)
		return t.AddMask(m)
	}
	return status.NoCallback
}

// DisableCPUCb invokes disable_cpu if set, else emulates it by recomputing
// the active mask with cpu cleared and calling set_active_mask. current
// must be the caller's current active mask.
func (t *Table) DisableCPUCb(cpu int, current cpuset.Mask) status.Code {
	if t.disableCPU != nil {
		t.log.Debug("disable_cpu", "cpu", cpu)
		t.disableCPU(cpu)
		return status.Success
	}
	if t.setActive != nil {
		var clr cpuset.Mask
		clr.Set(cpu)
		next := cpuset.Difference(current, clr)
		return t.SetMask(next)
	}
	return status.NoCallback
}
