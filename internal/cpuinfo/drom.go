package cpuinfo

import (
	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/status"
)

// UpdateOwnership implements update_ownership(pid, new_process_mask): an
// external DROM tool rewrites pid's owned CPU set. The whole
// compare-then-write runs under one lock acquisition — per §9's Open
// Question resolution, there is no separate "dry run" pass that could
// disagree with the real one under concurrent modification.
func (l *Ledger) UpdateOwnership(pid int, newMask cpuset.Mask) status.Code {
	l.seg.Lock()
	defer l.seg.Unlock()

	changed := false
	for cpu := 0; cpu < l.ncpus; cpu++ {
		r := l.record(cpu)
		owned := r.owner == int32(pid)
		wants := newMask.IsSet(cpu)
		switch {
		case wants && !owned:
			r.owner = int32(pid)
			r.state = int32(Busy)
			if r.guest == NobodyPID {
				r.guest = int32(pid)
			}
			r.dirty = 1
			changed = true
		case owned && !wants:
			r.owner = NobodyPID
			if r.guest == int32(pid) {
				r.guest = NobodyPID
				l.electGuest(r)
			}
			r.dirty = 1
			changed = true
		}
	}
	if changed {
		l.data.globalDirty = 1
	}
	return status.Success
}

// PollDROM implements the host runtime's dirty-flag poll: it returns pid's
// current owned mask and whether it changed since the last poll, clearing
// the per-CPU and (if no other process has an outstanding dirty CPU) the
// global dirty flag as it is observed.
func (l *Ledger) PollDROM(pid int) (mask cpuset.Mask, changed bool) {
	l.seg.Lock()
	defer l.seg.Unlock()

	anyDirty := false
	for cpu := 0; cpu < l.ncpus; cpu++ {
		r := l.record(cpu)
		if r.owner == int32(pid) {
			mask.Set(cpu)
			if r.dirty != 0 {
				changed = true
				r.dirty = 0
			}
		}
		if r.dirty != 0 {
			anyDirty = true
		}
	}
	if !anyDirty {
		l.data.globalDirty = 0
	}
	return mask, changed
}

// IsDirty reports whether any CPU pid owns still carries its per-CPU dirty
// flag (the global flag is not consulted), for ProcessDirty error returns
// from callers that must not act on a stale process_mask.
func (l *Ledger) IsDirty(pid int) bool {
	l.seg.Lock()
	defer l.seg.Unlock()
	for cpu := 0; cpu < l.ncpus; cpu++ {
		r := l.record(cpu)
		if r.owner == int32(pid) && r.dirty != 0 {
			return true
		}
	}
	return false
}
