package cpuinfo

import "github.com/bsc-pm/dlb/internal/status"

// electGuest implements §4.3.4: called whenever cpu's guest becomes
// NobodyPID, it decides who (if anyone) takes it next. It returns the
// elected pid, or NobodyPID if the CPU stays idle.
func (l *Ledger) electGuest(r *cpuRecord) int {
	if CPUState(r.state) == Busy {
		// The owner reclaimed it; it goes straight back to them.
		r.guest = r.owner
		if r.owner != NobodyPID {
			l.touchStats(r, StatsOwned)
		} else {
			l.touchStats(r, StatsIdle)
		}
		return int(r.guest)
	}
	if pid, ok := r.popRequest(); ok {
		r.guest = int32(pid)
		l.touchStats(r, StatsGuested)
		return pid
	}
	if pid, ok := l.data.popGlobalOne(l.isAlive); ok {
		r.guest = int32(pid)
		l.touchStats(r, StatsGuested)
		return pid
	}
	// Nobody wants it: stays idle.
	l.touchStats(r, StatsIdle)
	return NobodyPID
}

// AddCPU implements add_cpu(pid, c): the owning process lends cpu back to
// the node (or, called by a non-owner, simply withdraws that pid's pending
// claim on it).
func (l *Ledger) AddCPU(pid, cpu int) (status.Code, *Notification) {
	l.seg.Lock()
	defer l.seg.Unlock()
	r := l.record(cpu)

	if r.owner == int32(pid) {
		r.state = int32(Lent)
	} else {
		r.cancelRequest(pid)
	}
	if r.guest == int32(pid) {
		r.guest = NobodyPID
	}
	if r.guest == NobodyPID {
		if newGuest := l.electGuest(r); newGuest != NobodyPID {
			return status.Success, &Notification{CPU: cpu, Pid: newGuest, Kind: Grant}
		}
	}
	return status.Success, nil
}

// RecoverCPU implements recover_cpu(pid, c): pid, the owner, reclaims cpu.
// Victim is the current guest; it must yield cooperatively (return_cpu) or
// be force-returned via CheckCpuAvailability/callback depending on
// sync/async mode — the ledger only records the claim and names the
// victim via the returned Notification.
func (l *Ledger) RecoverCPU(pid, cpu int) (status.Code, *Notification) {
	l.seg.Lock()
	defer l.seg.Unlock()
	return l.recoverLocked(pid, cpu)
}

// AcquireCPU implements acquire_cpu(pid, c).
func (l *Ledger) AcquireCPU(pid, cpu int) (status.Code, *Notification) {
	l.seg.Lock()
	defer l.seg.Unlock()
	return l.acquireLocked(pid, cpu, true)
}

// BorrowCPU implements borrow_cpu(pid, c): identical to acquire, but never
// queues — it only ever succeeds if cpu is immediately takeable.
func (l *Ledger) BorrowCPU(pid, cpu int) (status.Code, *Notification) {
	l.seg.Lock()
	defer l.seg.Unlock()
	return l.acquireLocked(pid, cpu, false)
}

// acquireLocked implements the shared acquire_cpu/borrow_cpu logic. Caller
// must hold l.seg's lock.
func (l *Ledger) acquireLocked(pid, cpu int, queueOnFail bool) (status.Code, *Notification) {
	r := l.record(cpu)

	if r.guest == int32(pid) {
		return status.NoUpdate, nil
	}
	if r.owner == int32(pid) {
		r.state = int32(Busy)
		if r.guest == NobodyPID {
			r.guest = int32(pid)
			l.touchStats(r, StatsOwned)
			return status.Success, nil
		}
		// Someone else is guesting a CPU pid owns: the victim must yield.
		return status.Noted, &Notification{CPU: cpu, Pid: int(r.guest), Kind: Reclaim}
	}
	if CPUState(r.state) == Lent && r.guest == NobodyPID {
		r.guest = int32(pid)
		l.touchStats(r, StatsGuested)
		return status.Success, nil
	}
	if CPUState(r.state) != Disabled {
		if !queueOnFail {
			return status.NoUpdate, nil
		}
		if !r.pushRequest(pid) {
			return status.RequestOverflow, nil
		}
		return status.Noted, nil
	}
	return status.Permission, nil
}

// ReturnCPU implements return_cpu(pid, c): pid voluntarily yields a
// borrowed CPU because its owner reclaimed it.
func (l *Ledger) ReturnCPU(pid, cpu int) (status.Code, *Notification) {
	l.seg.Lock()
	defer l.seg.Unlock()
	r := l.record(cpu)

	if CPUState(r.state) != Busy || r.owner == int32(pid) || r.guest != int32(pid) {
		return status.NoUpdate, nil
	}
	r.guest = NobodyPID
	var notif *Notification
	if newGuest := l.electGuest(r); newGuest != NobodyPID {
		notif = &Notification{CPU: cpu, Pid: newGuest, Kind: Grant}
	}
	// Push a fresh request so pid can get the CPU back later.
	r.pushRequest(pid)
	return status.Success, notif
}
