package cpuinfo

import (
	"github.com/bsc-pm/dlb/internal/status"
)

// BulkResult aggregates the outcome of a bulk CPU operation: the worst
// (highest-precedence) status code observed, the set of CPUs actually
// granted, and every notification that must be delivered to other
// processes as a side effect.
type BulkResult struct {
	Code          status.Code
	Granted       []int
	Notifications []Notification
}

func (b *BulkResult) absorb(code status.Code) {
	b.Code = status.Max(b.Code, code)
}

// AcquireCPUs implements acquire_cpus(pid, priority, n): try to acquire up
// to n CPUs from candidates (already ordered by the policy layer's
// priority selection — owned-and-available CPUs should lead the slice,
// since the ledger itself re-passes over the list twice to prefer owned
// CPUs regardless of input order). Any shortfall becomes one global
// request of weight (n - granted).
func (l *Ledger) AcquireCPUs(pid int, candidates []int, n int) *BulkResult {
	res := &BulkResult{Code: status.NoUpdate}

	if n == 0 {
		l.seg.Lock()
		l.data.cancelGlobal(pid)
		l.seg.Unlock()
		res.Code = status.Success
		return res
	}

	l.seg.Lock()
	defer l.seg.Unlock()

	owned, other := l.partitionByOwnership(pid, candidates)
	granted := 0
	for _, order := range [][]int{owned, other} {
		for _, cpu := range order {
			if granted >= n {
				break
			}
			code, notif := l.acquireLocked(pid, cpu, false) // never queue per-CPU here; shortfall queues globally below
			if code == status.Permission {
				continue // Disabled CPU: not takeable by anyone, not a failure of the bulk request
			}
			if code == status.Success {
				granted++
				res.Granted = append(res.Granted, cpu)
			}
			res.absorb(code)
			if notif != nil {
				res.Notifications = append(res.Notifications, *notif)
			}
		}
	}

	if remaining := n - granted; remaining > 0 {
		if !l.data.pushGlobal(pid, remaining) {
			res.absorb(status.RequestOverflow)
		} else {
			res.absorb(status.Noted)
		}
	}
	return res
}

// BorrowCPUs implements borrow_cpus(pid, priority, n): identical candidate
// ordering, but never queues a shortfall — it only ever grants what is
// immediately takeable.
func (l *Ledger) BorrowCPUs(pid int, candidates []int, n int) *BulkResult {
	res := &BulkResult{Code: status.NoUpdate}
	if n <= 0 {
		res.Code = status.Success
		return res
	}

	l.seg.Lock()
	defer l.seg.Unlock()

	owned, other := l.partitionByOwnership(pid, candidates)
	granted := 0
	for _, order := range [][]int{owned, other} {
		for _, cpu := range order {
			if granted >= n {
				break
			}
			code, notif := l.acquireLocked(pid, cpu, false)
			if code == status.Permission {
				continue // Disabled CPU: not takeable by anyone, not a failure of the bulk request
			}
			if code == status.Success {
				granted++
				res.Granted = append(res.Granted, cpu)
			}
			res.absorb(code)
			if notif != nil {
				res.Notifications = append(res.Notifications, *notif)
			}
		}
	}
	return res
}

func (l *Ledger) partitionByOwnership(pid int, candidates []int) (owned, other []int) {
	for _, cpu := range candidates {
		if int(l.record(cpu).owner) == pid {
			owned = append(owned, cpu)
		} else {
			other = append(other, cpu)
		}
	}
	return owned, other
}

// RecoverAll implements recover_all(pid): reclaim every CPU pid owns.
func (l *Ledger) RecoverAll(pid int) *BulkResult {
	res := &BulkResult{Code: status.NoUpdate}
	l.seg.Lock()
	defer l.seg.Unlock()
	for cpu := 0; cpu < l.ncpus; cpu++ {
		if int(l.record(cpu).owner) != pid {
			continue
		}
		code, notif := l.recoverLocked(pid, cpu)
		res.absorb(code)
		if code == status.Success {
			res.Granted = append(res.Granted, cpu)
		}
		if notif != nil {
			res.Notifications = append(res.Notifications, *notif)
		}
	}
	return res
}

// recoverLocked is RecoverCPU's body, factored out so RecoverAll can share
// one lock acquisition across every owned CPU.
func (l *Ledger) recoverLocked(pid, cpu int) (status.Code, *Notification) {
	r := l.record(cpu)
	if r.owner != int32(pid) {
		return status.Permission, nil
	}
	r.state = int32(Busy)
	switch r.guest {
	case NobodyPID:
		r.guest = int32(pid)
		l.touchStats(r, StatsOwned)
		return status.Success, nil
	case int32(pid):
		return status.NoUpdate, nil
	default:
		return status.Noted, &Notification{CPU: cpu, Pid: int(r.guest), Kind: Reclaim}
	}
}

// ReturnAll implements return_all(pid): yield every CPU pid currently
// guests but does not own.
func (l *Ledger) ReturnAll(pid int) *BulkResult {
	res := &BulkResult{Code: status.NoUpdate}
	l.seg.Lock()
	defer l.seg.Unlock()
	for cpu := 0; cpu < l.ncpus; cpu++ {
		r := l.record(cpu)
		if CPUState(r.state) != Busy || r.owner == int32(pid) || r.guest != int32(pid) {
			continue
		}
		r.guest = NobodyPID
		res.absorb(status.Success)
		res.Granted = append(res.Granted, cpu)
		if newGuest := l.electGuest(r); newGuest != NobodyPID {
			res.Notifications = append(res.Notifications, Notification{CPU: cpu, Pid: newGuest, Kind: Grant})
		}
		r.pushRequest(pid)
	}
	return res
}
