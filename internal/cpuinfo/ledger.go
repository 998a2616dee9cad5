package cpuinfo

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/hashicorp/go-hclog"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/shmem"
	"github.com/bsc-pm/dlb/internal/status"
)

// NotificationKind distinguishes the two reasons a process needs a PM
// callback delivered: it was just granted a CPU (Grant), or it must yield
// one it currently guests because the owner reclaimed it (Reclaim).
type NotificationKind int

const (
	Grant NotificationKind = iota
	Reclaim
)

// Notification names a process that must be delivered a PM callback as a
// side effect of a ledger transaction. CPU is the affected CPU; Pid is who
// to notify; Kind says what happened.
type Notification struct {
	CPU  int
	Pid  int
	Kind NotificationKind
}

// Ledger is one process's view of the CPU ownership ledger, overlaid on a
// shmem segment shared with every other participating process.
type Ledger struct {
	seg   *shmem.Segment
	data  *sharedLayout
	ncpus int
	log   hclog.Logger
}

// Open attaches the ledger's shared layout to seg. ncpus is N_sys; on first
// attach it is recorded in the segment, on subsequent attaches it must
// match.
func Open(seg *shmem.Segment, ncpus int, log hclog.Logger) (*Ledger, error) {
	if ncpus <= 0 || ncpus > MaxCPUs {
		return nil, fmt.Errorf("cpuinfo: ncpus %d out of range (max %d)", ncpus, MaxCPUs)
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	payload := seg.Payload()
	if len(payload) < PayloadSize() {
		return nil, fmt.Errorf("cpuinfo: segment payload too small: have %d, want %d", len(payload), PayloadSize())
	}
	data := (*sharedLayout)(unsafe.Pointer(&payload[0]))

	l := &Ledger{seg: seg, data: data, ncpus: ncpus, log: log.Named("dlb.cpuinfo")}

	seg.Lock()
	defer seg.Unlock()
	if data.ncpus == 0 {
		data.ncpus = uint32(ncpus)
		for i := 0; i < ncpus; i++ {
			data.cpus[i].id = int32(i)
			data.cpus[i].state = int32(Disabled)
			data.cpus[i].statsState = int32(StatsIdle)
			data.cpus[i].lastUpdate = time.Now().UnixNano()
		}
	} else if int(data.ncpus) != ncpus {
		return nil, fmt.Errorf("cpuinfo: segment was initialized for %d CPUs, this process has %d", data.ncpus, ncpus)
	}
	return l, nil
}

// NumCPUs returns N_sys as recorded in the segment.
func (l *Ledger) NumCPUs() int { return l.ncpus }

func (l *Ledger) record(cpu int) *cpuRecord { return &l.data.cpus[cpu] }

func (l *Ledger) touchStats(r *cpuRecord, next StatsState) {
	now := time.Now().UnixNano()
	elapsed := now - r.lastUpdate
	if elapsed < 0 {
		elapsed = 0
	}
	switch StatsState(r.statsState) {
	case StatsIdle:
		r.nsIdle += elapsed
	case StatsOwned:
		r.nsOwned += elapsed
	case StatsGuested:
		r.nsGuested += elapsed
	}
	r.statsState = int32(next)
	r.lastUpdate = now
}

// Snapshot is a read-only copy of one CPU's ledger entry, for tests,
// PrintShmem and CheckCpuAvailability.
type Snapshot struct {
	CPU        int
	Owner      int
	Guest      int
	State      CPUState
	StatsState StatsState
	Dirty      bool
}

// Snapshot returns the current state of cpu.
func (l *Ledger) Snapshot(cpu int) Snapshot {
	l.seg.Lock()
	defer l.seg.Unlock()
	r := l.record(cpu)
	return Snapshot{
		CPU:        cpu,
		Owner:      int(r.owner),
		Guest:      int(r.guest),
		State:      CPUState(r.state),
		StatsState: StatsState(r.statsState),
		Dirty:      r.dirty != 0,
	}
}

// CheckCpuAvailability reports whether cpu is still guested by pid: false
// means pid must yield it (its owner reclaimed it while pid had no
// callback registered, i.e. synchronous polling mode).
func (l *Ledger) CheckCpuAvailability(pid, cpu int) bool {
	l.seg.Lock()
	defer l.seg.Unlock()
	return int(l.record(cpu).guest) == pid
}

// isAlive is liveness-probe-backed dead-entry filtering for request
// queues; passed as a method value so it can be handed to sharedLayout
// helpers without them depending on the shmem package.
func (l *Ledger) isAlive(pid int) bool {
	return shmem.IsAlive(pid)
}

// Register implements §4.3.1: every bit of mask becomes owned (and, unless
// already guested, guested) by pid.
func (l *Ledger) Register(pid int, mask cpuset.Mask, steal bool) status.Code {
	l.seg.Lock()
	defer l.seg.Unlock()

	if !steal {
		ok := true
		cpuset.Range(mask, func(cpu int) {
			r := l.record(cpu)
			if r.owner != NobodyPID && r.owner != int32(pid) {
				ok = false
			}
		})
		if !ok {
			return status.Permission
		}
	}

	cpuset.Range(mask, func(cpu int) {
		r := l.record(cpu)
		if r.owner != NobodyPID && r.owner != int32(pid) {
			l.log.Info("stealing cpu from prior owner", "cpu", cpu, "prior_owner", r.owner, "new_owner", pid)
		}
		r.owner = int32(pid)
		r.state = int32(Busy)
		r.dirty = 0
		if r.guest == NobodyPID {
			r.guest = int32(pid)
			l.touchStats(r, StatsOwned)
		}
	})
	l.seg.Attach(pid)
	return status.Success
}

// Deregister implements §4.3.2. postMortemPublic controls whether the
// process's CPUs become publicly borrowable (Lent, ownerless — an
// intentional exception to the general "Lent implies an owner" invariant,
// see DESIGN.md) or simply Disabled. It returns whether the ledger now
// retains no owner at all ("shmem empty"), so the caller can decide
// whether to unlink the segment.
func (l *Ledger) Deregister(pid int, postMortemPublic bool) (status.Code, bool) {
	l.seg.Lock()
	defer l.seg.Unlock()

	for cpu := 0; cpu < l.ncpus; cpu++ {
		r := l.record(cpu)
		if r.owner == int32(pid) {
			r.owner = NobodyPID
			if r.guest == int32(pid) {
				r.guest = NobodyPID
			}
			if postMortemPublic {
				r.state = int32(Lent)
			} else {
				r.state = int32(Disabled)
			}
			l.touchStats(r, StatsIdle)
			r.reqHead, r.reqTail, r.reqCount = 0, 0, 0
		} else if r.guest == int32(pid) {
			r.guest = NobodyPID
		}
	}

	empty := true
	for cpu := 0; cpu < l.ncpus; cpu++ {
		if l.record(cpu).owner != NobodyPID {
			empty = false
			break
		}
	}
	return status.Success, empty
}

// Stats returns the cumulative per-state nanosecond counters for cpu, as
// of the last update (it does not force a flush of the in-progress
// interval).
func (l *Ledger) Stats(cpu int) (idle, owned, guested time.Duration) {
	l.seg.Lock()
	defer l.seg.Unlock()
	r := l.record(cpu)
	return time.Duration(r.nsIdle), time.Duration(r.nsOwned), time.Duration(r.nsGuested)
}
