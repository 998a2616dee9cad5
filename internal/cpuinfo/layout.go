// Package cpuinfo is the sole custodian of per-CPU ownership state: the
// shared ledger of owner/guest/state per CPU, the global and per-CPU
// request queues, and the primitives that mutate them (§4.3 of the design).
// Every exported method here executes with the backing shmem segment's
// lock held for its whole duration.
package cpuinfo

import (
	"unsafe"
)

// NobodyPID is the sentinel meaning "no process".
const NobodyPID = 0

// MaxCPUs bounds the fixed-size shared layout. Chosen generously for
// node-local hybrid jobs; N_sys is validated against it at Open time.
const MaxCPUs = 256

// GlobalQueueSize is the capacity of the ring buffer of (pid, howmany)
// requests for N non-specific CPUs.
const GlobalQueueSize = 100

// PerCPUQueueSize is the capacity of the per-CPU specific-request queue.
const PerCPUQueueSize = 8

// CPUState is a CPU's high-level ownership state.
type CPUState int32

const (
	Disabled CPUState = iota
	Busy
	Lent
)

func (s CPUState) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Busy:
		return "busy"
	case Lent:
		return "lent"
	default:
		return "unknown"
	}
}

// StatsState tracks what a CPU has spent its time doing, for the cumulative
// counters in cpuRecord.
type StatsState int32

const (
	StatsIdle StatsState = iota
	StatsOwned
	StatsGuested
)

// globalRequest is one entry of the global (non-CPU-specific) request ring
// buffer: a process waiting on `howmany` more CPUs, any CPUs.
type globalRequest struct {
	pid     int32
	howmany int32
	valid   uint32
	_       uint32
}

// cpuRecord is the fixed, pointer-free per-CPU record shared across every
// attached process — CpuInfo in §3.
type cpuRecord struct {
	id         int32
	owner      int32
	guest      int32
	state      int32 // CPUState
	statsState int32 // StatsState
	nsIdle     int64
	nsOwned    int64
	nsGuested  int64
	lastUpdate int64
	dirty      uint32

	reqHead  uint32
	reqTail  uint32
	reqCount uint32
	reqs     [PerCPUQueueSize]int32
}

// sharedLayout is the entire payload cpuinfo overlays on the shmem segment.
// No pointers, no slices: every field is a fixed-size value so every
// attached process sees the same bytes at the same offsets.
type sharedLayout struct {
	globalDirty uint32
	ncpus       uint32

	globalHead  uint32
	globalTail  uint32
	globalCount uint32
	globalReqs  [GlobalQueueSize]globalRequest

	cpus [MaxCPUs]cpuRecord
}

// PayloadSize is the number of bytes cpuinfo needs from the shmem segment.
func PayloadSize() int {
	return int(unsafe.Sizeof(sharedLayout{}))
}

// --- per-CPU specific request queue -----------------------------------

func (r *cpuRecord) pushRequest(pid int) bool {
	if r.reqCount >= PerCPUQueueSize {
		return false
	}
	r.reqs[r.reqTail] = int32(pid)
	r.reqTail = (r.reqTail + 1) % PerCPUQueueSize
	r.reqCount++
	return true
}

func (r *cpuRecord) popRequest() (int, bool) {
	if r.reqCount == 0 {
		return 0, false
	}
	pid := r.reqs[r.reqHead]
	r.reqHead = (r.reqHead + 1) % PerCPUQueueSize
	r.reqCount--
	return int(pid), true
}

func (r *cpuRecord) cancelRequest(pid int) {
	if r.reqCount == 0 {
		return
	}
	kept := make([]int32, 0, r.reqCount)
	for i, n := r.reqHead, r.reqCount; n > 0; i, n = (i+1)%PerCPUQueueSize, n-1 {
		if r.reqs[i] != int32(pid) {
			kept = append(kept, r.reqs[i])
		}
	}
	r.reqHead, r.reqTail, r.reqCount = 0, 0, 0
	for _, p := range kept {
		r.reqs[r.reqTail] = p
		r.reqTail = (r.reqTail + 1) % PerCPUQueueSize
		r.reqCount++
	}
}

// --- global (non-specific) request ring buffer --------------------------

func (l *sharedLayout) pushGlobal(pid, howmany int) bool {
	if l.globalCount >= GlobalQueueSize {
		return false
	}
	l.globalReqs[l.globalTail] = globalRequest{pid: int32(pid), howmany: int32(howmany), valid: 1}
	l.globalTail = (l.globalTail + 1) % GlobalQueueSize
	l.globalCount++
	return true
}

// popGlobalOne decrements the head entry's howmany by one and returns the
// requesting pid; the entry is consumed (removed) once howmany reaches
// zero. isAlive is used to skip entries whose pid has died.
func (l *sharedLayout) popGlobalOne(isAlive func(int) bool) (int, bool) {
	for l.globalCount > 0 {
		e := &l.globalReqs[l.globalHead]
		if e.valid == 0 || !isAlive(int(e.pid)) {
			l.advanceGlobalHead()
			continue
		}
		pid := int(e.pid)
		e.howmany--
		if e.howmany <= 0 {
			l.advanceGlobalHead()
		}
		return pid, true
	}
	return 0, false
}

func (l *sharedLayout) advanceGlobalHead() {
	l.globalReqs[l.globalHead] = globalRequest{}
	l.globalHead = (l.globalHead + 1) % GlobalQueueSize
	l.globalCount--
}

// cancelGlobal removes every entry belonging to pid, returning how many
// were removed. Used by AcquireCPUs(0).
func (l *sharedLayout) cancelGlobal(pid int) int {
	if l.globalCount == 0 {
		return 0
	}
	kept := make([]globalRequest, 0, l.globalCount)
	removed := 0
	for i, n := l.globalHead, l.globalCount; n > 0; i, n = (i+1)%GlobalQueueSize, n-1 {
		e := l.globalReqs[i]
		if e.valid != 0 && e.pid == int32(pid) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.globalHead, l.globalTail, l.globalCount = 0, 0, 0
	for _, e := range kept {
		l.globalReqs[l.globalTail] = e
		l.globalTail = (l.globalTail + 1) % GlobalQueueSize
		l.globalCount++
	}
	return removed
}
