// Package helper implements the per-process asynchronous helper thread and
// the small cross-process registry it uses to receive callbacks posted by
// other processes' policy layers (§4.5).
package helper

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/hashicorp/go-hclog"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/shmem"
)

// Action is what a posted mailbox entry asks the owning process's helper
// thread to do.
type Action int32

const (
	None Action = iota
	EnableCPU
	DisableCPU
	SetMask
	Join
)

// maxSlots bounds the registry; one slot per participating process.
const maxSlots = shmem.MaxAttachedPIDs

// slot is one process's single-slot inbox. No pointers: shared verbatim.
type slot struct {
	pid    int32
	seq    uint32
	action int32
	cpu    int32
	mask   cpuset.Mask
}

type registryLayout struct {
	slots [maxSlots]slot
}

// PayloadSize is the number of bytes the helper registry needs from its
// shmem segment.
func PayloadSize() int {
	return int(unsafe.Sizeof(registryLayout{}))
}

// Registry is the cross-process mailbox, one shmem segment shared by every
// participating process (distinct from the cpuinfo ledger segment: a
// process posting to another's helper must not contend with ledger
// critical sections).
type Registry struct {
	seg  *shmem.Segment
	data *registryLayout
	log  hclog.Logger
}

// Open attaches to (or creates) the helper registry segment.
func Open(key string, log hclog.Logger) (*Registry, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	seg, err := shmem.Open("helper", key, PayloadSize(), log)
	if err != nil {
		return nil, fmt.Errorf("helper: opening registry segment: %w", err)
	}
	payload := seg.Payload()
	data := (*registryLayout)(unsafe.Pointer(&payload[0]))
	return &Registry{seg: seg, data: data, log: log.Named("dlb.helper")}, nil
}

func (r *Registry) Close(pid int, opt shmem.CloseOption) error {
	return r.seg.Close(pid, opt)
}

func (r *Registry) findSlot(pid int) *slot {
	for i := range r.data.slots {
		if r.data.slots[i].pid == int32(pid) {
			return &r.data.slots[i]
		}
	}
	return nil
}

func (r *Registry) allocSlot(pid int) *slot {
	if s := r.findSlot(pid); s != nil {
		return s
	}
	for i := range r.data.slots {
		if r.data.slots[i].pid == 0 {
			r.data.slots[i].pid = int32(pid)
			return &r.data.slots[i]
		}
	}
	return nil
}

// Post cross-posts action to target's mailbox and wakes its helper thread.
// Used by a policy layer that just freed or reclaimed a CPU on behalf of a
// different process than the one running this code.
func (r *Registry) Post(target int, action Action, cpu int, mask cpuset.Mask) error {
	r.seg.Lock()
	s := r.allocSlot(target)
	if s == nil {
		r.seg.Unlock()
		return fmt.Errorf("helper: registry full, cannot post to pid %d", target)
	}
	s.action = int32(action)
	s.cpu = int32(cpu)
	s.mask = mask
	s.seq++
	seqAddr := &s.seq
	r.seg.Unlock()

	return shmem.FutexWake(seqAddr, 1)
}

// Mailbox is the decoded contents of one poll.
type Mailbox struct {
	Action Action
	CPU    int
	Mask   cpuset.Mask
	Seq    uint32
}

// Poll reads pid's current mailbox contents without blocking.
func (r *Registry) Poll(pid int) Mailbox {
	r.seg.Lock()
	defer r.seg.Unlock()
	s := r.allocSlot(pid)
	if s == nil {
		return Mailbox{}
	}
	return Mailbox{Action: Action(s.action), CPU: int(s.cpu), Mask: s.mask, Seq: s.seq}
}

// seqAddr exposes the raw shared counter address for pid so Thread can
// block on it with FutexWait between polls, instead of a pure busy loop.
func (r *Registry) seqAddr(pid int) *uint32 {
	r.seg.Lock()
	defer r.seg.Unlock()
	s := r.allocSlot(pid)
	if s == nil {
		return nil
	}
	return &s.seq
}

// waitForChange blocks until pid's mailbox sequence advances past lastSeq
// or timeout elapses.
func (r *Registry) waitForChange(pid int, lastSeq uint32, timeout time.Duration) {
	addr := r.seqAddr(pid)
	if addr == nil {
		time.Sleep(timeout)
		return
	}
	_ = shmem.FutexWait(addr, lastSeq, timeout)
}
