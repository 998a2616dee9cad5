package shmem

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hashicorp/go-hclog"
)

// MaxBarriers bounds the named-barrier table: independent of the LeWI
// ledger, this is a small companion shared by a second, dedicated
// segment.
const MaxBarriers = 64

// maxBarrierName is the fixed byte width reserved for a barrier's name.
const maxBarrierName = 32

// barrierSlot is one named barrier's fixed, pointer-free state: a
// sense-reversing counting barrier. capacity is the number of processes
// currently attached; count is how many have arrived in the current
// round; sense flips each time the round completes, and every waiter
// blocks on it via futex until it does.
type barrierSlot struct {
	name     [maxBarrierName]byte
	nameLen  uint32
	capacity uint32
	count    uint32
	sense    uint32
}

type barrierLayout struct {
	slots [MaxBarriers]barrierSlot
}

// BarrierPayloadSize is the number of bytes the named-barrier table needs
// from its own shmem segment.
func BarrierPayloadSize() int {
	return int(unsafe.Sizeof(barrierLayout{}))
}

// BarrierSet is the cross-process named-barrier table, one shmem segment
// shared by every participant (distinct from both the cpuinfo ledger and
// the helper registry segments, so barrier waits never contend with
// either).
type BarrierSet struct {
	seg  *Segment
	data *barrierLayout
	log  hclog.Logger
}

// OpenBarriers attaches to (or creates) the named-barrier segment.
func OpenBarriers(key string, log hclog.Logger) (*BarrierSet, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	seg, err := Open("barrier", key, BarrierPayloadSize(), log)
	if err != nil {
		return nil, fmt.Errorf("shmem: opening barrier segment: %w", err)
	}
	payload := seg.Payload()
	data := (*barrierLayout)(unsafe.Pointer(&payload[0]))
	return &BarrierSet{seg: seg, data: data, log: log.Named("dlb.barrier")}, nil
}

func (b *BarrierSet) Close(pid int, opt CloseOption) error {
	return b.seg.Close(pid, opt)
}

// Register finds or allocates the slot for name, returning its index.
// Registering an already-registered name is idempotent.
func (b *BarrierSet) Register(name string) (int, error) {
	if len(name) == 0 || len(name) > maxBarrierName {
		return 0, fmt.Errorf("shmem: barrier name %q must be 1-%d bytes", name, maxBarrierName)
	}
	b.seg.Lock()
	defer b.seg.Unlock()

	free := -1
	for i := range b.data.slots {
		s := &b.data.slots[i]
		if s.nameLen == 0 {
			if free == -1 {
				free = i
			}
			continue
		}
		if string(s.name[:s.nameLen]) == name {
			return i, nil
		}
	}
	if free == -1 {
		return 0, fmt.Errorf("shmem: barrier table full, cannot register %q", name)
	}
	s := &b.data.slots[free]
	copy(s.name[:], name)
	s.nameLen = uint32(len(name))
	return free, nil
}

// Attach adds one participant to slot's capacity.
func (b *BarrierSet) Attach(slot int) {
	b.seg.Lock()
	b.data.slots[slot].capacity++
	b.seg.Unlock()
}

// Detach removes one participant from slot's capacity. If the departing
// process was the last one the round is waiting on, it completes the
// round rather than leaving the others stuck.
func (b *BarrierSet) Detach(slot int) {
	b.seg.Lock()
	s := &b.data.slots[slot]
	if s.capacity > 0 {
		s.capacity--
	}
	if s.capacity > 0 && s.count >= s.capacity {
		completeRound(s)
		b.seg.Unlock()
		FutexWake(&s.sense, int(^uint32(0)>>1))
		return
	}
	b.seg.Unlock()
}

// Wait blocks until every attached participant has called Wait for this
// round (a classic sense-reversing barrier, Busy only on the critical
// section, blocking via futex otherwise).
func (b *BarrierSet) Wait(slot int) error {
	s := &b.data.slots[slot]

	b.seg.Lock()
	localSense := s.sense
	s.count++
	last := s.count >= s.capacity
	if last {
		completeRound(s)
	}
	b.seg.Unlock()

	if last {
		return FutexWake(&s.sense, int(^uint32(0)>>1))
	}

	for atomic.LoadUint32(&s.sense) == localSense {
		FutexWait(&s.sense, localSense, 50*time.Millisecond)
	}
	return nil
}

func completeRound(s *barrierSlot) {
	s.count = 0
	s.sense ^= 1
}
