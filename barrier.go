package dlb

import (
	"sync"

	"github.com/bsc-pm/dlb/internal/shmem"
	"github.com/bsc-pm/dlb/internal/status"
)

// defaultBarrierName is the slot BarrierAttach/Detach/Barrier operate on
// implicitly, matching the original's single unnamed barrier alongside
// the explicit named ones (dlb_API.h's BarrierNamedRegister/Named).
const defaultBarrierName = "__default__"

var (
	barriersMu sync.Mutex
	barrierSet = map[Handle]*shmem.BarrierSet{}
	attached   = map[Handle]map[string]int{}
)

func barriersFor(d Handle) (*shmem.BarrierSet, error) {
	barriersMu.Lock()
	defer barriersMu.Unlock()
	if b, ok := barrierSet[d]; ok {
		return b, nil
	}
	b, err := shmem.OpenBarriers(d.ShmKey(), logger)
	if err != nil {
		return nil, err
	}
	barrierSet[d] = b
	return b, nil
}

// BarrierNamedRegister finds or creates the barrier named name and
// attaches the calling process to it, returning an opaque slot id to
// pass to BarrierNamed.
func BarrierNamedRegister(h Handle, name string) (int, StatusCode) {
	d, code := resolve(h)
	if code.IsError() {
		return 0, code
	}
	b, err := barriersFor(d)
	if err != nil {
		logger.Error("dlb.BarrierNamedRegister: opening barrier segment failed", "error", err)
		return 0, status.NoShmem
	}

	barriersMu.Lock()
	if slots, ok := attached[d]; ok {
		if slot, ok := slots[name]; ok {
			barriersMu.Unlock()
			return slot, status.Success
		}
	}
	barriersMu.Unlock()

	slot, rerr := b.Register(name)
	if rerr != nil {
		logger.Error("dlb.BarrierNamedRegister: registering barrier failed", "name", name, "error", rerr)
		return 0, status.NotComposable
	}
	b.Attach(slot)

	barriersMu.Lock()
	if attached[d] == nil {
		attached[d] = map[string]int{}
	}
	attached[d][name] = slot
	barriersMu.Unlock()
	return slot, status.Success
}

// BarrierNamed blocks until every process attached to slot has arrived.
func BarrierNamed(h Handle, slot int) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	b, err := barriersFor(d)
	if err != nil {
		return status.NoShmem
	}
	if err := b.Wait(slot); err != nil {
		logger.Warn("dlb.BarrierNamed: wait returned an error", "error", err)
	}
	return status.Success
}

// BarrierAttach joins the calling process to the default (unnamed)
// barrier.
func BarrierAttach(h Handle) StatusCode {
	_, code := BarrierNamedRegister(h, defaultBarrierName)
	return code
}

// BarrierDetach removes the calling process from the default barrier.
func BarrierDetach(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	b, err := barriersFor(d)
	if err != nil {
		return status.NoShmem
	}
	barriersMu.Lock()
	slot, ok := attached[d][defaultBarrierName]
	if ok {
		delete(attached[d], defaultBarrierName)
	}
	barriersMu.Unlock()
	if !ok {
		return status.NoUpdate
	}
	b.Detach(slot)
	return status.Success
}

// Barrier blocks on the default (unnamed) barrier, auto-attaching the
// calling process on first use.
func Barrier(h Handle) StatusCode {
	slot, code := BarrierNamedRegister(h, defaultBarrierName)
	if code.IsError() {
		return code
	}
	return BarrierNamed(h, slot)
}
