package helper

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/pmi"
)

// pollInterval bounds how long FutexWait blocks between checks of the
// intra-process quit/local-action channels; a cross-process Post wakes it
// immediately via FutexWake, so this is just the ceiling on worst-case
// wake latency if the futex wake is somehow missed (e.g. delivered before
// the wait syscall began).
const pollInterval = 50 * time.Millisecond

// Thread is one process's helper thread: it consumes cross-posted actions
// from the helper registry (other processes reassigning this process's
// CPUs) and same-process actions enqueued directly by the policy layer,
// and executes the corresponding PM callback outside any lock.
type Thread struct {
	pid   int
	reg   *Registry
	table *pmi.Table
	log   hclog.Logger

	local chan localAction
	quit  chan struct{}
	done  chan struct{}

	wg sync.WaitGroup
}

type localAction struct {
	action Action
	cpu    int
	mask   cpuset.Mask
}

// New creates a helper thread for pid. It does not start running until
// Start is called.
func New(pid int, reg *Registry, table *pmi.Table, log hclog.Logger) *Thread {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Thread{
		pid:   pid,
		reg:   reg,
		table: table,
		log:   log.Named("dlb.helper.thread"),
		local: make(chan localAction, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the helper goroutine.
func (t *Thread) Start() {
	t.wg.Add(1)
	go t.loop()
}

// PostLocal enqueues an action originating in this same process (the fast
// path: no shmem round-trip needed).
func (t *Thread) PostLocal(action Action, cpu int, mask cpuset.Mask) {
	select {
	case t.local <- localAction{action, cpu, mask}:
	default:
		// Single-slot inbox: a pending action is still being read; the
		// caller's next Post (or the registry's cross-process Post) will
		// carry the same information forward via the next ledger event.
	}
}

// Join finalizes the helper thread: it posts a Join action, wakes the
// thread, and waits for it to exit.
func (t *Thread) Join() {
	close(t.quit)
	select {
	case t.local <- localAction{action: Join}:
	default:
	}
	<-t.done
}

func (t *Thread) loop() {
	defer t.wg.Done()
	defer close(t.done)

	var lastSeq uint32
	for {
		select {
		case <-t.quit:
			return
		case a := <-t.local:
			if a.action == Join {
				return
			}
			t.dispatch(a.action, a.cpu, a.mask)
			continue
		default:
		}

		mb := t.reg.Poll(t.pid)
		if mb.Seq != lastSeq {
			lastSeq = mb.Seq
			if Action(mb.Action) != None {
				t.dispatch(Action(mb.Action), mb.CPU, mb.Mask)
			}
			continue
		}

		t.reg.waitForChange(t.pid, lastSeq, pollInterval)
	}
}

func (t *Thread) dispatch(action Action, cpu int, mask cpuset.Mask) {
	switch action {
	case EnableCPU:
		t.log.Debug("dispatch enable_cpu", "cpu", cpu)
		t.table.EnableCPUCb(cpu)
	case DisableCPU:
		t.log.Debug("dispatch disable_cpu", "cpu", cpu)
		t.table.DisableCPUCb(cpu, mask)
	case SetMask:
		t.log.Debug("dispatch set_active_mask", "mask", cpuset.String(mask))
		t.table.SetMask(mask)
	case Join, None:
	}
}
