// Package subprocess implements the subprocess descriptor (§4.7): the
// process-local registry that resolves the "one globally installed
// descriptor" convenience path used by the top-level dlb.* calls against
// the explicit Init_sp API used when several logical subprocesses share
// one OS process.
package subprocess

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/bsc-pm/dlb/internal/cpuinfo"
	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/helper"
	"github.com/bsc-pm/dlb/internal/pmi"
	"github.com/bsc-pm/dlb/internal/shmem"
	"github.com/bsc-pm/dlb/internal/status"
	"github.com/bsc-pm/dlb/policy"
)

// Mode selects the helper-thread path (§6 --mode).
type Mode int

const (
	ModePolling Mode = iota
	ModeAsync
)

// Config is the subprocess package's view of the option string (§6),
// translated by the root dlb package from its own Options type. Kept
// separate so this package never imports dlb back.
type Config struct {
	NCPUs            int // 0 means auto-detect via cpuset.NumSystemCPUs
	ShmKey           string
	Mode             Mode
	LewiEnabled      bool // false selects the no-op "no" policy (--lewi off)
	LendMode         policy.LendMode
	Greedy           bool
	Priority         policy.Priority
	Warmup           bool
	MaskAware        bool // true selects lewimask, false selects count-only lewi
	PostMortemPublic bool // Deregister leaves LENT/ownerless CPUs rather than Disabled
	Log              hclog.Logger
}

// Descriptor is one subprocess's complete runtime state: PID, masks, PMI
// table, and the policy.ProcessContext every policy entry point consumes.
// thread_spd in the original is just the process's default Descriptor;
// InitSp instead hands the caller the Descriptor directly.
type Descriptor struct {
	policy.ProcessContext

	mu   sync.Mutex
	eng  policy.Policy
	seg  *shmem.Segment
	reg  *helper.Registry
	cfg  Config
	log  hclog.Logger
}

var (
	registryMu sync.Mutex
	byPID      = map[int]*Descriptor{}
	defaultPID int
)

// Init implements the implicit thread_spd path: one descriptor per pid,
// installed as the process's default.
func Init(pid int, mask cpuset.Mask, cfg Config) (*Descriptor, status.Code) {
	registryMu.Lock()
	if _, ok := byPID[pid]; ok {
		registryMu.Unlock()
		return nil, status.AlreadyInit
	}
	registryMu.Unlock()

	d, code := newDescriptor(pid, mask, cfg)
	if code.IsError() {
		return nil, code
	}

	registryMu.Lock()
	byPID[pid] = d
	defaultPID = pid
	registryMu.Unlock()
	return d, status.Success
}

// InitSp implements the explicit multi-subprocess API: it creates a
// descriptor identified by its own pid-like key without installing it as
// the process default, returning the opaque handle the caller must pass
// back into every subsequent call.
func InitSp(pid int, mask cpuset.Mask, cfg Config) (*Descriptor, status.Code) {
	registryMu.Lock()
	if _, ok := byPID[pid]; ok {
		registryMu.Unlock()
		return nil, status.AlreadyInit
	}
	registryMu.Unlock()

	d, code := newDescriptor(pid, mask, cfg)
	if code.IsError() {
		return nil, code
	}
	registryMu.Lock()
	byPID[pid] = d
	registryMu.Unlock()
	return d, status.Success
}

// Default resolves the process's implicitly-installed descriptor.
func Default() (*Descriptor, status.Code) {
	registryMu.Lock()
	defer registryMu.Unlock()
	d, ok := byPID[defaultPID]
	if !ok {
		return nil, status.NoInit
	}
	return d, status.Success
}

func newDescriptor(pid int, mask cpuset.Mask, cfg Config) (*Descriptor, status.Code) {
	log := cfg.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("dlb.subprocess")

	ncpus := cfg.NCPUs
	if ncpus <= 0 {
		n, err := cpuset.NumSystemCPUs()
		if err != nil {
			log.Error("cannot determine N_sys", "error", err)
			return nil, status.NoShmem
		}
		ncpus = n
	}

	seg, err := shmem.Open("cpuinfo", cfg.ShmKey, cpuinfo.PayloadSize(), log)
	if err != nil {
		log.Error("opening cpuinfo segment failed", "error", err)
		return nil, status.NoShmem
	}
	ledger, err := cpuinfo.Open(seg, ncpus, log)
	if err != nil {
		log.Error("attaching cpuinfo ledger failed", "error", err)
		seg.Close(pid, shmem.CloseKeep)
		return nil, status.NoShmem
	}

	var reg *helper.Registry
	if cfg.Mode == ModeAsync {
		reg, err = helper.Open(cfg.ShmKey, log)
		if err != nil {
			log.Error("opening helper registry failed", "error", err)
			seg.Close(pid, shmem.CloseKeep)
			return nil, status.NoShmem
		}
	}

	topo, err := cpuset.DiscoverSocketTopology(ncpus)
	if err != nil {
		topo = cpuset.NewTopology(nil)
	}

	table := pmi.NewTable(ncpus, log)

	var eng policy.Policy
	switch {
	case !cfg.LewiEnabled:
		eng = policy.NewNoOp(log)
	case cfg.MaskAware:
		eng = policy.NewLeWIMask(reg, log)
	default:
		eng = policy.NewLeWI(reg, log)
	}

	d := &Descriptor{
		ProcessContext: policy.ProcessContext{
			PID:         pid,
			ProcessMask: mask,
			Ledger:      ledger,
			Table:       table,
			Topology:    topo,
			Tuning: policy.Tuning{
				LendMode: cfg.LendMode,
				Greedy:   cfg.Greedy,
				Priority: cfg.Priority,
				Warmup:   cfg.Warmup,
			},
		},
		eng: eng,
		seg: seg,
		reg: reg,
		cfg: cfg,
		log: log,
	}

	if code := ledger.Register(pid, mask, false); code.IsError() {
		seg.Close(pid, shmem.CloseKeep)
		return nil, code
	}

	if cfg.Mode == ModeAsync {
		d.Helper = helper.New(pid, reg, table, log)
		d.Helper.Start()
	}

	if code := eng.Init(&d.ProcessContext); code.IsError() {
		return nil, code
	}
	return d, status.Success
}

// Finalize tears down d: the policy engine's own Finalize hook, ledger
// deregistration, helper-thread shutdown, and segment close. It removes
// d from the process registry.
func Finalize(d *Descriptor) status.Code {
	d.mu.Lock()
	defer d.mu.Unlock()

	code := d.eng.Finalize(&d.ProcessContext)
	_, empty := d.Ledger.Deregister(d.PID, d.cfg.PostMortemPublic)

	if d.Helper != nil {
		d.Helper.Join()
	}

	opt := shmem.CloseKeep
	if empty {
		opt = shmem.CloseDelete
	}
	if err := d.seg.Close(d.PID, opt); err != nil {
		d.log.Warn("closing cpuinfo segment", "error", err)
	}
	if d.reg != nil {
		if err := d.reg.Close(d.PID, opt); err != nil {
			d.log.Warn("closing helper registry", "error", err)
		}
	}

	registryMu.Lock()
	delete(byPID, d.PID)
	if defaultPID == d.PID {
		defaultPID = 0
	}
	registryMu.Unlock()
	return code
}

// Policy exposes the underlying engine so the root dlb package can
// dispatch every LeWI entry point without subprocess re-declaring each
// one as a pass-through method.
func (d *Descriptor) Policy() policy.Policy { return d.eng }

// Context returns the mutable policy.ProcessContext embedded in d, for
// callers (the root dlb package) that need to pass it to Policy() calls.
func (d *Descriptor) Context() *policy.ProcessContext { return &d.ProcessContext }

// ShmKey returns the `--shm-key` disambiguator d was created with, so
// callers needing a second shmem segment (e.g. named barriers) can share
// the same namespace without threading the option string through again.
func (d *Descriptor) ShmKey() string { return d.cfg.ShmKey }

func (d *Descriptor) String() string {
	return fmt.Sprintf("subprocess(pid=%d mask=%s)", d.PID, cpuset.String(d.ProcessMask))
}
