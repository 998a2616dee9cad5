// Package dlb is the public API surface of the LeWI core (§6): lifecycle,
// LeWI lend/reclaim/acquire/borrow/return, barriers, DROM, and the small
// set of misc introspection calls. It is a thin dispatch layer over
// subprocess (the per-process descriptor registry) and policy (the
// engine that actually moves CPUs between processes).
package dlb

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/go-hclog"

	"github.com/bsc-pm/dlb/internal/cpuset"
	"github.com/bsc-pm/dlb/internal/pmi"
	"github.com/bsc-pm/dlb/internal/status"
	"github.com/bsc-pm/dlb/policy"
	"github.com/bsc-pm/dlb/subprocess"
)

// Handle identifies one subprocess descriptor (§4.7): the opaque value
// InitSp hands back for hosts running several logical subprocesses in
// one OS process. Init's implicit, single-subprocess path never needs
// one — every top-level call below resolves the process's default
// descriptor instead.
type Handle = *subprocess.Descriptor

var logger = hclog.NewNullLogger()

// SetLogger installs the hclog.Logger every package in this module logs
// through. Call it before Init if you want anything other than a
// discarding null logger.
func SetLogger(l hclog.Logger) {
	if l == nil {
		l = hclog.NewNullLogger()
	}
	logger = l
}

func configFromOptions(opt Options) subprocess.Config {
	return subprocess.Config{
		ShmKey:      opt.ShmKey,
		Mode:        opt.Mode,
		LewiEnabled: opt.LewiEnabled,
		LendMode:    opt.lendMode(),
		Greedy:      opt.Greedy,
		Priority:    opt.Priority,
		Warmup:      opt.Warmup,
		MaskAware:   opt.MaskAware,
		Log:         logger,
	}
}

// Init registers the calling process's CPU set with the ledger and
// installs it as the process's default (implicit) descriptor. args is
// the `--` option string (§6); an empty mask registers every CPU
// currently in the process's OS affinity mask.
func Init(mask cpuset.Mask, args []string) (Handle, StatusCode) {
	opt, err := ParseOptions(args)
	if err != nil {
		logger.Error("dlb.Init: bad options", "error", err)
		return nil, status.NotComposable
	}
	if mask.Count() == 0 {
		m, oerr := cpuset.OfPid(os.Getpid())
		if oerr != nil {
			logger.Error("dlb.Init: cannot read own affinity mask", "error", oerr)
			return nil, status.NoShmem
		}
		mask = m
	}
	return subprocess.Init(os.Getpid(), mask, configFromOptions(opt))
}

// PreInit registers resources without enabling the policy — the
// original's pattern of reserving a process's CPU set before the host
// runtime (MPI) has finished its own bring-up, then calling Enable once
// ready.
func PreInit(mask cpuset.Mask, args []string) (Handle, StatusCode) {
	d, code := Init(mask, args)
	if code.IsError() {
		return d, code
	}
	d.Policy().Disable(d.Context())
	return d, code
}

// Finalize tears down h (or the process default if h is nil).
func Finalize(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return subprocess.Finalize(d)
}

func resolve(h Handle) (Handle, StatusCode) {
	if h != nil {
		return h, status.Success
	}
	return subprocess.Default()
}

func Enable(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().Enable(d.Context())
}

func Disable(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().Disable(d.Context())
}

func SetMaxParallelism(h Handle, n int) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().MaxParallelism(d.Context(), n)
}

func UnsetMaxParallelism(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().UnsetMaxParallelism(d.Context())
}

// CallbackSet registers a PMI callback (§4.4). fn must be the matching
// Go func type for which (pmi.NumThreadsFunc, pmi.MaskFunc or
// pmi.CPUFunc).
func CallbackSet(h Handle, which pmi.Which, fn interface{}) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Context().Table.Set(which, fn)
}

// CallbackGet reports whether which has a registered callback.
func CallbackGet(h Handle, which pmi.Which) bool {
	d, code := resolve(h)
	if code.IsError() {
		return false
	}
	return d.Context().Table.Get(which)
}

// --- LeWI -------------------------------------------------------------

func IntoBlockingCall(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().IntoBlockingCall(d.Context())
}

func OutOfBlockingCall(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().OutOfBlockingCall(d.Context())
}

func Lend(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().Lend(d.Context())
}

func LendCPU(h Handle, cpu int) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().LendCPU(d.Context(), cpu)
}

func LendCPUMask(h Handle, mask cpuset.Mask) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().LendCPUMask(d.Context(), mask)
}

func Reclaim(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().Reclaim(d.Context())
}

func ReclaimCPU(h Handle, cpu int) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().ReclaimCPU(d.Context(), cpu)
}

func ReclaimCPUs(h Handle, n int) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().ReclaimCPUs(d.Context(), n)
}

func ReclaimCPUMask(h Handle, mask cpuset.Mask) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().ReclaimCPUMask(d.Context(), mask)
}

func Acquire(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().Acquire(d.Context())
}

func AcquireCPU(h Handle, cpu int) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().AcquireCPU(d.Context(), cpu)
}

func AcquireCPUMask(h Handle, mask cpuset.Mask) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().AcquireCPUMask(d.Context(), mask)
}

func AcquireCPUs(h Handle, n int) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().AcquireCPUs(d.Context(), n)
}

func Borrow(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().Borrow(d.Context())
}

func BorrowCPUs(h Handle, n int) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().BorrowCPUs(d.Context(), n)
}

func BorrowCPUMask(h Handle, mask cpuset.Mask) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().BorrowCPUMask(d.Context(), mask)
}

func Return(h Handle) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().Return(d.Context())
}

func ReturnCPU(h Handle, cpu int) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().ReturnCPU(d.Context(), cpu)
}

func ReturnCPUMask(h Handle, mask cpuset.Mask) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Policy().ReturnCPUMask(d.Context(), mask)
}

// CheckCpuAvailability reports whether cpu is still guested by h's (or
// the default process's) pid: false means the owner reclaimed it while
// running in synchronous (polling) mode and the caller must yield.
func CheckCpuAvailability(h Handle, cpu int) bool {
	d, code := resolve(h)
	if code.IsError() {
		return false
	}
	return d.Policy().CheckCpuAvailability(d.Context(), cpu)
}

// --- DROM ---------------------------------------------------------------

// PollDROM implements both PollDROM and PollDROM_Update: it always
// refreshes h's process_mask from the ledger, returning whether it
// changed since the last poll.
func PollDROM(h Handle) (cpuset.Mask, StatusCode) {
	d, code := resolve(h)
	if code.IsError() {
		return cpuset.Mask{}, code
	}
	before := d.Context().ProcessMask
	updateCode := d.Policy().PollDROM(d.Context())
	return d.Context().ProcessMask, status.Max(updateCode, boolChanged(before, d.Context().ProcessMask))
}

func boolChanged(before, after cpuset.Mask) StatusCode {
	if cpuset.Equal(before, after) {
		return status.NoUpdate
	}
	return status.Success
}

// SetProcessMask implements the external DROM operation: another tool
// rewrites h's owned CPU set directly (dlb_taskset's one library call,
// per SPEC_FULL.md — there is no CLI wrapper in this module).
func SetProcessMask(h Handle, mask cpuset.Mask) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	return d.Context().Ledger.UpdateOwnership(d.Context().PID, mask)
}

// GetProcessMask returns h's currently registered process_mask.
func GetProcessMask(h Handle) (cpuset.Mask, StatusCode) {
	d, code := resolve(h)
	if code.IsError() {
		return cpuset.Mask{}, code
	}
	return d.Context().ProcessMask, status.Success
}

// --- misc -----------------------------------------------------------

// GetVariable reads back one of the small set of options the LeWI core
// itself consults at runtime (not the full option string, which isn't
// retained past Init). Unrecognized keys return NoEntry.
func GetVariable(h Handle, key string) (string, StatusCode) {
	d, code := resolve(h)
	if code.IsError() {
		return "", code
	}
	c := d.Context()
	switch key {
	case "--lewi-greedy":
		return strconv.FormatBool(c.Tuning.Greedy), status.Success
	case "--lewi-keep-cpu-on-blocking":
		return strconv.FormatBool(c.Tuning.LendMode == policy.OneCpu), status.Success
	case "--lewi-warmup":
		return strconv.FormatBool(c.Tuning.Warmup), status.Success
	case "--priority":
		return fmt.Sprintf("%d", c.Tuning.Priority), status.Success
	default:
		return "", status.NoEntry
	}
}

// SetVariable updates one of the same runtime-tunable options.
func SetVariable(h Handle, key, value string) StatusCode {
	d, code := resolve(h)
	if code.IsError() {
		return code
	}
	c := d.Context()
	switch key {
	case "--lewi-greedy":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return status.Unknown
		}
		c.Tuning.Greedy = b
	case "--lewi-keep-cpu-on-blocking":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return status.Unknown
		}
		if b {
			c.Tuning.LendMode = policy.OneCpu
		} else {
			c.Tuning.LendMode = policy.Block
		}
	case "--lewi-warmup":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return status.Unknown
		}
		c.Tuning.Warmup = b
	default:
		return status.NoEntry
	}
	return status.Success
}

// PrintVariables logs every currently recognized option key and its
// effective value, for diagnostics (the original's PrintVariables/dlb
// --help surface).
func PrintVariables(h Handle) {
	d, code := resolve(h)
	if code.IsError() {
		logger.Warn("dlb.PrintVariables: no descriptor to introspect")
		return
	}
	c := d.Context()
	logger.Info("dlb options",
		"lend_mode", c.Tuning.LendMode,
		"greedy", c.Tuning.Greedy,
		"priority", c.Tuning.Priority,
		"warmup", c.Tuning.Warmup,
		"process_mask", cpuset.String(c.ProcessMask),
		"active_mask", cpuset.String(c.ActiveMask),
		"nthreads", c.NThreads,
	)
}

// PrintShmem logs the current ownership ledger, one line per CPU, for
// the same diagnostic purpose as the original's dlb_shm tool (out of
// scope as a CLI here, but the introspection call it wraps is not).
func PrintShmem(h Handle) {
	d, code := resolve(h)
	if code.IsError() {
		logger.Warn("dlb.PrintShmem: no descriptor to introspect")
		return
	}
	c := d.Context()
	for cpu := 0; cpu < c.Ledger.NumCPUs(); cpu++ {
		s := c.Ledger.Snapshot(cpu)
		logger.Info("cpuinfo", "cpu", s.CPU, "owner", s.Owner, "guest", s.Guest, "state", s.State, "dirty", s.Dirty)
	}
}
