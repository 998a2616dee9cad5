package dlb

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bsc-pm/dlb/policy"
	"github.com/bsc-pm/dlb/subprocess"
)

// MpiCalls selects which MPI call categories trigger an automatic
// lend/reclaim (§6 --lewi-mpi-calls).
type MpiCalls int

const (
	MpiCallsAll MpiCalls = iota
	MpiCallsBarrier
	MpiCallsCollectives
)

func (m MpiCalls) String() string {
	switch m {
	case MpiCallsBarrier:
		return "barrier"
	case MpiCallsCollectives:
		return "collectives"
	default:
		return "all"
	}
}

// Options is the parsed form of the `--` option string (§6): every field
// the LeWI core itself consults. Unrecognized keys are accepted and
// ignored rather than rejected, since the option string in real
// deployments also carries keys other DLB subsystems (TALP, the MPI
// interception shim) consult and this core must not choke on them.
type Options struct {
	LewiEnabled    bool
	MaskAware      bool // --lewi-mask: affinity-aware lewi_mask (true) vs count-only lewi (false)
	Mode           subprocess.Mode
	MpiCalls       MpiCalls
	KeepCPUBlocked bool // --lewi-keep-cpu-on-blocking: OneCpu (true) vs Block (false)
	Greedy         bool
	Warmup         bool
	Priority       policy.Priority
	ShmKey         string
	Verbose        bool
	VerboseFormat  string
}

// DefaultOptions mirrors the original's documented defaults: LeWI off
// until explicitly requested, polling mode, OneCpu lend mode, any-CPU
// priority. When LeWI is on, the affinity-aware lewi_mask variant is the
// default balancer, matching the original's own default policy string.
func DefaultOptions() Options {
	return Options{
		LewiEnabled:    false,
		MaskAware:      true,
		Mode:           subprocess.ModePolling,
		MpiCalls:       MpiCallsAll,
		KeepCPUBlocked: true,
		Priority:       policy.Any,
	}
}

// ParseOptions parses a `--key=value` / `--key value` argument list (§6)
// into Options, starting from DefaultOptions. It runs in "continue on
// error" mode (pflag.ContinueOnError): a bad value returns an error
// rather than exiting the host process, since this is a library, not a
// CLI.
func ParseOptions(args []string) (Options, error) {
	opt := DefaultOptions()

	fs := pflag.NewFlagSet("dlb", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.BoolVar(&opt.LewiEnabled, "lewi", opt.LewiEnabled, "enable the LeWI policy")
	fs.BoolVar(&opt.MaskAware, "lewi-mask", opt.MaskAware, "select the affinity-aware lewi_mask variant instead of count-only lewi")
	mode := fs.String("mode", "polling", "helper-thread path: polling|async")
	mpiCalls := fs.String("lewi-mpi-calls", "all", "which MPI calls trigger lend/reclaim: all|barrier|collectives")
	fs.BoolVar(&opt.KeepCPUBlocked, "lewi-keep-cpu-on-blocking", opt.KeepCPUBlocked, "keep one CPU while in a blocking call (OneCpu) instead of lending all (Block)")
	fs.BoolVar(&opt.Greedy, "lewi-greedy", opt.Greedy, "acquire/borrow as many CPUs as are idle, not just the shortfall")
	fs.BoolVar(&opt.Warmup, "lewi-warmup", opt.Warmup, "touch every CPU in process_mask once at Init")
	priority := fs.String("priority", "any", "candidate ordering: any|nearby-first|nearby-only|spread-ifempty")
	fs.StringVar(&opt.ShmKey, "shm-key", "", "disambiguate the shmem segment name")
	fs.BoolVar(&opt.Verbose, "verbose", false, "enable tracing")
	fs.StringVar(&opt.VerboseFormat, "verbose-format", "", "tracing output format")

	if err := fs.Parse(args); err != nil {
		return opt, fmt.Errorf("dlb: parsing options: %w", err)
	}

	switch *mode {
	case "polling":
		opt.Mode = subprocess.ModePolling
	case "async":
		opt.Mode = subprocess.ModeAsync
	default:
		return opt, fmt.Errorf("dlb: unrecognized --mode %q", *mode)
	}

	switch *mpiCalls {
	case "all":
		opt.MpiCalls = MpiCallsAll
	case "barrier":
		opt.MpiCalls = MpiCallsBarrier
	case "collectives":
		opt.MpiCalls = MpiCallsCollectives
	default:
		return opt, fmt.Errorf("dlb: unrecognized --lewi-mpi-calls %q", *mpiCalls)
	}

	switch *priority {
	case "any":
		opt.Priority = policy.Any
	case "nearby-first":
		opt.Priority = policy.NearbyFirst
	case "nearby-only":
		opt.Priority = policy.NearbyOnly
	case "spread-ifempty":
		opt.Priority = policy.SpreadIfempty
	default:
		return opt, fmt.Errorf("dlb: unrecognized --priority %q", *priority)
	}

	return opt, nil
}

func (o Options) lendMode() policy.LendMode {
	if o.KeepCPUBlocked {
		return policy.OneCpu
	}
	return policy.Block
}
