// Package status defines the stable integer result codes shared by every
// layer of the LeWI core (ledger, policy, public API), so a caller three
// layers up the stack can compare a policy call's result against the exact
// code the ledger produced instead of a re-wrapped approximation.
package status

import "fmt"

// Code is a stable, small integer result code. Positive and zero codes are
// successful (but distinct) outcomes; negative codes are errors. Code
// implements error so ledger/policy signatures can return it directly
// where that's more natural, but callers should prefer comparing against
// the named constants with ==.
type Code int

const (
	NoUpdate Code = 2
	Noted    Code = 1
	Success  Code = 0

	Unknown         Code = -1
	NoInit          Code = -2
	AlreadyInit     Code = -3
	Disabled        Code = -4
	NoShmem         Code = -5
	NoProcess       Code = -6
	ProcessDirty    Code = -7
	Permission      Code = -8
	Timeout         Code = -9
	NoCallback      Code = -10
	NoEntry         Code = -11
	NotComposable   Code = -12
	RequestOverflow Code = -13
	NoMem           Code = -14
	NoPolicy        Code = -15
)

var strs = map[Code]string{
	NoUpdate:        "request did not change any state",
	Noted:           "request queued, grant will arrive asynchronously",
	Success:         "success",
	Unknown:         "unknown error",
	NoInit:          "DLB is not initialized",
	AlreadyInit:     "DLB is already initialized",
	Disabled:        "DLB is disabled",
	NoShmem:         "cannot find shared memory segment",
	NoProcess:       "cannot find process",
	ProcessDirty:    "process mask is out of sync, poll DROM",
	Permission:      "cannot acquire requested resource, permission denied",
	Timeout:         "timed out waiting for a resource",
	NoCallback:      "callback not defined",
	NoEntry:         "entry point not initialized",
	NotComposable:   "cannot compose requested options",
	RequestOverflow: "too many pending requests",
	NoMem:           "not enough memory",
	NoPolicy:        "no policy linked",
}

// Error implements error, so Code can be returned directly from functions
// whose signature needs a real error rather than a plain result code (e.g.
// to satisfy io-style interfaces or to propagate through %w).
func (c Code) Error() string {
	if s, ok := strs[c]; ok {
		return s
	}
	return fmt.Sprintf("dlb: unrecognized status code %d", int(c))
}

// IsError reports whether c represents a failure (negative codes) as
// opposed to a successful-but-distinct outcome (Success/Noted/NoUpdate).
func (c Code) IsError() bool {
	return c < Success
}

// Max returns the code with highest precedence among a and b, for
// aggregating per-CPU results into one status for a bulk operation:
// Noted > Success > NoUpdate, and any error outranks all three.
func Max(a, b Code) Code {
	rank := func(c Code) int {
		switch {
		case c.IsError():
			return 100 + int(-c)
		case c == Noted:
			return 3
		case c == Success:
			return 2
		case c == NoUpdate:
			return 1
		default:
			return 0
		}
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}
