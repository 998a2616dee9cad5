package dlb

import "github.com/bsc-pm/dlb/internal/status"

// StatusCode is the stable integer result code every public entry point
// returns (§6): zero and positive values are distinct successful
// outcomes, negative values are errors. It satisfies error so it can be
// handled with a plain `if err != nil` as well as compared against the
// named constants with ==.
type StatusCode = status.Code

const (
	NoUpdate StatusCode = status.NoUpdate
	Noted    StatusCode = status.Noted
	Success  StatusCode = status.Success

	Unknown         StatusCode = status.Unknown
	NoInit          StatusCode = status.NoInit
	AlreadyInit     StatusCode = status.AlreadyInit
	Disabled        StatusCode = status.Disabled
	NoShmem         StatusCode = status.NoShmem
	NoProcess       StatusCode = status.NoProcess
	ProcessDirty    StatusCode = status.ProcessDirty
	Permission      StatusCode = status.Permission
	Timeout         StatusCode = status.Timeout
	NoCallback      StatusCode = status.NoCallback
	NoEntry         StatusCode = status.NoEntry
	NotComposable   StatusCode = status.NotComposable
	RequestOverflow StatusCode = status.RequestOverflow
	NoMem           StatusCode = status.NoMem
	NoPolicy        StatusCode = status.NoPolicy
)

// Strerror renders code's human-readable description (§6).
func Strerror(code StatusCode) string {
	return code.Error()
}
