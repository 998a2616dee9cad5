// Package shmem implements the named POSIX shared memory segment every
// participating process attaches to: a process-shared spinlock guarding a
// fixed-size payload, plus the attached-PID registry used for liveness
// checks. It knows nothing about what the payload means — internal/cpuinfo
// overlays the CPU ownership ledger on top of the bytes it hands back.
package shmem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// SegmentVersion must match across every process attaching the same
// segment; a mismatch is a fatal configuration error (mixed DLB builds on
// one node), not a recoverable one.
const SegmentVersion uint32 = 4

// MaxAttachedPIDs bounds the PID registry. DLB targets one node-local
// process group; this comfortably covers any realistic hybrid job.
const MaxAttachedPIDs = 512

// openTimeout bounds how long Open will spin waiting for another process's
// one-shot initialization to finish before giving up.
const openTimeout = 1 * time.Second

var (
	// ErrShmemTimeout is returned by Open when the segment's initialized
	// flag is still unset after openTimeout. Open does not take the
	// in-segment lock, and Lock itself has no timeout. The segment is
	// presumed corrupted; the caller is responsible for cleaning stale
	// segments (dlb_shm, out of this core's scope) before retrying.
	ErrShmemTimeout = errors.New("shmem: timed out waiting for segment initialization")
)

// header is the fixed, pointer-free layout shmem itself owns at the front
// of the mapped region. It must never contain a Go pointer or slice: every
// byte is shared, verbatim, with every attached process.
type header struct {
	version      uint32
	initializing uint32 // not read or written: Open picks the initializer under its setup file lock
	initialized  uint32 // 1 once init is complete; others spin on this
	_            uint32 // pad to 8-byte alignment
	initialTime  int64  // UnixNano captured by the first attacher
	lockWord     uint32 // 0 = unlocked, 1 = locked
	pidCount     uint32
	pids         [MaxAttachedPIDs]int32
}

const headerSize = int(unsafe.Sizeof(header{}))

// Segment is one process's attachment to the named shared region.
type Segment struct {
	name       string
	path       string
	file       *os.File
	fileLock   *flock.Flock
	data       []byte
	hdr        *header
	payloadLen int
	log        hclog.Logger
}

func defaultDir() string {
	if d := os.Getenv("DLB_SHM_DIR"); d != "" {
		return d
	}
	return "/dev/shm"
}

func segmentPath(name, key string) string {
	if key == "" {
		key = fmt.Sprintf("%d", os.Getuid())
	}
	return filepath.Join(defaultDir(), fmt.Sprintf("DLB_%s_%s", key, name))
}

// Open creates the named region if absent, else attaches to it. payloadSize
// is the number of bytes the caller (internal/cpuinfo) needs on top of
// shmem's own header; it must be identical across every process attaching
// this segment.
func Open(name, key string, payloadSize int, log hclog.Logger) (*Segment, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("dlb.shmem")

	path := segmentPath(name, key)
	total := headerSize + payloadSize

	// A short-lived advisory file lock brackets the create-or-attach
	// decision and the ftruncate below: two processes racing to be "the
	// creator" must not both decide they won and both truncate/zero the
	// file. This is a coarser, OS-level lock than the in-segment spinlock,
	// which protects the ledger data once the segment is live.
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("shmem: acquiring setup lock: %w", err)
	}
	defer fl.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: stat %s: %w", path, err)
	}
	creating := info.Size() == 0
	if creating {
		if err := f.Truncate(int64(total)); err != nil {
			f.Close()
			return nil, fmt.Errorf("shmem: truncate %s: %w", path, err)
		}
	} else if info.Size() != int64(total) {
		f.Close()
		return nil, fmt.Errorf("shmem: %s has size %d, want %d (version/layout mismatch)", path, info.Size(), total)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}

	s := &Segment{
		name:       name,
		path:       path,
		file:       f,
		fileLock:   fl,
		data:       data,
		hdr:        (*header)(unsafe.Pointer(&data[0])),
		payloadLen: payloadSize,
		log:        log,
	}

	if err := s.initialize(creating); err != nil {
		s.unmapAndClose()
		return nil, err
	}

	if s.hdr.version != SegmentVersion {
		s.unmapAndClose()
		return nil, fmt.Errorf("shmem: %s has version %d, this build expects %d", path, s.hdr.version, SegmentVersion)
	}

	return s, nil
}

// initialize performs the one-shot initialization handshake: the process
// that created the backing file (decided in Open while holding the setup
// file lock) writes the header and sets `initialized`. Every process
// (including the initializer) then spins on `initialized` for up to
// openTimeout so Open never returns before the header is fully valid.
func (s *Segment) initialize(creating bool) error {
	if creating {
		atomic.StoreUint32(&s.hdr.version, SegmentVersion)
		atomic.StoreInt64(&s.hdr.initialTime, time.Now().UnixNano())
		atomic.StoreUint32(&s.hdr.pidCount, 0)
		atomic.StoreUint32(&s.hdr.lockWord, 0)
		atomic.StoreUint32(&s.hdr.initialized, 1)
	}

	deadline := time.Now().Add(openTimeout)
	for atomic.LoadUint32(&s.hdr.initialized) == 0 {
		if time.Now().After(deadline) {
			return ErrShmemTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// InitialTime returns the monotonic-ish timestamp captured by the first
// attacher, as a reference point for stats.
func (s *Segment) InitialTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.hdr.initialTime))
}

// Payload returns the caller-owned bytes following shmem's own header. The
// caller (internal/cpuinfo) overlays its own fixed, pointer-free struct on
// top of this slice.
func (s *Segment) Payload() []byte {
	return s.data[headerSize:]
}

// Lock acquires the process-shared spinlock. Critical sections must be
// short and must not block on I/O; PM callbacks are always invoked after
// Unlock.
func (s *Segment) Lock() {
	s.log.Trace("lock: acquiring")
	for !atomic.CompareAndSwapUint32(&s.hdr.lockWord, 0, 1) {
		// Pure busy-wait: this is a spinlock, and critical sections are a
		// handful of field writes. A futex-based process-shared mutex
		// would trade a syscall per contended acquire for less spinning;
		// not worth it at this critical-section length.
	}
	s.log.Trace("lock: acquired")
}

// Unlock releases the spinlock.
func (s *Segment) Unlock() {
	atomic.StoreUint32(&s.hdr.lockWord, 0)
	s.log.Trace("unlock")
}

// CloseOption controls what happens to the backing region when the last
// reference to it is dropped.
type CloseOption int

const (
	// CloseKeep leaves the backing file in place even if this was the last
	// attached process (e.g. post-mortem-public deployments that want the
	// segment to remain inspectable by dlb_shm).
	CloseKeep CloseOption = iota
	// CloseDelete unlinks the backing region once the last attached
	// process detaches.
	CloseDelete
)

// Close detaches this process from the segment: it removes this process's
// PID from the registry and, if it was the last one and opt is
// CloseDelete, unlinks the region.
func (s *Segment) Close(pid int, opt CloseOption) error {
	s.Lock()
	s.removePID(pid)
	last := s.hdr.pidCount == 0
	s.Unlock()

	var unlinkErr error
	if last && opt == CloseDelete {
		unlinkErr = os.Remove(s.path)
		os.Remove(s.path + ".lock")
	}
	if err := s.unmapAndClose(); err != nil {
		return err
	}
	return unlinkErr
}

func (s *Segment) unmapAndClose() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			s.file.Close()
			return fmt.Errorf("shmem: munmap: %w", err)
		}
		s.data = nil
	}
	return s.file.Close()
}

// Attach records pid in the registry. Must be called with the lock held by
// the caller (registration happens as part of a larger ledger transaction).
func (s *Segment) Attach(pid int) {
	for i := uint32(0); i < s.hdr.pidCount; i++ {
		if s.hdr.pids[i] == int32(pid) {
			return
		}
	}
	s.scrubDead()
	if s.hdr.pidCount >= MaxAttachedPIDs {
		s.log.Error("pid registry full, cannot attach", "pid", pid)
		return
	}
	s.hdr.pids[s.hdr.pidCount] = int32(pid)
	s.hdr.pidCount++
}

func (s *Segment) removePID(pid int) {
	for i := uint32(0); i < s.hdr.pidCount; i++ {
		if s.hdr.pids[i] == int32(pid) {
			last := s.hdr.pidCount - 1
			s.hdr.pids[i] = s.hdr.pids[last]
			s.hdr.pids[last] = 0
			s.hdr.pidCount = last
			return
		}
	}
}

// scrubDead warns about (but does not forcibly evict) registry entries
// whose liveness probe fails. Called with the lock held.
func (s *Segment) scrubDead() {
	for i := uint32(0); i < s.hdr.pidCount; i++ {
		pid := int(s.hdr.pids[i])
		if !IsAlive(pid) {
			s.log.Warn("stale pid detected in registry", "pid", pid)
		}
	}
}

// AttachedPIDs returns a snapshot of every PID currently in the registry.
// Must be called with the lock held.
func (s *Segment) AttachedPIDs() []int {
	out := make([]int, s.hdr.pidCount)
	for i := range out {
		out[i] = int(s.hdr.pids[i])
	}
	return out
}

// IsAlive performs the liveness probe described in §4.2: a signal-0 kill
// that fails with ESRCH means the process is gone.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}
