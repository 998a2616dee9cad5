// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cpuset implements fixed-width CPU bitsets over [0, N_sys) and the
// topology helpers the priority selector needs to order borrow candidates.
package cpuset

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mask is a bitset over [0, N_sys). The zero value is the empty mask.
type Mask unix.CPUSet

// Zero clears every bit.
func (m *Mask) Zero() {
	*m = Mask{}
}

// Set adds cpu to the mask.
func (m *Mask) Set(cpu int) {
	(*unix.CPUSet)(m).Set(cpu)
}

// Clr removes cpu from the mask.
func (m *Mask) Clr(cpu int) {
	(*unix.CPUSet)(m).Clear(cpu)
}

// IsSet reports whether cpu is in the mask.
func (m *Mask) IsSet(cpu int) bool {
	return (*unix.CPUSet)(m).IsSet(cpu)
}

// Count returns the number of CPUs in the mask.
func (m *Mask) Count() int {
	return (*unix.CPUSet)(m).Count()
}

// Or sets m to the union of a and b.
func (m *Mask) Or(a, b Mask) {
	for i := range m {
		m[i] = a[i] | b[i]
	}
}

// And sets m to the intersection of a and b.
func (m *Mask) And(a, b Mask) {
	for i := range m {
		m[i] = a[i] & b[i]
	}
}

// Xor sets m to the symmetric difference of a and b.
func (m *Mask) Xor(a, b Mask) {
	for i := range m {
		m[i] = a[i] ^ b[i]
	}
}

// Subtract sets m to a with every bit of b cleared.
func (m *Mask) Subtract(a, b Mask) {
	for i := range m {
		m[i] = a[i] &^ b[i]
	}
}

// Equal reports whether a and b contain exactly the same CPUs.
func Equal(a, b Mask) bool {
	return a == b
}

// IsSubset reports whether every CPU in a is also in b.
func IsSubset(a, b Mask) bool {
	for i := range a {
		if a[i]&^b[i] != 0 {
			return false
		}
	}
	return true
}

// Union returns the union of a and b.
func Union(a, b Mask) Mask {
	var r Mask
	r.Or(a, b)
	return r
}

// Intersect returns the intersection of a and b.
func Intersect(a, b Mask) Mask {
	var r Mask
	r.And(a, b)
	return r
}

// Difference returns a with every bit of b cleared.
func Difference(a, b Mask) Mask {
	var r Mask
	r.Subtract(a, b)
	return r
}

// Range calls fn with the index of every CPU set in m, in ascending order.
func Range(m Mask, fn func(cpu int)) {
	count := m.Count()
	for i := 0; count > 0; i++ {
		if m.IsSet(i) {
			fn(i)
			count--
		}
	}
}

// CPUs returns the CPUs set in m, in ascending order.
func CPUs(m Mask) []int {
	cpus := make([]int, 0, m.Count())
	Range(m, func(cpu int) { cpus = append(cpus, cpu) })
	return cpus
}

// Parse constructs a Mask from a Linux CPU list formatted string, e.g.
// "0-5,34,46-48".
//
// See: http://man7.org/linux/man-pages/man7/cpuset.7.html#FORMATS
//
// Code adapted from https://github.com/kubernetes/kubernetes/blob/v1.27.10/pkg/kubelet/cm/cpuset/cpuset.go#L201
//
// Apache License 2.0
func Parse(s string) (Mask, error) {
	var m Mask
	if s == "" {
		return m, errors.New("cannot parse empty string")
	}

	ranges := strings.Split(s, ",")
	for _, r := range ranges {
		boundaries := strings.SplitN(r, "-", 2)
		if len(boundaries) == 1 {
			elem, err := strconv.Atoi(boundaries[0])
			if err != nil {
				return m, err
			}
			m.Set(elem)
		} else if len(boundaries) == 2 {
			start, err := strconv.Atoi(boundaries[0])
			if err != nil {
				return m, err
			}
			end, err := strconv.Atoi(boundaries[1])
			if err != nil {
				return m, err
			}
			if start > end {
				return m, fmt.Errorf("invalid range %q (%d > %d)", r, start, end)
			}
			for e := start; e <= end; e++ {
				m.Set(e)
			}
		}
	}
	return m, nil
}

func allowedList(pid int) (string, error) {
	filename := fmt.Sprintf("/proc/%d/status", pid)
	b, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}

	const item = "Cpus_allowed_list:"
	_, b, found := bytes.Cut(b, []byte(item))
	if !found {
		return "", fmt.Errorf("did not find %q in %q", item, filename)
	}

	b, _, found = bytes.Cut(b, []byte("\n"))
	if !found {
		return "", fmt.Errorf("expected to find a new line after %q", item)
	}

	return string(bytes.TrimSpace(b)), nil
}

// OfPid returns the affinity mask currently allowed to pid.
func OfPid(pid int) (Mask, error) {
	list, err := allowedList(pid)
	if err != nil {
		return Mask{}, err
	}
	return Parse(list)
}

// NumSystemCPUs returns N_sys, the number of CPUs visible to this process.
// Queried once at startup by callers that need to size per-CPU tables.
func NumSystemCPUs() (int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0, fmt.Errorf("cpuset: sched_getaffinity: %w", err)
	}
	return set.Count(), nil
}

// CurrentCPU reports the CPU the calling goroutine's underlying OS thread
// is currently running on, via the getcpu(2) syscall. Go reschedules
// goroutines across OS threads, so this is necessarily a snapshot, not a
// guarantee the caller stays there; IntoBlockingCall/Lend use it only to
// pick a CPU to keep that is very likely still warm. If the syscall fails
// (non-Linux, sandboxed), the lowest CPU set in fallback is used instead.
func CurrentCPU(fallback Mask) int {
	var cpu, node uint32
	_, _, errno := unix.Syscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0)
	if errno == 0 {
		return int(cpu)
	}
	cpus := CPUs(fallback)
	if len(cpus) == 0 {
		return 0
	}
	return cpus[0]
}

// String renders m as its CPU ids in ascending decimal order followed by
// its cardinality,
// useful for trace/log output.
func String(m Mask) string {
	var sb strings.Builder
	for _, cpu := range CPUs(m) {
		fmt.Fprintf(&sb, "%d ", cpu)
	}
	fmt.Fprintf(&sb, "(count=%d)", m.Count())
	return sb.String()
}
