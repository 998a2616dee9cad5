package cpuset

import (
	"bufio"
	"fmt"
	"os"
	"sort"
)

// Topology groups CPUs into parent sets (sockets, NUMA nodes, ...) so the
// priority selector can reason about locality when choosing which CPUs to
// borrow first.
type Topology struct {
	// groups[i] is the mask of every CPU sharing group i's locality domain
	// (e.g. all CPUs on the same physical package).
	groups []Mask
}

// NewTopology builds a Topology from an explicit set of CPU groups, as
// discovered by the caller (from /sys/devices/system/cpu/cpu*/topology or an
// equivalent source).
func NewTopology(groups []Mask) *Topology {
	return &Topology{groups: groups}
}

// DiscoverSocketTopology groups CPUs by the "physical_package_id" a Linux
// kernel exposes in sysfs topology files, one group per socket.
func DiscoverSocketTopology(ncpus int) (*Topology, error) {
	bySocket := map[int]Mask{}
	for cpu := 0; cpu < ncpus; cpu++ {
		path := fmt.Sprintf("/sys/devices/system/cpu/cpu%d/topology/physical_package_id", cpu)
		f, err := os.Open(path)
		if err != nil {
			// Not every environment exposes sysfs topology (containers,
			// test sandboxes); fall back to a single group covering
			// everything so priority collapses to "any".
			continue
		}
		var id int
		_, scanErr := fmt.Fscan(bufio.NewReader(f), &id)
		f.Close()
		if scanErr != nil {
			continue
		}
		g := bySocket[id]
		g.Set(cpu)
		bySocket[id] = g
	}
	if len(bySocket) == 0 {
		var all Mask
		for cpu := 0; cpu < ncpus; cpu++ {
			all.Set(cpu)
		}
		return NewTopology([]Mask{all}), nil
	}
	ids := make([]int, 0, len(bySocket))
	for id := range bySocket {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	groups := make([]Mask, len(ids))
	for i, id := range ids {
		groups[i] = bySocket[id]
	}
	return NewTopology(groups), nil
}

// ParentsCovering returns the union of every group that intersects mask:
// every parent domain touched at all by mask.
func (t *Topology) ParentsCovering(mask Mask) Mask {
	var out Mask
	for _, g := range t.groups {
		if Intersect(g, mask).Count() > 0 {
			out = Union(out, g)
		}
	}
	return out
}

// ParentsInside returns the union of every group fully contained in mask:
// "fully free socket" when mask is the set of idle CPUs.
func (t *Topology) ParentsInside(mask Mask) Mask {
	var out Mask
	for _, g := range t.groups {
		if IsSubset(g, mask) {
			out = Union(out, g)
		}
	}
	return out
}

// Distance returns how far cpu's group is from ref: 0 if cpu's group
// intersects ref, otherwise the smallest difference in group index between
// cpu's group and any group that intersects ref (so an adjacent group is
// 1), used by Nearby-First ordering. A cpu in no group, or an empty ref,
// yields len(groups).
func (t *Topology) Distance(ref Mask, cpu int) int {
	var cpuMask Mask
	cpuMask.Set(cpu)
	homeIdx := -1
	for i, g := range t.groups {
		if Intersect(g, cpuMask).Count() > 0 {
			homeIdx = i
			break
		}
	}
	if homeIdx == -1 {
		return len(t.groups)
	}
	if Intersect(t.groups[homeIdx], ref).Count() > 0 {
		return 0
	}
	// Count groups between the reference's nearest occupied group and cpu's
	// group; lacking real distance metadata, approximate by index delta
	// against the closest group that intersects ref.
	best := len(t.groups)
	for i, g := range t.groups {
		if Intersect(g, ref).Count() == 0 {
			continue
		}
		d := i - homeIdx
		if d < 0 {
			d = -d
		}
		if d < best {
			best = d
		}
	}
	return best
}
