/*
	The hierarchy is the sparse map from chunk name to persisted point
	count.  A node present with a positive count has exactly that many
	points stored in the chunk it names; an absent node means the chunk does
	not exist.  All access goes through the internal lock.
*/

package builder

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/storage"
)

type Hierarchy struct {
	mu sync.RWMutex
	m  map[entwine.Dxyz]uint64
}

func NewHierarchy() *Hierarchy {
	return &Hierarchy{m: map[entwine.Dxyz]uint64{}}
}

// Get returns the persisted point count for a node, zero if absent.
func (h *Hierarchy) Get(dxyz entwine.Dxyz) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.m[dxyz]
}

func (h *Hierarchy) Set(dxyz entwine.Dxyz, np uint64) {
	h.mu.Lock()
	h.m[dxyz] = np
	h.mu.Unlock()
}

// Len returns the number of nodes.
func (h *Hierarchy) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.m)
}

// TotalPoints sums the counts of every node.
func (h *Hierarchy) TotalPoints() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var total uint64
	for _, np := range h.m {
		total += np
	}
	return total
}

// Each visits every node under the read lock.
func (h *Hierarchy) Each(fn func(dxyz entwine.Dxyz, np uint64)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for dxyz, np := range h.m {
		fn(dxyz, np)
	}
}

// snapshot returns a sorted copy for deterministic serialization.
type hierarchyNode struct {
	dxyz entwine.Dxyz
	np   uint64
}

func (h *Hierarchy) snapshot() []hierarchyNode {
	h.mu.RLock()
	nodes := make([]hierarchyNode, 0, len(h.m))
	for dxyz, np := range h.m {
		nodes = append(nodes, hierarchyNode{dxyz, np})
	}
	h.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i].dxyz, nodes[j].dxyz
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
	return nodes
}

// ancestorAt strips a node down to its ancestor at the given depth.
func ancestorAt(dxyz entwine.Dxyz, depth uint64) entwine.Dxyz {
	shift := dxyz.Depth - depth
	return entwine.Dxyz{
		Depth: depth,
		Xyz: entwine.Xyz{
			X: dxyz.X >> shift,
			Y: dxyz.Y >> shift,
			Z: dxyz.Z >> shift,
		},
	}
}

// groupFor returns the file group a node belongs to under the given step:
// the root group for nodes above the step, else the node's ancestor at the
// highest step multiple at or above its depth.
func groupFor(dxyz entwine.Dxyz, step uint64) entwine.Dxyz {
	if step == 0 || dxyz.Depth < step {
		return entwine.Dxyz{}
	}
	return ancestorAt(dxyz, dxyz.Depth/step*step)
}

// DetermineStep picks the smallest hierarchy step whose file groups all fit
// under MaxHierarchyNodesPerFile.  Zero means a single monolithic file.
func (h *Hierarchy) DetermineStep() uint64 {
	if h.Len() <= MaxHierarchyNodesPerFile {
		return 0
	}
	nodes := h.snapshot()
	for step := uint64(1); step < entwine.MaxDepth; step++ {
		sizes := map[entwine.Dxyz]int{}
		fits := true
		for _, n := range nodes {
			g := groupFor(n.dxyz, step)
			sizes[g]++
			if sizes[g] > MaxHierarchyNodesPerFile {
				fits = false
				break
			}
		}
		if fits {
			return step
		}
	}
	return entwine.MaxDepth - 1
}

func hierarchyFilename(group entwine.Dxyz, postfix string) string {
	return group.String() + postfix + ".json"
}

// Save writes the hierarchy under the given endpoint, partitioned into
// files by the step.  Files are JSON maps from chunk name to count.
func (h *Hierarchy) Save(ep storage.Endpoint, step uint64, postfix string, threads int) error {
	groups := map[entwine.Dxyz]map[string]uint64{}
	for _, n := range h.snapshot() {
		g := groupFor(n.dxyz, step)
		if groups[g] == nil {
			groups[g] = map[string]uint64{}
		}
		groups[g][n.dxyz.String()] = n.np
	}
	if len(groups) == 0 {
		// An empty build still writes its root file.
		groups[entwine.Dxyz{}] = map[string]uint64{}
	}

	var group errgroup.Group
	if threads < 1 {
		threads = 1
	}
	group.SetLimit(threads)
	for g, nodes := range groups {
		g, nodes := g, nodes
		group.Go(func() error {
			data, err := json.MarshalIndent(nodes, "", "  ")
			if err != nil {
				return err
			}
			return storage.EnsurePut(ep, hierarchyFilename(g, postfix), data)
		})
	}
	return group.Wait()
}

// LoadHierarchy reads every hierarchy file with the given postfix and
// unions them.
func LoadHierarchy(ep storage.Endpoint, postfix string, threads int) (*Hierarchy, error) {
	paths, err := ep.List("")
	if err != nil {
		return nil, err
	}
	h := NewHierarchy()
	var group errgroup.Group
	if threads < 1 {
		threads = 1
	}
	group.SetLimit(threads)
	for _, path := range paths {
		path := path
		name := strings.TrimSuffix(path, ".json")
		if len(name) == len(path) {
			continue
		}
		if postfix != "" {
			if !strings.HasSuffix(name, postfix) {
				continue
			}
			name = strings.TrimSuffix(name, postfix)
		}
		if _, err := entwine.ParseDxyz(name); err != nil {
			continue
		}
		group.Go(func() error {
			data, err := storage.EnsureGet(ep, path)
			if err != nil {
				return err
			}
			var nodes map[string]uint64
			if err := json.Unmarshal(data, &nodes); err != nil {
				return errors.Wrapf(err, "hierarchy file %q", path)
			}
			for name, np := range nodes {
				dxyz, err := entwine.ParseDxyz(name)
				if err != nil {
					return errors.Wrapf(err, "hierarchy file %q", path)
				}
				h.Set(dxyz, np)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return h, nil
}
