/*
	Octree descent keys.  A Key tracks a point's integer grid position as the
	tree is descended one bisection per level.  A ChunkKey identifies a chunk
	cell by (depth, x, y, z) and is the stable name under which the chunk's
	points are persisted.
*/

package entwine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// MaxDepth bounds the depth of any chunk in the tree, and sizes the
// depth-partitioned structures in the chunk cache and clippers.
const MaxDepth = 64

// Xyz is an integer grid position at some depth of the tree.
type Xyz struct {
	X, Y, Z uint64
}

func (p Xyz) String() string {
	return fmt.Sprintf("%d-%d-%d", p.X, p.Y, p.Z)
}

// Dxyz names a chunk: its depth plus its grid position at that depth.
type Dxyz struct {
	Depth uint64
	Xyz
}

func (d Dxyz) String() string {
	return fmt.Sprintf("%d-%d-%d-%d", d.Depth, d.X, d.Y, d.Z)
}

// ParseDxyz reads a "d-x-y-z" chunk name.
func ParseDxyz(s string) (Dxyz, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return Dxyz{}, fmt.Errorf("malformed chunk name %q", s)
	}
	var v [4]uint64
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return Dxyz{}, fmt.Errorf("malformed chunk name %q: %v", s, err)
		}
		v[i] = n
	}
	return Dxyz{Depth: v[0], Xyz: Xyz{X: v[1], Y: v[2], Z: v[3]}}, nil
}

// Key descends the octree from the root bounds, halving the bounds and
// doubling the grid resolution at each step.  The position after d steps lies
// in [0, 2^d) per axis.
type Key struct {
	bounds Bounds
	pos    Xyz
}

func NewKey(root Bounds) Key {
	return Key{bounds: root}
}

// Bounds returns the bounds of the cell the key currently occupies.
func (k *Key) Bounds() Bounds { return k.bounds }

// Position returns the integer grid position at the key's current depth.
func (k *Key) Position() Xyz { return k.pos }

// Step descends one level toward p, updating bounds and position.
func (k *Key) Step(p r3.Vector) {
	dir := GetDirection(k.bounds.Mid(), p)
	k.bounds = k.bounds.Get(dir)
	k.pos.X = k.pos.X<<1 | uint64(dir&1)
	k.pos.Y = k.pos.Y<<1 | uint64(dir>>1&1)
	k.pos.Z = k.pos.Z<<1 | uint64(dir>>2&1)
}

// Init resets the key to the root bounds and descends `levels` times toward
// p.
func (k *Key) Init(root Bounds, p r3.Vector, levels uint64) {
	k.bounds = root
	k.pos = Xyz{}
	for i := uint64(0); i < levels; i++ {
		k.Step(p)
	}
}

// ChunkKey identifies a chunk cell.  Depth 0 is the root chunk.
type ChunkKey struct {
	bounds Bounds
	depth  uint64
	pos    Xyz
}

func NewChunkKey(root Bounds) ChunkKey {
	return ChunkKey{bounds: root}
}

func (c ChunkKey) Bounds() Bounds { return c.bounds }
func (c ChunkKey) Depth() uint64  { return c.depth }
func (c ChunkKey) Position() Xyz  { return c.pos }

// Dxyz returns the chunk's canonical identifier.
func (c ChunkKey) Dxyz() Dxyz {
	return Dxyz{Depth: c.depth, Xyz: c.pos}
}

func (c ChunkKey) String() string {
	return c.Dxyz().String()
}

// GetStep returns the child chunk key in the given octant direction.
func (c ChunkKey) GetStep(dir Dir) ChunkKey {
	return ChunkKey{
		bounds: c.bounds.Get(dir),
		depth:  c.depth + 1,
		pos: Xyz{
			X: c.pos.X<<1 | uint64(dir&1),
			Y: c.pos.Y<<1 | uint64(dir>>1&1),
			Z: c.pos.Z<<1 | uint64(dir>>2&1),
		},
	}
}

// Step descends one level toward p.
func (c *ChunkKey) Step(p r3.Vector) {
	*c = c.GetStep(GetDirection(c.bounds.Mid(), p))
}

// Init resets the chunk key to the root and descends to the given depth
// toward p.
func (c *ChunkKey) Init(root Bounds, p r3.Vector, depth uint64) {
	*c = NewChunkKey(root)
	for i := uint64(0); i < depth; i++ {
		c.Step(p)
	}
}
