/*
	This file holds the spatial primitives for octree indexing: axis-aligned
	bounds, octant directions, and the subdivision math that drives key
	descent.  Bounds are cubic by construction at the root so that every
	subdivision yields eight congruent child cubes.
*/

package entwine

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Dir designates one of the eight octants of a subdivided cube.  The low bit
// selects +x, the second bit +y, and the third bit +z.
type Dir uint8

const (
	DirSWD Dir = iota
	DirSED
	DirNWD
	DirNED
	DirSWU
	DirSEU
	DirNWU
	DirNEU

	// DirEnd is one past the last valid direction.
	DirEnd
)

func (d Dir) String() string {
	names := [8]string{"swd", "sed", "nwd", "ned", "swu", "seu", "nwu", "neu"}
	if d < DirEnd {
		return names[d]
	}
	return "invalid"
}

// GetDirection returns the octant of p relative to the center point mid.
func GetDirection(mid, p r3.Vector) Dir {
	var dir Dir
	if p.X >= mid.X {
		dir |= 1
	}
	if p.Y >= mid.Y {
		dir |= 2
	}
	if p.Z >= mid.Z {
		dir |= 4
	}
	return dir
}

// Bounds is an axis-aligned box.  Points on the minimum faces are contained,
// points on the maximum faces are not, so that subdivided children partition
// their parent exactly.
type Bounds struct {
	Min r3.Vector `json:"-"`
	Max r3.Vector `json:"-"`
}

func NewBounds(minX, minY, minZ, maxX, maxY, maxZ float64) Bounds {
	return Bounds{
		Min: r3.Vector{X: minX, Y: minY, Z: minZ},
		Max: r3.Vector{X: maxX, Y: maxY, Z: maxZ},
	}
}

// Mid returns the center point of the bounds.
func (b Bounds) Mid() r3.Vector {
	return r3.Vector{
		X: (b.Min.X + b.Max.X) / 2,
		Y: (b.Min.Y + b.Max.Y) / 2,
		Z: (b.Min.Z + b.Max.Z) / 2,
	}
}

// Width returns the per-axis extent of the bounds.
func (b Bounds) Width() r3.Vector {
	return b.Max.Sub(b.Min)
}

// Contains is true if p falls inside the bounds, inclusive of the minimum
// faces and exclusive of the maximum faces.
func (b Bounds) Contains(p r3.Vector) bool {
	return p.X >= b.Min.X && p.X < b.Max.X &&
		p.Y >= b.Min.Y && p.Y < b.Max.Y &&
		p.Z >= b.Min.Z && p.Z < b.Max.Z
}

// Overlaps is true if the two bounds share any volume.
func (b Bounds) Overlaps(o Bounds) bool {
	return b.Min.X < o.Max.X && b.Max.X > o.Min.X &&
		b.Min.Y < o.Max.Y && b.Max.Y > o.Min.Y &&
		b.Min.Z < o.Max.Z && b.Max.Z > o.Min.Z
}

// Get returns the child bounds for the given octant direction.
func (b Bounds) Get(dir Dir) Bounds {
	mid := b.Mid()
	child := b
	if dir&1 != 0 {
		child.Min.X = mid.X
	} else {
		child.Max.X = mid.X
	}
	if dir&2 != 0 {
		child.Min.Y = mid.Y
	} else {
		child.Max.Y = mid.Y
	}
	if dir&4 != 0 {
		child.Min.Z = mid.Z
	} else {
		child.Max.Z = mid.Z
	}
	return child
}

// Intersection returns the shared volume of two bounds.  The result may be
// empty, which is detectable with Empty().
func Intersection(a, b Bounds) Bounds {
	return Bounds{
		Min: r3.Vector{
			X: math.Max(a.Min.X, b.Min.X),
			Y: math.Max(a.Min.Y, b.Min.Y),
			Z: math.Max(a.Min.Z, b.Min.Z),
		},
		Max: r3.Vector{
			X: math.Min(a.Max.X, b.Max.X),
			Y: math.Min(a.Max.Y, b.Max.Y),
			Z: math.Min(a.Max.Z, b.Max.Z),
		},
	}
}

// Empty is true if the bounds enclose no volume.
func (b Bounds) Empty() bool {
	return b.Min.X >= b.Max.X || b.Min.Y >= b.Max.Y || b.Min.Z >= b.Max.Z
}

// Grow expands the bounds to include p.
func (b *Bounds) Grow(p r3.Vector) {
	if b.Empty() && b.Min == (r3.Vector{}) && b.Max == (r3.Vector{}) {
		b.Min, b.Max = p, p
		return
	}
	b.Min.X = math.Min(b.Min.X, p.X)
	b.Min.Y = math.Min(b.Min.Y, p.Y)
	b.Min.Z = math.Min(b.Min.Z, p.Z)
	b.Max.X = math.Max(b.Max.X, p.X)
	b.Max.Y = math.Max(b.Max.Y, p.Y)
	b.Max.Z = math.Max(b.Max.Z, p.Z)
}

// Union returns the smallest bounds containing both a and b.
func Union(a, b Bounds) Bounds {
	return Bounds{
		Min: r3.Vector{
			X: math.Min(a.Min.X, b.Min.X),
			Y: math.Min(a.Min.Y, b.Min.Y),
			Z: math.Min(a.Min.Z, b.Min.Z),
		},
		Max: r3.Vector{
			X: math.Max(a.Max.X, b.Max.X),
			Y: math.Max(a.Max.Y, b.Max.Y),
			Z: math.Max(a.Max.Z, b.Max.Z),
		},
	}
}

// Cubeify returns a cube centered on b's center whose width is the largest
// axis extent of b, so that octree subdivision is uniform in every axis.
func (b Bounds) Cubeify() Bounds {
	w := b.Width()
	radius := math.Max(w.X, math.Max(w.Y, w.Z)) / 2
	mid := b.Mid()
	return Bounds{
		Min: r3.Vector{X: mid.X - radius, Y: mid.Y - radius, Z: mid.Z - radius},
		Max: r3.Vector{X: mid.X + radius, Y: mid.Y + radius, Z: mid.Z + radius},
	}
}

// SqDist returns the squared euclidean distance between two points.
func SqDist(a, b r3.Vector) float64 {
	d := a.Sub(b)
	return d.X*d.X + d.Y*d.Y + d.Z*d.Z
}

func (b Bounds) String() string {
	return fmt.Sprintf("[(%g,%g,%g),(%g,%g,%g))",
		b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z)
}

// MarshalJSON writes bounds in the flat [minx,miny,minz,maxx,maxy,maxz] form
// used throughout the dataset metadata.
func (b Bounds) MarshalJSON() ([]byte, error) {
	return json.Marshal([6]float64{
		b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z,
	})
}

// UnmarshalJSON reads the flat six-number array form.
func (b *Bounds) UnmarshalJSON(data []byte) error {
	var v [6]float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("malformed bounds %q: %v", string(data), err)
	}
	*b = NewBounds(v[0], v[1], v[2], v[3], v[4], v[5])
	return nil
}
