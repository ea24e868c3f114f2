/*
	This file defines the dimension schema for point records.  A Schema is an
	ordered list of named, fixed-width dimensions; a Layout assigns byte
	offsets so that a point is a single fixed-width row.  The "absolute"
	schema promotes X/Y/Z to 64-bit integers with an applied scale and
	offset, which is the form points take inside chunks and on disk.
*/

package entwine

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Dimension describes one fixed-width field of a point record.  Types follow
// the dataset metadata convention: "signed", "unsigned", or "float".
type Dimension struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Size   uint64          `json:"size"`
	Scale  float64         `json:"scale,omitempty"`
	Offset float64         `json:"offset,omitempty"`
	Stats  *DimensionStats `json:"stats,omitempty"`
}

// DimensionStats holds aggregate statistics for one dimension, harvested
// from the reader pipeline's stats stage.
type DimensionStats struct {
	Count    uint64            `json:"count"`
	Minimum  float64           `json:"minimum"`
	Maximum  float64           `json:"maximum"`
	Mean     float64           `json:"mean"`
	Stddev   float64           `json:"stddev"`
	Variance float64           `json:"variance"`
	Counts   map[string]uint64 `json:"counts,omitempty"`
}

type Schema []Dimension

// DefaultSchema lists the dimensions carried through the builder when the
// input provides no richer set.
func DefaultSchema() Schema {
	return Schema{
		{Name: "X", Type: "float", Size: 8},
		{Name: "Y", Type: "float", Size: 8},
		{Name: "Z", Type: "float", Size: 8},
		{Name: "Intensity", Type: "unsigned", Size: 2},
		{Name: "ReturnNumber", Type: "unsigned", Size: 1},
		{Name: "NumberOfReturns", Type: "unsigned", Size: 1},
		{Name: "Classification", Type: "unsigned", Size: 1},
		{Name: "Red", Type: "unsigned", Size: 2},
		{Name: "Green", Type: "unsigned", Size: 2},
		{Name: "Blue", Type: "unsigned", Size: 2},
		{Name: "GpsTime", Type: "float", Size: 8},
		{Name: "OriginId", Type: "unsigned", Size: 4},
		{Name: "PointId", Type: "unsigned", Size: 8},
	}
}

// Find returns the index of the named dimension, or -1.
func (s Schema) Find(name string) int {
	for i, d := range s {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// PointSize returns the width of one point record under this schema.
func (s Schema) PointSize() uint64 {
	var size uint64
	for _, d := range s {
		size += d.Size
	}
	return size
}

// HasStats is true when every dimension carries statistics.
func (s Schema) HasStats() bool {
	if len(s) == 0 {
		return false
	}
	for _, d := range s {
		if d.Stats == nil {
			return false
		}
	}
	return true
}

// ClearStats returns a copy of the schema with all statistics removed.
func (s Schema) ClearStats() Schema {
	out := make(Schema, len(s))
	copy(out, s)
	for i := range out {
		out[i].Stats = nil
	}
	return out
}

// Absolute promotes X/Y/Z to 64-bit signed integers, keeping any configured
// scale and offset so that coordinates can be recovered.
func (s Schema) Absolute() Schema {
	out := make(Schema, len(s))
	copy(out, s)
	for i, d := range out {
		switch d.Name {
		case "X", "Y", "Z":
			out[i].Type = "signed"
			out[i].Size = 8
		}
	}
	return out
}

// Combine merges the dimensions of b into a, unioning statistics.  When a
// dimension exists in both, the wider size wins and stats are merged.
func Combine(a, b Schema) Schema {
	out := make(Schema, len(a))
	copy(out, a)
	for _, d := range b {
		i := out.Find(d.Name)
		if i < 0 {
			out = append(out, d)
			continue
		}
		if d.Size > out[i].Size {
			out[i].Size = d.Size
			out[i].Type = d.Type
		}
		out[i].Stats = MergeStats(out[i].Stats, d.Stats)
	}
	return out
}

// MergeStats unions two dimension statistics, pooling variance about the
// merged mean.  Either side may be nil.
func MergeStats(a, b *DimensionStats) *DimensionStats {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	total := a.Count + b.Count
	if total == 0 {
		return &DimensionStats{}
	}
	merged := &DimensionStats{
		Count:   total,
		Minimum: math.Min(a.Minimum, b.Minimum),
		Maximum: math.Max(a.Maximum, b.Maximum),
		Mean: (a.Mean*float64(a.Count) + b.Mean*float64(b.Count)) /
			float64(total),
	}
	// Pooled variance about the merged mean.
	da := a.Mean - merged.Mean
	db := b.Mean - merged.Mean
	merged.Variance = (float64(a.Count)*(a.Variance+da*da) +
		float64(b.Count)*(b.Variance+db*db)) / float64(total)
	merged.Stddev = math.Sqrt(merged.Variance)
	if a.Counts != nil || b.Counts != nil {
		merged.Counts = make(map[string]uint64)
		for k, v := range a.Counts {
			merged.Counts[k] += v
		}
		for k, v := range b.Counts {
			merged.Counts[k] += v
		}
	}
	return merged
}

// ScaleOffset quantizes coordinates onto an integer lattice.
type ScaleOffset struct {
	Scale  r3.Vector
	Offset r3.Vector
}

// GetScaleOffset reads a scale/offset from the schema's X/Y/Z dimensions.
// It returns nil if no scale is configured.
func (s Schema) GetScaleOffset() *ScaleOffset {
	xi, yi, zi := s.Find("X"), s.Find("Y"), s.Find("Z")
	if xi < 0 || yi < 0 || zi < 0 {
		return nil
	}
	if s[xi].Scale == 0 && s[yi].Scale == 0 && s[zi].Scale == 0 {
		return nil
	}
	so := &ScaleOffset{
		Scale: r3.Vector{X: s[xi].Scale, Y: s[yi].Scale, Z: s[zi].Scale},
		Offset: r3.Vector{
			X: s[xi].Offset, Y: s[yi].Offset, Z: s[zi].Offset,
		},
	}
	if so.Scale.X == 0 {
		so.Scale.X = 1
	}
	if so.Scale.Y == 0 {
		so.Scale.Y = 1
	}
	if so.Scale.Z == 0 {
		so.Scale.Z = 1
	}
	return so
}

// SetScaleOffset returns a copy of the schema with the given scale/offset
// applied to its X/Y/Z dimensions.
func (s Schema) SetScaleOffset(so ScaleOffset) Schema {
	out := make(Schema, len(s))
	copy(out, s)
	set := func(name string, scale, offset float64) {
		if i := out.Find(name); i >= 0 {
			out[i].Scale = scale
			out[i].Offset = offset
		}
	}
	set("X", so.Scale.X, so.Offset.X)
	set("Y", so.Scale.Y, so.Offset.Y)
	set("Z", so.Scale.Z, so.Offset.Z)
	return out
}

// Forward maps a coordinate onto the integer lattice.
func (so ScaleOffset) Forward(p r3.Vector) (x, y, z int64) {
	x = int64(math.Round((p.X - so.Offset.X) / so.Scale.X))
	y = int64(math.Round((p.Y - so.Offset.Y) / so.Scale.Y))
	z = int64(math.Round((p.Z - so.Offset.Z) / so.Scale.Z))
	return
}

// Backward recovers the coordinate from its lattice representation.
func (so ScaleOffset) Backward(x, y, z int64) r3.Vector {
	return r3.Vector{
		X: float64(x)*so.Scale.X + so.Offset.X,
		Y: float64(y)*so.Scale.Y + so.Offset.Y,
		Z: float64(z)*so.Scale.Z + so.Offset.Z,
	}
}

// Clip quantizes a point onto the lattice and back, so that points carry the
// exact coordinates their integer representation will round-trip to.
func (so ScaleOffset) Clip(p r3.Vector) r3.Vector {
	x, y, z := so.Forward(p)
	return so.Backward(x, y, z)
}

func (s Schema) validate() error {
	for _, d := range s {
		switch d.Type {
		case "signed", "unsigned":
			switch d.Size {
			case 1, 2, 4, 8:
			default:
				return fmt.Errorf("dimension %q: bad size %d", d.Name, d.Size)
			}
		case "float":
			if d.Size != 4 && d.Size != 8 {
				return fmt.Errorf("dimension %q: bad size %d", d.Name, d.Size)
			}
		default:
			return fmt.Errorf("dimension %q: bad type %q", d.Name, d.Type)
		}
	}
	return nil
}
