package entwine

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func TestSchemaAbsolute(t *testing.T) {
	abs := testSchema().Absolute()
	for _, name := range []string{"X", "Y", "Z"} {
		d := abs[abs.Find(name)]
		if d.Type != "signed" || d.Size != 8 {
			t.Errorf("%s: got %s/%d, want signed/8", name, d.Type, d.Size)
		}
	}
	if d := abs[abs.Find("Intensity")]; d.Type != "unsigned" || d.Size != 2 {
		t.Errorf("intensity should be untouched, got %s/%d", d.Type, d.Size)
	}
}

func TestMergeStats(t *testing.T) {
	a := &DimensionStats{Count: 2, Minimum: 0, Maximum: 2, Mean: 1, Variance: 1}
	b := &DimensionStats{Count: 2, Minimum: 2, Maximum: 6, Mean: 4, Variance: 4}

	m := MergeStats(a, b)
	if m.Count != 4 {
		t.Errorf("count: got %d", m.Count)
	}
	if m.Minimum != 0 || m.Maximum != 6 {
		t.Errorf("extrema: got [%g, %g]", m.Minimum, m.Maximum)
	}
	if m.Mean != 2.5 {
		t.Errorf("mean: got %g", m.Mean)
	}
	// Pooled: (2*(1+1.5^2) + 2*(4+1.5^2)) / 4 = 4.75
	if math.Abs(m.Variance-4.75) > 1e-9 {
		t.Errorf("variance: got %g, want 4.75", m.Variance)
	}

	if got := MergeStats(nil, b); got != b {
		t.Errorf("nil merge should pass through")
	}
}

func TestCombineSchemas(t *testing.T) {
	a := Schema{
		{Name: "X", Type: "float", Size: 8},
		{Name: "Intensity", Type: "unsigned", Size: 2},
	}
	b := Schema{
		{Name: "X", Type: "float", Size: 8},
		{Name: "Red", Type: "unsigned", Size: 2},
	}
	c := Combine(a, b)
	if len(c) != 3 {
		t.Fatalf("combined has %d dims, want 3", len(c))
	}
	if c.Find("Red") < 0 || c.Find("Intensity") < 0 {
		t.Errorf("combined lost a dimension: %v", c)
	}
}

func TestScaleOffsetClip(t *testing.T) {
	so := ScaleOffset{Scale: r3.Vector{X: 0.001, Y: 0.001, Z: 0.001}}
	p := so.Clip(r3.Vector{X: 1.23456789, Y: 2, Z: 3})
	if math.Abs(p.X-1.235) > 1e-9 {
		t.Errorf("clip: got %v", p)
	}
	// Clipping an already clipped point is a no-op.
	if so.Clip(p) != p {
		t.Errorf("clip is not idempotent")
	}
}
