package entwine

import (
	"testing"

	"github.com/golang/geo/r3"
)

func TestKeyDescent(t *testing.T) {
	root := NewBounds(0, 0, 0, 8, 8, 8)
	p := r3.Vector{X: 5, Y: 1, Z: 7}

	var k Key
	k.Init(root, p, 3)

	// Three bisections give integer coordinates on an 8-wide grid.
	want := Xyz{X: 5, Y: 1, Z: 7}
	if k.Position() != want {
		t.Errorf("position after 3 steps: got %v, want %v", k.Position(), want)
	}
	if !k.Bounds().Contains(p) {
		t.Errorf("descended bounds %s should contain %v", k.Bounds(), p)
	}
	if w := k.Bounds().Width(); w.X != 1 {
		t.Errorf("cell width after 3 steps: got %g, want 1", w.X)
	}

	k.Step(p)
	want = Xyz{X: 10, Y: 2, Z: 14}
	if k.Position() != want {
		t.Errorf("position after 4 steps: got %v, want %v", k.Position(), want)
	}
}

func TestChunkKeyStep(t *testing.T) {
	root := NewBounds(0, 0, 0, 8, 8, 8)
	ck := NewChunkKey(root)

	if ck.Dxyz().String() != "0-0-0-0" {
		t.Errorf("root chunk name: got %s", ck.Dxyz())
	}

	child := ck.GetStep(DirNEU)
	if child.Depth() != 1 {
		t.Errorf("child depth: got %d", child.Depth())
	}
	if got := child.Dxyz().String(); got != "1-1-1-1" {
		t.Errorf("NEU child name: got %s", got)
	}
	if child.Bounds() != NewBounds(4, 4, 4, 8, 8, 8) {
		t.Errorf("NEU child bounds: got %s", child.Bounds())
	}

	// Stepping toward a point matches GetStep in that direction.
	p := r3.Vector{X: 1, Y: 6, Z: 2}
	stepped := ck
	stepped.Step(p)
	if stepped != ck.GetStep(DirNWD) {
		t.Errorf("step toward %v: got %s", p, stepped.Dxyz())
	}
}

func TestChunkKeyInit(t *testing.T) {
	root := NewBounds(0, 0, 0, 8, 8, 8)
	p := r3.Vector{X: 5, Y: 5, Z: 5}

	var ck ChunkKey
	ck.Init(root, p, 2)
	if got := ck.Dxyz().String(); got != "2-2-2-2" {
		t.Errorf("init to depth 2: got %s", got)
	}
	if !ck.Bounds().Contains(p) {
		t.Errorf("chunk bounds %s should contain %v", ck.Bounds(), p)
	}
}

func TestParseDxyz(t *testing.T) {
	d, err := ParseDxyz("3-1-4-2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Dxyz{Depth: 3, Xyz: Xyz{X: 1, Y: 4, Z: 2}}
	if d != want {
		t.Errorf("got %v, want %v", d, want)
	}
	if d.String() != "3-1-4-2" {
		t.Errorf("string round trip: got %s", d)
	}

	for _, bad := range []string{"", "1-2-3", "1-2-3-4-5", "a-b-c-d"} {
		if _, err := ParseDxyz(bad); err == nil {
			t.Errorf("parse %q should fail", bad)
		}
	}
}
