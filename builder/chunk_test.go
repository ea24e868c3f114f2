package builder

import (
	"testing"

	"github.com/golang/geo/r3"

	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/storage"
)

func testMeta(t *testing.T, min, max uint64) *Metadata {
	t.Helper()
	schema := srcSchema().SetScaleOffset(entwine.ScaleOffset{
		Scale: r3.Vector{X: 0.01, Y: 0.01, Z: 0.01},
	})
	meta := &Metadata{
		Bounds:           entwine.NewBounds(0, 0, 0, 8, 8, 8),
		BoundsConforming: entwine.NewBounds(0, 0, 0, 8, 8, 8),
		DataType:         "binary",
		Schema:           schema,
		Span:             8,
		Internal:         Internal{MinNodeSize: min, MaxNodeSize: max},
	}
	if err := meta.Finish(); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	return meta
}

func testCache(t *testing.T, meta *Metadata, root string) *ChunkCache {
	t.Helper()
	arbiter := storage.NewArbiter("")
	endpoints, err := storage.NewEndpoints(arbiter, "mem://"+root)
	if err != nil {
		t.Fatal(err)
	}
	return NewChunkCache(endpoints, meta, NewHierarchy(), 2)
}

func insertPoint(t *testing.T, cache *ChunkCache, clipper *Clipper, meta *Metadata, p r3.Vector, intensity int64) {
	t.Helper()
	layout := meta.AbsoluteLayout()
	row := make([]byte, layout.PointSize())
	stored := layout.SetPosition(row, p)
	layout.SetInteger(row, layout.FindDim("Intensity"), intensity)

	var voxel entwine.Voxel
	voxel.InitShallow(stored, row)
	var key entwine.Key
	key.Init(meta.Bounds, stored, meta.StartDepth())

	err := cache.Insert(&voxel, &key, entwine.NewChunkKey(meta.Bounds), clipper)
	if err != nil {
		t.Fatalf("insert %v: %v", p, err)
	}
}

// Of two points colliding in one voxel, the one closer to the chunk mid is
// kept in the grid and the other is displaced into overflow.
func TestNearestKept(t *testing.T) {
	meta := testMeta(t, 4096, 8192)
	cache := testCache(t, meta, "chunk-nearest")
	clipper := NewClipper(cache)
	layout := meta.AbsoluteLayout()

	far := r3.Vector{X: 1.2, Y: 1.2, Z: 1.2}
	near := r3.Vector{X: 1.8, Y: 1.8, Z: 1.8} // same unit cell, closer to (4,4,4)
	insertPoint(t, cache, clipper, meta, far, 1)
	insertPoint(t, cache, clipper, meta, near, 2)

	chunk := clipper.Get(entwine.NewChunkKey(meta.Bounds))
	if chunk == nil {
		t.Fatalf("root chunk not referenced")
	}
	tube := &chunk.grid[1*8+1]
	kept, ok := tube.m[1]
	if !ok {
		t.Fatalf("voxel cell empty")
	}
	got := layout.GetInteger(kept.Data(), layout.FindDim("Intensity"))
	if got != 2 {
		t.Errorf("kept intensity %d, want the closer point (2)", got)
	}

	// The far point was displaced into its octant's bucket.
	if o := chunk.overflows[entwine.DirSWD]; o == nil || o.size() != 1 {
		t.Errorf("displaced point missing from overflow")
	}

	if err := clipper.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cache.Join(); err != nil {
		t.Fatal(err)
	}
}

// At equal distance the incumbent point stays.
func TestSwapTieBreak(t *testing.T) {
	meta := testMeta(t, 4096, 8192)
	cache := testCache(t, meta, "chunk-tie")
	clipper := NewClipper(cache)
	layout := meta.AbsoluteLayout()

	p := r3.Vector{X: 1.5, Y: 1.5, Z: 1.5}
	insertPoint(t, cache, clipper, meta, p, 1)
	insertPoint(t, cache, clipper, meta, p, 2)

	chunk := clipper.Get(entwine.NewChunkKey(meta.Bounds))
	tube := &chunk.grid[1*8+1]
	got := layout.GetInteger(tube.m[1].Data(), layout.FindDim("Intensity"))
	if got != 1 {
		t.Errorf("tie displaced the incumbent: kept %d, want 1", got)
	}

	if err := clipper.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cache.Join(); err != nil {
		t.Fatal(err)
	}
}

// Identical points cascade through splits: each depth keeps one and pushes
// the rest down until the remainder is below the split threshold.
func TestCascadingSplit(t *testing.T) {
	meta := testMeta(t, 4, 8)
	cache := testCache(t, meta, "chunk-cascade")
	clipper := NewClipper(cache)

	p := r3.Vector{X: 4.5, Y: 4.5, Z: 4.5}
	for i := 0; i < 10; i++ {
		insertPoint(t, cache, clipper, meta, p, int64(i))
	}
	if err := clipper.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cache.Join(); err != nil {
		t.Fatal(err)
	}

	h := cache.hierarchy
	if h.Len() != 4 {
		t.Fatalf("hierarchy has %d nodes: %+v", h.Len(), h.m)
	}
	if got := h.TotalPoints(); got != 10 {
		t.Errorf("conservation: got %d points, want 10", got)
	}
	if h.Get(dxyz(0, 0, 0, 0)) != 1 {
		t.Errorf("root count: got %d, want 1", h.Get(dxyz(0, 0, 0, 0)))
	}
	if h.Get(dxyz(1, 1, 1, 1)) != 1 {
		t.Errorf("depth-1 count: got %d, want 1", h.Get(dxyz(1, 1, 1, 1)))
	}
}

// A chunk constructed over a hierarchy with persisted children gets no
// overflow bucket for those octants.
func TestOverflowAbsenceMeansChildPresence(t *testing.T) {
	meta := testMeta(t, 4, 8)
	cache := testCache(t, meta, "chunk-absence")
	clipper := NewClipper(cache)

	p := r3.Vector{X: 4.5, Y: 4.5, Z: 4.5}
	for i := 0; i < 10; i++ {
		insertPoint(t, cache, clipper, meta, p, int64(i))
	}
	if err := clipper.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cache.Join(); err != nil {
		t.Fatal(err)
	}

	// Re-materialize the root against the settled hierarchy.
	cache2 := NewChunkCache(cache.endpoints, meta, cache.hierarchy, 2)
	clipper2 := NewClipper(cache2)
	chunk, err := cache2.addRef(entwine.NewChunkKey(meta.Bounds), clipper2)
	if err != nil {
		t.Fatalf("re-materialize: %v", err)
	}
	for dir := entwine.Dir(0); dir < entwine.DirEnd; dir++ {
		hasChild := cache.hierarchy.Get(dxyz(1,
			uint64(dir&1), uint64(dir>>1&1), uint64(dir>>2&1))) > 0
		hasBucket := chunk.overflows[dir] != nil
		if hasChild == hasBucket {
			t.Errorf("dir %s: child=%v bucket=%v", dir, hasChild, hasBucket)
		}
	}
	if err := clipper2.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cache2.Join(); err != nil {
		t.Fatal(err)
	}
}

// Every reference is returned by the end of a build.
func TestReferenceBalance(t *testing.T) {
	meta := testMeta(t, 4096, 8192)
	cache := testCache(t, meta, "chunk-balance")
	clipper := NewClipper(cache)

	for i := 0; i < 100; i++ {
		insertPoint(t, cache, clipper, meta,
			r3.Vector{X: float64(i%8) + 0.5, Y: 0.5, Z: 0.5}, int64(i))
	}
	if err := clipper.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cache.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	for d := range cache.slices {
		cache.slices[d].mu.Lock()
		n := len(cache.slices[d].m)
		cache.slices[d].mu.Unlock()
		if n != 0 {
			t.Errorf("depth %d retains %d entries after join", d, n)
		}
	}
	if got := cache.Latch().Alive; got != 0 {
		t.Errorf("alive after join: got %d", got)
	}
}
