package builder

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/manifest"
	"github.com/XueSongTap/entwine/reader"
	"github.com/XueSongTap/entwine/storage"
)

func srcSchema() entwine.Schema {
	return entwine.Schema{
		{Name: "X", Type: "float", Size: 8},
		{Name: "Y", Type: "float", Size: 8},
		{Name: "Z", Type: "float", Size: 8},
		{Name: "Intensity", Type: "unsigned", Size: 2},
	}
}

func writeSource(t *testing.T, path string, points []r3.Vector) {
	t.Helper()
	layout, err := entwine.NewLayout(srcSchema())
	if err != nil {
		t.Fatal(err)
	}
	table := entwine.NewPointTable(layout, uint64(len(points)))
	for i, p := range points {
		row := table.Row(uint64(i))
		layout.SetPosition(row, p)
		layout.SetValue(row, layout.FindDim("Intensity"), float64(i%1000))
	}
	if err := os.WriteFile(path, table.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T, out string, inputs []string) Config {
	t.Helper()
	bounds := entwine.NewBounds(0, 0, 0, 8, 8, 8)
	return Config{
		Input:       inputs,
		Output:      out,
		Tmp:         t.TempDir(),
		Pipeline:    reader.Pipeline{{Schema: srcSchema()}},
		Bounds:      &bounds,
		Span:        8,
		MinNodeSize: 4096,
		MaxNodeSize: 8192,
		DataType:    "binary",
		Threads:     NewThreads(4),
	}
}

func loadHierarchyFile(t *testing.T, path string) map[string]uint64 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading hierarchy: %v", err)
	}
	var nodes map[string]uint64
	if err := json.Unmarshal(data, &nodes); err != nil {
		t.Fatalf("parsing hierarchy: %v", err)
	}
	return nodes
}

// Eight points at the octant midpoints all fit in the root chunk.
func TestRootFit(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	src := filepath.Join(dir, "octants.bin")

	var points []r3.Vector
	for _, x := range []float64{2, 6} {
		for _, y := range []float64{2, 6} {
			for _, z := range []float64{2, 6} {
				points = append(points, r3.Vector{X: x, Y: y, Z: z})
			}
		}
	}
	writeSource(t, src, points)

	cfg := testConfig(t, out, []string{src})
	cfg.MaxNodeSize = 1000000
	inserted, err := RunConfig(cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if inserted != 8 {
		t.Errorf("inserted: got %d, want 8", inserted)
	}

	nodes := loadHierarchyFile(
		t, filepath.Join(out, "ept-hierarchy", "0-0-0-0.json"))
	if len(nodes) != 1 || nodes["0-0-0-0"] != 8 {
		t.Errorf("hierarchy: got %v, want {0-0-0-0: 8}", nodes)
	}

	meta, err := loadOutputMetadata(out)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Points != 8 {
		t.Errorf("ept.json points: got %d", meta.Points)
	}

	chunk, err := os.ReadFile(filepath.Join(out, "ept-data", "0-0-0-0.bin"))
	if err != nil {
		t.Fatalf("chunk file: %v", err)
	}
	pointSize := meta.AbsoluteLayout().PointSize()
	if uint64(len(chunk)) != 8*pointSize {
		t.Errorf("chunk size: got %d, want %d", len(chunk), 8*pointSize)
	}

	// Every persisted point is inside the chunk's bounds.
	table, err := meta.Codec().Decode(meta.AbsoluteLayout(), chunk)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(0); i < table.Np(); i++ {
		p := meta.AbsoluteLayout().GetPosition(table.Row(i))
		if !meta.Bounds.Contains(p) {
			t.Errorf("persisted point %v escapes chunk bounds", p)
		}
	}
}

func loadOutputMetadata(out string) (*Metadata, error) {
	arbiter := storage.NewArbiter("")
	endpoints, err := storage.NewEndpoints(arbiter, out)
	if err != nil {
		return nil, err
	}
	return LoadMetadata(endpoints.Output, 0)
}

// A dense octant overflows the root and splits exactly once.
func TestOverflowAndSplit(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	src := filepath.Join(dir, "dense.bin")

	rng := rand.New(rand.NewSource(42))
	points := make([]r3.Vector, 20000)
	for i := range points {
		points[i] = r3.Vector{
			X: 4 + rng.Float64()*4,
			Y: 4 + rng.Float64()*4,
			Z: 4 + rng.Float64()*4,
		}
	}
	writeSource(t, src, points)

	cfg := testConfig(t, out, []string{src})
	cfg.SleepCount = 4096 // exercise clipping mid-run
	inserted, err := RunConfig(cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if inserted != 20000 {
		t.Errorf("inserted: got %d, want 20000", inserted)
	}

	nodes := loadHierarchyFile(
		t, filepath.Join(out, "ept-hierarchy", "0-0-0-0.json"))
	if len(nodes) != 2 {
		t.Fatalf("hierarchy: got %v, want root plus one child", nodes)
	}
	root := nodes["0-0-0-0"]
	child := nodes["1-1-1-1"]
	if root == 0 || child == 0 {
		t.Fatalf("hierarchy: got %v", nodes)
	}
	if root > cfg.MaxNodeSize {
		t.Errorf("root holds %d points, over max %d", root, cfg.MaxNodeSize)
	}
	if root+child != 20000 {
		t.Errorf("conservation: %d + %d != 20000", root, child)
	}
}

// A subset build persists only its own partition under postfixed names.
func TestSubset(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	src := filepath.Join(dir, "quadrants.bin")

	points := []r3.Vector{
		{X: 1, Y: 1, Z: 1}, // subset 1
		{X: 5, Y: 1, Z: 1}, // subset 2
		{X: 1, Y: 5, Z: 1}, // subset 3
		{X: 5, Y: 5, Z: 1}, // subset 4
	}
	writeSource(t, src, points)

	cfg := testConfig(t, out, []string{src})
	cfg.Subset = &Subset{ID: 2, Of: 4}
	inserted, err := RunConfig(cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted: got %d, want 1", inserted)
	}

	for _, name := range []string{"ept-2.json", "ept-build-2.json"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(out, "ept.json")); err == nil {
		t.Errorf("subset build wrote unpostfixed ept.json")
	}

	// The manifest is one aggregate blob.
	sources, err := os.ReadDir(filepath.Join(out, "ept-sources"))
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 || sources[0].Name() != "manifest-2.json" {
		var names []string
		for _, e := range sources {
			names = append(names, e.Name())
		}
		t.Errorf("sources dir: got %v", names)
	}

	nodes := loadHierarchyFile(
		t, filepath.Join(out, "ept-hierarchy", "0-0-0-0-2.json"))
	var total uint64
	for _, np := range nodes {
		total += np
	}
	if total != 1 {
		t.Errorf("subset persisted %d points, want 1", total)
	}
}

// A second run with new inputs continues the build without re-inserting.
func TestResume(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	srcA := filepath.Join(dir, "a.bin")
	srcB := filepath.Join(dir, "b.bin")

	var first []r3.Vector
	for _, x := range []float64{2, 6} {
		for _, y := range []float64{2, 6} {
			for _, z := range []float64{2, 6} {
				first = append(first, r3.Vector{X: x, Y: y, Z: z})
			}
		}
	}
	writeSource(t, srcA, first)
	writeSource(t, srcB, []r3.Vector{
		{X: 3, Y: 3, Z: 3},
		{X: 5, Y: 5, Z: 5},
	})

	cfg := testConfig(t, out, []string{srcA})
	if _, err := RunConfig(cfg); err != nil {
		t.Fatalf("first run: %v", err)
	}

	cfg2 := testConfig(t, out, []string{srcA, srcB})
	b, err := Create(cfg2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(b.Manifest) != 2 {
		t.Fatalf("manifest has %d entries, want 2", len(b.Manifest))
	}
	if !b.Manifest[0].Inserted {
		t.Errorf("prior source should stay inserted")
	}
	if b.Manifest[1].Inserted {
		t.Errorf("new source should be pending")
	}

	inserted, err := b.Run(cfg2.Threads, 0, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if inserted != 2 {
		t.Errorf("second run inserted %d, want 2", inserted)
	}

	// All ten points are accounted for across both runs.
	if got := b.Hierarchy.TotalPoints(); got != 10 {
		t.Errorf("hierarchy total: got %d, want 10", got)
	}
}

// A failing source is recorded and does not sink the build.
func TestFailingSource(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	srcA := filepath.Join(dir, "a.bin")
	srcC := filepath.Join(dir, "c.bin")

	writeSource(t, srcA, []r3.Vector{{X: 1, Y: 1, Z: 1}, {X: 2, Y: 2, Z: 2}})
	writeSource(t, srcC, []r3.Vector{{X: 6, Y: 6, Z: 6}})
	missing := filepath.Join(dir, "missing.bin")

	cfg := testConfig(t, out, []string{srcA, missing, srcC})
	inserted, err := RunConfig(cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if inserted != 3 {
		t.Errorf("inserted: got %d, want 3", inserted)
	}

	arbiter := storage.NewArbiter("")
	endpoints, err := storage.NewEndpoints(arbiter, out)
	if err != nil {
		t.Fatal(err)
	}
	man, err := manifest.Load(endpoints.Sources, "", 4)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(man) != 3 {
		t.Fatalf("manifest has %d entries, want 3", len(man))
	}
	for i, item := range man {
		if !item.Inserted {
			t.Errorf("entry %d not marked inserted", i)
		}
	}
	bad := man[man.Find(missing)]
	if len(bad.Info.Errors) == 0 {
		t.Errorf("failing source has no recorded error")
	}
}

// The limit caps how many files are inserted in one run.
func TestLimit(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	srcA := filepath.Join(dir, "a.bin")
	srcB := filepath.Join(dir, "b.bin")
	writeSource(t, srcA, []r3.Vector{{X: 1, Y: 1, Z: 1}})
	writeSource(t, srcB, []r3.Vector{{X: 6, Y: 6, Z: 6}})

	cfg := testConfig(t, out, []string{srcA, srcB})
	cfg.Limit = 1
	inserted, err := RunConfig(cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted: got %d, want 1", inserted)
	}

	arbiter := storage.NewArbiter("")
	endpoints, _ := storage.NewEndpoints(arbiter, out)
	man, err := manifest.Load(endpoints.Sources, "", 4)
	if err != nil {
		t.Fatal(err)
	}
	var pending int
	for _, item := range man {
		if !item.Inserted {
			pending++
		}
	}
	if pending != 1 {
		t.Errorf("%d sources pending, want 1", pending)
	}
}

// An empty source settles without error; a single point gives one chunk.
func TestSmallSources(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	empty := filepath.Join(dir, "empty.bin")
	single := filepath.Join(dir, "single.bin")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	writeSource(t, single, []r3.Vector{{X: 3, Y: 4, Z: 5}})

	cfg := testConfig(t, out, []string{empty, single})
	b, err := Create(cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(b.Manifest) != 2 {
		t.Fatalf("manifest has %d entries", len(b.Manifest))
	}
	emptyItem := b.Manifest[b.Manifest.Find(empty)]
	if !emptyItem.Inserted || len(emptyItem.Info.Errors) != 0 {
		t.Errorf("empty source: inserted=%v errors=%v",
			emptyItem.Inserted, emptyItem.Info.Errors)
	}

	inserted, err := b.Run(cfg.Threads, 0, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted: got %d, want 1", inserted)
	}
	if b.Hierarchy.Len() != 1 || b.Hierarchy.Get(entwine.Dxyz{}) != 1 {
		t.Errorf("hierarchy: %d nodes, root count %d",
			b.Hierarchy.Len(), b.Hierarchy.Get(entwine.Dxyz{}))
	}
}

// Saving twice produces identical bytes for every output file.
func TestIdempotentSave(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	src := filepath.Join(dir, "src.bin")
	writeSource(t, src, []r3.Vector{
		{X: 1, Y: 2, Z: 3},
		{X: 4, Y: 5, Z: 6},
		{X: 6, Y: 6, Z: 6},
	})

	cfg := testConfig(t, out, []string{src})
	b, err := Create(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(cfg.Threads, 0, 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	before := snapshotDir(t, out)
	if err := b.Save(cfg.Threads.Total()); err != nil {
		t.Fatalf("second save: %v", err)
	}
	after := snapshotDir(t, out)

	if len(before) != len(after) {
		t.Fatalf("file set changed: %d vs %d", len(before), len(after))
	}
	for name, data := range before {
		if !bytes.Equal(data, after[name]) {
			t.Errorf("file %s changed between saves", name)
		}
	}
}

func snapshotDir(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[path] = data
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// Loading a saved chunk and re-serializing reproduces the same bytes.
func TestChunkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	src := filepath.Join(dir, "src.bin")

	var points []r3.Vector
	for _, x := range []float64{2, 6} {
		for _, y := range []float64{2, 6} {
			for _, z := range []float64{2, 6} {
				points = append(points, r3.Vector{X: x, Y: y, Z: z})
			}
		}
	}
	writeSource(t, src, points)

	cfg := testConfig(t, out, []string{src})
	b, err := Create(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(cfg.Threads, 0, 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	chunkPath := filepath.Join(out, "ept-data", "0-0-0-0.bin")
	before, err := os.ReadFile(chunkPath)
	if err != nil {
		t.Fatal(err)
	}

	cache := NewChunkCache(b.Endpoints, b.Metadata, b.Hierarchy, 2)
	clipper := NewClipper(cache)
	if _, err := cache.addRef(
		entwine.NewChunkKey(b.Metadata.Bounds), clipper); err != nil {
		t.Fatalf("re-materialize: %v", err)
	}
	if err := clipper.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cache.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	after, err := os.ReadFile(chunkPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Errorf("round trip changed the chunk bytes")
	}
}
