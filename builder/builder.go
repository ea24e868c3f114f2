/*
	The Builder orchestrates a build: it analyzes and enumerates inputs,
	fans per-source insert workers out over a shared chunk cache, reports
	progress while they run, and persists the hierarchy, manifest, and
	metadata when they finish.
*/

package builder

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/geo/r3"
	"golang.org/x/sync/errgroup"

	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/manifest"
	"github.com/XueSongTap/entwine/reader"
	"github.com/XueSongTap/entwine/storage"
)

// Config is the library-level build configuration.
type Config struct {
	Input  []string
	Output string
	Tmp    string

	Pipeline reader.Pipeline
	Schema   entwine.Schema
	SRS      string

	Bounds           *entwine.Bounds
	BoundsConforming *entwine.Bounds
	Scale            *r3.Vector
	Offset           *r3.Vector

	Span        uint64
	MinNodeSize uint64
	MaxNodeSize uint64
	DataType    string
	Subset      *Subset

	Threads          Threads
	Limit            uint64
	ProgressInterval uint64 // seconds
	SleepCount       uint64
	Force            bool
	Deep             bool
}

// withDefaults fills the tunables the configuration leaves zero.
func (c Config) withDefaults() Config {
	if len(c.Pipeline) == 0 {
		c.Pipeline = reader.DefaultPipeline()
	}
	if c.Span == 0 {
		c.Span = 128
	}
	if c.MinNodeSize == 0 {
		c.MinNodeSize = 4096
	}
	if c.MaxNodeSize == 0 {
		c.MaxNodeSize = 65536
	}
	if c.DataType == "" {
		c.DataType = "binary"
	}
	if c.Threads == (Threads{}) {
		c.Threads = NewThreads(8)
	}
	if c.SleepCount == 0 {
		c.SleepCount = SleepCount
	}
	return c
}

type Builder struct {
	Endpoints storage.Endpoints
	Metadata  *Metadata
	Manifest  manifest.Manifest
	Hierarchy *Hierarchy

	sleepCount uint64

	cacheMu sync.Mutex
	cache   *ChunkCache
}

// Load reopens a completed or partial build from its endpoints.  A subset
// ID of zero loads a whole build.
func Load(endpoints storage.Endpoints, threads int, subsetID uint64) (*Builder, error) {
	meta, err := LoadMetadata(endpoints.Output, subsetID)
	if err != nil {
		return nil, err
	}
	man, err := manifest.Load(endpoints.Sources, meta.Postfix(), threads)
	if err != nil {
		return nil, err
	}
	hierarchy, err := LoadHierarchy(endpoints.Hierarchy, meta.Postfix(), threads)
	if err != nil {
		return nil, err
	}
	return &Builder{
		Endpoints:  endpoints,
		Metadata:   meta,
		Manifest:   man,
		Hierarchy:  hierarchy,
		sleepCount: SleepCount,
	}, nil
}

// Create prepares a builder from configuration.  When the output already
// holds a build and force is unset, the existing manifest and hierarchy
// are reloaded and only new inputs are analyzed, so re-running continues
// rather than restarts.
func Create(cfg Config) (*Builder, error) {
	cfg = cfg.withDefaults()

	arbiter := storage.NewArbiter(cfg.Tmp)
	endpoints, err := storage.NewEndpoints(arbiter, cfg.Output)
	if err != nil {
		return nil, err
	}

	var man manifest.Manifest
	var hierarchy *Hierarchy
	var existing *Metadata

	_, found, err := endpoints.Output.TryGetSize(metadataFilename(""))
	if err != nil {
		return nil, err
	}
	if found && !cfg.Force {
		// Continue the existing build: its metadata wins over the config.
		if existing, err = LoadMetadata(endpoints.Output, 0); err != nil {
			return nil, err
		}
		if man, err = manifest.Load(
			endpoints.Sources, "", cfg.Threads.Total()); err != nil {
			return nil, err
		}
		if hierarchy, err = LoadHierarchy(
			endpoints.Hierarchy, "", cfg.Threads.Total()); err != nil {
			return nil, err
		}
	} else {
		hierarchy = NewHierarchy()
	}

	inputs, err := arbiter.Resolve(cfg.Input)
	if err != nil {
		return nil, err
	}
	var fresh []string
	for _, input := range inputs {
		if man.Find(input) < 0 {
			fresh = append(fresh, input)
		}
	}
	localize := func(uri string) (string, func(), error) {
		handle, err := arbiter.Localize(uri)
		if err != nil {
			return "", nil, err
		}
		return handle.LocalPath(), handle.Release, nil
	}
	analyzed := manifest.Analyze(
		fresh, cfg.Pipeline, cfg.Deep, localize, cfg.Threads.Total())
	for _, item := range analyzed {
		// Empty and unreadable sources stay in the manifest, settled up
		// front, so a re-run does not retry them.
		if item.Info.Points == 0 {
			item.Inserted = true
		}
		man = append(man, item)
	}

	var meta *Metadata
	if existing != nil {
		meta = existing
	} else {
		if meta, err = newMetadata(cfg, man); err != nil {
			return nil, err
		}
	}

	return &Builder{
		Endpoints:  endpoints,
		Metadata:   meta,
		Manifest:   man,
		Hierarchy:  hierarchy,
		sleepCount: cfg.SleepCount,
	}, nil
}

// newMetadata derives fresh dataset metadata from the configuration and
// the analyzed sources.  Config values win over analysis.
func newMetadata(cfg Config, man manifest.Manifest) (*Metadata, error) {
	analysis := manifest.Reduce(man)

	conforming := analysis.Bounds
	if cfg.BoundsConforming != nil {
		conforming = *cfg.BoundsConforming
	}
	schema := analysis.Schema
	if cfg.Schema != nil {
		schema = cfg.Schema
	}
	if schema == nil {
		schema = entwine.DefaultSchema()
	}
	schema = schema.ClearStats()

	// Every stored point carries its provenance.
	for _, d := range []entwine.Dimension{
		{Name: "OriginId", Type: "unsigned", Size: 4},
		{Name: "PointId", Type: "unsigned", Size: 8},
	} {
		if schema.Find(d.Name) < 0 {
			schema = append(schema, d)
		}
	}

	so := schema.GetScaleOffset()
	if cfg.Scale != nil {
		so = &entwine.ScaleOffset{Scale: *cfg.Scale}
		if cfg.Offset != nil {
			so.Offset = *cfg.Offset
		}
	}
	if so == nil {
		so = &entwine.ScaleOffset{Scale: r3.Vector{X: 0.01, Y: 0.01, Z: 0.01}}
	}
	schema = schema.SetScaleOffset(*so)

	// Pad the max faces by one lattice cell so points on the tight bounds
	// stay inside the half-open containment test, and the min faces by one
	// cell so points that quantize below the tight minimum stay inside too.
	conforming.Max = conforming.Max.Add(so.Scale)
	conforming.Min = conforming.Min.Sub(so.Scale)

	bounds := conforming.Cubeify()
	if cfg.Bounds != nil {
		bounds = *cfg.Bounds
	}

	meta := &Metadata{
		Bounds:           bounds,
		BoundsConforming: conforming,
		DataType:         cfg.DataType,
		Schema:           schema,
		Span:             cfg.Span,
		SRS:              cfg.SRS,
		Internal: Internal{
			MinNodeSize: cfg.MinNodeSize,
			MaxNodeSize: cfg.MaxNodeSize,
			Subset:      cfg.Subset,
		},
	}
	if cfg.SRS == "" {
		meta.SRS = analysis.SRS
	}
	if err := meta.Finish(); err != nil {
		return nil, err
	}
	return meta, nil
}

// Run drives a build to completion and returns the number of points
// inserted this run.
func (b *Builder) Run(threads Threads, limit uint64, progressInterval uint64) (uint64, error) {
	var counter uint64
	done := make(chan struct{})

	var monitorWg sync.WaitGroup
	monitorWg.Add(1)
	go func() {
		defer monitorWg.Done()
		b.monitor(progressInterval, &counter, done)
	}()

	err := b.runInserts(threads, limit, &counter)
	close(done)
	monitorWg.Wait()

	return atomic.LoadUint64(&counter), err
}

func (b *Builder) runInserts(threads Threads, limit uint64, counter *uint64) error {
	workThreads := threads.Work
	if workThreads > len(b.Manifest) {
		workThreads = len(b.Manifest)
	}
	if workThreads < 1 {
		workThreads = 1
	}
	// Work threads with no file to chew on are stolen for clipping.
	clipThreads := threads.Clip + (threads.Work - workThreads)

	active := b.Metadata.BoundsConforming
	if subsetBounds, ok := b.Metadata.SubsetBounds(); ok {
		active = entwine.Intersection(subsetBounds, active)
	}

	cache := NewChunkCache(b.Endpoints, b.Metadata, b.Hierarchy, clipThreads)
	b.cacheMu.Lock()
	b.cache = cache
	b.cacheMu.Unlock()
	defer func() {
		b.cacheMu.Lock()
		b.cache = nil
		b.cacheMu.Unlock()
	}()

	var group errgroup.Group
	group.SetLimit(workThreads)
	var submitted uint64
	for origin := range b.Manifest {
		if limit > 0 && submitted >= limit {
			break
		}
		item := &b.Manifest[origin]
		// Analyzed source bounds are tight and closed, so a flat or
		// single-point source has no volume: its max faces count as inside.
		src := item.Info.Bounds
		overlaps := src.Min.X < active.Max.X && src.Max.X >= active.Min.X &&
			src.Min.Y < active.Max.Y && src.Max.Y >= active.Min.Y &&
			src.Min.Z < active.Max.Z && src.Max.Z >= active.Min.Z
		if item.Inserted || item.Info.Points == 0 || !overlaps {
			continue
		}
		submitted++
		origin := origin
		entwine.Infof("Adding %d - %s", origin, item.Path)
		group.Go(func() error {
			tlog := entwine.NewTimeLog()
			b.tryInsert(cache, uint64(origin), counter)
			tlog.Infof("Done %d", origin)
			return nil
		})
	}
	group.Wait()

	if err := cache.Join(); err != nil {
		return err
	}
	return b.Save(threads.Total())
}

// tryInsert runs one source's insert and captures any failure into the
// source's error list.  The source is marked inserted either way, so a
// failed file is not retried within this run.
func (b *Builder) tryInsert(cache *ChunkCache, origin uint64, counter *uint64) {
	item := &b.Manifest[origin]
	if err := b.insert(cache, origin, counter); err != nil {
		item.Info.Errors = append(item.Info.Errors, err.Error())
	}
	item.Inserted = true
}

func (b *Builder) insert(cache *ChunkCache, origin uint64, counter *uint64) (err error) {
	item := &b.Manifest[origin]
	meta := b.Metadata
	layout := meta.AbsoluteLayout()

	handle, err := b.Endpoints.Arbiter.Localize(item.Path)
	if err != nil {
		return err
	}
	defer handle.Release()

	pipeline := item.Info.Pipeline.Clone()
	if len(pipeline) == 0 {
		pipeline = reader.DefaultPipeline()
	}
	pipeline[0].Filename = handle.LocalPath()

	needsStats := !item.Info.Schema.HasStats()
	var statsIdx int
	if needsStats {
		pipeline, statsIdx = pipeline.FindOrAppendStage("filters.stats")
		if pipeline[statsIdx].Enumerate == "" {
			pipeline[statsIdx].Enumerate = "Classification"
		}
	}

	rd, err := reader.Open(pipeline, layout)
	if err != nil {
		return err
	}
	defer rd.Close()

	clipper := NewClipper(cache)
	// References must go back even when the source fails mid-read, or the
	// cache would see them as leaked at join.
	defer func() {
		if cerr := clipper.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	subsetBounds, subset := meta.SubsetBounds()
	originDim := layout.FindDim("OriginId")
	pointDim := layout.FindDim("PointId")
	rootKey := entwine.NewChunkKey(meta.Bounds)
	startDepth := meta.StartDepth()

	var voxel entwine.Voxel
	var key entwine.Key
	var pointID uint64
	var sinceClip uint64

	for {
		table, err := rd.Next()
		if err != nil {
			return err
		}
		if table == nil {
			break
		}
		var inserts uint64
		for i := uint64(0); i < table.Np(); i++ {
			row := table.Row(i)
			if originDim >= 0 {
				layout.SetInteger(row, originDim, int64(origin))
			}
			if pointDim >= 0 {
				layout.SetInteger(row, pointDim, int64(pointID))
			}
			pointID++

			voxel.InitShallow(layout.GetPosition(row), row)
			point := voxel.Point()
			if !meta.BoundsConforming.Contains(point) {
				continue
			}
			if subset && !subsetBounds.Contains(point) {
				continue
			}
			key.Init(meta.Bounds, point, startDepth)
			if err := cache.Insert(&voxel, &key, rootKey, clipper); err != nil {
				return err
			}
			inserts++
		}
		atomic.AddUint64(counter, inserts)

		sinceClip += table.Np()
		if sinceClip > b.sleepCount {
			sinceClip = 0
			if err := clipper.Clip(); err != nil {
				return err
			}
		}
	}

	if sr, ok := rd.(*reader.StatsReader); ok && needsStats {
		harvested := sr.Stats()
		for i, dim := range item.Info.Schema {
			if s, ok := harvested[dim.Name]; ok {
				item.Info.Schema[i].Stats = s
			}
		}
	}
	return nil
}

// monitor reports progress, insertion pace, and cache counters until the
// inserter signals done.
func (b *Builder) monitor(progressInterval uint64, counter *uint64, done <-chan struct{}) {
	if progressInterval == 0 {
		<-done
		return
	}

	const mph = 3600.0 / 1e6
	already := float64(b.Manifest.InsertedPoints())
	total := float64(b.Manifest.TotalPoints())
	start := time.Now()
	var lastInserted float64

	ticker := time.NewTicker(time.Duration(progressInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		tick := time.Since(start).Seconds()
		inserted := already + float64(atomic.LoadUint64(counter))
		var progress float64
		if total > 0 {
			progress = inserted / total
		}
		pace := uint64(inserted / tick * mph)
		intervalPace := uint64(
			(inserted - lastInserted) / float64(progressInterval) * mph)
		lastInserted = inserted

		var cacheStats Info
		if cc := b.activeCache(); cc != nil {
			cacheStats = cc.Latch()
		}
		entwine.Infof("%s - %3.0f%% - %s - %s (%s) M/h - %dW - %dR - %dA",
			time.Duration(tick)*time.Second,
			math.Round(progress*100),
			humanize.Comma(int64(inserted)),
			humanize.Comma(int64(pace)),
			humanize.Comma(int64(intervalPace)),
			cacheStats.Written, cacheStats.Read, cacheStats.Alive)
	}
}

// activeCache exposes the cache to the monitor while inserts run.
func (b *Builder) activeCache() *ChunkCache {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	return b.cache
}

// Save persists the hierarchy, sources, and dataset metadata.
func (b *Builder) Save(threads int) error {
	entwine.Infof("Saving")
	tlog := entwine.NewTimeLog()
	if err := b.saveHierarchy(threads); err != nil {
		return err
	}
	if err := b.saveSources(threads); err != nil {
		return err
	}
	if err := b.saveMetadata(); err != nil {
		return err
	}
	tlog.Infof("Saved %d hierarchy nodes", b.Hierarchy.Len())
	return nil
}

func (b *Builder) saveHierarchy(threads int) error {
	// A subset or partial build defers the step choice to the merge phase
	// and writes one monolithic file.
	stepped := b.Metadata.Subset() == nil && b.Manifest.Settled()

	var step uint64
	if stepped {
		if step = b.Metadata.Internal.HierarchyStep; step == 0 {
			step = b.Hierarchy.DetermineStep()
		}
	}
	b.Metadata.Internal.HierarchyStep = step

	return b.Hierarchy.Save(
		b.Endpoints.Hierarchy, step, b.Metadata.Postfix(), threads)
}

func (b *Builder) saveSources(threads int) error {
	aggregate := b.Metadata.Subset() != nil
	return manifest.Save(
		b.Manifest, b.Endpoints.Sources, b.Metadata.Postfix(), aggregate,
		threads)
}

func (b *Builder) saveMetadata() error {
	// Fold harvested dimension statistics into the dataset schema once
	// every source is settled on a whole build.
	if b.Metadata.Subset() == nil && b.Manifest.Settled() && b.allStats() {
		schema := b.Metadata.Schema.ClearStats()
		so := b.Metadata.Schema.GetScaleOffset()
		for _, item := range b.Manifest {
			itemSchema := item.Info.Schema
			if so != nil {
				itemSchema = itemSchema.SetScaleOffset(*so)
			}
			schema = entwine.Combine(schema, itemSchema)
		}
		b.Metadata.Schema = schema
	}

	b.Metadata.Points = b.Hierarchy.TotalPoints()
	return b.Metadata.Save(b.Endpoints.Output)
}

func (b *Builder) allStats() bool {
	for _, item := range b.Manifest {
		if len(item.Info.Errors) > 0 {
			continue
		}
		if !item.Info.Schema.HasStats() {
			return false
		}
	}
	return len(b.Manifest) > 0
}

func subsetPostfix(id uint64) string {
	return fmt.Sprintf("-%d", id)
}

// RunConfig creates a builder from configuration and runs it.
func RunConfig(cfg Config) (uint64, error) {
	cfg = cfg.withDefaults()
	b, err := Create(cfg)
	if err != nil {
		return 0, err
	}
	return b.Run(cfg.Threads, cfg.Limit, cfg.ProgressInterval)
}
