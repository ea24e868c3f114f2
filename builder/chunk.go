/*
	A Chunk is one octree node's in-memory working set: a span-by-span grid
	of voxel tubes fed from a shared arena, plus eight overflow buckets for
	points heading to children that do not exist yet.

	The insert path keeps the closest point to the chunk's mid per integer
	voxel; a displaced point routes through the octant's overflow bucket,
	and a bucket that grows large enough is split off into the child chunk
	wholesale.  A bucket is only present while the child is absent, so once
	a child exists new arrivals stream straight through it.
*/

package builder

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/storage"
)

type voxelTube struct {
	mu sync.Mutex
	m  map[uint64]*entwine.Voxel
}

type Chunk struct {
	meta      *Metadata
	span      uint64
	pointSize uint64
	key       entwine.ChunkKey
	children  [entwine.DirEnd]entwine.ChunkKey

	mu        sync.Mutex // guards gridBlock
	grid      []voxelTube
	gridBlock *entwine.MemBlock

	overflowMu    sync.Mutex
	overflows     [entwine.DirEnd]*overflow
	overflowCount uint64
}

// NewChunk allocates the working set for a chunk cell.  An overflow bucket
// exists per octant only while the hierarchy records no child there; a
// persisted child must receive new points itself.
func NewChunk(meta *Metadata, ck entwine.ChunkKey, hierarchy *Hierarchy) *Chunk {
	c := &Chunk{
		meta:      meta,
		span:      meta.Span,
		pointSize: meta.AbsoluteLayout().PointSize(),
		key:       ck,
	}
	c.grid = make([]voxelTube, c.span*c.span)
	for i := range c.grid {
		c.grid[i].m = map[uint64]*entwine.Voxel{}
	}
	c.gridBlock = entwine.NewMemBlock(c.pointSize, 4096)
	for dir := entwine.Dir(0); dir < entwine.DirEnd; dir++ {
		c.children[dir] = ck.GetStep(dir)
		if hierarchy.Get(c.children[dir].Dxyz()) == 0 {
			c.overflows[dir] = newOverflow(c.children[dir], c.pointSize)
		}
	}
	return c
}

func (c *Chunk) ChunkKey() entwine.ChunkKey { return c.key }

// Insert places the voxel in the chunk's grid, displacing a farther point
// if the cell is taken, then routes any loser through overflow.  It returns
// true once a point has been installed at this depth; false tells the cache
// to descend another level.
func (c *Chunk) Insert(cache *ChunkCache, clipper *Clipper, voxel *entwine.Voxel, key *entwine.Key) (bool, error) {
	pos := key.Position()
	i := (pos.Y%c.span)*c.span + (pos.X % c.span)
	tube := &c.grid[i]

	tube.mu.Lock()
	dst, taken := tube.m[pos.Z]
	if !taken {
		c.mu.Lock()
		data := c.gridBlock.Next()
		c.mu.Unlock()
		dst = &entwine.Voxel{}
		dst.SetData(data)
		dst.InitDeep(voxel.Point(), voxel.Data())
		tube.m[pos.Z] = dst
		tube.mu.Unlock()
		return true, nil
	}
	mid := c.key.Bounds().Mid()
	if entwine.SqDist(voxel.Point(), mid) < entwine.SqDist(dst.Point(), mid) {
		voxel.SwapDeep(dst)
	}
	tube.mu.Unlock()

	return c.insertOverflow(cache, clipper, voxel, key)
}

func (c *Chunk) insertOverflow(cache *ChunkCache, clipper *Clipper, voxel *entwine.Voxel, key *entwine.Key) (bool, error) {
	// No overflow at the shared root levels: subsets must not accumulate
	// points in nodes they share.
	if c.key.Depth() < c.meta.SharedDepth() {
		return false, nil
	}

	dir := entwine.GetDirection(c.key.Bounds().Mid(), voxel.Point())

	c.overflowMu.Lock()
	defer c.overflowMu.Unlock()

	o := c.overflows[dir]
	if o == nil {
		// A child already exists and will consume this point.
		return false, nil
	}
	o.insert(voxel, key)
	c.overflowCount++

	if c.overflowCount >= c.meta.Internal.MinNodeSize {
		if err := c.maybeOverflow(cache, clipper); err != nil {
			return true, err
		}
	}
	return true, nil
}

// maybeOverflow splits the largest overflow bucket into its child chunk
// once the chunk's resident size warrants it.  Called with overflowMu held.
func (c *Chunk) maybeOverflow(cache *ChunkCache, clipper *Clipper) error {
	c.mu.Lock()
	gridSize := c.gridBlock.Size()
	c.mu.Unlock()

	if gridSize+c.overflowCount < c.meta.Internal.MaxNodeSize {
		return nil
	}

	var selectedSize uint64
	var selected entwine.Dir
	for dir := entwine.Dir(0); dir < entwine.DirEnd; dir++ {
		if o := c.overflows[dir]; o != nil && o.size() > selectedSize {
			selected = dir
			selectedSize = o.size()
		}
	}

	// Splitting a small bucket would make an uneconomical node.
	if selectedSize < c.meta.Internal.MinNodeSize {
		return nil
	}

	return c.doOverflow(cache, clipper, selected)
}

// doOverflow detaches the bucket and re-routes its points one level down.
// With the bucket gone, later arrivals for this octant descend directly.
func (c *Chunk) doOverflow(cache *ChunkCache, clipper *Clipper, dir entwine.Dir) error {
	active := c.overflows[dir]
	c.overflows[dir] = nil
	c.overflowCount -= active.size()

	ck := c.children[dir]
	for i := range active.list {
		entry := &active.list[i]
		entry.key.Step(entry.voxel.Point())
		if err := cache.Insert(&entry.voxel, &entry.key, ck, clipper); err != nil {
			return err
		}
	}
	return nil
}

// Save concatenates the grid arena and every present overflow bucket into
// one point table, encodes it, and writes the chunk file.  It returns the
// persisted point count.
func (c *Chunk) Save(endpoints storage.Endpoints) (uint64, error) {
	np := c.gridBlock.Size()
	for _, o := range c.overflows {
		if o != nil {
			np += o.size()
		}
	}

	table := entwine.NewPointTable(c.meta.AbsoluteLayout(), 0)
	table.Append(c.gridBlock)
	for _, o := range c.overflows {
		if o != nil {
			table.Append(o.block)
		}
	}

	data, err := c.meta.Codec().Encode(table, c.key.Bounds())
	if err != nil {
		return 0, errors.Wrapf(err, "encoding chunk %s", c.key)
	}
	filename := c.meta.ChunkFilename(c.key)
	if err := storage.EnsurePut(endpoints.Data, filename, data); err != nil {
		return 0, err
	}
	return np, nil
}

// Load decodes a previously saved chunk and re-routes every point through
// the cache's insert path, so a re-materialized chunk obeys the same
// invariants as a fresh one.
func (c *Chunk) Load(cache *ChunkCache, clipper *Clipper, endpoints storage.Endpoints, np uint64) error {
	filename := c.meta.ChunkFilename(c.key)
	data, err := storage.EnsureGet(endpoints.Data, filename)
	if err != nil {
		return err
	}
	layout := c.meta.AbsoluteLayout()
	table, err := c.meta.Codec().Decode(layout, data)
	if err != nil {
		return errors.Wrapf(err, "decoding chunk %s", c.key)
	}
	if table.Np() != np {
		return errors.Errorf(
			"chunk %s: expected %d points, decoded %d", c.key, np, table.Np())
	}

	levels := c.meta.StartDepth() + c.key.Depth()
	var voxel entwine.Voxel
	var key entwine.Key
	for i := uint64(0); i < table.Np(); i++ {
		row := table.Row(i)
		voxel.InitShallow(layout.GetPosition(row), row)
		key.Init(c.meta.Bounds, voxel.Point(), levels)
		if err := cache.Insert(&voxel, &key, c.key, clipper); err != nil {
			return err
		}
	}
	return nil
}
