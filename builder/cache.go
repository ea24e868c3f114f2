/*
	The chunk cache is the process-wide owner of live chunks.  Lookups are
	partitioned by depth into slices; each slice entry carries its own lock
	and reference count, so materializing, using, and serializing a chunk
	contend only on that entry.  Serialization of released chunks happens on
	a background pool so insert workers rarely wait on storage.
*/

package builder

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/storage"
)

// refChunk is one cache slice entry: a chunk slot plus the references
// currently pinning it.  An entry with zero references and no chunk is
// eligible for erasure.
type refChunk struct {
	mu    sync.Mutex
	refs  uint64
	chunk *Chunk
	gone  bool // erased from the slice; a looker-on must restart
}

type cacheSlice struct {
	mu sync.Mutex
	m  map[entwine.Xyz]*refChunk
}

// Info is a point-in-time snapshot of the cache counters.
type Info struct {
	Written uint64
	Read    uint64
	Alive   uint64
}

type ChunkCache struct {
	endpoints storage.Endpoints
	meta      *Metadata
	hierarchy *Hierarchy
	pool      *workPool

	slices [entwine.MaxDepth]cacheSlice

	ownedMu sync.Mutex
	owned   map[entwine.Dxyz]bool

	written uint64
	read    uint64
	alive   int64

	errMu sync.Mutex
	err   error
}

func NewChunkCache(endpoints storage.Endpoints, meta *Metadata, hierarchy *Hierarchy, threads int) *ChunkCache {
	cc := &ChunkCache{
		endpoints: endpoints,
		meta:      meta,
		hierarchy: hierarchy,
		pool:      newWorkPool(threads),
		owned:     map[entwine.Dxyz]bool{},
	}
	for d := range cc.slices {
		cc.slices[d].m = map[entwine.Xyz]*refChunk{}
	}
	return cc
}

// Latch returns the cache counters: chunks written out, chunks read back,
// and entries alive.
func (cc *ChunkCache) Latch() Info {
	return Info{
		Written: atomic.LoadUint64(&cc.written),
		Read:    atomic.LoadUint64(&cc.read),
		Alive:   uint64(atomic.LoadInt64(&cc.alive)),
	}
}

// Insert routes a voxel down the tree until some chunk keeps it.  A chunk
// that declines (its target cell is taken and the octant's child already
// exists) pushes the descent one level deeper.
func (cc *ChunkCache) Insert(voxel *entwine.Voxel, key *entwine.Key, ck entwine.ChunkKey, clipper *Clipper) error {
	for {
		if ck.Depth() >= entwine.MaxDepth {
			return errors.Errorf(
				"chunk depth limit reached inserting %v", voxel.Point())
		}
		chunk := clipper.Get(ck)
		if chunk == nil {
			var err error
			if chunk, err = cc.addRef(ck, clipper); err != nil {
				return err
			}
		}
		done, err := chunk.Insert(cc, clipper, voxel, key)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		key.Step(voxel.Point())
		ck.Step(voxel.Point())
	}
}

// addRef resolves the chunk for a key, materializing it if needed, and
// takes a reference on behalf of the clipper.  Concurrent materializers of
// the same key serialize on the entry's lock; re-materializing a chunk the
// cache has owned before replays its file through the insert path.
func (cc *ChunkCache) addRef(ck entwine.ChunkKey, clipper *Clipper) (*Chunk, error) {
	slice := &cc.slices[ck.Depth()]
retry:
	slice.mu.Lock()
	rc, ok := slice.m[ck.Position()]
	if !ok {
		rc = &refChunk{}
		slice.m[ck.Position()] = rc
	}
	slice.mu.Unlock()

	rc.mu.Lock()
	if rc.gone {
		// Lost a race with an erasure between the slice lookup and here.
		rc.mu.Unlock()
		goto retry
	}
	defer rc.mu.Unlock()

	if rc.chunk != nil {
		rc.refs++
		clipper.Set(ck, rc.chunk)
		return rc.chunk, nil
	}

	atomic.AddInt64(&cc.alive, 1)
	rc.chunk = NewChunk(cc.meta, ck, cc.hierarchy)
	rc.refs++
	clipper.Set(ck, rc.chunk)

	dxyz := ck.Dxyz()
	cc.ownedMu.Lock()
	reawakened := cc.owned[dxyz]
	cc.owned[dxyz] = true
	cc.ownedMu.Unlock()

	// A chunk evicted earlier this run, or persisted by a previous run we
	// are continuing, already has points on disk: replay them through the
	// insert path before any new point lands here.
	np := cc.hierarchy.Get(dxyz)
	if reawakened && np == 0 {
		return nil, errors.Errorf(
			"chunk %s owned but absent from hierarchy", dxyz)
	}
	if np > 0 {
		atomic.AddUint64(&cc.read, 1)
		if err := rc.chunk.Load(cc, clipper, cc.endpoints, np); err != nil {
			return nil, err
		}
	}
	return rc.chunk, nil
}

// release drops one reference.  A chunk left with no references is queued
// for background serialization.
func (cc *ChunkCache) release(depth uint64, xyz entwine.Xyz) error {
	slice := &cc.slices[depth]
	slice.mu.Lock()
	rc, ok := slice.m[xyz]
	slice.mu.Unlock()
	if !ok {
		return errors.Errorf("releasing unknown chunk %d-%v", depth, xyz)
	}

	rc.mu.Lock()
	if rc.refs == 0 {
		rc.mu.Unlock()
		return errors.Errorf("negative ref count at %d-%v", depth, xyz)
	}
	rc.refs--
	queue := rc.refs == 0 && rc.chunk != nil
	rc.mu.Unlock()

	if queue {
		dxyz := entwine.Dxyz{Depth: depth, Xyz: xyz}
		cc.pool.add(func() {
			if err := cc.maybeSerialize(dxyz); err != nil {
				cc.fail(err)
			}
		})
	}
	return nil
}

// maybeSerialize writes the chunk out if it is still unreferenced by the
// time the task runs, records its count in the hierarchy, and drops the
// in-memory chunk.  The entry itself stays in the slice until maybeErase.
func (cc *ChunkCache) maybeSerialize(dxyz entwine.Dxyz) error {
	slice := &cc.slices[dxyz.Depth]
	slice.mu.Lock()
	rc, ok := slice.m[dxyz.Xyz]
	slice.mu.Unlock()
	if !ok {
		return nil
	}

	rc.mu.Lock()
	if rc.refs == 0 && rc.chunk != nil {
		np, err := rc.chunk.Save(cc.endpoints)
		if err != nil {
			rc.mu.Unlock()
			return err
		}
		cc.hierarchy.Set(dxyz, np)
		atomic.AddUint64(&cc.written, 1)
		rc.chunk = nil
	}
	rc.mu.Unlock()

	cc.maybeErase(dxyz)
	return nil
}

// maybeErase removes an entry that holds nothing and pins nothing.
func (cc *ChunkCache) maybeErase(dxyz entwine.Dxyz) {
	slice := &cc.slices[dxyz.Depth]
	slice.mu.Lock()
	defer slice.mu.Unlock()
	rc, ok := slice.m[dxyz.Xyz]
	if !ok {
		return
	}
	rc.mu.Lock()
	if rc.refs == 0 && rc.chunk == nil {
		rc.gone = true
		delete(slice.m, dxyz.Xyz)
		atomic.AddInt64(&cc.alive, -1)
	}
	rc.mu.Unlock()
}

// Clipped runs after each clip batch and bounds the number of unreferenced
// chunks retained in memory.
func (cc *ChunkCache) Clipped() {
	cc.maybePurge(CacheSize)
}

// maybePurge lists unreferenced resident chunks deepest first, keeps the
// first max of that list and queues the rest (the shallowest ones) for
// serialization.
func (cc *ChunkCache) maybePurge(max int) {
	var victims []entwine.Dxyz
	for d := entwine.MaxDepth - 1; d >= 0; d-- {
		slice := &cc.slices[d]
		slice.mu.Lock()
		for xyz, rc := range slice.m {
			rc.mu.Lock()
			if rc.refs == 0 && rc.chunk != nil {
				victims = append(victims,
					entwine.Dxyz{Depth: uint64(d), Xyz: xyz})
			}
			rc.mu.Unlock()
		}
		slice.mu.Unlock()
	}
	for i := max; i < len(victims); i++ {
		dxyz := victims[i]
		cc.pool.add(func() {
			if err := cc.maybeSerialize(dxyz); err != nil {
				cc.fail(err)
			}
		})
	}
}

// Join drains the background pool, serializes every remaining chunk, and
// verifies reference balance.  On return every chunk ever touched has its
// count in the hierarchy and its bytes written.
func (cc *ChunkCache) Join() error {
	cc.pool.join()
	defer cc.pool.stop()

	for d := range cc.slices {
		slice := &cc.slices[d]
		slice.mu.Lock()
		keys := make([]entwine.Xyz, 0, len(slice.m))
		for xyz := range slice.m {
			keys = append(keys, xyz)
		}
		slice.mu.Unlock()

		for _, xyz := range keys {
			slice.mu.Lock()
			rc, ok := slice.m[xyz]
			slice.mu.Unlock()
			if !ok {
				continue
			}
			rc.mu.Lock()
			refs := rc.refs
			rc.mu.Unlock()
			if refs != 0 {
				return errors.Errorf(
					"unbalanced references at join: %d-%v has %d",
					d, xyz, refs)
			}
			dxyz := entwine.Dxyz{Depth: uint64(d), Xyz: xyz}
			if err := cc.maybeSerialize(dxyz); err != nil {
				return err
			}
		}
	}

	cc.errMu.Lock()
	defer cc.errMu.Unlock()
	return cc.err
}

func (cc *ChunkCache) fail(err error) {
	cc.errMu.Lock()
	if cc.err == nil {
		cc.err = err
	}
	cc.errMu.Unlock()
	entwine.Errorf("Background serialization failed: %v", err)
}
