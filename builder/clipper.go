/*
	The Clipper is a worker's private working set of chunks.  Lookups hit a
	one-entry fast slot, then a per-depth map, without touching any shared
	lock.  Chunks rotate through two generations: a chunk untouched for a
	full generation is released back to the cache at the next clip, which is
	the cache's deterministic moment to serialize it.
*/

package builder

import (
	"github.com/XueSongTap/entwine/entwine"
)

type cachedChunk struct {
	xyz   entwine.Xyz
	chunk *Chunk
}

type Clipper struct {
	cache *ChunkCache

	fast [entwine.MaxDepth]cachedChunk
	slow [entwine.MaxDepth]map[entwine.Xyz]*Chunk
	aged [entwine.MaxDepth]map[entwine.Xyz]*Chunk
}

func NewClipper(cache *ChunkCache) *Clipper {
	c := &Clipper{cache: cache}
	for d := range c.slow {
		c.slow[d] = map[entwine.Xyz]*Chunk{}
		c.aged[d] = map[entwine.Xyz]*Chunk{}
	}
	return c
}

// Get returns the referenced chunk for a key, or nil if this clipper holds
// no reference to it.  A hit in the aged generation is promoted back to the
// current one; the existing reference carries over.
func (c *Clipper) Get(ck entwine.ChunkKey) *Chunk {
	d := ck.Depth()
	xyz := ck.Position()
	if f := &c.fast[d]; f.chunk != nil && f.xyz == xyz {
		return f.chunk
	}
	if chunk, ok := c.slow[d][xyz]; ok {
		c.fast[d] = cachedChunk{xyz: xyz, chunk: chunk}
		return chunk
	}
	if chunk, ok := c.aged[d][xyz]; ok {
		delete(c.aged[d], xyz)
		c.slow[d][xyz] = chunk
		c.fast[d] = cachedChunk{xyz: xyz, chunk: chunk}
		return chunk
	}
	return nil
}

// Set records a chunk the cache has just referenced on our behalf.
func (c *Clipper) Set(ck entwine.ChunkKey, chunk *Chunk) {
	d := ck.Depth()
	xyz := ck.Position()
	c.slow[d][xyz] = chunk
	c.fast[d] = cachedChunk{xyz: xyz, chunk: chunk}
}

// Clip releases every chunk untouched since the previous clip and rotates
// the generations.  Chunks used this generation survive into the next.
func (c *Clipper) Clip() error {
	for d := range c.aged {
		for xyz := range c.aged[d] {
			if _, used := c.slow[d][xyz]; used {
				continue
			}
			if err := c.cache.release(uint64(d), xyz); err != nil {
				return err
			}
		}
		c.aged[d] = c.slow[d]
		c.slow[d] = map[entwine.Xyz]*Chunk{}
		c.fast[d] = cachedChunk{}
	}
	c.cache.Clipped()
	return nil
}

// Close releases everything the clipper still references.
func (c *Clipper) Close() error {
	if err := c.Clip(); err != nil {
		return err
	}
	return c.Clip()
}
