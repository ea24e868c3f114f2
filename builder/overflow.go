package builder

import (
	"github.com/XueSongTap/entwine/entwine"
)

// overflow is a chunk's holding area for one octant: points waiting to
// descend into the child chunk in that direction.  Entries keep their
// descent keys so a later split can resume the descent where it stopped.
type overflow struct {
	chunkKey  entwine.ChunkKey
	pointSize uint64

	block *entwine.MemBlock
	list  []overflowEntry
}

type overflowEntry struct {
	voxel entwine.Voxel
	key   entwine.Key
}

func newOverflow(chunkKey entwine.ChunkKey, pointSize uint64) *overflow {
	return &overflow{
		chunkKey:  chunkKey,
		pointSize: pointSize,
		block:     entwine.NewMemBlock(pointSize, 256),
	}
}

func (o *overflow) insert(voxel *entwine.Voxel, key *entwine.Key) {
	entry := overflowEntry{key: *key}
	entry.voxel.SetData(o.block.Next())
	entry.voxel.InitDeep(voxel.Point(), voxel.Data())
	o.list = append(o.list, entry)
}

func (o *overflow) size() uint64 { return o.block.Size() }
