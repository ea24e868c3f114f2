/*
	Merge mode stitches a set of completed subset builds into one dataset.
	Subsets own disjoint subtrees at and below the shared depth, so their
	hierarchy counts copy across directly; the shallow shared nodes overlap,
	so their chunk files are streamed back through the cache exactly like
	fresh inserts and re-settle into canonical chunks.
*/

package builder

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/manifest"
	"github.com/XueSongTap/entwine/storage"
)

// Merge combines every completed subset under the endpoints into a whole
// build and saves it under canonical names.
func Merge(endpoints storage.Endpoints, threads int, force bool) error {
	if !force {
		if _, found, err := endpoints.Output.TryGetSize(
			metadataFilename("")); err != nil {
			return err
		} else if found {
			return errors.New("completed dataset already exists here: " +
				"re-run with force to overwrite it")
		}
	}
	if _, found, err := endpoints.Output.TryGetSize(
		metadataFilename(subsetPostfix(1))); err != nil {
		return err
	} else if !found {
		return errors.New("failed to find first subset")
	}

	entwine.Infof("Initializing")
	base, err := Load(endpoints, threads, 1)
	if err != nil {
		return err
	}
	subset := base.Metadata.Subset()
	if subset == nil {
		return errors.New("first subset carries no subset metadata")
	}
	of := subset.Of

	// The merged metadata is the first subset's, with subsetting cleared.
	meta := *base.Metadata
	meta.Internal.Subset = nil
	if err := meta.Finish(); err != nil {
		return err
	}

	dst := &Builder{
		Endpoints:  endpoints,
		Metadata:   &meta,
		Manifest:   base.Manifest,
		Hierarchy:  NewHierarchy(),
		sleepCount: SleepCount,
	}
	cache := NewChunkCache(endpoints, dst.Metadata, dst.Hierarchy, threads)

	entwine.Infof("Merging")
	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(threads)
	for id := uint64(1); id <= of; id++ {
		id := id
		_, found, err := endpoints.Output.TryGetSize(
			metadataFilename(subsetPostfix(id)))
		if err != nil {
			return err
		}
		if !found {
			entwine.Infof("%d/%d: skipping", id, of)
			continue
		}
		entwine.Infof("%d/%d: merging", id, of)
		group.Go(func() error {
			tlog := entwine.NewTimeLog()
			src, err := Load(endpoints, threads, id)
			if err != nil {
				return err
			}
			if err := mergeOne(dst, src, cache); err != nil {
				return errors.Wrapf(err, "merging subset %d", id)
			}
			mu.Lock()
			dst.Manifest = manifest.Merge(dst.Manifest, src.Manifest)
			mu.Unlock()
			tlog.Infof("Merged subset %d", id)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if err := cache.Join(); err != nil {
		return err
	}

	return dst.Save(threads)
}

// mergeOne folds a single subset into the destination builder.
func mergeOne(dst *Builder, src *Builder, cache *ChunkCache) (err error) {
	sharedDepth := src.Metadata.SharedDepth()
	clipper := NewClipper(cache)
	defer func() {
		if cerr := clipper.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, node := range src.Hierarchy.snapshot() {
		if node.np == 0 {
			continue
		}
		if node.dxyz.Depth >= sharedDepth {
			if dst.Hierarchy.Get(node.dxyz) != 0 {
				return errors.Errorf(
					"subset collision at %s below shared depth", node.dxyz)
			}
			dst.Hierarchy.Set(node.dxyz, node.np)
			continue
		}
		if err := streamShared(
			dst, src, cache, clipper, node.dxyz, node.np); err != nil {
			return err
		}
	}
	return nil
}

// streamShared replays a shared-level chunk file of the source subset
// through the cache, as if its points had just arrived.
func streamShared(dst *Builder, src *Builder, cache *ChunkCache, clipper *Clipper, dxyz entwine.Dxyz, np uint64) error {
	meta := dst.Metadata
	layout := meta.AbsoluteLayout()

	filename := dxyz.String() + src.Metadata.Postfix() + "." +
		meta.Codec().Extension()
	data, err := storage.EnsureGet(dst.Endpoints.Data, filename)
	if err != nil {
		return err
	}
	table, err := meta.Codec().Decode(layout, data)
	if err != nil {
		return errors.Wrapf(err, "decoding shared chunk %s", dxyz)
	}
	if table.Np() != np {
		return errors.Errorf(
			"shared chunk %s: expected %d points, decoded %d",
			dxyz, np, table.Np())
	}

	levels := meta.StartDepth() + dxyz.Depth
	var voxel entwine.Voxel
	for i := uint64(0); i < table.Np(); i++ {
		row := table.Row(i)
		voxel.InitShallow(layout.GetPosition(row), row)

		var key entwine.Key
		key.Init(meta.Bounds, voxel.Point(), levels)
		var ck entwine.ChunkKey
		ck.Init(meta.Bounds, voxel.Point(), dxyz.Depth)

		if err := cache.Insert(&voxel, &key, ck, clipper); err != nil {
			return err
		}
	}
	return nil
}
