/*
	Package manifest tracks a build's input sources.  Each entry pairs a
	source path with its analyzed info and an inserted flag; the flag is the
	unit of crash recovery, since a re-run skips everything already marked.

	On disk the manifest takes two shapes.  A whole build writes one small
	overview index plus a detailed file per source; a subset build writes the
	entire manifest as one aggregate blob, since the merge phase is going to
	wake the whole thing up anyway.
*/

package manifest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/reader"
	"github.com/XueSongTap/entwine/storage"
)

// SourceInfo is the analyzed description of one input file.
type SourceInfo struct {
	Bounds   entwine.Bounds  `json:"bounds"`
	Points   uint64          `json:"points"`
	Schema   entwine.Schema  `json:"schema,omitempty"`
	SRS      string          `json:"srs,omitempty"`
	Pipeline reader.Pipeline `json:"pipeline,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
}

// BuildItem is one manifest entry.  Only the worker that owns the item's
// origin index mutates it during a build.
type BuildItem struct {
	Path         string     `json:"path"`
	Info         SourceInfo `json:"info"`
	Inserted     bool       `json:"inserted"`
	MetadataPath string     `json:"metadataPath,omitempty"`
}

// Settled is true once the item needs no further inserting.
func (b BuildItem) Settled() bool {
	return b.Inserted || b.Info.Points == 0
}

type Manifest []BuildItem

// Find returns the index of the item with the given path, or -1.
func (m Manifest) Find(path string) int {
	for i, item := range m {
		if item.Path == path {
			return i
		}
	}
	return -1
}

// Settled is true when every item is settled, i.e. the build is whole.
func (m Manifest) Settled() bool {
	for _, item := range m {
		if !item.Settled() {
			return false
		}
	}
	return true
}

// TotalPoints sums the analyzed point counts of all sources.
func (m Manifest) TotalPoints() uint64 {
	var total uint64
	for _, item := range m {
		total += item.Info.Points
	}
	return total
}

// InsertedPoints sums the point counts of sources inserted without errors.
func (m Manifest) InsertedPoints() uint64 {
	var total uint64
	for _, item := range m {
		if item.Inserted && len(item.Info.Errors) == 0 {
			total += item.Info.Points
		}
	}
	return total
}

// Reduce folds the analyzed infos into one: unioned bounds, summed points,
// combined schema.
func Reduce(m Manifest) SourceInfo {
	var out SourceInfo
	for _, item := range m {
		if item.Info.Points == 0 {
			continue
		}
		if out.Points == 0 {
			out.Bounds = item.Info.Bounds
		} else {
			out.Bounds = entwine.Union(out.Bounds, item.Info.Bounds)
		}
		out.Points += item.Info.Points
		out.Schema = entwine.Combine(out.Schema, item.Info.Schema)
		if out.SRS == "" {
			out.SRS = item.Info.SRS
		}
	}
	return out
}

// Merge unions two manifests by path.  Matching items keep the inserted
// flag if either side has it, and concatenate errors.
func Merge(a, b Manifest) Manifest {
	out := make(Manifest, len(a))
	copy(out, a)
	for _, item := range b {
		i := out.Find(item.Path)
		if i < 0 {
			out = append(out, item)
			continue
		}
		if item.Inserted {
			out[i].Inserted = true
		}
		out[i].Info.Errors = append(out[i].Info.Errors, item.Info.Errors...)
	}
	return out
}

// overviewItem is the reduced per-source record in the manifest index.
type overviewItem struct {
	Path         string `json:"path"`
	Points       uint64 `json:"points"`
	Inserted     bool   `json:"inserted"`
	MetadataPath string `json:"metadataPath,omitempty"`
}

func manifestFilename(postfix string) string {
	return "manifest" + postfix + ".json"
}

// Save writes the manifest under the sources endpoint.  With aggregate set
// (subset mode) the whole manifest lands in one blob; otherwise an overview
// index plus one detailed file per source.
func Save(m Manifest, ep storage.Endpoint, postfix string, aggregate bool, threads int) error {
	if threads < 1 {
		threads = 1
	}
	if aggregate {
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}
		return storage.EnsurePut(ep, manifestFilename(postfix), data)
	}

	overview := make([]overviewItem, len(m))
	var group errgroup.Group
	group.SetLimit(threads)
	for i := range m {
		i := i
		m[i].MetadataPath = fmt.Sprintf("%d.json", i)
		overview[i] = overviewItem{
			Path:         m[i].Path,
			Points:       m[i].Info.Points,
			Inserted:     m[i].Inserted,
			MetadataPath: m[i].MetadataPath,
		}
		group.Go(func() error {
			data, err := json.MarshalIndent(m[i].Info, "", "  ")
			if err != nil {
				return err
			}
			return storage.EnsurePut(ep, m[i].MetadataPath, data)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(overview, "", "  ")
	if err != nil {
		return err
	}
	return storage.EnsurePut(ep, manifestFilename(postfix), data)
}

// Load reads a manifest saved by Save, resolving detailed per-source files
// when the index refers to them.
func Load(ep storage.Endpoint, postfix string, threads int) (Manifest, error) {
	if threads < 1 {
		threads = 1
	}
	data, err := storage.EnsureGet(ep, manifestFilename(postfix))
	if err != nil {
		return nil, err
	}

	// The aggregate form unmarshals directly.
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "malformed manifest")
	}
	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(threads)
	for i := range m {
		i := i
		if m[i].MetadataPath == "" || m[i].Info.Points != 0 {
			continue
		}
		group.Go(func() error {
			detail, err := storage.EnsureGet(ep, m[i].MetadataPath)
			if err != nil {
				return err
			}
			var info SourceInfo
			if err := json.Unmarshal(detail, &info); err != nil {
				return errors.Wrapf(err, "source %q", m[i].Path)
			}
			mu.Lock()
			m[i].Info = info
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}
