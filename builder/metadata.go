/*
	Dataset metadata.  The public half (ept.json) describes the dataset to
	readers: bounds, schema, span, total points.  The internal half
	(ept-build.json) carries what a resumed or merged build needs: node size
	tunables, the hierarchy step, and subset identity.
*/

package builder

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/codec"
	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/storage"
)

// Subset identifies one disjoint partition of a split build: this build is
// partition ID of Of, with Of a power of four partitioning x/y.
type Subset struct {
	ID uint64 `json:"id"`
	Of uint64 `json:"of"`
}

// Internal is the build metadata persisted as ept-build.json.
type Internal struct {
	MinNodeSize   uint64  `json:"minNodeSize"`
	MaxNodeSize   uint64  `json:"maxNodeSize"`
	HierarchyStep uint64  `json:"hierarchyStep"`
	SharedDepth   uint64  `json:"sharedDepth"`
	Subset        *Subset `json:"subset,omitempty"`
}

// Metadata describes the dataset under construction.
type Metadata struct {
	Bounds           entwine.Bounds `json:"bounds"`
	BoundsConforming entwine.Bounds `json:"boundsConforming"`
	DataType         string         `json:"dataType"`
	Points           uint64         `json:"points"`
	Schema           entwine.Schema `json:"schema"`
	Span             uint64         `json:"span"`
	SRS              string         `json:"srs,omitempty"`
	Version          string         `json:"version"`

	Internal Internal `json:"-"`

	absLayout *entwine.Layout
	dataCodec codec.Codec
}

// MetadataVersion is the dataset layout version written to ept.json.
const MetadataVersion = "1.0.0"

// Finish validates the metadata and resolves its derived state: the
// absolute point layout and the chunk codec.  It must be called after
// construction or load, before the metadata is used by a build.
func (m *Metadata) Finish() error {
	if m.Span < 2 || m.Span&(m.Span-1) != 0 {
		return errors.Errorf("span %d is not a power of two", m.Span)
	}
	if m.Internal.MinNodeSize == 0 || m.Internal.MaxNodeSize < m.Internal.MinNodeSize {
		return errors.Errorf(
			"bad node sizes: min %d, max %d",
			m.Internal.MinNodeSize, m.Internal.MaxNodeSize)
	}
	if m.Subset() != nil {
		of := m.Subset().Of
		root := uint64(math.Round(math.Sqrt(float64(of))))
		if root*root != of || of < 4 || of&(of-1) != 0 {
			return errors.Errorf("subset of %d is not a power of four", of)
		}
		if m.Subset().ID < 1 || m.Subset().ID > of {
			return errors.Errorf("subset id %d out of range", m.Subset().ID)
		}
		m.Internal.SharedDepth = sharedDepth(of)
	}
	if m.Version == "" {
		m.Version = MetadataVersion
	}

	layout, err := entwine.NewLayout(m.Schema.Absolute())
	if err != nil {
		return err
	}
	m.absLayout = layout

	c, err := codec.Get(m.DataType)
	if err != nil {
		return err
	}
	m.dataCodec = c
	return nil
}

func sharedDepth(of uint64) uint64 {
	var depth uint64
	for n := uint64(1); n < of; n *= 4 {
		depth++
	}
	return depth
}

// AbsoluteLayout returns the fixed-width layout points take inside chunks
// and on disk.
func (m *Metadata) AbsoluteLayout() *entwine.Layout { return m.absLayout }

// Codec returns the chunk codec selected by the data type tag.
func (m *Metadata) Codec() codec.Codec { return m.dataCodec }

// Subset returns the build's subset identity, or nil for a whole build.
func (m *Metadata) Subset() *Subset { return m.Internal.Subset }

// StartDepth is the tree depth of the root chunk's voxel grid: the root
// chunk resolves span cells per axis, so descent keys take this many steps
// before chunk depth zero.
func (m *Metadata) StartDepth() uint64 {
	var depth uint64
	for span := uint64(1); span < m.Span; span *= 2 {
		depth++
	}
	return depth
}

// SharedDepth is the chunk depth above which subsets share nodes.  Chunks
// shallower than this never overflow, so subset points stream down to the
// disjoint subtrees.
func (m *Metadata) SharedDepth() uint64 { return m.Internal.SharedDepth }

// Postfix is the filename postfix for build-scoped files: "-<id>" for a
// subset build, empty otherwise.
func (m *Metadata) Postfix() string {
	if s := m.Subset(); s != nil {
		return fmt.Sprintf("-%d", s.ID)
	}
	return ""
}

// PostfixAt is the filename postfix for a chunk at the given depth.  At and
// below the shared depth, subsets own disjoint subtrees and chunk names are
// canonical; above it, names carry the subset postfix to avoid collisions.
func (m *Metadata) PostfixAt(depth uint64) string {
	if m.Subset() != nil && depth < m.SharedDepth() {
		return m.Postfix()
	}
	return ""
}

// SubsetBounds returns the partition of the root bounds owned by this
// subset: a sqrt(of) by sqrt(of) grid in x/y, full range in z, walked in
// row-major order of id-1.
func (m *Metadata) SubsetBounds() (entwine.Bounds, bool) {
	s := m.Subset()
	if s == nil {
		return entwine.Bounds{}, false
	}
	splits := uint64(math.Round(math.Sqrt(float64(s.Of))))
	col := (s.ID - 1) % splits
	row := (s.ID - 1) / splits
	w := m.Bounds.Width()
	dx := w.X / float64(splits)
	dy := w.Y / float64(splits)
	return entwine.NewBounds(
		m.Bounds.Min.X+float64(col)*dx,
		m.Bounds.Min.Y+float64(row)*dy,
		m.Bounds.Min.Z,
		m.Bounds.Min.X+float64(col+1)*dx,
		m.Bounds.Min.Y+float64(row+1)*dy,
		m.Bounds.Max.Z,
	), true
}

// ChunkFilename returns the stored name for the chunk with the given key.
func (m *Metadata) ChunkFilename(ck entwine.ChunkKey) string {
	return ck.String() + m.PostfixAt(ck.Depth()) + "." + m.dataCodec.Extension()
}

func metadataFilename(postfix string) string      { return "ept" + postfix + ".json" }
func buildMetadataFilename(postfix string) string { return "ept-build" + postfix + ".json" }

// Save writes ept.json and ept-build.json.
func (m *Metadata) Save(ep storage.Endpoint) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := storage.EnsurePut(ep, metadataFilename(m.Postfix()), data); err != nil {
		return err
	}
	data, err = json.MarshalIndent(m.Internal, "", "  ")
	if err != nil {
		return err
	}
	return storage.EnsurePut(ep, buildMetadataFilename(m.Postfix()), data)
}

// LoadMetadata reads ept.json and ept-build.json for the given subset ID (0
// for a whole build) and resolves the derived state.
func LoadMetadata(ep storage.Endpoint, subsetID uint64) (*Metadata, error) {
	postfix := ""
	if subsetID > 0 {
		postfix = fmt.Sprintf("-%d", subsetID)
	}
	data, err := storage.EnsureGet(ep, metadataFilename(postfix))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "malformed ept.json")
	}
	data, err = storage.EnsureGet(ep, buildMetadataFilename(postfix))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &m.Internal); err != nil {
		return nil, errors.Wrap(err, "malformed ept-build.json")
	}
	if err := m.Finish(); err != nil {
		return nil, err
	}
	return &m, nil
}
