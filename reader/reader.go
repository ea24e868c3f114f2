/*
	Package reader builds the per-file input pipelines.  A pipeline is a list
	of stage descriptors: the first stage names the file reader, later stages
	are filters applied to each batch on its way to the builder.  Points are
	delivered as fixed-width record batches in the dataset's absolute layout,
	so the builder's insert path never sees format details.
*/

package reader

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/entwine"
)

// BatchSize is the number of points delivered per table from a reader.
const BatchSize = 4096

// libMutex serializes entry into reader-library initialization paths that
// are not thread-safe.
var libMutex sync.Mutex

// Stage describes one pipeline stage.  The zero stage is a reader whose
// type is inferred from its filename extension.
type Stage struct {
	Type      string         `json:"type,omitempty"`
	Filename  string         `json:"filename,omitempty"`
	Enumerate string         `json:"enumerate,omitempty"`
	InSRS     string         `json:"in_srs,omitempty"`
	OutSRS    string         `json:"out_srs,omitempty"`
	Schema    entwine.Schema `json:"schema,omitempty"`
}

// Pipeline is an ordered list of stages.  The first stage must be the
// reader.
type Pipeline []Stage

// DefaultPipeline is the template used when the configuration supplies
// none: a single reader stage whose type is inferred per file.
func DefaultPipeline() Pipeline {
	return Pipeline{{}}
}

// Clone returns a deep copy, so per-file mutation of the template is safe.
func (p Pipeline) Clone() Pipeline {
	out := make(Pipeline, len(p))
	copy(out, p)
	for i := range out {
		if out[i].Schema != nil {
			s := make(entwine.Schema, len(out[i].Schema))
			copy(s, out[i].Schema)
			out[i].Schema = s
		}
	}
	return out
}

// FindStage returns the index of the first stage of the given type, or -1.
func (p Pipeline) FindStage(stageType string) int {
	for i, s := range p {
		if s.Type == stageType {
			return i
		}
	}
	return -1
}

// FindOrAppendStage returns the pipeline with a stage of the given type
// present, plus its index.
func (p Pipeline) FindOrAppendStage(stageType string) (Pipeline, int) {
	if i := p.FindStage(stageType); i >= 0 {
		return p, i
	}
	return append(p, Stage{Type: stageType}), len(p)
}

func (p Pipeline) validate() error {
	if len(p) == 0 {
		return errors.New("pipeline has no reader stage")
	}
	for i, s := range p[1:] {
		if strings.HasPrefix(s.Type, "readers.") {
			return errors.Errorf(
				"pipeline is non-linear: reader at stage %d", i+1)
		}
	}
	return nil
}

// readerType infers the reader stage type for a stage, from its explicit
// type or its filename extension.
func readerType(s Stage) (string, error) {
	if strings.HasPrefix(s.Type, "readers.") {
		return s.Type, nil
	}
	if s.Type != "" {
		return "", errors.Errorf("first stage %q is not a reader", s.Type)
	}
	switch strings.ToLower(filepath.Ext(s.Filename)) {
	case ".las":
		return "readers.las", nil
	case ".bin":
		return "readers.binary", nil
	}
	return "", errors.Errorf("no reader for file %q", s.Filename)
}

// Reader delivers point batches.  Next returns nil when the source is
// exhausted.
type Reader interface {
	Next() (*entwine.PointTable, error)
	Close() error
}

// Opener opens a base reader for a stage.  Points are written into tables
// of the given layout.
type Opener func(stage Stage, layout *entwine.Layout) (Reader, error)

var (
	openersMu sync.Mutex
	openers   = map[string]Opener{}
)

// RegisterReader adds a reader opener to the registry.
func RegisterReader(stageType string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[stageType] = open
}

func getOpener(stageType string) (Opener, error) {
	openersMu.Lock()
	defer openersMu.Unlock()
	open, ok := openers[stageType]
	if !ok {
		return nil, errors.Errorf("no reader for stage type %q", stageType)
	}
	return open, nil
}

// Open builds the reader chain for a pipeline.  Filter stages wrap the base
// reader in order; unknown filters are passed through with a warning since
// their semantics live outside the core.
func Open(p Pipeline, layout *entwine.Layout) (Reader, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	rt, err := readerType(p[0])
	if err != nil {
		return nil, err
	}
	open, err := getOpener(rt)
	if err != nil {
		return nil, err
	}
	rd, err := open(p[0], layout)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", p[0].Filename)
	}
	for _, s := range p[1:] {
		switch s.Type {
		case "filters.stats":
			rd = NewStatsReader(rd, layout, s.Enumerate)
		default:
			entwine.Warningf("Passing through unknown stage %q", s.Type)
		}
	}
	return rd, nil
}
