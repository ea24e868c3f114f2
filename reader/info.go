/*
	Source analysis.  Shallow analysis reads whatever header the format
	offers; deep analysis streams the whole file through a stats pipeline
	for exact bounds and per-dimension statistics.
*/

package reader

import (
	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/entwine"
)

// Info is the analysis result for one source file.
type Info struct {
	Bounds entwine.Bounds
	Points uint64
	Schema entwine.Schema
	SRS    string
}

// Analyze reads source info for a local file.  Shallow analysis uses the
// format's header when it has one; deep analysis (or a headerless format)
// makes a full pass and fills in dimension statistics.
func Analyze(localPath string, p Pipeline, deep bool) (Info, error) {
	p = p.Clone()
	if len(p) == 0 {
		p = DefaultPipeline()
	}
	p[0].Filename = localPath

	rt, err := readerType(p[0])
	if err != nil {
		return Info{}, err
	}

	if !deep {
		switch rt {
		case "readers.las":
			return LasInfo(localPath)
		}
	}
	return deepInfo(localPath, p, rt)
}

func deepInfo(localPath string, p Pipeline, rt string) (Info, error) {
	schema := p[0].Schema
	if schema == nil {
		switch rt {
		case "readers.binary":
			return Info{}, errors.Errorf(
				"binary source %q requires a schema", localPath)
		default:
			schema = entwine.DefaultSchema()
		}
	}
	layout, err := entwine.NewLayout(schema.ClearStats())
	if err != nil {
		return Info{}, err
	}

	p, _ = p.FindOrAppendStage("filters.stats")
	rd, err := Open(p, layout)
	if err != nil {
		return Info{}, err
	}
	defer rd.Close()

	var np uint64
	var bounds entwine.Bounds
	for {
		table, err := rd.Next()
		if err != nil {
			return Info{}, err
		}
		if table == nil {
			break
		}
		for i := uint64(0); i < table.Np(); i++ {
			bounds.Grow(layout.GetPosition(table.Row(i)))
		}
		np += table.Np()
	}

	info := Info{Bounds: bounds, Points: np, Schema: schema.ClearStats()}
	if sr, ok := rd.(*StatsReader); ok {
		harvested := sr.Stats()
		for i, dim := range info.Schema {
			info.Schema[i].Stats = harvested[dim.Name]
		}
	}
	return info, nil
}
