/*
	Stats filter stage.  Wraps a reader and aggregates per-dimension
	statistics over everything that flows through it.  Each batch is reduced
	with the stats library, then folded into the running totals, so the
	memory cost is one float slice per batch rather than per source.
*/

package reader

import (
	"fmt"

	"github.com/montanaflynn/stats"

	"github.com/XueSongTap/entwine/entwine"
)

// StatsReader passes batches through while accumulating per-dimension
// statistics.  Stats are harvested once the source is exhausted.
type StatsReader struct {
	inner     Reader
	layout    *entwine.Layout
	enumerate string
	agg       []*entwine.DimensionStats
	counts    map[string]uint64
	values    []float64
}

func NewStatsReader(inner Reader, layout *entwine.Layout, enumerate string) *StatsReader {
	return &StatsReader{
		inner:     inner,
		layout:    layout,
		enumerate: enumerate,
		agg:       make([]*entwine.DimensionStats, len(layout.Schema())),
		counts:    map[string]uint64{},
	}
}

func (r *StatsReader) Next() (*entwine.PointTable, error) {
	table, err := r.inner.Next()
	if table == nil || err != nil {
		return table, err
	}
	np := table.Np()
	if cap(r.values) < int(np) {
		r.values = make([]float64, np)
	}
	values := r.values[:np]
	enumDim := -1
	if r.enumerate != "" {
		enumDim = r.layout.FindDim(r.enumerate)
	}
	for d := range r.layout.Schema() {
		for i := uint64(0); i < np; i++ {
			values[i] = r.layout.GetValue(table.Row(i), d)
		}
		r.agg[d] = entwine.MergeStats(r.agg[d], batchStats(values))
		if d == enumDim {
			for _, v := range values {
				r.counts[fmt.Sprintf("%g", v)]++
			}
		}
	}
	return table, nil
}

func batchStats(values []float64) *entwine.DimensionStats {
	data := stats.Float64Data(values)
	min, _ := data.Min()
	max, _ := data.Max()
	mean, _ := data.Mean()
	variance, _ := data.PopulationVariance()
	stddev, _ := data.StandardDeviationPopulation()
	return &entwine.DimensionStats{
		Count:    uint64(len(values)),
		Minimum:  min,
		Maximum:  max,
		Mean:     mean,
		Variance: variance,
		Stddev:   stddev,
	}
}

// Stats returns the accumulated statistics keyed by dimension name.  The
// enumerated dimension carries its value counts.
func (r *StatsReader) Stats() map[string]*entwine.DimensionStats {
	out := map[string]*entwine.DimensionStats{}
	for d, dim := range r.layout.Schema() {
		if r.agg[d] == nil {
			continue
		}
		ds := *r.agg[d]
		if dim.Name == r.enumerate && len(r.counts) > 0 {
			ds.Counts = r.counts
		}
		out[dim.Name] = &ds
	}
	return out
}

func (r *StatsReader) Close() error { return r.inner.Close() }
