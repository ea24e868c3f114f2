/*
	Raw-binary reader stage: fixed-width little-endian records, either in the
	target layout directly or in a source schema named by the stage, with no
	header.  This is the format the dataset's own chunk files use, which
	makes it the natural fixture format for tests and for re-ingesting
	exported data.
*/

package reader

import (
	"os"

	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/entwine"
)

func init() {
	RegisterReader("readers.binary", openBinary)
}

type binaryReader struct {
	src    *entwine.PointTable
	srcLay *entwine.Layout
	layout *entwine.Layout
	next   uint64
}

func openBinary(stage Stage, layout *entwine.Layout) (Reader, error) {
	data, err := os.ReadFile(stage.Filename)
	if err != nil {
		return nil, err
	}
	srcLay := layout
	if stage.Schema != nil {
		if srcLay, err = entwine.NewLayout(stage.Schema); err != nil {
			return nil, err
		}
	}
	src, err := entwine.PointTableFromBytes(srcLay, data)
	if err != nil {
		return nil, errors.Wrap(err, "binary source")
	}
	return &binaryReader{src: src, srcLay: srcLay, layout: layout}, nil
}

func (r *binaryReader) Next() (*entwine.PointTable, error) {
	remaining := r.src.Np() - r.next
	if remaining == 0 {
		return nil, nil
	}
	n := remaining
	if n > BatchSize {
		n = BatchSize
	}
	if r.srcLay == r.layout {
		table, err := entwine.PointTableFromBytes(r.layout, r.src.Bytes()[r.next*r.layout.PointSize():(r.next+n)*r.layout.PointSize()])
		if err != nil {
			return nil, err
		}
		r.next += n
		return table, nil
	}
	// Source schema differs from the target layout; copy field-wise.
	table := entwine.NewPointTable(r.layout, n)
	for i := uint64(0); i < n; i++ {
		srcRow := r.src.Row(r.next + i)
		row := table.Row(i)
		r.layout.SetPosition(row, r.srcLay.GetPosition(srcRow))
		for d, dim := range r.layout.Schema() {
			switch dim.Name {
			case "X", "Y", "Z":
				continue
			}
			if s := r.srcLay.FindDim(dim.Name); s >= 0 {
				r.layout.SetValue(row, d, r.srcLay.GetValue(srcRow, s))
			}
		}
	}
	r.next += n
	return table, nil
}

func (r *binaryReader) Close() error { return nil }
