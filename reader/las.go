/*
	LAS reader stage.  Decoding goes through the lidario library, whose file
	open path reads and caches the full header and is not safe to enter from
	multiple goroutines at once, so opens are serialized behind libMutex.
*/

package reader

import (
	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/entwine"
)

func init() {
	RegisterReader("readers.las", openLas)
}

type lasReader struct {
	file   *lidario.LasFile
	layout *entwine.Layout

	intensity  int
	returnNum  int
	numReturns int
	classif    int
	red        int
	green      int
	blue       int
	gpsTime    int

	np   int
	next int
}

func openLas(stage Stage, layout *entwine.Layout) (Reader, error) {
	libMutex.Lock()
	file, err := lidario.NewLasFile(stage.Filename, "r")
	libMutex.Unlock()
	if err != nil {
		return nil, err
	}
	return &lasReader{
		file:       file,
		layout:     layout,
		intensity:  layout.FindDim("Intensity"),
		returnNum:  layout.FindDim("ReturnNumber"),
		numReturns: layout.FindDim("NumberOfReturns"),
		classif:    layout.FindDim("Classification"),
		red:        layout.FindDim("Red"),
		green:      layout.FindDim("Green"),
		blue:       layout.FindDim("Blue"),
		gpsTime:    layout.FindDim("GpsTime"),
		np:         file.Header.NumberPoints,
	}, nil
}

func (r *lasReader) Next() (*entwine.PointTable, error) {
	if r.next >= r.np {
		return nil, nil
	}
	n := r.np - r.next
	if n > BatchSize {
		n = BatchSize
	}
	table := entwine.NewPointTable(r.layout, uint64(n))
	for i := 0; i < n; i++ {
		p, err := r.file.LasPoint(r.next + i)
		if err != nil {
			return nil, errors.Wrapf(err, "point %d", r.next+i)
		}
		row := table.Row(uint64(i))
		data := p.PointData()
		r.layout.SetPosition(row, r3.Vector{X: data.X, Y: data.Y, Z: data.Z})
		r.setInt(row, r.intensity, int64(data.Intensity))
		r.setInt(row, r.returnNum, int64(data.BitField.Value&7))
		r.setInt(row, r.numReturns, int64(data.BitField.Value>>3&7))
		r.setInt(row, r.classif, int64(data.ClassBitField.Value))
		if rgb := p.RgbData(); rgb != nil {
			r.setInt(row, r.red, int64(rgb.Red))
			r.setInt(row, r.green, int64(rgb.Green))
			r.setInt(row, r.blue, int64(rgb.Blue))
		}
	}
	r.next += n
	return table, nil
}

func (r *lasReader) setInt(row []byte, dim int, v int64) {
	if dim >= 0 {
		r.layout.SetInteger(row, dim, v)
	}
}

func (r *lasReader) Close() error {
	return r.file.Close()
}

// LasInfo reads a LAS file's header into source info without touching the
// point records.
func LasInfo(path string) (Info, error) {
	libMutex.Lock()
	file, err := lidario.NewLasFile(path, "r")
	libMutex.Unlock()
	if err != nil {
		return Info{}, err
	}
	defer file.Close()

	h := file.Header
	return Info{
		Bounds: entwine.NewBounds(
			h.MinX, h.MinY, h.MinZ, h.MaxX, h.MaxY, h.MaxZ),
		Points: uint64(h.NumberPoints),
		Schema: entwine.DefaultSchema(),
	}, nil
}
