package codec

import (
	"github.com/XueSongTap/entwine/entwine"
)

func init() {
	Register(binaryCodec{})
}

// binaryCodec stores the raw little-endian point records with no framing.
// The record width is known from the schema, so the point count is implied
// by the byte length.
type binaryCodec struct{}

func (binaryCodec) Name() string      { return "binary" }
func (binaryCodec) Extension() string { return "bin" }

func (binaryCodec) Encode(table *entwine.PointTable, _ entwine.Bounds) ([]byte, error) {
	out := make([]byte, len(table.Bytes()))
	copy(out, table.Bytes())
	return out, nil
}

func (binaryCodec) Decode(layout *entwine.Layout, data []byte) (*entwine.PointTable, error) {
	return entwine.PointTableFromBytes(layout, data)
}
