package codec

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/entwine"
)

func init() {
	Register(snappyCodec{})
}

// snappyCodec wraps the binary record layout in snappy block compression.
type snappyCodec struct{}

func (snappyCodec) Name() string      { return "snappy" }
func (snappyCodec) Extension() string { return "sz" }

func (snappyCodec) Encode(table *entwine.PointTable, _ entwine.Bounds) ([]byte, error) {
	return snappy.Encode(nil, table.Bytes()), nil
}

func (snappyCodec) Decode(layout *entwine.Layout, data []byte) (*entwine.PointTable, error) {
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "snappy chunk decode")
	}
	return entwine.PointTableFromBytes(layout, decoded)
}
