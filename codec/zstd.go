package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/entwine"
)

func init() {
	Register(&zstdCodec{})
}

// zstdCodec wraps the binary record layout in zstandard compression.  One
// encoder and one decoder are shared process-wide; both are safe for
// concurrent use via their EncodeAll/DecodeAll entry points.
type zstdCodec struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

func (c *zstdCodec) init() {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil)
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil)
	})
}

func (c *zstdCodec) Name() string      { return "zstandard" }
func (c *zstdCodec) Extension() string { return "zst" }

func (c *zstdCodec) Encode(table *entwine.PointTable, _ entwine.Bounds) ([]byte, error) {
	c.init()
	if c.initErr != nil {
		return nil, c.initErr
	}
	return c.encoder.EncodeAll(table.Bytes(), nil), nil
}

func (c *zstdCodec) Decode(layout *entwine.Layout, data []byte) (*entwine.PointTable, error) {
	c.init()
	if c.initErr != nil {
		return nil, c.initErr
	}
	decoded, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "zstandard chunk decode")
	}
	return entwine.PointTableFromBytes(layout, decoded)
}
