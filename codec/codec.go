/*
	Package codec holds the pluggable chunk codecs.  A chunk's point table is
	handed to the codec named by the dataset's data type tag, which turns it
	into the bytes stored under ept-data/ and back.  Codecs register
	themselves by name in their init functions.
*/

package codec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/XueSongTap/entwine/entwine"
)

// Codec encodes a chunk's point table to storable bytes and back.  The
// bounds passed to Encode are the chunk's bounds, available to codecs whose
// format stores spatial headers.
type Codec interface {
	// Name is the data type tag stored in the dataset metadata.
	Name() string

	// Extension is the filename extension for chunk files, without the dot.
	Extension() string

	Encode(table *entwine.PointTable, bounds entwine.Bounds) ([]byte, error)
	Decode(layout *entwine.Layout, data []byte) (*entwine.PointTable, error)
}

var (
	codecsMu sync.Mutex
	codecs   = map[string]Codec{}
)

// Register adds a codec to the registry.  It is expected to be called from
// codec init functions.
func Register(c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	if _, dup := codecs[c.Name()]; dup {
		panic(fmt.Sprintf("codec %q registered twice", c.Name()))
	}
	codecs[c.Name()] = c
}

// Get returns the codec for a data type tag.
func Get(name string) (Codec, error) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	c, ok := codecs[name]
	if !ok {
		return nil, errors.Errorf("no codec for data type %q", name)
	}
	return c, nil
}

// Names returns the registered codec names, sorted.
func Names() []string {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	var out []string
	for name := range codecs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
