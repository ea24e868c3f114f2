/*
	Package storage provides a unified interface to the places a build reads
	inputs from and writes its dataset to.  Since builds may target a local
	directory, an in-memory store, or an object store, this package defines a
	small Store interface and a driver registry keyed by URI scheme.

	Values are simply []byte at this level.  Chunk encoding and metadata
	serialization occur above the storage level.
*/

package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Store is the minimal surface the builder needs from a storage backend.
type Store interface {
	// Get reads the value at path.  A missing path returns ErrNotFound.
	Get(path string) ([]byte, error)

	// Put writes the value at path, replacing any existing value.
	Put(path string, data []byte) error

	// TryGetSize returns the size of the value at path, with found=false
	// when the path does not exist.
	TryGetSize(path string) (size uint64, found bool, err error)

	// List returns the paths under the given prefix, sorted.
	List(prefix string) ([]string, error)
}

// ErrNotFound is returned by Get for missing paths.
var ErrNotFound = errors.New("path not found")

// Driver opens stores for URIs of its scheme.  Implementations register
// themselves in their init functions.
type Driver interface {
	// Scheme returns the URI scheme this driver handles, e.g. "file".
	Scheme() string

	// Open returns a store rooted at the given URI root.  The root is the
	// scheme-specific prefix of a URI, e.g. the bucket for object stores.
	Open(root string) (Store, error)
}

var (
	driversMu sync.Mutex
	drivers   = map[string]Driver{}
)

// RegisterDriver adds a driver to the registry.  It is expected to be called
// from driver init functions.
func RegisterDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[d.Scheme()]; dup {
		panic(fmt.Sprintf("storage driver %q registered twice", d.Scheme()))
	}
	drivers[d.Scheme()] = d
}

func getDriver(scheme string) (Driver, error) {
	driversMu.Lock()
	defer driversMu.Unlock()
	d, ok := drivers[scheme]
	if !ok {
		return nil, errors.Errorf("no storage driver for scheme %q", scheme)
	}
	return d, nil
}

// Schemes returns the registered driver schemes, sorted.
func Schemes() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	var out []string
	for scheme := range drivers {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// SplitURI separates a URI into its scheme and the scheme-relative path.
// Paths without a scheme are treated as local files.
func SplitURI(uri string) (scheme, path string) {
	if i := strings.Index(uri, "://"); i >= 0 {
		return uri[:i], uri[i+3:]
	}
	return "file", uri
}

// Join concatenates path segments with forward slashes, dropping empties.
func Join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	joined := strings.Join(kept, "/")
	if len(parts) > 0 && strings.HasPrefix(parts[0], "/") {
		return "/" + joined
	}
	return joined
}
