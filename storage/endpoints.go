/*
	The Arbiter dereferences URIs to stores, and Endpoints name the fixed
	locations of a build: its output root, the data/hierarchy/sources
	subdirectories, and a temp area for localized remote files.
*/

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Arbiter dereferences URIs to stores, caching one store per root.
type Arbiter struct {
	tmp string

	mu     sync.Mutex
	stores map[string]Store
}

// NewArbiter returns an arbiter whose Localize copies land under tmp.  An
// empty tmp uses the system temp directory.
func NewArbiter(tmp string) *Arbiter {
	if tmp == "" {
		tmp = os.TempDir()
	}
	return &Arbiter{tmp: tmp, stores: map[string]Store{}}
}

func (a *Arbiter) Tmp() string { return a.tmp }

// split breaks a URI into its store root and the store-relative path.  For
// local files the root is empty and the path is used as given; for object
// stores the root is the bucket.
func split(uri string) (scheme, root, path string) {
	scheme, rest := SplitURI(uri)
	if scheme == "file" {
		return scheme, "", rest
	}
	parts := strings.SplitN(rest, "/", 2)
	root = parts[0]
	if len(parts) == 2 {
		path = parts[1]
	}
	return scheme, root, path
}

func (a *Arbiter) store(scheme, root string) (Store, error) {
	key := scheme + "://" + root
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.stores[key]; ok {
		return s, nil
	}
	d, err := getDriver(scheme)
	if err != nil {
		return nil, err
	}
	s, err := d.Open(root)
	if err != nil {
		return nil, err
	}
	a.stores[key] = s
	return s, nil
}

// Endpoint returns an endpoint rooted at the given URI.
func (a *Arbiter) Endpoint(uri string) (Endpoint, error) {
	scheme, root, path := split(uri)
	s, err := a.store(scheme, root)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{store: s, root: path, uri: uri}, nil
}

// Get reads the value at an absolute URI.
func (a *Arbiter) Get(uri string) ([]byte, error) {
	scheme, root, path := split(uri)
	s, err := a.store(scheme, root)
	if err != nil {
		return nil, err
	}
	return s.Get(path)
}

// TryGetSize sizes the value at an absolute URI.
func (a *Arbiter) TryGetSize(uri string) (uint64, bool, error) {
	scheme, root, path := split(uri)
	s, err := a.store(scheme, root)
	if err != nil {
		return 0, false, err
	}
	return s.TryGetSize(path)
}

// LocalHandle is a file on the local filesystem, possibly a temp copy of a
// remote object that Release removes.
type LocalHandle struct {
	path string
	temp bool
}

func (h LocalHandle) LocalPath() string { return h.path }

// Release removes the temp copy, if any.
func (h LocalHandle) Release() {
	if h.temp {
		os.Remove(h.path)
	}
}

// Localize materializes the value at a URI as a local file.  Local paths are
// returned directly; remote objects are copied under the arbiter's tmp.
func (a *Arbiter) Localize(uri string) (LocalHandle, error) {
	scheme, _, path := split(uri)
	if scheme == "file" {
		return LocalHandle{path: path}, nil
	}
	data, err := a.Get(uri)
	if err != nil {
		return LocalHandle{}, errors.Wrapf(err, "localizing %q", uri)
	}
	if err := os.MkdirAll(a.tmp, 0755); err != nil {
		return LocalHandle{}, err
	}
	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path))
	local := filepath.Join(a.tmp, name)
	if err := os.WriteFile(local, data, 0644); err != nil {
		return LocalHandle{}, err
	}
	return LocalHandle{path: local, temp: true}, nil
}

// Resolve expands globs and directories in the given inputs into concrete
// file URIs.  Plain paths pass through untouched.
func (a *Arbiter) Resolve(inputs []string) ([]string, error) {
	var out []string
	for _, input := range inputs {
		scheme, root, path := split(input)
		switch {
		case strings.ContainsAny(path, "*?["):
			if scheme != "file" {
				return nil, errors.Errorf(
					"glob %q is only supported for local paths", input)
			}
			matches, err := filepath.Glob(path)
			if err != nil {
				return nil, err
			}
			out = append(out, matches...)
		default:
			s, err := a.store(scheme, root)
			if err != nil {
				return nil, err
			}
			listed, err := s.List(path)
			if err != nil {
				return nil, err
			}
			if listed == nil {
				// Not present yet; keep the path so analysis can report
				// the error against the right source.
				out = append(out, input)
				continue
			}
			for _, p := range listed {
				if scheme == "file" {
					out = append(out, p)
				} else {
					out = append(out, scheme+"://"+Join(root, p))
				}
			}
		}
	}
	return out, nil
}

// Endpoint is a store rooted at a directory-like prefix.
type Endpoint struct {
	store Store
	root  string
	uri   string
}

// Sub returns an endpoint for a subdirectory of this one.
func (e Endpoint) Sub(dir string) Endpoint {
	return Endpoint{
		store: e.store,
		root:  Join(e.root, dir),
		uri:   strings.TrimSuffix(e.uri, "/") + "/" + dir,
	}
}

// URI returns the absolute URI of the endpoint root.
func (e Endpoint) URI() string { return e.uri }

func (e Endpoint) Get(path string) ([]byte, error) {
	return e.store.Get(Join(e.root, path))
}

func (e Endpoint) Put(path string, data []byte) error {
	return e.store.Put(Join(e.root, path), data)
}

func (e Endpoint) TryGetSize(path string) (uint64, bool, error) {
	return e.store.TryGetSize(Join(e.root, path))
}

func (e Endpoint) List(prefix string) ([]string, error) {
	listed, err := e.store.List(Join(e.root, prefix))
	if err != nil {
		return nil, err
	}
	var out []string
	base := Join(e.root, prefix)
	for _, p := range listed {
		out = append(out, strings.TrimPrefix(strings.TrimPrefix(p, base), "/"))
	}
	return out, nil
}

// Endpoints names the fixed locations of a build.
type Endpoints struct {
	Arbiter   *Arbiter
	Output    Endpoint
	Data      Endpoint
	Hierarchy Endpoint
	Sources   Endpoint
}

// NewEndpoints lays out the standard dataset structure under the output URI.
func NewEndpoints(arbiter *Arbiter, output string) (Endpoints, error) {
	out, err := arbiter.Endpoint(output)
	if err != nil {
		return Endpoints{}, err
	}
	return Endpoints{
		Arbiter:   arbiter,
		Output:    out,
		Data:      out.Sub("ept-data"),
		Hierarchy: out.Sub("ept-hierarchy"),
		Sources:   out.Sub("ept-sources"),
	}, nil
}
